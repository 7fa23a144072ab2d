// Package cache wraps a Redis connection for the two read-path
// accelerators noted in the engine's dependency map: a response-token
// lookup cache sitting in front of C3's hash-keyed store lookup, and a
// due-time sorted set backing C8's send queue so the scheduler doesn't
// have to poll the store on every tick. Both are optional — cmd/trackyd
// runs with a nil *Client when REDIS_URL is unset, falling back to the
// store alone.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tracky-pm/engine/internal/domain"
)

const (
	tokenKeyPrefix = "rtoken:"
	tokenTTL       = 10 * time.Minute
	queueKey       = "alert_send_queue"
)

// Client wraps a redis.Client the way the teacher's redisclient package
// wraps one, adding the two operations the engine actually needs instead
// of exposing the raw client.
type Client struct {
	c *redis.Client
}

// New parses redisURL and returns a Client. Connectivity is not verified
// until the first call or Ping.
func New(redisURL string) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return &Client{c: redis.NewClient(opt)}, nil
}

// NewFromClient wraps an already-constructed *redis.Client, used by tests
// to inject a miniredis-backed client without going through ParseURL.
func NewFromClient(c *redis.Client) *Client { return &Client{c: c} }

func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.c.Ping(ctx).Err()
}

func (c *Client) Close() error { return c.c.Close() }

// GetResponseToken returns a cached token by hash, or (nil, false) on a
// cache miss (including "never cached" and "not found").
func (c *Client) GetResponseToken(ctx context.Context, hash string) (*domain.ResponseToken, bool) {
	raw, err := c.c.Get(ctx, tokenKeyPrefix+hash).Bytes()
	if err != nil {
		return nil, false
	}
	var t domain.ResponseToken
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, false
	}
	return &t, true
}

// PutResponseToken caches a token lookup result for tokenTTL. Revocation
// still has to go to the store of record — this cache only shortcuts the
// common case of a valid, unused token being parsed more than once within
// the same short window (e.g. a user double-clicking a magic link).
func (c *Client) PutResponseToken(ctx context.Context, hash string, t domain.ResponseToken) {
	raw, err := json.Marshal(t)
	if err != nil {
		return
	}
	c.c.Set(ctx, tokenKeyPrefix+hash, raw, tokenTTL)
}

// InvalidateResponseToken drops a cached token, called after it's revoked
// so a cached copy can't be replayed for the TTL window.
func (c *Client) InvalidateResponseToken(ctx context.Context, hash string) {
	c.c.Del(ctx, tokenKeyPrefix+hash)
}

// EnqueueAlertSend adds alertID to the due-time sorted set, scored by
// dueAt's unix timestamp so ZRangeByScore gives due-first ordering.
func (c *Client) EnqueueAlertSend(ctx context.Context, alertID string, dueAt time.Time) error {
	return c.c.ZAdd(ctx, queueKey, redis.Z{Score: float64(dueAt.Unix()), Member: alertID}).Err()
}

// DrainDueAlertSends pops up to limit alert ids scored at or before now,
// reading them with ZRANGEBYSCORE and then removing them with a separate
// ZREM; the two commands are not atomic.
func (c *Client) DrainDueAlertSends(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	results, err := c.c.ZRangeByScore(ctx, queueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.Unix()),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("draining alert send queue: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}
	members := make([]interface{}, len(results))
	for i, id := range results {
		members[i] = id
	}
	if err := c.c.ZRem(ctx, queueKey, members...).Err(); err != nil {
		return nil, fmt.Errorf("removing drained members: %w", err)
	}
	return results, nil
}
