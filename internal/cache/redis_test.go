package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/tracky-pm/engine/internal/domain"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestResponseTokenCacheRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	if _, ok := c.GetResponseToken(ctx, "missing"); ok {
		t.Fatal("expected a cache miss for a token never stored")
	}

	token := domain.ResponseToken{ID: "tok-1", TokenHash: "hash-1", WorkItemID: "wi-1", ExpiresAt: time.Now().UTC().Add(time.Hour)}
	c.PutResponseToken(ctx, token.TokenHash, token)

	got, ok := c.GetResponseToken(ctx, token.TokenHash)
	if !ok {
		t.Fatal("expected a cache hit after PutResponseToken")
	}
	if got.ID != token.ID || got.WorkItemID != token.WorkItemID {
		t.Fatalf("unexpected cached token: %+v", got)
	}

	c.InvalidateResponseToken(ctx, token.TokenHash)
	if _, ok := c.GetResponseToken(ctx, token.TokenHash); ok {
		t.Fatal("expected a cache miss after invalidation")
	}
}

func TestAlertSendQueueDrainsOnlyDueEntries(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := c.EnqueueAlertSend(ctx, "alert-due", now.Add(-time.Minute)); err != nil {
		t.Fatalf("EnqueueAlertSend: %v", err)
	}
	if err := c.EnqueueAlertSend(ctx, "alert-future", now.Add(time.Hour)); err != nil {
		t.Fatalf("EnqueueAlertSend: %v", err)
	}

	drained, err := c.DrainDueAlertSends(ctx, now, 10)
	if err != nil {
		t.Fatalf("DrainDueAlertSends: %v", err)
	}
	if len(drained) != 1 || drained[0] != "alert-due" {
		t.Fatalf("expected only alert-due to drain, got %v", drained)
	}

	again, err := c.DrainDueAlertSends(ctx, now, 10)
	if err != nil {
		t.Fatalf("DrainDueAlertSends: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected drained entries to be removed from the set, got %v", again)
	}
}
