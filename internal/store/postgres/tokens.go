package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/tracky-pm/engine/internal/domain"
)

type responseTokenRow struct {
	ID               string     `db:"id"`
	TokenHash        string     `db:"token_hash"`
	WorkItemID       string     `db:"work_item_id"`
	ResourceID       string     `db:"resource_id"`
	AlertID          string     `db:"alert_id"`
	ExpiresAt        time.Time  `db:"expires_at"`
	Revoked          bool       `db:"revoked"`
	UsedAt           *time.Time `db:"used_at"`
	UsedByResponseID string     `db:"used_by_response_id"`
}

func (r responseTokenRow) toDomain() domain.ResponseToken {
	return domain.ResponseToken{
		ID: r.ID, TokenHash: r.TokenHash, WorkItemID: r.WorkItemID, ResourceID: r.ResourceID,
		AlertID: r.AlertID, ExpiresAt: r.ExpiresAt, Revoked: r.Revoked, UsedAt: r.UsedAt,
		UsedByResponseID: r.UsedByResponseID,
	}
}

const responseTokenColumns = `id, token_hash, work_item_id, resource_id, alert_id, expires_at, revoked, used_at, used_by_response_id`

func (s *Store) InsertResponseToken(ctx context.Context, t domain.ResponseToken) (domain.ResponseToken, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO response_tokens (id, token_hash, work_item_id, resource_id, alert_id, expires_at, revoked, used_at, used_by_response_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`
	if err := s.db.GetContext(ctx, &t.ID, q, t.ID, t.TokenHash, t.WorkItemID, t.ResourceID, t.AlertID, t.ExpiresAt, t.Revoked, t.UsedAt, t.UsedByResponseID); err != nil {
		return domain.ResponseToken{}, wrapStoreErr("response_tokens", "insert", err)
	}
	return t, nil
}

func (s *Store) GetResponseTokenByHash(ctx context.Context, hash string) (*domain.ResponseToken, error) {
	var row responseTokenRow
	err := s.db.GetContext(ctx, &row, `SELECT `+responseTokenColumns+` FROM response_tokens WHERE token_hash = $1`, hash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreErr("response_tokens", "get_by_hash", err)
	}
	t := row.toDomain()
	return &t, nil
}

func (s *Store) RevokeResponseToken(ctx context.Context, id, usedByResponseID string, usedAt time.Time) error {
	const q = `UPDATE response_tokens SET revoked = true, used_at = $2, used_by_response_id = $3 WHERE id = $1`
	_, err := s.db.ExecContext(ctx, q, id, usedAt, usedByResponseID)
	return wrapStoreErr("response_tokens", "revoke", err)
}

func (s *Store) PurgeRevokedTokensOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM response_tokens WHERE revoked = true AND used_at < $1`, cutoff)
	if err != nil {
		return 0, wrapStoreErr("response_tokens", "purge", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapStoreErr("response_tokens", "purge_rows_affected", err)
	}
	return int(n), nil
}
