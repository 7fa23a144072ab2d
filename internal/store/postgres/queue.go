package postgres

import (
	"context"
	"database/sql"
	"time"
)

// EnqueueAlertSend inserts a deduplicated pending send into the outbound
// queue. The unique constraint on idempotency_key is what makes re-running
// the queue_processor job against the same alert a no-op.
func (s *Store) EnqueueAlertSend(ctx context.Context, idempotencyKey, alertID string, dueAt time.Time) (bool, error) {
	const q = `
		INSERT INTO alert_send_queue (idempotency_key, alert_id, due_at, sent)
		VALUES ($1, $2, $3, false)
		ON CONFLICT (idempotency_key) DO NOTHING`
	res, err := s.db.ExecContext(ctx, q, idempotencyKey, alertID, dueAt)
	if err != nil {
		return false, wrapStoreErr("alert_send_queue", "enqueue", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapStoreErr("alert_send_queue", "enqueue_rows_affected", err)
	}
	return n > 0, nil
}

// DrainDueAlertSends claims up to limit queued rows whose due_at has passed,
// marks them sent within the same statement via a CTE, and returns the
// alert ids so the caller can dispatch them exactly once even under
// concurrent schedulers.
func (s *Store) DrainDueAlertSends(ctx context.Context, now time.Time, limit int) ([]string, error) {
	const q = `
		WITH due AS (
			SELECT idempotency_key FROM alert_send_queue
			WHERE sent = false AND due_at <= $1
			ORDER BY due_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE alert_send_queue SET sent = true
		WHERE idempotency_key IN (SELECT idempotency_key FROM due)
		RETURNING alert_id`
	var ids []string
	err := s.db.SelectContext(ctx, &ids, q, now, limit)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreErr("alert_send_queue", "drain_due", err)
	}
	return ids, nil
}
