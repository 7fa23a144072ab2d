package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/tracky-pm/engine/internal/domain"
)

type alertRow struct {
	ID                  string        `db:"id"`
	WorkItemID          string        `db:"work_item_id"`
	DeadlineDate        time.Time     `db:"deadline_date"`
	IntendedRecipient   string        `db:"intended_recipient"`
	ActualRecipient     string        `db:"actual_recipient"`
	Type                string        `db:"type"`
	EscalationLevel     int           `db:"escalation_level"`
	Urgency             string        `db:"urgency"`
	Status              string        `db:"status"`
	ScheduledSendAt     time.Time     `db:"scheduled_send_at"`
	SentAt              *time.Time    `db:"sent_at"`
	RespondedAt         *time.Time    `db:"responded_at"`
	ExpiresAt           time.Time     `db:"expires_at"`
	EscalationTimeoutAt *time.Time    `db:"escalation_timeout_at"`
	ParentAlertID       string        `db:"parent_alert_id"`
	EscalationReason    string        `db:"escalation_reason"`
	Metadata            jsonMap       `db:"metadata"`
}

// inFlightAlertStatuses mirrors the memory store's notion of an alert still
// awaiting resolution: anything short of a terminal Responded/Expired/Cancelled.
var inFlightAlertStatuses = []string{
	string(domain.AlertPending), string(domain.AlertSent),
	string(domain.AlertDelivered), string(domain.AlertOpened),
}

func (r alertRow) toDomain() domain.Alert {
	return domain.Alert{
		ID: r.ID, WorkItemID: r.WorkItemID, DeadlineDate: r.DeadlineDate,
		IntendedRecipient: r.IntendedRecipient, ActualRecipient: r.ActualRecipient,
		Type: domain.AlertType(r.Type), EscalationLevel: r.EscalationLevel, Urgency: domain.Urgency(r.Urgency),
		Status: domain.AlertStatus(r.Status), ScheduledSendAt: r.ScheduledSendAt, SentAt: r.SentAt,
		RespondedAt: r.RespondedAt, ExpiresAt: r.ExpiresAt, EscalationTimeoutAt: r.EscalationTimeoutAt,
		ParentAlertID: r.ParentAlertID, EscalationReason: r.EscalationReason, Metadata: map[string]interface{}(r.Metadata),
	}
}

const alertColumns = `id, work_item_id, deadline_date, intended_recipient, actual_recipient, type,
	escalation_level, urgency, status, scheduled_send_at, sent_at, responded_at, expires_at,
	escalation_timeout_at, parent_alert_id, escalation_reason, metadata`

func (s *Store) GetAlert(ctx context.Context, id string) (*domain.Alert, error) {
	var row alertRow
	err := s.db.GetContext(ctx, &row, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreErr("alerts", "get", err)
	}
	a := row.toDomain()
	return &a, nil
}

func (s *Store) FindInFlightAlert(ctx context.Context, workItemID string, deadline time.Time, alertType domain.AlertType, level int) (*domain.Alert, error) {
	query, args, err := sqlxIn(`
		SELECT `+alertColumns+` FROM alerts
		WHERE work_item_id = ? AND deadline_date::date = ?::date AND type = ? AND escalation_level = ?
		AND status IN (?)
		ORDER BY scheduled_send_at DESC LIMIT 1`,
		workItemID, deadline, string(alertType), level, inFlightAlertStatuses)
	if err != nil {
		return nil, wrapStoreErr("alerts", "find_in_flight_build_query", err)
	}
	var row alertRow
	err = s.db.GetContext(ctx, &row, s.db.Rebind(query), args...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreErr("alerts", "find_in_flight", err)
	}
	a := row.toDomain()
	return &a, nil
}

// InsertAlert relies on FindInFlightAlert rather than a database constraint
// to detect duplicates, since "in-flight" spans four different status
// values that a simple unique index can't express cleanly.
func (s *Store) InsertAlert(ctx context.Context, a domain.Alert) (domain.Alert, bool, error) {
	existing, err := s.FindInFlightAlert(ctx, a.WorkItemID, a.DeadlineDate, a.Type, a.EscalationLevel)
	if err != nil {
		return domain.Alert{}, false, err
	}
	if existing != nil {
		return *existing, true, nil
	}

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO alerts (id, work_item_id, deadline_date, intended_recipient, actual_recipient, type,
			escalation_level, urgency, status, scheduled_send_at, sent_at, responded_at, expires_at,
			escalation_timeout_at, parent_alert_id, escalation_reason, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		RETURNING id`
	if err := s.db.GetContext(ctx, &a.ID, q,
		a.ID, a.WorkItemID, a.DeadlineDate, a.IntendedRecipient, a.ActualRecipient, string(a.Type),
		a.EscalationLevel, string(a.Urgency), string(a.Status), a.ScheduledSendAt, a.SentAt, a.RespondedAt,
		a.ExpiresAt, a.EscalationTimeoutAt, a.ParentAlertID, a.EscalationReason, mapOrEmpty(a.Metadata),
	); err != nil {
		return domain.Alert{}, false, wrapStoreErr("alerts", "insert", err)
	}
	return a, false, nil
}

func (s *Store) UpdateAlert(ctx context.Context, a domain.Alert) error {
	const q = `
		UPDATE alerts SET
			intended_recipient=$2, actual_recipient=$3, escalation_level=$4, urgency=$5, status=$6,
			scheduled_send_at=$7, sent_at=$8, responded_at=$9, expires_at=$10, escalation_timeout_at=$11,
			parent_alert_id=$12, escalation_reason=$13, metadata=$14
		WHERE id=$1`
	_, err := s.db.ExecContext(ctx, q,
		a.ID, a.IntendedRecipient, a.ActualRecipient, a.EscalationLevel, string(a.Urgency), string(a.Status),
		a.ScheduledSendAt, a.SentAt, a.RespondedAt, a.ExpiresAt, a.EscalationTimeoutAt,
		a.ParentAlertID, a.EscalationReason, mapOrEmpty(a.Metadata),
	)
	return wrapStoreErr("alerts", "update", err)
}

func (s *Store) ListTimedOutAlerts(ctx context.Context, now time.Time) ([]domain.Alert, error) {
	query, args, err := sqlxIn(`
		SELECT `+alertColumns+` FROM alerts
		WHERE status IN (?) AND escalation_timeout_at IS NOT NULL AND escalation_timeout_at <= ?`,
		inFlightAlertStatuses, now)
	if err != nil {
		return nil, wrapStoreErr("alerts", "list_timed_out_build_query", err)
	}
	var rows []alertRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, wrapStoreErr("alerts", "list_timed_out", err)
	}
	return toAlerts(rows), nil
}

func (s *Store) ListExpiredAlerts(ctx context.Context, now time.Time) ([]domain.Alert, error) {
	query, args, err := sqlxIn(`
		SELECT `+alertColumns+` FROM alerts
		WHERE status IN (?) AND expires_at <= ?`,
		inFlightAlertStatuses, now)
	if err != nil {
		return nil, wrapStoreErr("alerts", "list_expired_build_query", err)
	}
	var rows []alertRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, wrapStoreErr("alerts", "list_expired", err)
	}
	return toAlerts(rows), nil
}

// ListAlertsDueForReminder matches the memory store's rule: still in flight,
// scheduled before cutoff, and not already flagged reminder_sent in metadata.
func (s *Store) ListAlertsDueForReminder(ctx context.Context, cutoff time.Time) ([]domain.Alert, error) {
	query, args, err := sqlxIn(`
		SELECT `+alertColumns+` FROM alerts
		WHERE status IN (?) AND scheduled_send_at < ?
		AND COALESCE((metadata->>'reminder_sent')::boolean, false) = false`,
		inFlightAlertStatuses, cutoff)
	if err != nil {
		return nil, wrapStoreErr("alerts", "list_due_for_reminder_build_query", err)
	}
	var rows []alertRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, wrapStoreErr("alerts", "list_due_for_reminder", err)
	}
	return toAlerts(rows), nil
}

func toAlerts(rows []alertRow) []domain.Alert {
	out := make([]domain.Alert, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out
}
