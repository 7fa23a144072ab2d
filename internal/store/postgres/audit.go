package postgres

import (
	"context"

	"github.com/google/uuid"

	"github.com/tracky-pm/engine/internal/domain"
)

func (s *Store) InsertAuditRecords(ctx context.Context, records []domain.AuditRecord) error {
	if len(records) == 0 {
		return nil
	}
	const q = `
		INSERT INTO audit_records (id, entity_type, entity_id, action, field_changed, old_value, new_value,
			change_source, batch_id, changed_by, reason, metadata, changed_at)
		VALUES (:id, :entity_type, :entity_id, :action, :field_changed, :old_value, :new_value,
			:change_source, :batch_id, :changed_by, :reason, :metadata, :changed_at)`

	type namedRow struct {
		ID           string `db:"id"`
		EntityType   string `db:"entity_type"`
		EntityID     string `db:"entity_id"`
		Action       string `db:"action"`
		FieldChanged string `db:"field_changed"`
		OldValue     string `db:"old_value"`
		NewValue     string `db:"new_value"`
		ChangeSource string `db:"change_source"`
		BatchID      string `db:"batch_id"`
		ChangedBy    string `db:"changed_by"`
		Reason       string      `db:"reason"`
		Metadata     jsonMap     `db:"metadata"`
		ChangedAt    interface{} `db:"changed_at"`
	}

	rows := make([]namedRow, 0, len(records))
	for _, rec := range records {
		id := rec.ID
		if id == "" {
			id = uuid.NewString()
		}
		rows = append(rows, namedRow{
			ID: id, EntityType: rec.EntityType, EntityID: rec.EntityID, Action: rec.Action,
			FieldChanged: rec.FieldChanged, OldValue: rec.OldValue, NewValue: rec.NewValue,
			ChangeSource: rec.ChangeSource, BatchID: rec.BatchID, ChangedBy: rec.ChangedBy,
			Reason: rec.Reason, Metadata: mapOrEmpty(rec.Metadata), ChangedAt: rec.ChangedAt,
		})
	}

	_, err := s.db.NamedExecContext(ctx, q, rows)
	return wrapStoreErr("audit_records", "insert_batch", err)
}

func (s *Store) DeleteAuditRecordsByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlxIn(`DELETE FROM audit_records WHERE id IN (?)`, ids)
	if err != nil {
		return wrapStoreErr("audit_records", "delete_build_query", err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	return wrapStoreErr("audit_records", "delete_by_ids", err)
}
