package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/tracky-pm/engine/internal/domain"
)

type importBatchRow struct {
	ID                string     `db:"id"`
	ProgramID         string     `db:"program_id"`
	FileName          string     `db:"file_name"`
	FileHash          string     `db:"file_hash"`
	StartedAt         time.Time  `db:"started_at"`
	CompletedAt       *time.Time `db:"completed_at"`
	Status            string     `db:"status"`
	Summary           jsonMap    `db:"summary"`
	BaselineVersionID string     `db:"baseline_version_id"`
}

func (r importBatchRow) toDomain() domain.ImportBatch {
	return domain.ImportBatch{
		ID: r.ID, ProgramID: r.ProgramID, FileName: r.FileName, FileHash: r.FileHash,
		StartedAt: r.StartedAt, CompletedAt: r.CompletedAt, Status: domain.ImportStatus(r.Status),
		Summary: map[string]interface{}(r.Summary), BaselineVersionID: r.BaselineVersionID,
	}
}

const importBatchColumns = `id, program_id, file_name, file_hash, started_at, completed_at, status, summary, baseline_version_id`

func (s *Store) InsertImportBatch(ctx context.Context, b domain.ImportBatch) (domain.ImportBatch, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO import_batches (id, program_id, file_name, file_hash, started_at, completed_at, status, summary, baseline_version_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id`
	if err := s.db.GetContext(ctx, &b.ID, q, b.ID, b.ProgramID, b.FileName, b.FileHash, b.StartedAt, b.CompletedAt, string(b.Status), mapOrEmpty(b.Summary), b.BaselineVersionID); err != nil {
		return domain.ImportBatch{}, wrapStoreErr("import_batches", "insert", err)
	}
	return b, nil
}

func (s *Store) UpdateImportBatch(ctx context.Context, b domain.ImportBatch) error {
	const q = `UPDATE import_batches SET completed_at=$2, status=$3, summary=$4, baseline_version_id=$5 WHERE id=$1`
	_, err := s.db.ExecContext(ctx, q, b.ID, b.CompletedAt, string(b.Status), mapOrEmpty(b.Summary), b.BaselineVersionID)
	return wrapStoreErr("import_batches", "update", err)
}

func (s *Store) GetImportBatch(ctx context.Context, id string) (*domain.ImportBatch, error) {
	var row importBatchRow
	err := s.db.GetContext(ctx, &row, `SELECT `+importBatchColumns+` FROM import_batches WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreErr("import_batches", "get", err)
	}
	b := row.toDomain()
	return &b, nil
}

func (s *Store) ListImportBatches(ctx context.Context, programID string) ([]domain.ImportBatch, error) {
	var rows []importBatchRow
	var err error
	if programID == "" {
		err = s.db.SelectContext(ctx, &rows, `SELECT `+importBatchColumns+` FROM import_batches ORDER BY started_at DESC`)
	} else {
		err = s.db.SelectContext(ctx, &rows, `SELECT `+importBatchColumns+` FROM import_batches WHERE program_id = $1 ORDER BY started_at DESC`, programID)
	}
	if err != nil {
		return nil, wrapStoreErr("import_batches", "list", err)
	}
	out := make([]domain.ImportBatch, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

type baselineVersionRow struct {
	ID            string    `db:"id"`
	ProgramID     string    `db:"program_id"`
	VersionNumber int       `db:"version_number"`
	SnapshotRaw   []byte    `db:"snapshot"`
	Totals        jsonMap   `db:"totals"`
	Reason        string    `db:"reason"`
	CreatedBy     string    `db:"created_by"`
	ImportBatchID string    `db:"import_batch_id"`
	CreatedAt     time.Time `db:"created_at"`
}

const baselineVersionColumns = `id, program_id, version_number, snapshot, totals, reason, created_by, import_batch_id, created_at`

func (s *Store) InsertBaselineVersion(ctx context.Context, b domain.BaselineVersion) (domain.BaselineVersion, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	snapshotJSON, err := marshalSnapshot(b.Snapshot)
	if err != nil {
		return domain.BaselineVersion{}, wrapStoreErr("baseline_versions", "marshal_snapshot", err)
	}
	const q = `
		INSERT INTO baseline_versions (id, program_id, version_number, snapshot, totals, reason, created_by, import_batch_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id`
	if err := s.db.GetContext(ctx, &b.ID, q, b.ID, b.ProgramID, b.VersionNumber, snapshotJSON, mapOrEmpty(b.Totals), b.Reason, b.CreatedBy, b.ImportBatchID, b.CreatedAt); err != nil {
		return domain.BaselineVersion{}, wrapStoreErr("baseline_versions", "insert", err)
	}
	return b, nil
}

func (s *Store) ListBaselineVersions(ctx context.Context, programID string) ([]domain.BaselineVersion, error) {
	const q = `SELECT ` + baselineVersionColumns + ` FROM baseline_versions WHERE program_id = $1 ORDER BY version_number DESC`
	rows, err := s.db.QueryxContext(ctx, q, programID)
	if err != nil {
		return nil, wrapStoreErr("baseline_versions", "list", err)
	}
	defer rows.Close()

	var out []domain.BaselineVersion
	for rows.Next() {
		var row baselineVersionRow
		if err := rows.StructScan(&row); err != nil {
			return nil, wrapStoreErr("baseline_versions", "scan", err)
		}
		snapshot, err := unmarshalSnapshot(row.SnapshotRaw)
		if err != nil {
			return nil, wrapStoreErr("baseline_versions", "unmarshal_snapshot", err)
		}
		out = append(out, domain.BaselineVersion{
			ID: row.ID, ProgramID: row.ProgramID, VersionNumber: row.VersionNumber, Snapshot: snapshot,
			Totals: map[string]interface{}(row.Totals), Reason: row.Reason, CreatedBy: row.CreatedBy,
			ImportBatchID: row.ImportBatchID, CreatedAt: row.CreatedAt,
		})
	}
	return out, rows.Err()
}

func (s *Store) NextBaselineVersionNumber(ctx context.Context, programID string) (int, error) {
	var max sql.NullInt64
	if err := s.db.GetContext(ctx, &max, `SELECT MAX(version_number) FROM baseline_versions WHERE program_id = $1`, programID); err != nil {
		return 0, wrapStoreErr("baseline_versions", "next_version_number", err)
	}
	if !max.Valid {
		return 1, nil
	}
	return int(max.Int64) + 1, nil
}
