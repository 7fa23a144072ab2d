package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/tracky-pm/engine/internal/domain"
)

type workItemResponseRow struct {
	ID                  string     `db:"id"`
	AlertID             string     `db:"alert_id"`
	WorkItemID          string     `db:"work_item_id"`
	ResponderID         string     `db:"responder_id"`
	TokenID             string     `db:"token_id"`
	ReportedStatus      string     `db:"reported_status"`
	ProposedNewDate     *time.Time `db:"proposed_new_date"`
	DelayDays           int        `db:"delay_days"`
	ReasonCategory      string     `db:"reason_category"`
	ReasonDetails       jsonMap    `db:"reason_details"`
	Comment             string     `db:"comment"`
	ResponseVersion     int        `db:"response_version"`
	IsLatest            bool       `db:"is_latest"`
	SupersededByVersion int        `db:"superseded_by_version"`
	RequiresApproval    bool       `db:"requires_approval"`
	ApprovalStatus      string     `db:"approval_status"`
	ApprovedBy          string     `db:"approved_by"`
	ApprovedAt          *time.Time `db:"approved_at"`
	ImpactAnalysis      jsonMap    `db:"impact_analysis"`
	SubmittedAt         time.Time  `db:"submitted_at"`
	IdempotencyKey      string     `db:"idempotency_key"`
}

func (r workItemResponseRow) toDomain() domain.WorkItemResponse {
	return domain.WorkItemResponse{
		ID: r.ID, AlertID: r.AlertID, WorkItemID: r.WorkItemID, ResponderID: r.ResponderID, TokenID: r.TokenID,
		ReportedStatus: domain.ReportedStatus(r.ReportedStatus), ProposedNewDate: r.ProposedNewDate, DelayDays: r.DelayDays,
		ReasonCategory: domain.ReasonCategory(r.ReasonCategory), ReasonDetails: map[string]interface{}(r.ReasonDetails),
		Comment: r.Comment, ResponseVersion: r.ResponseVersion, IsLatest: r.IsLatest,
		SupersededByVersion: r.SupersededByVersion, RequiresApproval: r.RequiresApproval,
		ApprovalStatus: domain.ApprovalStatus(r.ApprovalStatus), ApprovedBy: r.ApprovedBy, ApprovedAt: r.ApprovedAt,
		ImpactAnalysis: map[string]interface{}(r.ImpactAnalysis), SubmittedAt: r.SubmittedAt, IdempotencyKey: r.IdempotencyKey,
	}
}

const workItemResponseColumns = `id, alert_id, work_item_id, responder_id, token_id, reported_status, proposed_new_date,
	delay_days, reason_category, reason_details, comment, response_version, is_latest, superseded_by_version,
	requires_approval, approval_status, approved_by, approved_at, impact_analysis, submitted_at, idempotency_key`

func (s *Store) GetResponseByIdempotencyKey(ctx context.Context, key string) (*domain.WorkItemResponse, error) {
	var row workItemResponseRow
	err := s.db.GetContext(ctx, &row, `SELECT `+workItemResponseColumns+` FROM work_item_responses WHERE idempotency_key = $1`, key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreErr("work_item_responses", "get_by_idempotency_key", err)
	}
	r := row.toDomain()
	return &r, nil
}

func (s *Store) LatestResponseForWorkItem(ctx context.Context, workItemID string) (*domain.WorkItemResponse, error) {
	const q = `SELECT ` + workItemResponseColumns + ` FROM work_item_responses
		WHERE work_item_id = $1 AND is_latest = true
		ORDER BY response_version DESC LIMIT 1`
	var row workItemResponseRow
	err := s.db.GetContext(ctx, &row, q, workItemID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreErr("work_item_responses", "latest_for_work_item", err)
	}
	r := row.toDomain()
	return &r, nil
}

func (s *Store) InsertResponse(ctx context.Context, r domain.WorkItemResponse) (domain.WorkItemResponse, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO work_item_responses (id, alert_id, work_item_id, responder_id, token_id, reported_status,
			proposed_new_date, delay_days, reason_category, reason_details, comment, response_version, is_latest,
			superseded_by_version, requires_approval, approval_status, approved_by, approved_at, impact_analysis,
			submitted_at, idempotency_key)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		RETURNING id`
	if err := s.db.GetContext(ctx, &r.ID, q,
		r.ID, r.AlertID, r.WorkItemID, r.ResponderID, r.TokenID, string(r.ReportedStatus),
		r.ProposedNewDate, r.DelayDays, string(r.ReasonCategory), mapOrEmpty(r.ReasonDetails), r.Comment,
		r.ResponseVersion, r.IsLatest, r.SupersededByVersion, r.RequiresApproval, string(r.ApprovalStatus),
		r.ApprovedBy, r.ApprovedAt, mapOrEmpty(r.ImpactAnalysis), r.SubmittedAt, r.IdempotencyKey,
	); err != nil {
		return domain.WorkItemResponse{}, wrapStoreErr("work_item_responses", "insert", err)
	}
	return r, nil
}

func (s *Store) UpdateResponse(ctx context.Context, r domain.WorkItemResponse) error {
	const q = `
		UPDATE work_item_responses SET
			is_latest=$2, superseded_by_version=$3, requires_approval=$4, approval_status=$5,
			approved_by=$6, approved_at=$7, impact_analysis=$8
		WHERE id=$1`
	_, err := s.db.ExecContext(ctx, q, r.ID, r.IsLatest, r.SupersededByVersion, r.RequiresApproval,
		string(r.ApprovalStatus), r.ApprovedBy, r.ApprovedAt, mapOrEmpty(r.ImpactAnalysis))
	return wrapStoreErr("work_item_responses", "update", err)
}

func (s *Store) GetResponse(ctx context.Context, id string) (*domain.WorkItemResponse, error) {
	var row workItemResponseRow
	err := s.db.GetContext(ctx, &row, `SELECT `+workItemResponseColumns+` FROM work_item_responses WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreErr("work_item_responses", "get", err)
	}
	r := row.toDomain()
	return &r, nil
}

func (s *Store) ListPendingApprovals(ctx context.Context, programID string) ([]domain.WorkItemResponse, error) {
	var rows []workItemResponseRow
	var err error
	if programID == "" {
		err = s.db.SelectContext(ctx, &rows, `SELECT `+workItemResponseColumns+` FROM work_item_responses WHERE approval_status = 'PENDING' ORDER BY submitted_at`)
	} else {
		const q = `
			SELECT wir.id, wir.alert_id, wir.work_item_id, wir.responder_id, wir.token_id, wir.reported_status,
				wir.proposed_new_date, wir.delay_days, wir.reason_category, wir.reason_details, wir.comment,
				wir.response_version, wir.is_latest, wir.superseded_by_version, wir.requires_approval,
				wir.approval_status, wir.approved_by, wir.approved_at, wir.impact_analysis, wir.submitted_at,
				wir.idempotency_key
			FROM work_item_responses wir
			JOIN work_items wi ON wi.id = wir.work_item_id
			JOIN phases ph ON ph.id = wi.phase_id
			JOIN projects pr ON pr.id = ph.project_id
			WHERE wir.approval_status = 'PENDING' AND pr.program_id = $1
			ORDER BY wir.submitted_at`
		err = s.db.SelectContext(ctx, &rows, q, programID)
	}
	if err != nil {
		return nil, wrapStoreErr("work_item_responses", "list_pending_approvals", err)
	}
	out := make([]domain.WorkItemResponse, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}
