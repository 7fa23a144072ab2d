package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/tracky-pm/engine/internal/domain"
)

type workItemRow struct {
	ID                  string     `db:"id"`
	ExternalID          string     `db:"external_id"`
	PhaseID             string     `db:"phase_id"`
	Name                string     `db:"name"`
	PlannedStart        time.Time  `db:"planned_start"`
	PlannedEnd          time.Time  `db:"planned_end"`
	PlannedEffort       float64    `db:"planned_effort"`
	AllocationPercent   float64    `db:"allocation_percent"`
	CurrentStart        time.Time  `db:"current_start"`
	CurrentEnd          time.Time  `db:"current_end"`
	ActualStart         *time.Time `db:"actual_start"`
	ActualEnd           *time.Time `db:"actual_end"`
	Status              string     `db:"status"`
	CompletionPercent   float64    `db:"completion_percent"`
	ResourceID          string     `db:"resource_id"`
	IsCriticalPath      bool       `db:"is_critical_path"`
	SlackDays           float64    `db:"slack_days"`
	FlagForReview       bool       `db:"flag_for_review"`
	ReviewMessage       string     `db:"review_message"`
	CancellationReason  string     `db:"cancellation_reason"`
	Complexity          string     `db:"complexity"`
	RevenueImpact       float64    `db:"revenue_impact"`
	StrategicImportance string     `db:"strategic_importance"`
	CustomerImpact      string     `db:"customer_impact"`
	IsCriticalLaunch    bool       `db:"is_critical_launch"`
	FeatureName         string     `db:"feature_name"`
}

func (r workItemRow) toDomain() domain.WorkItem {
	return domain.WorkItem{
		ID: r.ID, ExternalID: r.ExternalID, PhaseID: r.PhaseID, Name: r.Name,
		PlannedStart: r.PlannedStart, PlannedEnd: r.PlannedEnd, PlannedEffort: r.PlannedEffort,
		AllocationPercent: r.AllocationPercent, CurrentStart: r.CurrentStart, CurrentEnd: r.CurrentEnd,
		ActualStart: r.ActualStart, ActualEnd: r.ActualEnd, Status: domain.WorkItemStatus(r.Status),
		CompletionPercent: r.CompletionPercent, ResourceID: r.ResourceID, IsCriticalPath: r.IsCriticalPath,
		SlackDays: r.SlackDays, FlagForReview: r.FlagForReview, ReviewMessage: r.ReviewMessage,
		CancellationReason: r.CancellationReason, Complexity: r.Complexity, RevenueImpact: r.RevenueImpact,
		StrategicImportance: r.StrategicImportance, CustomerImpact: r.CustomerImpact,
		IsCriticalLaunch: r.IsCriticalLaunch, FeatureName: r.FeatureName,
	}
}

const workItemColumns = `id, external_id, phase_id, name, planned_start, planned_end, planned_effort,
	allocation_percent, current_start, current_end, actual_start, actual_end, status, completion_percent,
	resource_id, is_critical_path, slack_days, flag_for_review, review_message, cancellation_reason,
	complexity, revenue_impact, strategic_importance, customer_impact, is_critical_launch, feature_name`

func (s *Store) GetWorkItem(ctx context.Context, id string) (*domain.WorkItem, error) {
	var row workItemRow
	err := s.db.GetContext(ctx, &row, `SELECT `+workItemColumns+` FROM work_items WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreErr("work_items", "get", err)
	}
	w := row.toDomain()
	return &w, nil
}

func (s *Store) GetWorkItemByExternalID(ctx context.Context, phaseID, externalID string) (*domain.WorkItem, error) {
	var row workItemRow
	err := s.db.GetContext(ctx, &row, `SELECT `+workItemColumns+` FROM work_items WHERE phase_id = $1 AND external_id = $2`, phaseID, externalID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreErr("work_items", "get_by_external_id", err)
	}
	w := row.toDomain()
	return &w, nil
}

func (s *Store) ListWorkItemsByPhase(ctx context.Context, phaseID string) ([]domain.WorkItem, error) {
	var rows []workItemRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+workItemColumns+` FROM work_items WHERE phase_id = $1 ORDER BY external_id`, phaseID); err != nil {
		return nil, wrapStoreErr("work_items", "list_by_phase", err)
	}
	return toWorkItems(rows), nil
}

func (s *Store) ListWorkItemsByProgram(ctx context.Context, programID string) ([]domain.WorkItem, error) {
	const q = `
		SELECT wi.id, wi.external_id, wi.phase_id, wi.name, wi.planned_start, wi.planned_end, wi.planned_effort,
			wi.allocation_percent, wi.current_start, wi.current_end, wi.actual_start, wi.actual_end, wi.status,
			wi.completion_percent, wi.resource_id, wi.is_critical_path, wi.slack_days, wi.flag_for_review,
			wi.review_message, wi.cancellation_reason, wi.complexity, wi.revenue_impact, wi.strategic_importance,
			wi.customer_impact, wi.is_critical_launch, wi.feature_name
		FROM work_items wi
		JOIN phases ph ON ph.id = wi.phase_id
		JOIN projects pr ON pr.id = ph.project_id
		WHERE pr.program_id = $1`
	var rows []workItemRow
	if err := s.db.SelectContext(ctx, &rows, q, programID); err != nil {
		return nil, wrapStoreErr("work_items", "list_by_program", err)
	}
	return toWorkItems(rows), nil
}

func (s *Store) ListWorkItemsDueBetween(ctx context.Context, start, end time.Time) ([]domain.WorkItem, error) {
	const q = `SELECT ` + workItemColumns + ` FROM work_items
		WHERE current_end >= $1 AND current_end < $2
		AND status NOT IN ('Completed', 'Cancelled') AND actual_end IS NULL`
	var rows []workItemRow
	if err := s.db.SelectContext(ctx, &rows, q, start, end); err != nil {
		return nil, wrapStoreErr("work_items", "list_due_between", err)
	}
	return toWorkItems(rows), nil
}

func (s *Store) ProgramForWorkItem(ctx context.Context, workItemID string) (*domain.Program, error) {
	const q = `
		SELECT p.id, p.external_id, p.name, p.status, p.baseline_start, p.baseline_end,
			p.pm_owner, p.secondary_pm, p.holiday_country
		FROM programs p
		JOIN projects pr ON pr.program_id = p.id
		JOIN phases ph ON ph.project_id = pr.id
		JOIN work_items wi ON wi.phase_id = ph.id
		WHERE wi.id = $1`
	var row programRow
	err := s.db.GetContext(ctx, &row, q, workItemID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreErr("programs", "for_work_item", err)
	}
	p := row.toDomain()
	return &p, nil
}

func toWorkItems(rows []workItemRow) []domain.WorkItem {
	out := make([]domain.WorkItem, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out
}

func (s *Store) InsertWorkItem(ctx context.Context, w domain.WorkItem) (domain.WorkItem, error) {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO work_items (id, external_id, phase_id, name, planned_start, planned_end, planned_effort,
			allocation_percent, current_start, current_end, actual_start, actual_end, status, completion_percent,
			resource_id, is_critical_path, slack_days, flag_for_review, review_message, cancellation_reason,
			complexity, revenue_impact, strategic_importance, customer_impact, is_critical_launch, feature_name)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)
		RETURNING id`
	if err := s.db.GetContext(ctx, &w.ID, q,
		w.ID, w.ExternalID, w.PhaseID, w.Name, w.PlannedStart, w.PlannedEnd, w.PlannedEffort,
		w.AllocationPercent, w.CurrentStart, w.CurrentEnd, w.ActualStart, w.ActualEnd, string(w.Status), w.CompletionPercent,
		w.ResourceID, w.IsCriticalPath, w.SlackDays, w.FlagForReview, w.ReviewMessage, w.CancellationReason,
		w.Complexity, w.RevenueImpact, w.StrategicImportance, w.CustomerImpact, w.IsCriticalLaunch, w.FeatureName,
	); err != nil {
		return domain.WorkItem{}, wrapStoreErr("work_items", "insert", err)
	}
	return w, nil
}

func (s *Store) UpdateWorkItem(ctx context.Context, w domain.WorkItem) error {
	const q = `
		UPDATE work_items SET
			name=$2, planned_start=$3, planned_end=$4, planned_effort=$5, allocation_percent=$6,
			current_start=$7, current_end=$8, actual_start=$9, actual_end=$10, status=$11, completion_percent=$12,
			resource_id=$13, is_critical_path=$14, slack_days=$15, flag_for_review=$16, review_message=$17,
			cancellation_reason=$18, complexity=$19, revenue_impact=$20, strategic_importance=$21,
			customer_impact=$22, is_critical_launch=$23, feature_name=$24
		WHERE id=$1`
	_, err := s.db.ExecContext(ctx, q,
		w.ID, w.Name, w.PlannedStart, w.PlannedEnd, w.PlannedEffort, w.AllocationPercent,
		w.CurrentStart, w.CurrentEnd, w.ActualStart, w.ActualEnd, string(w.Status), w.CompletionPercent,
		w.ResourceID, w.IsCriticalPath, w.SlackDays, w.FlagForReview, w.ReviewMessage,
		w.CancellationReason, w.Complexity, w.RevenueImpact, w.StrategicImportance,
		w.CustomerImpact, w.IsCriticalLaunch, w.FeatureName,
	)
	return wrapStoreErr("work_items", "update", err)
}

type dependencyRow struct {
	SuccessorID   string `db:"successor_id"`
	PredecessorID string `db:"predecessor_id"`
	Type          string `db:"type"`
	LagDays       int    `db:"lag_days"`
}

func (r dependencyRow) toDomain() domain.Dependency {
	return domain.Dependency{SuccessorID: r.SuccessorID, PredecessorID: r.PredecessorID, Type: domain.DependencyType(r.Type), LagDays: r.LagDays}
}

func (s *Store) ListDependenciesByProgram(ctx context.Context, programID string) ([]domain.Dependency, error) {
	const q = `
		SELECT d.successor_id, d.predecessor_id, d.type, d.lag_days
		FROM dependencies d
		JOIN work_items wi ON wi.id = d.successor_id
		JOIN phases ph ON ph.id = wi.phase_id
		JOIN projects pr ON pr.id = ph.project_id
		WHERE pr.program_id = $1`
	var rows []dependencyRow
	if err := s.db.SelectContext(ctx, &rows, q, programID); err != nil {
		return nil, wrapStoreErr("dependencies", "list_by_program", err)
	}
	return toDependencies(rows), nil
}

func (s *Store) SuccessorsOf(ctx context.Context, workItemID string) ([]domain.Dependency, error) {
	var rows []dependencyRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT successor_id, predecessor_id, type, lag_days FROM dependencies WHERE predecessor_id = $1`, workItemID); err != nil {
		return nil, wrapStoreErr("dependencies", "successors_of", err)
	}
	return toDependencies(rows), nil
}

func (s *Store) PredecessorsOf(ctx context.Context, workItemID string) ([]domain.Dependency, error) {
	var rows []dependencyRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT successor_id, predecessor_id, type, lag_days FROM dependencies WHERE successor_id = $1`, workItemID); err != nil {
		return nil, wrapStoreErr("dependencies", "predecessors_of", err)
	}
	return toDependencies(rows), nil
}

func toDependencies(rows []dependencyRow) []domain.Dependency {
	out := make([]domain.Dependency, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out
}

func (s *Store) UpsertDependency(ctx context.Context, d domain.Dependency) error {
	const q = `
		INSERT INTO dependencies (successor_id, predecessor_id, type, lag_days)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (successor_id, predecessor_id) DO UPDATE SET type = EXCLUDED.type, lag_days = EXCLUDED.lag_days`
	_, err := s.db.ExecContext(ctx, q, d.SuccessorID, d.PredecessorID, string(d.Type), d.LagDays)
	return wrapStoreErr("dependencies", "upsert", err)
}

func (s *Store) OverlappingAllocationPercent(ctx context.Context, resourceID string, start, end time.Time, excludeWorkItemID string) (float64, error) {
	const q = `
		SELECT COALESCE(SUM(allocation_percent), 0)
		FROM work_items
		WHERE resource_id = $1 AND id != $2
		AND status NOT IN ('Cancelled', 'Completed')
		AND current_start < $4 AND current_end > $3`
	var total float64
	if err := s.db.GetContext(ctx, &total, q, resourceID, excludeWorkItemID, start, end); err != nil {
		return 0, wrapStoreErr("work_items", "overlapping_allocation", err)
	}
	return total, nil
}
