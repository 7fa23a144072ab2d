package store

import (
	"context"
	"time"

	"github.com/tracky-pm/engine/internal/domain"
)

// Store is the full persistence surface the engine programs against.
// Subpackages memory and postgres both implement it; neither backend
// offers native multi-statement transactions, so every mutating call is
// expected to be used alongside an Envelope for compensating rollback.
type Store interface {
	// Programs
	GetProgram(ctx context.Context, id string) (*domain.Program, error)
	GetProgramByExternalID(ctx context.Context, externalID string) (*domain.Program, error)
	UpsertProgram(ctx context.Context, p domain.Program) (domain.Program, error)

	// Projects / Phases
	UpsertProject(ctx context.Context, p domain.Project) (domain.Project, error)
	UpsertPhase(ctx context.Context, p domain.Phase) (domain.Phase, error)

	// Resources
	GetResource(ctx context.Context, id string) (*domain.Resource, error)
	GetResourceByExternalID(ctx context.Context, externalID string) (*domain.Resource, error)
	UpsertResource(ctx context.Context, r domain.Resource) (domain.Resource, error)

	// Work items
	GetWorkItem(ctx context.Context, id string) (*domain.WorkItem, error)
	GetWorkItemByExternalID(ctx context.Context, phaseID, externalID string) (*domain.WorkItem, error)
	ListWorkItemsByPhase(ctx context.Context, phaseID string) ([]domain.WorkItem, error)
	ListWorkItemsByProgram(ctx context.Context, programID string) ([]domain.WorkItem, error)
	// ListWorkItemsDueBetween returns open work items (not Cancelled/Completed,
	// no actual_end) whose current_end falls in [start, end), for the daily scan.
	ListWorkItemsDueBetween(ctx context.Context, start, end time.Time) ([]domain.WorkItem, error)
	// ProgramForWorkItem walks phase -> project -> program for a work item.
	ProgramForWorkItem(ctx context.Context, workItemID string) (*domain.Program, error)
	InsertWorkItem(ctx context.Context, w domain.WorkItem) (domain.WorkItem, error)
	UpdateWorkItem(ctx context.Context, w domain.WorkItem) error

	// Dependencies
	ListDependenciesByProgram(ctx context.Context, programID string) ([]domain.Dependency, error)
	SuccessorsOf(ctx context.Context, workItemID string) ([]domain.Dependency, error)
	PredecessorsOf(ctx context.Context, workItemID string) ([]domain.Dependency, error)
	UpsertDependency(ctx context.Context, d domain.Dependency) error

	// Allocations
	OverlappingAllocationPercent(ctx context.Context, resourceID string, start, end time.Time, excludeWorkItemID string) (float64, error)

	// Alerts
	GetAlert(ctx context.Context, id string) (*domain.Alert, error)
	FindInFlightAlert(ctx context.Context, workItemID string, deadline time.Time, alertType domain.AlertType, level int) (*domain.Alert, error)
	InsertAlert(ctx context.Context, a domain.Alert) (domain.Alert, bool, error) // bool = duplicate
	UpdateAlert(ctx context.Context, a domain.Alert) error
	ListTimedOutAlerts(ctx context.Context, now time.Time) ([]domain.Alert, error)
	ListExpiredAlerts(ctx context.Context, now time.Time) ([]domain.Alert, error)
	// ListAlertsDueForReminder returns in-flight alerts scheduled to send
	// before cutoff that have not already been reminded once.
	ListAlertsDueForReminder(ctx context.Context, cutoff time.Time) ([]domain.Alert, error)

	// Response tokens
	InsertResponseToken(ctx context.Context, t domain.ResponseToken) (domain.ResponseToken, error)
	GetResponseTokenByHash(ctx context.Context, hash string) (*domain.ResponseToken, error)
	RevokeResponseToken(ctx context.Context, id, usedByResponseID string, usedAt time.Time) error
	PurgeRevokedTokensOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// Work item responses
	GetResponseByIdempotencyKey(ctx context.Context, key string) (*domain.WorkItemResponse, error)
	LatestResponseForWorkItem(ctx context.Context, workItemID string) (*domain.WorkItemResponse, error)
	InsertResponse(ctx context.Context, r domain.WorkItemResponse) (domain.WorkItemResponse, error)
	UpdateResponse(ctx context.Context, r domain.WorkItemResponse) error
	GetResponse(ctx context.Context, id string) (*domain.WorkItemResponse, error)
	// ListPendingApprovals returns responses with approval_status PENDING,
	// optionally scoped to a single program (empty programID = all).
	ListPendingApprovals(ctx context.Context, programID string) ([]domain.WorkItemResponse, error)

	// Import batches / baselines
	InsertImportBatch(ctx context.Context, b domain.ImportBatch) (domain.ImportBatch, error)
	UpdateImportBatch(ctx context.Context, b domain.ImportBatch) error
	GetImportBatch(ctx context.Context, id string) (*domain.ImportBatch, error)
	ListImportBatches(ctx context.Context, programID string) ([]domain.ImportBatch, error)
	InsertBaselineVersion(ctx context.Context, b domain.BaselineVersion) (domain.BaselineVersion, error)
	ListBaselineVersions(ctx context.Context, programID string) ([]domain.BaselineVersion, error)
	NextBaselineVersionNumber(ctx context.Context, programID string) (int, error)

	// Audit
	InsertAuditRecords(ctx context.Context, records []domain.AuditRecord) error
	DeleteAuditRecordsByIDs(ctx context.Context, ids []string) error

	// Holidays
	ListHolidays(ctx context.Context, country string) ([]domain.Holiday, error)
	InsertHoliday(ctx context.Context, h domain.Holiday) (domain.Holiday, error)
	DeleteHoliday(ctx context.Context, id string) error

	// Outbound alert queue
	EnqueueAlertSend(ctx context.Context, idempotencyKey, alertID string, dueAt time.Time) (bool, error) // bool = newly enqueued
	DrainDueAlertSends(ctx context.Context, now time.Time, limit int) ([]string, error)                  // returns alert ids
}
