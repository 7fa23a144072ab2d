// Package merge implements the three-pass Smart Merge Engine: parse (owned
// by an external reader, not this package), validate, and execute. It
// reconciles an externally-authored plan against live execution state,
// updating baseline fields while preserving truth fields, then classifies
// and applies ghost items by execution status.
package merge

import (
	"time"

	"github.com/tracky-pm/engine/internal/domain"
)

// ParsedProgram is the program-level row the external reader extracts
// from the plan. HolidayCountry is optional; callers default it.
type ParsedProgram struct {
	ExternalID     string
	Name           string
	PMOwnerExt     string
	SecondaryPMExt string
	HolidayCountry string
}

// ParsedProject is a project row keyed by external id within the program.
type ParsedProject struct {
	ExternalID string
	Name       string
}

// ParsedPhase is a phase row keyed by external id within its project.
type ParsedPhase struct {
	ExternalID        string
	ProjectExternalID string
	Name              string
	Sequence          int
}

// ParsedResource is a resource row, upserted by external id ahead of
// work items so resource_id foreign keys can resolve.
type ParsedResource struct {
	ExternalID        string
	Name              string
	PrimaryEmail      string
	NotificationEmail string
	Role              string
	BackupResourceExt string
	ManagerExt        string
	Timezone          string
	MaxUtilization    float64
}

// ParsedWorkItem is one normalized row of the plan: a single task within
// a phase. Everything here maps to WorkItem.BASELINE_FIELDS (spec.md
// §4.5) except ExternalID/PhaseExternalID, which are merge keys.
type ParsedWorkItem struct {
	RowNumber           int
	ExternalID          string
	PhaseExternalID     string
	Name                string
	PlannedStart        time.Time
	PlannedEnd          time.Time
	PlannedEffort       float64
	AllocationPercent   float64
	ResourceExternalID  string
	Complexity          string
	RevenueImpact       *float64
	StrategicImportance string
	CustomerImpact      string
	IsCriticalLaunch    bool
	FeatureName         string
}

// ParsedDependency is a dependency edge expressed in external ids, both
// of which must resolve to a work item present in this same batch.
type ParsedDependency struct {
	SuccessorExternalID   string
	PredecessorExternalID string
	Type                  domain.DependencyType
	LagDays               int
}

// ImportInput is the full normalized output of Pass 1 (Parse), owned by
// the external reader and handed to Validate/Execute unchanged.
type ImportInput struct {
	Program      ParsedProgram
	Projects     []ParsedProject
	Phases       []ParsedPhase
	Resources    []ParsedResource
	WorkItems    []ParsedWorkItem
	Dependencies []ParsedDependency
}

// Options controls the execute pass's optional behaviors, mirroring the
// /import endpoint's query parameters (spec.md §6).
type Options struct {
	DryRun                bool
	PerformGhostCheck     bool
	TriggerRecalculation  bool
	SaveBaselineVersion   bool
	FileName              string
	FileHash              string
	ChangedBy             string
}

// ResultAction is the outcome recorded for one work item touched by a
// merge run.
type ResultAction string

const (
	ActionCreated   ResultAction = "created"
	ActionUpdated   ResultAction = "updated"
	ActionPreserved ResultAction = "preserved"
	ActionCancelled ResultAction = "cancelled"
	ActionFlagged   ResultAction = "flagged"
	ActionSkipped   ResultAction = "skipped"
)

// ItemResult is one work item's outcome, carrying enough detail for an
// audit entry and for the HTTP-surface's per-item import report.
type ItemResult struct {
	ExternalID      string
	WorkItemID      string
	Action          ResultAction
	FieldsUpdated   []string
	OldValues       map[string]string
	NewValues       map[string]string
	BaselineChanged bool
	Warnings        []string
	FlagMessage     string
}

// Summary aggregates every ItemResult from one Execute call. Its Warnings
// come from Execute itself; Pass 2 validation warnings are not carried in.
type Summary struct {
	TasksCreated     int
	TasksUpdated     int
	TasksPreserved   int
	TasksCancelled   int
	TasksFlagged     int
	DependenciesSynced int
	Results          []ItemResult
	Warnings         []string
	ImportBatchID    string
	BaselineVersionID string
}

func (s *Summary) addResult(r ItemResult) {
	s.Results = append(s.Results, r)
	switch r.Action {
	case ActionCreated:
		s.TasksCreated++
	case ActionUpdated:
		s.TasksUpdated++
	case ActionPreserved:
		s.TasksPreserved++
	case ActionCancelled:
		s.TasksCancelled++
	case ActionFlagged:
		s.TasksFlagged++
	}
	s.Warnings = append(s.Warnings, r.Warnings...)
}

// BaselineFieldWhitelist lists the WorkItem fields Pass 3 is permitted to
// touch on an UPDATE (Case B). Every other field is a PreservedField.
var BaselineFieldWhitelist = []string{
	"name", "planned_start", "planned_end", "planned_effort", "allocation_percent",
	"resource_id", "complexity", "revenue_impact", "strategic_importance",
	"customer_impact", "is_critical_launch", "feature_name",
}

// PreservedFields lists the fields an import must never touch, regardless
// of what the plan says.
var PreservedFields = []string{
	"current_start", "current_end", "actual_start", "actual_end",
	"status", "completion_percent", "slack_days",
}
