// Package alerts is the proactive execution-tracking loop: it scans for
// work items approaching their deadline, sends magic-link status-check
// alerts through the resolved escalation chain, processes the responses
// that come back, and escalates alerts nobody has answered in time.
package alerts

import (
	"time"

	"github.com/tracky-pm/engine/internal/domain"
	"github.com/tracky-pm/engine/internal/escalation"
)

// PendingStatusCheck is one work item ScanForPendingStatusChecks decided
// is due a status-check alert today, or is already covered by an
// in-flight alert that should be left alone.
type PendingStatusCheck struct {
	WorkItem              domain.WorkItem
	Resource              domain.Resource
	Program               *domain.Program
	Deadline              time.Time
	Urgency               domain.Urgency
	ExistingAlertID       string
	LatestResponseStatus  domain.ReportedStatus
	SkipReason            string // set when the scan decided not to alert, e.g. "already confirmed on track"
}

// CreateAlertResult is the outcome of creating (or reusing) a single
// status-check alert.
type CreateAlertResult struct {
	AlertID                    string
	RecipientResourceID        string
	RecipientEmail             string
	EscalationLevel            int
	Urgency                    domain.Urgency
	ScheduledSendAt            time.Time
	MagicLink                  string
	SkippedRecipients          []escalation.SkippedRecipient
	Duplicate                  bool
	RequiresManualIntervention bool
}

// ProcessResponseInput is the parsed body of a magic-link response
// submission.
type ProcessResponseInput struct {
	AlertID              string
	Token                string
	ResponderResourceID  string
	ReportedStatus       domain.ReportedStatus
	ProposedNewDate      *time.Time
	ReasonCategory       domain.ReasonCategory
	ReasonDetails        map[string]interface{}
	Comment              string
	IdempotencyKey       string
}

// ProcessResponseResult summarizes what processing a response did, for
// the HTTP handler to render back to the responder.
type ProcessResponseResult struct {
	ResponseID       string
	ReportedStatus   domain.ReportedStatus
	Version          int
	Message          string
	Duplicate        bool
	RequiresApproval bool
	AutoApproved     bool
	Escalated        bool
}

// EscalationOutcome is one alert that timed out and was escalated to the
// next level of the chain.
type EscalationOutcome struct {
	OriginalAlertID        string
	NewAlertID             string
	FromLevel              int
	ToLevel                int
	NewRecipientResourceID string
	SkippedCount           int
}

// ApprovalResult is the outcome of approving or rejecting a pending delay.
type ApprovalResult struct {
	ResponseID      string
	WorkItemID      string
	NewEnd          time.Time
	CascadedCount   int
	RejectionReason string
}

// DailyScanResult is the summary run_daily_scan returns to the scheduler.
type DailyScanResult struct {
	ScannedCount     int
	AlertsCreated    int
	SkippedCount     int
	Errors           []string
	EscalationsRun   int
	TimedOutAlerts   int
}
