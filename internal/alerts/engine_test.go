package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tracky-pm/engine/internal/calendar"
	"github.com/tracky-pm/engine/internal/domain"
	"github.com/tracky-pm/engine/internal/escalation"
	"github.com/tracky-pm/engine/internal/store/memory"
	"github.com/tracky-pm/engine/internal/token"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func newTestEngine(t *testing.T, s *memory.Store) *Engine {
	t.Helper()
	cal := calendar.New(calendar.NewStoreHolidaySource(s), zerolog.Nop())
	signer := token.NewSigner("test-secret")
	return New(s, cal, signer, escalation.OrgSettings{EscalationEmailFallback: "fallback@example.com"}, escalation.DefaultPolicy(), "ops@example.com", "https://app.example.com", zerolog.Nop())
}

// newTestEngineNoFallback builds an Engine with no org or ops fallback
// email, so an exhausted escalation chain genuinely resolves to nil.
func newTestEngineNoFallback(t *testing.T, s *memory.Store) *Engine {
	t.Helper()
	cal := calendar.New(calendar.NewStoreHolidaySource(s), zerolog.Nop())
	signer := token.NewSigner("test-secret")
	return New(s, cal, signer, escalation.OrgSettings{}, escalation.DefaultPolicy(), "", "https://app.example.com", zerolog.Nop())
}

// seedProgram builds a program/project/phase/work item/resource graph
// with the work item due 2026-08-10, returning their ids.
func seedProgram(t *testing.T, s *memory.Store) (workItemID, resourceID string, program domain.Program) {
	t.Helper()
	ctx := context.Background()

	program, err := s.UpsertProgram(ctx, domain.Program{ExternalID: "PROG-1", Name: "Program", PMOwner: ""})
	if err != nil {
		t.Fatal(err)
	}
	project, err := s.UpsertProject(ctx, domain.Project{ExternalID: "PROJ-1", ProgramID: program.ID, Name: "Project"})
	if err != nil {
		t.Fatal(err)
	}
	phase, err := s.UpsertPhase(ctx, domain.Phase{ExternalID: "PHS-1", ProjectID: project.ID, Name: "Phase"})
	if err != nil {
		t.Fatal(err)
	}
	resource, err := s.UpsertResource(ctx, domain.Resource{ExternalID: "R-1", Name: "Alice", PrimaryEmail: "alice@example.com", AvailabilityStatus: domain.AvailabilityActive, Timezone: "UTC", MaxUtilization: 100})
	if err != nil {
		t.Fatal(err)
	}
	item, err := s.InsertWorkItem(ctx, domain.WorkItem{
		ExternalID: "T-1", PhaseID: phase.ID, Name: "Task", ResourceID: resource.ID,
		Status: domain.StatusInProgress, AllocationPercent: 100,
		CurrentStart: day(2026, time.August, 1), CurrentEnd: day(2026, time.August, 10),
	})
	if err != nil {
		t.Fatal(err)
	}
	return item.ID, resource.ID, program
}

func TestScanForPendingStatusChecksFindsDueItem(t *testing.T) {
	s := memory.New()
	workItemID, _, _ := seedProgram(t, s)
	e := newTestEngine(t, s)

	// Alert fires 1 business day before 2026-08-10 (a Monday) -> 2026-08-07 (Friday).
	target := day(2026, time.August, 7)
	checks, err := e.ScanForPendingStatusChecks(context.Background(), target, 1, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(checks) != 1 {
		t.Fatalf("expected 1 pending check, got %d", len(checks))
	}
	if checks[0].WorkItem.ID != workItemID {
		t.Fatalf("unexpected work item in scan result: %+v", checks[0])
	}
	if checks[0].SkipReason != "" {
		t.Fatalf("expected no skip reason, got %q", checks[0].SkipReason)
	}
}

func TestCreateStatusCheckAlertResolvesChainAndQueuesSend(t *testing.T) {
	s := memory.New()
	workItemID, resourceID, program := seedProgram(t, s)
	e := newTestEngine(t, s)

	result, err := e.CreateStatusCheckAlert(context.Background(), workItemID, day(2026, time.August, 10), resourceID, &program, "", escalation.LevelPrimary)
	if err != nil {
		t.Fatal(err)
	}
	if result.Duplicate || result.RequiresManualIntervention {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.RecipientResourceID != resourceID {
		t.Fatalf("expected primary-level recipient to be the owner, got %s", result.RecipientResourceID)
	}
	if result.MagicLink == "" {
		t.Fatal("expected a magic link to be generated")
	}

	alert, err := s.GetAlert(context.Background(), result.AlertID)
	if err != nil || alert == nil {
		t.Fatalf("expected alert to be stored, err=%v", err)
	}
	if alert.Status != domain.AlertPending {
		t.Fatalf("expected alert pending, got %v", alert.Status)
	}

	// Creating again for the same deadline should be deduplicated.
	second, err := e.CreateStatusCheckAlert(context.Background(), workItemID, day(2026, time.August, 10), resourceID, &program, "", escalation.LevelPrimary)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Duplicate {
		t.Fatal("expected second alert for the same deadline to be flagged duplicate")
	}
}

func TestCreateStatusCheckAlertFallsBackWhenChainExhausted(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	program, _ := s.UpsertProgram(ctx, domain.Program{ExternalID: "PROG-1", Name: "Program"})
	project, _ := s.UpsertProject(ctx, domain.Project{ExternalID: "PROJ-1", ProgramID: program.ID})
	phase, _ := s.UpsertPhase(ctx, domain.Phase{ExternalID: "PHS-1", ProjectID: project.ID})
	resource, _ := s.UpsertResource(ctx, domain.Resource{ExternalID: "R-1", Name: "Bob", AvailabilityStatus: domain.AvailabilityOnLeave})
	item, _ := s.InsertWorkItem(ctx, domain.WorkItem{ExternalID: "T-1", PhaseID: phase.ID, ResourceID: resource.ID, CurrentStart: day(2026, 8, 1), CurrentEnd: day(2026, 8, 10)})

	e := newTestEngineNoFallback(t, s)
	result, err := e.CreateStatusCheckAlert(ctx, item.ID, item.CurrentEnd, resource.ID, &program, "", escalation.LevelPrimary)
	if err != nil {
		t.Fatal(err)
	}
	if !result.RequiresManualIntervention {
		t.Fatalf("expected a no-recipient escalation, got %+v", result)
	}
	alert, _ := s.GetAlert(ctx, result.AlertID)
	if alert.Type != domain.AlertTypeNoRecipient {
		t.Fatalf("expected NO_RECIPIENT_ESCALATION alert type, got %v", alert.Type)
	}
}

func respondInput(alertID, responderID string, status domain.ReportedStatus) ProcessResponseInput {
	return ProcessResponseInput{AlertID: alertID, ResponderResourceID: responderID, ReportedStatus: status}
}

func TestProcessStatusResponseOnTrack(t *testing.T) {
	s := memory.New()
	workItemID, resourceID, program := seedProgram(t, s)
	e := newTestEngine(t, s)
	ctx := context.Background()

	created, err := e.CreateStatusCheckAlert(ctx, workItemID, day(2026, 8, 10), resourceID, &program, "", escalation.LevelPrimary)
	if err != nil {
		t.Fatal(err)
	}

	result, err := e.ProcessStatusResponse(ctx, respondInput(created.AlertID, resourceID, domain.ReportedOnTrack))
	if err != nil {
		t.Fatal(err)
	}
	if result.Version != 1 {
		t.Fatalf("expected first response version, got %d", result.Version)
	}

	alert, _ := s.GetAlert(ctx, created.AlertID)
	if alert.Status != domain.AlertResponded {
		t.Fatalf("expected alert marked Responded, got %v", alert.Status)
	}
}

func TestProcessStatusResponseDelayedWithinThresholdAutoApproves(t *testing.T) {
	s := memory.New()
	workItemID, resourceID, program := seedProgram(t, s)
	e := newTestEngine(t, s)
	ctx := context.Background()

	created, err := e.CreateStatusCheckAlert(ctx, workItemID, day(2026, 8, 10), resourceID, &program, "", escalation.LevelPrimary)
	if err != nil {
		t.Fatal(err)
	}

	newEnd := day(2026, 8, 10) // auto-approve threshold is 0 days, same-day "delay" stays within it
	in := respondInput(created.AlertID, resourceID, domain.ReportedDelayed)
	in.ProposedNewDate = &newEnd
	in.ReasonCategory = domain.ReasonOther

	result, err := e.ProcessStatusResponse(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if !result.AutoApproved {
		t.Fatalf("expected auto-approval for a zero-day delay, got %+v", result)
	}
}

func TestProcessStatusResponseDelayedBeyondThresholdRequiresApproval(t *testing.T) {
	s := memory.New()
	workItemID, resourceID, program := seedProgram(t, s)
	e := newTestEngine(t, s)
	ctx := context.Background()

	created, err := e.CreateStatusCheckAlert(ctx, workItemID, day(2026, 8, 10), resourceID, &program, "", escalation.LevelPrimary)
	if err != nil {
		t.Fatal(err)
	}

	newEnd := day(2026, 8, 15)
	in := respondInput(created.AlertID, resourceID, domain.ReportedDelayed)
	in.ProposedNewDate = &newEnd
	in.ReasonCategory = domain.ReasonTechnicalBlocker

	result, err := e.ProcessStatusResponse(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if !result.RequiresApproval {
		t.Fatalf("expected approval required for a multi-day delay, got %+v", result)
	}

	pending, err := e.GetPendingApprovals(ctx, program.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending approval, got %d", len(pending))
	}

	approved, err := e.ApproveDelay(ctx, pending[0].ID, "pm-1", true)
	if err != nil {
		t.Fatal(err)
	}
	if !approved.NewEnd.Equal(newEnd) {
		t.Fatalf("expected work item end pushed to %v, got %v", newEnd, approved.NewEnd)
	}

	updated, err := s.GetWorkItem(ctx, workItemID)
	if err != nil {
		t.Fatal(err)
	}
	if !updated.CurrentEnd.Equal(newEnd) {
		t.Fatalf("expected persisted current_end to match approval, got %v", updated.CurrentEnd)
	}
}

func TestProcessStatusResponseScopeIncreaseUsesReasonDetailsPercent(t *testing.T) {
	s := memory.New()
	workItemID, resourceID, program := seedProgram(t, s)
	e := newTestEngine(t, s)
	ctx := context.Background()

	created, err := e.CreateStatusCheckAlert(ctx, workItemID, day(2026, 8, 10), resourceID, &program, "", escalation.LevelPrimary)
	if err != nil {
		t.Fatal(err)
	}

	proposedEnd := day(2026, 8, 12)
	in := respondInput(created.AlertID, resourceID, domain.ReportedDelayed)
	in.ProposedNewDate = &proposedEnd
	in.ReasonCategory = domain.ReasonScopeIncrease
	in.ReasonDetails = map[string]interface{}{"additional_work_percent": 100.0}

	result, err := e.ProcessStatusResponse(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if !result.RequiresApproval {
		t.Fatalf("expected approval required, got %+v", result)
	}

	pending, err := e.GetPendingApprovals(ctx, program.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending approval, got %d", len(pending))
	}
	if pending[0].ImpactAnalysis["new_end"] == nil {
		t.Fatalf("expected impact analysis to carry a recalculated end date, got %+v", pending[0].ImpactAnalysis)
	}

	// The original work item spans 9 days (2026-08-01 to 2026-08-10). A 100%
	// scope increase doubles that to 18 days, later than the 2-day proposed
	// end, so the reason math — not the raw proposed date — should win on
	// approval.
	wantEnd := day(2026, 8, 19)
	approved, err := e.ApproveDelay(ctx, pending[0].ID, "pm-1", false)
	if err != nil {
		t.Fatal(err)
	}
	if !approved.NewEnd.Equal(wantEnd) {
		t.Fatalf("expected scope-increase math to win over raw proposed date, got %v want %v", approved.NewEnd, wantEnd)
	}

	updated, err := s.GetWorkItem(ctx, workItemID)
	if err != nil {
		t.Fatal(err)
	}
	if !updated.CurrentEnd.Equal(wantEnd) {
		t.Fatalf("expected persisted current_end to match the recalculated date, got %v", updated.CurrentEnd)
	}
	if !updated.CurrentStart.Equal(day(2026, 8, 1)) {
		t.Fatalf("scope increase should not shift current_start, got %v", updated.CurrentStart)
	}
}

func TestProcessStatusResponseResourcePulledFallsBackWithoutPercent(t *testing.T) {
	s := memory.New()
	workItemID, resourceID, program := seedProgram(t, s)
	e := newTestEngine(t, s)
	ctx := context.Background()

	created, err := e.CreateStatusCheckAlert(ctx, workItemID, day(2026, 8, 10), resourceID, &program, "", escalation.LevelPrimary)
	if err != nil {
		t.Fatal(err)
	}

	proposedEnd := day(2026, 8, 16)
	in := respondInput(created.AlertID, resourceID, domain.ReportedDelayed)
	in.ProposedNewDate = &proposedEnd
	in.ReasonCategory = domain.ReasonResourcePulled
	// No available_effort_percent supplied — should fall back to a direct
	// extension instead of failing the response.

	result, err := e.ProcessStatusResponse(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if !result.RequiresApproval {
		t.Fatalf("expected approval required, got %+v", result)
	}

	pending, err := e.GetPendingApprovals(ctx, program.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending approval, got %d", len(pending))
	}
	if _, hasError := pending[0].ImpactAnalysis["error"]; hasError {
		t.Fatalf("expected a graceful fallback, not an impact analysis error: %+v", pending[0].ImpactAnalysis)
	}

	approved, err := e.ApproveDelay(ctx, pending[0].ID, "pm-1", false)
	if err != nil {
		t.Fatal(err)
	}
	if !approved.NewEnd.Equal(proposedEnd) {
		t.Fatalf("expected direct extension to the proposed end, got %v want %v", approved.NewEnd, proposedEnd)
	}
}

func TestProcessStatusResponseStartedLateShiftsCurrentStartOnApproval(t *testing.T) {
	s := memory.New()
	workItemID, resourceID, program := seedProgram(t, s)
	e := newTestEngine(t, s)
	ctx := context.Background()

	created, err := e.CreateStatusCheckAlert(ctx, workItemID, day(2026, 8, 10), resourceID, &program, "", escalation.LevelPrimary)
	if err != nil {
		t.Fatal(err)
	}

	proposedEnd := day(2026, 8, 15) // 5 days later than the current end
	in := respondInput(created.AlertID, resourceID, domain.ReportedDelayed)
	in.ProposedNewDate = &proposedEnd
	in.ReasonCategory = domain.ReasonStartedLate

	_, err = e.ProcessStatusResponse(ctx, in)
	if err != nil {
		t.Fatal(err)
	}

	pending, err := e.GetPendingApprovals(ctx, program.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending approval, got %d", len(pending))
	}

	if _, err := e.ApproveDelay(ctx, pending[0].ID, "pm-1", false); err != nil {
		t.Fatal(err)
	}

	updated, err := s.GetWorkItem(ctx, workItemID)
	if err != nil {
		t.Fatal(err)
	}
	wantStart := day(2026, 8, 6) // shifted by the same 5-day delay
	if !updated.CurrentStart.Equal(wantStart) {
		t.Fatalf("expected current_start to shift with the reason math, got %v want %v", updated.CurrentStart, wantStart)
	}
	if !updated.CurrentEnd.Equal(proposedEnd) {
		t.Fatalf("expected current_end to match the proposed end, got %v", updated.CurrentEnd)
	}
}

func TestProcessStatusResponseBlockedFlagsWorkItem(t *testing.T) {
	s := memory.New()
	workItemID, resourceID, program := seedProgram(t, s)
	e := newTestEngine(t, s)
	ctx := context.Background()

	created, err := e.CreateStatusCheckAlert(ctx, workItemID, day(2026, 8, 10), resourceID, &program, "", escalation.LevelPrimary)
	if err != nil {
		t.Fatal(err)
	}

	in := respondInput(created.AlertID, resourceID, domain.ReportedBlocked)
	in.Comment = "waiting on vendor"
	result, err := e.ProcessStatusResponse(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Escalated {
		t.Fatalf("expected blocker report to escalate, got %+v", result)
	}

	updated, err := s.GetWorkItem(ctx, workItemID)
	if err != nil {
		t.Fatal(err)
	}
	if !updated.FlagForReview {
		t.Fatal("expected work item flagged for review")
	}
}

func TestCheckAndEscalateTimeoutsMovesToNextLevel(t *testing.T) {
	s := memory.New()
	workItemID, resourceID, program := seedProgram(t, s)
	e := newTestEngine(t, s)
	ctx := context.Background()

	backup, err := s.UpsertResource(ctx, domain.Resource{ExternalID: "R-2", Name: "Backup", AvailabilityStatus: domain.AvailabilityActive, Timezone: "UTC"})
	if err != nil {
		t.Fatal(err)
	}
	owner, _ := s.GetResource(ctx, resourceID)
	owner.BackupResourceID = backup.ID
	if _, err := s.UpsertResource(ctx, *owner); err != nil {
		t.Fatal(err)
	}

	created, err := e.CreateStatusCheckAlert(ctx, workItemID, day(2026, 8, 10), resourceID, &program, "", escalation.LevelPrimary)
	if err != nil {
		t.Fatal(err)
	}

	alert, _ := s.GetAlert(ctx, created.AlertID)
	past := time.Now().UTC().Add(-time.Hour)
	alert.EscalationTimeoutAt = &past
	if err := s.UpdateAlert(ctx, *alert); err != nil {
		t.Fatal(err)
	}

	outcomes, err := e.CheckAndEscalateTimeouts(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("expected 1 escalation outcome, got %d", len(outcomes))
	}
	if outcomes[0].ToLevel != int(escalation.LevelBackup) {
		t.Fatalf("expected escalation to backup level, got %d", outcomes[0].ToLevel)
	}
	if outcomes[0].NewRecipientResourceID != backup.ID {
		t.Fatalf("expected backup resource as new recipient, got %s", outcomes[0].NewRecipientResourceID)
	}

	expired, _ := s.GetAlert(ctx, created.AlertID)
	if expired.Status != domain.AlertExpired {
		t.Fatalf("expected original alert expired, got %v", expired.Status)
	}
}

func TestRunDailyScanCreatesAlerts(t *testing.T) {
	s := memory.New()
	seedProgram(t, s)
	e := newTestEngine(t, s)

	target := day(2026, time.August, 7)
	result := e.RunDailyScan(context.Background(), target, 1, "")
	if result.ScannedCount != 1 || result.AlertsCreated != 1 {
		t.Fatalf("expected 1 scanned and 1 created, got %+v", result)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("expected no errors, got %v", result.Errors)
	}
}
