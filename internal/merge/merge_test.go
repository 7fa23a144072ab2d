package merge

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tracky-pm/engine/internal/domain"
	"github.com/tracky-pm/engine/internal/store/memory"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func baseInput() ImportInput {
	return ImportInput{
		Program:  ParsedProgram{ExternalID: "PROG-1", Name: "Program One"},
		Projects: []ParsedProject{{ExternalID: "PROJ-1", Name: "Project One"}},
		Phases:   []ParsedPhase{{ExternalID: "PHS-1", ProjectExternalID: "PROJ-1", Name: "Phase One"}},
		WorkItems: []ParsedWorkItem{
			{ExternalID: "T-1", PhaseExternalID: "PHS-1", Name: "Task 1", PlannedStart: day(2024, 2, 5), PlannedEnd: day(2024, 2, 9), AllocationPercent: 100},
			{ExternalID: "T-2", PhaseExternalID: "PHS-1", Name: "Task 2", PlannedStart: day(2024, 2, 12), PlannedEnd: day(2024, 2, 16), AllocationPercent: 100},
		},
		Dependencies: []ParsedDependency{
			{SuccessorExternalID: "T-2", PredecessorExternalID: "T-1", Type: domain.DependencyFS},
		},
	}
}

func TestValidatePassesCleanBatch(t *testing.T) {
	report := Validate(baseInput())
	if !report.OK() {
		t.Fatalf("expected clean batch, got errors: %+v", report.Errors)
	}
}

func TestValidateRejectsBadDateOrder(t *testing.T) {
	input := baseInput()
	input.WorkItems[0].PlannedEnd = day(2024, 2, 1)
	report := Validate(input)
	if report.OK() {
		t.Fatal("expected validation error for planned_end before planned_start")
	}
}

func TestValidateRejectsSelfDependency(t *testing.T) {
	input := baseInput()
	input.Dependencies = []ParsedDependency{{SuccessorExternalID: "T-1", PredecessorExternalID: "T-1"}}
	report := Validate(input)
	if report.OK() {
		t.Fatal("expected self-dependency error")
	}
}

func TestValidateRejectsCycle(t *testing.T) {
	input := baseInput()
	input.Dependencies = append(input.Dependencies, ParsedDependency{SuccessorExternalID: "T-1", PredecessorExternalID: "T-2"})
	report := Validate(input)
	if report.OK() {
		t.Fatal("expected cycle error")
	}
}

func TestExecuteInitialImport(t *testing.T) {
	s := memory.New()
	e := New(s, zerolog.Nop())

	summary, err := e.Execute(context.Background(), baseInput(), Options{PerformGhostCheck: true, ChangedBy: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if summary.TasksCreated != 2 {
		t.Fatalf("expected 2 created, got %d (%+v)", summary.TasksCreated, summary.Results)
	}
	if summary.DependenciesSynced != 1 {
		t.Fatalf("expected 1 dependency synced, got %d", summary.DependenciesSynced)
	}

	program, err := s.GetProgramByExternalID(context.Background(), "PROG-1")
	if err != nil || program == nil {
		t.Fatalf("expected program to exist, err=%v", err)
	}
	items, err := s.ListWorkItemsByProgram(context.Background(), program.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 work items, got %d", len(items))
	}
}

func TestExecuteProgressiveElaborationPreservesTruth(t *testing.T) {
	s := memory.New()
	e := New(s, zerolog.Nop())
	ctx := context.Background()

	if _, err := e.Execute(ctx, baseInput(), Options{PerformGhostCheck: true}); err != nil {
		t.Fatal(err)
	}

	program, _ := s.GetProgramByExternalID(ctx, "PROG-1")
	items, _ := s.ListWorkItemsByProgram(ctx, program.ID)
	var t1 domain.WorkItem
	for _, it := range items {
		if it.ExternalID == "T-1" {
			t1 = it
		}
	}

	// Simulate T-1 already in progress with an actual start.
	actualStart := day(2024, 2, 5)
	t1.Status = domain.StatusInProgress
	t1.CompletionPercent = 30
	t1.ActualStart = &actualStart
	t1.CurrentEnd = day(2024, 2, 9)
	if err := s.UpdateWorkItem(ctx, t1); err != nil {
		t.Fatal(err)
	}

	input := baseInput()
	input.WorkItems[0].PlannedEnd = day(2024, 2, 14)

	summary, err := e.Execute(ctx, input, Options{PerformGhostCheck: true})
	if err != nil {
		t.Fatal(err)
	}
	if summary.TasksUpdated == 0 {
		t.Fatalf("expected at least one update, got %+v", summary.Results)
	}

	updated, _ := s.GetWorkItem(ctx, t1.ID)
	if !updated.PlannedEnd.Equal(day(2024, 2, 14)) {
		t.Fatalf("expected planned_end updated, got %v", updated.PlannedEnd)
	}
	if updated.Status != domain.StatusInProgress {
		t.Fatalf("expected status preserved as InProgress, got %v", updated.Status)
	}
	if updated.ActualStart == nil || !updated.ActualStart.Equal(actualStart) {
		t.Fatalf("expected actual_start preserved")
	}
}

func TestGhostCheckCancelsNotStarted(t *testing.T) {
	s := memory.New()
	e := New(s, zerolog.Nop())
	ctx := context.Background()

	if _, err := e.Execute(ctx, baseInput(), Options{PerformGhostCheck: true}); err != nil {
		t.Fatal(err)
	}

	program, _ := s.GetProgramByExternalID(ctx, "PROG-1")
	items, _ := s.ListWorkItemsByProgram(ctx, program.ID)
	var t2ID string
	for _, it := range items {
		if it.ExternalID == "T-2" {
			t2ID = it.ID
		}
	}

	// Re-import without T-2: NotStarted should cancel.
	input := baseInput()
	input.WorkItems = input.WorkItems[:1]
	input.Dependencies = nil
	if _, err := e.Execute(ctx, input, Options{PerformGhostCheck: true}); err != nil {
		t.Fatal(err)
	}
	cancelled, _ := s.GetWorkItem(ctx, t2ID)
	if cancelled.Status != domain.StatusCancelled {
		t.Fatalf("expected T-2 cancelled, got %v", cancelled.Status)
	}
}

func TestSmartMergeIdempotentOnSecondImport(t *testing.T) {
	s := memory.New()
	e := New(s, zerolog.Nop())
	ctx := context.Background()
	input := baseInput()

	if _, err := e.Execute(ctx, input, Options{PerformGhostCheck: true}); err != nil {
		t.Fatal(err)
	}
	summary, err := e.Execute(ctx, input, Options{PerformGhostCheck: true})
	if err != nil {
		t.Fatal(err)
	}
	if summary.TasksCreated != 0 || summary.TasksUpdated != 0 || summary.TasksCancelled != 0 {
		t.Fatalf("expected idempotent no-op second import, got %+v", summary)
	}
}
