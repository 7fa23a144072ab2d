package recalc

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tracky-pm/engine/internal/apperrors"
	"github.com/tracky-pm/engine/internal/domain"
)

type fakeGraph struct {
	items []domain.WorkItem
	deps  []domain.Dependency
}

func (f *fakeGraph) ListWorkItemsByProgram(ctx context.Context, programID string) ([]domain.WorkItem, error) {
	return f.items, nil
}

func (f *fakeGraph) ListDependenciesByProgram(ctx context.Context, programID string) ([]domain.Dependency, error) {
	return f.deps, nil
}

func (f *fakeGraph) UpdateWorkItem(ctx context.Context, w domain.WorkItem) error {
	for i, item := range f.items {
		if item.ID == w.ID {
			f.items[i] = w
			return nil
		}
	}
	return nil
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestRecalculateCriticalPathAndPropagation(t *testing.T) {
	t1 := domain.WorkItem{ID: "t1", ExternalID: "T-1", CurrentStart: day(2024, 2, 5), CurrentEnd: day(2024, 2, 9)}
	t2 := domain.WorkItem{ID: "t2", ExternalID: "T-2", CurrentStart: day(2024, 2, 10), CurrentEnd: day(2024, 2, 14)}
	graph := &fakeGraph{
		items: []domain.WorkItem{t1, t2},
		deps: []domain.Dependency{
			{SuccessorID: "t2", PredecessorID: "t1", Type: domain.DependencyFS, LagDays: 0},
		},
	}

	e := New(graph, zerolog.Nop())
	result, err := e.Recalculate(context.Background(), "prog-1")
	if err != nil {
		t.Fatal(err)
	}

	if len(result.CriticalPath) != 2 {
		t.Fatalf("expected both items critical, got %v", result.CriticalPath)
	}

	wantStart := day(2024, 2, 10) // t1 end (2/9) + lag(0) + 1 day
	got := graph.items[1]
	if !got.CurrentStart.Equal(wantStart) {
		t.Fatalf("t2 start: got %v want %v (propagation from t1 end)", got.CurrentStart, wantStart)
	}
}

func TestRecalculatePropagationPushesLaterPredecessor(t *testing.T) {
	t1 := domain.WorkItem{ID: "t1", ExternalID: "T-1", CurrentStart: day(2024, 2, 5), CurrentEnd: day(2024, 2, 14)}
	t2 := domain.WorkItem{ID: "t2", ExternalID: "T-2", CurrentStart: day(2024, 2, 10), CurrentEnd: day(2024, 2, 14)}
	graph := &fakeGraph{
		items: []domain.WorkItem{t1, t2},
		deps: []domain.Dependency{
			{SuccessorID: "t2", PredecessorID: "t1", Type: domain.DependencyFS, LagDays: 0},
		},
	}

	e := New(graph, zerolog.Nop())
	if _, err := e.Recalculate(context.Background(), "prog-1"); err != nil {
		t.Fatal(err)
	}

	got := graph.items[1]
	wantStart := day(2024, 2, 15) // t1 end (2/14) + 1 day
	if !got.CurrentStart.Equal(wantStart) {
		t.Fatalf("t2 start: got %v want %v", got.CurrentStart, wantStart)
	}
}

func TestRecalculateDetectsCycle(t *testing.T) {
	graph := &fakeGraph{
		items: []domain.WorkItem{
			{ID: "a", ExternalID: "A", CurrentStart: day(2024, 1, 1), CurrentEnd: day(2024, 1, 5)},
			{ID: "b", ExternalID: "B", CurrentStart: day(2024, 1, 1), CurrentEnd: day(2024, 1, 5)},
		},
		deps: []domain.Dependency{
			{SuccessorID: "b", PredecessorID: "a", Type: domain.DependencyFS},
			{SuccessorID: "a", PredecessorID: "b", Type: domain.DependencyFS},
		},
	}

	e := New(graph, zerolog.Nop())
	_, err := e.Recalculate(context.Background(), "prog-1")
	if apperrors.KindOf(err) != apperrors.DependencyCycle {
		t.Fatalf("expected DependencyCycle error, got %v", err)
	}
}

func TestResolveBaselineConflictPushesForwardWhenNotStarted(t *testing.T) {
	item := domain.WorkItem{
		ExternalID:   "T-1",
		PlannedStart: day(2024, 2, 1),
		PlannedEnd:   day(2024, 2, 14),
		CurrentStart: day(2024, 2, 1),
		CurrentEnd:   day(2024, 2, 9),
	}
	changed, _ := resolveBaselineConflict(&item)
	if !changed {
		t.Fatal("expected change")
	}
	if !item.CurrentEnd.Equal(day(2024, 2, 14)) {
		t.Fatalf("got %v", item.CurrentEnd)
	}
}

func TestResolveBaselineConflictOnlyExtendsEndOnceStarted(t *testing.T) {
	started := day(2024, 2, 1)
	item := domain.WorkItem{
		ExternalID:   "T-1",
		PlannedStart: day(2024, 2, 5),
		PlannedEnd:   day(2024, 2, 20),
		CurrentStart: day(2024, 2, 1),
		CurrentEnd:   day(2024, 2, 9),
		ActualStart:  &started,
	}
	changed, _ := resolveBaselineConflict(&item)
	if !changed {
		t.Fatal("expected change")
	}
	if !item.CurrentStart.Equal(day(2024, 2, 1)) {
		t.Fatalf("start should not move once started, got %v", item.CurrentStart)
	}
	if !item.CurrentEnd.Equal(day(2024, 2, 20)) {
		t.Fatalf("end should extend, got %v", item.CurrentEnd)
	}
}
