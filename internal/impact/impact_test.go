package impact

import (
	"context"
	"testing"
	"time"

	"github.com/tracky-pm/engine/internal/domain"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestRecalculateDurationScopeIncrease(t *testing.T) {
	item := domain.WorkItem{CurrentStart: day(2026, 8, 1), CurrentEnd: day(2026, 8, 11)} // 10 day span
	p := 50.0
	got, err := RecalculateDuration(item, domain.ReasonScopeIncrease, day(2026, 8, 12), &p, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !got.NewStart.Equal(item.CurrentStart) {
		t.Fatalf("expected start unchanged, got %v", got.NewStart)
	}
	wantEnd := day(2026, 8, 16) // 10 * 1.5 = 15 days after start
	if !got.NewEnd.Equal(wantEnd) {
		t.Fatalf("got end %v want %v", got.NewEnd, wantEnd)
	}
}

func TestRecalculateDurationStartedLate(t *testing.T) {
	item := domain.WorkItem{CurrentStart: day(2026, 8, 1), CurrentEnd: day(2026, 8, 11)}
	proposedEnd := day(2026, 8, 16) // 5 days later than current end
	got, err := RecalculateDuration(item, domain.ReasonStartedLate, proposedEnd, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	wantStart := day(2026, 8, 6)
	if !got.NewStart.Equal(wantStart) {
		t.Fatalf("got start %v want %v", got.NewStart, wantStart)
	}
	if !got.NewEnd.Equal(proposedEnd) {
		t.Fatalf("got end %v want %v", got.NewEnd, proposedEnd)
	}
}

func TestRecalculateDurationResourcePulled(t *testing.T) {
	item := domain.WorkItem{CurrentStart: day(2026, 8, 1), CurrentEnd: day(2026, 8, 11)} // 10 days
	e := 50.0
	got, err := RecalculateDuration(item, domain.ReasonResourcePulled, day(2026, 8, 12), nil, &e)
	if err != nil {
		t.Fatal(err)
	}
	wantEnd := day(2026, 8, 21) // 10 / 0.5 = 20 days
	if !got.NewEnd.Equal(wantEnd) {
		t.Fatalf("got end %v want %v", got.NewEnd, wantEnd)
	}
}

func TestRecalculateDurationResourcePulledDefaultsToDirectExtension(t *testing.T) {
	item := domain.WorkItem{CurrentStart: day(2026, 8, 1), CurrentEnd: day(2026, 8, 11)}
	proposedEnd := day(2026, 8, 20)

	got, err := RecalculateDuration(item, domain.ReasonResourcePulled, proposedEnd, nil, nil)
	if err != nil {
		t.Fatalf("expected a nil percent to fall back gracefully, got error: %v", err)
	}
	if !got.NewStart.Equal(item.CurrentStart) || !got.NewEnd.Equal(proposedEnd) {
		t.Fatalf("expected direct extension to proposed end, got %+v", got)
	}

	outOfRange := 150.0
	got, err = RecalculateDuration(item, domain.ReasonResourcePulled, proposedEnd, nil, &outOfRange)
	if err != nil {
		t.Fatalf("expected an out-of-range percent to fall back gracefully, got error: %v", err)
	}
	if !got.NewEnd.Equal(proposedEnd) {
		t.Fatalf("expected direct extension to proposed end, got %+v", got)
	}
}

func TestRecalculateDurationDirectReasons(t *testing.T) {
	item := domain.WorkItem{CurrentStart: day(2026, 8, 1), CurrentEnd: day(2026, 8, 11)}
	proposedEnd := day(2026, 8, 20)
	got, err := RecalculateDuration(item, domain.ReasonTechnicalBlocker, proposedEnd, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !got.NewStart.Equal(item.CurrentStart) || !got.NewEnd.Equal(proposedEnd) {
		t.Fatalf("expected direct shift, got %+v", got)
	}
}

type fakeGraph struct {
	edges map[string][]domain.Dependency
	items map[string]*domain.WorkItem
}

func (g *fakeGraph) SuccessorsOf(ctx context.Context, id string) ([]domain.Dependency, error) {
	return g.edges[id], nil
}
func (g *fakeGraph) WorkItem(ctx context.Context, id string) (*domain.WorkItem, error) {
	return g.items[id], nil
}

func TestCascadePreviewStopsAtCancelledAndCompleted(t *testing.T) {
	graph := &fakeGraph{
		edges: map[string][]domain.Dependency{
			"a": {{SuccessorID: "b"}, {SuccessorID: "c"}},
			"b": {{SuccessorID: "d"}},
		},
		items: map[string]*domain.WorkItem{
			"b": {Status: domain.StatusInProgress},
			"c": {Status: domain.StatusCancelled},
			"d": {Status: domain.StatusCompleted},
		},
	}
	affected, err := CascadePreview(context.Background(), graph, "a", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(affected) != 1 || affected[0].WorkItemID != "b" {
		t.Fatalf("expected only b to be affected, got %+v", affected)
	}
}

func TestRiskScoreBuckets(t *testing.T) {
	cases := []struct {
		delay        int
		critical     bool
		cascade      int
		conflict     bool
		wantScore    int
		wantLevel    RiskLevel
	}{
		{delay: 0, critical: false, cascade: 0, conflict: false, wantScore: 0, wantLevel: RiskLow},
		{delay: 7, critical: true, cascade: 5, conflict: true, wantScore: 9, wantLevel: RiskCritical},
		{delay: 3, critical: false, cascade: 0, conflict: false, wantScore: 2, wantLevel: RiskMedium},
		{delay: 1, critical: false, cascade: 2, conflict: false, wantScore: 2, wantLevel: RiskMedium},
		{delay: 0, critical: true, cascade: 0, conflict: false, wantScore: 3, wantLevel: RiskMedium},
		{delay: 0, critical: true, cascade: 2, conflict: false, wantScore: 4, wantLevel: RiskHigh},
	}
	for _, tc := range cases {
		score, level := RiskScore(tc.delay, tc.critical, tc.cascade, tc.conflict)
		if score != tc.wantScore || level != tc.wantLevel {
			t.Fatalf("RiskScore(%d,%v,%d,%v) = %d/%s want %d/%s", tc.delay, tc.critical, tc.cascade, tc.conflict, score, level, tc.wantScore, tc.wantLevel)
		}
	}
}
