// Package recalc implements the critical-path forward/backward pass,
// float assignment, dependency-date propagation, and baseline-vs-current
// conflict resolution for one program, run on demand through
// Engine.Recalculate.
package recalc

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tracky-pm/engine/internal/apperrors"
	"github.com/tracky-pm/engine/internal/domain"
	"github.com/tracky-pm/engine/internal/metrics"
)

// Graph is the subset of the store the recalculation engine reads and
// writes. It operates over a single program's work items and dependencies.
type Graph interface {
	ListWorkItemsByProgram(ctx context.Context, programID string) ([]domain.WorkItem, error)
	ListDependenciesByProgram(ctx context.Context, programID string) ([]domain.Dependency, error)
	UpdateWorkItem(ctx context.Context, w domain.WorkItem) error
}

// Engine runs the recalculation passes against a Graph.
type Engine struct {
	store  Graph
	logger zerolog.Logger
}

// New builds an Engine.
func New(store Graph, logger zerolog.Logger) *Engine {
	return &Engine{store: store, logger: logger.With().Str("component", "recalc").Logger()}
}

// Result summarizes one Recalculate invocation.
type Result struct {
	WorkItemsUpdated int
	CriticalPath     []string // external ids
	MinSlackDays     float64
	MaxSlackDays     float64
	ProjectEndDate   time.Time
	Warnings         []string
	Duration         time.Duration
}

type node struct {
	item domain.WorkItem
	es   time.Time
	ef   time.Time
	ls   time.Time
	lf   time.Time
}

// Recalculate runs the full pass for one program: cycle check, forward
// pass, backward pass, float/critical-path assignment, date propagation,
// and baseline-vs-current conflict resolution. It persists the updated
// current_start/current_end, is_critical_path, and slack_days fields.
func (e *Engine) Recalculate(ctx context.Context, programID string) (Result, error) {
	start := time.Now()
	result := Result{}
	defer func() { metrics.RecalculationDuration.Observe(time.Since(start).Seconds()) }()

	items, err := e.store.ListWorkItemsByProgram(ctx, programID)
	if err != nil {
		return result, fmt.Errorf("loading work items for program %s: %w", programID, err)
	}
	if len(items) == 0 {
		result.Warnings = append(result.Warnings, "no work items found for recalculation")
		result.Duration = time.Since(start)
		return result, nil
	}

	deps, err := e.store.ListDependenciesByProgram(ctx, programID)
	if err != nil {
		return result, fmt.Errorf("loading dependencies for program %s: %w", programID, err)
	}

	if cyclePath, ok := detectCycle(items, deps); ok {
		return result, apperrors.New(apperrors.DependencyCycle, "dependency cycle detected", map[string]interface{}{
			"cycle": cyclePath,
		})
	}

	nodes := make(map[string]*node, len(items))
	for _, item := range items {
		nodes[item.ID] = &node{item: item}
	}

	predecessors := map[string][]domain.Dependency{}
	successors := map[string][]domain.Dependency{}
	for _, d := range deps {
		predecessors[d.SuccessorID] = append(predecessors[d.SuccessorID], d)
		successors[d.PredecessorID] = append(successors[d.PredecessorID], d)
	}

	order, err := topologicalOrder(items, deps)
	if err != nil {
		return result, err
	}

	forwardPass(nodes, order, predecessors)
	backwardPass(nodes, order, successors)

	var projectEnd time.Time
	var criticalExternalIDs []string
	minSlack, maxSlack := 0.0, 0.0
	first := true

	for _, id := range order {
		n := nodes[id]
		totalFloat := n.ls.Sub(n.es).Hours() / 24
		n.item.SlackDays = totalFloat
		n.item.IsCriticalPath = totalFloat <= 0

		if n.item.IsCriticalPath {
			criticalExternalIDs = append(criticalExternalIDs, n.item.ExternalID)
		}
		if first || totalFloat < minSlack {
			minSlack = totalFloat
		}
		if first || totalFloat > maxSlack {
			maxSlack = totalFloat
		}
		first = false
		if n.ef.After(projectEnd) {
			projectEnd = n.ef
		}
	}

	updated := 0
	for _, id := range order {
		n := nodes[id]
		updatedHere, warning := resolveBaselineConflict(&n.item)
		if warning != "" {
			result.Warnings = append(result.Warnings, warning)
		}
		if updatedHere {
			updated++
		}
	}

	propagated, propWarnings := propagateDates(nodes, order, predecessors, successors)
	updated += propagated
	result.Warnings = append(result.Warnings, propWarnings...)

	for _, id := range order {
		if err := e.store.UpdateWorkItem(ctx, nodes[id].item); err != nil {
			return result, fmt.Errorf("persisting work item %s: %w", id, err)
		}
	}

	result.WorkItemsUpdated = updated
	result.CriticalPath = criticalExternalIDs
	result.MinSlackDays = minSlack
	result.MaxSlackDays = maxSlack
	result.ProjectEndDate = projectEnd
	result.Duration = time.Since(start)
	return result, nil
}

// detectCycle runs an explicit-stack DFS with a recursion-stack set and
// returns the first cycle found as a sequence of external ids.
func detectCycle(items []domain.WorkItem, deps []domain.Dependency) ([]string, bool) {
	successors := map[string][]string{}
	for _, d := range deps {
		successors[d.PredecessorID] = append(successors[d.PredecessorID], d.SuccessorID)
	}
	externalByID := map[string]string{}
	for _, it := range items {
		externalByID[it.ID] = it.ExternalID
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var path []string

	var visit func(id string) ([]string, bool)
	visit = func(id string) ([]string, bool) {
		color[id] = gray
		path = append(path, id)
		for _, next := range successors[id] {
			switch color[next] {
			case gray:
				cyclePath := append([]string{}, path...)
				cyclePath = append(cyclePath, next)
				names := make([]string, len(cyclePath))
				for i, id := range cyclePath {
					names[i] = externalByID[id]
				}
				return names, true
			case white:
				if found, ok := visit(next); ok {
					return found, true
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return nil, false
	}

	for _, it := range items {
		if color[it.ID] == white {
			if found, ok := visit(it.ID); ok {
				return found, true
			}
		}
	}
	return nil, false
}

// topologicalOrder performs Kahn's algorithm with an explicit queue,
// erroring out (rather than recursing) if the graph has a cycle the
// caller's cycle check somehow missed.
func topologicalOrder(items []domain.WorkItem, deps []domain.Dependency) ([]string, error) {
	inDegree := map[string]int{}
	successors := map[string][]string{}
	for _, it := range items {
		inDegree[it.ID] = 0
	}
	for _, d := range deps {
		if _, ok := inDegree[d.SuccessorID]; !ok {
			continue
		}
		inDegree[d.SuccessorID]++
		successors[d.PredecessorID] = append(successors[d.PredecessorID], d.SuccessorID)
	}

	var queue []string
	for _, it := range items {
		if inDegree[it.ID] == 0 {
			queue = append(queue, it.ID)
		}
	}

	var order []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, next := range successors[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(items) {
		return nil, apperrors.New(apperrors.DependencyCycle, "topological sort could not order every work item", nil)
	}
	return order, nil
}

// forwardPass sets each node's early start and finish in topological order.
// Each edge's anchor comes from predecessorAnchor: FS/SS/FF/SF all anchor on
// the predecessor's relevant endpoint plus lag; FS additionally reserves one
// calendar day, matching the original implementation's "+1 day"
// finish-to-start convention.
func forwardPass(nodes map[string]*node, order []string, predecessors map[string][]domain.Dependency) {
	for _, id := range order {
		n := nodes[id]
		var es time.Time
		hasPred := false
		for _, dep := range predecessors[id] {
			pred, ok := nodes[dep.PredecessorID]
			if !ok {
				continue
			}
			candidate := predecessorAnchor(pred, dep)
			if !hasPred || candidate.After(es) {
				es = candidate
				hasPred = true
			}
		}
		if !hasPred {
			es = n.item.CurrentStart
		}
		n.es = es
		n.ef = addDays(es, n.item.CurrentDurationDays())
	}
}

func predecessorAnchor(pred *node, dep domain.Dependency) time.Time {
	lag := float64(dep.LagDays)
	switch dep.Type {
	case domain.DependencyFS:
		return addDays(pred.ef, lag+1)
	case domain.DependencySS:
		return addDays(pred.es, lag)
	case domain.DependencyFF:
		return addDays(pred.ef, lag)
	case domain.DependencySF:
		return addDays(pred.es, lag)
	default:
		return addDays(pred.ef, lag+1)
	}
}

func backwardPass(nodes map[string]*node, order []string, successors map[string][]domain.Dependency) {
	// Walk the topological order in reverse so every successor is finalized
	// before its predecessors are visited.
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		n := nodes[id]
		var lf time.Time
		hasSucc := false
		for _, dep := range successors[id] {
			succ, ok := nodes[dep.SuccessorID]
			if !ok {
				continue
			}
			candidate := successorAnchor(succ, dep)
			if !hasSucc || candidate.Before(lf) {
				lf = candidate
				hasSucc = true
			}
		}
		if !hasSucc {
			lf = n.ef
		}
		n.lf = lf
		n.ls = addDays(lf, -n.item.CurrentDurationDays())
	}
}

func successorAnchor(succ *node, dep domain.Dependency) time.Time {
	lag := float64(dep.LagDays)
	switch dep.Type {
	case domain.DependencyFS:
		return addDays(succ.ls, -(lag + 1))
	case domain.DependencySS:
		return addDays(succ.ls, -lag)
	case domain.DependencyFF:
		return addDays(succ.lf, -lag)
	case domain.DependencySF:
		return addDays(succ.lf, -lag)
	default:
		return addDays(succ.ls, -(lag + 1))
	}
}

func addDays(t time.Time, days float64) time.Time {
	return t.Add(time.Duration(days * 24 * float64(time.Hour)))
}

// resolveBaselineConflict pushes current_start/current_end forward when
// the baseline now extends past them, never pulling dates in. If
// actual_start is set, only current_end may move.
func resolveBaselineConflict(item *domain.WorkItem) (changed bool, warning string) {
	if item.ActualStart == nil {
		if item.PlannedStart.After(item.CurrentStart) {
			item.CurrentStart = item.PlannedStart
			changed = true
		}
		if item.PlannedEnd.After(item.CurrentEnd) {
			item.CurrentEnd = item.PlannedEnd
			changed = true
		}
	} else if item.PlannedEnd.After(item.CurrentEnd) {
		item.CurrentEnd = item.PlannedEnd
		changed = true
	}
	if changed {
		warning = fmt.Sprintf("work item %s: baseline extended past current dates, current dates pushed forward", item.ExternalID)
	}
	return changed, warning
}

// propagateDates applies the dependency-type-specific successor-start
// formulas to current_start/current_end, monotonically forward only:
// a computed date earlier than the successor's current date never pulls
// it in.
func propagateDates(nodes map[string]*node, order []string, predecessors map[string][]domain.Dependency, successors map[string][]domain.Dependency) (int, []string) {
	updated := 0
	var warnings []string

	for _, id := range order {
		n := nodes[id]
		for _, dep := range predecessors[id] {
			pred, ok := nodes[dep.PredecessorID]
			if !ok {
				continue
			}
			newStart, ok := successorStart(pred.item, n.item, dep.Type, dep.LagDays)
			if !ok {
				continue
			}
			if newStart.After(n.item.CurrentStart) {
				duration := n.item.CurrentDurationDays()
				n.item.CurrentStart = newStart
				n.item.CurrentEnd = addDays(newStart, duration)
				updated++
				warnings = append(warnings, fmt.Sprintf(
					"work item %s: start pushed to %s by predecessor %s",
					n.item.ExternalID, newStart.Format("2006-01-02"), pred.item.ExternalID))
			}
		}
	}
	return updated, warnings
}

// successorStart computes a successor's candidate start date from one
// predecessor edge, formula-for-formula with the original implementation.
func successorStart(pred, succ domain.WorkItem, depType domain.DependencyType, lagDays int) (time.Time, bool) {
	lag := float64(lagDays)
	duration := succ.CurrentDurationDays()

	switch depType {
	case domain.DependencyFS:
		return addDays(pred.CurrentEnd, lag+1), true
	case domain.DependencySS:
		return addDays(pred.CurrentStart, lag), true
	case domain.DependencyFF:
		newEnd := addDays(pred.CurrentEnd, lag)
		return addDays(newEnd, -duration), true
	case domain.DependencySF:
		newEnd := addDays(pred.CurrentStart, lag)
		return addDays(newEnd, -duration), true
	default:
		return time.Time{}, false
	}
}
