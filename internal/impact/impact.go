// Package impact computes the effect of a proposed schedule change on a
// work item: its new dates, the successors it would cascade to, resource
// conflicts it would create, and an overall risk score.
package impact

import (
	"context"
	"fmt"
	"time"

	"github.com/tracky-pm/engine/internal/apperrors"
	"github.com/tracky-pm/engine/internal/domain"
)

const cascadeCap = 100

// DependencyGraph resolves successor edges and work item records for
// cascade BFS.
type DependencyGraph interface {
	SuccessorsOf(ctx context.Context, workItemID string) ([]domain.Dependency, error)
	WorkItem(ctx context.Context, id string) (*domain.WorkItem, error)
}

// ResourceAllocations sums the allocation_percent of a resource's
// overlapping, non-cancelled, non-completed work items in a date window,
// excluding the work item under analysis.
type ResourceAllocations interface {
	OverlappingAllocationPercent(ctx context.Context, resourceID string, start, end time.Time, excludeWorkItemID string) (float64, error)
}

// RecalculatedDates is the new (start, end) pair a reason-coded change
// produces for the work item whose date moved.
type RecalculatedDates struct {
	NewStart time.Time
	NewEnd   time.Time
}

// RecalculateDuration applies the reason-specific duration math described
// for C4. additionalWorkPercent and availableEffortPercent are only
// consulted for SCOPE_INCREASE and RESOURCE_PULLED respectively.
func RecalculateDuration(item domain.WorkItem, reason domain.ReasonCategory, proposedEnd time.Time, additionalWorkPercent *float64, availableEffortPercent *float64) (RecalculatedDates, error) {
	originalDuration := item.CurrentDurationDays()

	switch reason {
	case domain.ReasonScopeIncrease:
		p := 0.0
		if additionalWorkPercent != nil {
			p = *additionalWorkPercent
		}
		newDuration := originalDuration * (1 + p/100)
		candidateEnd := addDays(item.CurrentStart, newDuration)
		return RecalculatedDates{NewStart: item.CurrentStart, NewEnd: laterOf(candidateEnd, proposedEnd)}, nil

	case domain.ReasonStartedLate:
		delta := proposedEnd.Sub(item.CurrentEnd)
		return RecalculatedDates{NewStart: item.CurrentStart.Add(delta), NewEnd: proposedEnd}, nil

	case domain.ReasonResourcePulled:
		effortPercent := 100.0
		if availableEffortPercent != nil {
			effortPercent = *availableEffortPercent
		}
		if effortPercent > 0 && effortPercent < 100 {
			newDuration := originalDuration / (effortPercent / 100)
			candidateEnd := addDays(item.CurrentStart, newDuration)
			return RecalculatedDates{NewStart: item.CurrentStart, NewEnd: laterOf(candidateEnd, proposedEnd)}, nil
		}
		return RecalculatedDates{NewStart: item.CurrentStart, NewEnd: proposedEnd}, nil

	case domain.ReasonTechnicalBlocker, domain.ReasonExternalDependency, domain.ReasonSpecificationChange, domain.ReasonQualityIssue, domain.ReasonOther:
		return RecalculatedDates{NewStart: item.CurrentStart, NewEnd: proposedEnd}, nil

	default:
		return RecalculatedDates{}, apperrors.New(apperrors.ValidationFailure, fmt.Sprintf("unknown reason category %q", reason), nil)
	}
}

func addDays(t time.Time, days float64) time.Time {
	return t.Add(time.Duration(days * 24 * float64(time.Hour)))
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// CascadeAffected is one entry in a cascade preview.
type CascadeAffected struct {
	WorkItemID string
	DelayDays  int
}

// CascadePreview walks successors breadth-first from rootID, applying
// delayDays uniformly to every reached item (no edge-type math — that is
// reserved for propagation at recalculation time). Cancelled and
// Completed items stop their branch. Bounded to cascadeCap affected items.
func CascadePreview(ctx context.Context, graph DependencyGraph, rootID string, delayDays int) ([]CascadeAffected, error) {
	visited := map[string]bool{rootID: true}
	queue := []string{rootID}
	var affected []CascadeAffected

	for len(queue) > 0 && len(affected) < cascadeCap {
		current := queue[0]
		queue = queue[1:]

		edges, err := graph.SuccessorsOf(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("loading successors of %s: %w", current, err)
		}
		for _, edge := range edges {
			if visited[edge.SuccessorID] {
				continue
			}
			visited[edge.SuccessorID] = true

			item, err := graph.WorkItem(ctx, edge.SuccessorID)
			if err != nil {
				return nil, fmt.Errorf("loading work item %s: %w", edge.SuccessorID, err)
			}
			if item == nil || item.Status == domain.StatusCancelled || item.Status == domain.StatusCompleted {
				continue
			}

			affected = append(affected, CascadeAffected{WorkItemID: edge.SuccessorID, DelayDays: delayDays})
			queue = append(queue, edge.SuccessorID)
			if len(affected) >= cascadeCap {
				break
			}
		}
	}
	return affected, nil
}

// ResourceConflict describes an overlapping-allocation conflict detected
// for the owner of a proposed date change.
type ResourceConflict struct {
	ResourceID        string
	TotalAllocation   float64
	MaxUtilization    float64
}

// ResourceConflictPreview sums the resource's allocation across
// overlapping, non-cancelled, non-completed tasks in [start, end) and
// reports a conflict if that sum exceeds maxUtilization.
func ResourceConflictPreview(ctx context.Context, allocations ResourceAllocations, resource domain.Resource, excludeWorkItemID string, start, end time.Time) (*ResourceConflict, error) {
	total, err := allocations.OverlappingAllocationPercent(ctx, resource.ID, start, end, excludeWorkItemID)
	if err != nil {
		return nil, err
	}
	if total > resource.MaxUtilization {
		return &ResourceConflict{ResourceID: resource.ID, TotalAllocation: total, MaxUtilization: resource.MaxUtilization}, nil
	}
	return nil, nil
}

// RiskLevel is the bucketed risk-score label.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// RiskScore computes the 0-9 impact risk score and its bucket.
func RiskScore(delayDays int, isCriticalPath bool, cascadeCount int, hasResourceConflict bool) (int, RiskLevel) {
	score := 0

	switch {
	case delayDays >= 7:
		score += 3
	case delayDays >= 3:
		score += 2
	case delayDays >= 1:
		score += 1
	}

	if isCriticalPath {
		score += 3
	}

	switch {
	case cascadeCount >= 5:
		score += 2
	case cascadeCount >= 2:
		score += 1
	}

	if hasResourceConflict {
		score += 1
	}

	var level RiskLevel
	switch {
	case score >= 6:
		level = RiskCritical
	case score >= 4:
		level = RiskHigh
	case score >= 2:
		level = RiskMedium
	default:
		level = RiskLow
	}
	return score, level
}
