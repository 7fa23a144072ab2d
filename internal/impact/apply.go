package impact

import (
	"context"
	"fmt"
	"time"

	"github.com/tracky-pm/engine/internal/apperrors"
	"github.com/tracky-pm/engine/internal/domain"
	"github.com/tracky-pm/engine/internal/store"
)

// MutableGraph extends DependencyGraph with the write ApplyApprovedDelay
// needs to push a date change through to the store.
type MutableGraph interface {
	DependencyGraph
	UpdateWorkItem(ctx context.Context, w domain.WorkItem) error
}

// AppliedDelay is one work item's date change as a result of
// ApplyApprovedDelay, either the root item or one it cascaded to.
type AppliedDelay struct {
	WorkItemID string
	OldStart   time.Time
	OldEnd     time.Time
	NewStart   time.Time
	NewEnd     time.Time
}

// ApplyResult is the full outcome of applying an approved delay.
type ApplyResult struct {
	Root     AppliedDelay
	Cascaded []AppliedDelay
}

// ApplyApprovedDelay pushes a work item's current_start/current_end to
// newStart/newEnd — the reason-shifted dates RecalculateDuration produced
// for the approved response — and, when cascade is true, shifts every
// downstream successor found by CascadePreview by the same number of
// days. Every mutation is staged against env so the caller's enclosing
// store.Run rolls the whole set back together if a later step fails.
func ApplyApprovedDelay(ctx context.Context, g MutableGraph, env *store.Envelope, workItemID string, newStart, newEnd time.Time, approvedBy string, cascade bool) (ApplyResult, error) {
	item, err := g.WorkItem(ctx, workItemID)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("loading work item %s: %w", workItemID, err)
	}
	if item == nil {
		return ApplyResult{}, apperrors.New(apperrors.ResourceNotFound, "work item not found", map[string]interface{}{"work_item_id": workItemID})
	}

	oldStart, oldEnd := item.CurrentStart, item.CurrentEnd
	delayDays := int(newEnd.Sub(oldEnd).Hours() / 24)

	if err := updateOne(ctx, g, env, *item, func(w *domain.WorkItem) {
		w.CurrentStart = newStart
		w.CurrentEnd = newEnd
	}); err != nil {
		return ApplyResult{}, fmt.Errorf("applying delay to %s: %w", item.ExternalID, err)
	}

	result := ApplyResult{Root: AppliedDelay{WorkItemID: item.ID, OldStart: oldStart, OldEnd: oldEnd, NewStart: newStart, NewEnd: newEnd}}

	if !cascade || delayDays <= 0 {
		return result, nil
	}

	affected, err := CascadePreview(ctx, g, item.ID, delayDays)
	if err != nil {
		return result, fmt.Errorf("previewing cascade from %s: %w", item.ExternalID, err)
	}

	for _, a := range affected {
		succ, err := g.WorkItem(ctx, a.WorkItemID)
		if err != nil {
			return result, fmt.Errorf("loading cascaded work item %s: %w", a.WorkItemID, err)
		}
		if succ == nil {
			continue
		}
		before := *succ
		if err := updateOne(ctx, g, env, before, func(w *domain.WorkItem) {
			w.CurrentStart = before.CurrentStart.AddDate(0, 0, a.DelayDays)
			w.CurrentEnd = before.CurrentEnd.AddDate(0, 0, a.DelayDays)
		}); err != nil {
			return result, fmt.Errorf("cascading delay to %s: %w", succ.ExternalID, err)
		}
		result.Cascaded = append(result.Cascaded, AppliedDelay{
			WorkItemID: succ.ID, OldStart: before.CurrentStart, OldEnd: before.CurrentEnd,
			NewStart: before.CurrentStart.AddDate(0, 0, a.DelayDays), NewEnd: before.CurrentEnd.AddDate(0, 0, a.DelayDays),
		})
	}

	return result, nil
}

// updateOne applies mutate to a copy of before, persists it, and records
// the compensating write that restores before on rollback.
func updateOne(ctx context.Context, g MutableGraph, env *store.Envelope, before domain.WorkItem, mutate func(w *domain.WorkItem)) error {
	updated := before
	mutate(&updated)
	if err := g.UpdateWorkItem(ctx, updated); err != nil {
		return err
	}
	env.Record("work item "+before.ID, func(ctx context.Context) error {
		return g.UpdateWorkItem(ctx, before)
	})
	return nil
}
