// Package store defines the persistence interface every engine component
// programs against, plus the application-level transactional envelope
// that simulates multi-statement transactions over a backend that only
// offers row-level CRUD (see the memory and postgres subpackages).
package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Envelope is a scoped transaction substitute: every mutation performed
// while it is open records a compensating action. If the caller signals
// failure, the log is replayed in reverse to undo what was staged.
// Rollback is best-effort: a failure while undoing one entry does not
// stop the remaining entries from being attempted, and all such failures
// are returned alongside (never instead of) the original error.
type Envelope struct {
	BatchID string
	undoLog []undoEntry
}

type undoEntry struct {
	description string
	undo        func(ctx context.Context) error
}

// NewEnvelope opens a fresh envelope with a new batch id, used to tag
// every AuditRecord written during its scope for forensic grouping.
func NewEnvelope() *Envelope {
	return &Envelope{BatchID: uuid.NewString()}
}

// Record appends a compensating action to the log. Call this after every
// staged mutation, before moving on to the next one.
func (e *Envelope) Record(description string, undo func(ctx context.Context) error) {
	e.undoLog = append(e.undoLog, undoEntry{description: description, undo: undo})
}

// Rollback walks the undo log in reverse, attempting every compensating
// action regardless of earlier failures, and returns the accumulated
// rollback errors (nil if all undos succeeded). The caller is expected to
// still propagate the original failure that triggered the rollback.
func (e *Envelope) Rollback(ctx context.Context) []error {
	var errs []error
	for i := len(e.undoLog) - 1; i >= 0; i-- {
		entry := e.undoLog[i]
		if err := entry.undo(ctx); err != nil {
			errs = append(errs, fmt.Errorf("rollback %q: %w", entry.description, err))
		}
	}
	return errs
}

// Run opens an envelope, invokes fn with it, and on error rolls back
// everything fn staged. It returns the original error from fn (wrapped
// with any rollback failures appended), never the rollback errors alone.
func Run(ctx context.Context, fn func(ctx context.Context, env *Envelope) error) error {
	env := NewEnvelope()
	if err := fn(ctx, env); err != nil {
		if rollbackErrs := env.Rollback(ctx); len(rollbackErrs) > 0 {
			return fmt.Errorf("%w (additionally, %d rollback actions failed: %v)", err, len(rollbackErrs), rollbackErrs)
		}
		return err
	}
	return nil
}
