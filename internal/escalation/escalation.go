// Package escalation resolves the four-level notification chain
// (Primary, Backup, Manager, PM) for a work item's owner, and the
// timeout policy that drives automatic escalation between levels.
package escalation

import (
	"context"
	"fmt"
	"time"

	"github.com/tracky-pm/engine/internal/domain"
)

// Level indexes the fixed four-level chain.
type Level int

const (
	LevelPrimary Level = 0
	LevelBackup  Level = 1
	LevelManager Level = 2
	LevelPM      Level = 3
)

// ResourceLookup resolves a Resource by id; used to walk backup/manager
// chains and program PM fields.
type ResourceLookup interface {
	GetResource(ctx context.Context, id string) (*domain.Resource, error)
}

// OrgSettings carries the org-wide PM fallback values used once a
// program's own pm_owner/secondary_pm fail to resolve.
type OrgSettings struct {
	DefaultPMResourceID    string
	EscalationEmailFallback string
}

// Policy is the per-program (or global-default) escalation policy.
type Policy struct {
	DaysBeforeDeadline         int
	AlertTimeOfDay             string // "HH:MM" local
	TimeoutHoursPerLevel       map[Level]*int // nil means terminal (no timeout) at that level
	AutoApproveDelayUpToDays   int
	BlockerImmediateEscalation bool
	// ReminderAfterHours is how long an alert can sit unresponded before
	// reminder_sender re-nudges it, independent of escalation timeout.
	ReminderAfterHours int
}

// DefaultPolicy returns the spec's documented defaults.
func DefaultPolicy() Policy {
	four, two := 4, 2
	return Policy{
		DaysBeforeDeadline:       1,
		AlertTimeOfDay:           "09:00",
		AutoApproveDelayUpToDays: 0,
		BlockerImmediateEscalation: true,
		ReminderAfterHours:         2,
		TimeoutHoursPerLevel: map[Level]*int{
			LevelPrimary: &four,
			LevelBackup:  &four,
			LevelManager: &two,
			LevelPM:      nil,
		},
	}
}

// Recipient is a resolved chain target: either a real Resource or a
// synthetic fallback address with no backing resource row.
type Recipient struct {
	ResourceID  string
	Email       string
	IsSynthetic bool
	Level       Level
}

// SkippedRecipient records why a chain candidate at a level was passed over.
type SkippedRecipient struct {
	Level  Level
	Reason string
}

// ResolveLevel returns the candidate recipient for a single chain level,
// without regard to availability. Levels 0-2 come from the owner's own
// record; level 3 walks program PM fields, then org settings, then the
// application-config ops fallback email.
func ResolveLevel(ctx context.Context, lookup ResourceLookup, owner domain.Resource, program domain.Program, level Level, org OrgSettings, opsFallbackEmail string) (*Recipient, error) {
	switch level {
	case LevelPrimary:
		return &Recipient{ResourceID: owner.ID, Level: level}, nil
	case LevelBackup:
		if owner.BackupResourceID == "" {
			return nil, nil
		}
		return &Recipient{ResourceID: owner.BackupResourceID, Level: level}, nil
	case LevelManager:
		if owner.ManagerID == "" {
			return nil, nil
		}
		return &Recipient{ResourceID: owner.ManagerID, Level: level}, nil
	case LevelPM:
		if program.PMOwner != "" {
			return &Recipient{ResourceID: program.PMOwner, Level: level}, nil
		}
		if program.SecondaryPM != "" {
			return &Recipient{ResourceID: program.SecondaryPM, Level: level}, nil
		}
		if org.DefaultPMResourceID != "" {
			return &Recipient{ResourceID: org.DefaultPMResourceID, Level: level}, nil
		}
		if org.EscalationEmailFallback != "" {
			return &Recipient{Email: org.EscalationEmailFallback, IsSynthetic: true, Level: level}, nil
		}
		if opsFallbackEmail != "" {
			return &Recipient{Email: opsFallbackEmail, IsSynthetic: true, Level: level}, nil
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown escalation level %d", level)
	}
}

// FindAvailableRecipient walks the chain from startLevel through LevelPM,
// skipping any resource-backed candidate whose availability is not Active,
// and returns the first Active recipient found along with the candidates
// it skipped and the reason for each.
func FindAvailableRecipient(ctx context.Context, lookup ResourceLookup, owner domain.Resource, program domain.Program, startLevel Level, org OrgSettings, opsFallbackEmail string) (*Recipient, []SkippedRecipient, error) {
	var skipped []SkippedRecipient

	for level := startLevel; level <= LevelPM; level++ {
		candidate, err := ResolveLevel(ctx, lookup, owner, program, level, org, opsFallbackEmail)
		if err != nil {
			return nil, skipped, err
		}
		if candidate == nil {
			skipped = append(skipped, SkippedRecipient{Level: level, Reason: "no candidate at this level"})
			continue
		}
		if candidate.IsSynthetic {
			// Synthetic fallback addresses have no availability to check.
			return candidate, skipped, nil
		}

		res, err := lookup.GetResource(ctx, candidate.ResourceID)
		if err != nil {
			return nil, skipped, err
		}
		if res == nil {
			skipped = append(skipped, SkippedRecipient{Level: level, Reason: "resource not found"})
			continue
		}
		if res.AvailabilityStatus != domain.AvailabilityActive {
			skipped = append(skipped, SkippedRecipient{Level: level, Reason: fmt.Sprintf("unavailable: %s", res.AvailabilityStatus)})
			continue
		}
		return candidate, skipped, nil
	}
	return nil, skipped, nil
}

// ShouldEscalate reports whether the elapsed time since sentAt has exceeded
// the timeout configured for level. A nil timeout means the level is
// terminal and never times out.
func ShouldEscalate(sentAt time.Time, level Level, policy Policy, now time.Time) bool {
	timeout, ok := policy.TimeoutHoursPerLevel[level]
	if !ok || timeout == nil {
		return false
	}
	return !now.Before(sentAt.Add(time.Duration(*timeout) * time.Hour))
}

// NextLevel returns the level to escalate to after current, capped at the
// terminal PM level.
func NextLevel(current Level) Level {
	if current >= LevelPM {
		return LevelPM
	}
	return current + 1
}
