package escalation

import (
	"context"
	"testing"
	"time"

	"github.com/tracky-pm/engine/internal/domain"
)

type mapLookup map[string]*domain.Resource

func (m mapLookup) GetResource(ctx context.Context, id string) (*domain.Resource, error) {
	return m[id], nil
}

func TestFindAvailableRecipientSkipsUnavailable(t *testing.T) {
	owner := domain.Resource{ID: "r-owner", BackupResourceID: "r-backup", ManagerID: "r-mgr", AvailabilityStatus: domain.AvailabilityUnavailable}
	lookup := mapLookup{
		"r-owner": &owner,
		"r-backup": {ID: "r-backup", AvailabilityStatus: domain.AvailabilityOnLeave},
		"r-mgr":    {ID: "r-mgr", AvailabilityStatus: domain.AvailabilityActive},
	}
	program := domain.Program{}

	recipient, skipped, err := FindAvailableRecipient(context.Background(), lookup, owner, program, LevelPrimary, OrgSettings{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if recipient == nil || recipient.ResourceID != "r-mgr" {
		t.Fatalf("expected manager to be chosen, got %+v", recipient)
	}
	if len(skipped) != 2 {
		t.Fatalf("expected 2 skipped candidates, got %d: %+v", len(skipped), skipped)
	}
}

func TestFindAvailableRecipientFallsBackToOpsEmail(t *testing.T) {
	owner := domain.Resource{ID: "r-owner", AvailabilityStatus: domain.AvailabilityUnavailable}
	lookup := mapLookup{"r-owner": &owner}
	program := domain.Program{}

	recipient, _, err := FindAvailableRecipient(context.Background(), lookup, owner, program, LevelPrimary, OrgSettings{}, "ops@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if recipient == nil || !recipient.IsSynthetic || recipient.Email != "ops@example.com" {
		t.Fatalf("expected synthetic ops fallback, got %+v", recipient)
	}
}

func TestFindAvailableRecipientEndsAtManagerWhenNoPM(t *testing.T) {
	owner := domain.Resource{ID: "r-owner", AvailabilityStatus: domain.AvailabilityUnavailable}
	lookup := mapLookup{"r-owner": &owner}
	program := domain.Program{}

	recipient, skipped, err := FindAvailableRecipient(context.Background(), lookup, owner, program, LevelPrimary, OrgSettings{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if recipient != nil {
		t.Fatalf("expected no recipient, got %+v", recipient)
	}
	if len(skipped) != 4 {
		t.Fatalf("expected all 4 levels skipped, got %d", len(skipped))
	}
}

func TestShouldEscalate(t *testing.T) {
	policy := DefaultPolicy()
	sentAt := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)

	if ShouldEscalate(sentAt, LevelPrimary, policy, sentAt.Add(3*time.Hour)) {
		t.Fatal("should not escalate before 4h timeout")
	}
	if !ShouldEscalate(sentAt, LevelPrimary, policy, sentAt.Add(4*time.Hour)) {
		t.Fatal("should escalate at exactly 4h timeout")
	}
	if ShouldEscalate(sentAt, LevelPM, policy, sentAt.Add(1000*time.Hour)) {
		t.Fatal("PM level is terminal, should never escalate")
	}
}

func TestNextLevelCapsAtPM(t *testing.T) {
	if NextLevel(LevelManager) != LevelPM {
		t.Fatal("expected manager to escalate to PM")
	}
	if NextLevel(LevelPM) != LevelPM {
		t.Fatal("expected PM to remain terminal")
	}
}
