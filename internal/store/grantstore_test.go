package store

import (
	"context"
	"testing"
	"time"

	"github.com/bgdnvk/bouncer/internal/model"
)

func newTestGrant(id string) *model.GrantSession {
	now := time.Now()
	return &model.GrantSession{
		GrantID:       id,
		Source:        "bot-A",
		TrustScope:    "bot-A",
		AccountID:     "acct-A",
		Status:        model.GrantPending,
		TTLMinutes:    30,
		MaxExecutions: 5,
		CreatedAt:     now,
	}
}

func TestGrantCreateRejectsDuplicate(t *testing.T) {
	s := NewMemGrantStore()
	ctx := context.Background()
	if err := s.Create(ctx, newTestGrant("g1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, newTestGrant("g1")); err != ErrAlreadyExists {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestGrantGetNotFound(t *testing.T) {
	s := NewMemGrantStore()
	if _, err := s.Get(context.Background(), "missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGrantApproveSetsEntriesAndExpiry(t *testing.T) {
	s := NewMemGrantStore()
	ctx := context.Background()
	s.Create(ctx, newTestGrant("g1"))

	now := time.Now()
	entries := []model.GrantEntry{{Pattern: "aws s3 ls*", IsPattern: true}}
	g, err := s.Approve(ctx, "g1", entries, now)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if g.Status != model.GrantApproved {
		t.Errorf("expected approved, got %s", g.Status)
	}
	if len(g.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(g.Entries))
	}
	if !g.ExpiresAt.After(now) {
		t.Errorf("expected ExpiresAt after now, got %v", g.ExpiresAt)
	}
}

func TestGrantApproveRejectsNonPending(t *testing.T) {
	s := NewMemGrantStore()
	ctx := context.Background()
	s.Create(ctx, newTestGrant("g1"))
	s.Deny(ctx, "g1")

	if _, err := s.Approve(ctx, "g1", nil, time.Now()); err != ErrConflict {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestGrantDenyThenApproveFails(t *testing.T) {
	s := NewMemGrantStore()
	ctx := context.Background()
	s.Create(ctx, newTestGrant("g1"))
	if err := s.Deny(ctx, "g1"); err != nil {
		t.Fatalf("Deny: %v", err)
	}
	g, _ := s.Get(ctx, "g1")
	if g.Status != model.GrantDenied {
		t.Errorf("expected denied, got %s", g.Status)
	}
}

func TestGrantConsumeExecutionMarksEntryConsumed(t *testing.T) {
	s := NewMemGrantStore()
	ctx := context.Background()
	s.Create(ctx, newTestGrant("g1"))
	now := time.Now()
	s.Approve(ctx, "g1", []model.GrantEntry{{Pattern: "aws s3 ls*", IsPattern: true}}, now)

	g, err := s.ConsumeExecution(ctx, "g1", 0, now)
	if err != nil {
		t.Fatalf("ConsumeExecution: %v", err)
	}
	if !g.Entries[0].Consumed {
		t.Errorf("expected entry 0 consumed")
	}
	if g.ExecutionsUsed != 1 {
		t.Errorf("expected ExecutionsUsed 1, got %d", g.ExecutionsUsed)
	}
}

func TestGrantConsumeExecutionRejectsAlreadyConsumed(t *testing.T) {
	s := NewMemGrantStore()
	ctx := context.Background()
	s.Create(ctx, newTestGrant("g1"))
	now := time.Now()
	s.Approve(ctx, "g1", []model.GrantEntry{{Pattern: "aws s3 ls*", IsPattern: true}}, now)
	s.ConsumeExecution(ctx, "g1", 0, now)

	if _, err := s.ConsumeExecution(ctx, "g1", 0, now); err != ErrConflict {
		t.Errorf("expected ErrConflict on replayed consume, got %v", err)
	}
}

func TestGrantConsumeExecutionRejectsOverMaxExecutions(t *testing.T) {
	s := NewMemGrantStore()
	ctx := context.Background()
	g := newTestGrant("g1")
	g.MaxExecutions = 1
	s.Create(ctx, g)
	now := time.Now()
	entries := []model.GrantEntry{
		{Pattern: "aws s3 ls*", IsPattern: true, RequiresIndividual: true},
		{Pattern: "aws s3 cp*", IsPattern: true, RequiresIndividual: true},
	}
	s.Approve(ctx, "g1", entries, now)
	s.ConsumeExecution(ctx, "g1", 0, now)

	if _, err := s.ConsumeExecution(ctx, "g1", 1, now); err != ErrConflict {
		t.Errorf("expected ErrConflict once MaxExecutions is reached, got %v", err)
	}
}

func TestGrantRevokeBlocksFurtherConsumption(t *testing.T) {
	s := NewMemGrantStore()
	ctx := context.Background()
	s.Create(ctx, newTestGrant("g1"))
	now := time.Now()
	s.Approve(ctx, "g1", []model.GrantEntry{{Pattern: "aws s3 ls*", IsPattern: true}}, now)

	if err := s.Revoke(ctx, "g1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := s.ConsumeExecution(ctx, "g1", 0, now); err != ErrConflict {
		t.Errorf("expected ErrConflict after revoke, got %v", err)
	}
}
