package store

import (
	"context"
	"testing"
	"time"

	"github.com/bgdnvk/bouncer/internal/model"
	"github.com/bgdnvk/bouncer/internal/trust"
)

func newTestTrust(id string) *model.TrustSession {
	now := time.Now()
	return &model.TrustSession{
		TrustID:     id,
		TrustScope:  "bot-A",
		AccountID:   "acct-A",
		Status:      model.TrustActive,
		CreatedAt:   now,
		ExpiresAt:   now.Add(30 * time.Minute),
		CommandsMax: 10,
		UploadsMax:  3,
		BytesMax:    1 << 20,
	}
}

func TestTrustActiveSessionMissingReturnsNilNotError(t *testing.T) {
	s := NewMemTrustStore()
	session, err := s.ActiveSession(context.Background(), "bot-A", "acct-A")
	if err != nil {
		t.Fatalf("expected nil error for a missing session, got %v", err)
	}
	if session != nil {
		t.Errorf("expected nil session, got %+v", session)
	}
}

func TestTrustCreateThenActiveSession(t *testing.T) {
	s := NewMemTrustStore()
	ctx := context.Background()
	if err := s.CreateSession(ctx, newTestTrust("t1")); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	found, err := s.ActiveSession(ctx, "bot-A", "acct-A")
	if err != nil {
		t.Fatalf("ActiveSession: %v", err)
	}
	if found.TrustID != "t1" {
		t.Errorf("expected t1, got %s", found.TrustID)
	}
}

func TestTrustCreateRejectsSecondActiveSessionForScope(t *testing.T) {
	s := NewMemTrustStore()
	ctx := context.Background()
	s.CreateSession(ctx, newTestTrust("t1"))
	if err := s.CreateSession(ctx, newTestTrust("t2")); err != ErrConflict {
		t.Errorf("expected ErrConflict on second active session for the same scope, got %v", err)
	}
}

func TestTrustCheckAndConsumeCommands(t *testing.T) {
	s := NewMemTrustStore()
	ctx := context.Background()
	s.CreateSession(ctx, newTestTrust("t1"))

	updated, err := s.CheckAndConsume(ctx, "t1", trust.BudgetCommands, 3, time.Now())
	if err != nil {
		t.Fatalf("CheckAndConsume: %v", err)
	}
	if updated.CommandsUsed != 3 {
		t.Errorf("expected CommandsUsed 3, got %d", updated.CommandsUsed)
	}
}

func TestTrustCheckAndConsumeRejectsOverBudget(t *testing.T) {
	s := NewMemTrustStore()
	ctx := context.Background()
	s.CreateSession(ctx, newTestTrust("t1"))

	if _, err := s.CheckAndConsume(ctx, "t1", trust.BudgetCommands, 11, time.Now()); err != ErrConflict {
		t.Errorf("expected ErrConflict over CommandsMax, got %v", err)
	}
}

func TestTrustCheckAndConsumeRejectsExpired(t *testing.T) {
	s := NewMemTrustStore()
	ctx := context.Background()
	sess := newTestTrust("t1")
	sess.ExpiresAt = time.Now().Add(-time.Minute)
	s.CreateSession(ctx, sess)

	if _, err := s.CheckAndConsume(ctx, "t1", trust.BudgetCommands, 1, time.Now()); err != ErrConflict {
		t.Errorf("expected ErrConflict on expired session, got %v", err)
	}
}

func TestTrustCheckAndConsumeBytes(t *testing.T) {
	s := NewMemTrustStore()
	ctx := context.Background()
	s.CreateSession(ctx, newTestTrust("t1"))

	updated, err := s.CheckAndConsume(ctx, "t1", trust.BudgetBytes, 1024, time.Now())
	if err != nil {
		t.Fatalf("CheckAndConsume: %v", err)
	}
	if updated.BytesUsed != 1024 {
		t.Errorf("expected BytesUsed 1024, got %d", updated.BytesUsed)
	}
}

func TestTrustRevokeBlocksFurtherConsumption(t *testing.T) {
	s := NewMemTrustStore()
	ctx := context.Background()
	s.CreateSession(ctx, newTestTrust("t1"))

	if err := s.Revoke(ctx, "t1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := s.CheckAndConsume(ctx, "t1", trust.BudgetCommands, 1, time.Now()); err != ErrConflict {
		t.Errorf("expected ErrConflict after revoke, got %v", err)
	}
}
