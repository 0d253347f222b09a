package pgstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/bgdnvk/bouncer/internal/model"
	"github.com/bgdnvk/bouncer/internal/store"
)

// These tests only run against a real Postgres instance, reached via
// BOUNCER_TEST_PG_DSN. There is no embedded Postgres in this tree — the
// conditional-update logic itself is exercised unit-style in
// internal/store (MemStore) and internal/store/sqlstore.
func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("BOUNCER_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("BOUNCER_TEST_PG_DSN not set, skipping pgstore integration test")
	}
	s, err := Open(context.Background(), dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPGStoreTransitionConflictOnReplay(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()
	record := &model.ApprovalRequest{
		RequestID: "pg-test-1", Kind: model.ActionExecute, Command: "aws s3 ls",
		DisplaySummary: "list", Source: "bot-A", Status: model.StatusPending,
		CreatedAt: now, UpdatedAt: now, ExpiresAt: now.Add(time.Minute),
	}
	if err := s.Put(ctx, record); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, err := s.Transition(ctx, record.RequestID, model.StatusPending, store.Patch{Status: model.StatusApproved}); err != nil {
		t.Fatalf("first Transition: %v", err)
	}
	if _, err := s.Transition(ctx, record.RequestID, model.StatusPending, store.Patch{Status: model.StatusDenied}); err != store.ErrConflict {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}
