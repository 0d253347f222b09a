package deployorch

import (
	"context"
	"testing"
	"time"
)

func testOrchestrator() *Orchestrator {
	o := New(nil, func(ctx context.Context, projectID string) (string, string, error) {
		return "acme", "widgets", nil
	}, func() string { return "deploy_1" })
	return o
}

func TestResolveReturnsConflictWhenDeployAlreadyRunning(t *testing.T) {
	o := testOrchestrator()
	fixedNow := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	o.clock = func() time.Time { return fixedNow }

	o.Begin("proj-1")

	result, err := o.Resolve(context.Background(), "proj-1", "main")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusConflict {
		t.Fatalf("expected conflict status, got %s", result.Status)
	}
	if result.RunningDeployID != "deploy_1" {
		t.Errorf("expected running_deploy_id deploy_1, got %s", result.RunningDeployID)
	}
}

func TestFinishClearsRunningMarker(t *testing.T) {
	o := testOrchestrator()
	o.Begin("proj-2")
	o.Finish("proj-2")

	o.mu.Lock()
	_, stillRunning := o.running["proj-2"]
	o.mu.Unlock()

	if stillRunning {
		t.Error("expected Finish to clear the running marker")
	}
}

func TestEstimateRemainingReturnsOverdueAfterBudget(t *testing.T) {
	startedAt := time.Now().Add(-20 * time.Minute)
	got := estimateRemaining(startedAt, time.Now())
	if got != "overdue" {
		t.Errorf("expected overdue, got %s", got)
	}
}
