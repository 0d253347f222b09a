package mcp

import (
	"context"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/bgdnvk/bouncer/internal/grant"
	"github.com/bgdnvk/bouncer/internal/model"
	"github.com/bgdnvk/bouncer/internal/pipeline"
	"github.com/bgdnvk/bouncer/internal/ratelimit"
	"github.com/bgdnvk/bouncer/internal/rules"
	"github.com/bgdnvk/bouncer/internal/store"
	"github.com/bgdnvk/bouncer/internal/trust"
)

type fakeRateStore struct{}

func (fakeRateStore) IncrementWindow(ctx context.Context, source string, windowStart time.Time) (int, error) {
	return 1, nil
}

type fakeExecutor struct{}

func (fakeExecutor) Execute(ctx context.Context, command, accountID string) (string, int, time.Duration, error) {
	return "ok", 0, time.Millisecond, nil
}

type noopGrantStore struct{}

func (noopGrantStore) Create(ctx context.Context, session *model.GrantSession) error { return nil }
func (noopGrantStore) Get(ctx context.Context, grantID string) (*model.GrantSession, error) {
	return nil, nil
}
func (noopGrantStore) Approve(ctx context.Context, grantID string, entries []model.GrantEntry, now time.Time) (*model.GrantSession, error) {
	return nil, nil
}
func (noopGrantStore) Deny(ctx context.Context, grantID string) error   { return nil }
func (noopGrantStore) Revoke(ctx context.Context, grantID string) error { return nil }
func (noopGrantStore) ConsumeExecution(ctx context.Context, grantID string, entryIndex int, now time.Time) (*model.GrantSession, error) {
	return nil, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	requests := store.NewMemStore()
	limiter := ratelimit.New(fakeRateStore{}, time.Minute, 100)
	trustMgr := trust.NewManager(&noopTrustStore{}, trust.Config{TTL: 10 * time.Minute, CommandsMax: 3}, func() string { return "trust_test" })
	grantMgr := grant.NewManager(noopGrantStore{}, rules.Defaults(), grant.Config{TTLMaxMinutes: 60, MaxCommands: 20, MaxExecutions: 50}, func() string { return "grant_test" })

	p := pipeline.New(requests, requests, rules.Defaults(), limiter, trustMgr, grantMgr, nil, fakeExecutor{}, nil, pipeline.Config{
		DefaultTTL: 5 * time.Minute,
	})

	return New("bouncer-test", "0.0.1", p, nil, requests)
}

type noopTrustStore struct{}

func (noopTrustStore) ActiveSession(ctx context.Context, trustScope, accountID string) (*model.TrustSession, error) {
	return nil, nil
}
func (noopTrustStore) CreateSession(ctx context.Context, session *model.TrustSession) error { return nil }
func (noopTrustStore) CheckAndConsume(ctx context.Context, trustID string, kind trust.BudgetKind, amount int64, now time.Time) (*model.TrustSession, error) {
	return nil, trust.ErrNoActiveSession
}
func (noopTrustStore) Revoke(ctx context.Context, trustID string) error { return nil }

func callArgs(args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{Params: mcp.CallToolParams{Arguments: args}}
}

func TestSubmitCommandSucceedsForValidInput(t *testing.T) {
	s := newTestServer(t)

	result, err := s.submitCommand(context.Background(), callArgs(map[string]interface{}{
		"command": "aws s3 ls s3://bucket",
		"reason":  "list objects",
		"source":  "agent-1",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success result, got error result: %+v", result)
	}
}

func TestSubmitCommandRejectsMissingFields(t *testing.T) {
	s := newTestServer(t)

	result, err := s.submitCommand(context.Background(), callArgs(map[string]interface{}{
		"command": "aws s3 ls s3://bucket",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Error("expected an error result for missing reason/source")
	}
}

func TestCheckStatusRejectsMissingRequestID(t *testing.T) {
	s := newTestServer(t)

	result, err := s.checkStatus(context.Background(), callArgs(map[string]interface{}{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Error("expected an error result for missing request_id")
	}
}

func TestStatusLineReflectsTerminalResult(t *testing.T) {
	record := &model.ApprovalRequest{
		Status: model.StatusExecutedOK,
		Result: "done",
	}
	got := statusLine(record)
	if got != "status=executed_ok result=done" {
		t.Errorf("unexpected status line: %q", got)
	}
}
