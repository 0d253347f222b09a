package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/bgdnvk/bouncer/internal/grant"
	"github.com/bgdnvk/bouncer/internal/model"
	"github.com/bgdnvk/bouncer/internal/rules"
	"github.com/bgdnvk/bouncer/internal/store"
	"github.com/bgdnvk/bouncer/internal/trust"
)

type fakeExecutor struct {
	result   string
	exitCode int
}

func (f fakeExecutor) Execute(ctx context.Context, command, accountID string) (string, int, time.Duration, error) {
	return f.result, f.exitCode, time.Millisecond, nil
}

type memTrustStore struct {
	sessions map[string]*model.TrustSession
	active   map[string]string
}

func newMemTrustStore() *memTrustStore {
	return &memTrustStore{sessions: map[string]*model.TrustSession{}, active: map[string]string{}}
}

func (s *memTrustStore) ActiveSession(ctx context.Context, trustScope, accountID string) (*model.TrustSession, error) {
	id, ok := s.active[trustScope+"|"+accountID]
	if !ok {
		return nil, nil
	}
	return s.sessions[id], nil
}
func (s *memTrustStore) CreateSession(ctx context.Context, session *model.TrustSession) error {
	s.sessions[session.TrustID] = session
	s.active[session.TrustScope+"|"+session.AccountID] = session.TrustID
	return nil
}
func (s *memTrustStore) CheckAndConsume(ctx context.Context, trustID string, kind trust.BudgetKind, amount int64, now time.Time) (*model.TrustSession, error) {
	session, ok := s.sessions[trustID]
	if !ok || !session.Active(now) {
		return nil, trust.ErrNoActiveSession
	}
	session.CommandsUsed += int(amount)
	return session, nil
}
func (s *memTrustStore) Revoke(ctx context.Context, trustID string) error {
	if session, ok := s.sessions[trustID]; ok {
		session.Status = model.TrustRevoked
	}
	return nil
}

type memGrantStore struct {
	sessions map[string]*model.GrantSession
}

func newMemGrantStore() *memGrantStore { return &memGrantStore{sessions: map[string]*model.GrantSession{}} }

func (s *memGrantStore) Create(ctx context.Context, session *model.GrantSession) error {
	s.sessions[session.GrantID] = session
	return nil
}
func (s *memGrantStore) Get(ctx context.Context, grantID string) (*model.GrantSession, error) {
	return s.sessions[grantID], nil
}
func (s *memGrantStore) Approve(ctx context.Context, grantID string, entries []model.GrantEntry, now time.Time) (*model.GrantSession, error) {
	session := s.sessions[grantID]
	session.Entries = entries
	session.Status = model.GrantApproved
	return session, nil
}
func (s *memGrantStore) Deny(ctx context.Context, grantID string) error {
	s.sessions[grantID].Status = model.GrantDenied
	return nil
}
func (s *memGrantStore) Revoke(ctx context.Context, grantID string) error {
	s.sessions[grantID].Status = model.GrantRevoked
	return nil
}
func (s *memGrantStore) ConsumeExecution(ctx context.Context, grantID string, entryIndex int, now time.Time) (*model.GrantSession, error) {
	return s.sessions[grantID], nil
}

func newTestDispatcher(t *testing.T, exec Executor) (*Dispatcher, store.RequestStore) {
	t.Helper()
	requests := store.NewMemStore()
	trustMgr := trust.NewManager(newMemTrustStore(), trust.Config{TTL: 10 * time.Minute, CommandsMax: 5}, func() string { return "trust_1" })
	grantMgr := grant.NewManager(newMemGrantStore(), rules.Defaults(), grant.Config{TTLMaxMinutes: 60, MaxCommands: 20, MaxExecutions: 50}, func() string { return "grant_1" })

	d := New(requests, requests, requests, rules.Defaults(), trustMgr, grantMgr, exec, nil, nil, Config{
		ApproverWhitelist: []string{"alice"},
	})
	return d, requests
}

func pendingRecord(id string) *model.ApprovalRequest {
	return &model.ApprovalRequest{
		RequestID: id,
		Kind:      model.ActionExecute,
		Status:    model.StatusPending,
		Command:   "aws ec2 terminate-instances --instance-ids i-1",
		Source:    "bot-A",
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func TestDispatchRejectsUnauthorizedApprover(t *testing.T) {
	d, requests := newTestDispatcher(t, fakeExecutor{result: "ok"})
	record := pendingRecord("req-1")
	if err := requests.Put(context.Background(), record); err != nil {
		t.Fatalf("put: %v", err)
	}

	outcome, err := d.Dispatch(context.Background(), Event{Kind: KindCmdApprove, RequestID: "req-1", ApproverID: "mallory"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Toast != "not authorized" {
		t.Errorf("expected not authorized toast, got %+v", outcome)
	}
}

func TestDispatchApprovesAndExecutes(t *testing.T) {
	d, requests := newTestDispatcher(t, fakeExecutor{result: "done", exitCode: 0})
	record := pendingRecord("req-2")
	if err := requests.Put(context.Background(), record); err != nil {
		t.Fatalf("put: %v", err)
	}

	outcome, err := d.Dispatch(context.Background(), Event{Kind: KindCmdApprove, RequestID: "req-2", ApproverID: "alice"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.EditedText == "" {
		t.Error("expected non-empty edited text")
	}

	final, err := requests.Get(context.Background(), "req-2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != model.StatusExecutedOK {
		t.Errorf("expected executed_ok, got %s", final.Status)
	}
}

func TestDispatchDeniesPendingRequest(t *testing.T) {
	d, requests := newTestDispatcher(t, fakeExecutor{})
	record := pendingRecord("req-3")
	if err := requests.Put(context.Background(), record); err != nil {
		t.Fatalf("put: %v", err)
	}

	if _, err := d.Dispatch(context.Background(), Event{Kind: KindCmdDeny, RequestID: "req-3", ApproverID: "alice"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	final, err := requests.Get(context.Background(), "req-3")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != model.StatusDenied {
		t.Errorf("expected denied, got %s", final.Status)
	}
}

func TestDispatchSecondCallbackIsAlreadyHandled(t *testing.T) {
	d, requests := newTestDispatcher(t, fakeExecutor{result: "ok"})
	record := pendingRecord("req-4")
	if err := requests.Put(context.Background(), record); err != nil {
		t.Fatalf("put: %v", err)
	}

	if _, err := d.Dispatch(context.Background(), Event{Kind: KindCmdApprove, RequestID: "req-4", ApproverID: "alice"}); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}

	outcome, err := d.Dispatch(context.Background(), Event{Kind: KindCmdDeny, RequestID: "req-4", ApproverID: "alice"})
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if outcome.Toast != "already handled" {
		t.Errorf("expected already handled toast, got %+v", outcome)
	}
}

func TestDispatchAccountAddApprovePutsAccount(t *testing.T) {
	d, requests := newTestDispatcher(t, fakeExecutor{})
	record := &model.ApprovalRequest{
		RequestID:   "req-6",
		Kind:        model.ActionAddAccount,
		Status:      model.StatusPending,
		Source:      "bot-A",
		AccountSpec: &model.Account{AccountID: "acct-new", DisplayName: "New Account"},
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	if err := requests.Put(context.Background(), record); err != nil {
		t.Fatalf("put: %v", err)
	}

	if _, err := d.Dispatch(context.Background(), Event{Kind: KindAccountAddApprove, RequestID: "req-6", ApproverID: "alice"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	final, err := requests.Get(context.Background(), "req-6")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != model.StatusExecutedOK {
		t.Errorf("expected executed_ok, got %s", final.Status)
	}

	account, err := requests.GetAccount(context.Background(), "acct-new")
	if err != nil {
		t.Fatalf("expected account to be created: %v", err)
	}
	if account.DisplayName != "New Account" {
		t.Errorf("unexpected account display name: %s", account.DisplayName)
	}
}

func TestDispatchExpiredRequestTransitionsToExpired(t *testing.T) {
	d, requests := newTestDispatcher(t, fakeExecutor{})
	record := pendingRecord("req-5")
	record.ExpiresAt = time.Now().Add(-time.Minute)
	if err := requests.Put(context.Background(), record); err != nil {
		t.Fatalf("put: %v", err)
	}

	if _, err := d.Dispatch(context.Background(), Event{Kind: KindCmdApprove, RequestID: "req-5", ApproverID: "alice"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	final, err := requests.Get(context.Background(), "req-5")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != model.StatusExpired {
		t.Errorf("expected expired, got %s", final.Status)
	}
}
