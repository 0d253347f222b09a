package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/bgdnvk/bouncer/internal/grant"
	"github.com/bgdnvk/bouncer/internal/model"
	"github.com/bgdnvk/bouncer/internal/ratelimit"
	"github.com/bgdnvk/bouncer/internal/rules"
	"github.com/bgdnvk/bouncer/internal/store"
	"github.com/bgdnvk/bouncer/internal/trust"
)

type unlimitedRateStore struct{}

func (unlimitedRateStore) IncrementWindow(ctx context.Context, source string, windowStart time.Time) (int, error) {
	return 1, nil
}

type exhaustedRateStore struct{}

func (exhaustedRateStore) IncrementWindow(ctx context.Context, source string, windowStart time.Time) (int, error) {
	return 1000, nil
}

type fakeExecutor struct{}

func (fakeExecutor) Execute(ctx context.Context, command, accountID string) (string, int, time.Duration, error) {
	return "ok", 0, time.Millisecond, nil
}

type memTrustStore struct {
	sessions map[string]*model.TrustSession
	active   map[string]string // "scope|account" -> trust_id
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
	if kind == trust.BudgetCommands {
		if session.CommandsUsed+int(amount) > session.CommandsMax {
			return nil, trust.ErrBudgetExhausted
		}
		session.CommandsUsed += int(amount)
	}
	return session, nil
}

func (s *memTrustStore) Revoke(ctx context.Context, trustID string) error {
	if session, ok := s.sessions[trustID]; ok {
		session.Status = model.TrustRevoked
	}
	return nil
}

func newTestPipeline(t *testing.T, rateStore ratelimit.Store) (*Pipeline, store.RequestStore, *trust.Manager) {
	t.Helper()
	requests := store.NewMemStore()
	limiter := ratelimit.New(rateStore, time.Minute, 100)
	trustStore := newMemTrustStore()
	trustMgr := trust.NewManager(trustStore, trust.Config{TTL: 10 * time.Minute, CommandsMax: 3}, func() string { return "trust_test" })
	grantMgr := grant.NewManager(newNoopGrantStore(), rules.Defaults(), grant.Config{TTLMaxMinutes: 60, MaxCommands: 20, MaxExecutions: 50}, func() string { return "grant_test" })

	p := New(requests, requests, rules.Defaults(), limiter, trustMgr, grantMgr, nil, fakeExecutor{}, nil, Config{
		DefaultTTL: 5 * time.Minute,
	})
	return p, requests, trustMgr
}

type noopGrantStore struct{}

func newNoopGrantStore() *noopGrantStore { return &noopGrantStore{} }
func (noopGrantStore) Create(ctx context.Context, session *model.GrantSession) error { return nil }
func (noopGrantStore) Get(ctx context.Context, grantID string) (*model.GrantSession, error) {
	return nil, nil
}
func (noopGrantStore) Approve(ctx context.Context, grantID string, entries []model.GrantEntry, now time.Time) (*model.GrantSession, error) {
	return nil, nil
}
func (noopGrantStore) Deny(ctx context.Context, grantID string) error  { return nil }
func (noopGrantStore) Revoke(ctx context.Context, grantID string) error { return nil }
func (noopGrantStore) ConsumeExecution(ctx context.Context, grantID string, entryIndex int, now time.Time) (*model.GrantSession, error) {
	return nil, nil
}

func TestAdmitSafelistAutoApproves(t *testing.T) {
	p, _, _ := newTestPipeline(t, unlimitedRateStore{})
	record, err := p.Admit(context.Background(), AdmitInput{
		Command: "aws s3 ls s3://bucket", Reason: "check", Source: "bot-A",
	})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if record.Status != model.StatusExecutedOK {
		t.Errorf("expected executed_ok, got %s", record.Status)
	}
	if record.DecisionType != model.DecisionSafelist {
		t.Errorf("expected safelist decision, got %s", record.DecisionType)
	}
}

func TestAdmitBlockedShortCircuits(t *testing.T) {
	p, _, _ := newTestPipeline(t, unlimitedRateStore{})
	record, err := p.Admit(context.Background(), AdmitInput{
		Command: "aws iam create-user --user-name evil", Reason: "test", Source: "bot-A",
	})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if record.Status != model.StatusBlocked {
		t.Errorf("expected blocked, got %s", record.Status)
	}
}

func TestAdmitRateLimited(t *testing.T) {
	p, _, _ := newTestPipeline(t, exhaustedRateStore{})
	record, err := p.Admit(context.Background(), AdmitInput{
		Command: "aws ec2 terminate-instances --instance-ids i-1", Reason: "test", Source: "bot-A",
	})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if record.Status != model.StatusRateLimited {
		t.Errorf("expected rate_limited, got %s", record.Status)
	}
}

func TestAdmitDangerousFallsThroughToPending(t *testing.T) {
	p, _, _ := newTestPipeline(t, unlimitedRateStore{})
	record, err := p.Admit(context.Background(), AdmitInput{
		Command: "aws ec2 terminate-instances --instance-ids i-1", Reason: "test", Source: "bot-A", TrustScope: "bot-A", AccountID: "acct-A",
	})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if record.Status != model.StatusPending {
		t.Errorf("expected pending for a dangerous command with no grant/trust, got %s", record.Status)
	}
}

func TestAdmitTrustAutoApproves(t *testing.T) {
	p, _, trustMgr := newTestPipeline(t, unlimitedRateStore{})
	ctx := context.Background()
	now := time.Now()
	if _, err := trustMgr.Begin(ctx, "bot-A", "acct-A", now); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	record, err := p.Admit(ctx, AdmitInput{
		Command: "aws ec2 run-instances --image-id ami-1", Reason: "check", Source: "bot-A",
		TrustScope: "bot-A", AccountID: "acct-A",
	})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if record.DecisionType != model.DecisionTrust {
		t.Errorf("expected trust decision, got %s (%s)", record.DecisionType, record.Status)
	}
}

func TestAdmitIdempotentReplayReturnsExistingRecord(t *testing.T) {
	p, _, _ := newTestPipeline(t, unlimitedRateStore{})
	ctx := context.Background()
	in := AdmitInput{Command: "aws s3 ls s3://bucket", Reason: "check", Source: "bot-A", IdempotencyKey: "key-1"}

	first, err := p.Admit(ctx, in)
	if err != nil {
		t.Fatalf("first Admit: %v", err)
	}
	second, err := p.Admit(ctx, in)
	if err != nil {
		t.Fatalf("second Admit: %v", err)
	}
	if second.RequestID != first.RequestID {
		t.Errorf("expected replay to return the same request_id, got %s vs %s", second.RequestID, first.RequestID)
	}
}
