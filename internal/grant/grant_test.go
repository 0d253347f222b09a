package grant

import (
	"context"
	"testing"
	"time"

	"github.com/bgdnvk/bouncer/internal/model"
	"github.com/bgdnvk/bouncer/internal/rules"
)

type fakeGrantStore struct {
	sessions map[string]*model.GrantSession
}

func newFakeGrantStore() *fakeGrantStore {
	return &fakeGrantStore{sessions: map[string]*model.GrantSession{}}
}

func (s *fakeGrantStore) Create(ctx context.Context, session *model.GrantSession) error {
	s.sessions[session.GrantID] = session
	return nil
}

func (s *fakeGrantStore) Get(ctx context.Context, grantID string) (*model.GrantSession, error) {
	return s.sessions[grantID], nil
}

func (s *fakeGrantStore) Approve(ctx context.Context, grantID string, entries []model.GrantEntry, now time.Time) (*model.GrantSession, error) {
	session := s.sessions[grantID]
	session.Entries = entries
	session.Status = model.GrantApproved
	approvedAt := now
	session.ApprovedAt = &approvedAt
	session.ExpiresAt = now.Add(time.Duration(session.TTLMinutes) * time.Minute)
	return session, nil
}

func (s *fakeGrantStore) Deny(ctx context.Context, grantID string) error {
	s.sessions[grantID].Status = model.GrantDenied
	return nil
}

func (s *fakeGrantStore) Revoke(ctx context.Context, grantID string) error {
	s.sessions[grantID].Status = model.GrantRevoked
	return nil
}

func (s *fakeGrantStore) ConsumeExecution(ctx context.Context, grantID string, entryIndex int, now time.Time) (*model.GrantSession, error) {
	session := s.sessions[grantID]
	if session.ExecutionsUsed >= session.MaxExecutions {
		return nil, ErrBudgetExhausted
	}
	session.ExecutionsUsed++
	if !session.AllowRepeat {
		session.Entries[entryIndex].Consumed = true
	}
	return session, nil
}

func testGrantManager() (*Manager, *fakeGrantStore) {
	store := newFakeGrantStore()
	n := 0
	idGen := func() string {
		n++
		return "grant_test"
	}
	return NewManager(store, rules.Defaults(), Config{TTLMaxMinutes: 60, MaxCommands: 20, MaxExecutions: 50}, idGen), store
}

func TestRequestRejectsBlocked(t *testing.T) {
	m, _ := testGrantManager()
	_, err := m.Request(context.Background(), []string{
		"aws s3 ls s3://x",
		"aws ec2 describe-instances",
		"aws iam create-user --user-name y",
	}, "reason", "bot-A", "bot-A", "acct-A", 30, true, nil)
	if err != ErrContainsBlocked {
		t.Errorf("expected ErrContainsBlocked, got %v", err)
	}
}

func TestRequestSucceedsAndMarksDangerous(t *testing.T) {
	m, _ := testGrantManager()
	session, err := m.Request(context.Background(), []string{
		"aws s3 ls s3://x",
		"aws ec2 terminate-instances --instance-ids i-1",
	}, "reason", "bot-A", "bot-A", "acct-A", 30, true, nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if session.Status != model.GrantPending {
		t.Errorf("expected pending status, got %s", session.Status)
	}
	if !session.Entries[1].RequiresIndividual {
		t.Error("expected the terminate-instances entry to require individual approval")
	}
}

func TestRequestRejectsTTLTooLong(t *testing.T) {
	m, _ := testGrantManager()
	_, err := m.Request(context.Background(), []string{"aws s3 ls s3://x"}, "r", "bot-A", "bot-A", "acct-A", 90, true, nil)
	if err != ErrTTLTooLong {
		t.Errorf("expected ErrTTLTooLong, got %v", err)
	}
}

func TestApproveSafeOnlyExcludesDangerous(t *testing.T) {
	m, _ := testGrantManager()
	session, _ := m.Request(context.Background(), []string{
		"aws s3 ls s3://x",
		"aws ec2 terminate-instances --instance-ids i-1",
	}, "r", "bot-A", "bot-A", "acct-A", 30, true, nil)

	approved, err := m.ApproveSafeOnly(context.Background(), session.GrantID, time.Now())
	if err != nil {
		t.Fatalf("ApproveSafeOnly: %v", err)
	}
	if len(approved.Entries) != 1 {
		t.Errorf("expected only the safe entry to remain, got %d entries", len(approved.Entries))
	}
}

func TestExecuteMatchesAndIncrementsBudget(t *testing.T) {
	m, _ := testGrantManager()
	session, _ := m.Request(context.Background(), []string{"aws s3 ls s3://x"}, "r", "bot-A", "bot-A", "acct-A", 30, true, nil)
	now := time.Now()
	m.ApproveAll(context.Background(), session.GrantID, now)

	result, err := m.Execute(context.Background(), session.GrantID, "aws s3 ls s3://x", now)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.ExecutionsUsed != 1 {
		t.Errorf("expected executions_used=1, got %d", result.ExecutionsUsed)
	}
}

func TestExecuteNotInGrantFails(t *testing.T) {
	m, _ := testGrantManager()
	session, _ := m.Request(context.Background(), []string{"aws s3 ls s3://x"}, "r", "bot-A", "bot-A", "acct-A", 30, true, nil)
	now := time.Now()
	m.ApproveAll(context.Background(), session.GrantID, now)

	_, err := m.Execute(context.Background(), session.GrantID, "aws s3 cp a b", now)
	if err != ErrCommandNotInGrant {
		t.Errorf("expected ErrCommandNotInGrant, got %v", err)
	}
}

func TestExecuteWithoutAllowRepeatConsumesEntry(t *testing.T) {
	m, store := testGrantManager()
	session, _ := m.Request(context.Background(), []string{"aws s3 ls s3://x"}, "r", "bot-A", "bot-A", "acct-A", 30, false, nil)
	now := time.Now()
	m.ApproveAll(context.Background(), session.GrantID, now)

	if _, err := m.Execute(context.Background(), session.GrantID, "aws s3 ls s3://x", now); err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	if _, err := m.Execute(context.Background(), session.GrantID, "aws s3 ls s3://x", now); err != ErrEntryAlreadyUsed {
		t.Errorf("expected ErrEntryAlreadyUsed on repeat without allow_repeat, got %v", err)
	}
	if !store.sessions[session.GrantID].Entries[0].Consumed {
		t.Error("expected the entry to be marked consumed")
	}
}
