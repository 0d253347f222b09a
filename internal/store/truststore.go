package store

import (
	"context"
	"sync"
	"time"

	"github.com/bgdnvk/bouncer/internal/model"
	"github.com/bgdnvk/bouncer/internal/trust"
)

// MemTrustStore is an in-process trust.Store implementation, kept separate
// from MemStore for the same reason as MemGrantStore: ActiveSession's
// signature collides with nothing here, but Revoke would collide across a
// shared receiver if grant and trust sessions ever lived in one type.
type MemTrustStore struct {
	mu       sync.Mutex
	byScope  map[string]*model.TrustSession // "trustScope|accountID" -> active session
	sessions map[string]*model.TrustSession // trustID -> session
}

func NewMemTrustStore() *MemTrustStore {
	return &MemTrustStore{
		byScope:  map[string]*model.TrustSession{},
		sessions: map[string]*model.TrustSession{},
	}
}

func trustScopeKey(trustScope, accountID string) string {
	return trustScope + "|" + accountID
}

// ActiveSession returns (nil, nil) when no session exists for the scope
// pair: trust.Manager.Begin and ActiveSessionID both treat a store error
// here as fatal and "no session" as their ordinary not-yet-started case, so
// this is one of the few store lookups in the codebase that is not an
// ErrNotFound-returning Get.
func (m *MemTrustStore) ActiveSession(ctx context.Context, trustScope, accountID string) (*model.TrustSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byScope[trustScopeKey(trustScope, accountID)]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

// CreateSession fails if an active session already exists for the scope
// pair, per the single-active-session-per-scope invariant.
func (m *MemTrustStore) CreateSession(ctx context.Context, session *model.TrustSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := trustScopeKey(session.TrustScope, session.AccountID)
	if existing, ok := m.byScope[key]; ok && existing.Active(session.CreatedAt) {
		return ErrConflict
	}
	cp := *session
	m.sessions[session.TrustID] = &cp
	m.byScope[key] = &cp
	return nil
}

// CheckAndConsume verifies the session is active and has budget for kind,
// then increments the matching counter, in one locked operation.
func (m *MemTrustStore) CheckAndConsume(ctx context.Context, trustID string, kind trust.BudgetKind, amount int64, now time.Time) (*model.TrustSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[trustID]
	if !ok {
		return nil, ErrNotFound
	}
	if !s.Active(now) {
		return nil, ErrConflict
	}

	switch kind {
	case trust.BudgetCommands:
		if int64(s.CommandsUsed)+amount > int64(s.CommandsMax) {
			return nil, ErrConflict
		}
		s.CommandsUsed += int(amount)
	case trust.BudgetUploads:
		if int64(s.UploadsUsed)+amount > int64(s.UploadsMax) {
			return nil, ErrConflict
		}
		s.UploadsUsed += int(amount)
	case trust.BudgetBytes:
		if s.BytesUsed+amount > s.BytesMax {
			return nil, ErrConflict
		}
		s.BytesUsed += amount
	}

	cp := *s
	return &cp, nil
}

func (m *MemTrustStore) Revoke(ctx context.Context, trustID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[trustID]
	if !ok {
		return ErrNotFound
	}
	s.Status = model.TrustRevoked
	return nil
}
