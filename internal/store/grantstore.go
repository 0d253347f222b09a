package store

import (
	"context"
	"sync"
	"time"

	"github.com/bgdnvk/bouncer/internal/model"
)

// MemGrantStore is an in-process grant.Store implementation. It is a
// separate type from MemStore (rather than another method set on it)
// because grant.Store and RequestStore both declare a Get method with a
// different signature; Go cannot resolve that on a single receiver type.
type MemGrantStore struct {
	mu       sync.Mutex
	sessions map[string]*model.GrantSession
}

func NewMemGrantStore() *MemGrantStore {
	return &MemGrantStore{sessions: map[string]*model.GrantSession{}}
}

func (m *MemGrantStore) Create(ctx context.Context, session *model.GrantSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[session.GrantID]; exists {
		return ErrAlreadyExists
	}
	cp := *session
	m.sessions[session.GrantID] = &cp
	return nil
}

func (m *MemGrantStore) Get(ctx context.Context, grantID string) (*model.GrantSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.sessions[grantID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *MemGrantStore) Approve(ctx context.Context, grantID string, entries []model.GrantEntry, now time.Time) (*model.GrantSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.sessions[grantID]
	if !ok {
		return nil, ErrNotFound
	}
	if g.Status != model.GrantPending {
		return nil, ErrConflict
	}
	g.Status = model.GrantApproved
	g.Entries = entries
	approvedAt := now
	g.ApprovedAt = &approvedAt
	g.ExpiresAt = now.Add(time.Duration(g.TTLMinutes) * time.Minute)
	cp := *g
	return &cp, nil
}

func (m *MemGrantStore) Deny(ctx context.Context, grantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.sessions[grantID]
	if !ok {
		return ErrNotFound
	}
	if g.Status != model.GrantPending {
		return ErrConflict
	}
	g.Status = model.GrantDenied
	return nil
}

func (m *MemGrantStore) Revoke(ctx context.Context, grantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.sessions[grantID]
	if !ok {
		return ErrNotFound
	}
	g.Status = model.GrantRevoked
	return nil
}

// ConsumeExecution atomically validates the grant is active, has budget and
// an unconsumed matching entry, then marks it consumed and bumps the usage
// counter, in the single store operation grant.Store's contract requires.
func (m *MemGrantStore) ConsumeExecution(ctx context.Context, grantID string, entryIndex int, now time.Time) (*model.GrantSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.sessions[grantID]
	if !ok {
		return nil, ErrNotFound
	}
	if !g.Active(now) {
		return nil, ErrConflict
	}
	if entryIndex < 0 || entryIndex >= len(g.Entries) {
		return nil, ErrConflict
	}
	if g.Entries[entryIndex].Consumed {
		return nil, ErrConflict
	}
	if g.ExecutionsUsed >= g.MaxExecutions {
		return nil, ErrConflict
	}
	if !g.AllowRepeat {
		g.Entries[entryIndex].Consumed = true
	}
	g.ExecutionsUsed++
	cp := *g
	return &cp, nil
}
