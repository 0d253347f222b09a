package store

import (
	"context"
	"sync"
	"time"

	"github.com/bgdnvk/bouncer/internal/model"
)

// MemStore is an in-process RequestStore/PageStore/AuditStore/AccountStore
// implementation. It backs the `memory` store driver of `bouncer serve`, the
// rate-limit windows of every driver, and the tests; the mutex it serializes every operation under is exactly the
// conditional-update discipline demands of a real database, just enforced by
// a lock instead of a WHERE clause.
type MemStore struct {
	mu               sync.Mutex
	records          map[string]*model.ApprovalRequest
	idempotencyIndex map[string]string // "source|key" -> request_id
	pages            map[string]pageEntry
	audit            []*model.AuditEntry
	accounts         map[string]*model.Account

	rate *rateWindow
}

type pageEntry struct {
	content   string
	expiresAt time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		records:          map[string]*model.ApprovalRequest{},
		idempotencyIndex: map[string]string{},
		pages:            map[string]pageEntry{},
		accounts:         map[string]*model.Account{},
		rate:             newRateWindow(),
	}
}

func (m *MemStore) Put(ctx context.Context, record *model.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[record.RequestID]; exists {
		return ErrAlreadyExists
	}
	cp := *record
	m.records[record.RequestID] = &cp
	if record.IdempotencyKey != "" {
		m.idempotencyIndex[record.Source+"|"+record.IdempotencyKey] = record.RequestID
	}
	return nil
}

func (m *MemStore) Get(ctx context.Context, requestID string) (*model.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemStore) GetByIdempotencyKey(ctx context.Context, source, key string) (*model.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.idempotencyIndex[source+"|"+key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.records[id]
	return &cp, nil
}

func (m *MemStore) Transition(ctx context.Context, requestID string, fromStatus model.Status, patch Patch) (*model.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != fromStatus {
		return nil, ErrConflict
	}

	r.Status = patch.Status
	if patch.Result != nil {
		r.Result = *patch.Result
	}
	if patch.ExitCode != nil {
		r.ExitCode = patch.ExitCode
	}
	if patch.ExecutionTime != nil {
		r.ExecutionTime = *patch.ExecutionTime
	}
	if patch.MessageID != nil {
		r.MessageID = *patch.MessageID
	}
	if patch.DecisionType != nil {
		r.DecisionType = *patch.DecisionType
	}
	if patch.ApproverID != nil {
		r.ApproverID = *patch.ApproverID
	}
	if patch.LatencyMS != nil {
		r.LatencyMS = *patch.LatencyMS
	}
	if !patch.UpdatedAt.IsZero() {
		r.UpdatedAt = patch.UpdatedAt
	}

	cp := *r
	return &cp, nil
}

func (m *MemStore) ListPending(ctx context.Context, source string, limit int) ([]*model.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listPendingLocked(func(r *model.ApprovalRequest) bool {
		return source == "" || r.Source == source
	}, limit), nil
}

func (m *MemStore) ListPendingByTrustScope(ctx context.Context, trustScope, accountID string, limit int) ([]*model.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listPendingLocked(func(r *model.ApprovalRequest) bool {
		return r.TrustScope == trustScope && r.AccountID == accountID
	}, limit), nil
}

// listPendingLocked must be called with mu held.
func (m *MemStore) listPendingLocked(match func(*model.ApprovalRequest) bool, limit int) []*model.ApprovalRequest {
	var out []*model.ApprovalRequest
	for _, r := range m.records {
		if r.Status == model.StatusPending && match(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	// Insertion sort by CreatedAt ascending — the candidate set is small
	// (bounded pending volume per source/scope), so this avoids pulling in
	// sort.Slice for a handful of elements.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt.Before(out[j-1].CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemStore) PutPage(ctx context.Context, pageID string, content string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[pageID] = pageEntry{content: content, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (m *MemStore) GetPage(ctx context.Context, pageID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pages[pageID]
	if !ok || time.Now().After(p.expiresAt) {
		return "", ErrNotFound
	}
	return p.content, nil
}

func (m *MemStore) Append(ctx context.Context, entry *model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.audit = append(m.audit, &cp)
	return nil
}

func (m *MemStore) Tail(ctx context.Context, n int) ([]*model.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > len(m.audit) {
		n = len(m.audit)
	}
	start := len(m.audit) - n
	out := make([]*model.AuditEntry, n)
	copy(out, m.audit[start:])
	return out, nil
}

func (m *MemStore) PutAccount(ctx context.Context, account *model.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *account
	m.accounts[account.AccountID] = &cp
	return nil
}

func (m *MemStore) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemStore) DeleteAccount(ctx context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.accounts, accountID)
	return nil
}

func (m *MemStore) ListAccounts(ctx context.Context) ([]*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}
