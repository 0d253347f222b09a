// Package grant implements the pre-approved fixed-command-set envelope: a
// caller requests a bounded set of exact or templated commands, an approver
// accepts all or only the safe subset, and the caller then executes against
// the approved set until its budget or TTL runs out. Creation is merged with
// the classifier so a grant can never smuggle a BLOCKED command past the
// pipeline it is meant to shortcut.
package grant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bgdnvk/bouncer/internal/classifier"
	"github.com/bgdnvk/bouncer/internal/model"
	"github.com/bgdnvk/bouncer/internal/normalize"
	"github.com/bgdnvk/bouncer/internal/rules"
)

var (
	ErrContainsBlocked    = errors.New("grant: request contains a BLOCKED command")
	ErrContainsCritical   = errors.New("grant: request contains a CRITICAL-compliance command")
	ErrGrantNotActive     = errors.New("grant: session is not approved or has expired")
	ErrBudgetExhausted    = errors.New("grant: max_executions reached")
	ErrCommandNotInGrant  = errors.New("grant: command not in authorized set")
	ErrEntryAlreadyUsed   = errors.New("grant: authorized entry already consumed")
	ErrTTLTooLong         = errors.New("grant: ttl_minutes exceeds the configured maximum")
)

// Store is the durable backend for GrantSessions. Execute's budget and
// consumed-entry updates must each be a single conditional store operation,
// the same constraint / impose on trust budgets.
type Store interface {
	Create(ctx context.Context, session *model.GrantSession) error
	Get(ctx context.Context, grantID string) (*model.GrantSession, error)
	// Approve transitions a pending grant to approved, optionally narrowing
	// Entries to the safe-only subset, and starts the TTL clock.
	Approve(ctx context.Context, grantID string, entries []model.GrantEntry, now time.Time) (*model.GrantSession, error)
	Deny(ctx context.Context, grantID string) error
	Revoke(ctx context.Context, grantID string) error
	// ConsumeExecution atomically checks budget/active/entry-not-consumed and
	// applies the execution in one store operation.
	ConsumeExecution(ctx context.Context, grantID string, entryIndex int, now time.Time) (*model.GrantSession, error)
}

// Manager implements Request/Execute contract.
type Manager struct {
	store        Store
	tables       *rules.Tables
	idGen        func() string
	ttlMaxMinutes int
	maxCommands  int
	maxExecutions int
}

// Config carries the defaults enumerates (grant_ttl_max_minutes,
// grant_max_commands, grant_max_executions).
type Config struct {
	TTLMaxMinutes int
	MaxCommands   int
	MaxExecutions int
}

func NewManager(store Store, tables *rules.Tables, cfg Config, idGen func() string) *Manager {
	return &Manager{
		store:         store,
		tables:        tables,
		idGen:         idGen,
		ttlMaxMinutes: cfg.TTLMaxMinutes,
		maxCommands:   cfg.MaxCommands,
		maxExecutions: cfg.MaxExecutions,
	}
}

// Request classifies every requested command, rejects the whole request if
// any is BLOCKED or CRITICAL-compliance, and otherwise creates a pending
// GrantSession with DANGEROUS commands marked requires_individual.
func (m *Manager) Request(ctx context.Context, commands []string, reason, source, trustScope, accountID string, ttlMinutes int, allowRepeat bool, complianceCheck func(command string) (highestSeverity string)) (*model.GrantSession, error) {
	if ttlMinutes > m.ttlMaxMinutes {
		return nil, ErrTTLTooLong
	}
	if len(commands) > m.maxCommands {
		return nil, fmt.Errorf("grant: %d commands exceeds max %d", len(commands), m.maxCommands)
	}

	entries := make([]model.GrantEntry, 0, len(commands))
	for _, raw := range commands {
		argv, err := normalize.Normalize(raw)
		if err != nil {
			return nil, fmt.Errorf("grant: normalize %q: %w", raw, err)
		}
		normalized := normalize.Rejoin(argv)

		class := classifier.Classify(argv, m.tables)
		if class.Class == classifier.Blocked {
			return nil, ErrContainsBlocked
		}
		if complianceCheck != nil && complianceCheck(normalized) == "CRITICAL" {
			return nil, ErrContainsCritical
		}

		compiled, err := CompilePattern(normalized)
		if err != nil {
			return nil, fmt.Errorf("grant: pattern %q: %w", normalized, err)
		}

		entries = append(entries, model.GrantEntry{
			Pattern:            compiled.Source,
			IsPattern:          compiled.IsPattern,
			RequiresIndividual: class.Class == classifier.Dangerous,
		})
	}

	session := &model.GrantSession{
		GrantID:    m.idGen(),
		Source:     source,
		TrustScope: trustScope,
		AccountID:  accountID,
		Entries:    entries,
		Status:     model.GrantPending,
		TTLMinutes: ttlMinutes,
		MaxExecutions: m.maxExecutions,
		AllowRepeat:   allowRepeat,
		Reason:        reason,
		CreatedAt:     time.Now(),
	}
	if err := m.store.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("grant: create: %w", err)
	}
	return session, nil
}

// Get returns a grant session by id, for callers (the HTTP surface's grant
// index, status endpoints) that need to read current state without driving
// a transition.
func (m *Manager) Get(ctx context.Context, grantID string) (*model.GrantSession, error) {
	return m.store.Get(ctx, grantID)
}

// ApproveAll approves every entry in the request.
func (m *Manager) ApproveAll(ctx context.Context, grantID string, now time.Time) (*model.GrantSession, error) {
	session, err := m.store.Get(ctx, grantID)
	if err != nil {
		return nil, err
	}
	return m.store.Approve(ctx, grantID, session.Entries, now)
}

// ApproveSafeOnly approves only the entries not marked requires_individual.
func (m *Manager) ApproveSafeOnly(ctx context.Context, grantID string, now time.Time) (*model.GrantSession, error) {
	session, err := m.store.Get(ctx, grantID)
	if err != nil {
		return nil, err
	}
	safe := make([]model.GrantEntry, 0, len(session.Entries))
	for _, e := range session.Entries {
		if !e.RequiresIndividual {
			safe = append(safe, e)
		}
	}
	return m.store.Approve(ctx, grantID, safe, now)
}

// Deny denies the grant request outright.
func (m *Manager) Deny(ctx context.Context, grantID string) error {
	return m.store.Deny(ctx, grantID)
}

// Revoke revokes an approved grant.
func (m *Manager) Revoke(ctx context.Context, grantID string) error {
	return m.store.Revoke(ctx, grantID)
}

// Execute normalizes command, matches it against grantID's authorized set,
// and — if matched, the session is active, and budget remains — atomically
// consumes one execution via the store.
func (m *Manager) Execute(ctx context.Context, grantID, command string, now time.Time) (*model.GrantSession, error) {
	session, err := m.store.Get(ctx, grantID)
	if err != nil {
		return nil, err
	}
	if !session.Active(now) {
		return nil, ErrGrantNotActive
	}
	if session.ExecutionsUsed >= session.MaxExecutions {
		return nil, ErrBudgetExhausted
	}

	argv, err := normalize.Normalize(command)
	if err != nil {
		return nil, fmt.Errorf("grant: normalize %q: %w", command, err)
	}
	normalized := normalize.Rejoin(argv)

	idx, entry, err := matchEntry(session.Entries, normalized)
	if err != nil {
		return nil, err
	}
	if entry.Consumed {
		return nil, ErrEntryAlreadyUsed
	}

	return m.store.ConsumeExecution(ctx, grantID, idx, now)
}

func matchEntry(entries []model.GrantEntry, normalized string) (int, *model.GrantEntry, error) {
	for i := range entries {
		compiled, err := CompilePattern(entries[i].Pattern)
		if err != nil {
			continue
		}
		if compiled.Matches(normalized) {
			return i, &entries[i], nil
		}
	}
	return -1, nil, ErrCommandNotInGrant
}
