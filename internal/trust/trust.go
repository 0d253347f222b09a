// Package trust implements the short-lived "auto-approve further commands
// from this caller" envelope. Budget consumption is delegated entirely to
// the Store: this package never reads a count and writes an increment as two
// operations — the single CheckAndConsume store call is the only place
// budgets move, by contract.
package trust

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bgdnvk/bouncer/internal/model"
)

// BudgetKind identifies which of a TrustSession's independent budgets a
// CheckAndConsume call draws against.
type BudgetKind string

const (
	BudgetCommands BudgetKind = "commands"
	BudgetUploads  BudgetKind = "uploads"
	BudgetBytes    BudgetKind = "bytes"
)

// ErrBudgetExhausted is the error a Store may return from CheckAndConsume
// when the session is valid but has no remaining budget of the requested
// kind; store.MemTrustStore reports that case as store.ErrConflict. Per this is not a
// failure mode the pipeline treats as an error — it falls through to MANUAL.
var ErrBudgetExhausted = errors.New("trust: budget exhausted")

// ErrNoActiveSession is returned when no active session exists for the
// scope pair, or the existing one is expired/revoked.
var ErrNoActiveSession = errors.New("trust: no active session")

// Store is the durable backend a TrustSession lives in. CreateSession and
// CheckAndConsume must each be implemented as a single conditional update at
// the store layer.
type Store interface {
	// ActiveSession returns the currently active session for the scope pair,
	// if any.
	ActiveSession(ctx context.Context, trustScope, accountID string) (*model.TrustSession, error)
	// CreateSession persists a new session, atomically failing if an active
	// one already exists for the scope pair (spec invariant 2).
	CreateSession(ctx context.Context, session *model.TrustSession) error
	// CheckAndConsume atomically verifies the session is active, not
	// expired, and has budget remaining for kind, then increments the
	// corresponding counter by amount, in one store operation.
	CheckAndConsume(ctx context.Context, trustID string, kind BudgetKind, amount int64, now time.Time) (*model.TrustSession, error)
	// Revoke transitions a session to revoked.
	Revoke(ctx context.Context, trustID string) error
}

// Manager implements contract.
type Manager struct {
	store       Store
	ttl         time.Duration
	idGenerator func() string
	commandsMax int
	uploadsMax  int
	bytesMax    int64
}

// Config carries the budget defaults enumerates (trust_ttl_minutes,
// trust_max_commands, trust_max_uploads, trust_max_bytes).
type Config struct {
	TTL         time.Duration
	CommandsMax int
	UploadsMax  int
	BytesMax    int64
}

// NewManager builds a trust Manager. idGen produces new trust_id values
// (internal/idgen.TrustID in production).
func NewManager(store Store, cfg Config, idGen func() string) *Manager {
	return &Manager{
		store:       store,
		ttl:         cfg.TTL,
		idGenerator: idGen,
		commandsMax: cfg.CommandsMax,
		uploadsMax:  cfg.UploadsMax,
		bytesMax:    cfg.BytesMax,
	}
}

// Begin creates a session for (trustScope, accountID) if none is active, or
// returns the id of the existing one. TTL is fixed at creation time.
func (m *Manager) Begin(ctx context.Context, trustScope, accountID string, now time.Time) (string, error) {
	existing, err := m.store.ActiveSession(ctx, trustScope, accountID)
	if err != nil {
		return "", fmt.Errorf("trust: lookup active session: %w", err)
	}
	if existing != nil && existing.Active(now) {
		return existing.TrustID, nil
	}

	session := &model.TrustSession{
		TrustID:     m.idGenerator(),
		TrustScope:  trustScope,
		AccountID:   accountID,
		Status:      model.TrustActive,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.ttl),
		CommandsMax: m.commandsMax,
		UploadsMax:  m.uploadsMax,
		BytesMax:    m.bytesMax,
	}
	if err := m.store.CreateSession(ctx, session); err != nil {
		return "", fmt.Errorf("trust: create session: %w", err)
	}
	return session.TrustID, nil
}

// ActiveSessionID returns the trust_id of the currently active session for
// (trustScope, accountID), if one exists and has not expired.
func (m *Manager) ActiveSessionID(ctx context.Context, trustScope, accountID string, now time.Time) (string, bool, error) {
	session, err := m.store.ActiveSession(ctx, trustScope, accountID)
	if err != nil {
		return "", false, fmt.Errorf("trust: lookup active session: %w", err)
	}
	if session == nil || !session.Active(now) {
		return "", false, nil
	}
	return session.TrustID, true, nil
}

// CheckAndConsume verifies and draws down amount against the named budget in
// a single store round-trip, per /.
func (m *Manager) CheckAndConsume(ctx context.Context, trustID string, kind BudgetKind, amount int64, now time.Time) (*model.TrustSession, error) {
	session, err := m.store.CheckAndConsume(ctx, trustID, kind, amount, now)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Revoke transitions trustID to revoked; subsequent checks fail.
func (m *Manager) Revoke(ctx context.Context, trustID string) error {
	return m.store.Revoke(ctx, trustID)
}

// ExcludedClass reports whether a command of the given classifier class is
// categorically excluded from trust auto-approval (: "any DANGEROUS class;
// any BLOCKED service such as identity/secrets/org/
// keymgmt/cloudformation/cloudtrail").
func ExcludedClass(classIsDangerous bool, serviceToken string) bool {
	if classIsDangerous {
		return true
	}
	switch serviceToken {
	case "iam", "sts", "secretsmanager", "ssm", "organizations", "kms",
		"cloudformation", "cloudtrail":
		return true
	default:
		return false
	}
}
