// Package store defines the Approval Request Store contract and its
// companion contracts for trust/grant sessions, rate counters, and pages.
// The store is the gateway's only authoritative shared resource: every other
// in-process table is load-once immutable. Transition is specified as a
// single conditional `UPDATE .. WHERE status = 'pending'`-style operation
// rather than a read-then-write, so two concurrent approvers can never both
// win.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/bgdnvk/bouncer/internal/model"
)

// ErrAlreadyExists is returned by Put when request_id already exists.
var ErrAlreadyExists = errors.New("store: request already exists")

// ErrNotFound is returned by Get/Transition when no record matches.
var ErrNotFound = errors.New("store: record not found")

// ErrConflict is returned by Transition when the record already left the
// expected from_status — another actor (a concurrent approver callback, an
// expiry sweep) got there first. The caller's correct response is "already
// handled", never a retry-with-overwrite.
var ErrConflict = errors.New("store: conditional update conflict")

// Patch is the set of fields Transition may update in the same statement
// that flips status. Only non-nil/non-zero fields are applied; callers
// build a minimal Patch per transition (e.g. approve vs. execute-result).
type Patch struct {
	Status        model.Status
	Result        *string
	ExitCode      *int
	ExecutionTime *time.Duration
	MessageID     *string
	DecisionType  *model.DecisionType
	ApproverID    *string
	LatencyMS     *int64
	UpdatedAt     time.Time
}

// RequestStore persists, queries, and transitions ApprovalRequest records.
type RequestStore interface {
	// Put creates record. Fails with ErrAlreadyExists if request_id exists.
	Put(ctx context.Context, record *model.ApprovalRequest) error
	// Get returns ErrNotFound if request_id is unknown.
	Get(ctx context.Context, requestID string) (*model.ApprovalRequest, error)
	// GetByIdempotencyKey supports Submit's idempotent-retry contract .
	GetByIdempotencyKey(ctx context.Context, source, key string) (*model.ApprovalRequest, error)
	// Transition applies patch iff the record's current status equals
	// fromStatus, in one statement. Returns ErrConflict if it does not.
	Transition(ctx context.Context, requestID string, fromStatus model.Status, patch Patch) (*model.ApprovalRequest, error)
	// ListPending lists pending records, optionally filtered by source, ordered
	// by created_at, via the (status, created_at) index names explicitly.
	ListPending(ctx context.Context, source string, limit int) ([]*model.ApprovalRequest, error)
	// ListPendingByTrustScope supports the auto-drain procedure : pending
	// records matching (trust_scope, account_id), oldest first.
	ListPendingByTrustScope(ctx context.Context, trustScope, accountID string, limit int) ([]*model.ApprovalRequest, error)
}

// PageStore persists result pages for the Paging Helper.
type PageStore interface {
	PutPage(ctx context.Context, pageID string, content string, ttl time.Duration) error
	GetPage(ctx context.Context, pageID string) (string, error)
}

// AuditStore appends audit entries.
type AuditStore interface {
	Append(ctx context.Context, entry *model.AuditEntry) error
	Tail(ctx context.Context, n int) ([]*model.AuditEntry, error)
}

// AccountStore is the CRUD contract for configured cloud accounts. Method
// names are suffixed with "Account" (rather than the bare Put/Get/Delete/
// List RequestStore and PageStore already claim) so a single concrete store
// type can implement every one of these narrow interfaces at once without
// a signature collision.
type AccountStore interface {
	PutAccount(ctx context.Context, account *model.Account) error
	GetAccount(ctx context.Context, accountID string) (*model.Account, error)
	DeleteAccount(ctx context.Context, accountID string) error
	ListAccounts(ctx context.Context) ([]*model.Account, error)
}
