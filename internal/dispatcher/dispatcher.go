// Package dispatcher implements the Webhook Dispatcher: the single entry
// point for approver callbacks ("approve", "deny", "trust", "revoke"..), and
// the auto-drain procedure a trust session opening triggers. Every
// transition is a conditional store update, so at most one approver action
// ever wins a race on the same request.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bgdnvk/bouncer/internal/compliance"
	"github.com/bgdnvk/bouncer/internal/grant"
	"github.com/bgdnvk/bouncer/internal/idgen"
	"github.com/bgdnvk/bouncer/internal/model"
	"github.com/bgdnvk/bouncer/internal/notifier"
	"github.com/bgdnvk/bouncer/internal/paging"
	"github.com/bgdnvk/bouncer/internal/rules"
	"github.com/bgdnvk/bouncer/internal/store"
	"github.com/bgdnvk/bouncer/internal/trust"
)

// Kind enumerates the callback kinds names.
type Kind string

const (
	KindCmdApprove              Kind = "cmd_approve"
	KindCmdApproveTrust         Kind = "cmd_approve_trust"
	KindCmdDeny                 Kind = "cmd_deny"
	KindDangerousConfirm        Kind = "dangerous_confirm"
	KindGrantApproveAll         Kind = "grant_approve_all"
	KindGrantApproveSafe        Kind = "grant_approve_safe"
	KindGrantDeny               Kind = "grant_deny"
	KindTrustRevoke             Kind = "trust_revoke"
	KindGrantRevoke             Kind = "grant_revoke"
	KindAccountAddApprove       Kind = "account_add_approve"
	KindAccountAddDeny          Kind = "account_add_deny"
	KindAccountRemoveApprove    Kind = "account_remove_approve"
	KindAccountRemoveDeny       Kind = "account_remove_deny"
	KindDeployApprove           Kind = "deploy_approve"
	KindDeployDeny              Kind = "deploy_deny"
)

// Event is the parsed callback payload.
type Event struct {
	Kind       Kind
	RequestID  string
	TrustID    string
	GrantID    string
	ApproverID string
}

// Outcome is what the dispatcher tells the caller to answer the callback
// with.
type Outcome struct {
	Toast      string
	EditedText string
}

var ErrNotAuthorized = errors.New("dispatcher: approver not in whitelist")

// Executor is the narrow collaborator the dispatcher needs to run an
// approved command; pipeline.Executor satisfies it structurally.
type Executor interface {
	Execute(ctx context.Context, command, accountID string) (result string, exitCode int, execTime time.Duration, err error)
}

type Dispatcher struct {
	requests  store.RequestStore
	audit     store.AuditStore
	accounts  store.AccountStore
	tables    *rules.Tables
	trustMgr  *trust.Manager
	grantMgr  *grant.Manager
	executor  Executor
	notifier  notifier.Notifier
	pager     *paging.Pager
	whitelist map[string]bool
	clock     func() time.Time
	deployHook func(ctx context.Context, record *model.ApprovalRequest) error
}

type Config struct {
	ApproverWhitelist []string
	// DeployHook runs the real deploy trigger for an approved deploy record;
	// nil means approval only flips status with no external effect (tests,
	// or a deployment never wired to a real CI trigger).
	DeployHook func(ctx context.Context, record *model.ApprovalRequest) error
}

func New(requests store.RequestStore, audit store.AuditStore, accounts store.AccountStore, tables *rules.Tables,
	trustMgr *trust.Manager, grantMgr *grant.Manager, executor Executor, n notifier.Notifier, pager *paging.Pager, cfg Config) *Dispatcher {
	whitelist := make(map[string]bool, len(cfg.ApproverWhitelist))
	for _, id := range cfg.ApproverWhitelist {
		whitelist[id] = true
	}
	return &Dispatcher{
		requests: requests, audit: audit, accounts: accounts, tables: tables,
		trustMgr: trustMgr, grantMgr: grantMgr, executor: executor, notifier: n, pager: pager,
		whitelist: whitelist, clock: time.Now, deployHook: cfg.DeployHook,
	}
}

// Dispatch handles one callback event per five numbered rules.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) (*Outcome, error) {
	if !d.whitelist[ev.ApproverID] {
		return &Outcome{Toast: "not authorized"}, nil
	}

	switch ev.Kind {
	case KindTrustRevoke:
		if err := d.trustMgr.Revoke(ctx, ev.TrustID); err != nil {
			return nil, fmt.Errorf("dispatcher: revoke trust %s: %w", ev.TrustID, err)
		}
		return &Outcome{Toast: "trust session revoked"}, nil

	case KindGrantRevoke:
		if err := d.grantMgr.Revoke(ctx, ev.GrantID); err != nil {
			return nil, fmt.Errorf("dispatcher: revoke grant %s: %w", ev.GrantID, err)
		}
		return &Outcome{Toast: "grant revoked"}, nil

	case KindGrantApproveAll, KindGrantApproveSafe, KindGrantDeny:
		return d.dispatchGrant(ctx, ev)

	default:
		return d.dispatchRequest(ctx, ev)
	}
}

func (d *Dispatcher) dispatchGrant(ctx context.Context, ev Event) (*Outcome, error) {
	now := d.clock()
	switch ev.Kind {
	case KindGrantDeny:
		if err := d.grantMgr.Deny(ctx, ev.GrantID); err != nil {
			return nil, fmt.Errorf("dispatcher: deny grant %s: %w", ev.GrantID, err)
		}
		return &Outcome{EditedText: "Grant denied."}, nil
	case KindGrantApproveAll:
		session, err := d.grantMgr.ApproveAll(ctx, ev.GrantID, now)
		if err != nil {
			return nil, fmt.Errorf("dispatcher: approve grant %s: %w", ev.GrantID, err)
		}
		return &Outcome{EditedText: fmt.Sprintf("Grant approved (%d commands).", len(session.Entries))}, nil
	case KindGrantApproveSafe:
		session, err := d.grantMgr.ApproveSafeOnly(ctx, ev.GrantID, now)
		if err != nil {
			return nil, fmt.Errorf("dispatcher: approve-safe grant %s: %w", ev.GrantID, err)
		}
		return &Outcome{EditedText: fmt.Sprintf("Grant approved, safe subset only (%d commands).", len(session.Entries))}, nil
	}
	return nil, fmt.Errorf("dispatcher: unhandled grant kind %s", ev.Kind)
}

// dispatchRequest handles the callback kinds that target a plain
// ApprovalRequest: commands, account ops, and deploys all share the same
// pending -> {executed_ok,executed_error,denied,expired} shape.
func (d *Dispatcher) dispatchRequest(ctx context.Context, ev Event) (*Outcome, error) {
	now := d.clock()

	record, err := d.requests.Get(ctx, ev.RequestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &Outcome{Toast: "unknown request"}, nil
		}
		return nil, fmt.Errorf("dispatcher: get %s: %w", ev.RequestID, err)
	}

	if record.Status != model.StatusPending {
		return &Outcome{Toast: "already handled"}, nil
	}

	if now.After(record.ExpiresAt) {
		if _, err := d.requests.Transition(ctx, record.RequestID, model.StatusPending, store.Patch{
			Status: model.StatusExpired, UpdatedAt: now,
		}); err != nil && !errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("dispatcher: expire %s: %w", record.RequestID, err)
		}
		return &Outcome{EditedText: "This request expired before it was answered."}, nil
	}

	deny := ev.Kind == KindCmdDeny || ev.Kind == KindAccountAddDeny || ev.Kind == KindAccountRemoveDeny ||
		ev.Kind == KindDeployDeny

	if deny {
		updated, err := d.requests.Transition(ctx, record.RequestID, model.StatusPending, store.Patch{
			Status: model.StatusDenied, ApproverID: &ev.ApproverID, UpdatedAt: now,
		})
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				return &Outcome{Toast: "already handled"}, nil
			}
			return nil, fmt.Errorf("dispatcher: deny %s: %w", record.RequestID, err)
		}
		d.appendAudit(ctx, updated, "denied", now)
		return &Outcome{EditedText: "Denied."}, nil
	}

	updated, err := d.requests.Transition(ctx, record.RequestID, model.StatusPending, store.Patch{
		Status: model.StatusApproved, ApproverID: &ev.ApproverID, UpdatedAt: now,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return &Outcome{Toast: "already handled"}, nil
		}
		return nil, fmt.Errorf("dispatcher: approve %s: %w", record.RequestID, err)
	}

	final := d.applyApproved(ctx, updated, now)

	withTrust := ev.Kind == KindCmdApproveTrust
	if withTrust && d.trustMgr != nil {
		trustID, err := d.trustMgr.Begin(ctx, final.TrustScope, final.AccountID, now)
		if err == nil {
			d.drain(ctx, final.TrustScope, final.AccountID, trustID, now)
		}
	}

	return &Outcome{EditedText: d.resultText(ctx, final)}, nil
}

// applyApproved performs the side effect an approved record's Kind calls
// for: running the command for ActionExecute, mutating the account store
// for account_add/account_remove, or triggering the deploy hook for deploy
// records whose real effect is owned by a collaborator outside the
// dispatcher's reach.
func (d *Dispatcher) applyApproved(ctx context.Context, record *model.ApprovalRequest, now time.Time) *model.ApprovalRequest {
	switch record.Kind {
	case model.ActionAddAccount:
		return d.applyAccountOp(ctx, record, now, func() error { return d.accounts.PutAccount(ctx, record.AccountSpec) })
	case model.ActionRemoveAccount:
		return d.applyAccountOp(ctx, record, now, func() error { return d.accounts.DeleteAccount(ctx, record.AccountID) })
	case model.ActionDeploy:
		return d.applyAccountOp(ctx, record, now, func() error {
			if d.deployHook == nil {
				return nil
			}
			return d.deployHook(ctx, record)
		})
	default:
		return d.execute(ctx, record, now)
	}
}

func (d *Dispatcher) applyAccountOp(ctx context.Context, record *model.ApprovalRequest, now time.Time, op func() error) *model.ApprovalRequest {
	status := model.StatusExecutedOK
	result := "account change applied"
	if err := op(); err != nil {
		status = model.StatusExecutedError
		result = err.Error()
	}

	updated, terr := d.requests.Transition(ctx, record.RequestID, model.StatusApproved, store.Patch{
		Status: status, Result: &result, UpdatedAt: now,
	})
	if terr != nil {
		return record
	}
	d.appendAudit(ctx, updated, string(status), now)
	return updated
}

func (d *Dispatcher) execute(ctx context.Context, record *model.ApprovalRequest, now time.Time) *model.ApprovalRequest {
	if d.executor == nil || record.Command == "" {
		return record
	}

	result, exitCode, execTime, err := d.executor.Execute(ctx, record.Command, record.AccountID)
	status := model.StatusExecutedOK
	if err != nil || exitCode != 0 {
		status = model.StatusExecutedError
		if err != nil {
			result = err.Error()
		}
	}

	updated, terr := d.requests.Transition(ctx, record.RequestID, record.Status, store.Patch{
		Status: status, Result: &result, ExitCode: &exitCode, ExecutionTime: &execTime, UpdatedAt: now,
	})
	if terr != nil {
		return record
	}
	d.appendAudit(ctx, updated, string(status), now)
	return updated
}

// drain implements the auto-drain procedure: pending records matching
// (trustScope, accountID), oldest first, up to 20, each drained atomically
// and independently.
func (d *Dispatcher) drain(ctx context.Context, trustScope, accountID, trustID string, now time.Time) {
	const batchLimit = 20
	pending, err := d.requests.ListPendingByTrustScope(ctx, trustScope, accountID, batchLimit)
	if err != nil {
		return
	}

	for _, record := range pending {
		outcome := compliance.Check(record.Command, "", d.tables.Compliance)
		if outcome.ShortCircuit {
			_, _ = d.requests.Transition(ctx, record.RequestID, model.StatusPending, store.Patch{
				Status: model.StatusComplianceRejected, UpdatedAt: now,
			})
			continue
		}

		session, err := d.trustMgr.CheckAndConsume(ctx, trustID, trust.BudgetCommands, 1, now)
		if err != nil || session == nil {
			continue // leave pending, per spec: "on any check failure, leave pending"
		}

		updated, err := d.requests.Transition(ctx, record.RequestID, model.StatusPending, store.Patch{
			Status: model.StatusTrustAutoApproved, DecisionType: decisionPtr(model.DecisionTrust), UpdatedAt: now,
		})
		if err != nil {
			continue
		}
		final := d.execute(ctx, updated, now)
		if d.notifier != nil {
			_ = d.notifier.Edit(ctx, final.MessageID, d.resultText(ctx, final))
		}
	}
}

func (d *Dispatcher) appendAudit(ctx context.Context, record *model.ApprovalRequest, decision string, now time.Time) {
	entry := &model.AuditEntry{
		ID:         idgen.AuditID(),
		RequestID:  record.RequestID,
		Kind:       string(record.Kind),
		Decision:   decision,
		Source:     record.Source,
		TrustScope: record.TrustScope,
		AccountID:  record.AccountID,
		At:         now,
	}
	_ = d.audit.Append(ctx, entry)
}

// resultText builds the edited approval message, paging record.Result
// through d.pager when it is too long to inline.
func (d *Dispatcher) resultText(ctx context.Context, record *model.ApprovalRequest) string {
	if record.Status == model.StatusExecutedError {
		return fmt.Sprintf("Execution failed (exit %d): %s", valueOrZero(record.ExitCode), d.pagedResult(ctx, record))
	}
	if record.Status == model.StatusExecutedOK {
		return fmt.Sprintf("Done: %s", d.pagedResult(ctx, record))
	}
	return "Approved."
}

// pagedResult returns record.Result, or its first page plus a continuation
// token when the pager splits it into more than one page.
func (d *Dispatcher) pagedResult(ctx context.Context, record *model.ApprovalRequest) string {
	if d.pager == nil || record.Result == "" {
		return record.Result
	}
	result, err := d.pager.Split(ctx, record.RequestID, record.Result)
	if err != nil {
		return record.Result
	}
	if result.PageCount <= 1 {
		return result.FirstPage
	}
	return fmt.Sprintf("%s\n(page 1 of %d, next page: %s)", result.FirstPage, result.PageCount, result.NextToken)
}

func valueOrZero(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func decisionPtr(d model.DecisionType) *model.DecisionType { return &d }
