// Package pipeline wires the classifier, compliance checker, risk scorer,
// rate limiter, trust manager, and grant manager into the single fixed-order
// admission function every command passes through before it is either
// executed immediately or parked for human approval. Pipeline is a thin
// composing struct holding narrow collaborator interfaces and calling them
// in a fixed order, rather than a generic middleware chain.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bgdnvk/bouncer/internal/classifier"
	"github.com/bgdnvk/bouncer/internal/compliance"
	"github.com/bgdnvk/bouncer/internal/grant"
	"github.com/bgdnvk/bouncer/internal/idgen"
	"github.com/bgdnvk/bouncer/internal/model"
	"github.com/bgdnvk/bouncer/internal/normalize"
	"github.com/bgdnvk/bouncer/internal/ratelimit"
	"github.com/bgdnvk/bouncer/internal/risk"
	"github.com/bgdnvk/bouncer/internal/rules"
	"github.com/bgdnvk/bouncer/internal/store"
	"github.com/bgdnvk/bouncer/internal/trust"
)

// Executor runs an already-authorized command against the target account.
// Defined here rather than imported from internal/executor so this package
// depends only on the shape it needs; internal/executor satisfies it
// structurally and neither package imports the other.
type Executor interface {
	Execute(ctx context.Context, command, accountID string) (result string, exitCode int, execTime time.Duration, err error)
}

// Notifier emits an approval prompt for a pending record and returns the
// chat message id the dispatcher will later edit.
type Notifier interface {
	Notify(ctx context.Context, record *model.ApprovalRequest) (messageID string, err error)
}

// GrantLookup resolves an active, approved grant entry matching command for
// (source, trustScope, accountID), if one exists. The grant manager itself
// does not index by command across grants, so the caller (gatewayhttp) owns
// that index and passes it in; Pipeline only needs the yes/no/consume.
type GrantLookup func(ctx context.Context, source, trustScope, accountID, command string) (grantID string, ok bool)

// Config are the fixed, load-once-per-process parameters of the pipeline.
type Config struct {
	DefaultTTL time.Duration
	Clock      func() time.Time // defaults to time.Now
}

// Pipeline is the fixed-order Admit implementation (spec stage order:
// Parse → Normalize → Compliance(CRITICAL) → Blocked → Safelist → RateLimit
// → Trust → Grant → RiskScore → Compliance(HIGH forces MANUAL) → MANUAL).
type Pipeline struct {
	requests store.RequestStore
	audit    store.AuditStore
	tables   *rules.Tables
	limiter  *ratelimit.Limiter
	trustMgr *trust.Manager
	grantMgr *grant.Manager
	grantLookup GrantLookup
	executor Executor
	notifier Notifier
	ttl      time.Duration
	clock    func() time.Time
}

func New(requests store.RequestStore, audit store.AuditStore, tables *rules.Tables, limiter *ratelimit.Limiter,
	trustMgr *trust.Manager, grantMgr *grant.Manager, grantLookup GrantLookup, executor Executor, notifier Notifier, cfg Config) *Pipeline {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ttl := cfg.DefaultTTL
	if ttl == 0 {
		ttl = 15 * time.Minute
	}
	return &Pipeline{
		requests: requests, audit: audit, tables: tables, limiter: limiter,
		trustMgr: trustMgr, grantMgr: grantMgr, grantLookup: grantLookup,
		executor: executor, notifier: notifier, ttl: ttl, clock: clock,
	}
}

// AdmitInput is a command submission.
type AdmitInput struct {
	Command        string
	TemplateJSON   string // set for commands carrying a JSON payload compliance must inspect (e.g. lambda update-function-configuration)
	Reason         string
	Source         string
	TrustScope     string
	AccountID      string
	IdempotencyKey string
}

// ErrParse is returned when Command fails to tokenize.
var ErrParse = errors.New("pipeline: parse error")

// Admit runs a command submission through every admission stage and returns
// the resulting record. A non-nil error means admission itself could not be
// evaluated (parse failure, store failure on the terminal write); every
// other outcome — including blocked, rate_limited, compliance_rejected — is
// a successful Admit call that returns the record: pending when it awaits a
// human approver, otherwise with the Status its stage decided.
func (p *Pipeline) Admit(ctx context.Context, in AdmitInput) (*model.ApprovalRequest, error) {
	now := p.clock()

	if in.IdempotencyKey != "" {
		existing, err := p.requests.GetByIdempotencyKey(ctx, in.Source, in.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("pipeline: idempotency lookup: %w", err)
		}
	}

	argv, perr := normalize.Normalize(in.Command)
	if perr != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, perr)
	}

	record := &model.ApprovalRequest{
		RequestID:      idgen.RequestID(),
		Kind:           model.ActionExecute,
		Command:        in.Command,
		DisplaySummary: displaySummary(argv),
		Source:         in.Source,
		TrustScope:     in.TrustScope,
		AccountID:      in.AccountID,
		Reason:         in.Reason,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(p.ttl),
		TTL:            p.ttl,
		IdempotencyKey: in.IdempotencyKey,
	}

	// Compliance runs first so a CRITICAL finding short-circuits ahead of
	// classification, per the stage order.
	outcome := compliance.Check(in.Command, in.TemplateJSON, p.tables.Compliance)
	record.ComplianceFindings = convertFindings(outcome.Findings)
	if outcome.ShortCircuit {
		record.Status = model.StatusComplianceRejected
		record.DecisionType = model.DecisionComplianceReject
		p.auditOnly(ctx, record, now)
		return record, nil
	}

	class := classifier.Classify(argv, p.tables)

	if class.Class == classifier.Blocked {
		record.Status = model.StatusBlocked
		record.DecisionType = model.DecisionBlocked
		record.BlockReason, record.BlockSuggestion = blockExplanation(class)
		return p.persistTerminal(ctx, record, now)
	}

	if class.Class == classifier.Safelist && !outcome.ForceManual {
		return p.autoApprove(ctx, record, now, model.StatusAutoApproved, model.DecisionSafelist)
	}

	allowed, err := p.limiter.Allow(ctx, in.Source, now)
	if err != nil || !allowed {
		record.Status = model.StatusRateLimited
		record.DecisionType = model.DecisionRateLimited
		return p.persistTerminal(ctx, record, now)
	}

	if p.trustMgr != nil && !outcome.ForceManual && class.Class != classifier.Dangerous {
		if decided, err := p.tryTrust(ctx, record, now); err == nil && decided {
			return record, nil
		}
		// budget exhausted / no active session / store error: fall through to MANUAL, never auto-approve.
	}

	if p.grantLookup != nil && !outcome.ForceManual && class.Class != classifier.Dangerous {
		if decided := p.tryGrant(ctx, record, in, now); decided {
			return record, nil
		}
	}

	riskResult := risk.Score(in.Command, p.tables.Risk)
	record.RiskScore = riskResult.Score
	record.RiskHits = riskResult.Hits

	// Risk is metadata only: it never gates auto-approval. The remaining path
	// is always MANUAL.
	record.Status = model.StatusPending
	if err := p.requests.Put(ctx, record); err != nil {
		return nil, fmt.Errorf("pipeline: put pending record: %w", err)
	}
	p.auditOnly(ctx, record, now)

	if p.notifier != nil {
		if msgID, nerr := p.notifier.Notify(ctx, record); nerr == nil {
			if updated, terr := p.requests.Transition(ctx, record.RequestID, model.StatusPending, store.Patch{
				Status: model.StatusPending, MessageID: &msgID, UpdatedAt: p.clock(),
			}); terr == nil {
				record = updated
			}
		}
		// notifier error: record stays pending, . A background reconciler may re-
		// emit; that is internal/dispatcher's concern.
	}

	return record, nil
}

// tryTrust attempts the trust-auto-approve path. It returns decided=true once
// a command budget unit was consumed and finalizeExecuted ran; err is then
// whatever finalizeExecuted returned. decided=false means "fall through", and
// err is nil in that case.
func (p *Pipeline) tryTrust(ctx context.Context, record *model.ApprovalRequest, now time.Time) (bool, error) {
	if trust.ExcludedClass(false, serviceToken(record.Command)) {
		return false, nil
	}
	trustID, ok, err := p.trustMgr.ActiveSessionID(ctx, record.TrustScope, record.AccountID, now)
	if err != nil || !ok {
		return false, nil
	}
	session, err := p.trustMgr.CheckAndConsume(ctx, trustID, trust.BudgetCommands, 1, now)
	if err != nil || session == nil {
		return false, nil
	}
	_, aerr := p.finalizeExecuted(ctx, record, now, model.StatusTrustAutoApproved, model.DecisionTrust)
	return true, aerr
}

func (p *Pipeline) tryGrant(ctx context.Context, record *model.ApprovalRequest, in AdmitInput, now time.Time) bool {
	grantID, ok := p.grantLookup(ctx, in.Source, in.TrustScope, in.AccountID, in.Command)
	if !ok {
		return false
	}
	if _, err := p.grantMgr.Execute(ctx, grantID, in.Command, now); err != nil {
		return false
	}
	if _, err := p.finalizeExecuted(ctx, record, now, model.StatusGrantAutoApproved, model.DecisionGrant); err != nil {
		return false
	}
	return true
}

func (p *Pipeline) autoApprove(ctx context.Context, record *model.ApprovalRequest, now time.Time, status model.Status, decision model.DecisionType) (*model.ApprovalRequest, error) {
	return p.finalizeExecuted(ctx, record, now, status, decision)
}

// finalizeExecuted runs the command through the executor, persists the
// record with its result already attached, and audits it. The record must
// never be persisted without a classification outcome already decided.
func (p *Pipeline) finalizeExecuted(ctx context.Context, record *model.ApprovalRequest, now time.Time, status model.Status, decision model.DecisionType) (*model.ApprovalRequest, error) {
	record.Status = status
	record.DecisionType = decision

	if p.executor != nil {
		result, exitCode, execTime, err := p.executor.Execute(ctx, record.Command, record.AccountID)
		record.Result = result
		record.ExitCode = &exitCode
		record.ExecutionTime = execTime
		if err != nil {
			record.Status = model.StatusExecutedError
			record.Result = result + "\n" + err.Error()
		} else {
			record.Status = model.StatusExecutedOK
		}
	}

	if err := p.requests.Put(ctx, record); err != nil {
		return nil, fmt.Errorf("pipeline: put auto-approved record: %w", err)
	}
	p.auditOnly(ctx, record, now)
	return record, nil
}

func (p *Pipeline) persistTerminal(ctx context.Context, record *model.ApprovalRequest, now time.Time) (*model.ApprovalRequest, error) {
	if err := p.requests.Put(ctx, record); err != nil {
		return nil, fmt.Errorf("pipeline: put terminal record: %w", err)
	}
	p.auditOnly(ctx, record, now)
	return record, nil
}

func (p *Pipeline) auditOnly(ctx context.Context, record *model.ApprovalRequest, now time.Time) {
	if p.audit == nil {
		return
	}
	entry := &model.AuditEntry{
		ID:         idgen.AuditID(),
		RequestID:  record.RequestID,
		Kind:       string(record.Kind),
		Decision:   string(record.DecisionType),
		Source:     record.Source,
		TrustScope: record.TrustScope,
		AccountID:  record.AccountID,
		Score:      record.RiskScore,
		Reasons:    record.RiskHits,
		LatencyMS:  now.Sub(record.CreatedAt).Milliseconds(),
		At:         now,
	}
	// Audit append failures are logged by the caller's logging middleware,
	// not surfaced as pipeline errors: losing an audit row must never block
	// a decision already made.
	_ = p.audit.Append(ctx, entry)
}

// blockExplanation turns a classifier.Result's machine-readable ReasonCode
// into the short human-facing reason and suggestion the submit response
// carries back to the agent.
func blockExplanation(class classifier.Result) (reason, suggestion string) {
	switch {
	case strings.HasPrefix(class.ReasonCode, "blocked-prefix:"):
		return "matches blocked command prefix " + class.RuleID, "this command family is never permitted; find a non-destructive alternative"
	case strings.HasPrefix(class.ReasonCode, "shell-metacharacter:"):
		return "contains disallowed shell metacharacter " + class.RuleID, "submit a single command with literal arguments, no shell chaining or substitution"
	default:
		return class.ReasonCode, "this command is not permitted"
	}
}

func convertFindings(findings []model.ComplianceFinding) []model.ComplianceFinding {
	if len(findings) == 0 {
		return nil
	}
	out := make([]model.ComplianceFinding, len(findings))
	copy(out, findings)
	return out
}

func displaySummary(argv []string) string {
	if len(argv) == 0 {
		return ""
	}
	s := strings.Join(argv, " ")
	const maxLen = 100
	if len(s) > maxLen {
		return s[:maxLen-1] + "…"
	}
	return s
}

func serviceToken(command string) string {
	argv, err := normalize.Parse(command)
	if err != nil || len(argv) < 2 {
		return ""
	}
	return argv[1]
}
