// Package pgstore is the horizontally-scaled Approval Request Store, backed
// by jackc/pgx/v5. Transition runs `UPDATE approval_requests SET status = $1
// .. WHERE request_id = $10 AND status = $11` and inspects CommandTag.RowsAffected to
// detect a conflicting concurrent writer, generalized to an arbitrary
// from_status/patch pair.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bgdnvk/bouncer/internal/model"
	"github.com/bgdnvk/bouncer/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS approval_requests (
	request_id        TEXT PRIMARY KEY,
	kind              TEXT NOT NULL,
	command           TEXT,
	display_summary   TEXT NOT NULL,
	source            TEXT NOT NULL,
	trust_scope       TEXT,
	account_id        TEXT,
	reason            TEXT,
	status            TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL,
	expires_at        TIMESTAMPTZ NOT NULL,
	result            TEXT,
	exit_code         INTEGER,
	execution_time_ns BIGINT,
	message_id        TEXT,
	decision_type     TEXT,
	approver_id       TEXT,
	latency_ms        BIGINT,
	idempotency_key   TEXT
);
CREATE INDEX IF NOT EXISTS idx_requests_status_created ON approval_requests(status, created_at);
CREATE INDEX IF NOT EXISTS idx_requests_trust_scope ON approval_requests(trust_scope, account_id, status, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_requests_idempotency ON approval_requests(source, idempotency_key) WHERE idempotency_key IS NOT NULL AND idempotency_key <> '';

CREATE TABLE IF NOT EXISTS pages (
	page_id    TEXT PRIMARY KEY,
	content    TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	id          TEXT PRIMARY KEY,
	request_id  TEXT,
	kind        TEXT,
	decision    TEXT,
	source      TEXT,
	trust_scope TEXT,
	account_id  TEXT,
	score       INTEGER,
	reasons     TEXT[],
	latency_ms  BIGINT,
	at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_at ON audit_log(at);

CREATE TABLE IF NOT EXISTS accounts (
	account_id    TEXT PRIMARY KEY,
	display_name  TEXT,
	role_arn      TEXT,
	upload_bucket TEXT,
	sensitivity   TEXT
);
`

// Store implements store.RequestStore, store.PageStore, store.AuditStore,
// and store.AccountStore against a Postgres connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) Put(ctx context.Context, r *model.ApprovalRequest) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO approval_requests (
	request_id, kind, command, display_summary, source, trust_scope, account_id,
	reason, status, created_at, updated_at, expires_at, idempotency_key,
	result, exit_code, execution_time_ns, message_id, decision_type, approver_id, latency_ms
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		r.RequestID, string(r.Kind), r.Command, r.DisplaySummary, r.Source, r.TrustScope, r.AccountID,
		r.Reason, string(r.Status), r.CreatedAt, r.UpdatedAt, r.ExpiresAt, nullable(r.IdempotencyKey),
		nullable(r.Result), r.ExitCode, int64(r.ExecutionTime), nullable(r.MessageID),
		nullable(string(r.DecisionType)), nullable(r.ApproverID), r.LatencyMS)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("pgstore: put %s: %w", r.RequestID, err)
	}
	return nil
}

const baseSelect = `SELECT request_id, kind, command, display_summary, source, trust_scope, account_id,
	reason, status, created_at, updated_at, expires_at, result, exit_code, execution_time_ns,
	message_id, decision_type, approver_id, latency_ms, idempotency_key
FROM approval_requests`

func (s *Store) Get(ctx context.Context, requestID string) (*model.ApprovalRequest, error) {
	row := s.pool.QueryRow(ctx, baseSelect+" WHERE request_id = $1", requestID)
	return scanRequest(row)
}

func (s *Store) GetByIdempotencyKey(ctx context.Context, source, key string) (*model.ApprovalRequest, error) {
	row := s.pool.QueryRow(ctx, baseSelect+" WHERE source = $1 AND idempotency_key = $2", source, key)
	return scanRequest(row)
}

func scanRequest(row pgx.Row) (*model.ApprovalRequest, error) {
	var r model.ApprovalRequest
	var kind, status string
	var result, messageID, decisionType, approverID, idempotencyKey *string
	var exitCode *int
	var executionTimeNS, latencyMS *int64

	err := row.Scan(&r.RequestID, &kind, &r.Command, &r.DisplaySummary, &r.Source, &r.TrustScope, &r.AccountID,
		&r.Reason, &status, &r.CreatedAt, &r.UpdatedAt, &r.ExpiresAt, &result, &exitCode, &executionTimeNS,
		&messageID, &decisionType, &approverID, &latencyMS, &idempotencyKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: scan: %w", err)
	}

	r.Kind = model.ActionKind(kind)
	r.Status = model.Status(status)
	if result != nil {
		r.Result = *result
	}
	r.ExitCode = exitCode
	if executionTimeNS != nil {
		r.ExecutionTime = time.Duration(*executionTimeNS)
	}
	if messageID != nil {
		r.MessageID = *messageID
	}
	if decisionType != nil {
		r.DecisionType = model.DecisionType(*decisionType)
	}
	if approverID != nil {
		r.ApproverID = *approverID
	}
	if latencyMS != nil {
		r.LatencyMS = *latencyMS
	}
	if idempotencyKey != nil {
		r.IdempotencyKey = *idempotencyKey
	}
	return &r, nil
}

// Transition is a single conditional UPDATE statement guarded by
// `WHERE request_id = $10 AND status = $11`, checked via
// CommandTag().RowsAffected() rather than a preceding SELECT.
func (s *Store) Transition(ctx context.Context, requestID string, fromStatus model.Status, patch store.Patch) (*model.ApprovalRequest, error) {
	updatedAt := patch.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	var executionTimeNS *int64
	if patch.ExecutionTime != nil {
		v := int64(*patch.ExecutionTime)
		executionTimeNS = &v
	}
	var decisionType *string
	if patch.DecisionType != nil {
		v := string(*patch.DecisionType)
		decisionType = &v
	}

	tag, err := s.pool.Exec(ctx, `
UPDATE approval_requests SET
	status = $1,
	result = COALESCE($2, result),
	exit_code = COALESCE($3, exit_code),
	execution_time_ns = COALESCE($4, execution_time_ns),
	message_id = COALESCE($5, message_id),
	decision_type = COALESCE($6, decision_type),
	approver_id = COALESCE($7, approver_id),
	latency_ms = COALESCE($8, latency_ms),
	updated_at = $9
WHERE request_id = $10 AND status = $11`,
		string(patch.Status), patch.Result, patch.ExitCode, executionTimeNS, patch.MessageID,
		decisionType, patch.ApproverID, patch.LatencyMS, updatedAt, requestID, string(fromStatus))
	if err != nil {
		return nil, fmt.Errorf("pgstore: transition %s: %w", requestID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.Get(ctx, requestID); errors.Is(getErr, store.ErrNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, store.ErrConflict
	}
	return s.Get(ctx, requestID)
}

func (s *Store) ListPending(ctx context.Context, source string, limit int) ([]*model.ApprovalRequest, error) {
	query := baseSelect + " WHERE status = $1"
	args := []interface{}{string(model.StatusPending)}
	if source != "" {
		args = append(args, source)
		query += fmt.Sprintf(" AND source = $%d", len(args))
	}
	query += " ORDER BY created_at ASC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return s.queryRequests(ctx, query, args...)
}

func (s *Store) ListPendingByTrustScope(ctx context.Context, trustScope, accountID string, limit int) ([]*model.ApprovalRequest, error) {
	query := baseSelect + " WHERE status = $1 AND trust_scope = $2 AND account_id = $3 ORDER BY created_at ASC"
	args := []interface{}{string(model.StatusPending), trustScope, accountID}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return s.queryRequests(ctx, query, args...)
}

func (s *Store) queryRequests(ctx context.Context, query string, args ...interface{}) ([]*model.ApprovalRequest, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: query: %w", err)
	}
	defer rows.Close()

	var out []*model.ApprovalRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) PutPage(ctx context.Context, pageID, content string, ttl time.Duration) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO pages (page_id, content, expires_at) VALUES ($1,$2,$3)
ON CONFLICT (page_id) DO UPDATE SET content = EXCLUDED.content, expires_at = EXCLUDED.expires_at`,
		pageID, content, time.Now().Add(ttl))
	if err != nil {
		return fmt.Errorf("pgstore: put page %s: %w", pageID, err)
	}
	return nil
}

func (s *Store) GetPage(ctx context.Context, pageID string) (string, error) {
	var content string
	var expiresAt time.Time
	err := s.pool.QueryRow(ctx, `SELECT content, expires_at FROM pages WHERE page_id = $1`, pageID).Scan(&content, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("pgstore: get page %s: %w", pageID, err)
	}
	if time.Now().After(expiresAt) {
		return "", store.ErrNotFound
	}
	return content, nil
}

func (s *Store) Append(ctx context.Context, e *model.AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO audit_log (id, request_id, kind, decision, source, trust_scope, account_id, score, reasons, latency_ms, at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		e.ID, e.RequestID, e.Kind, e.Decision, e.Source, e.TrustScope, e.AccountID, e.Score, e.Reasons, e.LatencyMS, e.At)
	if err != nil {
		return fmt.Errorf("pgstore: append audit: %w", err)
	}
	return nil
}

func (s *Store) Tail(ctx context.Context, n int) ([]*model.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, request_id, kind, decision, source, trust_scope, account_id, score, reasons, latency_ms, at
FROM audit_log ORDER BY at DESC LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("pgstore: tail audit: %w", err)
	}
	defer rows.Close()

	var out []*model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Kind, &e.Decision, &e.Source, &e.TrustScope,
			&e.AccountID, &e.Score, &e.Reasons, &e.LatencyMS, &e.At); err != nil {
			return nil, fmt.Errorf("pgstore: scan audit: %w", err)
		}
		out = append([]*model.AuditEntry{&e}, out...)
	}
	return out, rows.Err()
}

func (s *Store) PutAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO accounts (account_id, display_name, role_arn, upload_bucket, sensitivity) VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (account_id) DO UPDATE SET display_name=EXCLUDED.display_name, role_arn=EXCLUDED.role_arn,
	upload_bucket=EXCLUDED.upload_bucket, sensitivity=EXCLUDED.sensitivity`,
		a.AccountID, a.DisplayName, a.RoleARN, a.UploadBucket, a.Sensitivity)
	if err != nil {
		return fmt.Errorf("pgstore: put account %s: %w", a.AccountID, err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	var a model.Account
	err := s.pool.QueryRow(ctx, `SELECT account_id, display_name, role_arn, upload_bucket, sensitivity FROM accounts WHERE account_id = $1`, accountID).
		Scan(&a.AccountID, &a.DisplayName, &a.RoleARN, &a.UploadBucket, &a.Sensitivity)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: get account %s: %w", accountID, err)
	}
	return &a, nil
}

func (s *Store) DeleteAccount(ctx context.Context, accountID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM accounts WHERE account_id = $1`, accountID)
	if err != nil {
		return fmt.Errorf("pgstore: delete account %s: %w", accountID, err)
	}
	return nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]*model.Account, error) {
	rows, err := s.pool.Query(ctx, `SELECT account_id, display_name, role_arn, upload_bucket, sensitivity FROM accounts`)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list accounts: %w", err)
	}
	defer rows.Close()
	var out []*model.Account
	for rows.Next() {
		var a model.Account
		if err := rows.Scan(&a.AccountID, &a.DisplayName, &a.RoleARN, &a.UploadBucket, &a.Sensitivity); err != nil {
			return nil, fmt.Errorf("pgstore: scan account: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
