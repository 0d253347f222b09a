// Package sqlstore is the reference Approval Request Store, backed by
// modernc.org/sqlite, a CGo-free SQL driver. It is the store a
// single-process deployment runs against; internal/store/pgstore is the
// horizontally-scaled alternative. Transition runs a conditional
// `UPDATE .. WHERE request_id = ? AND status = ?` so it is atomic without a
// transaction spanning the read and the write.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bgdnvk/bouncer/internal/model"
	"github.com/bgdnvk/bouncer/internal/store"
)

// Store implements store.RequestStore, store.PageStore, store.AuditStore,
// and store.AccountStore against a single sqlite database file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite database at path and ensures
// the schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers on one handle
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS approval_requests (
	request_id       TEXT PRIMARY KEY,
	kind             TEXT NOT NULL,
	command          TEXT,
	display_summary  TEXT NOT NULL,
	source           TEXT NOT NULL,
	trust_scope      TEXT,
	account_id       TEXT,
	reason           TEXT,
	status           TEXT NOT NULL,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL,
	expires_at       TEXT NOT NULL,
	result           TEXT,
	exit_code        INTEGER,
	execution_time_ns INTEGER,
	message_id       TEXT,
	decision_type    TEXT,
	approver_id      TEXT,
	latency_ms       INTEGER,
	idempotency_key  TEXT
);
CREATE INDEX IF NOT EXISTS idx_requests_status_created ON approval_requests(status, created_at);
CREATE INDEX IF NOT EXISTS idx_requests_trust_scope ON approval_requests(trust_scope, account_id, status, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_requests_idempotency ON approval_requests(source, idempotency_key) WHERE idempotency_key IS NOT NULL AND idempotency_key != '';

CREATE TABLE IF NOT EXISTS pages (
	page_id    TEXT PRIMARY KEY,
	content    TEXT NOT NULL,
	expires_at TEXT NOT NULL
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
	reasons     TEXT,
	latency_ms  INTEGER,
	at          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_at ON audit_log(at);

CREATE TABLE IF NOT EXISTS accounts (
	account_id    TEXT PRIMARY KEY,
	display_name  TEXT,
	role_arn      TEXT,
	upload_bucket TEXT,
	sensitivity   TEXT
);
`)
	if err != nil {
		return fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return nil
}

const timeLayout = time.RFC3339Nano

func (s *Store) Put(ctx context.Context, r *model.ApprovalRequest) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO approval_requests (
	request_id, kind, command, display_summary, source, trust_scope, account_id,
	reason, status, created_at, updated_at, expires_at, idempotency_key,
	result, exit_code, execution_time_ns, message_id, decision_type, approver_id, latency_ms
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.RequestID, string(r.Kind), r.Command, r.DisplaySummary, r.Source, r.TrustScope, r.AccountID,
		r.Reason, string(r.Status), r.CreatedAt.Format(timeLayout), r.UpdatedAt.Format(timeLayout),
		r.ExpiresAt.Format(timeLayout), nullable(r.IdempotencyKey),
		nullable(r.Result), nullableIntPtr(r.ExitCode), int64(r.ExecutionTime), nullable(r.MessageID),
		nullable(string(r.DecisionType)), nullable(r.ApproverID), r.LatencyMS,
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("sqlstore: put %s: %w", r.RequestID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, requestID string) (*model.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx, baseSelect+" WHERE request_id = ?", requestID)
	return scanRequest(row)
}

func (s *Store) GetByIdempotencyKey(ctx context.Context, source, key string) (*model.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx, baseSelect+" WHERE source = ? AND idempotency_key = ?", source, key)
	return scanRequest(row)
}

const baseSelect = `SELECT request_id, kind, command, display_summary, source, trust_scope, account_id,
	reason, status, created_at, updated_at, expires_at, result, exit_code, execution_time_ns,
	message_id, decision_type, approver_id, latency_ms, idempotency_key
FROM approval_requests`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row rowScanner) (*model.ApprovalRequest, error) {
	var r model.ApprovalRequest
	var kind, status string
	var createdAt, updatedAt, expiresAt string
	var result, messageID, decisionType, approverID, idempotencyKey sql.NullString
	var exitCode, latencyMS, executionTimeNS sql.NullInt64

	err := row.Scan(&r.RequestID, &kind, &r.Command, &r.DisplaySummary, &r.Source, &r.TrustScope, &r.AccountID,
		&r.Reason, &status, &createdAt, &updatedAt, &expiresAt, &result, &exitCode, &executionTimeNS,
		&messageID, &decisionType, &approverID, &latencyMS, &idempotencyKey)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: scan: %w", err)
	}

	r.Kind = model.ActionKind(kind)
	r.Status = model.Status(status)
	r.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	r.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	r.ExpiresAt, _ = time.Parse(timeLayout, expiresAt)
	if result.Valid {
		r.Result = result.String
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		r.ExitCode = &v
	}
	if executionTimeNS.Valid {
		r.ExecutionTime = time.Duration(executionTimeNS.Int64)
	}
	if messageID.Valid {
		r.MessageID = messageID.String
	}
	if decisionType.Valid {
		r.DecisionType = model.DecisionType(decisionType.String)
	}
	if approverID.Valid {
		r.ApproverID = approverID.String
	}
	if latencyMS.Valid {
		r.LatencyMS = latencyMS.Int64
	}
	if idempotencyKey.Valid {
		r.IdempotencyKey = idempotencyKey.String
	}
	return &r, nil
}

// Transition applies patch iff the stored status still equals fromStatus,
// in a single UPDATE ... WHERE status = ? statement — no read-modify-write.
func (s *Store) Transition(ctx context.Context, requestID string, fromStatus model.Status, patch store.Patch) (*model.ApprovalRequest, error) {
	updatedAt := patch.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE approval_requests SET
	status = ?,
	result = COALESCE(?, result),
	exit_code = COALESCE(?, exit_code),
	execution_time_ns = COALESCE(?, execution_time_ns),
	message_id = COALESCE(?, message_id),
	decision_type = COALESCE(?, decision_type),
	approver_id = COALESCE(?, approver_id),
	latency_ms = COALESCE(?, latency_ms),
	updated_at = ?
WHERE request_id = ? AND status = ?`,
		string(patch.Status),
		nullableStringPtr(patch.Result),
		nullableIntPtr(patch.ExitCode),
		nullableDurationPtr(patch.ExecutionTime),
		nullableStringPtr(patch.MessageID),
		nullableDecisionTypePtr(patch.DecisionType),
		nullableStringPtr(patch.ApproverID),
		nullableInt64Ptr(patch.LatencyMS),
		updatedAt.Format(timeLayout),
		requestID, string(fromStatus),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: transition %s: %w", requestID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("sqlstore: transition %s rows affected: %w", requestID, err)
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, requestID); getErr == store.ErrNotFound {
			return nil, store.ErrNotFound
		}
		return nil, store.ErrConflict
	}
	return s.Get(ctx, requestID)
}

func (s *Store) ListPending(ctx context.Context, source string, limit int) ([]*model.ApprovalRequest, error) {
	query := baseSelect + " WHERE status = ?"
	args := []interface{}{string(model.StatusPending)}
	if source != "" {
		query += " AND source = ?"
		args = append(args, source)
	}
	query += " ORDER BY created_at ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryRequests(ctx, query, args...)
}

func (s *Store) ListPendingByTrustScope(ctx context.Context, trustScope, accountID string, limit int) ([]*model.ApprovalRequest, error) {
	query := baseSelect + " WHERE status = ? AND trust_scope = ? AND account_id = ? ORDER BY created_at ASC"
	args := []interface{}{string(model.StatusPending), trustScope, accountID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryRequests(ctx, query, args...)
}

func (s *Store) queryRequests(ctx context.Context, query string, args ...interface{}) ([]*model.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: query: %w", err)
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
	_, err := s.db.ExecContext(ctx, `
INSERT INTO pages (page_id, content, expires_at) VALUES (?,?,?)
ON CONFLICT(page_id) DO UPDATE SET content = excluded.content, expires_at = excluded.expires_at`,
		pageID, content, time.Now().Add(ttl).Format(timeLayout))
	if err != nil {
		return fmt.Errorf("sqlstore: put page %s: %w", pageID, err)
	}
	return nil
}

func (s *Store) GetPage(ctx context.Context, pageID string) (string, error) {
	var content, expiresAt string
	err := s.db.QueryRowContext(ctx, `SELECT content, expires_at FROM pages WHERE page_id = ?`, pageID).Scan(&content, &expiresAt)
	if err == sql.ErrNoRows {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("sqlstore: get page %s: %w", pageID, err)
	}
	exp, _ := time.Parse(timeLayout, expiresAt)
	if time.Now().After(exp) {
		return "", store.ErrNotFound
	}
	return content, nil
}

func (s *Store) Append(ctx context.Context, e *model.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO audit_log (id, request_id, kind, decision, source, trust_scope, account_id, score, reasons, latency_ms, at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.RequestID, e.Kind, e.Decision, e.Source, e.TrustScope, e.AccountID, e.Score,
		joinReasons(e.Reasons), e.LatencyMS, e.At.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("sqlstore: append audit: %w", err)
	}
	return nil
}

func (s *Store) Tail(ctx context.Context, n int) ([]*model.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, request_id, kind, decision, source, trust_scope, account_id, score, reasons, latency_ms, at
FROM audit_log ORDER BY at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: tail audit: %w", err)
	}
	defer rows.Close()

	var out []*model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var at, reasons string
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Kind, &e.Decision, &e.Source, &e.TrustScope,
			&e.AccountID, &e.Score, &reasons, &e.LatencyMS, &at); err != nil {
			return nil, fmt.Errorf("sqlstore: scan audit: %w", err)
		}
		e.At, _ = time.Parse(timeLayout, at)
		e.Reasons = splitReasons(reasons)
		out = append([]*model.AuditEntry{&e}, out...) // reverse DESC back to chronological
	}
	return out, rows.Err()
}

func (s *Store) PutAccount(ctx context.Context, a *model.Account) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO accounts (account_id, display_name, role_arn, upload_bucket, sensitivity) VALUES (?,?,?,?,?)
ON CONFLICT(account_id) DO UPDATE SET display_name=excluded.display_name, role_arn=excluded.role_arn,
	upload_bucket=excluded.upload_bucket, sensitivity=excluded.sensitivity`,
		a.AccountID, a.DisplayName, a.RoleARN, a.UploadBucket, a.Sensitivity)
	if err != nil {
		return fmt.Errorf("sqlstore: put account %s: %w", a.AccountID, err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	var a model.Account
	err := s.db.QueryRowContext(ctx, `SELECT account_id, display_name, role_arn, upload_bucket, sensitivity FROM accounts WHERE account_id = ?`, accountID).
		Scan(&a.AccountID, &a.DisplayName, &a.RoleARN, &a.UploadBucket, &a.Sensitivity)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get account %s: %w", accountID, err)
	}
	return &a, nil
}

func (s *Store) DeleteAccount(ctx context.Context, accountID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE account_id = ?`, accountID)
	if err != nil {
		return fmt.Errorf("sqlstore: delete account %s: %w", accountID, err)
	}
	return nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]*model.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT account_id, display_name, role_arn, upload_bucket, sensitivity FROM accounts`)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list accounts: %w", err)
	}
	defer rows.Close()
	var out []*model.Account
	for rows.Next() {
		var a model.Account
		if err := rows.Scan(&a.AccountID, &a.DisplayName, &a.RoleARN, &a.UploadBucket, &a.Sensitivity); err != nil {
			return nil, fmt.Errorf("sqlstore: scan account: %w", err)
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

func nullableStringPtr(p *string) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func nullableIntPtr(p *int) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func nullableInt64Ptr(p *int64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func nullableDurationPtr(p *time.Duration) interface{} {
	if p == nil {
		return nil
	}
	return int64(*p)
}

func nullableDecisionTypePtr(p *model.DecisionType) interface{} {
	if p == nil {
		return nil
	}
	return string(*p)
}

func joinReasons(reasons []string) string {
	out := ""
	for i, r := range reasons {
		if i > 0 {
			out += "\x1f" // unit separator, unlikely to appear in a reason string
		}
		out += r
	}
	return out
}

func splitReasons(joined string) []string {
	if joined == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(joined); i++ {
		if joined[i] == '\x1f' {
			out = append(out, joined[start:i])
			start = i + 1
		}
	}
	out = append(out, joined[start:])
	return out
}

func isUniqueConstraintErr(err error) bool {
	// modernc.org/sqlite reports constraint violations with "UNIQUE
	// constraint failed" in the error string; there is no typed sentinel
	// exported for this the way pgx exposes a pgconn.PgError code.
	return err != nil && containsUnique(err.Error())
}

func containsUnique(s string) bool {
	const needle = "UNIQUE constraint failed"
	for i := 0; i+len(needle) <= len(s); i++ {
		if s[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
