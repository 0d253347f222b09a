// Package upload implements the presigned-upload facility: opaque S3 upload
// URLs issued against a staging bucket, outside the approval pipeline but
// still rate-limited and audit-logged.
package upload

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/bgdnvk/bouncer/internal/idgen"
	"github.com/bgdnvk/bouncer/internal/model"
	"github.com/bgdnvk/bouncer/internal/notifier"
	"github.com/bgdnvk/bouncer/internal/ratelimit"
	"github.com/bgdnvk/bouncer/internal/store"
)

// MaxBatchFiles bounds RequestPresignedBatch.
const MaxBatchFiles = 50

// MaxExpirySeconds bounds both RequestPresignedUrl and
// RequestPresignedBatch.
const MaxExpirySeconds = 3600

// MinContentLength/MaxContentLength are the server-side content-length range
// requires the URL generator to enforce ("MUST enforce a server-side
// content-length range").
const (
	MinContentLength = 1
	MaxContentLength = 5 << 30 // 5 GiB, S3's single-PUT ceiling
)

var (
	ErrExpiryTooLong  = fmt.Errorf("upload: expires_in exceeds %ds", MaxExpirySeconds)
	ErrTooManyFiles   = fmt.Errorf("upload: batch exceeds %d files", MaxBatchFiles)
	ErrRateLimited    = fmt.Errorf("upload: rate limited")
	ErrUnknownAccount = fmt.Errorf("upload: unknown account")
)

// Presigner is the subset of *s3.PresignClient this package depends on,
// narrowed to a structural interface so tests can fake it without a real
// AWS endpoint.
type Presigner interface {
	PresignPutObject(ctx context.Context, input *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*PresignedRequest, error)
	HeadObject(ctx context.Context, bucket, key string) (bool, error)
}

// PresignedRequest mirrors the fields v4.PresignedHTTPRequest exposes that
// callers need.
type PresignedRequest struct {
	URL    string
	Method string
}

// File describes one requested upload slot.
type File struct {
	Filename    string
	ContentType string
}

// Result is one issued presigned upload.
type Result struct {
	PresignedURL string    `json:"presigned_url"`
	S3Key        string    `json:"s3_key"`
	S3URI        string    `json:"s3_uri"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// BatchResult wraps a batch issuance with its shared key prefix.
type BatchResult struct {
	BatchID string   `json:"batch_id"`
	Results []Result `json:"results"`
}

// ConfirmResult reports which of the requested keys actually landed in the
// staging bucket.
type ConfirmResult struct {
	Verified bool     `json:"verified"`
	Missing  []string `json:"missing"`
}

type Service struct {
	presigner Presigner
	accounts  store.AccountStore
	audit     store.AuditStore
	limiter   *ratelimit.Limiter
	notifier  notifier.Notifier // optional; nil disables the silent notification
	bucket    string
	clock     func() time.Time
}

func New(presigner Presigner, accounts store.AccountStore, audit store.AuditStore, limiter *ratelimit.Limiter, n notifier.Notifier, defaultBucket string) *Service {
	return &Service{presigner: presigner, accounts: accounts, audit: audit, limiter: limiter, notifier: n, bucket: defaultBucket, clock: time.Now}
}

func (s *Service) bucketFor(ctx context.Context, accountID string) (string, error) {
	if accountID == "" {
		return s.bucket, nil
	}
	acct, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	if acct.UploadBucket != "" {
		return acct.UploadBucket, nil
	}
	return s.bucket, nil
}

// RequestPresignedUrl issues one presigned PUT URL. No approval path: rate
// limiting and audit logging stand in for admission review.
func (s *Service) RequestPresignedUrl(ctx context.Context, file File, reason, source, accountID string, expiresIn time.Duration) (*Result, error) {
	results, _, err := s.issue(ctx, "", []File{file}, reason, source, accountID, expiresIn)
	if err != nil {
		return nil, err
	}
	return &results[0], nil
}

// RequestPresignedBatch issues up to MaxBatchFiles presigned PUT URLs under
// one shared batch_id key prefix.
func (s *Service) RequestPresignedBatch(ctx context.Context, files []File, reason, source, accountID string, expiresIn time.Duration) (*BatchResult, error) {
	if len(files) > MaxBatchFiles {
		return nil, ErrTooManyFiles
	}
	batchID := idgen.RequestID()
	results, _, err := s.issue(ctx, batchID, files, reason, source, accountID, expiresIn)
	if err != nil {
		return nil, err
	}
	return &BatchResult{BatchID: batchID, Results: results}, nil
}

func (s *Service) issue(ctx context.Context, batchID string, files []File, reason, source, accountID string, expiresIn time.Duration) ([]Result, string, error) {
	if expiresIn > MaxExpirySeconds*time.Second {
		return nil, "", ErrExpiryTooLong
	}
	now := s.clock()
	allowed, err := s.limiter.Allow(ctx, source, now)
	if err != nil {
		return nil, "", fmt.Errorf("upload: rate check: %w", err)
	}
	if !allowed {
		return nil, "", ErrRateLimited
	}

	bucket, err := s.bucketFor(ctx, accountID)
	if err != nil {
		return nil, "", err
	}

	results := make([]Result, 0, len(files))
	for _, f := range files {
		key := keyFor(batchID, f.Filename)
		presigned, err := s.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
			Bucket:      &bucket,
			Key:         &key,
			ContentType: &f.ContentType,
		}, func(o *s3.PresignOptions) { o.Expires = expiresIn })
		if err != nil {
			return nil, "", fmt.Errorf("upload: presign %s: %w", key, err)
		}
		results = append(results, Result{
			PresignedURL: presigned.URL,
			S3Key:        key,
			S3URI:        fmt.Sprintf("s3://%s/%s", bucket, key),
			ExpiresAt:    now.Add(expiresIn),
		})
	}

	s.auditIssue(ctx, batchID, source, reason, len(files), now)
	s.notifySilently(ctx, batchID, source, reason, len(files), now)
	return results, bucket, nil
}

// notifySilently posts the "a silent notification is emitted" message calls
// for: informational only, no buttons, never blocks issuance on delivery
// failure.
func (s *Service) notifySilently(ctx context.Context, batchID, source, reason string, fileCount int, now time.Time) {
	if s.notifier == nil {
		return
	}
	msg := notifier.Message{
		Title:     "📤 Upload URL issued",
		Source:    notifier.Escape(source),
		Reason:    notifier.Escape(reason),
		Summary:   fmt.Sprintf("`%d file(s) presigned`", fileCount),
		RequestID: batchID,
		ExpiresAt: now.Format("15:04:05 MST"),
	}
	_, _ = s.notifier.Notify(ctx, msg)
}

// ConfirmUpload checks which of keys actually exist in the staging bucket.
func (s *Service) ConfirmUpload(ctx context.Context, accountID, batchID string, keys []string) (*ConfirmResult, error) {
	bucket, err := s.bucketFor(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, key := range keys {
		ok, err := s.presigner.HeadObject(ctx, bucket, key)
		if err != nil {
			return nil, fmt.Errorf("upload: head %s: %w", key, err)
		}
		if !ok {
			missing = append(missing, key)
		}
	}

	s.auditConfirm(ctx, batchID, len(keys), len(missing))
	return &ConfirmResult{Verified: len(missing) == 0, Missing: missing}, nil
}

func keyFor(batchID, filename string) string {
	if batchID == "" {
		return fmt.Sprintf("uploads/%s/%s", idgen.RequestID(), filename)
	}
	return fmt.Sprintf("uploads/%s/%s", batchID, filename)
}

func (s *Service) auditIssue(ctx context.Context, batchID, source, reason string, fileCount int, now time.Time) {
	entry := &model.AuditEntry{
		ID:        idgen.AuditID(),
		RequestID: batchID,
		Kind:      string(model.ActionUpload),
		Decision:  "presigned",
		Source:    source,
		Reasons:   []string{reason, fmt.Sprintf("%d file(s)", fileCount)},
		At:        now,
	}
	_ = s.audit.Append(ctx, entry)
}

func (s *Service) auditConfirm(ctx context.Context, batchID string, requested, missing int) {
	entry := &model.AuditEntry{
		ID:        idgen.AuditID(),
		RequestID: batchID,
		Kind:      string(model.ActionUpload),
		Decision:  "confirm",
		Reasons:   []string{fmt.Sprintf("%d requested, %d missing", requested, missing)},
		At:        s.clock(),
	}
	_ = s.audit.Append(ctx, entry)
}
