package upload

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/bgdnvk/bouncer/internal/ratelimit"
	"github.com/bgdnvk/bouncer/internal/store"
)

type fakePresigner struct {
	existing map[string]bool
}

func (f *fakePresigner) PresignPutObject(ctx context.Context, input *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*PresignedRequest, error) {
	return &PresignedRequest{URL: "https://example-bucket.s3.amazonaws.com/" + *input.Key, Method: "PUT"}, nil
}

func (f *fakePresigner) HeadObject(ctx context.Context, bucket, key string) (bool, error) {
	return f.existing[key], nil
}

type unlimitedRateStore struct{}

func (unlimitedRateStore) IncrementWindow(ctx context.Context, source string, windowStart time.Time) (int, error) {
	return 1, nil
}

func newTestService(t *testing.T) (*Service, *fakePresigner) {
	t.Helper()
	presigner := &fakePresigner{existing: map[string]bool{}}
	accounts := store.NewMemStore()
	limiter := ratelimit.New(unlimitedRateStore{}, time.Minute, 1000)
	return New(presigner, accounts, accounts, limiter, nil, "default-bucket"), presigner
}

func TestRequestPresignedUrlPopulatesURIAndURL(t *testing.T) {
	svc, _ := newTestService(t)

	result, err := svc.RequestPresignedUrl(context.Background(), File{Filename: "report.csv", ContentType: "text/csv"},
		"share a report", "agent-1", "", 15*time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.S3URI == "" || result.PresignedURL == "" {
		t.Errorf("expected populated URI/URL, got %+v", result)
	}
}

func TestRequestPresignedUrlRejectsLongExpiry(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.RequestPresignedUrl(context.Background(), File{Filename: "x"}, "r", "agent-1", "", 2*time.Hour)
	if err != ErrExpiryTooLong {
		t.Errorf("expected ErrExpiryTooLong, got %v", err)
	}
}

func TestRequestPresignedBatchRejectsOversizedBatch(t *testing.T) {
	svc, _ := newTestService(t)

	files := make([]File, MaxBatchFiles+1)
	for i := range files {
		files[i] = File{Filename: "f"}
	}
	_, err := svc.RequestPresignedBatch(context.Background(), files, "r", "agent-1", "", time.Minute)
	if err != ErrTooManyFiles {
		t.Errorf("expected ErrTooManyFiles, got %v", err)
	}
}

func TestRequestPresignedBatchSharesKeyPrefix(t *testing.T) {
	svc, _ := newTestService(t)

	files := []File{{Filename: "a.txt"}, {Filename: "b.txt"}}
	batch, err := svc.RequestPresignedBatch(context.Background(), files, "r", "agent-1", "", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batch.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(batch.Results))
	}
	for _, r := range batch.Results {
		if !containsSubstring(r.S3Key, batch.BatchID) {
			t.Errorf("expected key %q to contain batch id %q", r.S3Key, batch.BatchID)
		}
	}
}

func TestConfirmUploadReportsMissingKeys(t *testing.T) {
	svc, presigner := newTestService(t)
	presigner.existing["uploads/batch-1/present.txt"] = true

	result, err := svc.ConfirmUpload(context.Background(), "", "batch-1", []string{
		"uploads/batch-1/present.txt", "uploads/batch-1/missing.txt",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Verified {
		t.Error("expected Verified=false when a key is missing")
	}
	if len(result.Missing) != 1 || result.Missing[0] != "uploads/batch-1/missing.txt" {
		t.Errorf("unexpected missing list: %v", result.Missing)
	}
}

func containsSubstring(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
