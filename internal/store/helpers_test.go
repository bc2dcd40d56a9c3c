package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"pdfqueue/internal/model"
)

// newStore creates a fresh test database in a temporary directory
func newStore(t *testing.T) *Store {
	t.Helper()

	st, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// enqueueTestJob inserts a queued job, available since a minute ago, with a
// 2s/60s backoff policy
func enqueueTestJob(t *testing.T, st *Store, id string, maxAttempts int) *model.Job {
	t.Helper()

	j := &model.Job{
		ID: id,
		Payload: model.Payload{
			URL:      "https://crm.example.com/invoice?id=" + id,
			FileName: "invoice-" + id,
		},
		MaxAttempts: maxAttempts,
		AvailableAt: time.Now().UTC().Add(-time.Minute),
		Backoff:     model.Backoff{Base: 2 * time.Second, Cap: 60 * time.Second},
	}
	if err := st.Enqueue(context.Background(), j, 0); err != nil {
		t.Fatalf("Failed to enqueue job %s: %v", id, err)
	}
	return j
}

func getJob(t *testing.T, st *Store, id string) *model.Job {
	t.Helper()

	j, err := st.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("Failed to get job %s: %v", id, err)
	}
	return j
}

func claim(t *testing.T, st *Store, now time.Time) *model.Job {
	t.Helper()

	j, err := st.ClaimOne(context.Background(), now, 3*time.Minute, "lease-"+now.Format(time.RFC3339Nano))
	if err != nil {
		t.Fatalf("Failed to claim job: %v", err)
	}
	if j == nil {
		t.Fatal("Expected to claim a job")
	}
	return j
}
