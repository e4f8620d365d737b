package journal

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattjoyce/stevedore/internal/protocol"
)

func openTestJournal(t *testing.T, ttl time.Duration) *Journal {
	t.Helper()
	j, err := Open(context.Background(), filepath.Join(t.TempDir(), "state.db"), ttl)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func result(jobID string, finished time.Time) *protocol.Result {
	return &protocol.Result{
		JobID:      jobID,
		JobType:    "echo",
		Status:     protocol.StatusSuccess,
		FinishedAt: finished,
		DurationMS: 5,
	}
}

func TestRecordAndSeen(t *testing.T) {
	t.Parallel()
	j := openTestJournal(t, 24*time.Hour)
	ctx := context.Background()

	seen, err := j.Seen(ctx, "job-1")
	if err != nil {
		t.Fatalf("Seen before record: %v", err)
	}
	if seen {
		t.Fatal("unrecorded job reported as seen")
	}

	if err := j.Record(ctx, result("job-1", time.Now())); err != nil {
		t.Fatalf("Record: %v", err)
	}
	seen, err = j.Seen(ctx, "job-1")
	if err != nil {
		t.Fatalf("Seen after record: %v", err)
	}
	if !seen {
		t.Fatal("recorded job not reported as seen")
	}
}

func TestRecordReplacesExisting(t *testing.T) {
	t.Parallel()
	j := openTestJournal(t, 24*time.Hour)
	ctx := context.Background()

	if err := j.Record(ctx, result("job-1", time.Now())); err != nil {
		t.Fatalf("first record: %v", err)
	}
	second := result("job-1", time.Now())
	second.Status = protocol.StatusFailure
	second.ErrorCode = protocol.CodeTimeout
	if err := j.Record(ctx, second); err != nil {
		t.Fatalf("second record: %v", err)
	}
}

func TestSeenHonorsTTL(t *testing.T) {
	t.Parallel()
	j := openTestJournal(t, time.Minute)
	ctx := context.Background()

	if err := j.Record(ctx, result("job-old", time.Now().Add(-2*time.Minute))); err != nil {
		t.Fatalf("Record: %v", err)
	}
	seen, err := j.Seen(ctx, "job-old")
	if err != nil {
		t.Fatalf("Seen: %v", err)
	}
	if seen {
		t.Fatal("outcome older than TTL still reported as seen")
	}
}

func TestPrune(t *testing.T) {
	t.Parallel()
	j := openTestJournal(t, time.Minute)
	ctx := context.Background()

	if err := j.Record(ctx, result("job-old", time.Now().Add(-2*time.Minute))); err != nil {
		t.Fatalf("record old: %v", err)
	}
	if err := j.Record(ctx, result("job-new", time.Now())); err != nil {
		t.Fatalf("record new: %v", err)
	}

	n, err := j.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d rows, want 1", n)
	}
	seen, err := j.Seen(ctx, "job-new")
	if err != nil {
		t.Fatalf("Seen: %v", err)
	}
	if !seen {
		t.Fatal("fresh outcome removed by prune")
	}
}

func TestWindowDedup(t *testing.T) {
	t.Parallel()
	w := NewWindow(3)

	if w.Observe("a") {
		t.Fatal("first observation reported as duplicate")
	}
	if !w.Observe("a") {
		t.Fatal("second observation not reported as duplicate")
	}

	w.Observe("b")
	w.Observe("c")
	w.Observe("d") // evicts a
	if w.Len() != 3 {
		t.Fatalf("window holds %d ids, want 3", w.Len())
	}
	if w.Observe("a") {
		t.Fatal("evicted id still reported as duplicate")
	}
}

func TestWindowEvictionOrder(t *testing.T) {
	t.Parallel()
	w := NewWindow(2)
	for i := 0; i < 5; i++ {
		w.Observe(fmt.Sprintf("job-%d", i))
	}
	// Only the two newest remain.
	if !w.Observe("job-4") || !w.Observe("job-3") {
		t.Error("newest ids evicted out of order")
	}
	if w.Observe("job-0") {
		t.Error("oldest id survived eviction")
	}
}
