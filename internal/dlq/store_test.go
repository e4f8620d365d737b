package dlq

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/stevedore/internal/protocol"
)

func testStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.Path == "" {
		opts.Path = filepath.Join(t.TempDir(), "deadletter.jsonl")
	}
	if opts.MaxBytesPerFile == 0 {
		opts.MaxBytesPerFile = 1 << 20
	}
	if opts.TotalMaxBytes == 0 {
		opts.TotalMaxBytes = 10 << 20
	}
	if opts.MaxRotations == 0 {
		opts.MaxRotations = 5
	}
	s, err := NewStore(opts, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func entry(jobID, reason string) *protocol.DeadLetterEntry {
	return &protocol.DeadLetterEntry{
		Assignment:    &protocol.Assignment{JobID: jobID, JobType: "echo"},
		FailureReason: reason,
		AttemptCount:  3,
		FailedAt:      time.Now().UTC(),
	}
}

func TestAppendAndList(t *testing.T) {
	t.Parallel()
	s := testStore(t, Options{})

	for i := 0; i < 3; i++ {
		if err := s.Append(entry(fmt.Sprintf("job-%d", i), "publish_failed")); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	entries, err := s.List(0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("listed %d entries, want 3", len(entries))
	}
	if entries[0].Assignment.JobID != "job-0" || entries[2].Assignment.JobID != "job-2" {
		t.Errorf("entries out of order: first=%s last=%s",
			entries[0].Assignment.JobID, entries[2].Assignment.JobID)
	}

	limited, err := s.List(2)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 || limited[0].Assignment.JobID != "job-1" {
		t.Errorf("limited list wrong: got %d entries", len(limited))
	}
}

func TestListSkipsTornLines(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "deadletter.jsonl")
	s := testStore(t, Options{Path: path})

	if err := s.Append(entry("job-ok", "publish_failed")); err != nil {
		t.Fatalf("append: %v", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.WriteString(`{"assignment":{"job_id":"to`)
	f.Close()

	entries, err := s.List(0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].Assignment.JobID != "job-ok" {
		t.Fatalf("listed %d entries, want just the intact one", len(entries))
	}
}

func TestRotationBeforeAppend(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "deadletter.jsonl")
	s := testStore(t, Options{Path: path, MaxBytesPerFile: 64})

	// Each entry is well over 64 bytes, so every append after the first
	// rotates the previous file out.
	for i := 0; i < 3; i++ {
		if err := s.Append(entry(fmt.Sprintf("job-%d", i), "publish_failed")); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		// Rotated names carry second precision; keep them distinct.
		time.Sleep(1100 * time.Millisecond)
	}

	rotated := rotatedNames(t, dir, "deadletter.jsonl")
	if len(rotated) != 2 {
		t.Fatalf("found %d rotated files, want 2: %v", len(rotated), rotated)
	}

	// Active file holds only the newest entry.
	entries, err := s.List(0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].Assignment.JobID != "job-2" {
		t.Fatalf("active file has %d entries, want just job-2", len(entries))
	}
}

func TestRotationBeforeOverflowingAppend(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "deadletter.jsonl")
	s := testStore(t, Options{Path: path, MaxBytesPerFile: 1000})

	// Active file just under the cap. The next entry fits the cap on its
	// own but not on top of the existing bytes, so the append must open a
	// fresh file rather than overflow this one.
	primed := strings.Repeat("x", 990) + "\n"
	if err := os.WriteFile(path, []byte(primed), 0o644); err != nil {
		t.Fatalf("priming active file: %v", err)
	}

	if err := s.Append(entry("job-boundary", "publish_failed")); err != nil {
		t.Fatalf("append: %v", err)
	}

	rotated := rotatedNames(t, dir, "deadletter.jsonl")
	if len(rotated) != 1 {
		t.Fatalf("found %d rotated files, want 1", len(rotated))
	}
	data, err := os.ReadFile(filepath.Join(dir, rotated[0]))
	if err != nil {
		t.Fatalf("reading rotated file: %v", err)
	}
	if string(data) != primed {
		t.Error("rotated file received writes after rotation")
	}

	entries, err := s.List(0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].Assignment.JobID != "job-boundary" {
		t.Fatalf("active file has %d entries, want just the overflowing one", len(entries))
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat active file: %v", err)
	}
	if info.Size() > 1000 {
		t.Errorf("active file is %d bytes, past the %d cap", info.Size(), 1000)
	}
}

func TestRetentionMaxRotations(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "deadletter.jsonl")
	s := testStore(t, Options{Path: path, MaxRotations: 2})

	for i := 0; i < 5; i++ {
		writeRotated(t, path, fmt.Sprintf("2026010%d-000000", i+1), "x")
	}
	if err := s.Sweep(); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	rotated := rotatedNames(t, dir, "deadletter.jsonl")
	if len(rotated) != 2 {
		t.Fatalf("kept %d rotated files, want 2: %v", len(rotated), rotated)
	}
	// Oldest were removed; the two newest remain.
	for _, name := range rotated {
		if strings.HasSuffix(name, "20260101-000000") || strings.HasSuffix(name, "20260102-000000") {
			t.Errorf("old rotation %s survived the sweep", name)
		}
	}
}

func TestRetentionTotalBytes(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "deadletter.jsonl")
	s := testStore(t, Options{Path: path, TotalMaxBytes: 25, MaxRotations: 100})

	// Three rotations of 10 bytes each; only two fit under 25.
	for i := 0; i < 3; i++ {
		writeRotated(t, path, fmt.Sprintf("2026010%d-000000", i+1), strings.Repeat("x", 10))
	}
	if err := s.Sweep(); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	rotated := rotatedNames(t, dir, "deadletter.jsonl")
	if len(rotated) != 2 {
		t.Fatalf("kept %d rotated files, want 2: %v", len(rotated), rotated)
	}
	if strings.HasSuffix(rotated[0], "20260101-000000") {
		t.Error("oldest rotation survived a byte-budget sweep")
	}
}

func TestRetentionMaxAge(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "deadletter.jsonl")
	s := testStore(t, Options{Path: path, MaxRotations: 100, MaxAge: time.Hour})

	old := writeRotated(t, path, "20260101-000000", "x")
	stale := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(old, stale, stale); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	fresh := writeRotated(t, path, "20260102-000000", "x")

	if err := s.Sweep(); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("expired rotation survived the age sweep")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("fresh rotation removed: %v", err)
	}
}

func writeRotated(t *testing.T, base, stamp, content string) string {
	t.Helper()
	name := base + "." + stamp
	if err := os.WriteFile(name, []byte(content), 0o644); err != nil {
		t.Fatalf("writing rotated file: %v", err)
	}
	return name
}

func rotatedNames(t *testing.T, dir, base string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading dir: %v", err)
	}
	var out []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), base+".") {
			out = append(out, e.Name())
		}
	}
	return out
}
