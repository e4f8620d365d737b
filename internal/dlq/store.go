// Package dlq persists assignments and results that could not be delivered.
// Entries land in an append-only JSONL file that rotates by size; rotated
// files are retained under count, byte, and optional age limits.
package dlq

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattjoyce/stevedore/internal/events"
	"github.com/mattjoyce/stevedore/internal/log"
	"github.com/mattjoyce/stevedore/internal/protocol"
)

// rotatedTimeFormat suffixes rotated files; lexical order matches
// chronological order so retention can sort by name.
const rotatedTimeFormat = "20060102-150405"

type Options struct {
	Path            string
	MaxBytesPerFile int64
	TotalMaxBytes   int64
	MaxRotations    int
	// MaxAge of zero keeps rotated files regardless of age.
	MaxAge time.Duration
}

// Store is the single writer for the dead-letter file. All appends and
// sweeps serialize on one mutex; rotation happens before an append that
// would not fit, never after, so a crash can truncate at most one line.
type Store struct {
	mu   sync.Mutex
	opts Options
	hub  *events.Hub
}

func NewStore(opts Options, hub *events.Hub) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("dead letter path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create dead letter directory: %w", err)
	}
	return &Store{opts: opts, hub: hub}, nil
}

// Append writes one entry as a JSON line. Rotation happens first whenever
// this line would push the active file past its size cap, so the
// overflowing entry lands only in the fresh file.
func (s *Store) Append(entry *protocol.DeadLetterEntry) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding dead letter: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.rotateIfNeededLocked(int64(len(line) + 1)); err != nil {
		return err
	}

	f, err := os.OpenFile(s.opts.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening dead letter file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending dead letter: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing dead letter file: %w", err)
	}

	log.WithComponent("dlq").Warn("dead letter recorded",
		"reason", entry.FailureReason,
		"attempts", entry.AttemptCount)
	if s.hub != nil {
		s.hub.Publish(events.TypeDeadLetter, map[string]any{
			"reason": entry.FailureReason, "attempts": entry.AttemptCount,
		})
	}
	return nil
}

// Sweep applies the retention limits to rotated files without appending.
// The worker runs this on a timer so limits hold even when no new dead
// letters arrive.
func (s *Store) Sweep() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enforceLimitsLocked()
}

// RunSweeper applies retention on every tick until ctx ends.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	logger := log.WithComponent("dlq")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(); err != nil {
				logger.Warn("retention sweep failed", "error", err)
			}
		}
	}
}

// rotateIfNeededLocked renames the active file out of the way when writing
// entrySize more bytes would exceed the per-file cap. An oversized entry
// into an empty file is still written; it rotates on the next append.
func (s *Store) rotateIfNeededLocked(entrySize int64) error {
	info, err := os.Stat(s.opts.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat dead letter file: %w", err)
	}
	if info.Size() == 0 || info.Size()+entrySize <= s.opts.MaxBytesPerFile {
		return nil
	}

	rotated := fmt.Sprintf("%s.%s", s.opts.Path, time.Now().UTC().Format(rotatedTimeFormat))
	if err := os.Rename(s.opts.Path, rotated); err != nil {
		return fmt.Errorf("rotating dead letter file: %w", err)
	}
	return s.enforceLimitsLocked()
}

func (s *Store) enforceLimitsLocked() error {
	files, err := s.rotatedFilesLocked()
	if err != nil {
		return err
	}

	if s.opts.MaxAge > 0 {
		cutoff := time.Now().Add(-s.opts.MaxAge)
		kept := files[:0]
		for _, f := range files {
			if f.modTime.Before(cutoff) {
				_ = os.Remove(f.path)
				continue
			}
			kept = append(kept, f)
		}
		files = kept
	}

	for len(files) > s.opts.MaxRotations {
		_ = os.Remove(files[0].path)
		files = files[1:]
	}

	var total int64
	for _, f := range files {
		total += f.size
	}
	for total > s.opts.TotalMaxBytes && len(files) > 0 {
		_ = os.Remove(files[0].path)
		total -= files[0].size
		files = files[1:]
	}
	return nil
}

type rotatedFile struct {
	path    string
	size    int64
	modTime time.Time
}

// rotatedFilesLocked lists rotated siblings of the active file, oldest
// first. The timestamp suffix makes name order equal age order.
func (s *Store) rotatedFilesLocked() ([]rotatedFile, error) {
	dir := filepath.Dir(s.opts.Path)
	base := filepath.Base(s.opts.Path)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing dead letter directory: %w", err)
	}

	var files []rotatedFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), base+".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, rotatedFile{
			path:    filepath.Join(dir, e.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].path < files[j].path })
	return files, nil
}

// List reads back up to limit entries from the active file, newest last.
func (s *Store) List(limit int) ([]*protocol.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ListFile(s.opts.Path, limit)
}

// ListFile reads entries from a dead-letter file without a Store, for CLI
// inspection of a possibly live queue. A limit of zero means no cap.
// Unparseable lines are skipped; a torn tail line from a crash must not
// make the whole queue unreadable.
func ListFile(path string, limit int) ([]*protocol.DeadLetterEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening dead letter file: %w", err)
	}
	defer f.Close()

	var out []*protocol.DeadLetterEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry protocol.DeadLetterEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		out = append(out, &entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading dead letter file: %w", err)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
