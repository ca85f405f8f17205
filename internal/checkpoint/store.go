// Package checkpoint persists the set of completed row indices so an
// interrupted run can resume without redoing finished work.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"
)

// FormatVersion is bumped whenever the on-disk layout changes.
// A file with an unknown version is ignored rather than misread.
const FormatVersion = 1

// DefaultFilename is the checkpoint location relative to the working directory.
const DefaultFilename = "checkpoint.json"

// fileCheckpoint is the on-disk layout: a version tag plus the sorted
// list of completed 1-based row indices.
type fileCheckpoint struct {
	Version   int       `json:"version"`
	SavedAt   time.Time `json:"saved_at"`
	Completed []int     `json:"completed"`
}

// Store owns the in-memory completed set and its persistence.
// All methods are safe for concurrent use; Save snapshots the set under
// the lock so writers never observe a torn state on disk.
type Store struct {
	path      string
	mu        sync.Mutex
	completed map[int]bool
	logger    *slog.Logger
	writeMu   sync.Mutex // serializes disk writes
}

// NewStore creates a store backed by the given file path. The file is
// not touched until Load or Save is called.
func NewStore(path string, logger *slog.Logger) *Store {
	if path == "" {
		path = DefaultFilename
	}
	return &Store{
		path:      path,
		completed: make(map[int]bool),
		logger:    logger,
	}
}

// Load reads the checkpoint file into the store. A missing file, a
// parse error, or an unknown format version all load as an empty set;
// losing a checkpoint only costs redundant reprocessing, so Load never
// fails the caller. Returns the number of indices loaded.
func (s *Store) Load() int {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("Failed to read checkpoint, starting fresh", "path", s.path, "error", err)
		}
		return 0
	}

	var cp fileCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		s.logger.Warn("Failed to parse checkpoint, starting fresh", "path", s.path, "error", err)
		return 0
	}
	if cp.Version != FormatVersion {
		s.logger.Warn("Unknown checkpoint format version, starting fresh",
			"path", s.path, "version", cp.Version, "expected", FormatVersion)
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, idx := range cp.Completed {
		s.completed[idx] = true
	}
	s.logger.Info("Checkpoint loaded", "path", s.path, "completed_rows", len(s.completed))
	return len(s.completed)
}

// Contains reports whether the index is known complete.
func (s *Store) Contains(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed[index]
}

// Add records an index as complete without persisting. Used by the
// orchestrator for trivially-done rows that are flushed at the window
// boundary.
func (s *Store) Add(index int) {
	s.mu.Lock()
	s.completed[index] = true
	s.mu.Unlock()
}

// MarkComplete records an index as complete and persists immediately.
// The write is best-effort: the index stays in the in-memory set even
// if the save fails.
func (s *Store) MarkComplete(index int) error {
	s.Add(index)
	return s.Save()
}

// Save writes the current set to disk atomically (temp file + rename).
// Safe to call while other goroutines keep inserting; the snapshot
// taken under the lock is what lands on disk.
func (s *Store) Save() error {
	s.mu.Lock()
	indices := make([]int, 0, len(s.completed))
	for idx := range s.completed {
		indices = append(indices, idx)
	}
	s.mu.Unlock()
	sort.Ints(indices)

	cp := fileCheckpoint{
		Version:   FormatVersion,
		SavedAt:   time.Now(),
		Completed: indices,
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp checkpoint: %w", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		return fmt.Errorf("failed to rename checkpoint: %w", err)
	}

	s.logger.Debug("Checkpoint saved", "path", s.path, "completed_rows", len(indices))
	return nil
}

// Clear removes the persisted checkpoint and resets the in-memory set.
// Used when the operator declines to resume and after a fully
// successful run.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.completed = make(map[int]bool)
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove checkpoint: %w", err)
	}
	return nil
}

// Count returns the number of completed indices.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completed)
}

// Highest returns the largest completed index, or 0 when the set is
// empty. Reported on interrupt so the operator can gauge remaining work.
func (s *Store) Highest() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	highest := 0
	for idx := range s.completed {
		if idx > highest {
			highest = idx
		}
	}
	return highest
}
