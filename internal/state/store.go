// Package state persists a versioned snapshot of session state to a JSON file.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Version is the snapshot format this build reads and writes. Files with any
// other version are treated as absent; there is no migration.
const Version = "2.0"

// Envelope is the on-disk wrapper around a snapshot.
type Envelope[T any] struct {
	Version string `json:"version"`
	SavedAt string `json:"savedAt"`
	State   T      `json:"state"`
}

// Store reads and writes one snapshot file.
type Store[T any] struct {
	path   string
	now    func() time.Time
	logger *zap.Logger
}

// New creates a store for the given file path.
func New[T any](path string, logger *zap.Logger) *Store[T] {
	return &Store[T]{path: path, now: time.Now, logger: logger}
}

// DefaultPath is ~/.teamrelay/state/sessions.json, falling back to the
// working directory when no home directory is available.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(".teamrelay", "state", "sessions.json")
	}
	return filepath.Join(home, ".teamrelay", "state", "sessions.json")
}

// Path returns the file the store writes.
func (s *Store[T]) Path() string { return s.path }

// Save wraps state in a versioned envelope and overwrites the file.
func (s *Store[T]) Save(state T) error {
	env := Envelope[T]{
		Version: Version,
		SavedAt: s.now().UTC().Format(time.RFC3339Nano),
		State:   state,
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// Load returns the persisted state. A missing, unparsable or
// version-mismatched file yields ok=false, never an error.
func (s *Store[T]) Load() (state T, ok bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("read state file failed", zap.String("path", s.path), zap.Error(err))
		}
		return state, false
	}
	if len(data) == 0 {
		return state, false
	}

	var env Envelope[json.RawMessage]
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Warn("state file unparsable, ignoring", zap.String("path", s.path), zap.Error(err))
		return state, false
	}
	if env.Version != Version {
		s.logger.Warn("state file version mismatch, ignoring",
			zap.String("path", s.path),
			zap.String("found", env.Version),
			zap.String("expected", Version))
		return state, false
	}
	if err := json.Unmarshal(env.State, &state); err != nil {
		s.logger.Warn("state payload unparsable, ignoring", zap.String("path", s.path), zap.Error(err))
		var zero T
		return zero, false
	}
	return state, true
}

// Clear truncates the file to empty content. The path itself is kept.
func (s *Store[T]) Clear() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := os.WriteFile(s.path, nil, 0o600); err != nil {
		return fmt.Errorf("clear state: %w", err)
	}
	return nil
}
