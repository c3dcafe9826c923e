// Package store persists bot state as JSON files in the state directory.
//
// Files:
//   - state.json         bot heartbeat and chat id
//   - runtime.json       control-loop settings published for the status view
//   - alerts/state.json  alert counters and suppression timestamps
//   - .botlock           single-instance lock
//
// All writes go through a temp file and an atomic rename, so a crash never
// leaves a half-written file behind.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lumaoDoggie/grvt-transfer/pkg/types"
)

const lockFile = ".botlock"

// Store reads and writes JSON files under one state directory.
type Store struct {
	mu  sync.Mutex
	dir string
}

// New creates the state directory (and its alerts/ subdirectory) if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "alerts"), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the state directory path.
func (s *Store) Dir() string { return s.dir }

// Save atomically writes v as indented JSON to a file relative to the
// state directory.
func (s *Store) Save(name string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(name, v)
}

func (s *Store) writeLocked(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

// Load reads a JSON file into v. Returns found=false when the file does
// not exist.
func (s *Store) Load(name string, v any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("parse %s: %w", name, err)
	}
	return true, nil
}

// SaveBotState writes the supervisor heartbeat record.
func (s *Store) SaveBotState(st types.BotState) error {
	return s.Save("state.json", st)
}

// LoadBotState reads the supervisor heartbeat record, zero when missing.
func (s *Store) LoadBotState() (types.BotState, error) {
	var st types.BotState
	_, err := s.Load("state.json", &st)
	return st, err
}

// SaveRuntime publishes the control loop's active settings.
func (s *Store) SaveRuntime(rs types.RuntimeSettings) error {
	return s.Save("runtime.json", rs)
}

// LoadRuntime reads the published settings; found=false when never written.
func (s *Store) LoadRuntime() (types.RuntimeSettings, bool, error) {
	var rs types.RuntimeSettings
	found, err := s.Load("runtime.json", &rs)
	return rs, found, err
}

type lockRecord struct {
	PID int     `json:"pid"`
	TS  float64 `json:"ts"`
}

// AcquireLock takes the single-instance lock. A live lock from another
// process blocks acquisition unless its timestamp is older than
// staleAfter, in which case the lock is taken over.
func (s *Store) AcquireLock(staleAfter time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, lockFile)
	data, err := os.ReadFile(path)
	if err == nil {
		var rec lockRecord
		if json.Unmarshal(data, &rec) == nil && rec.TS > 0 {
			age := time.Since(time.Unix(0, int64(rec.TS*float64(time.Second))))
			if age < staleAfter && rec.PID != os.Getpid() {
				return false, nil
			}
		}
		// stale or unreadable record, take over
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("read lock: %w", err)
	}

	return true, s.writeLocked(lockFile, lockRecord{
		PID: os.Getpid(),
		TS:  float64(time.Now().UnixNano()) / float64(time.Second),
	})
}

// RefreshLock bumps the lock timestamp so other processes keep seeing it
// as live.
func (s *Store) RefreshLock() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(lockFile, lockRecord{
		PID: os.Getpid(),
		TS:  float64(time.Now().UnixNano()) / float64(time.Second),
	})
}

// ReleaseLock removes the lock file. Missing file is not an error.
func (s *Store) ReleaseLock() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(filepath.Join(s.dir, lockFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
