package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// StateVersion is the current schedule state schema.
const StateVersion = "2.0"

// PlanState is the persisted scheduler progress of one savings plan.
type PlanState struct {
	// Anchor is the epoch for biweekly and every_n_days plans without a
	// configured start date. Set once on the first run, never moved.
	Anchor    time.Time `json:"anchor"`
	LastFired time.Time `json:"last_fired"` // slot time of the last dispatched cycle
	LastRunAt time.Time `json:"last_run_at,omitempty"`
	Runs      int       `json:"runs"`
}

// ScheduleState is everything the scheduler needs to survive a restart.
type ScheduleState struct {
	Version       string               `json:"version"`
	Plans         map[string]PlanState `json:"plans"`
	LastHeartbeat time.Time            `json:"last_heartbeat,omitempty"`
}

// StateStore reads and writes the schedule state file.
type StateStore struct {
	path string
	mu   sync.Mutex
}

func NewStateStore(path string) *StateStore {
	return &StateStore{path: path}
}

// Load reads the state, creating a fresh one when the file is missing.
func (s *StateStore) Load() (ScheduleState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := ScheduleState{Version: StateVersion, Plans: map[string]PlanState{}}
	b, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		log.Info().Str("file", s.path).Msg("state file missing, generating template")
		return st, s.save(st)
	}
	if err != nil {
		return st, err
	}

	if err := json.Unmarshal(b, &st); err != nil {
		return st, fmt.Errorf("decode %s: %w", s.path, err)
	}

	if migrateState(&st) {
		log.Info().Str("version", st.Version).Msg("state migrated, saving")
		if err := s.save(st); err != nil {
			return st, err
		}
	}
	return st, nil
}

// Save persists st atomically.
func (s *StateStore) Save(st ScheduleState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(st)
}

// migrateState handles schema evolution.
// Returns true if changes were made and the state needs to be saved.
func migrateState(s *ScheduleState) bool {
	updated := false

	// 1.x kept a single plan under the key "" and no version-2 fields.
	if s.Version < "2.0" {
		log.Info().Str("from", s.Version).Msg("migrating state schema to 2.0")
		if legacy, ok := s.Plans[""]; ok {
			delete(s.Plans, "")
			if _, exists := s.Plans["default"]; !exists {
				s.Plans["default"] = legacy
			}
		}
		s.Version = "2.0"
		updated = true
	}
	if s.Plans == nil {
		s.Plans = map[string]PlanState{}
		updated = true
	}
	return updated
}

// save writes to a temp file, syncs it and renames it over the target.
func (s *StateStore) save(st ScheduleState) error {
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	tmpFile := s.path + ".tmp"
	f, err := os.Create(tmpFile)
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(b); err != nil {
		return fmt.Errorf("write temp state file: %w", err)
	}
	// Force sync to disk to prevent data loss on power failure before rename
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync temp state file: %w", err)
	}
	// Close explicitly before renaming (essential on Windows)
	f.Close()

	if err := os.Rename(tmpFile, s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
