package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	filterStateFile  = "filter.json"
	shipperStateFile = "shipper.json"

	// Reads racing an in-progress rename can observe a short window where
	// the file is being replaced; a couple of retries is enough.
	readRetries    = 3
	readRetryDelay = 50 * time.Millisecond
)

// Store reads and writes state documents under a single directory with
// owner-only permissions.
type Store struct {
	dir string
}

// NewStore creates the state directory if needed and returns a store.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the state directory path.
func (s *Store) Dir() string { return s.dir }

// LoadFilter reads the filter document, returning a fresh default when the
// file is absent or unparsable. Availability wins over historical
// continuity: a corrupt file is logged and replaced, never fatal.
func (s *Store) LoadFilter() *FilterState {
	st := NewFilterState()
	s.load(filterStateFile, st)
	st.normalize()
	return st
}

// SaveFilter atomically persists the filter document.
func (s *Store) SaveFilter(st *FilterState) error {
	return s.save(filterStateFile, st)
}

// LoadShipper reads the shipper document, defaulting on absence or corruption.
func (s *Store) LoadShipper() *ShipperState {
	st := &ShipperState{}
	s.load(shipperStateFile, st)
	return st
}

// SaveShipper atomically persists the shipper document.
func (s *Store) SaveShipper(st *ShipperState) error {
	return s.save(shipperStateFile, st)
}

// LoadEscalation reads one domain's escalation document.
func (s *Store) LoadEscalation(domain string) *EscalationState {
	st := &EscalationState{}
	s.load(escalationFile(domain), st)
	return st
}

// SaveEscalation atomically persists one domain's escalation document.
func (s *Store) SaveEscalation(domain string, st *EscalationState) error {
	return s.save(escalationFile(domain), st)
}

func escalationFile(domain string) string {
	return "escalation-" + domain + ".json"
}

// load fills v from a state file. A missing file leaves v at its zero/default
// value. Parse failures are retried briefly (a concurrent writer may be
// mid-rename) and then treated as corruption: v keeps its defaults and a
// warning is logged.
func (s *Store) load(name string, v interface{}) {
	path := filepath.Join(s.dir, name)

	var lastErr error
	for attempt := 0; attempt < readRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(readRetryDelay)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return
			}
			lastErr = err
			continue
		}
		if err := json.Unmarshal(data, v); err != nil {
			lastErr = err
			continue
		}
		return
	}

	log.Warn().Err(lastErr).Str("file", path).
		Msg("State file unreadable, reinitializing to defaults")
}

// save writes v to a temp file in the same directory and renames it over the
// target. Rename on the same filesystem is atomic, so readers see either the
// old document or the new one, never a torn write.
func (s *Store) save(name string, v interface{}) error {
	path := filepath.Join(s.dir, name)

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", name, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod %s: %w", name, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}
