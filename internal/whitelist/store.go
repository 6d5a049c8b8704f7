package whitelist

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Entry is one whitelisted player: their display name, issued guns, and an
// audit trail of who last touched the record.
type Entry struct {
	Name      string    `json:"name"`
	Guns      []string  `json:"guns"`
	AddedBy   string    `json:"added_by,omitempty"`
	AddedAt   time.Time `json:"added_at,omitempty"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Store persists whitelist entries as a JSON file and serves reads through a
// ristretto TTL cache. All mutations rewrite the file atomically (temp file +
// rename) so a crash mid-write never leaves a torn whitelist on disk.
type Store struct {
	mu      sync.Mutex
	path    string
	entries map[string]Entry

	cache    *ristretto.Cache[string, Entry]
	cacheTTL time.Duration
	logger   *slog.Logger
}

// entryCost is the nominal cache cost per whitelist entry. The whitelist is
// small (hundreds of players, not millions) so cost accounting by count is
// sufficient.
const entryCost = 1

// NewStore loads the whitelist file at path, creating an empty store when the
// file does not yet exist.
func NewStore(path string, cacheTTL time.Duration, logger *slog.Logger) (*Store, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, Entry]{
		NumCounters: 100_000,
		MaxCost:     10_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("whitelist cache: %w", err)
	}

	s := &Store{
		path:     path,
		entries:  make(map[string]Entry),
		cache:    cache,
		cacheTTL: cacheTTL,
		logger:   logger,
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		logger.Info("whitelist file not found, starting empty", "path", path)
	case err != nil:
		return nil, fmt.Errorf("read whitelist %s: %w", path, err)
	default:
		if err := json.Unmarshal(data, &s.entries); err != nil {
			return nil, fmt.Errorf("parse whitelist %s: %w", path, err)
		}
		logger.Info("whitelist loaded", "path", path, "entries", len(s.entries))
	}

	return s, nil
}

// Lookup returns the entry for userID, consulting the read cache first.
// The returned guns slice is the caller's to keep.
func (s *Store) Lookup(userID string) (Entry, bool) {
	if e, found := s.cache.Get(userID); found {
		return e, true
	}

	s.mu.Lock()
	e, ok := s.entries[userID]
	if ok {
		guns := make([]string, len(e.Guns))
		copy(guns, e.Guns)
		e.Guns = guns
	}
	s.mu.Unlock()
	if ok {
		s.cache.SetWithTTL(userID, e, entryCost, s.cacheTTL)
	}
	return e, ok
}

// Add merges guns into the entry for userID, creating it when absent.
// Returns the updated entry and the guns that were newly added.
func (s *Store) Add(userID, name string, guns []string, actor string) (Entry, []string, error) {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.entries[userID]
	if !exists {
		e = Entry{Name: name, AddedBy: actor, AddedAt: now}
	}
	if name != "" {
		e.Name = name
	}

	have := make(map[string]bool, len(e.Guns))
	for _, g := range e.Guns {
		have[g] = true
	}
	var added []string
	for _, g := range guns {
		if !have[g] {
			e.Guns = append(e.Guns, g)
			have[g] = true
			added = append(added, g)
		}
	}
	sort.Strings(e.Guns)
	e.UpdatedBy = actor
	e.UpdatedAt = now
	s.entries[userID] = e

	if err := s.saveLocked(); err != nil {
		return Entry{}, nil, err
	}
	s.cache.Del(userID)
	return e, added, nil
}

// Remove deletes guns from the entry for userID, or the whole entry when no
// guns are given or none remain afterwards. Returns the removed guns and
// whether the entry itself was deleted.
func (s *Store) Remove(userID string, guns []string, actor string) (removed []string, deleted bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.entries[userID]
	if !exists {
		return nil, false, nil
	}

	if len(guns) == 0 {
		delete(s.entries, userID)
		if err := s.saveLocked(); err != nil {
			return nil, false, err
		}
		s.cache.Del(userID)
		return e.Guns, true, nil
	}

	drop := make(map[string]bool, len(guns))
	for _, g := range guns {
		drop[g] = true
	}
	var kept []string
	for _, g := range e.Guns {
		if drop[g] {
			removed = append(removed, g)
		} else {
			kept = append(kept, g)
		}
	}
	if len(removed) == 0 {
		return nil, false, nil
	}

	if len(kept) == 0 {
		delete(s.entries, userID)
		deleted = true
	} else {
		e.Guns = kept
		e.UpdatedBy = actor
		e.UpdatedAt = time.Now().UTC()
		s.entries[userID] = e
	}

	if err := s.saveLocked(); err != nil {
		return nil, false, err
	}
	s.cache.Del(userID)
	return removed, deleted, nil
}

// Entries returns a copy of every entry keyed by user ID.
func (s *Store) Entries() map[string]Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Entry, len(s.entries))
	for id, e := range s.entries {
		guns := make([]string, len(e.Guns))
		copy(guns, e.Guns)
		e.Guns = guns
		out[id] = e
	}
	return out
}

// Len returns the number of whitelisted players.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close releases the read cache. Safe to call multiple times.
func (s *Store) Close() {
	if s.cache != nil {
		s.cache.Close()
	}
}

// saveLocked writes the whitelist to disk. Caller holds s.mu.
func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode whitelist: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create whitelist dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".whitelist-*.json")
	if err != nil {
		return fmt.Errorf("write whitelist: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write whitelist: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write whitelist: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace whitelist: %w", err)
	}
	return nil
}
