// Package skipstore maintains the consolidated per-ticker skip state: which
// tickers are permanently invalid and which individual dates the provider has
// already reported empty, so the downloader never retries them.
package skipstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rfmelo/carteira/internal/storage"
)

// SentinelAll marks a ticker as permanently skipped (delisted/invalid).
const SentinelAll = "ALL"

// Store is the single source of truth for skip state, backed by
// skipped_tickers.json with an in-memory cache. One writer per run; readers
// may be concurrent.
type Store struct {
	path      string
	legacyDir string // legacy per-ticker skip files, coalesced on first load
	log       zerolog.Logger

	mu      sync.RWMutex
	entries map[string][]string
	loaded  bool
}

// New creates a store persisting at path. legacyDir may be empty.
func New(path, legacyDir string, log zerolog.Logger) *Store {
	return &Store{
		path:      path,
		legacyDir: legacyDir,
		log:       log.With().Str("component", "skipstore").Logger(),
		entries:   make(map[string][]string),
	}
}

// Load reads the consolidated file into memory. When the consolidated file
// is absent, legacy per-ticker skip files are scanned and coalesced.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}

	data, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &s.entries); err != nil {
			return fmt.Errorf("skipstore: parse %s: %w", s.path, err)
		}
		for t := range s.entries {
			s.entries[t] = normalize(s.entries[t])
		}
	case os.IsNotExist(err):
		if coalesced := s.coalesceLegacy(); len(coalesced) > 0 {
			s.entries = coalesced
			if err := s.persistLocked(); err != nil {
				return err
			}
			s.log.Info().Int("tickers", len(coalesced)).Msg("Coalesced legacy skip files into consolidated store")
		}
	default:
		return fmt.Errorf("skipstore: read %s: %w", s.path, err)
	}

	s.loaded = true
	return nil
}

// Get returns the skip entries for a ticker. A result equal to ["ALL"]
// means the ticker is permanently skipped. The returned slice is a copy.
func (s *Store) Get(ticker string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.entries[ticker]
	out := make([]string, len(entries))
	copy(out, entries)
	return out
}

// IsAllSkipped reports whether the ticker is permanently skipped.
func (s *Store) IsAllSkipped(ticker string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.entries[ticker]
	return len(e) == 1 && e[0] == SentinelAll
}

// MarkAll flags a ticker as permanently invalid. Idempotent.
func (s *Store) MarkAll(ticker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.entries[ticker]; len(e) == 1 && e[0] == SentinelAll {
		return nil
	}
	s.entries[ticker] = []string{SentinelAll}
	return s.persistLocked()
}

// AddDates records dates the provider returned empty for. Merged with
// existing entries, sorted unique, persisted atomically. A permanently
// skipped ticker is left untouched.
func (s *Store) AddDates(ticker string, dates []string) error {
	if len(dates) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.entries[ticker]; len(e) == 1 && e[0] == SentinelAll {
		return nil
	}
	s.entries[ticker] = normalize(append(s.entries[ticker], dates...))
	return s.persistLocked()
}

// Snapshot returns a deep copy of the whole skip map, for diagnostics.
func (s *Store) Snapshot() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]string, len(s.entries))
	for t, e := range s.entries {
		cp := make([]string, len(e))
		copy(cp, e)
		out[t] = cp
	}
	return out
}

func (s *Store) persistLocked() error {
	// json.Marshal emits map keys sorted, which the artifact contract wants.
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("skipstore: marshal: %w", err)
	}
	return storage.WriteFileAtomic(s.path, append(data, '\n'))
}

// coalesceLegacy scans legacy skipped_days_<ticker>.txt files (one date per
// line, or the ALL sentinel) and merges them into a consolidated map.
func (s *Store) coalesceLegacy() map[string][]string {
	if s.legacyDir == "" {
		return nil
	}
	matches, err := filepath.Glob(filepath.Join(s.legacyDir, "skipped_days_*.txt"))
	if err != nil || len(matches) == 0 {
		return nil
	}

	out := make(map[string][]string)
	for _, path := range matches {
		base := strings.TrimSuffix(filepath.Base(path), ".txt")
		ticker := strings.TrimPrefix(base, "skipped_days_")
		data, err := os.ReadFile(path)
		if err != nil {
			s.log.Warn().Err(err).Str("file", path).Msg("Skipping unreadable legacy skip file")
			continue
		}
		var entries []string
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if line == SentinelAll {
				entries = []string{SentinelAll}
				break
			}
			entries = append(entries, line)
		}
		if len(entries) > 0 {
			out[ticker] = normalize(entries)
		}
	}
	return out
}

// normalize returns sorted-unique entries; the ALL sentinel dominates.
func normalize(entries []string) []string {
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e == SentinelAll {
			return []string{SentinelAll}
		}
		seen[e] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for e := range seen {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}
