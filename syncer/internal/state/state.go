// Package state tracks which sync units have already been ingested. The
// orchestrator consults it to skip known units, and marks units processed
// or removed as passes run. A lost state document is safe: ingestion is
// idempotent, so the worst case is redundant work on the next pass.
package state

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/hazyhaar/kbsync/syncer/internal/jsonfile"
)

// Unit lifecycle statuses.
const (
	StatusProcessed = "processed"
	StatusRemoved   = "removed"
)

// Entry is the tracked record for one sync unit ("instance.table").
type Entry struct {
	Kind           string `json:"kind"`
	Status         string `json:"status"`
	FirstProcessed int64  `json:"first_processed"`
	LastSynced     int64  `json:"last_synced"`
	RemovedAt      *int64 `json:"removed_at,omitempty"`
}

type document struct {
	Units      map[string]Entry `json:"units"`
	PassCount  int64            `json:"pass_count"`
	LastPassAt int64            `json:"last_pass_at"`
}

// Store is a mutex-serialized view over the sync-state document. Mutations
// persist atomically before they become visible, so a failed persist never
// commits in memory.
type Store struct {
	path   string
	logger *slog.Logger

	mu  sync.Mutex
	doc document
}

// Open loads the state document at path. Missing or corrupt documents start
// empty; anything else is returned as an error.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{path: path, logger: logger}
	s.doc.Units = make(map[string]Entry)

	var doc document
	err := jsonfile.Load(path, &doc)
	switch {
	case err == nil:
		if doc.Units == nil {
			doc.Units = make(map[string]Entry)
		}
		s.doc = doc
	case errors.Is(err, os.ErrNotExist):
		logger.Debug("state: no document yet", "path", path)
	case errors.Is(err, jsonfile.ErrCorrupt):
		logger.Error("state: corrupt document, starting empty", "path", path, "error", err)
	default:
		return nil, fmt.Errorf("state: open: %w", err)
	}
	return s, nil
}

// Entry returns a copy of the record for unit, if tracked.
func (s *Store) Entry(unit string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.doc.Units[unit]
	if !ok {
		return Entry{}, false
	}
	return cloneEntry(e), true
}

// Processed reports whether unit is tracked with status processed.
func (s *Store) Processed(unit string) bool {
	e, ok := s.Entry(unit)
	return ok && e.Status == StatusProcessed
}

// Units returns a copy of every tracked entry keyed by unit name.
func (s *Store) Units() map[string]Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Entry, len(s.doc.Units))
	for name, e := range s.doc.Units {
		out[name] = cloneEntry(e)
	}
	return out
}

// ProcessedUnits returns the names of units with status processed, sorted.
func (s *Store) ProcessedUnits() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for name, e := range s.doc.Units {
		if e.Status == StatusProcessed {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// MarkProcessed records a successful ingestion of unit at now. The first
// processing timestamp is preserved across re-marks, and a prior removal is
// cleared: a unit that disappears and comes back is live again.
func (s *Store) MarkProcessed(unit, kind string, now int64) error {
	if unit == "" {
		return fmt.Errorf("state: empty unit name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cloneDoc()
	e, ok := next.Units[unit]
	if !ok {
		e = Entry{FirstProcessed: now}
	}
	e.Kind = kind
	e.Status = StatusProcessed
	e.LastSynced = now
	e.RemovedAt = nil
	next.Units[unit] = e
	return s.commit(next)
}

// MarkRemoved marks every unit matching name as removed at now and returns
// how many were marked. A name matches a unit exactly or as its instance
// prefix, so "crm_1" covers "crm_1.deals" and "crm_1.contacts". Entries are
// kept for history; ingested content is untouched. Marking nothing is not
// an error.
func (s *Store) MarkRemoved(name string, now int64) (int, error) {
	if name == "" {
		return 0, fmt.Errorf("state: empty name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cloneDoc()
	marked := 0
	for unit, e := range next.Units {
		if unit != name && !strings.HasPrefix(unit, name+".") {
			continue
		}
		if e.Status == StatusRemoved {
			continue
		}
		e.Status = StatusRemoved
		e.RemovedAt = &now
		next.Units[unit] = e
		marked++
	}
	if marked == 0 {
		return 0, nil
	}
	if err := s.commit(next); err != nil {
		return 0, err
	}
	return marked, nil
}

// Forget drops the record for unit entirely. Used when a unit's tracking
// entry must be re-created from scratch rather than resurrected.
func (s *Store) Forget(unit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doc.Units[unit]; !ok {
		return nil
	}
	next := s.cloneDoc()
	delete(next.Units, unit)
	return s.commit(next)
}

// BumpPass records the completion of a sync pass at now.
func (s *Store) BumpPass(now int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cloneDoc()
	next.PassCount++
	next.LastPassAt = now
	return s.commit(next)
}

// PassInfo returns how many passes have completed and when the last one
// finished (0 when none have).
func (s *Store) PassInfo() (count, lastAt int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.PassCount, s.doc.LastPassAt
}

// commit persists next and only then swaps it in. Callers hold s.mu.
func (s *Store) commit(next document) error {
	if err := jsonfile.Save(s.path, next); err != nil {
		return fmt.Errorf("state: persist: %w", err)
	}
	s.doc = next
	return nil
}

func (s *Store) cloneDoc() document {
	next := document{
		Units:      make(map[string]Entry, len(s.doc.Units)),
		PassCount:  s.doc.PassCount,
		LastPassAt: s.doc.LastPassAt,
	}
	for name, e := range s.doc.Units {
		next.Units[name] = cloneEntry(e)
	}
	return next
}

func cloneEntry(e Entry) Entry {
	if e.RemovedAt != nil {
		at := *e.RemovedAt
		e.RemovedAt = &at
	}
	return e
}
