// Package registry is the durable source configuration: which instances a
// user has wired in, which of their tables are selected for ingestion, and
// the optional content-column override. Discovery consults it; instances
// absent from the registry are never ingested.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/hazyhaar/kbsync/syncer/internal/jsonfile"
)

// Entry is one configured source instance.
type Entry struct {
	SelectedTables []string `json:"selected_tables"`
	ContentColumn  string   `json:"content_column,omitempty"`
	UpdatedAt      int64    `json:"updated_at"`
}

type document struct {
	Instances map[string]Entry `json:"instances"`
}

// Registry is a mutex-serialized view over the registry document. Every
// mutation persists atomically before it becomes visible in memory, so a
// failed persist never leaves readers with uncommitted configuration.
type Registry struct {
	path   string
	logger *slog.Logger

	mu  sync.Mutex
	doc document
}

// Open loads the registry at path. A missing document starts empty; a
// corrupt one starts empty and is logged at error level (it will be
// rewritten wholesale on the next mutation). Any other read failure is
// returned: without the registry no sync decision is safe.
func Open(path string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{path: path, logger: logger}
	r.doc.Instances = make(map[string]Entry)

	var doc document
	err := jsonfile.Load(path, &doc)
	switch {
	case err == nil:
		if doc.Instances != nil {
			r.doc = doc
		}
	case errors.Is(err, os.ErrNotExist):
		logger.Debug("registry: no document yet", "path", path)
	case errors.Is(err, jsonfile.ErrCorrupt):
		logger.Error("registry: corrupt document, starting empty", "path", path, "error", err)
	default:
		return nil, fmt.Errorf("registry: open: %w", err)
	}
	return r, nil
}

// Get returns a copy of the entry for instance, if configured.
func (r *Registry) Get(instance string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.doc.Instances[instance]
	if !ok {
		return Entry{}, false
	}
	return cloneEntry(e), true
}

// Configured reports whether instance has at least one selected table.
func (r *Registry) Configured(instance string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.doc.Instances[instance]
	return ok && len(e.SelectedTables) > 0
}

// SelectedTables returns the selected-table set for instance (nil when
// unconfigured).
func (r *Registry) SelectedTables(instance string) []string {
	e, ok := r.Get(instance)
	if !ok {
		return nil
	}
	return e.SelectedTables
}

// Names returns the configured instance names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.doc.Instances))
	for name := range r.doc.Instances {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns a copy of every entry keyed by instance name.
func (r *Registry) Snapshot() map[string]Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Entry, len(r.doc.Instances))
	for name, e := range r.doc.Instances {
		out[name] = cloneEntry(e)
	}
	return out
}

// Put creates or replaces the configuration for instance.
func (r *Registry) Put(instance string, tables []string, contentColumn string) error {
	if instance == "" {
		return fmt.Errorf("registry: empty instance name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.cloneDoc()
	next.Instances[instance] = Entry{
		SelectedTables: append([]string(nil), tables...),
		ContentColumn:  contentColumn,
		UpdatedAt:      time.Now().UnixMilli(),
	}
	return r.commit(next)
}

// Delete removes the configuration for instance. Deleting an unknown
// instance is a no-op.
func (r *Registry) Delete(instance string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.doc.Instances[instance]; !ok {
		return nil
	}
	next := r.cloneDoc()
	delete(next.Instances, instance)
	return r.commit(next)
}

// commit persists next and only then swaps it in. Callers hold r.mu.
func (r *Registry) commit(next document) error {
	if err := jsonfile.Save(r.path, next); err != nil {
		return fmt.Errorf("registry: persist: %w", err)
	}
	r.doc = next
	return nil
}

func (r *Registry) cloneDoc() document {
	next := document{Instances: make(map[string]Entry, len(r.doc.Instances))}
	for name, e := range r.doc.Instances {
		next.Instances[name] = cloneEntry(e)
	}
	return next
}

func cloneEntry(e Entry) Entry {
	e.SelectedTables = append([]string(nil), e.SelectedTables...)
	return e
}
