// Package discovery computes the sync units a pass should consider: the
// cross product of catalog instances and their registry-selected tables,
// verified against the live source schema. Configuration is opt-in, so an
// instance without a registry entry contributes nothing.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hazyhaar/kbsync/catalog"
	"github.com/hazyhaar/kbsync/ingest"
	"github.com/hazyhaar/kbsync/syncer/internal/registry"
)

// reserved names belong to the database system itself and are never sync
// candidates, whatever the registry says.
var reserved = map[string]struct{}{
	"information_schema": {},
	"files":              {},
	"main":               {},
	"temp":               {},
	"system":             {},
}

// IsReserved reports whether name is a system name excluded from syncing.
func IsReserved(name string) bool {
	_, ok := reserved[strings.ToLower(name)]
	return ok
}

// Unit is one syncable instance.table pair.
type Unit struct {
	Name          string      `json:"name"`
	Instance      string      `json:"instance"`
	Table         string      `json:"table"`
	Kind          ingest.Kind `json:"kind"`
	ContentColumn string      `json:"content_column,omitempty"`
}

// SoftError records a unit or instance that could not be enumerated. Soft
// errors never abort a pass; the orchestrator reports them and moves on.
type SoftError struct {
	Instance string `json:"instance"`
	Table    string `json:"table,omitempty"`
	Err      error  `json:"-"`
	Reason   string `json:"reason"`
}

// Lister enumerates sync units from the catalog and the registry.
type Lister struct {
	catalog  *catalog.Catalog
	registry *registry.Registry
	logger   *slog.Logger
}

// New creates a Lister.
func New(cat *catalog.Catalog, reg *registry.Registry, logger *slog.Logger) *Lister {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lister{catalog: cat, registry: reg, logger: logger}
}

// List returns the units of every configured, reachable instance, in
// catalog order, with the instance's registry-selected tables in selection
// order. Unreachable instances and selected tables missing from the live
// schema become soft errors. The returned error is reserved for the catalog
// itself being unreadable, which makes any pass meaningless.
func (l *Lister) List(ctx context.Context) ([]Unit, []SoftError, error) {
	instances, err := l.catalog.List(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("discovery: list catalog: %w", err)
	}

	var units []Unit
	var soft []SoftError
	for _, inst := range instances {
		if IsReserved(inst.Name) {
			l.logger.Debug("discovery: skipping reserved instance", "instance", inst.Name)
			continue
		}
		selected := l.registry.SelectedTables(inst.Name)
		if len(selected) == 0 {
			l.logger.Debug("discovery: instance not configured", "instance", inst.Name)
			continue
		}

		live, err := l.catalog.Tables(ctx, inst.Name)
		if err != nil {
			soft = append(soft, SoftError{
				Instance: inst.Name,
				Err:      err,
				Reason:   fmt.Sprintf("list tables: %v", err),
			})
			l.logger.Warn("discovery: instance unreachable", "instance", inst.Name, "error", err)
			continue
		}
		liveSet := make(map[string]struct{}, len(live))
		for _, t := range live {
			liveSet[t] = struct{}{}
		}

		entry, _ := l.registry.Get(inst.Name)
		for _, table := range selected {
			if _, ok := liveSet[table]; !ok {
				soft = append(soft, SoftError{
					Instance: inst.Name,
					Table:    table,
					Err:      fmt.Errorf("table %q not found in %q", table, inst.Name),
					Reason:   "selected table missing from live schema",
				})
				continue
			}
			units = append(units, Unit{
				Name:          inst.Name + "." + table,
				Instance:      inst.Name,
				Table:         table,
				Kind:          inst.Kind,
				ContentColumn: entry.ContentColumn,
			})
		}
	}
	return units, soft, nil
}
