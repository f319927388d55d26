package syncer

import (
	"context"
	"fmt"
	"sort"

	"github.com/hazyhaar/kbsync/catalog"
	"github.com/hazyhaar/kbsync/events"
)

// InstanceSelection is the table selection of one cataloged instance.
type InstanceSelection struct {
	Instance      string   `json:"instance"`
	Tables        []string `json:"tables"`
	ContentColumn string   `json:"content_column,omitempty"`
	UpdatedAt     int64    `json:"updated_at"`
}

// SelectTables records which tables of a cataloged instance participate in
// synchronization, with an optional content column override. The instance
// must already be cataloged; the selection takes effect on the next pass.
func (svc *Service) SelectTables(ctx context.Context, instance string, tables []string, contentColumn string) error {
	inst, err := svc.catalog.Get(ctx, instance)
	if err != nil {
		return err
	}
	if inst == nil {
		return fmt.Errorf("syncer: select tables: %w: %s", catalog.ErrUnknownInstance, instance)
	}
	if err := svc.registry.Put(instance, tables, contentColumn); err != nil {
		return err
	}
	svc.logger.Info("syncer: tables selected",
		"instance", instance, "tables", tables, "content_column", contentColumn)
	svc.record(&events.Event{
		Type: events.TypeInstance, Instance: instance, Action: "tables_selected",
		Success: true,
		Details: map[string]any{"tables": tables, "content_column": contentColumn},
	})
	return nil
}

// Selection returns the current table selection of one instance.
func (svc *Service) Selection(instance string) (InstanceSelection, bool) {
	e, ok := svc.registry.Get(instance)
	if !ok {
		return InstanceSelection{}, false
	}
	return InstanceSelection{
		Instance:      instance,
		Tables:        e.SelectedTables,
		ContentColumn: e.ContentColumn,
		UpdatedAt:     e.UpdatedAt,
	}, true
}

// Selections returns every table selection, sorted by instance name.
func (svc *Service) Selections() []InstanceSelection {
	snap := svc.registry.Snapshot()
	out := make([]InstanceSelection, 0, len(snap))
	for name, e := range snap {
		out = append(out, InstanceSelection{
			Instance:      name,
			Tables:        e.SelectedTables,
			ContentColumn: e.ContentColumn,
			UpdatedAt:     e.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out
}
