package syncer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/kbsync/contentstore"
	"github.com/hazyhaar/kbsync/events"
	"github.com/hazyhaar/kbsync/ingest"
	"github.com/hazyhaar/kbsync/syncer/internal/discovery"
	"github.com/hazyhaar/kbsync/syncer/internal/jobs"
	"github.com/hazyhaar/kbsync/syncer/internal/state"
)

// Pass statuses.
const (
	StatusCompleted = "completed"
	StatusSkipped   = "skipped"
)

// Pass triggers, reported for traceability.
const (
	TriggerSync       = "sync"
	TriggerForce      = "force_resync"
	TriggerInitialize = "initialize"
	TriggerInstance   = "instance"
)

// Scheduling outcomes reported by EnsureJob and DropJob.
const (
	JobCreated       = jobs.StatusCreated
	JobAlreadyExists = jobs.StatusAlreadyExists
	JobFailed        = jobs.StatusFailed
	JobDropped       = jobs.StatusDropped
	JobNotFound      = jobs.StatusNotFound
)

// PassError is one isolated failure inside an otherwise completed pass.
type PassError struct {
	Unit   string `json:"unit,omitempty"`
	Reason string `json:"reason"`
}

// PassReport is the structured result of a sync pass. Passes never panic
// and only fail outright when the state store or the registry is unusable;
// everything else lands in the counts and the error list.
type PassReport struct {
	Status      string      `json:"status"`
	Trigger     string      `json:"trigger"`
	Units       int         `json:"units"`
	New         int         `json:"new"`
	Updated     int         `json:"updated"`
	Removed     int         `json:"removed"`
	Errored     int         `json:"errored"`
	Skipped     int         `json:"skipped"`
	JobsCreated []string    `json:"jobs_created,omitempty"`
	JobsDropped []string    `json:"jobs_dropped,omitempty"`
	Errors      []PassError `json:"errors,omitempty"`
	DurationMs  int64       `json:"duration_ms"`
}

// SyncAll runs a full pass: discover, soft-remove what vanished, ingest
// units that are new or back from removal. Units already processed are left
// alone; ForceResync is the entrypoint that reprocesses everything.
func (svc *Service) SyncAll(ctx context.Context) (*PassReport, error) {
	return svc.pass(ctx, TriggerSync, false)
}

// ForceResync runs a full pass that re-ingests every current unit
// unconditionally. Expensive against large sources; meant for manual
// recovery, not the regular cadence.
func (svc *Service) ForceResync(ctx context.Context) (*PassReport, error) {
	return svc.pass(ctx, TriggerForce, true)
}

// InitializeExisting is the first-startup pass: it brings unprocessed units
// under tracking without re-ingesting anything already known, so a restart
// costs nothing when state survived.
func (svc *Service) InitializeExisting(ctx context.Context) (*PassReport, error) {
	return svc.pass(ctx, TriggerInitialize, false)
}

func (svc *Service) pass(ctx context.Context, trigger string, force bool) (*PassReport, error) {
	started := time.Now()
	report := &PassReport{Status: StatusCompleted, Trigger: trigger}

	// An empty registry means configuration is absent, not that every
	// source vanished. Short-circuit before any state mutation.
	if len(svc.registry.Names()) == 0 {
		report.Status = StatusSkipped
		report.DurationMs = time.Since(started).Milliseconds()
		svc.logger.Info("syncer: no sources configured, pass skipped", "trigger", trigger)
		svc.record(&events.Event{
			Type: events.TypePass, Action: trigger, Success: true,
			Details: map[string]any{"status": StatusSkipped},
		})
		return report, nil
	}

	units, soft, err := svc.discover.List(ctx)
	if err != nil {
		return nil, err
	}
	report.Units = len(units)

	// Instances whose table listing failed are down, not deconfigured.
	// Their tracked units are neither current nor stale this pass.
	unreachable := make(map[string]struct{})
	for _, se := range soft {
		name := se.Instance
		if se.Table != "" {
			name = se.Instance + "." + se.Table
		} else {
			unreachable[se.Instance] = struct{}{}
		}
		report.Errors = append(report.Errors, PassError{Unit: name, Reason: se.Reason})
	}

	current := make(map[string]discovery.Unit, len(units))
	for _, u := range units {
		current[u.Name] = u
	}

	// Soft-remove stale units first: entries are kept for history and the
	// ingested content stays in the store.
	for name, entry := range svc.state.Units() {
		if entry.Status == state.StatusRemoved {
			continue
		}
		if _, ok := current[name]; ok {
			continue
		}
		if _, down := unreachable[instanceOf(name)]; down {
			svc.logger.Warn("syncer: instance unreachable, unit kept", "unit", name)
			continue
		}
		n, err := svc.state.MarkRemoved(name, time.Now().UnixMilli())
		if err != nil {
			return nil, err
		}
		report.Removed += n
		svc.logger.Info("syncer: unit removed", "unit", name)
		svc.record(&events.Event{
			Type: events.TypeUnit, Instance: instanceOf(name), Unit: name,
			Action: "removed", Success: true,
		})
	}

	// Ingest instance by instance so passes for different instances can
	// interleave with scheduled runs without blocking each other.
	groups := make(map[string][]discovery.Unit)
	var order []string
	for _, u := range units {
		if _, ok := groups[u.Instance]; !ok {
			order = append(order, u.Instance)
		}
		groups[u.Instance] = append(groups[u.Instance], u)
	}
	for _, instance := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := svc.syncGroup(ctx, groups[instance], force, report); err != nil {
			return nil, err
		}
	}

	if err := svc.state.BumpPass(time.Now().UnixMilli()); err != nil {
		return nil, err
	}

	// Reconcile the job table against the instance grouping of this pass.
	counts := make(map[string]int, len(groups))
	for instance, us := range groups {
		counts[instance] = len(us)
	}
	// An outage must not unschedule an instance: carry the existing job of
	// every unreachable instance through reconciliation.
	for instance := range unreachable {
		if _, ok := counts[instance]; ok {
			continue
		}
		if j, err := svc.queue.Get(ctx, instance); err == nil && j != nil {
			counts[instance] = int(j.UnitCount)
		}
	}
	created, dropped, err := svc.queue.Reconcile(ctx, counts, svc.config.Jobs.Interval)
	if err != nil {
		svc.logger.Error("syncer: job reconcile failed", "error", err)
		report.Errors = append(report.Errors, PassError{Reason: fmt.Sprintf("job reconcile: %v", err)})
	} else {
		report.JobsCreated, report.JobsDropped = created, dropped
		for _, instance := range created {
			svc.record(&events.Event{Type: events.TypeJob, Instance: instance, Action: "created", Success: true})
		}
		for _, instance := range dropped {
			svc.record(&events.Event{Type: events.TypeJob, Instance: instance, Action: "dropped", Success: true})
		}
	}

	svc.setUnits(units)

	report.DurationMs = time.Since(started).Milliseconds()
	svc.logger.Info("syncer: pass completed",
		"trigger", trigger,
		"units", report.Units,
		"new", report.New,
		"updated", report.Updated,
		"removed", report.Removed,
		"errored", report.Errored,
		"skipped", report.Skipped,
		"duration_ms", report.DurationMs)
	svc.record(&events.Event{
		Type: events.TypePass, Action: trigger, Success: report.Errored == 0,
		Details: map[string]any{
			"units": report.Units, "new": report.New, "updated": report.Updated,
			"removed": report.Removed, "errored": report.Errored, "skipped": report.Skipped,
		},
	})
	return report, nil
}

// syncGroup ingests one instance's units under that instance's pass lock.
// Per-unit failures are isolated into the report; only a state persist
// failure aborts.
func (svc *Service) syncGroup(ctx context.Context, group []discovery.Unit, force bool, report *PassReport) error {
	lock := svc.lockFor(group[0].Instance)
	lock.Lock()
	defer lock.Unlock()

	for _, u := range group {
		entry, tracked := svc.state.Entry(u.Name)
		if !force && tracked && entry.Status == state.StatusProcessed {
			report.Skipped++
			continue
		}

		rep, err := svc.ingestUnit(ctx, u)
		if err != nil {
			report.Errored++
			report.Errors = append(report.Errors, PassError{Unit: u.Name, Reason: err.Error()})
			svc.logger.Warn("syncer: unit ingest failed", "unit", u.Name, "error", err)
			svc.record(&events.Event{
				Type: events.TypeUnit, Instance: u.Instance, Unit: u.Name,
				Action: "ingest", Success: false,
				Details: map[string]any{"error": err.Error()},
			})
			continue
		}

		if err := svc.state.MarkProcessed(u.Name, string(u.Kind), time.Now().UnixMilli()); err != nil {
			return err
		}
		if tracked {
			report.Updated++
		} else {
			report.New++
		}
		svc.logger.Info("syncer: unit ingested",
			"unit", u.Name, "rows", rep.Rows, "stored", rep.Stored, "converted", rep.Converted)
		svc.record(&events.Event{
			Type: events.TypeUnit, Instance: u.Instance, Unit: u.Name,
			Action: "ingest", Success: true,
			Details: map[string]any{"rows": rep.Rows, "stored": rep.Stored, "converted": rep.Converted},
		})
	}
	return nil
}

// ingestUnit resolves the unit's extraction descriptor against the live
// schema and executes the resulting query spec under the soft unit timeout.
// Descriptors are recomputed every run: source schemas drift.
func (svc *Service) ingestUnit(ctx context.Context, u discovery.Unit) (*contentstore.IngestReport, error) {
	ctx, cancel := context.WithTimeout(ctx, svc.config.Sync.UnitTimeout)
	defer cancel()

	cols, err := svc.catalog.Columns(ctx, u.Instance, u.Table)
	if err != nil {
		return nil, fmt.Errorf("describe columns: %w", err)
	}
	d := ingest.Resolve(u.Kind, cols, u.ContentColumn)
	if d.ContentColumn == "" {
		svc.logger.Warn("syncer: content column unresolved, using sentinel",
			"unit", u.Name, "kind", u.Kind)
	}
	qs := ingest.BuildQuery(d, u.Instance, u.Table, svc.config.Sync.TargetStore, !svc.config.Sync.OmitMetadata)
	qs.Limit = svc.config.Sync.RowLimit
	return svc.store.ExecuteQuery(ctx, svc.catalog, qs, svc.convert)
}

// SyncInstance is the scheduled job body: it re-discovers one instance's
// units and re-ingests all of them, descriptors resolved fresh. State
// removals and job reconciliation stay with the full passes.
func (svc *Service) SyncInstance(ctx context.Context, instance string) (*PassReport, error) {
	if instance == "" {
		return nil, fmt.Errorf("syncer: empty instance name")
	}
	started := time.Now()
	report := &PassReport{Status: StatusCompleted, Trigger: TriggerInstance}

	if !svc.registry.Configured(instance) {
		report.Status = StatusSkipped
		report.DurationMs = time.Since(started).Milliseconds()
		svc.logger.Info("syncer: instance not configured, run skipped", "instance", instance)
		return report, nil
	}

	units, soft, err := svc.discover.List(ctx)
	if err != nil {
		return nil, err
	}
	var group []discovery.Unit
	for _, u := range units {
		if u.Instance == instance {
			group = append(group, u)
		}
	}
	for _, se := range soft {
		if se.Instance != instance {
			continue
		}
		name := se.Instance
		if se.Table != "" {
			name = se.Instance + "." + se.Table
		}
		report.Errors = append(report.Errors, PassError{Unit: name, Reason: se.Reason})
	}
	report.Units = len(group)

	if len(group) == 0 {
		report.Status = StatusSkipped
		report.DurationMs = time.Since(started).Milliseconds()
		svc.logger.Warn("syncer: no reachable units for instance", "instance", instance)
		return report, nil
	}

	if err := svc.syncGroup(ctx, group, true, report); err != nil {
		return nil, err
	}

	report.DurationMs = time.Since(started).Milliseconds()
	svc.logger.Info("syncer: instance synced",
		"instance", instance,
		"units", report.Units,
		"updated", report.Updated,
		"errored", report.Errored,
		"duration_ms", report.DurationMs)
	svc.record(&events.Event{
		Type: events.TypePass, Instance: instance, Action: TriggerInstance,
		Success: report.Errored == 0,
		Details: map[string]any{"units": report.Units, "updated": report.Updated, "errored": report.Errored},
	})
	return report, nil
}

// RemovalReport is the result of a soft instance removal.
type RemovalReport struct {
	Status      string `json:"status"` // marked_removed | not_found
	Instance    string `json:"instance"`
	UnitsMarked int    `json:"units_marked"`
	Job         string `json:"job"` // dropped | not_found
}

// MarkInstanceRemoved soft-removes every tracked unit of an instance and
// drops its job. State entries and ingested content are kept; a later pass
// resurrects the units if the instance comes back.
func (svc *Service) MarkInstanceRemoved(ctx context.Context, instance string) (*RemovalReport, error) {
	if instance == "" {
		return nil, fmt.Errorf("syncer: empty instance name")
	}
	lock := svc.lockFor(instance)
	lock.Lock()
	defer lock.Unlock()

	marked, err := svc.state.MarkRemoved(instance, time.Now().UnixMilli())
	if err != nil {
		return nil, err
	}

	jobStatus, err := svc.queue.Drop(ctx, instance)
	if err != nil {
		svc.logger.Error("syncer: job drop failed", "instance", instance, "error", err)
		jobStatus = "error"
	}

	report := &RemovalReport{
		Status:      "marked_removed",
		Instance:    instance,
		UnitsMarked: marked,
		Job:         jobStatus,
	}
	if marked == 0 && jobStatus == jobs.StatusNotFound {
		report.Status = "not_found"
	}

	svc.logger.Info("syncer: instance marked removed",
		"instance", instance, "units", marked, "job", jobStatus)
	svc.record(&events.Event{
		Type: events.TypeInstance, Instance: instance, Action: "marked_removed",
		Success: true,
		Details: map[string]any{"units_marked": marked, "job": jobStatus},
	})

	svc.dropInstanceUnits(instance)
	return report, nil
}

// EnsureJob schedules the recurring sync job for one instance, counting its
// currently reachable units first. Zero units reports failed and schedules
// nothing.
func (svc *Service) EnsureJob(ctx context.Context, instance string) (string, error) {
	if instance == "" {
		return "", fmt.Errorf("syncer: empty instance name")
	}
	units, _, err := svc.discover.List(ctx)
	if err != nil {
		return "", err
	}
	n := 0
	for _, u := range units {
		if u.Instance == instance {
			n++
		}
	}
	status, err := svc.queue.Ensure(ctx, instance, n, svc.config.Jobs.Interval)
	if err != nil {
		return "", err
	}
	svc.record(&events.Event{
		Type: events.TypeJob, Instance: instance, Action: status,
		Success: status != jobs.StatusFailed,
	})
	return status, nil
}

// DropJob removes the recurring sync job for one instance.
func (svc *Service) DropJob(ctx context.Context, instance string) (string, error) {
	status, err := svc.queue.Drop(ctx, instance)
	if err != nil {
		return "", err
	}
	svc.record(&events.Event{Type: events.TypeJob, Instance: instance, Action: status, Success: true})
	return status, nil
}

// ReconcileJobs aligns the job table with the current discovery grouping
// without running any ingestion. The catalog watcher calls it when the
// instance set changes outside a pass.
func (svc *Service) ReconcileJobs(ctx context.Context) (created, dropped []string, err error) {
	units, _, err := svc.discover.List(ctx)
	if err != nil {
		return nil, nil, err
	}
	counts := make(map[string]int)
	for _, u := range units {
		counts[u.Instance]++
	}
	return svc.queue.Reconcile(ctx, counts, svc.config.Jobs.Interval)
}

// dropInstanceUnits prunes an instance from the resolved unit snapshot and
// notifies the listener when that changed anything.
func (svc *Service) dropInstanceUnits(instance string) {
	svc.mu.Lock()
	var kept []Unit
	changed := false
	for _, u := range svc.lastUnits {
		if u.Instance == instance {
			changed = true
			continue
		}
		kept = append(kept, u)
	}
	svc.lastUnits = kept
	listener := svc.listener
	svc.mu.Unlock()

	if changed && listener != nil {
		listener(append([]Unit(nil), kept...))
	}
}

func instanceOf(unit string) string {
	if i := strings.Index(unit, "."); i > 0 {
		return unit[:i]
	}
	return unit
}
