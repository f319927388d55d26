// Package syncer is the sync orchestrator: it compares discovered source
// units against the tracked sync state, ingests what is new or back from
// removal, soft-marks what disappeared, and keeps one recurring sync job
// per source instance.
package syncer

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/kbsync/catalog"
	"github.com/hazyhaar/kbsync/contentstore"
	"github.com/hazyhaar/kbsync/docconv"
	"github.com/hazyhaar/kbsync/events"
	"github.com/hazyhaar/kbsync/fetch"
	"github.com/hazyhaar/kbsync/idgen"
	"github.com/hazyhaar/kbsync/ingest"
	"github.com/hazyhaar/kbsync/syncer/internal/discovery"
	"github.com/hazyhaar/kbsync/syncer/internal/jobs"
	"github.com/hazyhaar/kbsync/syncer/internal/registry"
	"github.com/hazyhaar/kbsync/syncer/internal/state"
)

// EngineSchema is the DDL for the engine tables the service drives (the
// per-instance job queue). Apply it when opening the engine database; add
// events.Schema when the event log shares that database.
const EngineSchema = jobs.Schema

// Unit is one syncable instance.table pair as resolved by the last pass.
type Unit struct {
	Name          string      `json:"name"`
	Instance      string      `json:"instance"`
	Table         string      `json:"table"`
	Kind          ingest.Kind `json:"kind"`
	ContentColumn string      `json:"content_column,omitempty"`
}

// UnitListener receives the resolved unit list after a pass changed it.
// Downstream consumers refresh their own view from it; the engine does not
// care what they do with it.
type UnitListener func(units []Unit)

// Service is the sync orchestrator.
type Service struct {
	registry *registry.Registry
	state    *state.Store
	catalog  *catalog.Catalog
	store    *contentstore.Store
	queue    *jobs.Queue
	runner   *jobs.Runner
	events   *events.Log
	fetcher  *fetch.Fetcher
	docs     *docconv.Pipeline
	discover *discovery.Lister
	convert  contentstore.Converter
	logger   *slog.Logger
	config   *Config
	newID    idgen.Generator
	listener UnitListener
	engineDB *sql.DB

	mu        sync.Mutex
	locks     map[string]*sync.Mutex
	lastUnits []Unit
}

// New creates the orchestrator. It opens the table-selection registry and
// the sync-state document at the configured paths, creating them empty when
// absent. A catalog, a content store and an engine database are required;
// pass them via options.
func New(cfg *Config, opts ...ServiceOption) (*Service, error) {
	if cfg == nil {
		cfg = defaultConfig()
	}
	cfg.defaults()

	svc := &Service{
		config: cfg,
		logger: slog.Default(),
		newID:  idgen.Default,
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(svc)
	}

	if svc.catalog == nil {
		return nil, fmt.Errorf("syncer: catalog required (WithCatalog)")
	}
	if svc.store == nil {
		return nil, fmt.Errorf("syncer: content store required (WithContentStore)")
	}
	if svc.engineDB == nil {
		return nil, fmt.Errorf("syncer: engine database required (WithEngineDB)")
	}

	reg, err := registry.Open(cfg.RegistryPath, svc.logger)
	if err != nil {
		return nil, err
	}
	st, err := state.Open(cfg.StatePath, svc.logger)
	if err != nil {
		return nil, err
	}
	svc.registry = reg
	svc.state = st

	svc.discover = discovery.New(svc.catalog, svc.registry, svc.logger)
	svc.queue = jobs.New(svc.engineDB, svc.logger)
	svc.runner = jobs.NewRunner(svc.queue, svc.runJob, jobs.RunnerOptions{
		Tick:   cfg.Jobs.Tick,
		Batch:  cfg.Jobs.Batch,
		Logger: svc.logger,
	})

	dopts := cfg.Convert
	dopts.Logger = svc.logger
	svc.docs = docconv.New(dopts)

	// Default document conversion: fetch the URL politely, convert to text.
	if svc.convert == nil {
		if svc.fetcher == nil {
			fcfg := cfg.Fetch
			fcfg.Logger = svc.logger
			svc.fetcher = fetch.New(fcfg)
		}
		svc.convert = func(ctx context.Context, url string) (string, error) {
			res, err := svc.docs.FromURL(ctx, svc.fetcher, url)
			if err != nil {
				return "", err
			}
			return res.Text, nil
		}
	}

	return svc, nil
}

// ServiceOption configures a Service during creation.
type ServiceOption func(*Service)

// WithCatalog sets the source catalog. Required.
func WithCatalog(c *catalog.Catalog) ServiceOption {
	return func(svc *Service) { svc.catalog = c }
}

// WithContentStore sets the content store. Required.
func WithContentStore(s *contentstore.Store) ServiceOption {
	return func(svc *Service) { svc.store = s }
}

// WithEngineDB sets the engine database holding the job and event tables.
// Required.
func WithEngineDB(db *sql.DB) ServiceOption {
	return func(svc *Service) { svc.engineDB = db }
}

// WithEvents sets the sync event log. Optional; without it nothing is
// recorded.
func WithEvents(l *events.Log) ServiceOption {
	return func(svc *Service) { svc.events = l }
}

// WithUnitListener sets the callback invoked when a pass changes the
// resolved unit set.
func WithUnitListener(fn UnitListener) ServiceOption {
	return func(svc *Service) { svc.listener = fn }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(svc *Service) {
		if l != nil {
			svc.logger = l
		}
	}
}

// WithIDGenerator sets a custom ID generator.
func WithIDGenerator(gen idgen.Generator) ServiceOption {
	return func(svc *Service) { svc.newID = gen }
}

// WithFetcher overrides the document fetcher used for URL expansion.
func WithFetcher(f *fetch.Fetcher) ServiceOption {
	return func(svc *Service) { svc.fetcher = f }
}

// WithConverter overrides document-to-text conversion entirely. Use in
// tests to avoid network access.
func WithConverter(conv contentstore.Converter) ServiceOption {
	return func(svc *Service) { svc.convert = conv }
}

// Start launches the job runner and the event retention sweep. Non-blocking.
func (svc *Service) Start(ctx context.Context) {
	go svc.runner.Run(ctx)
	if svc.events != nil {
		go svc.retentionLoop(ctx)
	}
	svc.logger.Info("syncer: started",
		"job_interval", svc.config.Jobs.Interval,
		"unit_timeout", svc.config.Sync.UnitTimeout)
}

// Close releases resources the service created itself. Stores and databases
// passed in via options belong to the caller.
func (svc *Service) Close() error {
	var err error
	if svc.fetcher != nil {
		err = svc.fetcher.Close()
	}
	svc.logger.Info("syncer: closed")
	return err
}

// Units returns the unit list resolved by the last completed pass.
func (svc *Service) Units() []Unit {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return append([]Unit(nil), svc.lastUnits...)
}

// lockFor returns the pass mutex for an instance, creating it on first use.
// Two passes touching different instances run concurrently; the same
// instance serializes.
func (svc *Service) lockFor(instance string) *sync.Mutex {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	l, ok := svc.locks[instance]
	if !ok {
		l = &sync.Mutex{}
		svc.locks[instance] = l
	}
	return l
}

// setUnits records the pass result and notifies the listener when the
// resolved set actually changed.
func (svc *Service) setUnits(units []discovery.Unit) {
	next := make([]Unit, len(units))
	for i, u := range units {
		next[i] = Unit(u)
	}

	svc.mu.Lock()
	changed := !sameUnits(svc.lastUnits, next)
	svc.lastUnits = next
	listener := svc.listener
	svc.mu.Unlock()

	if changed && listener != nil {
		listener(append([]Unit(nil), next...))
	}
}

func sameUnits(a, b []Unit) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, u := range a {
		seen[u.Name] = struct{}{}
	}
	for _, u := range b {
		if _, ok := seen[u.Name]; !ok {
			return false
		}
	}
	return true
}

// record writes an event if a log is configured. Fire-and-forget.
func (svc *Service) record(e *events.Event) {
	if svc.events == nil {
		return
	}
	svc.events.Record(e)
}

func (svc *Service) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.events.Cleanup(ctx, svc.config.Events.Retention)
			if err != nil {
				svc.logger.Warn("syncer: event cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				svc.logger.Info("syncer: old events pruned", "count", n)
			}
		}
	}
}

// runJob is the recurring job body: one scheduled per-instance sync.
func (svc *Service) runJob(ctx context.Context, job jobs.Job) error {
	report, err := svc.SyncInstance(ctx, job.Instance)
	if err != nil {
		return err
	}
	if report.Status == StatusSkipped && len(report.Errors) > 0 {
		return fmt.Errorf("syncer: instance %q unreachable", job.Instance)
	}
	if report.Errored > 0 && report.New+report.Updated == 0 {
		return fmt.Errorf("syncer: all %d units of %q errored", report.Errored, job.Instance)
	}
	return nil
}
