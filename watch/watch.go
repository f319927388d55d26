// Package watch polls a SQLite database for out-of-band changes and runs an
// action after a debounce window. The engine uses it to notice catalog edits
// made by other processes (an operator running sqlite3 against catalog.db,
// another tool registering an instance) and re-reconcile sync jobs without a
// restart.
//
// Typical usage:
//
//	w := watch.New(catalogDB, watch.Options{Debounce: 2 * time.Second})
//	go w.OnChange(ctx, func() error { return svc.Reconcile(ctx) })
package watch

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// ChangeDetector reports a version number for the watched database. A value
// different from the last observed one means the database changed. Detectors
// must be cheap; they run on every poll.
type ChangeDetector func(ctx context.Context, db *sql.DB) (int64, error)

// Options configures a Watcher. The zero value polls every second with no
// debounce, using PragmaDataVersion.
type Options struct {
	// Interval is the poll cadence. Default: 1s.
	Interval time.Duration
	// Debounce is the quiet window after a detected change before the
	// action runs. A burst of edits inside the window triggers one action.
	// Default: 0 (run as soon as the change is seen).
	Debounce time.Duration
	// Detector overrides the change probe. Default: PragmaDataVersion.
	Detector ChangeDetector
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Detector == nil {
		o.Detector = PragmaDataVersion
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Stats is a snapshot of watcher activity counters.
type Stats struct {
	Checks  int64 `json:"checks"`
	Changes int64 `json:"changes"`
	Errors  int64 `json:"errors"`
	Reloads int64 `json:"reloads"`
}

// Watcher runs the poll loop for one database.
type Watcher struct {
	db   *sql.DB
	opts Options

	version atomic.Int64

	checks  atomic.Int64
	changes atomic.Int64
	errors  atomic.Int64
	reloads atomic.Int64
}

// New builds a Watcher over db. Call OnChange to start polling.
func New(db *sql.DB, opts Options) *Watcher {
	opts.defaults()
	return &Watcher{db: db, opts: opts}
}

// Version returns the last version the action successfully processed.
func (w *Watcher) Version() int64 { return w.version.Load() }

// Stats returns a snapshot of the activity counters.
func (w *Watcher) Stats() Stats {
	return Stats{
		Checks:  w.checks.Load(),
		Changes: w.changes.Load(),
		Errors:  w.errors.Load(),
		Reloads: w.reloads.Load(),
	}
}

// OnChange polls until ctx is cancelled, running action after each detected
// change once the debounce window passes. A failed action does not advance
// the version, so the next poll re-arms the window and the change is retried.
// OnChange blocks; run it on its own goroutine.
func (w *Watcher) OnChange(ctx context.Context, action func() error) error {
	log := w.opts.Logger

	// The state at startup is the baseline, not a change. If the seed probe
	// fails the version stays zero and the first clean poll fires, which
	// errs on the side of reconciling once too often.
	if v, err := w.opts.Detector(ctx, w.db); err == nil {
		w.version.Store(v)
	} else {
		log.Warn("watch: seed probe failed", "error", err)
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	// The debounce timer stays parked until a change arrives.
	debounce := time.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	var pending int64
	armed := false

	log.Info("watch: started", "interval", w.opts.Interval, "debounce", w.opts.Debounce)

	for {
		select {
		case <-ctx.Done():
			log.Info("watch: stopped")
			return ctx.Err()

		case <-ticker.C:
			w.checks.Add(1)
			v, err := w.opts.Detector(ctx, w.db)
			if err != nil {
				w.errors.Add(1)
				log.Warn("watch: probe failed", "error", err)
				continue
			}
			if v == w.version.Load() || (armed && v == pending) {
				continue
			}
			w.changes.Add(1)
			pending = v
			// A newer version restarts the quiet window.
			if armed && !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(w.opts.Debounce)
			armed = true
			log.Debug("watch: change detected", "pending_version", v)

		case <-debounce.C:
			armed = false
			start := time.Now()
			if err := action(); err != nil {
				w.errors.Add(1)
				log.Error("watch: action failed", "version", pending, "error", err)
				continue
			}
			w.version.Store(pending)
			w.reloads.Add(1)
			log.Info("watch: change processed",
				"version", pending,
				"elapsed_ms", time.Since(start).Milliseconds())
		}
	}
}

// PragmaDataVersion reports SQLite's data_version, which increments when a
// different connection writes the database file. Writes through the same pool
// as the watcher may not register; use MaxColumnDetector when the watcher
// shares its pool with the writer.
func PragmaDataVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	if err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("watch: data_version: %w", err)
	}
	return v, nil
}

// MaxColumnDetector probes MAX(column) on table, for tables that carry a
// monotonic column such as an update timestamp. Unlike PragmaDataVersion it
// sees writes made through the watcher's own pool. Deleting a row only
// registers when it removes the maximum.
func MaxColumnDetector(table, column string) ChangeDetector {
	q := fmt.Sprintf("SELECT COALESCE(MAX(%s), 0) FROM %s", quoteIdent(column), quoteIdent(table))
	return func(ctx context.Context, db *sql.DB) (int64, error) {
		var v int64
		if err := db.QueryRowContext(ctx, q).Scan(&v); err != nil {
			return 0, fmt.Errorf("watch: max %s.%s: %w", table, column, err)
		}
		return v, nil
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
