// Package events keeps a SQLite log of sync activity: passes, unit
// ingestions, job changes, instance lifecycle. The orchestrator writes
// fire-and-forget; the ops surface and Status read it back.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/kbsync/idgen"
)

// Schema creates the event log table. Apply via dbopen.WithSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS sync_events (
	event_id   TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	instance   TEXT NOT NULL DEFAULT '',
	unit       TEXT NOT NULL DEFAULT '',
	action     TEXT NOT NULL DEFAULT '',
	details    TEXT NOT NULL DEFAULT '{}',
	success    INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_events_created ON sync_events(created_at);
CREATE INDEX IF NOT EXISTS idx_sync_events_unit ON sync_events(unit, created_at);
`

// Event types emitted by the engine.
const (
	TypePass     = "pass"     // one orchestrator pass
	TypeUnit     = "unit"     // one unit ingested or skipped
	TypeJob      = "job"      // job created, dropped, run
	TypeInstance = "instance" // instance registered, configured, removed
	TypeDocument = "document" // document uploaded
)

// Event is one log row.
type Event struct {
	EventID   string         `json:"event_id"`
	Type      string         `json:"event_type"`
	Instance  string         `json:"instance,omitempty"`
	Unit      string         `json:"unit,omitempty"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
	Success   bool           `json:"success"`
	CreatedAt int64          `json:"created_at"`
}

// Filter narrows Query results. Zero values match everything.
type Filter struct {
	Type     string
	Instance string
	Unit     string
	Since    int64 // created_at >= Since when > 0
	Limit    int   // default 100
}

// Log persists events asynchronously with a batching writer.
type Log struct {
	db     *sql.DB
	logger *slog.Logger
	newID  idgen.Generator
	ch     chan *Event
	stop   chan struct{}
	done   chan struct{}
}

// Option configures a Log.
type Option func(*Log)

// WithIDGenerator sets a custom ID generator for event IDs.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(l *Log) { l.newID = gen }
}

// New creates an async event log. Recommended bufferSize: 256.
func New(db *sql.DB, logger *slog.Logger, bufferSize int, opts ...Option) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	if bufferSize <= 0 {
		bufferSize = 256
	}
	l := &Log{
		db:     db,
		logger: logger,
		newID:  idgen.Prefixed("evt_", idgen.Default),
		ch:     make(chan *Event, bufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.flushLoop()
	return l
}

// Record queues an event for async persistence. Falls back to a synchronous
// insert when the buffer is full so bursts lose nothing.
func (l *Log) Record(e *Event) {
	l.fillDefaults(e)
	select {
	case l.ch <- e:
	default:
		l.logger.Warn("events: buffer full, sync fallback", "type", e.Type, "unit", e.Unit)
		if err := l.insert(context.Background(), e); err != nil {
			l.logger.Error("events: sync fallback failed", "error", err)
		}
	}
}

// Write inserts an event synchronously. Tests and shutdown paths use it.
func (l *Log) Write(ctx context.Context, e *Event) error {
	l.fillDefaults(e)
	return l.insert(ctx, e)
}

// Query returns events matching the filter, newest first.
func (l *Log) Query(ctx context.Context, f Filter) ([]*Event, error) {
	q := `SELECT event_id, event_type, instance, unit, action, details, success, created_at
		FROM sync_events WHERE 1=1`
	var args []any

	if f.Type != "" {
		q += " AND event_type = ?"
		args = append(args, f.Type)
	}
	if f.Instance != "" {
		q += " AND instance = ?"
		args = append(args, f.Instance)
	}
	if f.Unit != "" {
		q += " AND unit = ?"
		args = append(args, f.Unit)
	}
	if f.Since > 0 {
		q += " AND created_at >= ?"
		args = append(args, f.Since)
	}

	limit := 100
	if f.Limit > 0 {
		limit = f.Limit
	}
	q += " ORDER BY created_at DESC, event_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("events: query: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var e Event
		var details string
		var success int
		if err := rows.Scan(&e.EventID, &e.Type, &e.Instance, &e.Unit,
			&e.Action, &details, &success, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("events: scan: %w", err)
		}
		e.Success = success != 0
		if details != "" && details != "{}" {
			if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
				l.logger.Warn("events: bad details json", "event_id", e.EventID, "error", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Recent returns the latest events across all types.
func (l *Log) Recent(ctx context.Context, limit int) ([]*Event, error) {
	return l.Query(ctx, Filter{Limit: limit})
}

// Cleanup deletes events older than the retention window.
func (l *Log) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).UnixMilli()
	res, err := l.db.ExecContext(ctx, `DELETE FROM sync_events WHERE created_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("events: cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close drains the buffer and stops the flush goroutine.
func (l *Log) Close() error {
	close(l.stop)
	<-l.done
	return nil
}

func (l *Log) fillDefaults(e *Event) {
	if e.EventID == "" {
		e.EventID = l.newID()
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().UnixMilli()
	}
}

func (l *Log) flushLoop() {
	defer close(l.done)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	batch := make([]*Event, 0, 64)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			l.logger.Error("events: begin tx", "error", err)
			return
		}
		for _, e := range batch {
			if err := insertTx(ctx, tx, e); err != nil {
				l.logger.Error("events: insert", "error", err, "event_id", e.EventID)
			}
		}
		if err := tx.Commit(); err != nil {
			l.logger.Error("events: commit", "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-l.stop:
			for {
				select {
				case e := <-l.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= 64 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (l *Log) insert(ctx context.Context, e *Event) error {
	_, err := l.db.ExecContext(ctx, insertSQL, insertArgs(e)...)
	return err
}

func insertTx(ctx context.Context, tx *sql.Tx, e *Event) error {
	_, err := tx.ExecContext(ctx, insertSQL, insertArgs(e)...)
	return err
}

const insertSQL = `INSERT INTO sync_events
	(event_id, event_type, instance, unit, action, details, success, created_at)
	VALUES (?,?,?,?,?,?,?,?)`

func insertArgs(e *Event) []any {
	details := "{}"
	if len(e.Details) > 0 {
		if raw, err := json.Marshal(e.Details); err == nil {
			details = string(raw)
		}
	}
	success := 0
	if e.Success {
		success = 1
	}
	return []any{e.EventID, e.Type, e.Instance, e.Unit, e.Action, details, success, e.CreatedAt}
}
