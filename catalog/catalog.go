// Package catalog is the system of record for source database instances.
// Each row names an instance, its kind and the DSN of the SQLite file it
// lives in. The catalog also hands out lazily-opened read handles to those
// source databases; the engine never writes through them.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hazyhaar/kbsync/horosafe"
	"github.com/hazyhaar/kbsync/ingest"
)

// Schema creates the catalog tables. Apply via dbopen.WithSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS instances (
	name        TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	dsn         TEXT NOT NULL,
	params_json TEXT NOT NULL DEFAULT '{}',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_instances_kind ON instances(kind);
`

// ErrUnknownInstance is returned when an operation names an instance the
// catalog has no row for.
var ErrUnknownInstance = errors.New("catalog: unknown instance")

// Instance is one registered source database.
type Instance struct {
	Name      string            `json:"name"`
	Kind      ingest.Kind       `json:"kind"`
	DSN       string            `json:"dsn"`
	Params    map[string]string `json:"params,omitempty"`
	CreatedAt int64             `json:"created_at"`
	UpdatedAt int64             `json:"updated_at"`
}

// Source databases are shared with the applications that own them; reads
// against any one instance are paced so a sync burst cannot starve the
// owner's writes.
const (
	sourceRPS   = 50
	sourceBurst = 100
)

// Catalog wraps the catalog database and a pool of open source handles.
type Catalog struct {
	db     *sql.DB
	logger *slog.Logger

	mu       sync.Mutex
	pool     map[string]*sql.DB
	limiters map[string]*rate.Limiter
}

// New creates a Catalog over an already-opened catalog database.
func New(db *sql.DB, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		db:       db,
		logger:   logger,
		pool:     make(map[string]*sql.DB),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Upsert registers an instance or replaces its kind, DSN and params. A
// pooled handle for the instance is dropped so the next access reopens with
// the fresh DSN.
func (c *Catalog) Upsert(ctx context.Context, inst Instance) error {
	if err := horosafe.ValidateIdentifier(inst.Name); err != nil {
		return fmt.Errorf("catalog: instance name: %w", err)
	}
	if !ingest.Known(inst.Kind) {
		return fmt.Errorf("catalog: unknown kind %q", inst.Kind)
	}
	if inst.DSN == "" {
		return fmt.Errorf("catalog: empty dsn for %q", inst.Name)
	}

	params := "{}"
	if len(inst.Params) > 0 {
		raw, err := json.Marshal(inst.Params)
		if err != nil {
			return fmt.Errorf("catalog: marshal params: %w", err)
		}
		params = string(raw)
	}

	now := time.Now().UnixMilli()
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO instances (name, kind, dsn, params_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			kind = excluded.kind,
			dsn = excluded.dsn,
			params_json = excluded.params_json,
			updated_at = excluded.updated_at`,
		inst.Name, string(inst.Kind), inst.DSN, params, now, now,
	)
	if err != nil {
		return fmt.Errorf("catalog: upsert %q: %w", inst.Name, err)
	}
	c.evict(inst.Name)
	return nil
}

// Get returns the instance by name, or nil when the catalog has no row.
func (c *Catalog) Get(ctx context.Context, name string) (*Instance, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT name, kind, dsn, params_json, created_at, updated_at
		FROM instances WHERE name = ?`, name)
	return scanInstance(row)
}

// List returns all registered instances ordered by name.
func (c *Catalog) List(ctx context.Context) ([]Instance, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT name, kind, dsn, params_json, created_at, updated_at
		FROM instances ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		inst, err := scanInstanceRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

// Remove deletes the instance row and closes its pooled handle. Removing an
// unknown instance is a no-op.
func (c *Catalog) Remove(ctx context.Context, name string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM instances WHERE name = ?`, name); err != nil {
		return fmt.Errorf("catalog: remove %q: %w", name, err)
	}
	c.evict(name)
	return nil
}

// Count returns the number of registered instances.
func (c *Catalog) Count(ctx context.Context) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM instances`).Scan(&n)
	return n, err
}

// Source returns an open handle to the instance's database, opening and
// pooling it on first use. The handle is shared; callers must not close it.
func (c *Catalog) Source(ctx context.Context, name string) (*sql.DB, error) {
	c.mu.Lock()
	if db, ok := c.pool[name]; ok {
		c.mu.Unlock()
		return db, nil
	}
	c.mu.Unlock()

	inst, err := c.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownInstance, name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if db, ok := c.pool[name]; ok {
		return db, nil
	}
	db, err := openSource(ctx, inst.DSN)
	if err != nil {
		return nil, fmt.Errorf("catalog: open source %q: %w", name, err)
	}
	c.pool[name] = db
	c.logger.Debug("catalog: opened source", "instance", name)
	return db, nil
}

// Tables lists the user tables of the instance's database, sorted. Internal
// sqlite_* tables are skipped.
func (c *Catalog) Tables(ctx context.Context, name string) ([]string, error) {
	db, err := c.Source(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := c.throttle(ctx, name); err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return nil, fmt.Errorf("catalog: list tables of %q: %w", name, err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(tables)
	return tables, nil
}

// Columns returns the column names of instance.table in declaration order.
// PRAGMA table_info covers ordinary tables; views and virtual tables fall
// back to a zero-row select.
func (c *Catalog) Columns(ctx context.Context, name, table string) ([]string, error) {
	db, err := c.Source(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := c.throttle(ctx, name); err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, quoteIdent(table)))
	if err == nil {
		cols, scanErr := scanTableInfo(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		if len(cols) > 0 {
			return cols, nil
		}
	}

	rows, err = db.QueryContext(ctx, fmt.Sprintf(`SELECT * FROM %s LIMIT 0`, quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("catalog: describe %s.%s: %w", name, table, err)
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	return cols, rows.Err()
}

// Query runs a read query against the instance's database. Used by the
// ingestion path to stream source rows.
func (c *Catalog) Query(ctx context.Context, name, query string, args ...any) (*sql.Rows, error) {
	db, err := c.Source(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := c.throttle(ctx, name); err != nil {
		return nil, err
	}
	return db.QueryContext(ctx, query, args...)
}

// throttle waits for the instance's read limiter.
func (c *Catalog) throttle(ctx context.Context, name string) error {
	c.mu.Lock()
	l, ok := c.limiters[name]
	if !ok {
		l = rate.NewLimiter(rate.Limit(sourceRPS), sourceBurst)
		c.limiters[name] = l
	}
	c.mu.Unlock()
	return l.Wait(ctx)
}

// Close closes every pooled source handle. The catalog database itself
// belongs to the caller.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for name, db := range c.pool {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.pool, name)
	}
	return firstErr
}

func (c *Catalog) evict(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if db, ok := c.pool[name]; ok {
		db.Close()
		delete(c.pool, name)
	}
}

// openSource opens a source database for reading. Sources are opened as-is
// with only a busy timeout applied: journal mode and the rest belong to
// whoever owns the file.
func openSource(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 10000`); err != nil {
		db.Close()
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func scanInstance(row *sql.Row) (*Instance, error) {
	var inst Instance
	var kind, params string
	err := row.Scan(&inst.Name, &kind, &inst.DSN, &params, &inst.CreatedAt, &inst.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	inst.Kind = ingest.Kind(kind)
	if err := unmarshalParams(params, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

func scanInstanceRows(rows *sql.Rows) (*Instance, error) {
	var inst Instance
	var kind, params string
	if err := rows.Scan(&inst.Name, &kind, &inst.DSN, &params, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
		return nil, err
	}
	inst.Kind = ingest.Kind(kind)
	if err := unmarshalParams(params, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

func unmarshalParams(raw string, inst *Instance) error {
	if raw == "" || raw == "{}" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), &inst.Params); err != nil {
		return fmt.Errorf("catalog: params of %q: %w", inst.Name, err)
	}
	return nil
}

func scanTableInfo(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var cols []string
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			dfltValue  sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dfltValue, &primaryKey); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
