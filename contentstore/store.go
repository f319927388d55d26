// Package contentstore holds the ingested knowledge base: one document per
// source row, full-text indexed. Documents are keyed by (unit, source key)
// so re-ingesting a unit updates in place instead of duplicating.
package contentstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/kbsync/idgen"
)

// Schema creates the document tables and the FTS5 index with its sync
// triggers. Apply via dbopen.WithSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS documents (
    id          TEXT PRIMARY KEY,
    unit        TEXT NOT NULL,
    source_key  TEXT NOT NULL,
    content     TEXT NOT NULL,
    metadata    TEXT NOT NULL DEFAULT '{}',
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL,
    UNIQUE (unit, source_key)
);
CREATE INDEX IF NOT EXISTS idx_documents_unit ON documents(unit, updated_at DESC);

CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
    content, content='documents', content_rowid='rowid',
    tokenize='unicode61 remove_diacritics 2'
);

CREATE TRIGGER IF NOT EXISTS documents_ai AFTER INSERT ON documents BEGIN
    INSERT INTO documents_fts(rowid, content) VALUES (new.rowid, new.content);
END;
CREATE TRIGGER IF NOT EXISTS documents_ad AFTER DELETE ON documents BEGIN
    INSERT INTO documents_fts(documents_fts, rowid, content) VALUES('delete', old.rowid, old.content);
END;
CREATE TRIGGER IF NOT EXISTS documents_au AFTER UPDATE ON documents BEGIN
    INSERT INTO documents_fts(documents_fts, rowid, content) VALUES('delete', old.rowid, old.content);
    INSERT INTO documents_fts(rowid, content) VALUES (new.rowid, new.content);
END;
`

// Document is one stored knowledge base record.
type Document struct {
	ID        string            `json:"id"`
	Unit      string            `json:"unit"`
	SourceKey string            `json:"source_key"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt int64             `json:"created_at"`
	UpdatedAt int64             `json:"updated_at"`
}

// Store wraps the content database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a Store over an already-opened content database.
func New(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// execer is the write surface shared by *sql.DB and *sql.Tx, so upsert can
// run standalone or inside a batch transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Upsert stores a document under (unit, sourceKey). An existing document
// keeps its id and creation time; content and metadata are replaced. The
// document id is returned.
func (s *Store) Upsert(ctx context.Context, unit, sourceKey, content string, metadata map[string]string) (string, error) {
	return upsert(ctx, s.db, unit, sourceKey, content, metadata)
}

func upsert(ctx context.Context, q execer, unit, sourceKey, content string, metadata map[string]string) (string, error) {
	if unit == "" {
		return "", fmt.Errorf("contentstore: empty unit")
	}
	if sourceKey == "" {
		sourceKey = ContentKey(content)
	}
	meta := "{}"
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return "", fmt.Errorf("contentstore: marshal metadata: %w", err)
		}
		meta = string(raw)
	}

	now := time.Now().UnixMilli()
	_, err := q.ExecContext(ctx, `
		INSERT INTO documents (id, unit, source_key, content, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(unit, source_key) DO UPDATE SET
			content = excluded.content,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		idgen.New(), unit, sourceKey, content, meta, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("contentstore: upsert into %q: %w", unit, err)
	}

	var id string
	err = q.QueryRowContext(ctx,
		`SELECT id FROM documents WHERE unit = ? AND source_key = ?`, unit, sourceKey,
	).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

// Get returns the document by id, or nil when absent.
func (s *Store) Get(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, unit, source_key, content, metadata, created_at, updated_at
		FROM documents WHERE id = ?`, id)
	var d Document
	var meta string
	err := row.Scan(&d.ID, &d.Unit, &d.SourceKey, &d.Content, &meta, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := unmarshalMeta(meta, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// List returns the most recently updated documents of a unit; an empty unit
// lists across all units.
func (s *Store) List(ctx context.Context, unit string, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, unit, source_key, content, metadata, created_at, updated_at
		FROM documents`
	args := []any{}
	if unit != "" {
		query += ` WHERE unit = ?`
		args = append(args, unit)
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var d Document
		var meta string
		if err := rows.Scan(&d.ID, &d.Unit, &d.SourceKey, &d.Content, &meta, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		if err := unmarshalMeta(meta, &d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// HasUnit reports whether any document of unit has been ingested.
func (s *Store) HasUnit(ctx context.Context, unit string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM documents WHERE unit = ? LIMIT 1`, unit).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CountUnit returns the number of documents stored for unit.
func (s *Store) CountUnit(ctx context.Context, unit string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE unit = ?`, unit).Scan(&n)
	return n, err
}

// CountAll returns the total number of documents.
func (s *Store) CountAll(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n)
	return n, err
}

// Units returns every unit with stored documents and its document count.
func (s *Store) Units(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT unit, COUNT(*) FROM documents GROUP BY unit`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var unit string
		var n int64
		if err := rows.Scan(&unit, &n); err != nil {
			return nil, err
		}
		out[unit] = n
	}
	return out, rows.Err()
}

// ContentKey derives a stable source key from the content itself, for rows
// that expose no usable identifier.
func ContentKey(content string) string {
	sum := sha256.Sum256([]byte(content))
	return "sha256:" + hex.EncodeToString(sum[:])
}

func unmarshalMeta(raw string, d *Document) error {
	if raw == "" || raw == "{}" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), &d.Metadata); err != nil {
		return fmt.Errorf("contentstore: metadata of %q: %w", d.ID, err)
	}
	return nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return `'` + strings.ReplaceAll(s, `'`, `''`) + `'`
}
