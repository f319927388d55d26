package contentstore

import (
	"context"
	"fmt"
)

// SearchResult is one full-text match, best rank first.
type SearchResult struct {
	ID        string            `json:"id"`
	Unit      string            `json:"unit"`
	Content   string            `json:"content"`
	Snippet   string            `json:"snippet"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Rank      float64           `json:"rank"`
	UpdatedAt int64             `json:"updated_at"`
}

// Search performs an FTS5 full-text search over document content. A
// non-empty unit restricts matches to that unit.
func (s *Store) Search(ctx context.Context, query, unit string, limit int) ([]*SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}

	sqlText := `SELECT d.id, d.unit, d.content,
		snippet(documents_fts, 0, '[', ']', '…', 16), d.metadata, rank, d.updated_at
		FROM documents_fts f
		JOIN documents d ON d.rowid = f.rowid
		WHERE documents_fts MATCH ?`
	args := []any{query}
	if unit != "" {
		sqlText += ` AND d.unit = ?`
		args = append(args, unit)
	}
	sqlText += ` ORDER BY rank LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("contentstore: search: %w", err)
	}
	defer rows.Close()

	var results []*SearchResult
	for rows.Next() {
		var r SearchResult
		var meta string
		if err := rows.Scan(&r.ID, &r.Unit, &r.Content, &r.Snippet, &meta, &r.Rank, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("contentstore: scan search result: %w", err)
		}
		var d Document
		d.ID = r.ID
		if err := unmarshalMeta(meta, &d); err != nil {
			return nil, err
		}
		r.Metadata = d.Metadata
		results = append(results, &r)
	}
	return results, rows.Err()
}
