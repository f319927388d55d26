package contentstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/hazyhaar/kbsync/dbopen"
	"github.com/hazyhaar/kbsync/docconv"
)

// Uploaded documents are chunked so each stored row stays inside an
// embedding window.
const (
	uploadMaxTokens     = 512
	uploadOverlapTokens = 64
)

// UploadUnit returns the unit uploaded documents with this name land in.
// Name characters outside [A-Za-z0-9._-] are folded to underscores so the
// unit stays addressable in routes and job names.
func UploadUnit(name string) string {
	var b strings.Builder
	b.WriteString("upload.")
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// InsertDocument stores an uploaded document as overlapping chunks under
// UploadUnit(name). Re-uploading replaces the unit wholesale in a single
// transaction; a shorter version must not leave stale tail chunks behind
// and a failed upload must not leave the unit half-replaced. Returns the
// stored document ids in chunk order.
func (s *Store) InsertDocument(ctx context.Context, name, text string, meta map[string]string) ([]string, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("contentstore: empty document name")
	}
	chunks := docconv.Split(text, docconv.ChunkOptions{
		MaxTokens:     uploadMaxTokens,
		OverlapTokens: uploadOverlapTokens,
	})
	if len(chunks) == 0 {
		return nil, fmt.Errorf("contentstore: document %q has no content", name)
	}

	unit := UploadUnit(name)
	ids := make([]string, 0, len(chunks))
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		ids = ids[:0] // RunTx may rerun fn after SQLITE_BUSY
		if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE unit = ?`, unit); err != nil {
			return fmt.Errorf("contentstore: delete unit %q: %w", unit, err)
		}
		for _, ch := range chunks {
			m := make(map[string]string, len(meta)+3)
			for k, v := range meta {
				m[k] = v
			}
			m["document_name"] = name
			m["chunk_index"] = strconv.Itoa(ch.Index)
			m["chunk_count"] = strconv.Itoa(len(chunks))

			id, err := upsert(ctx, tx, unit, fmt.Sprintf("chunk:%d", ch.Index), ch.Text, m)
			if err != nil {
				return fmt.Errorf("contentstore: store chunk %d of %q: %w", ch.Index, name, err)
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("contentstore: document uploaded",
		"name", name, "unit", unit, "chunks", len(chunks))
	return ids, nil
}

// DeleteUnit removes every document of a unit and returns how many rows
// went away.
func (s *Store) DeleteUnit(ctx context.Context, unit string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE unit = ?`, unit)
	if err != nil {
		return 0, fmt.Errorf("contentstore: delete unit %q: %w", unit, err)
	}
	return res.RowsAffected()
}
