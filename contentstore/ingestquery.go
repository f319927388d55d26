package contentstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/kbsync/dbopen"
	"github.com/hazyhaar/kbsync/ingest"
)

// SourceQuerier streams rows from a source instance. *catalog.Catalog
// satisfies it.
type SourceQuerier interface {
	Query(ctx context.Context, instance, query string, args ...any) (*sql.Rows, error)
}

// Converter turns a document URL into text. Ingestion falls back to the raw
// URL when conversion fails, so a dead link degrades one value instead of
// the whole unit.
type Converter func(ctx context.Context, url string) (string, error)

// IngestReport summarises one ExecuteQuery run.
type IngestReport struct {
	Unit          string `json:"unit"`
	Rows          int    `json:"rows"`
	Stored        int    `json:"stored"`
	Converted     int    `json:"converted"`
	ConvertErrors int    `json:"convert_errors"`
	DurationMs    int64  `json:"duration_ms"`
}

// RenderSQL renders a query spec to the SQLite dialect of the source
// instances. The content column is NULL-coalesced to ''; sentinel mode
// selects the literal instead. Identifiers are quoted, they come from schema
// introspection and may carry any spelling.
func RenderSQL(qs ingest.QuerySpec) (string, error) {
	if err := qs.Validate(); err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	switch qs.Mode {
	case ingest.ModeColumn:
		fmt.Fprintf(&b, "COALESCE(%s, '') AS content", quoteIdent(qs.ContentColumn))
	case ingest.ModeSentinel:
		fmt.Fprintf(&b, "%s AS content", quoteLiteral(ingest.SentinelContent))
	default:
		return "", fmt.Errorf("contentstore: unknown content mode %q", qs.Mode)
	}
	if qs.IncludeMetadata {
		for _, col := range qs.MetadataColumns {
			b.WriteString(", ")
			b.WriteString(quoteIdent(col))
		}
	}
	b.WriteString(" FROM ")
	b.WriteString(quoteIdent(qs.Table))
	if qs.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", qs.Limit)
	}
	return b.String(), nil
}

// ExecuteQuery runs a query spec against its source instance and upserts
// every projected row into the store in one transaction. Rows are buffered
// and converted before the write so document fetches never hold the content
// database. A nil conv stores document URLs raw.
func (s *Store) ExecuteQuery(ctx context.Context, src SourceQuerier, qs ingest.QuerySpec, conv Converter) (*IngestReport, error) {
	started := time.Now()
	report := &IngestReport{Unit: qs.FullName()}

	query, err := RenderSQL(qs)
	if err != nil {
		return nil, err
	}
	rows, err := src.Query(ctx, qs.Instance, query)
	if err != nil {
		return nil, fmt.Errorf("contentstore: read %s: %w", qs.FullName(), err)
	}
	defer rows.Close()

	type record struct {
		content  string
		key      string
		metadata map[string]string
	}
	var records []record

	holders := make([]any, 1+len(metadataCols(qs)))
	ptrs := make([]any, len(holders))
	for i := range holders {
		ptrs[i] = &holders[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("contentstore: scan %s: %w", qs.FullName(), err)
		}
		report.Rows++

		content := stringify(holders[0])
		if qs.Mode == ingest.ModeColumn && ingest.IsDocumentURL(content) {
			if conv == nil {
				s.logger.Debug("contentstore: no converter, storing document url raw",
					"unit", report.Unit)
			} else if text, err := conv(ctx, content); err != nil {
				report.ConvertErrors++
				s.logger.Warn("contentstore: document conversion failed",
					"unit", report.Unit, "url", content, "error", err)
			} else {
				content = text
				report.Converted++
			}
		}

		meta := make(map[string]string, len(qs.FixedMetadata)+len(qs.MetadataColumns))
		for k, v := range qs.FixedMetadata {
			meta[k] = v
		}
		for i, col := range metadataCols(qs) {
			meta[col] = stringify(holders[i+1])
		}
		records = append(records, record{
			content:  content,
			key:      sourceKey(qs.MetadataColumns, meta, content),
			metadata: meta,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contentstore: stream %s: %w", qs.FullName(), err)
	}

	if err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, rec := range records {
			if _, err := upsert(ctx, tx, report.Unit, rec.key, rec.content, rec.metadata); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	report.Stored = len(records)

	report.DurationMs = time.Since(started).Milliseconds()
	return report, nil
}

func metadataCols(qs ingest.QuerySpec) []string {
	if !qs.IncludeMetadata {
		return nil
	}
	return qs.MetadataColumns
}

// idColumns are metadata column names usable as a stable row identity, in
// preference order.
var idColumns = []string{"id", "uuid", "guid", "message_id", "key"}

// sourceKey picks the row identity: a projected id-like column when one is
// present and non-empty, otherwise a hash of the content. The id-like value
// is prefixed with its column name so "id" and "message_id" spaces never
// collide.
func sourceKey(projected []string, meta map[string]string, content string) string {
	lower := make(map[string]string, len(projected))
	for _, col := range projected {
		lower[strings.ToLower(col)] = col
	}
	for _, want := range idColumns {
		col, ok := lower[want]
		if !ok {
			continue
		}
		if v := meta[col]; v != "" {
			return want + ":" + v
		}
	}
	for _, col := range projected {
		low := strings.ToLower(col)
		if strings.HasSuffix(low, "_id") {
			if v := meta[col]; v != "" {
				return low + ":" + v
			}
		}
	}
	return ContentKey(content)
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}
