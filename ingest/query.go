package ingest

import (
	"fmt"
	"strings"
)

// SentinelContent is emitted when no content column could be resolved, so a
// unit with an unresolvable schema still ingests visibly instead of failing
// silently on an empty projection.
const SentinelContent = "No content available"

// ContentMode selects how the adapter produces the content value.
type ContentMode string

const (
	// ModeColumn reads the content column. Values that look like PDF
	// document URLs are run through document-to-text conversion; all other
	// values pass through raw.
	ModeColumn ContentMode = "column"
	// ModeSentinel emits SentinelContent for every row.
	ModeSentinel ContentMode = "sentinel"
)

// QuerySpec is a structured ingestion query: "insert content+metadata
// derived from this projection into the content store". It is rendered to
// the target dialect only at the adapter edge; identifiers in it come from
// schema introspection, never from free-form user input.
type QuerySpec struct {
	TargetStore string `json:"target_store"`
	Instance    string `json:"instance"`
	Table       string `json:"table"`

	Mode          ContentMode `json:"mode"`
	ContentColumn string      `json:"content_column,omitempty"`

	// MetadataColumns are projected per row, NULL coalesced to "".
	// FixedMetadata is attached to every row as-is.
	IncludeMetadata bool              `json:"include_metadata"`
	MetadataColumns []string          `json:"metadata_columns,omitempty"`
	FixedMetadata   map[string]string `json:"fixed_metadata,omitempty"`

	// Limit caps the number of source rows read; 0 means no cap.
	Limit int `json:"limit,omitempty"`
}

// FullName returns the ingestion unit key "instance.table".
func (q QuerySpec) FullName() string { return q.Instance + "." + q.Table }

// Validate reports a malformed spec. Adapters call it before rendering.
func (q QuerySpec) Validate() error {
	switch {
	case q.TargetStore == "":
		return fmt.Errorf("query spec: empty target store")
	case q.Instance == "" || q.Table == "":
		return fmt.Errorf("query spec: empty source %q.%q", q.Instance, q.Table)
	case q.Mode == ModeColumn && q.ContentColumn == "":
		return fmt.Errorf("query spec: column mode without content column")
	}
	return nil
}

// BuildQuery assembles the QuerySpec for one ingestion unit. When metadata
// is included, the fixed object carries source_table, content_column and
// data_type alongside the projected columns, so every stored record traces
// back to its origin even when the source schema drifted.
func BuildQuery(d Descriptor, instance, table, targetStore string, includeMetadata bool) QuerySpec {
	reported := d.ContentColumn
	if reported == "" {
		reported = ProfileFor(d.Kind).DefaultContentColumn()
	}

	spec := QuerySpec{
		TargetStore:     targetStore,
		Instance:        instance,
		Table:           table,
		Mode:            ModeColumn,
		ContentColumn:   d.ContentColumn,
		IncludeMetadata: includeMetadata,
	}
	if d.ContentColumn == "" {
		spec.Mode = ModeSentinel
	}
	if includeMetadata {
		spec.MetadataColumns = append([]string(nil), d.MetadataColumns...)
		spec.FixedMetadata = map[string]string{
			"source_table":   instance + "." + table,
			"content_column": reported,
			"data_type":      string(d.Kind),
		}
	}
	return spec
}

// IsDocumentURL reports whether a content value looks like an HTTP(S) URL
// referencing a PDF document and should go through document-to-text
// conversion instead of being stored raw.
func IsDocumentURL(v string) bool {
	if !strings.HasPrefix(v, "http") {
		return false
	}
	return strings.Contains(strings.ToLower(v), "pdf")
}
