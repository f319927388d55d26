package ingest

import (
	"testing"
)

func TestBuildQuery_WithMetadata(t *testing.T) {
	// WHAT: A resolved descriptor becomes a column-mode spec whose fixed
	// metadata names the unit, the content column and the kind tag.
	// WHY: Every stored record must stay traceable to its origin.
	d := Resolve(KindEmail, []string{"id", "body", "created_at"}, "")
	spec := BuildQuery(d, "crm_1", "messages", "contracts", true)

	if err := spec.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if spec.Mode != ModeColumn {
		t.Fatalf("mode: got %q, want %q", spec.Mode, ModeColumn)
	}
	if spec.FullName() != "crm_1.messages" {
		t.Fatalf("full name: got %q, want %q", spec.FullName(), "crm_1.messages")
	}
	fixed := spec.FixedMetadata
	if fixed["source_table"] != "crm_1.messages" {
		t.Errorf("source_table: got %q", fixed["source_table"])
	}
	if fixed["content_column"] != "body" {
		t.Errorf("content_column: got %q", fixed["content_column"])
	}
	if fixed["data_type"] != "email" {
		t.Errorf("data_type: got %q", fixed["data_type"])
	}
	if len(spec.MetadataColumns) != 2 {
		t.Errorf("metadata columns: got %v, want 2", spec.MetadataColumns)
	}
}

func TestBuildQuery_SentinelWhenUnresolvable(t *testing.T) {
	// WHAT: No content column -> sentinel mode, and the reported
	// content_column falls back to the kind default.
	// WHY: Ingestion must not fail silently on an empty projection.
	d := Resolve(KindCRM, []string{"x", "y"}, "")
	spec := BuildQuery(d, "crm_1", "deals", "contracts", true)

	if spec.Mode != ModeSentinel {
		t.Fatalf("mode: got %q, want %q", spec.Mode, ModeSentinel)
	}
	if spec.ContentColumn != "" {
		t.Fatalf("content column: got %q, want empty", spec.ContentColumn)
	}
	if got := spec.FixedMetadata["content_column"]; got != "description" {
		t.Fatalf("reported content_column: got %q, want %q", got, "description")
	}
}

func TestBuildQuery_WithoutMetadata(t *testing.T) {
	// WHAT: includeMetadata=false leaves the metadata projection empty.
	d := Resolve(KindRelational, []string{"id", "content"}, "")
	spec := BuildQuery(d, "pg_main", "contracts", "contracts", false)

	if spec.IncludeMetadata {
		t.Fatal("include metadata: got true, want false")
	}
	if spec.FixedMetadata != nil || spec.MetadataColumns != nil {
		t.Fatalf("metadata leaked: fixed=%v cols=%v", spec.FixedMetadata, spec.MetadataColumns)
	}
}

func TestQuerySpec_Validate(t *testing.T) {
	// WHAT: Malformed specs are rejected before the adapter renders them.
	bad := []QuerySpec{
		{Instance: "a", Table: "b", Mode: ModeSentinel},
		{TargetStore: "kb", Table: "b", Mode: ModeSentinel},
		{TargetStore: "kb", Instance: "a", Mode: ModeSentinel},
		{TargetStore: "kb", Instance: "a", Table: "b", Mode: ModeColumn},
	}
	for i, spec := range bad {
		if err := spec.Validate(); err == nil {
			t.Errorf("spec %d: validate passed, want error", i)
		}
	}
}

func TestIsDocumentURL(t *testing.T) {
	// WHAT: Only HTTP(S) values referencing a PDF are flagged for
	// document-to-text conversion.
	cases := []struct {
		value string
		want  bool
	}{
		{"https://files.example.com/contract.pdf", true},
		{"http://example.com/download?format=PDF&id=9", true},
		{"https://example.com/page.html", false},
		{"/var/data/contract.pdf", false},
		{"plain text about pdf files", false},
		{"", false},
	}
	for _, c := range cases {
		if got := IsDocumentURL(c.value); got != c.want {
			t.Errorf("IsDocumentURL(%q): got %v, want %v", c.value, got, c.want)
		}
	}
}
