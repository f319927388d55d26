// Package ingest turns a tabular source schema into a normalized
// (content, metadata) extraction plan. It is the pure core of the sync
// engine: Resolve picks the content and metadata columns for a source
// kind, BuildQuery emits a structured QuerySpec for the content store
// adapter. No I/O, deterministic for identical inputs.
package ingest

// Kind tags the family a source instance belongs to. The mapping tables
// below are keyed by Kind; unknown kinds fall back to the generic profile.
type Kind string

const (
	KindRelational     Kind = "relational"
	KindDocumentShare  Kind = "document_share"
	KindObjectStore    Kind = "object_store"
	KindCRM            Kind = "crm"
	KindSearchIndex    Kind = "search_index"
	KindVersionControl Kind = "version_control"
	KindNoteTaking     Kind = "note_taking"
	KindEmail          Kind = "email"
	KindWarehouse      Kind = "warehouse"
)

// Kinds lists every known source kind, in a stable order.
func Kinds() []Kind {
	return []Kind{
		KindRelational, KindDocumentShare, KindObjectStore, KindCRM,
		KindSearchIndex, KindVersionControl, KindNoteTaking, KindEmail,
		KindWarehouse,
	}
}

// Known reports whether k is one of the fixed source kinds.
func Known(k Kind) bool {
	_, ok := profiles[k]
	return ok
}

// Profile describes how a source kind maps onto (content, metadata).
// ContentCandidates is a priority list: earlier names win. Metadata
// candidates are included only when actually present in the source schema.
type Profile struct {
	ContentCandidates  []string
	MetadataCandidates []string
}

// DefaultContentColumn is the name reported in metadata when no content
// column could be resolved for the kind.
func (p Profile) DefaultContentColumn() string {
	if len(p.ContentCandidates) == 0 {
		return "content"
	}
	return p.ContentCandidates[0]
}

var profiles = map[Kind]Profile{
	KindRelational: {
		ContentCandidates:  []string{"content", "contract_text", "text", "document_text", "body", "description"},
		MetadataCandidates: []string{"id", "name", "title", "created_at", "updated_at", "status", "category"},
	},
	KindDocumentShare: {
		ContentCandidates:  []string{"content", "body", "description", "text", "file_content"},
		MetadataCandidates: []string{"title", "author", "created", "modified", "file_path", "site_url"},
	},
	KindObjectStore: {
		ContentCandidates:  []string{"content", "text", "file_content", "body"},
		MetadataCandidates: []string{"name", "path_lower", "size", "client_modified", "server_modified"},
	},
	KindCRM: {
		ContentCandidates:  []string{"description", "body", "content", "notes", "details"},
		MetadataCandidates: []string{"id", "name", "account_id", "owner_id", "created_date", "last_modified_date", "stage"},
	},
	KindSearchIndex: {
		ContentCandidates:  []string{"_source", "content", "text", "body", "description"},
		MetadataCandidates: []string{"_id", "_index", "_type", "_score", "timestamp"},
	},
	KindVersionControl: {
		ContentCandidates:  []string{"content", "body", "description", "readme", "text"},
		MetadataCandidates: []string{"name", "path", "sha", "size", "url", "html_url"},
	},
	KindNoteTaking: {
		ContentCandidates:  []string{"content", "rich_text", "plain_text", "title", "text"},
		MetadataCandidates: []string{"id", "title", "created_time", "last_edited_time", "created_by", "last_edited_by"},
	},
	KindEmail: {
		ContentCandidates:  []string{"body", "content", "text", "message", "html_body", "plain_text", "subject"},
		MetadataCandidates: []string{"id", "to_field", "from_field", "datetime", "subject", "message_id", "created_at"},
	},
	KindWarehouse: {
		ContentCandidates:  []string{"content", "text", "description", "contract_text", "document_text"},
		MetadataCandidates: []string{"id", "name", "created_at", "updated_at", "status", "category"},
	},
}

// genericProfile covers kinds outside the fixed set.
var genericProfile = Profile{
	ContentCandidates:  []string{"content", "text", "body", "description", "document_text"},
	MetadataCandidates: []string{"id"},
}

// ProfileFor returns the mapping profile for k, or the generic profile for
// an unknown kind.
func ProfileFor(k Kind) Profile {
	if p, ok := profiles[k]; ok {
		return p
	}
	return genericProfile
}
