package ingest

import "strings"

// Descriptor is the resolved extraction plan for one ingestion unit.
// ContentColumn is empty when no candidate matched the source schema; the
// query layer then falls back to the sentinel content clause.
type Descriptor struct {
	Kind            Kind
	ContentColumn   string
	MetadataColumns []string
}

// Resolve picks the content column and metadata columns for a source table.
//
// Resolution order for the content column:
//  1. override, used verbatim when non-empty;
//  2. exact match of a kind candidate against availableColumns;
//  3. case-insensitive substring match of a candidate inside any available
//     column name (the actual column spelling is returned);
//  4. no match: empty, unless the schema itself is unknown (no columns
//     reported), in which case the kind's first candidate is assumed.
//
// Metadata columns are the kind's candidates filtered to those present in
// availableColumns, candidate order preserved. Presence is checked
// case-insensitively and resolves to the actual column spelling.
func Resolve(kind Kind, availableColumns []string, override string) Descriptor {
	p := ProfileFor(kind)
	d := Descriptor{Kind: kind}

	if override != "" {
		d.ContentColumn = override
	} else {
		d.ContentColumn = resolveContent(p.ContentCandidates, availableColumns)
	}

	if len(availableColumns) > 0 {
		for _, cand := range p.MetadataCandidates {
			if col, ok := findColumn(availableColumns, cand); ok {
				d.MetadataColumns = append(d.MetadataColumns, col)
			}
		}
	}
	return d
}

func resolveContent(candidates, available []string) string {
	// Schema unknown: assume the most likely candidate rather than giving
	// up, so sparsely introspectable connectors still produce content.
	if len(available) == 0 {
		if len(candidates) == 0 {
			return ""
		}
		return candidates[0]
	}

	for _, cand := range candidates {
		for _, col := range available {
			if col == cand {
				return col
			}
		}
	}
	for _, cand := range candidates {
		lc := strings.ToLower(cand)
		for _, col := range available {
			if strings.Contains(strings.ToLower(col), lc) {
				return col
			}
		}
	}
	return ""
}

func findColumn(available []string, name string) (string, bool) {
	for _, col := range available {
		if col == name {
			return col, true
		}
	}
	ln := strings.ToLower(name)
	for _, col := range available {
		if strings.ToLower(col) == ln {
			return col, true
		}
	}
	return "", false
}
