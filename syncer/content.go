package syncer

import (
	"context"

	"github.com/hazyhaar/kbsync/contentstore"
	"github.com/hazyhaar/kbsync/events"
)

// Search runs a full-text query over synchronized content, optionally
// scoped to one unit.
func (svc *Service) Search(ctx context.Context, query, unit string, limit int) ([]*contentstore.SearchResult, error) {
	return svc.store.Search(ctx, query, unit, limit)
}

// UploadDocument converts an uploaded file and stores it chunked under the
// upload unit derived from name. Returns the stored document ids.
func (svc *Service) UploadDocument(ctx context.Context, name string, data []byte, contentType string, meta map[string]string) ([]string, error) {
	res, err := svc.docs.Convert(data, contentType, name)
	if err != nil {
		svc.record(&events.Event{
			Type: events.TypeDocument, Unit: contentstore.UploadUnit(name),
			Action: "upload", Success: false,
			Details: map[string]any{"name": name, "error": err.Error()},
		})
		return nil, err
	}

	m := make(map[string]string, len(meta)+2)
	for k, v := range meta {
		m[k] = v
	}
	m["format"] = string(res.Format)
	if res.Title != "" {
		m["title"] = res.Title
	}

	ids, err := svc.store.InsertDocument(ctx, name, res.Text, m)
	if err != nil {
		return nil, err
	}
	svc.record(&events.Event{
		Type: events.TypeDocument, Unit: contentstore.UploadUnit(name),
		Action: "upload", Success: true,
		Details: map[string]any{"name": name, "chunks": len(ids), "format": string(res.Format)},
	})
	return ids, nil
}
