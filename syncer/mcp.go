package syncer

import (
	"context"
	"encoding/json"

	"github.com/hazyhaar/kbsync/kit"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterMCP registers all kbsync tools on an MCP server.
func (svc *Service) RegisterMCP(srv *mcp.Server) {
	svc.registerListUnits(srv)
	svc.registerStatus(srv)
	svc.registerSync(srv)
	svc.registerSearch(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func (svc *Service) registerListUnits(srv *mcp.Server) {
	type req struct {
		Instance string `json:"instance"`
	}

	tool := &mcp.Tool{
		Name:        "kbsync_list_units",
		Description: "List synchronizable units as of the last completed pass",
		InputSchema: inputSchema(map[string]any{
			"instance": map[string]any{"type": "string", "description": "Only units of this source instance"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		units := svc.Units()
		if p.Instance == "" {
			return units, nil
		}
		filtered := make([]Unit, 0, len(units))
		for _, u := range units {
			if u.Instance == p.Instance {
				filtered = append(filtered, u)
			}
		}
		return filtered, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if len(r.Params.Arguments) > 0 {
			if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
				return nil, err
			}
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (svc *Service) registerStatus(srv *mcp.Server) {
	type req struct{}

	tool := &mcp.Tool{
		Name:        "kbsync_status",
		Description: "Engine status: tracked units, pass counters, per-instance jobs, document total",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		return svc.Status(ctx)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if len(r.Params.Arguments) > 0 {
			if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
				return nil, err
			}
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (svc *Service) registerSync(srv *mcp.Server) {
	type req struct {
		Instance string `json:"instance"`
		Force    bool   `json:"force"`
	}

	tool := &mcp.Tool{
		Name:        "kbsync_sync",
		Description: "Run a sync pass. force re-ingests every unit; instance limits the run to one source",
		InputSchema: inputSchema(map[string]any{
			"instance": map[string]any{"type": "string", "description": "Sync only this source instance"},
			"force":    map[string]any{"type": "boolean", "description": "Re-ingest units already processed"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if p.Instance != "" {
			return svc.SyncInstance(ctx, p.Instance)
		}
		if p.Force {
			return svc.ForceResync(ctx)
		}
		return svc.SyncAll(ctx)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if len(r.Params.Arguments) > 0 {
			if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
				return nil, err
			}
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (svc *Service) registerSearch(srv *mcp.Server) {
	type req struct {
		Query string `json:"query"`
		Unit  string `json:"unit"`
		Limit int    `json:"limit"`
	}

	tool := &mcp.Tool{
		Name:        "kbsync_search",
		Description: "Full-text search over synchronized content",
		InputSchema: inputSchema(map[string]any{
			"query": map[string]any{"type": "string", "description": "FTS5 search query"},
			"unit":  map[string]any{"type": "string", "description": "Restrict to one unit"},
			"limit": map[string]any{"type": "integer", "description": "Max results"},
		}, []string{"query"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return svc.Search(ctx, p.Query, p.Unit, p.Limit)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
