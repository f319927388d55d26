package kit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Endpoint is one request/response interaction. A transport decodes its
// wire format into a typed request, calls the endpoint, and encodes the
// response back out; the endpoint itself never sees the transport.
type Endpoint func(ctx context.Context, req any) (any, error)

// DecodeFunc extracts the typed request from an MCP tool call. The returned
// EnrichCtx, when set, runs before the endpoint so decoders can tag the
// context (session, peer address).
type DecodeFunc func(*mcp.CallToolRequest) (*MCPDecodeResult, error)

// MCPDecodeResult is what a DecodeFunc produces.
type MCPDecodeResult struct {
	Request   any
	EnrichCtx func(context.Context) context.Context
}

// RegisterMCPTool exposes an Endpoint as an MCP tool. Endpoint errors come
// back as tool errors, not protocol errors, so a failing tool never tears
// down the session. The response is marshaled to JSON text content.
func RegisterMCPTool(srv *mcp.Server, tool *mcp.Tool, endpoint Endpoint, decode DecodeFunc) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		decoded, err := decode(req)
		if err != nil {
			return errResult(fmt.Errorf("invalid arguments: %w", err)), nil
		}
		if decoded.EnrichCtx != nil {
			ctx = decoded.EnrichCtx(ctx)
		}

		resp, err := endpoint(ctx, decoded.Request)
		if err != nil {
			return errResult(err), nil
		}

		data, err := json.Marshal(resp)
		if err != nil {
			return errResult(fmt.Errorf("marshal response: %w", err)), nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

func errResult(err error) *mcp.CallToolResult {
	var res mcp.CallToolResult
	res.SetError(err)
	return &res
}
