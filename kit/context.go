// Package kit holds the transport plumbing shared by the engine's
// surfaces: request-scoped context keys and MCP tool registration. HTTP
// middleware and the QUIC transport both tag requests through it, so log
// lines correlate across surfaces.
package kit

import "context"

type contextKey string

const (
	// TransportKey names the surface a request arrived on ("http",
	// "mcp_quic").
	TransportKey contextKey = "kit_transport"
	// TraceIDKey carries the per-request trace ID.
	TraceIDKey contextKey = "kit_trace_id"
	// SessionIDKey carries the MCP session ID on QUIC connections.
	SessionIDKey contextKey = "kit_session_id"
	// RemoteAddrKey carries the peer address as reported by the transport.
	RemoteAddrKey contextKey = "kit_remote_addr"
)

// WithTransport tags ctx with the transport name.
func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}

// GetTransport returns the transport tag, defaulting to "http" so code
// predating the QUIC surface keeps reading sensibly.
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(TransportKey).(string); ok {
		return v
	}
	return "http"
}

// WithTraceID tags ctx with a trace ID.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}

// GetTraceID returns the trace ID, or "" when the request was never tagged.
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}

// WithSessionID tags ctx with an MCP session ID.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, SessionIDKey, id)
}

// GetSessionID returns the MCP session ID, or "".
func GetSessionID(ctx context.Context) string {
	v, _ := ctx.Value(SessionIDKey).(string)
	return v
}

// WithRemoteAddr tags ctx with the peer address.
func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, RemoteAddrKey, addr)
}

// GetRemoteAddr returns the peer address, or "".
func GetRemoteAddr(ctx context.Context) string {
	v, _ := ctx.Value(RemoteAddrKey).(string)
	return v
}
