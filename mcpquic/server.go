package mcpquic

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/quic-go/quic-go"

	"github.com/hazyhaar/kbsync/idgen"
	"github.com/hazyhaar/kbsync/kit"
)

// Handler turns one accepted QUIC connection into an MCP session. It owns
// no listener, so a deployment demuxing several protocols off a shared UDP
// socket can drive it directly; Listener below wraps it for the standalone
// case.
type Handler struct {
	mcpServer *mcp.Server
	logger    *slog.Logger
	newID     idgen.Generator
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerIDGenerator sets a custom generator for session IDs.
func WithHandlerIDGenerator(gen idgen.Generator) HandlerOption {
	return func(h *Handler) { h.newID = gen }
}

// NewHandler creates a connection handler serving mcpSrv's tools.
func NewHandler(mcpSrv *mcp.Server, logger *slog.Logger, opts ...HandlerOption) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		mcpServer: mcpSrv,
		logger:    logger,
		newID:     idgen.Default,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// ServeConn runs one connection to completion: accept the stream, check the
// protocol prefix, then hand the stream to the SDK's JSON-RPC loop. Blocks
// until the client disconnects or ctx is cancelled.
func (h *Handler) ServeConn(ctx context.Context, conn *quic.Conn) {
	remote := conn.RemoteAddr().String()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		h.logger.Error("mcpquic: accept stream failed", "remote", remote, "error", err)
		conn.CloseWithError(ConnErrorProtocolViolation, "stream accept failed")
		return
	}

	// Anything that is not MCP gets reset before the JSON-RPC machinery
	// ever sees a byte.
	if err := ValidateMagicBytes(stream); err != nil {
		h.logger.Error("mcpquic: bad protocol prefix", "remote", remote, "error", err)
		stream.CancelWrite(StreamErrorProtocolConfusion)
		stream.CancelRead(StreamErrorProtocolConfusion)
		conn.CloseWithError(ConnErrorProtocolViolation, "invalid magic bytes")
		return
	}

	sessionID := "quic_" + h.newID()
	h.logger.Info("mcpquic: session starting", "session", sessionID, "remote", remote)

	ctx = kit.WithTransport(ctx, "mcp_quic")
	ctx = kit.WithSessionID(ctx, sessionID)
	ctx = kit.WithRemoteAddr(ctx, remote)

	ss, err := h.mcpServer.Connect(ctx, &streamTransport{stream: stream, sessionID: sessionID}, nil)
	if err != nil {
		h.logger.Error("mcpquic: connect failed", "session", sessionID, "error", err)
		stream.Close()
		return
	}

	if err := ss.Wait(); err != nil {
		h.logger.Debug("mcpquic: session wait", "session", sessionID, "error", err)
	}
	h.logger.Info("mcpquic: session ended", "session", sessionID, "remote", remote)
}

// Listener accepts MCP-over-QUIC connections for a standalone deployment.
type Listener struct {
	listener *quic.Listener
	handler  *Handler
	logger   *slog.Logger
}

// NewListener binds addr and serves mcpSrv's tools to every accepted
// connection.
func NewListener(addr string, tlsCfg *tls.Config, mcpSrv *mcp.Server, logger *slog.Logger, opts ...HandlerOption) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l, err := quic.ListenAddr(addr, tlsCfg, ProductionQUICConfig())
	if err != nil {
		return nil, err
	}
	logger.Info("mcpquic: listener ready", "addr", addr)
	return &Listener{
		listener: l,
		handler:  NewHandler(mcpSrv, logger, opts...),
		logger:   logger,
	}, nil
}

// Serve accepts connections until ctx is cancelled. Each session runs on
// its own goroutine; a connection that negotiated the wrong ALPN is closed
// without a session.
func (l *Listener) Serve(ctx context.Context) error {
	for {
		conn, err := l.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Error("mcpquic: accept failed", "error", err)
			continue
		}

		if alpn := conn.ConnectionState().TLS.NegotiatedProtocol; alpn != ALPNProtocolMCP {
			conn.CloseWithError(ConnErrorUnsupportedALPN, "unsupported ALPN: "+alpn)
			continue
		}

		go l.handler.ServeConn(ctx, conn)
	}
}

// Close stops accepting. Established sessions end with their own streams.
func (l *Listener) Close() error {
	return l.listener.Close()
}

// streamTransport adapts one QUIC stream to the SDK's transport interface,
// overriding the session ID (the plain IO connection reports none).
type streamTransport struct {
	stream    *quic.Stream
	sessionID string
}

func (t *streamTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	iot := &mcp.IOTransport{
		Reader: io.NopCloser(t.stream),
		Writer: streamWriteCloser{t.stream},
	}
	conn, err := iot.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &taggedConn{Connection: conn, id: t.sessionID}, nil
}

type taggedConn struct {
	mcp.Connection
	id string
}

func (c *taggedConn) SessionID() string { return c.id }

// streamWriteCloser narrows a *quic.Stream to io.WriteCloser so closing the
// writer half-closes the stream instead of the whole connection.
type streamWriteCloser struct{ stream *quic.Stream }

func (w streamWriteCloser) Write(p []byte) (int, error) { return w.stream.Write(p) }
func (w streamWriteCloser) Close() error                { return w.stream.Close() }
