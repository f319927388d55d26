package mcpquic

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/quic-go/quic-go"
)

// handshakeTimeout bounds the MCP initialize exchange after the QUIC
// connection is up. A listener that accepted the stream but never answers
// JSON-RPC should fail the dial, not hang it.
const handshakeTimeout = 10 * time.Second

// Client dials a kbsync MCP listener over QUIC. One client holds one
// session; it is not safe for concurrent Connect/Close, but tool calls on
// an established session are.
type Client struct {
	addr    string
	tlsCfg  *tls.Config
	conn    *quic.Conn
	stream  *quic.Stream
	session *mcp.ClientSession
}

// NewClient prepares a client for addr. A nil tlsCfg verifies the server
// certificate; pass ClientTLSConfig(true) to talk to a self-signed dev
// listener.
func NewClient(addr string, tlsCfg *tls.Config) *Client {
	if tlsCfg == nil {
		tlsCfg = ClientTLSConfig(false)
	}
	return &Client{addr: addr, tlsCfg: tlsCfg}
}

// Connect dials the listener, verifies the negotiated ALPN, sends the
// protocol prefix and runs the MCP initialize handshake. On any failure the
// connection is torn down and the client can be reused for another attempt.
func (c *Client) Connect(ctx context.Context) error {
	if c.session != nil {
		return fmt.Errorf("mcpquic: already connected to %s", c.addr)
	}

	conn, err := quic.DialAddr(ctx, c.addr, c.tlsCfg, ProductionQUICConfig())
	if err != nil {
		return fmt.Errorf("mcpquic: dial %s: %w", c.addr, err)
	}

	if alpn := conn.ConnectionState().TLS.NegotiatedProtocol; alpn != ALPNProtocolMCP {
		conn.CloseWithError(ConnErrorUnsupportedALPN, "bad ALPN")
		return fmt.Errorf("%w: got %q", ErrUnsupportedALPN, alpn)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(ConnErrorProtocolViolation, "stream open failed")
		return fmt.Errorf("mcpquic: open stream: %w", err)
	}
	if err := SendMagicBytes(stream); err != nil {
		stream.Close()
		conn.CloseWithError(ConnErrorProtocolViolation, "magic bytes failed")
		return err
	}

	c.conn = conn
	c.stream = stream

	mcpClient := mcp.NewClient(&mcp.Implementation{
		Name:    "kbsync-quic-client",
		Version: "1.0.0",
	}, nil)

	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	// The SDK drives the initialize exchange over the raw stream.
	session, err := mcpClient.Connect(hsCtx, &mcp.IOTransport{
		Reader: io.NopCloser(stream),
		Writer: streamWriteCloser{stream},
	}, nil)
	if err != nil {
		c.teardown()
		return fmt.Errorf("mcpquic: initialize: %w", err)
	}

	c.session = session
	return nil
}

// ListTools returns the tool catalog the engine registered.
func (c *Client) ListTools(ctx context.Context) (*mcp.ListToolsResult, error) {
	if c.session == nil {
		return nil, ErrConnectionClosed
	}
	return c.session.ListTools(ctx, nil)
}

// CallTool invokes one engine tool by name.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if c.session == nil {
		return nil, ErrConnectionClosed
	}
	return c.session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
}

// Ping checks session liveness.
func (c *Client) Ping(ctx context.Context) error {
	if c.session == nil {
		return ErrConnectionClosed
	}
	return c.session.Ping(ctx, nil)
}

// Close ends the session and releases the connection.
func (c *Client) Close() error {
	if c.session != nil {
		c.session.Close()
		c.session = nil
	}
	return c.teardown()
}

func (c *Client) teardown() error {
	if c.stream != nil {
		c.stream.Close()
		c.stream = nil
	}
	if c.conn != nil {
		c.conn.CloseWithError(ConnErrorNoError, "client closing")
		c.conn = nil
	}
	return nil
}
