// Package mcpquic carries MCP JSON-RPC sessions over QUIC streams.
//
// Wire protocol: the client opens one bidirectional stream per session and
// sends a 4-byte magic prefix before any JSON-RPC traffic, so a server
// sharing its UDP socket with HTTP/3 can reject protocol confusion early.
// ALPN pins the protocol version; TLS 1.3 is the floor.
package mcpquic

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	// ALPNProtocolMCP is negotiated during the TLS handshake. Bump the
	// suffix on incompatible wire changes.
	ALPNProtocolMCP = "kbsync-mcp-v1"

	// MagicBytesMCP is written by the client as the first bytes of the
	// stream, before any JSON-RPC frame.
	MagicBytesMCP = "MCP1"

	// MaxMessageSize bounds a single JSON-RPC message.
	MaxMessageSize = 10 * 1024 * 1024

	DefaultIdleTimeout = 5 * time.Minute
	DefaultKeepAlive   = 30 * time.Second
)

// Application-level QUIC error codes, sent in CONNECTION_CLOSE frames.
const (
	ConnErrorNoError           quic.ApplicationErrorCode = 0x0
	ConnErrorUnsupportedALPN   quic.ApplicationErrorCode = 0x1
	ConnErrorInternal          quic.ApplicationErrorCode = 0x2
	ConnErrorProtocolViolation quic.ApplicationErrorCode = 0x3
)

// StreamErrorProtocolConfusion resets a stream whose first bytes were not
// the MCP magic prefix.
const StreamErrorProtocolConfusion quic.StreamErrorCode = 0x1

var (
	ErrInvalidMagicBytes = errors.New("mcpquic: invalid magic bytes")
	ErrUnsupportedALPN   = errors.New("mcpquic: unsupported ALPN protocol")
	ErrConnectionClosed  = errors.New("mcpquic: connection closed")
)

// ConnectionError reports a failed QUIC connection with its close code.
type ConnectionError struct {
	RemoteAddr string
	Code       quic.ApplicationErrorCode
	Err        error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("mcpquic: connection to %s closed (code 0x%02x): %v", e.RemoteAddr, uint64(e.Code), e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SendMagicBytes writes the protocol prefix. Clients call this right after
// opening the stream.
func SendMagicBytes(w io.Writer) error {
	n, err := w.Write([]byte(MagicBytesMCP))
	if err != nil {
		return fmt.Errorf("write magic bytes: %w", err)
	}
	if n != len(MagicBytesMCP) {
		return fmt.Errorf("write magic bytes: short write (%d/%d)", n, len(MagicBytesMCP))
	}
	return nil
}

// ValidateMagicBytes reads and checks the protocol prefix. Servers call this
// before handing the stream to the MCP machinery.
func ValidateMagicBytes(r io.Reader) error {
	buf := make([]byte, len(MagicBytesMCP))
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("read magic bytes: %w", err)
	}
	if string(buf) != MagicBytesMCP {
		return fmt.Errorf("%w: got %q", ErrInvalidMagicBytes, string(buf))
	}
	return nil
}

// ProductionQUICConfig returns the QUIC tuning used by both ends.
// 0-RTT stays off: replayable early data and JSON-RPC don't mix.
func ProductionQUICConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  DefaultIdleTimeout,
		KeepAlivePeriod: DefaultKeepAlive,
		Allow0RTT:       false,
	}
}

// ServerTLSConfig loads a certificate pair for production listeners.
func ServerTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocolMCP},
	}, nil
}

// SelfSignedTLSConfig generates an ephemeral ECDSA P-256 certificate for
// localhost. Development only: clients must skip verification.
func SelfSignedTLSConfig() (*tls.Config, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: "localhost",
		},
		NotBefore:             now,
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocolMCP},
	}, nil
}

// ClientTLSConfig returns the dialer-side TLS config. insecure skips server
// certificate verification, which is only acceptable against a listener
// running SelfSignedTLSConfig.
func ClientTLSConfig(insecure bool) *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{ALPNProtocolMCP},
		InsecureSkipVerify: insecure,
	}
}

// H3TLSConfig derives an HTTP/3 config from base without mutating it, for
// listeners that share a UDP socket between MCP and HTTP/3.
func H3TLSConfig(base *tls.Config) *tls.Config {
	cfg := base.Clone()
	cfg.NextProtos = []string{"h3"}
	return cfg
}
