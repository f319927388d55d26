// Package horosafe carries the security helpers shared across hazyhaar
// services: SSRF-safe URL validation for fetched documents, identifier
// checks for operator-supplied instance and table names, secret strength
// validation, and bounded response reads.
package horosafe

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
)

// MinSecretLen is the minimum byte length for symmetric secrets such as the
// admin API token. 32 bytes = 256 bits of entropy.
const MinSecretLen = 32

// ErrSecretTooShort is returned when a secret does not meet MinSecretLen.
var ErrSecretTooShort = fmt.Errorf("horosafe: secret must be at least %d bytes", MinSecretLen)

// ErrSSRF is returned when a URL targets a private, loopback, or link-local
// address.
var ErrSSRF = errors.New("horosafe: URL targets a private or loopback address")

// ErrUnsafeScheme is returned when a URL uses a non-HTTP(S) scheme.
var ErrUnsafeScheme = errors.New("horosafe: only http and https schemes are allowed")

// blockedNets holds the address ranges a fetched URL must not resolve to:
// loopback, RFC 1918, link-local (cloud metadata lives there), CGNAT, ULA,
// and the unspecified net.
var blockedNets = mustCIDRs(
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"100.64.0.0/10",
	"0.0.0.0/8",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
)

func mustCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic("horosafe: bad builtin CIDR " + c)
		}
		nets = append(nets, n)
	}
	return nets
}

// ValidateSecret checks that secret is at least MinSecretLen bytes.
func ValidateSecret(secret []byte) error {
	if len(secret) < MinSecretLen {
		return ErrSecretTooShort
	}
	return nil
}

// ValidateURL checks that rawURL uses http or https, names a host, and does
// not point at a blocked address. Hostnames are resolved so internal names
// cannot smuggle a private target past the literal-IP check; a DNS failure
// passes, the dial will surface it.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("horosafe: invalid URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return ErrUnsafeScheme
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("horosafe: URL has no host")
	}

	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return ErrSSRF
		}
		return nil
	}
	addrs, err := net.LookupHost(host)
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && isPrivateIP(ip) {
			return ErrSSRF
		}
	}
	return nil
}

// ValidateIdentifier vets operator-supplied names (source instances, table
// selections) before they reach file paths or SQL. Alphanumeric plus
// underscore, hyphen, and dot; at most 128 bytes.
func ValidateIdentifier(s string) error {
	if s == "" {
		return errors.New("horosafe: identifier must not be empty")
	}
	if len(s) > 128 {
		return errors.New("horosafe: identifier too long (max 128)")
	}
	for _, r := range s {
		if !isIdentChar(r) {
			return fmt.Errorf("horosafe: invalid character %q in identifier", r)
		}
	}
	return nil
}

// LimitedReadAll reads at most maxBytes from r and errors when the source
// offers more. Truncation would hand the converters a broken document, so
// over-limit is a refusal, not a cut.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("horosafe: response exceeds %d bytes", maxBytes)
	}
	return data, nil
}

func isIdentChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.'
}

func isPrivateIP(ip net.IP) bool {
	if ip.IsUnspecified() {
		return true
	}
	for _, n := range blockedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
