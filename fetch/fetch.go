// Package fetch retrieves referenced documents over HTTP with conditional
// GET support, SSRF protection, and per-host politeness pacing.
//
// Supports ETag, If-Modified-Since, and content-hash-based change detection.
package fetch

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hazyhaar/kbsync/horosafe"
)

// Result contains the outcome of a fetch.
type Result struct {
	Body        []byte
	ContentType string
	StatusCode  int
	FinalURL    string // after redirects
	Hash        string // SHA-256 of body
	ETag        string // from response header
	LastMod     string // from response header
	Changed     bool   // true if content is new/different
}

// Config configures the fetcher.
type Config struct {
	Timeout  time.Duration `yaml:"timeout"`   // HTTP timeout. Default: 30s.
	MaxBytes int64         `yaml:"max_bytes"` // Max response body size. Default: 32MB.
	// UserAgent sent with requests.
	UserAgent string `yaml:"user_agent"`
	// HostRPS is the per-host request rate. Default: 2 req/s, burst 4.
	// Source databases reference documents on the owners' servers; the
	// engine must not hammer them during a pass.
	HostRPS   float64 `yaml:"host_rps"`
	HostBurst int     `yaml:"host_burst"`
	// URLValidator validates URLs before fetch and on every redirect hop
	// (SSRF prevention). Default: horosafe.ValidateURL.
	URLValidator func(string) error `yaml:"-"`
	// Browser enables the rendered-page strategy for script-heavy pages.
	Browser BrowserConfig `yaml:"browser"`
	Logger  *slog.Logger  `yaml:"-"`
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 32 * 1024 * 1024
	}
	if c.UserAgent == "" {
		c.UserAgent = "kbsync/1.0"
	}
	if c.HostRPS <= 0 {
		c.HostRPS = 2
	}
	if c.HostBurst <= 0 {
		c.HostBurst = 4
	}
	if c.URLValidator == nil {
		c.URLValidator = horosafe.ValidateURL
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Fetcher performs HTTP requests with conditional GET. Safe for concurrent
// use.
type Fetcher struct {
	client *http.Client
	config Config

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	browser  *browser
}

// New creates a Fetcher with SSRF protection on redirects.
func New(cfg Config) *Fetcher {
	cfg.defaults()
	validate := cfg.URLValidator
	return &Fetcher{
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				if err := validate(req.URL.String()); err != nil {
					return fmt.Errorf("redirect blocked (SSRF): %w", err)
				}
				return nil
			},
		},
		config:   cfg,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Close releases the rendered-page browser, if one was launched.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	b := f.browser
	f.browser = nil
	f.mu.Unlock()
	if b == nil {
		return nil
	}
	return b.close()
}

// Fetch retrieves a URL. If etag or lastMod are provided, sends conditional
// headers. Returns Changed=false on 304 Not Modified. If prevHash is
// provided and the body hash matches, also returns Changed=false.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, etag, lastMod, prevHash string) (*Result, error) {
	// SSRF: validate URL before request.
	if err := f.config.URLValidator(rawURL); err != nil {
		return nil, fmt.Errorf("URL blocked (SSRF): %w", err)
	}
	if err := f.waitHost(ctx, rawURL); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)

	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lastMod != "" {
		req.Header.Set("If-Modified-Since", lastMod)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &Result{
			StatusCode: 304,
			FinalURL:   resp.Request.URL.String(),
			Changed:    false,
			ETag:       resp.Header.Get("ETag"),
			LastMod:    resp.Header.Get("Last-Modified"),
		}, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return &Result{StatusCode: resp.StatusCode}, fmt.Errorf("http %d", resp.StatusCode)
	}

	// Over-limit is a refusal, not a cut: a truncated PDF would only fail
	// later in the converter with a worse message.
	body, err := horosafe.LimitedReadAll(resp.Body, f.config.MaxBytes)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	h := sha256.Sum256(body)
	hash := fmt.Sprintf("%x", h)

	return &Result{
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		StatusCode:  resp.StatusCode,
		FinalURL:    resp.Request.URL.String(),
		Hash:        hash,
		ETag:        resp.Header.Get("ETag"),
		LastMod:     resp.Header.Get("Last-Modified"),
		Changed:     prevHash == "" || hash != prevHash,
	}, nil
}

// Get fetches a URL unconditionally and returns the body with its content
// type and final URL. It satisfies docconv.Getter.
func (f *Fetcher) Get(ctx context.Context, rawURL string) ([]byte, string, string, error) {
	res, err := f.Fetch(ctx, rawURL, "", "", "")
	if err != nil {
		return nil, "", "", err
	}
	return res.Body, res.ContentType, res.FinalURL, nil
}

// waitHost applies the per-host politeness limiter.
func (f *Fetcher) waitHost(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if err := f.limiterFor(u.Hostname()).Wait(ctx); err != nil {
		return fmt.Errorf("rate wait: %w", err)
	}
	return nil
}

func (f *Fetcher) limiterFor(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(f.config.HostRPS), f.config.HostBurst)
		f.limiters[host] = l
	}
	return l
}
