package fetch

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// noopValidator allows all URLs (for tests that don't test SSRF).
func noopValidator(_ string) error { return nil }

// fastConfig removes politeness pacing so multi-request tests stay quick.
func fastConfig() Config {
	return Config{URLValidator: noopValidator, HostRPS: 1000, HostBurst: 1000}
}

func TestFetch_Success(t *testing.T) {
	// WHAT: Basic HTTP GET returns body, hash, and content type.
	// WHY: Core fetcher functionality.
	body := "Hello, World!"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("ETag", `"abc123"`)
		w.Header().Set("Last-Modified", "Mon, 01 Jan 2024 00:00:00 GMT")
		w.Write([]byte(body))
	}))
	defer srv.Close()

	f := New(fastConfig())
	result, err := f.Fetch(context.Background(), srv.URL, "", "", "")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if result.StatusCode != 200 {
		t.Errorf("status: got %d", result.StatusCode)
	}
	if string(result.Body) != body {
		t.Errorf("body: got %q", string(result.Body))
	}
	if result.ContentType != "text/plain; charset=utf-8" {
		t.Errorf("content type: got %q", result.ContentType)
	}
	if result.ETag != `"abc123"` {
		t.Errorf("etag: got %q", result.ETag)
	}
	if !result.Changed {
		t.Error("should be changed (no previous hash)")
	}
	h := sha256.Sum256([]byte(body))
	want := fmt.Sprintf("%x", h)
	if result.Hash != want {
		t.Errorf("hash: got %q, want %q", result.Hash, want)
	}
}

func TestFetch_304NotModified(t *testing.T) {
	// WHAT: Conditional GET returns 304 when ETag matches.
	// WHY: Avoids re-downloading unchanged documents every pass.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"abc123"` {
			w.WriteHeader(304)
			return
		}
		w.Write([]byte("body"))
	}))
	defer srv.Close()

	f := New(fastConfig())
	result, err := f.Fetch(context.Background(), srv.URL, `"abc123"`, "", "")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if result.StatusCode != 304 {
		t.Errorf("status: got %d, want 304", result.StatusCode)
	}
	if result.Changed {
		t.Error("304 should mean not changed")
	}
}

func TestFetch_UnchangedHash(t *testing.T) {
	// WHAT: Same content hash means Changed=false.
	// WHY: Some servers don't support ETag; hash-based dedup is the fallback.
	body := "same content"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	h := sha256.Sum256([]byte(body))
	prevHash := fmt.Sprintf("%x", h)

	f := New(fastConfig())
	result, err := f.Fetch(context.Background(), srv.URL, "", "", prevHash)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if result.Changed {
		t.Error("same hash should mean unchanged")
	}
}

func TestFetch_Timeout(t *testing.T) {
	// WHAT: Fetch respects the configured timeout.
	// WHY: Slow document hosts must not stall a sync pass.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
		w.Write([]byte("late"))
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.Timeout = 100 * time.Millisecond
	f := New(cfg)
	if _, err := f.Fetch(context.Background(), srv.URL, "", "", ""); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestFetch_MaxBody(t *testing.T) {
	// WHAT: A response over MaxBytes is an error, not a truncated body.
	// WHY: A cut-off PDF would only fail later in the converter.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 1000)))
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.MaxBytes = 100
	f := New(cfg)
	if _, err := f.Fetch(context.Background(), srv.URL, "", "", ""); err == nil {
		t.Fatal("expected error for oversized body")
	}
}

func TestFetch_ErrorStatus(t *testing.T) {
	// WHAT: 4xx/5xx responses surface as errors with the status kept.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	f := New(fastConfig())
	result, err := f.Fetch(context.Background(), srv.URL, "", "", "")
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if result == nil || result.StatusCode != 404 {
		t.Fatalf("result = %+v, want StatusCode 404", result)
	}
}

// --- SSRF protection tests ---

func TestFetch_ValidateURL_PrivateIP(t *testing.T) {
	// WHAT: Private IP URLs are blocked before request.
	// WHY: Source rows may carry attacker-controlled URLs.
	f := New(Config{})
	_, err := f.Fetch(context.Background(), "http://192.168.1.1/data", "", "", "")
	if err == nil {
		t.Fatal("expected error for private IP URL")
	}
	if !strings.Contains(err.Error(), "SSRF") {
		t.Errorf("expected SSRF error, got: %v", err)
	}
}

func TestFetch_ValidateURL_Metadata(t *testing.T) {
	// WHAT: Cloud metadata endpoint URLs are blocked.
	// WHY: 169.254.169.254 is the AWS/GCP/Azure metadata service.
	f := New(Config{})
	_, err := f.Fetch(context.Background(), "http://169.254.169.254/latest/", "", "", "")
	if err == nil {
		t.Fatal("expected error for metadata endpoint URL")
	}
	if !strings.Contains(err.Error(), "SSRF") {
		t.Errorf("expected SSRF error, got: %v", err)
	}
}

func TestFetch_RedirectToPrivate(t *testing.T) {
	// WHAT: Redirect to private IP is blocked by CheckRedirect.
	// WHY: Open redirect chained into SSRF is a common attack.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://10.255.255.1/admin", http.StatusFound)
	}))
	defer srv.Close()

	// allowFirst allows the first URL (httptest loopback) but blocks the
	// redirect target.
	first := true
	allowFirst := func(u string) error {
		if first {
			first = false
			return nil
		}
		return fmt.Errorf("SSRF: private IP blocked")
	}

	cfg := fastConfig()
	cfg.URLValidator = allowFirst
	f := New(cfg)
	_, err := f.Fetch(context.Background(), srv.URL, "", "", "")
	if err == nil {
		t.Fatal("expected error for redirect to private IP")
	}
	if !strings.Contains(err.Error(), "SSRF") {
		t.Errorf("expected SSRF in error, got: %v", err)
	}
}

func TestFetch_TooManyRedirects(t *testing.T) {
	// WHAT: More than 5 redirects are blocked.
	// WHY: Redirect loop protection.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, r.URL.String()+"x", http.StatusFound)
	}))
	defer srv.Close()

	f := New(fastConfig())
	_, err := f.Fetch(context.Background(), srv.URL+"/start", "", "", "")
	if err == nil {
		t.Fatal("expected error for too many redirects")
	}
	if !strings.Contains(err.Error(), "redirect") {
		t.Errorf("expected redirect error, got: %v", err)
	}
}

// --- pacing and browser gating ---

func TestLimiterPerHost(t *testing.T) {
	// WHAT: One limiter per host, reused across calls.
	f := New(fastConfig())
	a1 := f.limiterFor("a.example.com")
	a2 := f.limiterFor("a.example.com")
	b := f.limiterFor("b.example.com")
	if a1 != a2 {
		t.Error("same host should reuse its limiter")
	}
	if a1 == b {
		t.Error("different hosts should not share a limiter")
	}
}

func TestRenderedDisabled(t *testing.T) {
	// WHAT: The browser strategy refuses when not enabled.
	f := New(fastConfig())
	if _, err := f.Rendered(context.Background(), "https://example.com/"); err == nil {
		t.Fatal("expected error with browser disabled")
	}
}
