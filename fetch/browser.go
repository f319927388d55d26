package fetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
)

// BrowserConfig gates the rendered-page strategy. Disabled by default;
// sources whose document pages assemble their text with scripts need it,
// plain HTML and PDFs do not.
type BrowserConfig struct {
	Enabled bool `yaml:"enabled"`
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local headless Chrome via launcher.
	RemoteURL string `yaml:"remote_url"`
	// NavTimeout bounds navigation plus load. Default: 30s.
	NavTimeout time.Duration `yaml:"nav_timeout"`
}

// browser wraps a lazily launched Rod instance shared by rendered fetches.
type browser struct {
	mu   sync.Mutex
	b    *rod.Browser
	lnch *launcher.Launcher
}

// Rendered loads a URL in headless Chrome with stealth patches applied and
// returns the post-script DOM as HTML. The browser is launched on first use
// and reused until Close.
func (f *Fetcher) Rendered(ctx context.Context, rawURL string) (*Result, error) {
	if !f.config.Browser.Enabled {
		return nil, fmt.Errorf("rendered fetch disabled")
	}
	if err := f.config.URLValidator(rawURL); err != nil {
		return nil, fmt.Errorf("URL blocked (SSRF): %w", err)
	}
	if err := f.waitHost(ctx, rawURL); err != nil {
		return nil, err
	}

	b, err := f.ensureBrowser()
	if err != nil {
		return nil, err
	}

	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}
	defer page.Close()

	navTimeout := f.config.Browser.NavTimeout
	if navTimeout <= 0 {
		navTimeout = 30 * time.Second
	}
	navCtx, cancel := context.WithTimeout(ctx, navTimeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(rawURL); err != nil {
		return nil, fmt.Errorf("browser: navigate %s: %w", rawURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		f.config.Logger.Warn("fetch: wait load timeout", "url", rawURL, "error", err)
	}

	res, err := page.Context(navCtx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return nil, fmt.Errorf("browser: get DOM: %w", err)
	}
	body := []byte(res.Value.Str())
	if int64(len(body)) > f.config.MaxBytes {
		return nil, fmt.Errorf("rendered page exceeds %d bytes", f.config.MaxBytes)
	}

	return &Result{
		Body:        body,
		ContentType: "text/html",
		StatusCode:  200,
		FinalURL:    rawURL,
		Changed:     true,
	}, nil
}

// ensureBrowser launches or connects Chrome once and reuses the handle.
func (f *Fetcher) ensureBrowser() (*rod.Browser, error) {
	f.mu.Lock()
	if f.browser == nil {
		f.browser = &browser{}
	}
	br := f.browser
	f.mu.Unlock()

	br.mu.Lock()
	defer br.mu.Unlock()
	if br.b != nil {
		return br.b, nil
	}

	wsURL := f.config.Browser.RemoteURL
	if wsURL == "" {
		l := launcher.New().
			Headless(true).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		br.lnch = l
		f.config.Logger.Info("fetch: launched headless chrome", "url", wsURL)
	} else {
		f.config.Logger.Info("fetch: connecting to remote chrome", "url", wsURL)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	br.b = b
	return b, nil
}

func (br *browser) close() error {
	br.mu.Lock()
	defer br.mu.Unlock()
	if br.b != nil {
		br.b.Close()
		br.b = nil
	}
	if br.lnch != nil {
		br.lnch.Cleanup()
		br.lnch = nil
	}
	return nil
}
