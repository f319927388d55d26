// Package docconv turns fetched documents into plain text for the content
// store. PDF bytes go through pdfcpu content-stream extraction, HTML is
// sanitized and converted to markdown, everything else passes through with
// whitespace normalization. Long texts can be split into overlapping chunks.
//
// Usage:
//
//	conv := docconv.New(docconv.Options{})
//	res, err := conv.Convert(data, "application/pdf", url)
package docconv

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
)

// Format identifies a convertible document type.
type Format string

const (
	FormatPDF      Format = "pdf"
	FormatHTML     Format = "html"
	FormatMarkdown Format = "markdown"
	FormatText     Format = "text"
)

// Result is the outcome of one conversion.
type Result struct {
	Text   string `json:"text"`
	Title  string `json:"title,omitempty"`
	Format Format `json:"format"`
	Pages  int    `json:"pages,omitempty"`
}

// Options configures the converter.
type Options struct {
	// MaxBytes is the largest input accepted (default: 32 MB).
	MaxBytes int64 `yaml:"max_bytes"`
	// Logger for debug messages.
	Logger *slog.Logger `yaml:"-"`
}

func (o *Options) defaults() {
	if o.MaxBytes <= 0 {
		o.MaxBytes = 32 * 1024 * 1024
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Pipeline converts documents. Safe for concurrent use.
type Pipeline struct {
	opts      Options
	sanitizer *bluemonday.Policy
	md        *converter.Converter
}

// New creates a Pipeline.
func New(opts Options) *Pipeline {
	opts.defaults()
	policy := bluemonday.UGCPolicy()
	policy.SkipElementsContent("title", "nav", "header", "footer", "aside", "form")
	return &Pipeline{
		opts:      opts,
		sanitizer: policy,
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Detect picks the format from the content type, the URL extension, then
// the leading bytes.
func Detect(data []byte, contentType, url string) Format {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "pdf"):
		return FormatPDF
	case strings.Contains(ct, "html"):
		return FormatHTML
	case strings.Contains(ct, "markdown"):
		return FormatMarkdown
	case strings.HasPrefix(ct, "text/"):
		return FormatText
	}

	switch strings.ToLower(path.Ext(urlPath(url))) {
	case ".pdf":
		return FormatPDF
	case ".html", ".htm":
		return FormatHTML
	case ".md", ".markdown":
		return FormatMarkdown
	}

	if bytes.HasPrefix(data, []byte("%PDF-")) {
		return FormatPDF
	}
	head := bytes.ToLower(data[:min(len(data), 512)])
	if bytes.Contains(head, []byte("<html")) || bytes.Contains(head, []byte("<!doctype html")) {
		return FormatHTML
	}
	return FormatText
}

// Convert extracts text from data, dispatching on the detected format.
func (p *Pipeline) Convert(data []byte, contentType, url string) (*Result, error) {
	if int64(len(data)) > p.opts.MaxBytes {
		return nil, fmt.Errorf("docconv: input too large: %d bytes (max %d)", len(data), p.opts.MaxBytes)
	}
	format := Detect(data, contentType, url)
	p.opts.Logger.Debug("docconv: converting", "format", format, "bytes", len(data), "url", url)

	switch format {
	case FormatPDF:
		return p.PDF(data)
	case FormatHTML:
		return p.HTML(data, url)
	case FormatMarkdown:
		return p.Markdown(data)
	default:
		return p.Text(data)
	}
}

// Markdown passes markdown through with whitespace normalization; the store
// keeps markdown as-is. The first top-level heading becomes the title.
func (p *Pipeline) Markdown(data []byte) (*Result, error) {
	res, err := p.Text(data)
	if err != nil {
		return nil, err
	}
	res.Format = FormatMarkdown
	for _, line := range strings.Split(res.Text, "\n") {
		if h, ok := strings.CutPrefix(line, "# "); ok {
			res.Title = strings.TrimSpace(h)
			break
		}
	}
	return res, nil
}

// Getter fetches one URL, returning the body with its content type and the
// final URL after redirects. *fetch.Fetcher satisfies it.
type Getter interface {
	Get(ctx context.Context, url string) (body []byte, contentType, finalURL string, err error)
}

// FromURL fetches a URL and converts the response, detecting the format
// from the response content type and the final URL.
func (p *Pipeline) FromURL(ctx context.Context, g Getter, url string) (*Result, error) {
	body, contentType, finalURL, err := g.Get(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("docconv: fetch %s: %w", url, err)
	}
	if finalURL == "" {
		finalURL = url
	}
	return p.Convert(body, contentType, finalURL)
}

// Text normalizes plain text: CRLF to LF, trailing space stripped, runs of
// blank lines collapsed to one.
func (p *Pipeline) Text(data []byte) (*Result, error) {
	s := strings.ReplaceAll(string(data), "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	var out []string
	blank := false
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return &Result{
		Text:   strings.TrimSpace(strings.Join(out, "\n")),
		Format: FormatText,
	}, nil
}

// urlPath returns the path part of a URL-ish string without touching query
// or fragment.
func urlPath(url string) string {
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		url = url[:i]
	}
	return url
}
