package docconv

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// HTML sanitizes the page and converts it to markdown. When the conversion
// yields nothing (framesets, script-only shells) the visible text of the
// parsed DOM is used instead, so the caller always gets whatever text the
// page had.
func (p *Pipeline) HTML(data []byte, baseURL string) (*Result, error) {
	doc, parseErr := html.Parse(bytes.NewReader(data))

	var title string
	if parseErr == nil {
		title = htmlTitle(doc)
	}

	clean := p.sanitizer.SanitizeBytes(data)
	var opts []converter.ConvertOptionFunc
	if baseURL != "" {
		opts = append(opts, converter.WithDomain(baseURL))
	}
	md, err := p.md.ConvertString(string(clean), opts...)
	text := strings.TrimSpace(md)
	if err != nil || text == "" {
		if parseErr != nil {
			return nil, parseErr
		}
		p.opts.Logger.Debug("docconv: markdown conversion empty, using visible text", "error", err)
		text = visibleText(doc)
	}

	return &Result{Text: text, Title: title, Format: FormatHTML}, nil
}

func htmlTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title {
		if n.FirstChild != nil {
			return strings.TrimSpace(n.FirstChild.Data)
		}
		return ""
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := htmlTitle(c); t != "" {
			return t
		}
	}
	return ""
}

var hiddenStyle = regexp.MustCompile(`(?i)display\s*:\s*none|visibility\s*:\s*hidden`)

func hidden(n *html.Node) bool {
	for _, a := range n.Attr {
		if a.Key == "style" && hiddenStyle.MatchString(a.Val) {
			return true
		}
	}
	return false
}

// visibleText collects the rendered text of a DOM subtree, skipping
// scripts, chrome elements and nodes styled invisible.
func visibleText(root *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Title,
				atom.Nav, atom.Header, atom.Footer:
				return
			}
			if hidden(n) {
				return
			}
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				if b.Len() > 0 {
					b.WriteByte(' ')
				}
				b.WriteString(t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return b.String()
}
