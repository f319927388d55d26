package docconv

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// PDF extracts text from PDF bytes. Pages are joined with blank lines; the
// first non-empty line becomes the title. A PDF whose pages yield no text at
// all (scans, pure images) is an error, the caller decides the fallback.
func (p *Pipeline) PDF(data []byte) (*Result, error) {
	conf := model.NewDefaultConfiguration()
	pdfCtx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		return nil, fmt.Errorf("docconv: read pdf: %w", err)
	}

	var pages []string
	for nr := 1; nr <= pdfCtx.PageCount; nr++ {
		r, err := pdfcpu.ExtractPageContent(pdfCtx, nr)
		if err != nil {
			p.opts.Logger.Debug("docconv: page content unavailable", "page", nr, "error", err)
			continue
		}
		raw, err := io.ReadAll(r)
		if err != nil || len(raw) == 0 {
			continue
		}
		if text := streamText(raw); text != "" {
			pages = append(pages, text)
		}
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("docconv: no extractable text in pdf (%d pages)", pdfCtx.PageCount)
	}

	text := strings.Join(pages, "\n\n")
	return &Result{
		Text:   text,
		Title:  firstLine(text, 160),
		Format: FormatPDF,
		Pages:  pdfCtx.PageCount,
	}, nil
}

// pdfLiteral matches string literals in a content stream, escape-aware so
// \( and \) inside the text do not end the match early.
var pdfLiteral = regexp.MustCompile(`\(((?:[^()\\]|\\.)*)\)`)

// streamText walks the text-showing operators of a decoded content stream.
// Tj, TJ and ' carry string literals; Td, TD and T* only move the cursor and
// become a space or line break.
func streamText(stream []byte) string {
	var b strings.Builder
	for _, line := range bytes.Split(stream, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		switch {
		case len(line) == 0:
		case bytes.Equal(line, []byte("T*")):
			b.WriteByte('\n')
		case bytes.HasSuffix(line, []byte("Td")), bytes.HasSuffix(line, []byte("TD")):
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
		case bytes.HasSuffix(line, []byte("Tj")), bytes.HasSuffix(line, []byte("TJ")):
			writeLiterals(&b, line)
		case bytes.HasSuffix(line, []byte("'")) && bytes.Contains(line, []byte("(")):
			b.WriteByte('\n')
			writeLiterals(&b, line)
		}
	}
	return tidyStreamText(b.String())
}

func writeLiterals(b *strings.Builder, line []byte) {
	for _, m := range pdfLiteral.FindAllSubmatch(line, -1) {
		b.WriteString(decodeLiteral(m[1]))
	}
}

// decodeLiteral resolves PDF string escapes: the named ones plus one to
// three digit octal codes.
func decodeLiteral(raw []byte) string {
	var b strings.Builder
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c != '\\' || i+1 >= len(raw) {
			b.WriteByte(c)
			continue
		}
		i++
		switch e := raw[i]; e {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case '\\', '(', ')':
			b.WriteByte(e)
		default:
			if e < '0' || e > '7' {
				b.WriteByte(e)
				break
			}
			v := int(e - '0')
			for n := 0; n < 2 && i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7'; n++ {
				i++
				v = v*8 + int(raw[i]-'0')
			}
			b.WriteByte(byte(v))
		}
	}
	return b.String()
}

// tidyStreamText drops unprintable bytes left over from exotic encodings
// and collapses horizontal whitespace runs, keeping line structure.
func tidyStreamText(s string) string {
	var b strings.Builder
	space := false
	for _, r := range s {
		switch {
		case r == '\n':
			b.WriteByte('\n')
			space = false
		case unicode.IsSpace(r):
			if !space && b.Len() > 0 {
				b.WriteByte(' ')
				space = true
			}
		case unicode.IsPrint(r):
			b.WriteRune(r)
			space = false
		}
	}
	return strings.TrimSpace(b.String())
}

func firstLine(text string, limit int) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) > limit {
			line = line[:limit]
		}
		return line
	}
	return ""
}
