package docconv

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
)

// buildTextPDF assembles a one page PDF with a single text showing
// operator and a byte accurate xref table. pdfcpu validates offsets, so
// the table is computed from the real object positions.
func buildTextPDF(t *testing.T, text string) []byte {
	t.Helper()
	stream := "BT\n/F1 12 Tf\n72 720 Td\n(" + text + ") Tj\nET"
	objs := []string{
		"1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n",
		"2 0 obj\n<< /Type /Pages /Kids [3 0 R] /Count 1 >>\nendobj\n",
		"3 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] " +
			"/Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >>\nendobj\n",
		fmt.Sprintf("4 0 obj\n<< /Length %d >>\nstream\n%s\nendstream\nendobj\n", len(stream), stream),
		"5 0 obj\n<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>\nendobj\n",
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objs))
	for i, obj := range objs {
		offsets[i] = buf.Len()
		buf.WriteString(obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objs)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, xref)
	return buf.Bytes()
}

// WHAT: text drawn with Tj operators is recovered from the content stream.
func TestPDFExtractsText(t *testing.T) {
	p := testPipeline()
	data := buildTextPDF(t, "Quarterly report on engine throughput")

	res, err := p.PDF(data)
	if err != nil {
		t.Fatalf("PDF: %v", err)
	}
	if res.Pages != 1 {
		t.Fatalf("Pages = %d, want 1", res.Pages)
	}
	if !strings.Contains(res.Text, "Quarterly report on engine throughput") {
		t.Fatalf("Text missing drawn string: %q", res.Text)
	}
	if res.Title == "" {
		t.Fatal("Title empty, want first line of text")
	}
	if res.Format != FormatPDF {
		t.Fatalf("Format = %q, want pdf", res.Format)
	}
}

// WHAT: escaped literals decode balanced parens and octal bytes.
func TestDecodeLiteral(t *testing.T) {
	got := decodeLiteral([]byte(`a \(quoted\) part\054 octal`))
	want := "a (quoted) part, octal"
	if got != want {
		t.Fatalf("decodeLiteral = %q, want %q", got, want)
	}
}

// WHAT: a structurally broken file is an error, not empty output.
func TestPDFRejectsGarbage(t *testing.T) {
	p := testPipeline()
	if _, err := p.PDF([]byte("%PDF-1.4 nothing else here")); err == nil {
		t.Fatal("PDF accepted malformed input")
	}
}

// WHAT: a page whose content stream draws no text reports an explicit error.
// WHY: callers fall back to storing the source URL when conversion yields
// nothing, so silence would hide scanned documents.
func TestPDFNoText(t *testing.T) {
	p := testPipeline()
	data := buildTextPDF(t, "")
	// Swap the text block for drawing operators of the same byte length so
	// /Length and the xref offsets stay valid.
	data = bytes.Replace(data,
		[]byte("BT\n/F1 12 Tf\n72 720 Td\n() Tj\nET"),
		[]byte("0 0 m 10 10 l S q Q q Q q Q q Q"), 1)

	_, err := p.PDF(data)
	if err == nil || !strings.Contains(err.Error(), "no extractable text") {
		t.Fatalf("err = %v, want no extractable text", err)
	}
}
