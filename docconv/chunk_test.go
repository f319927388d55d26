package docconv

import (
	"fmt"
	"strings"
	"testing"
)

func genWords(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%d", prefix, i+1)
	}
	return out
}

// WHAT: text below the ceiling comes back as a single untouched chunk.
func TestSplitShortText(t *testing.T) {
	chunks := Split("alpha beta gamma", ChunkOptions{})
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(chunks))
	}
	c := chunks[0]
	if c.Text != "alpha beta gamma" || c.Index != 0 || c.TokenCount != 3 || c.OverlapPrev != 0 {
		t.Fatalf("chunk = %+v", c)
	}
}

func TestSplitEmpty(t *testing.T) {
	if chunks := Split("", ChunkOptions{}); chunks != nil {
		t.Fatalf("empty text produced %d chunks", len(chunks))
	}
	if chunks := Split("  \n\n\t ", ChunkOptions{}); chunks != nil {
		t.Fatalf("blank text produced %d chunks", len(chunks))
	}
}

// WHAT: a long run of words is cut into bounded chunks whose overlap repeats
// the tail of the previous chunk.
// WHY: embedding windows must stay under the model limit while keeping
// sentence fragments searchable across the cut.
func TestSplitLongText(t *testing.T) {
	text := strings.Join(genWords("w", 200), " ")
	chunks := Split(text, ChunkOptions{MaxTokens: 50, OverlapTokens: 10})

	if len(chunks) != 5 {
		t.Fatalf("chunks = %d, want 5", len(chunks))
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Fatalf("chunk %d has Index %d", i, c.Index)
		}
		if c.TokenCount > 50 {
			t.Fatalf("chunk %d has %d tokens, ceiling 50", i, c.TokenCount)
		}
		if got := CountTokens(c.Text); got != c.TokenCount {
			t.Fatalf("chunk %d TokenCount %d, text has %d", i, c.TokenCount, got)
		}
	}
	if chunks[0].OverlapPrev != 0 {
		t.Fatalf("first chunk OverlapPrev = %d", chunks[0].OverlapPrev)
	}
	for i := 1; i < len(chunks); i++ {
		if chunks[i].OverlapPrev != 10 {
			t.Fatalf("chunk %d OverlapPrev = %d, want 10", i, chunks[i].OverlapPrev)
		}
		prev := strings.Fields(chunks[i-1].Text)
		curr := strings.Fields(chunks[i].Text)
		for j := 0; j < 10; j++ {
			if prev[len(prev)-10+j] != curr[j] {
				t.Fatalf("chunk %d does not start with tail of chunk %d", i, i-1)
			}
		}
	}
	if last := chunks[len(chunks)-1]; !strings.HasSuffix(last.Text, "w200") {
		t.Fatalf("last chunk misses the end of the text: %q", last.Text)
	}
}

// WHAT: a paragraph that would straddle a chunk edge starts a fresh chunk
// when it can fit in one whole.
func TestSplitParagraphBoundaries(t *testing.T) {
	paraA := strings.Join(genWords("a", 30), " ")
	paraB := strings.Join(genWords("b", 30), " ")
	paraC := strings.Join(genWords("c", 30), " ")
	text := paraA + "\n\n" + paraB + "\n\n" + paraC

	chunks := Split(text, ChunkOptions{MaxTokens: 50, OverlapTokens: 5})
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	if chunks[0].Text != paraA {
		t.Fatalf("chunk 0 = %q, want paragraph A intact", chunks[0].Text)
	}
	if !strings.HasPrefix(chunks[1].Text, "a26") || !strings.Contains(chunks[1].Text, "\n\nb1 ") {
		t.Fatalf("chunk 1 should open with the overlap then paragraph B: %q", chunks[1].Text)
	}
	wantCounts := []int{30, 35, 35}
	wantOverlaps := []int{0, 5, 5}
	for i, c := range chunks {
		if c.TokenCount != wantCounts[i] || c.OverlapPrev != wantOverlaps[i] {
			t.Fatalf("chunk %d = {tokens %d overlap %d}, want {%d %d}",
				i, c.TokenCount, c.OverlapPrev, wantCounts[i], wantOverlaps[i])
		}
	}
}

// WHAT: an overlap at or above the ceiling is clamped instead of looping.
func TestSplitOverlapClamp(t *testing.T) {
	text := strings.Join(genWords("x", 60), " ")
	chunks := Split(text, ChunkOptions{MaxTokens: 10, OverlapTokens: 50})
	if len(chunks) == 0 {
		t.Fatal("no chunks")
	}
	for i, c := range chunks {
		if c.TokenCount > 10 {
			t.Fatalf("chunk %d has %d tokens", i, c.TokenCount)
		}
		if c.OverlapPrev >= 10 {
			t.Fatalf("chunk %d OverlapPrev = %d, not clamped", i, c.OverlapPrev)
		}
	}
}

func TestCountTokens(t *testing.T) {
	if got := CountTokens("one two  three\nfour"); got != 4 {
		t.Fatalf("CountTokens = %d, want 4", got)
	}
	if got := CountTokens(""); got != 0 {
		t.Fatalf("CountTokens(empty) = %d, want 0", got)
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(strings.Repeat("abcd", 10)); got != 10 {
		t.Fatalf("EstimateTokens = %d, want 10", got)
	}
	if got := EstimateTokens("ab"); got != 1 {
		t.Fatalf("EstimateTokens(short) = %d, want 1", got)
	}
	if got := EstimateTokens("   "); got != 0 {
		t.Fatalf("EstimateTokens(blank) = %d, want 0", got)
	}
}
