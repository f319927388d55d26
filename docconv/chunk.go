package docconv

import "strings"

// ChunkOptions controls Split.
type ChunkOptions struct {
	// MaxTokens is the chunk size ceiling in whitespace tokens, overlap
	// included. Default: 512.
	MaxTokens int
	// OverlapTokens is how many trailing tokens of a chunk are repeated at
	// the start of the next one. Default: 0.
	OverlapTokens int
}

// Chunk is one window of a split text.
type Chunk struct {
	Text        string `json:"text"`
	Index       int    `json:"index"`
	TokenCount  int    `json:"token_count"`
	OverlapPrev int    `json:"overlap_prev"`
}

// CountTokens counts whitespace-separated tokens.
func CountTokens(text string) int { return len(strings.Fields(text)) }

// EstimateTokens approximates subword token counts from byte length.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && strings.TrimSpace(text) != "" {
		return 1
	}
	return n
}

// Split cuts text into chunks of at most MaxTokens tokens, preferring
// paragraph boundaries: a paragraph that would straddle a chunk edge starts
// a fresh chunk when it could fit in one whole. Consecutive chunks share
// OverlapTokens tokens so sentence fragments stay searchable. Empty input
// returns nil.
func Split(text string, opts ChunkOptions) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 512
	}
	if opts.OverlapTokens < 0 {
		opts.OverlapTokens = 0
	}
	if opts.OverlapTokens >= opts.MaxTokens {
		opts.OverlapTokens = opts.MaxTokens / 4
	}

	var chunks []Chunk
	var cur [][]string // paragraphs of the chunk being built
	curLen := 0
	carryLen := 0 // leading tokens of cur copied from the previous chunk

	emit := func() {
		if curLen == 0 || curLen == carryLen {
			return
		}
		paras := make([]string, len(cur))
		for i, words := range cur {
			paras[i] = strings.Join(words, " ")
		}
		chunks = append(chunks, Chunk{
			Text:        strings.Join(paras, "\n\n"),
			Index:       len(chunks),
			TokenCount:  curLen,
			OverlapPrev: carryLen,
		})

		var carry []string
		if opts.OverlapTokens > 0 {
			tail := cur[len(cur)-1]
			if len(tail) > opts.OverlapTokens {
				tail = tail[len(tail)-opts.OverlapTokens:]
			}
			carry = append([]string(nil), tail...)
		}
		cur = nil
		curLen = 0
		carryLen = len(carry)
		if carryLen > 0 {
			cur = [][]string{carry}
			curLen = carryLen
		}
	}

	for _, para := range splitParagraphs(text) {
		words := strings.Fields(para)
		for len(words) > 0 {
			space := opts.MaxTokens - curLen
			if space == 0 {
				emit()
				continue
			}
			// Keep a paragraph whole when it fits in a fresh chunk.
			if len(words) > space && len(words) <= opts.MaxTokens-carryLen && curLen > carryLen {
				emit()
				continue
			}
			take := min(space, len(words))
			cur = append(cur, words[:take])
			curLen += take
			words = words[take:]
		}
	}
	emit()
	return chunks
}

func splitParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
