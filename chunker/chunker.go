// Package chunker implements deterministic semantic chunking of document
// text. Byte-identical text with identical configuration always yields
// byte-identical chunks with identical indices, which makes the chunking
// stage idempotent.
package chunker

import (
	"strings"
	"unicode"

	"lexflow.evalgo.org/common"
	"lexflow.evalgo.org/config"
)

// Chunk is one emitted text window. CharStart/CharEnd are byte offsets into
// the source text, half-open [start, end).
type Chunk struct {
	Index     int
	Text      string
	CharStart int
	CharEnd   int
}

// token is a whitespace-delimited word span in the source text.
type token struct {
	start, end int
}

// maxTokenBytes rejects pathological inputs with no usable whitespace.
const maxTokenBytes = 16 * 1024

// Split chunks text according to cfg. Window forward until max_tokens or a
// natural boundary, emit, then advance the cursor to the emitted cut minus
// overlap_tokens so a snapped cut never leaves tokens outside every chunk.
// Trailing chunks shorter than min_chunk_chars merge into their predecessor.
func Split(text string, cfg config.ChunkingConfig) ([]Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, common.NewStageError(common.ErrData, "empty_ocr", "document has no text to chunk")
	}

	tokens := tokenize(text)
	for _, t := range tokens {
		if t.end-t.start > maxTokenBytes {
			return nil, common.NewStageError(common.ErrData, "tokenization_error",
				"token of %d bytes exceeds limit", t.end-t.start)
		}
	}

	var chunks []Chunk
	for cursor := 0; cursor < len(tokens); {
		last := cursor + cfg.MaxTokens
		if last > len(tokens) {
			last = len(tokens)
		}

		// Prefer ending the window at a natural boundary within its
		// final fifth: sentence end, then paragraph break, then page
		// break. Fall back to the plain token cut.
		last = snapToBoundary(text, tokens, cursor, last)

		start := tokens[cursor].start
		end := tokens[last-1].end
		chunks = append(chunks, Chunk{
			Index:     len(chunks),
			Text:      text[start:end],
			CharStart: start,
			CharEnd:   end,
		})

		if last == len(tokens) {
			break
		}
		// The next window starts overlap_tokens before the cut just
		// emitted; every token up to that cut is already covered.
		next := last - cfg.OverlapTokens
		if next <= cursor {
			next = cursor + 1
		}
		cursor = next
	}

	chunks = mergeShortTail(chunks, text, cfg.MinChunkChars)

	for i := range chunks {
		chunks[i].Index = i
	}
	return chunks, nil
}

// tokenize returns whitespace-delimited word spans.
func tokenize(text string) []token {
	var tokens []token
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				tokens = append(tokens, token{start, i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		tokens = append(tokens, token{start, len(text)})
	}
	return tokens
}

// snapToBoundary moves the exclusive token cut `last` back to the best
// natural boundary inside the final fifth of the window. The cut never moves
// before the window's minimum useful size.
func snapToBoundary(text string, tokens []token, cursor, last int) int {
	if last == len(tokens) {
		return last // final window keeps everything
	}

	window := last - cursor
	floor := last - window/5
	if floor <= cursor {
		return last
	}

	sentence, paragraph, page := -1, -1, -1
	for i := last - 1; i >= floor; i-- {
		gapStart := tokens[i].end
		gapEnd := len(text)
		if i+1 < len(tokens) {
			gapEnd = tokens[i+1].start
		}
		gap := text[gapStart:gapEnd]

		if page < 0 && strings.ContainsRune(gap, '\f') {
			page = i + 1
		}
		if paragraph < 0 && strings.Contains(gap, "\n\n") {
			paragraph = i + 1
		}
		if sentence < 0 && endsSentence(text[tokens[i].start:tokens[i].end]) {
			sentence = i + 1
		}
	}

	switch {
	case sentence > 0:
		return sentence
	case paragraph > 0:
		return paragraph
	case page > 0:
		return page
	}
	return last
}

func endsSentence(word string) bool {
	return strings.HasSuffix(word, ".") ||
		strings.HasSuffix(word, "!") ||
		strings.HasSuffix(word, "?")
}

// mergeShortTail folds trailing chunks shorter than minChars into their
// predecessor.
func mergeShortTail(chunks []Chunk, text string, minChars int) []Chunk {
	for len(chunks) > 1 {
		tail := chunks[len(chunks)-1]
		if len(tail.Text) >= minChars {
			break
		}
		prev := &chunks[len(chunks)-2]
		prev.CharEnd = tail.CharEnd
		prev.Text = text[prev.CharStart:prev.CharEnd]
		chunks = chunks[:len(chunks)-1]
	}
	return chunks
}
