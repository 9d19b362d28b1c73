package chunker

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lexflow.evalgo.org/common"
	"lexflow.evalgo.org/config"
)

func testCfg() config.ChunkingConfig {
	return config.ChunkingConfig{
		MaxTokens:     20,
		OverlapTokens: 5,
		MinChunkChars: 10,
	}
}

func words(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("word%03d", i)
	}
	return strings.Join(parts, " ")
}

func TestSplitEmptyText(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"empty string", ""},
		{"whitespace only", "  \n\t \f "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Split(tt.text, testCfg())
			require.Error(t, err)
			var se *common.StageError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, common.ErrData, se.Kind)
			assert.Equal(t, "empty_ocr", se.Code)
		})
	}
}

func TestSplitSingleChunk(t *testing.T) {
	text := "The quick brown fox jumps over the lazy dog."
	chunks, err := Split(text, testCfg())
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, text, chunks[0].Text)
	assert.Equal(t, 0, chunks[0].CharStart)
	assert.Equal(t, len(text), chunks[0].CharEnd)
}

func TestSplitDeterministic(t *testing.T) {
	text := words(137)
	first, err := Split(text, testCfg())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Split(text, testCfg())
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestSplitOverlapAndOffsets(t *testing.T) {
	text := words(60)
	cfg := testCfg()
	chunks, err := Split(text, cfg)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		// Offsets always point back to the exact source bytes.
		assert.Equal(t, text[c.CharStart:c.CharEnd], c.Text)
		if i > 0 {
			// Stride is shorter than the window, so neighbours overlap.
			assert.Less(t, c.CharStart, chunks[i-1].CharEnd)
			assert.Greater(t, c.CharStart, chunks[i-1].CharStart)
		}
	}
	last := chunks[len(chunks)-1]
	assert.Equal(t, len(text), last.CharEnd)
}

func TestSplitSentenceBoundary(t *testing.T) {
	// Token 17 of 20 ends a sentence; the first window should cut there
	// instead of at the raw token limit.
	parts := make([]string, 40)
	for i := range parts {
		parts[i] = fmt.Sprintf("tok%02d", i)
	}
	parts[16] = "end."
	text := strings.Join(parts, " ")

	chunks, err := Split(text, testCfg())
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	assert.True(t, strings.HasSuffix(chunks[0].Text, "end."),
		"first chunk should end at the sentence boundary, got %q", chunks[0].Text)
}

func TestSplitPageBoundary(t *testing.T) {
	parts := make([]string, 40)
	for i := range parts {
		parts[i] = fmt.Sprintf("tok%02d", i)
	}
	text := strings.Join(parts[:17], " ") + "\f" + strings.Join(parts[17:], " ")

	chunks, err := Split(text, testCfg())
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	assert.Equal(t, "tok16", chunks[0].Text[len(chunks[0].Text)-5:],
		"first chunk should stop before the page break")
}

func TestSplitBoundarySnapKeepsCoverage(t *testing.T) {
	// A sentence end well inside the window pulls the cut back; the next
	// window must start relative to that cut, not the raw token limit,
	// or the tokens in between would fall out of every chunk.
	cfg := config.ChunkingConfig{MaxTokens: 20, OverlapTokens: 2, MinChunkChars: 1}
	parts := make([]string, 40)
	for i := range parts {
		parts[i] = fmt.Sprintf("tok%02d", i)
	}
	parts[16] = "end."
	parts[17] = "KEEPTOKEN"
	text := strings.Join(parts, " ")

	chunks, err := Split(text, cfg)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	assert.True(t, strings.HasSuffix(chunks[0].Text, "end."))

	covered := false
	for _, c := range chunks {
		if strings.Contains(c.Text, "KEEPTOKEN") {
			covered = true
		}
	}
	assert.True(t, covered, "token after the snapped cut must land in a chunk")

	// Coverage is continuous: each chunk starts at or before the
	// previous chunk's end.
	for i := 1; i < len(chunks); i++ {
		assert.LessOrEqual(t, chunks[i].CharStart, chunks[i-1].CharEnd,
			"gap between chunk %d and %d", i-1, i)
	}
	assert.Equal(t, 0, chunks[0].CharStart)
	assert.Equal(t, len(text), chunks[len(chunks)-1].CharEnd)
}

func TestSplitMergesShortTail(t *testing.T) {
	// 21 tokens with stride 15: the second window would hold only the
	// trailing overlap plus one word, well under min_chunk_chars.
	cfg := config.ChunkingConfig{MaxTokens: 20, OverlapTokens: 5, MinChunkChars: 200}
	text := words(21)

	chunks, err := Split(text, cfg)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, text, chunks[0].Text)
	assert.Equal(t, len(text), chunks[0].CharEnd)
}

func TestSplitRejectsGiantToken(t *testing.T) {
	text := "ok " + strings.Repeat("x", maxTokenBytes+1) + " ok"
	_, err := Split(text, testCfg())
	require.Error(t, err)
	var se *common.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "tokenization_error", se.Code)
}

func TestSplitDegenerateOverlap(t *testing.T) {
	// overlap >= max degrades the stride to one token but must still
	// terminate and cover the text.
	cfg := config.ChunkingConfig{MaxTokens: 5, OverlapTokens: 5, MinChunkChars: 1}
	text := words(12)

	chunks, err := Split(text, cfg)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	assert.Equal(t, len(text), chunks[len(chunks)-1].CharEnd)
}
