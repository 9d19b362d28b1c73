package relations

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lexflow.evalgo.org/common"
	"lexflow.evalgo.org/config"
	"lexflow.evalgo.org/model"
	"lexflow.evalgo.org/state"
)

type fakeProvider struct {
	calls      int
	candidates map[string][]Candidate // keyed by chunk text
	err        error
}

func (f *fakeProvider) ExtractRelationships(ctx context.Context, text string, mentions []model.EntityMention) ([]Candidate, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.candidates[text], nil
}

func testStore(t *testing.T) *state.Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return state.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func testBuilder(t *testing.T, p Provider) *Builder {
	t.Helper()
	return New(p, testStore(t),
		config.RelationshipConfig{MinConfidence: 0.5},
		config.ExtractionConfig{RatePerSecond: 100, RateBurst: 100})
}

func testMention(id, canonical string, chunkIndex int) model.EntityMention {
	return model.EntityMention{
		MentionUUID:         id,
		ChunkIndex:          chunkIndex,
		CanonicalEntityUUID: canonical,
	}
}

func testCanonicals(uuids ...string) []model.CanonicalEntity {
	out := make([]model.CanonicalEntity, len(uuids))
	for i, u := range uuids {
		out[i] = model.CanonicalEntity{CanonicalUUID: u}
	}
	return out
}

func TestBuildProjectsOntoCanonicals(t *testing.T) {
	chunk := model.DocumentChunk{ChunkUUID: "chunk-a", ChunkIndex: 0, Text: "Jane Roe sued Acme."}
	p := &fakeProvider{candidates: map[string][]Candidate{
		chunk.Text: {
			{FromMentionUUID: "m1", ToMentionUUID: "m2", Type: "SUED", Confidence: 0.9},
		},
	}}

	b := testBuilder(t, p)
	edges, err := b.Build(context.Background(), "doc-1",
		[]model.DocumentChunk{chunk},
		[]model.EntityMention{
			testMention("m1", "ce-jane", 0),
			testMention("m2", "ce-acme", 0),
		},
		testCanonicals("ce-jane", "ce-acme"))
	require.NoError(t, err)
	require.Len(t, edges, 1)

	e := edges[0]
	assert.Equal(t, "ce-jane", e.FromEntityUUID)
	assert.Equal(t, "ce-acme", e.ToEntityUUID)
	assert.Equal(t, "SUED", e.Type)
	assert.Equal(t, 0.9, e.Confidence)
	assert.Equal(t, "chunk-a", e.EvidenceChunkUUID)
	assert.Equal(t, chunk.Text, e.EvidenceText)
	assert.Equal(t, edgeUUID("doc-1", "ce-jane", "ce-acme", "SUED"), e.RelationshipUUID)
}

func TestBuildFiltering(t *testing.T) {
	chunk := model.DocumentChunk{ChunkUUID: "chunk-a", ChunkIndex: 0, Text: "text"}

	tests := []struct {
		name string
		cand Candidate
	}{
		{"unresolved endpoint", Candidate{FromMentionUUID: "m-unresolved", ToMentionUUID: "m2", Type: "SUED", Confidence: 0.9}},
		{"unknown mention", Candidate{FromMentionUUID: "m-missing", ToMentionUUID: "m2", Type: "SUED", Confidence: 0.9}},
		{"endpoint outside canonical set", Candidate{FromMentionUUID: "m-foreign", ToMentionUUID: "m2", Type: "SUED", Confidence: 0.9}},
		{"self loop after projection", Candidate{FromMentionUUID: "m1", ToMentionUUID: "m1b", Type: "SUED", Confidence: 0.9}},
		{"below threshold", Candidate{FromMentionUUID: "m1", ToMentionUUID: "m2", Type: "SUED", Confidence: 0.3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProvider{candidates: map[string][]Candidate{chunk.Text: {tt.cand}}}
			b := testBuilder(t, p)
			edges, err := b.Build(context.Background(), "doc-1",
				[]model.DocumentChunk{chunk},
				[]model.EntityMention{
					testMention("m1", "ce-jane", 0),
					testMention("m1b", "ce-jane", 0),
					testMention("m2", "ce-acme", 0),
					testMention("m-unresolved", "", 0),
					testMention("m-foreign", "ce-elsewhere", 0),
				},
				testCanonicals("ce-jane", "ce-acme"))
			require.NoError(t, err)
			assert.Empty(t, edges)
		})
	}
}

func TestBuildDeduplicatesAcrossChunks(t *testing.T) {
	chunkA := model.DocumentChunk{ChunkUUID: "chunk-a", ChunkIndex: 0, Text: "first occurrence"}
	chunkB := model.DocumentChunk{ChunkUUID: "chunk-b", ChunkIndex: 1, Text: "second occurrence"}

	p := &fakeProvider{candidates: map[string][]Candidate{
		chunkA.Text: {{FromMentionUUID: "m1", ToMentionUUID: "m2", Type: "SUED", Confidence: 0.6}},
		chunkB.Text: {{FromMentionUUID: "m3", ToMentionUUID: "m4", Type: "SUED", Confidence: 0.9}},
	}}

	b := testBuilder(t, p)
	edges, err := b.Build(context.Background(), "doc-1",
		[]model.DocumentChunk{chunkA, chunkB},
		[]model.EntityMention{
			testMention("m1", "ce-jane", 0),
			testMention("m2", "ce-acme", 0),
			testMention("m3", "ce-jane", 1),
			testMention("m4", "ce-acme", 1),
		},
		testCanonicals("ce-jane", "ce-acme"))
	require.NoError(t, err)
	require.Len(t, edges, 1)

	// Max confidence wins; evidence stays with the first supporting chunk.
	assert.Equal(t, 0.9, edges[0].Confidence)
	assert.Equal(t, "chunk-a", edges[0].EvidenceChunkUUID)
}

func TestBuildSkipsSparseChunks(t *testing.T) {
	p := &fakeProvider{}
	b := testBuilder(t, p)

	edges, err := b.Build(context.Background(), "doc-1",
		[]model.DocumentChunk{{ChunkUUID: "chunk-a", ChunkIndex: 0, Text: "lone mention"}},
		[]model.EntityMention{testMention("m1", "ce-jane", 0)},
		testCanonicals("ce-jane"))
	require.NoError(t, err)
	assert.Empty(t, edges)
	assert.Equal(t, 0, p.calls, "chunks with fewer than two mentions never reach the provider")
}

func TestBuildProviderError(t *testing.T) {
	p := &fakeProvider{err: errors.New("upstream 503")}
	b := testBuilder(t, p)

	_, err := b.Build(context.Background(), "doc-1",
		[]model.DocumentChunk{{ChunkUUID: "chunk-a", ChunkIndex: 0, Text: "text"}},
		[]model.EntityMention{
			testMention("m1", "ce-jane", 0),
			testMention("m2", "ce-acme", 0),
		},
		testCanonicals("ce-jane", "ce-acme"))
	require.Error(t, err)

	var se *common.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "relationship_extraction_failed", se.Code)
	assert.Equal(t, common.ErrTransient, se.Kind)
}

func TestBuildLocalCoOccurrence(t *testing.T) {
	b := testBuilder(t, nil)

	edges, err := b.Build(context.Background(), "doc-1",
		[]model.DocumentChunk{{ChunkUUID: "chunk-a", ChunkIndex: 0, Text: "all three together"}},
		[]model.EntityMention{
			testMention("m1", "ce-a", 0),
			testMention("m2", "ce-b", 0),
			testMention("m3", "ce-c", 0),
		},
		testCanonicals("ce-a", "ce-b", "ce-c"))
	require.NoError(t, err)
	require.Len(t, edges, 3, "three co-occurring entities pair into three edges")

	for _, e := range edges {
		assert.Equal(t, LocalEdgeType, e.Type)
		assert.Equal(t, 0.5, e.Confidence)
	}
}

func TestBuildDeterministicOrder(t *testing.T) {
	b := testBuilder(t, nil)
	chunks := []model.DocumentChunk{{ChunkUUID: "chunk-a", ChunkIndex: 0, Text: "t"}}
	mentions := []model.EntityMention{
		testMention("m1", "ce-a", 0),
		testMention("m2", "ce-b", 0),
		testMention("m3", "ce-c", 0),
	}
	canonicals := testCanonicals("ce-a", "ce-b", "ce-c")

	first, err := b.Build(context.Background(), "doc-1", chunks, mentions, canonicals)
	require.NoError(t, err)
	second, err := b.Build(context.Background(), "doc-1", chunks, mentions, canonicals)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	for i := 1; i < len(first); i++ {
		assert.True(t, first[i-1].RelationshipUUID < first[i].RelationshipUUID)
	}
}

func TestTruncateEvidence(t *testing.T) {
	long := strings.Repeat("x", evidenceLimit+50)
	b := testBuilder(t, nil)

	edges, err := b.Build(context.Background(), "doc-1",
		[]model.DocumentChunk{{ChunkUUID: "chunk-a", ChunkIndex: 0, Text: long}},
		[]model.EntityMention{
			testMention("m1", "ce-a", 0),
			testMention("m2", "ce-b", 0),
		},
		testCanonicals("ce-a", "ce-b"))
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Len(t, edges[0].EvidenceText, evidenceLimit)
}
