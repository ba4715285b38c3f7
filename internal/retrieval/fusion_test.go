package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuseRanksAcrossSources(t *testing.T) {
	bySource := [][]Candidate{
		{
			{SourceType: SourceKeyword, ID: "faq-1", Score: 0.95},
		},
		{
			{SourceType: SourceDocument, ID: "doc-1", Score: 0.7},
			{SourceType: SourceDocument, ID: "doc-2", Score: 0.5},
		},
		{
			{SourceType: SourceVector, ID: "chunk-1", Score: 0.8},
		},
	}

	fused := Fuse(bySource, 3)

	require.Len(t, fused.Candidates, 3)
	assert.Equal(t, "faq-1", fused.Candidates[0].ID)
	assert.Equal(t, "chunk-1", fused.Candidates[1].ID)
	assert.Equal(t, "doc-1", fused.Candidates[2].ID)
	assert.False(t, fused.FallbackNeeded)
}

func TestFuseDeduplicatesKeepingMaxScore(t *testing.T) {
	bySource := [][]Candidate{
		{
			{SourceType: SourceDocument, ID: "doc-1", Score: 0.6},
		},
		{
			{SourceType: SourceDocument, ID: "doc-1", Score: 0.9},
		},
	}

	fused := Fuse(bySource, 3)

	require.Len(t, fused.Candidates, 1)
	assert.Equal(t, 0.9, fused.Candidates[0].Score)
}

func TestFuseSameIDDifferentSourcesKept(t *testing.T) {
	// The same underlying entry surfaced by two sources is two candidates;
	// dedup is by (source_type, id).
	bySource := [][]Candidate{
		{
			{SourceType: SourceKeyword, ID: "e-1", Score: 0.9},
			{SourceType: SourceVector, ID: "e-1", Score: 0.7},
		},
	}

	fused := Fuse(bySource, 3)

	assert.Len(t, fused.Candidates, 2)
}

func TestFuseTruncatesToTopK(t *testing.T) {
	bySource := [][]Candidate{
		{
			{SourceType: SourceDocument, ID: "a", Score: 0.9},
			{SourceType: SourceDocument, ID: "b", Score: 0.8},
			{SourceType: SourceDocument, ID: "c", Score: 0.7},
			{SourceType: SourceDocument, ID: "d", Score: 0.6},
		},
	}

	fused := Fuse(bySource, 2)

	require.Len(t, fused.Candidates, 2)
	assert.Equal(t, "a", fused.Candidates[0].ID)
	assert.Equal(t, "b", fused.Candidates[1].ID)
}

func TestFuseConfidenceIsMeanOfKept(t *testing.T) {
	bySource := [][]Candidate{
		{
			{SourceType: SourceDocument, ID: "a", Score: 0.9},
			{SourceType: SourceDocument, ID: "b", Score: 0.5},
		},
	}

	fused := Fuse(bySource, 3)

	assert.InDelta(t, 0.7, fused.RetrievalConfidence, 1e-9)
}

func TestFuseConfidenceIgnoresTruncated(t *testing.T) {
	// Only candidates that survive topK contribute to the mean.
	bySource := [][]Candidate{
		{
			{SourceType: SourceDocument, ID: "a", Score: 1.0},
			{SourceType: SourceDocument, ID: "b", Score: 0.8},
			{SourceType: SourceDocument, ID: "c", Score: 0.1},
		},
	}

	fused := Fuse(bySource, 2)

	assert.InDelta(t, 0.9, fused.RetrievalConfidence, 1e-9)
}

func TestFuseEmptySignalsFallback(t *testing.T) {
	fused := Fuse([][]Candidate{nil, {}, nil}, 3)

	assert.Empty(t, fused.Candidates)
	assert.Zero(t, fused.RetrievalConfidence)
	assert.True(t, fused.FallbackNeeded)
}

func TestFuseTieBreakIsStable(t *testing.T) {
	bySource := [][]Candidate{
		{
			{SourceType: SourceKeyword, ID: "first", Score: 0.8},
		},
		{
			{SourceType: SourceDocument, ID: "second", Score: 0.8},
		},
	}

	fused := Fuse(bySource, 3)

	require.Len(t, fused.Candidates, 2)
	assert.Equal(t, "first", fused.Candidates[0].ID)
	assert.Equal(t, "second", fused.Candidates[1].ID)
}
