package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportrag/backend/internal/vector/milvus"
)

type fakeEmbedder struct {
	err   error
	calls int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

type fakeEmbeddingCache struct {
	entries map[string][]float32
	getErr  error
	sets    int
}

func (f *fakeEmbeddingCache) GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error) {
	if f.getErr != nil {
		return nil, false, f.getErr
	}
	emb, ok := f.entries[textHash]
	return emb, ok, nil
}

func (f *fakeEmbeddingCache) SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error {
	f.sets++
	if f.entries == nil {
		f.entries = map[string][]float32{}
	}
	f.entries[textHash] = embedding
	return nil
}

type fakeVectorStore struct {
	results []milvus.SearchResult
	err     error
}

func (f *fakeVectorStore) Search(ctx context.Context, tenantID string, queryEmbedding []float32, topK int) ([]milvus.SearchResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

func TestVectorSourceMapsResults(t *testing.T) {
	store := &fakeVectorStore{results: []milvus.SearchResult{
		{ChunkID: "chunk-1", TenantID: "acme", Text: "reset flow", Title: "Guide", Score: 0.85},
	}}
	source := NewVectorSource(store, &fakeEmbedder{})

	candidates, err := source.Search(context.Background(), "reset password", "acme", 3, 0.6)

	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, SourceVector, candidates[0].SourceType)
	assert.Equal(t, "chunk-1", candidates[0].ID)
	assert.InDelta(t, 0.85, candidates[0].Score, 1e-6)
}

func TestVectorSourceThresholdFilters(t *testing.T) {
	store := &fakeVectorStore{results: []milvus.SearchResult{
		{ChunkID: "weak", TenantID: "acme", Score: 0.3},
		{ChunkID: "strong", TenantID: "acme", Score: 0.9},
	}}
	source := NewVectorSource(store, &fakeEmbedder{})

	candidates, err := source.Search(context.Background(), "q", "acme", 3, 0.6)

	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "strong", candidates[0].ID)
}

func TestVectorSourceDropsCrossTenantResults(t *testing.T) {
	store := &fakeVectorStore{results: []milvus.SearchResult{
		{ChunkID: "leak", TenantID: "globex", Score: 0.9},
		{ChunkID: "mine", TenantID: "acme", Score: 0.8},
	}}
	source := NewVectorSource(store, &fakeEmbedder{})

	candidates, err := source.Search(context.Background(), "q", "acme", 3, 0)

	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "mine", candidates[0].ID)
}

func TestVectorSourceClampsScores(t *testing.T) {
	store := &fakeVectorStore{results: []milvus.SearchResult{
		{ChunkID: "hot", TenantID: "acme", Score: 1.7},
	}}
	source := NewVectorSource(store, &fakeEmbedder{})

	candidates, err := source.Search(context.Background(), "q", "acme", 3, 0)

	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, 1.0, candidates[0].Score)
}

func TestVectorSourceEmbedderErrorPropagates(t *testing.T) {
	source := NewVectorSource(&fakeVectorStore{}, &fakeEmbedder{err: errors.New("api down")})

	_, err := source.Search(context.Background(), "q", "acme", 3, 0)

	assert.Error(t, err)
}

func TestVectorSourceEmbeddingCacheRoundTrip(t *testing.T) {
	embedder := &fakeEmbedder{}
	cache := &fakeEmbeddingCache{}
	source := NewVectorSource(&fakeVectorStore{}, embedder).
		WithEmbeddingCache(cache, time.Minute)

	_, err := source.Search(context.Background(), "reset password", "acme", 3, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, embedder.calls)
	assert.Equal(t, 1, cache.sets)

	// Second search for the same query hits the cache and skips the embedder.
	_, err = source.Search(context.Background(), "reset password", "acme", 3, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, embedder.calls)
}

func TestVectorSourceEmbeddingCacheFailureDegradesToEmbedder(t *testing.T) {
	embedder := &fakeEmbedder{}
	cache := &fakeEmbeddingCache{getErr: errors.New("redis down")}
	source := NewVectorSource(&fakeVectorStore{}, embedder).
		WithEmbeddingCache(cache, time.Minute)

	_, err := source.Search(context.Background(), "q", "acme", 3, 0)

	require.NoError(t, err)
	assert.Equal(t, 1, embedder.calls)
}
