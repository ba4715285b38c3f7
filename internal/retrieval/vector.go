package retrieval

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/supportrag/backend/internal/metrics"
	"github.com/supportrag/backend/internal/vector/milvus"
	"github.com/supportrag/backend/pkg/logger"
	"github.com/supportrag/backend/pkg/utils"
)

// Embedder turns a query into the embedding vector the similarity search runs
// on; *llm.Client satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorStore is the nearest-neighbor capability of the vector index.
type VectorStore interface {
	Search(ctx context.Context, tenantID string, queryEmbedding []float32, topK int) ([]milvus.SearchResult, error)
}

// EmbeddingCache keeps query embeddings keyed by text hash so repeated
// questions skip the embedding API; *redis.Client satisfies it. Embeddings
// depend only on the text, so the keys are not tenant-scoped.
type EmbeddingCache interface {
	GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error
}

// VectorSource performs tenant-scoped similarity search over the embedding
// index.
type VectorSource struct {
	store    VectorStore
	embedder Embedder
	cache    EmbeddingCache
	cacheTTL time.Duration
}

func NewVectorSource(store VectorStore, embedder Embedder) *VectorSource {
	return &VectorSource{store: store, embedder: embedder}
}

// WithEmbeddingCache enables caching of query embeddings.
func (s *VectorSource) WithEmbeddingCache(cache EmbeddingCache, ttl time.Duration) *VectorSource {
	s.cache = cache
	s.cacheTTL = ttl
	return s
}

func (s *VectorSource) Name() string {
	return SourceVector
}

func (s *VectorSource) Search(ctx context.Context, query, tenantID string, topK int, threshold float64) ([]Candidate, error) {
	embedding, err := s.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	results, err := s.store.Search(ctx, tenantID, embedding, topK)
	if err != nil {
		return nil, err
	}

	var candidates []Candidate
	for _, r := range results {
		score := clamp01(float64(r.Score))
		if score < threshold {
			continue
		}
		// The store filters by tenant expression; a mismatch here would mean
		// the filter is broken, so drop and flag it rather than serve it.
		if r.TenantID != tenantID {
			logger.Error("Vector store returned cross-tenant result, dropping",
				zap.String("expected_tenant", tenantID),
				zap.String("result_tenant", r.TenantID),
				zap.String("chunk_id", r.ChunkID),
			)
			continue
		}

		candidates = append(candidates, Candidate{
			SourceType: SourceVector,
			ID:         r.ChunkID,
			Title:      r.Title,
			Snippet:    r.Text,
			Score:      score,
			TenantID:   r.TenantID,
		})
	}

	return candidates, nil
}

// embedQuery consults the embedding cache before calling the embedder. Cache
// failures count as misses; the search still runs.
func (s *VectorSource) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if s.cache == nil {
		return s.embedder.Embed(ctx, query)
	}

	textHash := utils.HashString(query)
	cached, ok, err := s.cache.GetEmbedding(ctx, textHash)
	if err != nil {
		logger.Warn("Embedding cache lookup failed", zap.Error(err))
	}
	if ok {
		metrics.CacheHits.WithLabelValues("embedding").Inc()
		return cached, nil
	}
	metrics.CacheMisses.WithLabelValues("embedding").Inc()

	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	if err := s.cache.SetEmbedding(ctx, textHash, embedding, s.cacheTTL); err != nil {
		logger.Warn("Failed to cache embedding", zap.Error(err))
	}
	return embedding, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
