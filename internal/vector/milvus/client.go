package milvus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/supportrag/backend/pkg/logger"
)

type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

// Chunk is one tenant-tagged embedding row. TenantID empty marks a legacy
// vector; those are only visible to SearchGlobal.
type Chunk struct {
	ID        string
	TenantID  string
	Embedding []float32
	Text      string
	Title     string
	SourceRef string
	Timestamp time.Time
}

type SearchResult struct {
	ChunkID   string
	TenantID  string
	Text      string
	Title     string
	SourceRef string
	Score     float32
}

func NewClient(endpoint, collectionName string, vectorDim int) (*Client, error) {
	c, err := client.NewGrpcClient(context.Background(), endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (m *Client) Close() error {
	return m.client.Close()
}

func (m *Client) EnsureCollection(ctx context.Context) error {
	has, err := m.client.HasCollection(ctx, m.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if has {
		return nil
	}

	schema := &entity.Schema{
		CollectionName: m.collectionName,
		Description:    "Tenant knowledge base embeddings",
		Fields: []*entity.Field{
			{
				Name:       "chunk_id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{"max_length": "64"},
			},
			{
				Name:       "tenant_id",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "64"},
			},
			{
				Name:       "embedding",
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": fmt.Sprintf("%d", m.vectorDim)},
			},
			{
				Name:       "text",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "4096"},
			},
			{
				Name:       "title",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "512"},
			},
			{
				Name:       "source_ref",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "128"},
			},
			{
				Name:     "timestamp",
				DataType: entity.FieldTypeInt64,
			},
		},
	}

	err = m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber)
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.IP, 1024)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	err = m.client.CreateIndex(ctx, m.collectionName, "embedding", idx, false)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	err = m.client.LoadCollection(ctx, m.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", m.collectionName))

	return nil
}

func (m *Client) Insert(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	chunkIDs := make([]string, len(chunks))
	tenantIDs := make([]string, len(chunks))
	embeddings := make([][]float32, len(chunks))
	texts := make([]string, len(chunks))
	titles := make([]string, len(chunks))
	refs := make([]string, len(chunks))
	timestamps := make([]int64, len(chunks))

	for i, chunk := range chunks {
		chunkIDs[i] = chunk.ID
		tenantIDs[i] = chunk.TenantID
		embeddings[i] = chunk.Embedding
		texts[i] = chunk.Text
		titles[i] = chunk.Title
		refs[i] = chunk.SourceRef
		timestamps[i] = chunk.Timestamp.Unix()
	}

	_, err := m.client.Insert(
		ctx,
		m.collectionName,
		"",
		entity.NewColumnVarChar("chunk_id", chunkIDs),
		entity.NewColumnVarChar("tenant_id", tenantIDs),
		entity.NewColumnFloatVector("embedding", m.vectorDim, embeddings),
		entity.NewColumnVarChar("text", texts),
		entity.NewColumnVarChar("title", titles),
		entity.NewColumnVarChar("source_ref", refs),
		entity.NewColumnInt64("timestamp", timestamps),
	)
	if err != nil {
		return fmt.Errorf("failed to insert chunks: %w", err)
	}

	err = m.client.Flush(ctx, m.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Info("Chunks inserted into vector store", zap.Int("count", len(chunks)))

	return nil
}

// Search runs a tenant-scoped nearest-neighbor search. The tenant filter is a
// Milvus boolean expression, so rows of other tenants (and legacy rows with an
// empty tenant tag) never leave the store.
func (m *Client) Search(ctx context.Context, tenantID string, queryEmbedding []float32, topK int) ([]SearchResult, error) {
	expr := fmt.Sprintf(`tenant_id == "%s"`, escapeExpr(tenantID))
	return m.search(ctx, expr, queryEmbedding, topK)
}

// SearchGlobal searches without a tenant filter, including legacy untagged
// vectors. Migration tooling only; request-serving paths use Search.
func (m *Client) SearchGlobal(ctx context.Context, queryEmbedding []float32, topK int) ([]SearchResult, error) {
	return m.search(ctx, "", queryEmbedding, topK)
}

func (m *Client) search(ctx context.Context, expr string, queryEmbedding []float32, topK int) ([]SearchResult, error) {
	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	searchResult, err := m.client.Search(
		ctx,
		m.collectionName,
		[]string{},
		expr,
		[]string{"chunk_id", "tenant_id", "text", "title", "source_ref"},
		[]entity.Vector{entity.FloatVector(queryEmbedding)},
		"embedding",
		entity.IP,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]SearchResult, 0)
	for _, sr := range searchResult {
		chunkIDCol := sr.Fields.GetColumn("chunk_id")
		tenantCol := sr.Fields.GetColumn("tenant_id")
		textCol := sr.Fields.GetColumn("text")
		titleCol := sr.Fields.GetColumn("title")
		refCol := sr.Fields.GetColumn("source_ref")

		for i := 0; i < sr.ResultCount; i++ {
			chunkID, _ := chunkIDCol.Get(i)
			tenantID, _ := tenantCol.Get(i)
			text, _ := textCol.Get(i)
			title, _ := titleCol.Get(i)
			ref, _ := refCol.Get(i)

			results = append(results, SearchResult{
				ChunkID:   chunkID.(string),
				TenantID:  tenantID.(string),
				Text:      text.(string),
				Title:     title.(string),
				SourceRef: ref.(string),
				Score:     sr.Scores[i],
			})
		}
	}

	logger.Debug("Vector search completed",
		zap.Int("topK", topK),
		zap.Int("results", len(results)),
		zap.String("filter", expr),
	)

	return results, nil
}

func escapeExpr(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
