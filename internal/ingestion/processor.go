package ingestion

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/supportrag/backend/internal/metrics"
	"github.com/supportrag/backend/internal/storage/models"
	"github.com/supportrag/backend/internal/storage/sqlite"
	"github.com/supportrag/backend/internal/vector/milvus"
	"github.com/supportrag/backend/pkg/logger"
	"github.com/supportrag/backend/pkg/utils"
)

// Embedder turns chunk text into vectors; *llm.Client satisfies it.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// CacheInvalidator drops a tenant's cached responses after a knowledge-base
// write. Optional.
type CacheInvalidator interface {
	InvalidateTenant(ctx context.Context, tenantID string) error
}

type Processor struct {
	db           *sqlite.Client
	vectorDB     *milvus.Client
	embedder     Embedder
	cache        CacheInvalidator
	chunkSize    int
	chunkOverlap int
}

func NewProcessor(db *sqlite.Client, vectorDB *milvus.Client, embedder Embedder) *Processor {
	return &Processor{
		db:           db,
		vectorDB:     vectorDB,
		embedder:     embedder,
		chunkSize:    1000,
		chunkOverlap: 100,
	}
}

func (p *Processor) WithCache(cache CacheInvalidator) *Processor {
	p.cache = cache
	return p
}

// DocumentInput is one document submitted for a tenant's knowledge base.
// Content may be raw HTML or plain text.
type DocumentInput struct {
	Title    string
	Category string
	Tags     []string
	Content  string
	HTML     bool
}

// ProcessDocument cleans, stores, chunks, embeds and indexes one document
// under the given tenant.
func (p *Processor) ProcessDocument(ctx context.Context, tenantID string, input DocumentInput) (*models.Document, error) {
	logger.Info("Processing document",
		zap.String("tenant_id", tenantID),
		zap.String("title", input.Title),
	)

	content := input.Content
	title := input.Title
	if input.HTML {
		content = cleanHTML(input.Content)
		if title == "" {
			title = extractTitle(input.Content)
		}
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("no content extracted from document")
	}
	if title == "" {
		title = "Untitled"
	}

	// Resubmitting identical content must not duplicate the document or its
	// vectors.
	contentHash := ContentHash(content)
	if existing, err := p.db.DocumentByContentHash(ctx, tenantID, contentHash); err != nil {
		return nil, fmt.Errorf("failed to check for duplicate document: %w", err)
	} else if existing != nil {
		logger.Info("Duplicate document submission, reusing existing",
			zap.String("tenant_id", tenantID),
			zap.String("doc_id", existing.ID),
		)
		return existing, nil
	}

	docID := uuid.New().String()
	doc := &models.Document{
		ID:          docID,
		TenantID:    tenantID,
		Title:       title,
		Category:    input.Category,
		Tags:        input.Tags,
		Content:     content,
		ContentHash: contentHash,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}

	if err := p.db.InsertDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to insert document: %w", err)
	}

	if err := p.indexChunks(ctx, tenantID, docID, title, content); err != nil {
		return nil, err
	}

	metrics.DocumentsProcessed.Inc()
	p.invalidate(ctx, tenantID)

	return doc, nil
}

// ProcessFAQ stores one curated question/answer pair and indexes the answer
// for vector search alongside the documents.
func (p *Processor) ProcessFAQ(ctx context.Context, tenantID string, entry *models.FAQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.TenantID = tenantID
	now := time.Now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now

	if err := p.db.InsertFAQ(ctx, entry); err != nil {
		return fmt.Errorf("failed to insert faq entry: %w", err)
	}

	if p.vectorDB != nil && p.embedder != nil {
		text := entry.Question + "\n" + entry.Answer
		embeddings, err := p.embedder.EmbedBatch(ctx, []string{text})
		if err != nil {
			// The keyword source still serves the entry.
			logger.Warn("Failed to embed faq entry", zap.Error(err))
		} else if len(embeddings) == 1 {
			err = p.vectorDB.Insert(ctx, []milvus.Chunk{{
				ID:        entry.ID,
				TenantID:  tenantID,
				Embedding: embeddings[0],
				Text:      text,
				Title:     entry.Question,
				SourceRef: entry.ID,
				Timestamp: now,
			}})
			if err != nil {
				logger.Warn("Failed to index faq entry", zap.Error(err))
			}
		}
	}

	p.invalidate(ctx, tenantID)
	return nil
}

// PromoteToKB turns a resolved expert answer into a new FAQ entry so the
// pipeline can answer the question itself next time.
func (p *Processor) PromoteToKB(ctx context.Context, tenantID, question, answer string) error {
	return p.ProcessFAQ(ctx, tenantID, &models.FAQEntry{
		Question: question,
		Answer:   answer,
		Category: "escalated",
	})
}

func (p *Processor) indexChunks(ctx context.Context, tenantID, docID, title, content string) error {
	chunks := p.chunkText(content)
	logger.Info("Document chunked", zap.String("doc_id", docID), zap.Int("chunks", len(chunks)))

	now := time.Now()
	for i, chunkText := range chunks {
		dbChunk := &models.DocumentChunk{
			ID:         fmt.Sprintf("%s_chunk_%d", docID, i),
			DocID:      docID,
			TenantID:   tenantID,
			ChunkIndex: i,
			Text:       chunkText,
			CreatedAt:  now,
		}
		if err := p.db.InsertChunk(ctx, dbChunk); err != nil {
			return fmt.Errorf("failed to insert chunk: %w", err)
		}
	}

	if p.vectorDB == nil || p.embedder == nil {
		return nil
	}

	embeddings, err := p.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return fmt.Errorf("failed to generate embeddings: %w", err)
	}
	if len(embeddings) != len(chunks) {
		return fmt.Errorf("embedding count mismatch: got %d, expected %d", len(embeddings), len(chunks))
	}

	vectorChunks := make([]milvus.Chunk, 0, len(chunks))
	for i, chunkText := range chunks {
		vectorChunks = append(vectorChunks, milvus.Chunk{
			ID:        fmt.Sprintf("%s_chunk_%d", docID, i),
			TenantID:  tenantID,
			Embedding: embeddings[i],
			Text:      chunkText,
			Title:     title,
			SourceRef: docID,
			Timestamp: now,
		})
	}

	if len(vectorChunks) > 0 {
		if err := p.vectorDB.Insert(ctx, vectorChunks); err != nil {
			return fmt.Errorf("failed to insert into vector DB: %w", err)
		}
		metrics.ChunksIndexed.Add(float64(len(vectorChunks)))
	}

	return nil
}

func (p *Processor) invalidate(ctx context.Context, tenantID string) {
	if p.cache == nil {
		return
	}
	if err := p.cache.InvalidateTenant(ctx, tenantID); err != nil {
		logger.Warn("Failed to invalidate response cache",
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
	}
}

func cleanHTML(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}

	doc.Find("script, style, nav, footer, header, aside").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})

	text := doc.Find("body").Text()

	text = regexp.MustCompile(`\s+`).ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)

	return text
}

func extractTitle(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}

	title := doc.Find("title").First().Text()
	if title == "" {
		title = doc.Find("h1").First().Text()
	}

	return strings.TrimSpace(title)
}

func (p *Processor) chunkText(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	var chunks []string
	var currentChunk strings.Builder
	currentSize := 0

	for _, word := range words {
		wordLen := len(word) + 1

		if currentSize+wordLen > p.chunkSize && currentChunk.Len() > 0 {
			chunks = append(chunks, strings.TrimSpace(currentChunk.String()))

			overlapWords := strings.Fields(currentChunk.String())
			overlapStart := maxInt(0, len(overlapWords)-p.chunkOverlap/10)
			currentChunk.Reset()
			currentChunk.WriteString(strings.Join(overlapWords[overlapStart:], " ") + " ")
			currentSize = currentChunk.Len()
		}

		currentChunk.WriteString(word + " ")
		currentSize += wordLen
	}

	if currentChunk.Len() > 0 {
		chunks = append(chunks, strings.TrimSpace(currentChunk.String()))
	}

	return chunks
}

// ContentHash gives a stable key for deduplicating submissions.
func ContentHash(content string) string {
	return utils.HashString(content)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
