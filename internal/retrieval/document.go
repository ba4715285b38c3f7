package retrieval

import (
	"context"
	"sort"
	"strings"

	"github.com/supportrag/backend/internal/storage/models"
)

// DocumentStore is the search capability of the backing document store. The
// tenant filter is a query parameter there, not an application-side filter.
type DocumentStore interface {
	SearchDocuments(ctx context.Context, tenantID string, terms []string, category string, tags []string, limit int) ([]models.Document, error)
}

// DocumentSource searches the tenant's document store by extracted query terms.
// Category and tag filters narrow the tenant scope; they never widen it.
type DocumentSource struct {
	store    DocumentStore
	category string
	tags     []string
}

func NewDocumentSource(store DocumentStore) *DocumentSource {
	return &DocumentSource{store: store}
}

// WithFilters returns a copy of the source scoped by the auxiliary filters for
// one request.
func (s *DocumentSource) WithFilters(category string, tags []string) *DocumentSource {
	return &DocumentSource{store: s.store, category: category, tags: tags}
}

func (s *DocumentSource) Name() string {
	return SourceDocument
}

func (s *DocumentSource) Search(ctx context.Context, query, tenantID string, topK int, threshold float64) ([]Candidate, error) {
	terms := extractKeywords(query)
	if len(terms) == 0 {
		return nil, nil
	}

	docs, err := s.store.SearchDocuments(ctx, tenantID, terms, s.category, s.tags, topK*2)
	if err != nil {
		return nil, err
	}

	var candidates []Candidate
	for _, doc := range docs {
		score := scoreDocument(terms, doc)
		if score < threshold {
			continue
		}
		candidates = append(candidates, Candidate{
			SourceType: SourceDocument,
			ID:         doc.ID,
			Title:      doc.Title,
			Snippet:    snippetAround(doc.Content, terms),
			Score:      score,
			TenantID:   doc.TenantID,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	return candidates, nil
}

// scoreDocument weighs term coverage, with title hits counting double.
func scoreDocument(terms []string, doc models.Document) float64 {
	title := strings.ToLower(doc.Title)
	content := strings.ToLower(doc.Content)

	var weight float64
	for _, term := range terms {
		if strings.Contains(title, term) {
			weight += 2
		} else if strings.Contains(content, term) {
			weight += 1
		}
	}

	score := weight / float64(2*len(terms))
	if score > 1 {
		score = 1
	}
	return score
}

const snippetLen = 240

func snippetAround(content string, terms []string) string {
	lower := strings.ToLower(content)
	pos := -1
	for _, term := range terms {
		if i := strings.Index(lower, term); i >= 0 && (pos < 0 || i < pos) {
			pos = i
		}
	}

	start := 0
	if pos > snippetLen/2 {
		start = pos - snippetLen/2
	}

	end := start + snippetLen
	if end > len(content) {
		end = len(content)
	}

	snippet := strings.TrimSpace(content[start:end])
	if start > 0 {
		snippet = "…" + snippet
	}
	if end < len(content) {
		snippet += "…"
	}
	return snippet
}
