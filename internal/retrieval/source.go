package retrieval

import "context"

// Candidate is one scored retrieval hit. Every candidate carries the tenant it
// was retrieved for; sources must filter at the store, never after the fact.
type Candidate struct {
	SourceType string  `json:"source_type"`
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Snippet    string  `json:"snippet"`
	Score      float64 `json:"score"`
	TenantID   string  `json:"-"`
}

const (
	SourceKeyword  = "faq"
	SourceDocument = "document"
	SourceVector   = "vector"
)

// Source is implemented by the keyword/FAQ matcher, the document search and the
// vector similarity search. Fusion depends only on this interface.
type Source interface {
	Name() string
	Search(ctx context.Context, query, tenantID string, topK int, threshold float64) ([]Candidate, error)
}
