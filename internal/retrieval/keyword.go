package retrieval

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/supportrag/backend/internal/storage/models"
	"github.com/supportrag/backend/pkg/logger"
)

const (
	scoreExactMatch   = 0.95
	scorePhraseMatch  = 0.85
	scorePatternMatch = 0.5
	// Below this the matcher reports "no match" rather than weak candidates.
	noMatchFloor = 0.4

	minKeywordOverlap = 0.3
)

// FAQStore provides the tenant-filtered FAQ rows the matcher scores against.
type FAQStore interface {
	FAQsByTenant(ctx context.Context, tenantID string) ([]models.FAQEntry, error)
}

// KeywordSource matches queries against FAQ entries in tiers: exact match,
// phrase variation, keyword overlap, then regex patterns. Each entry gets the
// best score across tiers.
type KeywordSource struct {
	store FAQStore
}

func NewKeywordSource(store FAQStore) *KeywordSource {
	return &KeywordSource{store: store}
}

func (s *KeywordSource) Name() string {
	return SourceKeyword
}

func (s *KeywordSource) Search(ctx context.Context, query, tenantID string, topK int, threshold float64) ([]Candidate, error) {
	entries, err := s.store.FAQsByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	normQuery := normalize(query)
	phraseQuery := stripStopwords(normQuery)
	queryKeywords := extractKeywords(query)

	var candidates []Candidate
	best := 0.0

	for _, entry := range entries {
		score := s.scoreEntry(query, normQuery, phraseQuery, queryKeywords, entry)
		if score <= 0 || score < threshold {
			continue
		}
		if score > best {
			best = score
		}

		candidates = append(candidates, Candidate{
			SourceType: SourceKeyword,
			ID:         entry.ID,
			Title:      entry.Question,
			Snippet:    entry.Answer,
			Score:      score,
			TenantID:   entry.TenantID,
		})
	}

	if best < noMatchFloor {
		logger.Debug("FAQ matcher found no confident match",
			zap.String("tenant_id", tenantID),
			zap.Float64("best_score", best),
		)
		return nil, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})

	if topK > 0 && len(candidates) > topK {
		candidates = candidates[:topK]
	}

	return candidates, nil
}

// scoreEntry returns the maximum score across match tiers for one FAQ entry.
func (s *KeywordSource) scoreEntry(rawQuery, normQuery, phraseQuery string, queryKeywords []string, entry models.FAQEntry) float64 {
	normEntry := normalize(entry.Question)

	if normQuery != "" && normQuery == normEntry {
		return scoreExactMatch
	}

	score := 0.0

	phraseEntry := stripStopwords(normEntry)
	if phraseQuery != "" && phraseEntry != "" {
		if phraseQuery == phraseEntry ||
			strings.Contains(phraseEntry, phraseQuery) ||
			strings.Contains(phraseQuery, phraseEntry) {
			score = scorePhraseMatch
		}
	}

	if len(queryKeywords) > 0 {
		entryKeywords := extractKeywords(entry.Question)
		if ratio := overlapRatio(queryKeywords, entryKeywords); ratio >= minKeywordOverlap {
			if overlap := 0.4 + 0.4*ratio; overlap > score {
				score = overlap
			}
		}
	}

	if score < scorePatternMatch {
		for _, pattern := range entry.Patterns {
			re, err := regexp.Compile("(?i)" + pattern)
			if err != nil {
				logger.Warn("Skipping invalid FAQ pattern",
					zap.String("faq_id", entry.ID),
					zap.String("pattern", pattern),
				)
				continue
			}
			if re.MatchString(rawQuery) {
				score = scorePatternMatch
				break
			}
		}
	}

	return score
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9\s]`)

func normalize(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	text = nonAlnum.ReplaceAllString(text, " ")
	return strings.Join(strings.Fields(text), " ")
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "can": true, "do": true,
	"does": true, "for": true, "how": true, "i": true, "in": true, "is": true,
	"it": true, "my": true, "of": true, "on": true, "or": true, "the": true,
	"to": true, "what": true, "when": true, "where": true, "which": true,
	"who": true, "why": true, "will": true, "with": true, "you": true,
	"your": true,
}

func stripStopwords(normalized string) string {
	var kept []string
	for _, word := range strings.Fields(normalized) {
		if !stopwords[word] {
			kept = append(kept, word)
		}
	}
	return strings.Join(kept, " ")
}

// extractKeywords pulls content words (nouns, verbs, adjectives) from the text.
// Falls back to plain stopword-filtered tokens if tagging fails.
func extractKeywords(text string) []string {
	doc, err := prose.NewDocument(text,
		prose.WithSegmentation(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		return strings.Fields(stripStopwords(normalize(text)))
	}

	seen := make(map[string]bool)
	var keywords []string
	for _, tok := range doc.Tokens() {
		if !strings.HasPrefix(tok.Tag, "NN") &&
			!strings.HasPrefix(tok.Tag, "VB") &&
			!strings.HasPrefix(tok.Tag, "JJ") {
			continue
		}
		word := normalize(tok.Text)
		if word == "" || len(word) < 3 || stopwords[word] || seen[word] {
			continue
		}
		seen[word] = true
		keywords = append(keywords, word)
	}

	if len(keywords) == 0 {
		return strings.Fields(stripStopwords(normalize(text)))
	}

	return keywords
}

// overlapRatio is the fraction of query keywords present in the entry.
func overlapRatio(queryKeywords, entryKeywords []string) float64 {
	if len(queryKeywords) == 0 {
		return 0
	}

	entrySet := make(map[string]bool, len(entryKeywords))
	for _, w := range entryKeywords {
		entrySet[w] = true
	}

	matched := 0
	for _, w := range queryKeywords {
		if entrySet[w] {
			matched++
		}
	}

	return float64(matched) / float64(len(queryKeywords))
}
