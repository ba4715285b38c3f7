package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportrag/backend/internal/storage/models"
)

type fakeFAQStore struct {
	entries []models.FAQEntry
	err     error
}

func (f *fakeFAQStore) FAQsByTenant(ctx context.Context, tenantID string) ([]models.FAQEntry, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []models.FAQEntry
	for _, e := range f.entries {
		if e.TenantID == tenantID {
			out = append(out, e)
		}
	}
	return out, nil
}

func faqFixture() *fakeFAQStore {
	return &fakeFAQStore{entries: []models.FAQEntry{
		{
			ID:       "faq-reset",
			TenantID: "acme",
			Question: "How do I reset my password?",
			Answer:   "Use the forgot password link on the login page.",
			Patterns: []string{`(?:reset|forgot).*password`},
		},
		{
			ID:       "faq-billing",
			TenantID: "acme",
			Question: "Where can I download my invoice?",
			Answer:   "Invoices are under Billing > History.",
		},
		{
			ID:       "faq-other-tenant",
			TenantID: "globex",
			Question: "How do I reset my password?",
			Answer:   "Different tenant, different answer.",
		},
	}}
}

func TestKeywordExactMatch(t *testing.T) {
	source := NewKeywordSource(faqFixture())

	candidates, err := source.Search(context.Background(), "How do I reset my password?", "acme", 5, 0)

	require.NoError(t, err)
	require.NotEmpty(t, candidates)
	assert.Equal(t, "faq-reset", candidates[0].ID)
	assert.Equal(t, 0.95, candidates[0].Score)
	assert.Equal(t, SourceKeyword, candidates[0].SourceType)
}

func TestKeywordExactMatchIgnoresCaseAndPunctuation(t *testing.T) {
	source := NewKeywordSource(faqFixture())

	candidates, err := source.Search(context.Background(), "how do i RESET my password", "acme", 5, 0)

	require.NoError(t, err)
	require.NotEmpty(t, candidates)
	assert.Equal(t, "faq-reset", candidates[0].ID)
	assert.Equal(t, 0.95, candidates[0].Score)
}

func TestKeywordPatternMatch(t *testing.T) {
	source := NewKeywordSource(faqFixture())

	candidates, err := source.Search(context.Background(), "ugh I forgot my password again", "acme", 5, 0)

	require.NoError(t, err)
	require.NotEmpty(t, candidates)
	assert.Equal(t, "faq-reset", candidates[0].ID)
	assert.GreaterOrEqual(t, candidates[0].Score, 0.5)
}

func TestKeywordNoConfidentMatchReturnsNothing(t *testing.T) {
	source := NewKeywordSource(faqFixture())

	candidates, err := source.Search(context.Background(), "what is the meaning of life", "acme", 5, 0)

	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestKeywordTenantScoping(t *testing.T) {
	source := NewKeywordSource(faqFixture())

	candidates, err := source.Search(context.Background(), "How do I reset my password?", "globex", 5, 0)

	require.NoError(t, err)
	require.NotEmpty(t, candidates)
	for _, c := range candidates {
		assert.Equal(t, "globex", c.TenantID)
	}
}

func TestKeywordEmptyStore(t *testing.T) {
	source := NewKeywordSource(&fakeFAQStore{})

	candidates, err := source.Search(context.Background(), "anything", "acme", 5, 0)

	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestKeywordStoreErrorPropagates(t *testing.T) {
	source := NewKeywordSource(&fakeFAQStore{err: errors.New("db closed")})

	_, err := source.Search(context.Background(), "anything", "acme", 5, 0)

	assert.Error(t, err)
}

func TestKeywordInvalidPatternSkipped(t *testing.T) {
	store := &fakeFAQStore{entries: []models.FAQEntry{
		{
			ID:       "faq-bad",
			TenantID: "acme",
			Question: "How do I reset my password?",
			Patterns: []string{`([unclosed`},
		},
	}}
	source := NewKeywordSource(store)

	candidates, err := source.Search(context.Background(), "how do i reset my password", "acme", 5, 0)

	require.NoError(t, err)
	// The exact-match tier still scores the entry despite the bad pattern.
	require.NotEmpty(t, candidates)
	assert.Equal(t, "faq-bad", candidates[0].ID)
}

func TestKeywordRanking(t *testing.T) {
	store := &fakeFAQStore{entries: []models.FAQEntry{
		{
			ID:       "faq-partial",
			TenantID: "acme",
			Question: "How do I change my password policy settings?",
		},
		{
			ID:       "faq-exact",
			TenantID: "acme",
			Question: "How do I reset my password?",
		},
	}}
	source := NewKeywordSource(store)

	candidates, err := source.Search(context.Background(), "How do I reset my password?", "acme", 5, 0)

	require.NoError(t, err)
	require.NotEmpty(t, candidates)
	assert.Equal(t, "faq-exact", candidates[0].ID)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "how do i reset my password", normalize("  How do I reset my password?! "))
	assert.Equal(t, "a b c", normalize("a   b\tc"))
	assert.Equal(t, "", normalize("???"))
}

func TestOverlapRatio(t *testing.T) {
	assert.Equal(t, 1.0, overlapRatio([]string{"reset", "password"}, []string{"password", "reset", "login"}))
	assert.Equal(t, 0.5, overlapRatio([]string{"reset", "billing"}, []string{"reset"}))
	assert.Equal(t, 0.0, overlapRatio(nil, []string{"reset"}))
}
