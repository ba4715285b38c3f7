package evaluation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportrag/backend/internal/storage/models"
)

type fakeEvalStore struct {
	entries  []models.QueryLogEntry
	feedback []models.Feedback
}

func (f *fakeEvalStore) QueryLogSince(ctx context.Context, tenantID string, since time.Time) ([]models.QueryLogEntry, error) {
	var out []models.QueryLogEntry
	for _, e := range f.entries {
		if e.TenantID == tenantID && !e.CreatedAt.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeEvalStore) FeedbackSince(ctx context.Context, tenantID string, since time.Time) ([]models.Feedback, error) {
	return f.feedback, nil
}

func logEntry(conv, msg string, confidence float64, fallback, escalated bool) models.QueryLogEntry {
	return models.QueryLogEntry{
		MessageID:          msg,
		ConversationID:     conv,
		TenantID:           "acme",
		CombinedConfidence: confidence,
		FallbackUsed:       fallback,
		Escalated:          escalated,
		LatencyMS:          100,
		CreatedAt:          time.Now(),
	}
}

func TestEvaluateRates(t *testing.T) {
	store := &fakeEvalStore{entries: []models.QueryLogEntry{
		logEntry("c1", "m1", 0.9, false, false),
		logEntry("c1", "m2", 0.3, true, true),
		logEntry("c2", "m3", 0.6, false, true),
		logEntry("c2", "m4", 0.8, false, false),
	}}
	evaluator := NewEvaluator(store)

	report, err := evaluator.Evaluate(context.Background(), "acme", time.Now().Add(-time.Hour))

	require.NoError(t, err)
	assert.Equal(t, 4, report.TotalQueries)
	assert.InDelta(t, 0.25, report.FallbackRate, 1e-9)
	assert.InDelta(t, 0.5, report.EscalationRate, 1e-9)
	assert.InDelta(t, 0.65, report.AvgCombinedConfidence, 1e-9)
	assert.InDelta(t, 100, report.AvgLatencyMS, 1e-9)
}

func TestEvaluateHelpfulness(t *testing.T) {
	store := &fakeEvalStore{
		entries: []models.QueryLogEntry{
			logEntry("c1", "m1", 0.9, false, false),
			logEntry("c1", "m2", 0.4, false, false),
			logEntry("c1", "m3", 0.7, false, false),
		},
		feedback: []models.Feedback{
			{ConversationID: "c1", MessageID: "m1", Helpful: true, CreatedAt: time.Now()},
			{ConversationID: "c1", MessageID: "m2", Helpful: false, CreatedAt: time.Now()},
		},
	}
	evaluator := NewEvaluator(store)

	report, err := evaluator.Evaluate(context.Background(), "acme", time.Now().Add(-time.Hour))

	require.NoError(t, err)
	assert.Equal(t, 2, report.FeedbackCount)
	assert.InDelta(t, 0.5, report.HelpfulnessRate, 1e-9)
	assert.InDelta(t, 0.9, report.AvgConfidenceHelpful, 1e-9)
	assert.InDelta(t, 0.4, report.AvgConfidenceNotHelpful, 1e-9)
}

func TestEvaluateDuplicateFeedbackLatestWins(t *testing.T) {
	base := time.Now()
	store := &fakeEvalStore{
		entries: []models.QueryLogEntry{
			logEntry("c1", "m1", 0.9, false, false),
		},
		feedback: []models.Feedback{
			{ConversationID: "c1", MessageID: "m1", Helpful: false, CreatedAt: base},
			{ConversationID: "c1", MessageID: "m1", Helpful: true, CreatedAt: base.Add(time.Minute)},
		},
	}
	evaluator := NewEvaluator(store)

	report, err := evaluator.Evaluate(context.Background(), "acme", base.Add(-time.Hour))

	require.NoError(t, err)
	assert.Equal(t, 1, report.FeedbackCount)
	assert.InDelta(t, 1.0, report.HelpfulnessRate, 1e-9)
}

func TestEvaluateEmptyWindow(t *testing.T) {
	evaluator := NewEvaluator(&fakeEvalStore{})

	report, err := evaluator.Evaluate(context.Background(), "acme", time.Now().Add(-time.Hour))

	require.NoError(t, err)
	assert.Equal(t, 0, report.TotalQueries)
	assert.Zero(t, report.FallbackRate)
	assert.Zero(t, report.HelpfulnessRate)
}

func TestEvaluateWindowFiltersOldEntries(t *testing.T) {
	old := logEntry("c1", "m-old", 0.9, false, false)
	old.CreatedAt = time.Now().Add(-48 * time.Hour)

	store := &fakeEvalStore{entries: []models.QueryLogEntry{
		old,
		logEntry("c1", "m-new", 0.5, false, false),
	}}
	evaluator := NewEvaluator(store)

	report, err := evaluator.Evaluate(context.Background(), "acme", time.Now().Add(-time.Hour))

	require.NoError(t, err)
	assert.Equal(t, 1, report.TotalQueries)
	assert.InDelta(t, 0.5, report.AvgCombinedConfidence, 1e-9)
}
