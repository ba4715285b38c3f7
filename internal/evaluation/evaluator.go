package evaluation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/supportrag/backend/internal/storage/models"
	"github.com/supportrag/backend/pkg/logger"
)

// Store provides the raw audit data the evaluator aggregates over.
type Store interface {
	QueryLogSince(ctx context.Context, tenantID string, since time.Time) ([]models.QueryLogEntry, error)
	FeedbackSince(ctx context.Context, tenantID string, since time.Time) ([]models.Feedback, error)
}

// Report summarizes pipeline quality for one tenant over a window.
type Report struct {
	TenantID      string    `json:"tenant_id"`
	WindowStart   time.Time `json:"window_start"`
	WindowEnd     time.Time `json:"window_end"`
	TotalQueries  int       `json:"total_queries"`
	FallbackRate  float64   `json:"fallback_rate"`
	EscalationRate float64  `json:"escalation_rate"`

	// Feedback-derived figures, over queries that received feedback.
	FeedbackCount    int     `json:"feedback_count"`
	HelpfulnessRate  float64 `json:"helpfulness_rate"`
	AvgConfidenceHelpful    float64 `json:"avg_confidence_helpful"`
	AvgConfidenceNotHelpful float64 `json:"avg_confidence_not_helpful"`

	AvgCombinedConfidence float64 `json:"avg_combined_confidence"`
	AvgLatencyMS          float64 `json:"avg_latency_ms"`
}

type Evaluator struct {
	store Store
}

func NewEvaluator(store Store) *Evaluator {
	return &Evaluator{store: store}
}

// Evaluate joins the query log with feedback for one tenant since the given
// time. Feedback is append-only, so when a message carries several entries
// the latest one counts.
func (e *Evaluator) Evaluate(ctx context.Context, tenantID string, since time.Time) (*Report, error) {
	entries, err := e.store.QueryLogSince(ctx, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load query log: %w", err)
	}

	feedback, err := e.store.FeedbackSince(ctx, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load feedback: %w", err)
	}

	report := &Report{
		TenantID:     tenantID,
		WindowStart:  since,
		WindowEnd:    time.Now(),
		TotalQueries: len(entries),
	}

	if len(entries) == 0 {
		return report, nil
	}

	latest := latestFeedback(feedback)

	var (
		fallbacks, escalations int
		confidenceSum          float64
		latencySum             float64

		helpful, notHelpful             int
		helpfulConfSum, notHelpfulConfSum float64
	)

	for _, entry := range entries {
		if entry.FallbackUsed {
			fallbacks++
		}
		if entry.Escalated {
			escalations++
		}
		confidenceSum += entry.CombinedConfidence
		latencySum += float64(entry.LatencyMS)

		fb, ok := latest[feedbackKey{entry.ConversationID, entry.MessageID}]
		if !ok {
			continue
		}
		if fb.Helpful {
			helpful++
			helpfulConfSum += entry.CombinedConfidence
		} else {
			notHelpful++
			notHelpfulConfSum += entry.CombinedConfidence
		}
	}

	total := float64(len(entries))
	report.FallbackRate = float64(fallbacks) / total
	report.EscalationRate = float64(escalations) / total
	report.AvgCombinedConfidence = confidenceSum / total
	report.AvgLatencyMS = latencySum / total

	report.FeedbackCount = helpful + notHelpful
	if report.FeedbackCount > 0 {
		report.HelpfulnessRate = float64(helpful) / float64(report.FeedbackCount)
	}
	if helpful > 0 {
		report.AvgConfidenceHelpful = helpfulConfSum / float64(helpful)
	}
	if notHelpful > 0 {
		report.AvgConfidenceNotHelpful = notHelpfulConfSum / float64(notHelpful)
	}

	logger.Debug("Evaluation report built",
		zap.String("tenant_id", tenantID),
		zap.Int("total_queries", report.TotalQueries),
		zap.Int("feedback_count", report.FeedbackCount),
	)

	return report, nil
}

type feedbackKey struct {
	conversationID string
	messageID      string
}

func latestFeedback(feedback []models.Feedback) map[feedbackKey]models.Feedback {
	latest := make(map[feedbackKey]models.Feedback, len(feedback))
	for _, fb := range feedback {
		key := feedbackKey{fb.ConversationID, fb.MessageID}
		prev, ok := latest[key]
		if !ok || !fb.CreatedAt.Before(prev.CreatedAt) {
			latest[key] = fb
		}
	}
	return latest
}
