package llm

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportrag/backend/internal/retrieval"
)

func TestParseAnswer(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantOK  bool
		answer  string
		conf    float64
	}{
		{
			name:    "plain json",
			content: `{"answer": "use the reset link", "confidence": 0.8, "sources": ["faq-1"]}`,
			wantOK:  true,
			answer:  "use the reset link",
			conf:    0.8,
		},
		{
			name:    "fenced json",
			content: "```json\n{\"answer\": \"ok\", \"confidence\": 0.5}\n```",
			wantOK:  true,
			answer:  "ok",
			conf:    0.5,
		},
		{
			name:    "json with surrounding prose",
			content: "Here is the result: {\"answer\": \"ok\", \"confidence\": 0.6} hope that helps",
			wantOK:  true,
			answer:  "ok",
			conf:    0.6,
		},
		{
			name:    "confidence clamped high",
			content: `{"answer": "ok", "confidence": 3.5}`,
			wantOK:  true,
			answer:  "ok",
			conf:    1.0,
		},
		{
			name:    "confidence clamped low",
			content: `{"answer": "ok", "confidence": -1}`,
			wantOK:  true,
			answer:  "ok",
			conf:    0.0,
		},
		{
			name:    "empty answer rejected",
			content: `{"answer": "   ", "confidence": 0.9}`,
			wantOK:  false,
		},
		{
			name:    "no json rejected",
			content: "I cannot answer that.",
			wantOK:  false,
		},
		{
			name:    "malformed json rejected",
			content: `{"answer": "ok", "confidence": }`,
			wantOK:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseAnswer(tt.content)
			require.Equal(t, tt.wantOK, ok)
			if !tt.wantOK {
				return
			}
			assert.Equal(t, tt.answer, got.Answer)
			assert.InDelta(t, tt.conf, got.Confidence, 1e-9)
		})
	}
}

func TestGenerateAnswerSkipsOnEmptyContext(t *testing.T) {
	client := NewClient("test-key", "gpt-4", "text-embedding-3-small", 0.2, 512, 5)

	got := client.GenerateAnswer(context.Background(), "anything", retrieval.FusedContext{
		FallbackNeeded: true,
	})

	assert.True(t, got.Fallback)
	assert.Equal(t, FallbackConfidence, got.Confidence)
	assert.NotEmpty(t, got.Answer)
}

func TestBuildAnswerPromptIncludesContext(t *testing.T) {
	fused := retrieval.FusedContext{Candidates: []retrieval.Candidate{
		{ID: "faq-1", Title: "Reset password", Snippet: "Use the forgot password link."},
		{ID: "doc-2", Title: "Billing guide", Snippet: "Invoices live under Billing."},
	}}

	prompt := buildAnswerPrompt("how do I reset my password", fused)

	assert.Contains(t, prompt, "[faq-1] Reset password")
	assert.Contains(t, prompt, "Use the forgot password link.")
	assert.Contains(t, prompt, "[doc-2] Billing guide")
	assert.Contains(t, prompt, "Question: how do I reset my password")
}

func TestBuildAnswerPromptRespectsBudget(t *testing.T) {
	big := strings.Repeat("x", maxSnippetChars*2)
	var candidates []retrieval.Candidate
	for i := 0; i < 50; i++ {
		candidates = append(candidates, retrieval.Candidate{
			ID:      "doc",
			Title:   "t",
			Snippet: big,
		})
	}

	prompt := buildAnswerPrompt("q", retrieval.FusedContext{Candidates: candidates})

	assert.LessOrEqual(t, len(prompt), maxPromptChars+200)
	assert.Contains(t, prompt, "Question: q")
}
