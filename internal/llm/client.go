package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/supportrag/backend/internal/metrics"
	"github.com/supportrag/backend/internal/retrieval"
	"github.com/supportrag/backend/pkg/circuitbreaker"
	"github.com/supportrag/backend/pkg/logger"
	"github.com/supportrag/backend/pkg/retry"
)

// FallbackConfidence is the self-reported confidence attached to the fixed
// fallback answer used when the model is skipped or fails.
const FallbackConfidence = 0.2

const fallbackAnswer = "I could not find enough information in the knowledge base to answer that reliably."

const (
	maxSnippetChars = 600
	maxPromptChars  = 6000
)

type Client struct {
	client         *openai.Client
	model          string
	embeddingModel string
	temperature    float32
	maxTokens      int
	timeout        time.Duration
	cb             *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

// GeneratedAnswer is the generator's output contract. Fallback marks answers
// produced without consulting the model (no context, model failure, malformed
// output).
type GeneratedAnswer struct {
	Answer           string
	Confidence       float64
	SuggestedSources []string
	Fallback         bool
}

type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
}

type CompletionResponse struct {
	Content string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

func NewClient(apiKey, model, embeddingModel string, temperature float32, maxTokens, timeoutSec int) *Client {
	client := openai.NewClient(apiKey)

	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	if timeoutSec <= 0 {
		timeoutSec = 30
	}

	logger.Info("LLM client initialized",
		zap.String("model", model),
		zap.String("embedding_model", embeddingModel),
	)

	return &Client{
		client:         client,
		model:          model,
		embeddingModel: embeddingModel,
		temperature:    temperature,
		maxTokens:      maxTokens,
		timeout:        time.Duration(timeoutSec) * time.Second,
		cb:             cb,
		retryConfig:    retryConfig,
	}
}

// GenerateAnswer builds a bounded prompt from the fused context and asks the
// model for a JSON answer object. Any failure path (empty context, breaker
// open, transport error, non-conforming output) degrades to the fixed fallback
// answer; it never surfaces an error to the pipeline.
func (c *Client) GenerateAnswer(ctx context.Context, query string, fused retrieval.FusedContext) GeneratedAnswer {
	if fused.FallbackNeeded || len(fused.Candidates) == 0 {
		logger.Debug("Skipping LLM call, no retrieval context", zap.String("query", query))
		return fallback()
	}

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: answerSystemPrompt,
		UserPrompt:   buildAnswerPrompt(query, fused),
	})
	if err != nil {
		if circuitbreaker.IsOpen(err) {
			logger.Warn("LLM circuit open, using fallback answer")
		} else {
			logger.Warn("LLM call failed, using fallback answer", zap.Error(err))
		}
		return fallback()
	}

	answer, ok := parseAnswer(resp.Content)
	if !ok {
		logger.Warn("LLM returned non-conforming output, using fallback answer",
			zap.String("query", query),
		)
		return fallback()
	}

	logger.Debug("Answer generated",
		zap.Float64("llm_confidence", answer.Confidence),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
	)

	return answer
}

const answerSystemPrompt = `You are a customer support assistant. Answer the user's question using ONLY the provided knowledge base context.

Respond with a single JSON object, nothing else:
{"answer": "...", "confidence": 0.0, "sources": ["source id", ...]}

Rules:
1. Base the answer strictly on the context; do not invent facts.
2. "confidence" is your honesty about how well the context answers the question, between 0.0 and 1.0.
3. "sources" lists the ids of the context entries you used.
4. If the context does not cover the question, say so in the answer and report a low confidence.`

func buildAnswerPrompt(query string, fused retrieval.FusedContext) string {
	var sb strings.Builder
	sb.WriteString("Knowledge base context:\n")

	for i, cand := range fused.Candidates {
		snippet := cand.Snippet
		if len(snippet) > maxSnippetChars {
			snippet = snippet[:maxSnippetChars]
		}
		entry := fmt.Sprintf("\n[%s] %s\n%s\n", cand.ID, cand.Title, snippet)
		if sb.Len()+len(entry) > maxPromptChars {
			logger.Debug("Prompt budget reached", zap.Int("included", i))
			break
		}
		sb.WriteString(entry)
	}

	sb.WriteString("\nQuestion: ")
	sb.WriteString(query)
	sb.WriteString("\n\nReturn the JSON object only.")

	return sb.String()
}

func parseAnswer(content string) (GeneratedAnswer, bool) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return GeneratedAnswer{}, false
	}

	var parsed struct {
		Answer     string   `json:"answer"`
		Confidence float64  `json:"confidence"`
		Sources    []string `json:"sources"`
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &parsed); err != nil {
		return GeneratedAnswer{}, false
	}

	if strings.TrimSpace(parsed.Answer) == "" {
		return GeneratedAnswer{}, false
	}
	if parsed.Confidence < 0 {
		parsed.Confidence = 0
	}
	if parsed.Confidence > 1 {
		parsed.Confidence = 1
	}

	return GeneratedAnswer{
		Answer:           parsed.Answer,
		Confidence:       parsed.Confidence,
		SuggestedSources: parsed.Sources,
	}, true
}

func fallback() GeneratedAnswer {
	return GeneratedAnswer{
		Answer:     fallbackAnswer,
		Confidence: FallbackConfidence,
		Fallback:   true,
	}
}

func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		},
		{
			Role:    openai.ChatMessageRoleUser,
			Content: req.UserPrompt,
		},
	}

	var result *CompletionResponse

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateChatCompletion(
				ctx,
				openai.ChatCompletionRequest{
					Model:       c.model,
					Messages:    messages,
					Temperature: temperature,
					MaxTokens:   maxTokens,
				},
			)
			if err != nil {
				return fmt.Errorf("failed to create completion: %w", err)
			}
			if len(resp.Choices) == 0 {
				return fmt.Errorf("completion returned no choices")
			}

			result = &CompletionResponse{
				Content: resp.Choices[0].Message.Content,
				Usage: Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				},
			}

			metrics.LLMTokensUsed.WithLabelValues(c.model, "prompt").Add(float64(resp.Usage.PromptTokens))
			metrics.LLMTokensUsed.WithLabelValues(c.model, "completion").Add(float64(resp.Usage.CompletionTokens))

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var embedding []float32

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateEmbeddings(
				ctx,
				openai.EmbeddingRequest{
					Input: []string{text},
					Model: openai.EmbeddingModel(c.embeddingModel),
				},
			)
			if err != nil {
				return fmt.Errorf("failed to generate embedding: %w", err)
			}
			if len(resp.Data) == 0 {
				return fmt.Errorf("embedding response was empty")
			}

			embedding = make([]float32, len(resp.Data[0].Embedding))
			copy(embedding, resp.Data[0].Embedding)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return embedding, nil
}

func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var embeddings [][]float32

	batchSize := 100
	for i := 0; i < len(texts); i += batchSize {
		end := i + batchSize
		if end > len(texts) {
			end = len(texts)
		}

		batch := texts[i:end]

		err := c.cb.Execute(ctx, func() error {
			return retry.Do(ctx, c.retryConfig, func() error {
				resp, err := c.client.CreateEmbeddings(
					ctx,
					openai.EmbeddingRequest{
						Input: batch,
						Model: openai.EmbeddingModel(c.embeddingModel),
					},
				)
				if err != nil {
					return fmt.Errorf("failed to generate batch embeddings: %w", err)
				}

				for _, data := range resp.Data {
					embedding := make([]float32, len(data.Embedding))
					copy(embedding, data.Embedding)
					embeddings = append(embeddings, embedding)
				}

				return nil
			})
		})
		if err != nil {
			return nil, err
		}
	}

	logger.Debug("Batch embeddings generated", zap.Int("count", len(embeddings)))

	return embeddings, nil
}
