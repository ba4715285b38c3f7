package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/supportrag/backend/internal/escalation"
	"github.com/supportrag/backend/internal/llm"
	"github.com/supportrag/backend/internal/metrics"
	"github.com/supportrag/backend/internal/retrieval"
	"github.com/supportrag/backend/internal/storage/models"
	"github.com/supportrag/backend/pkg/config"
	"github.com/supportrag/backend/pkg/logger"
)

// Generator is the answer-generation contract; *llm.Client satisfies it.
type Generator interface {
	GenerateAnswer(ctx context.Context, query string, fused retrieval.FusedContext) llm.GeneratedAnswer
}

// LogStore persists the per-query audit record; *sqlite.Client satisfies it.
type LogStore interface {
	InsertQueryLog(ctx context.Context, entry *models.QueryLogEntry, sources []models.QuerySource) error
	GetTenantSettings(ctx context.Context, tenantID string) (*models.TenantSettings, error)
}

// Escalator hands low-confidence questions to the human side.
type Escalator interface {
	Escalate(ctx context.Context, req escalation.Request) (*models.EscalatedQuestion, error)
}

// ResponseCache is the optional per-tenant answer cache; nil disables it.
type ResponseCache interface {
	GetResponse(ctx context.Context, tenantID, queryHash string, out interface{}) (bool, error)
	SetResponse(ctx context.Context, tenantID, queryHash string, resp interface{}, ttl time.Duration) error
}

type Request struct {
	Query          string
	ConversationID string
	UserID         string
	TenantID       string
	Category       string
	Tags           []string
}

type Response struct {
	Query               string                `json:"query"`
	Response            string                `json:"response"`
	Sources             []retrieval.Candidate `json:"sources"`
	Confidence          float64               `json:"confidence"`
	RetrievalConfidence float64               `json:"retrieval_confidence"`
	LLMConfidence       float64               `json:"llm_confidence"`
	ConversationID      string                `json:"conversation_id"`
	MessageID           string                `json:"message_id"`
	FallbackUsed        bool                  `json:"fallback_used"`
	Escalated           bool                  `json:"escalated"`
	EscalatedQuestionID string                `json:"escalated_question_id,omitempty"`
	LatencyMS           int                   `json:"latency_ms"`
}

type Engine struct {
	keyword   retrieval.Source
	documents *retrieval.DocumentSource
	vector    retrieval.Source
	generator Generator
	logStore  LogStore
	escalator Escalator
	cache     ResponseCache
	cacheTTL  time.Duration
	hashFn    func(string) string
	cfg       config.RetrievalConfig
}

func NewEngine(
	keyword retrieval.Source,
	documents *retrieval.DocumentSource,
	vector retrieval.Source,
	generator Generator,
	logStore LogStore,
	escalator Escalator,
	cfg config.RetrievalConfig,
) *Engine {
	return &Engine{
		keyword:   keyword,
		documents: documents,
		vector:    vector,
		generator: generator,
		logStore:  logStore,
		escalator: escalator,
		cfg:       cfg,
	}
}

// WithCache enables the response cache. hashFn derives the cache key from the
// query text.
func (e *Engine) WithCache(cache ResponseCache, ttl time.Duration, hashFn func(string) string) *Engine {
	e.cache = cache
	e.cacheTTL = ttl
	e.hashFn = hashFn
	return e
}

// settings are the effective per-tenant pipeline knobs: the config defaults
// overridden by the tenant's settings row when one exists.
type settings struct {
	retrievalWeight     float64
	llmWeight           float64
	fallbackThreshold   float64
	escalationThreshold float64
	fallbackMessage     string
	enableVector        bool
}

func (e *Engine) effectiveSettings(ctx context.Context, tenantID string) settings {
	s := settings{
		retrievalWeight:     e.cfg.RetrievalWeight,
		llmWeight:           e.cfg.LLMWeight,
		fallbackThreshold:   e.cfg.FallbackThreshold,
		escalationThreshold: e.cfg.EscalationThreshold,
		fallbackMessage:     e.cfg.FallbackMessage,
		enableVector:        e.cfg.EnableVector,
	}

	override, err := e.logStore.GetTenantSettings(ctx, tenantID)
	if err != nil {
		logger.Warn("Failed to load tenant settings, using defaults",
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
		return s
	}
	if override == nil {
		return s
	}

	s.retrievalWeight = override.RetrievalWeight
	s.llmWeight = override.LLMWeight
	s.fallbackThreshold = override.FallbackThreshold
	s.escalationThreshold = override.EscalationThreshold
	if override.FallbackMessage != "" {
		s.fallbackMessage = override.FallbackMessage
	}
	s.enableVector = s.enableVector && override.EnableVector

	return s
}

// Process runs one query through the full pipeline: concurrent retrieval,
// fusion, generation, confidence combination, fallback and escalation gates,
// then the single atomic query-log write.
func (e *Engine) Process(ctx context.Context, req Request) (*Response, error) {
	startTime := time.Now()

	messageID := uuid.New().String()
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.New().String()
	}

	logger.Info("Processing query",
		zap.String("message_id", messageID),
		zap.String("tenant_id", req.TenantID),
	)

	tenantSettings := e.effectiveSettings(ctx, req.TenantID)

	if cached := e.lookupCache(ctx, req, messageID, conversationID, startTime); cached != nil {
		return cached, nil
	}

	bySource := e.retrieve(ctx, req, tenantSettings)
	fused := retrieval.Fuse(bySource, e.cfg.TopK)

	generated := e.generator.GenerateAnswer(ctx, req.Query, fused)

	combined := tenantSettings.retrievalWeight*fused.RetrievalConfidence +
		tenantSettings.llmWeight*generated.Confidence

	answer := generated.Answer
	fallbackUsed := false
	if combined < tenantSettings.fallbackThreshold {
		answer = tenantSettings.fallbackMessage
		fallbackUsed = true
		metrics.FallbackTotal.Inc()
	}

	escalated := false
	escalatedID := ""
	if combined < tenantSettings.escalationThreshold {
		escalated, escalatedID = e.escalate(ctx, req, conversationID, answer, combined)
	}

	latency := int(time.Since(startTime).Milliseconds())

	sources := fused.Candidates
	if sources == nil {
		sources = []retrieval.Candidate{}
	}

	e.writeLog(ctx, &models.QueryLogEntry{
		MessageID:           messageID,
		ConversationID:      conversationID,
		TenantID:            req.TenantID,
		UserID:              req.UserID,
		QueryText:           req.Query,
		AnswerText:          answer,
		RetrievalConfidence: fused.RetrievalConfidence,
		LLMConfidence:       generated.Confidence,
		CombinedConfidence:  combined,
		FallbackUsed:        fallbackUsed,
		Escalated:           escalated,
		LatencyMS:           latency,
		CreatedAt:           time.Now(),
	}, sources)

	metrics.QueryTotal.WithLabelValues(statusLabel(fallbackUsed)).Inc()
	metrics.CombinedConfidence.Observe(combined)
	metrics.QueryDuration.WithLabelValues(statusLabel(fallbackUsed)).Observe(time.Since(startTime).Seconds())

	resp := &Response{
		Query:               req.Query,
		Response:            answer,
		Sources:             sources,
		Confidence:          combined,
		RetrievalConfidence: fused.RetrievalConfidence,
		LLMConfidence:       generated.Confidence,
		ConversationID:      conversationID,
		MessageID:           messageID,
		FallbackUsed:        fallbackUsed,
		Escalated:           escalated,
		EscalatedQuestionID: escalatedID,
		LatencyMS:           latency,
	}

	e.storeCache(ctx, req, resp)

	logger.Info("Query processed",
		zap.String("message_id", messageID),
		zap.Float64("combined_confidence", combined),
		zap.Bool("fallback_used", fallbackUsed),
		zap.Bool("escalated", escalated),
		zap.Int("latency_ms", latency),
	)

	return resp, nil
}

// retrieve fans out to the enabled sources concurrently. A failing or slow
// source contributes zero candidates; the pipeline never aborts on retrieval.
func (e *Engine) retrieve(ctx context.Context, req Request, s settings) [][]retrieval.Candidate {
	sources := []retrieval.Source{e.keyword}

	docs := e.documents
	if req.Category != "" || len(req.Tags) > 0 {
		docs = docs.WithFilters(req.Category, req.Tags)
	}
	sources = append(sources, docs)

	if s.enableVector && e.vector != nil {
		sources = append(sources, e.vector)
	}

	timeout := time.Duration(e.cfg.SourceTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	results := make([][]retrieval.Candidate, len(sources))
	var wg sync.WaitGroup

	for i, source := range sources {
		wg.Add(1)
		go func(i int, source retrieval.Source) {
			defer wg.Done()

			srcCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			topK := e.cfg.SourceTopK
			threshold := 0.0
			if source.Name() == retrieval.SourceVector {
				topK = e.cfg.VectorTopK
				threshold = e.cfg.VectorThreshold
			}

			candidates, err := source.Search(srcCtx, req.Query, req.TenantID, topK, threshold)
			if err != nil {
				logger.Warn("Retrieval source failed",
					zap.String("source", source.Name()),
					zap.String("tenant_id", req.TenantID),
					zap.Error(err),
				)
				metrics.RetrievalErrors.WithLabelValues(source.Name()).Inc()
				return
			}

			metrics.RetrievalResults.WithLabelValues(source.Name()).Observe(float64(len(candidates)))
			results[i] = candidates
		}(i, source)
	}

	wg.Wait()
	return results
}

func (e *Engine) escalate(ctx context.Context, req Request, conversationID, answer string, combined float64) (bool, string) {
	if e.escalator == nil {
		return false, ""
	}

	q, err := e.escalator.Escalate(ctx, escalation.Request{
		ConversationID: conversationID,
		TenantID:       req.TenantID,
		Question:       req.Query,
		OriginalAnswer: answer,
		Confidence:     combined,
	})
	if err != nil {
		// Best-effort: the user still gets their answer.
		logger.Error("Escalation failed",
			zap.String("tenant_id", req.TenantID),
			zap.Error(err),
		)
		return false, ""
	}

	metrics.EscalationTotal.Inc()
	return true, q.ID
}

// writeLog performs the single append-only audit write. A failure must not
// take down the already-computed response.
func (e *Engine) writeLog(ctx context.Context, entry *models.QueryLogEntry, candidates []retrieval.Candidate) {
	sources := make([]models.QuerySource, 0, len(candidates))
	for _, c := range candidates {
		sources = append(sources, models.QuerySource{
			MessageID:  entry.MessageID,
			SourceType: c.SourceType,
			SourceID:   c.ID,
			Title:      c.Title,
			Snippet:    c.Snippet,
			Score:      c.Score,
		})
	}

	if err := e.logStore.InsertQueryLog(ctx, entry, sources); err != nil {
		logger.Error("Failed to write query log entry",
			zap.String("message_id", entry.MessageID),
			zap.Error(err),
		)
	}
}

// cachedAnswer is what the response cache stores: everything except the
// per-turn identifiers, which are minted fresh on every hit so each served
// query still gets its own log entry.
type cachedAnswer struct {
	Response            string                `json:"response"`
	Sources             []retrieval.Candidate `json:"sources"`
	Confidence          float64               `json:"confidence"`
	RetrievalConfidence float64               `json:"retrieval_confidence"`
	LLMConfidence       float64               `json:"llm_confidence"`
}

func (e *Engine) lookupCache(ctx context.Context, req Request, messageID, conversationID string, startTime time.Time) *Response {
	if e.cache == nil || req.Category != "" || len(req.Tags) > 0 {
		return nil
	}

	var cached cachedAnswer
	hit, err := e.cache.GetResponse(ctx, req.TenantID, e.hashFn(req.Query), &cached)
	if err != nil {
		logger.Warn("Response cache lookup failed", zap.Error(err))
		return nil
	}
	if !hit {
		metrics.CacheMisses.WithLabelValues("response").Inc()
		return nil
	}

	metrics.CacheHits.WithLabelValues("response").Inc()

	latency := int(time.Since(startTime).Milliseconds())

	e.writeLog(ctx, &models.QueryLogEntry{
		MessageID:           messageID,
		ConversationID:      conversationID,
		TenantID:            req.TenantID,
		UserID:              req.UserID,
		QueryText:           req.Query,
		AnswerText:          cached.Response,
		RetrievalConfidence: cached.RetrievalConfidence,
		LLMConfidence:       cached.LLMConfidence,
		CombinedConfidence:  cached.Confidence,
		LatencyMS:           latency,
		CreatedAt:           time.Now(),
	}, cached.Sources)

	return &Response{
		Query:               req.Query,
		Response:            cached.Response,
		Sources:             cached.Sources,
		Confidence:          cached.Confidence,
		RetrievalConfidence: cached.RetrievalConfidence,
		LLMConfidence:       cached.LLMConfidence,
		ConversationID:      conversationID,
		MessageID:           messageID,
		LatencyMS:           latency,
	}
}

// storeCache caches only clean answers: a fallback or escalated response must
// re-run the pipeline (and its escalation gate) on every occurrence.
func (e *Engine) storeCache(ctx context.Context, req Request, resp *Response) {
	if e.cache == nil || resp.FallbackUsed || resp.Escalated || req.Category != "" || len(req.Tags) > 0 {
		return
	}

	err := e.cache.SetResponse(ctx, req.TenantID, e.hashFn(req.Query), cachedAnswer{
		Response:            resp.Response,
		Sources:             resp.Sources,
		Confidence:          resp.Confidence,
		RetrievalConfidence: resp.RetrievalConfidence,
		LLMConfidence:       resp.LLMConfidence,
	}, e.cacheTTL)
	if err != nil {
		logger.Warn("Failed to cache response", zap.Error(err))
	}
}

func statusLabel(fallbackUsed bool) string {
	if fallbackUsed {
		return "fallback"
	}
	return "answered"
}
