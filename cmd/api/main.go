package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/supportrag/backend/internal/api/handlers"
	redisCache "github.com/supportrag/backend/internal/cache/redis"
	"github.com/supportrag/backend/internal/escalation"
	"github.com/supportrag/backend/internal/evaluation"
	"github.com/supportrag/backend/internal/ingestion"
	"github.com/supportrag/backend/internal/llm"
	"github.com/supportrag/backend/internal/metrics"
	"github.com/supportrag/backend/internal/middleware/auth"
	"github.com/supportrag/backend/internal/middleware/ratelimit"
	"github.com/supportrag/backend/internal/middleware/security"
	"github.com/supportrag/backend/internal/middleware/validation"
	"github.com/supportrag/backend/internal/pipeline"
	"github.com/supportrag/backend/internal/retrieval"
	"github.com/supportrag/backend/internal/storage/sqlite"
	"github.com/supportrag/backend/internal/tenant"
	"github.com/supportrag/backend/internal/vector/milvus"
	"github.com/supportrag/backend/pkg/config"
	appLogger "github.com/supportrag/backend/pkg/logger"
	"github.com/supportrag/backend/pkg/utils"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting support chatbot API server")

	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	err = sqliteClient.InitSchema()
	if err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	llmClient := llm.NewClient(
		cfg.LLM.APIKey,
		cfg.LLM.Model,
		cfg.LLM.EmbeddingModel,
		cfg.LLM.Temperature,
		cfg.LLM.MaxTokens,
		cfg.LLM.TimeoutSec,
	)

	var vectorSource retrieval.Source
	var vectorSrc *retrieval.VectorSource
	var milvusClient *milvus.Client
	if cfg.Retrieval.EnableVector {
		milvusClient, err = milvus.NewClient(
			cfg.Milvus.Endpoint,
			cfg.Milvus.CollectionName,
			cfg.Milvus.VectorDim,
		)
		if err != nil {
			appLogger.Fatal("Failed to create Milvus client", zap.Error(err))
		}
		defer milvusClient.Close()

		err = milvusClient.EnsureCollection(context.Background())
		if err != nil {
			appLogger.Fatal("Failed to ensure vector collection", zap.Error(err))
		}

		vectorSrc = retrieval.NewVectorSource(milvusClient, llmClient)
		vectorSource = vectorSrc
	}

	processor := ingestion.NewProcessor(sqliteClient, milvusClient, llmClient)

	var cache *redisCache.Client
	if cfg.Redis.Enabled {
		cache, err = redisCache.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Fatal("Failed to create Redis client", zap.Error(err))
		}
		defer cache.Close()
		processor.WithCache(cache)
		if vectorSrc != nil {
			vectorSrc.WithEmbeddingCache(cache, time.Duration(cfg.Redis.TTLSec)*time.Second)
		}
	}

	notifier := escalation.NewNotifier()
	escalationEngine := escalation.NewEngine(sqliteClient, processor, notifier, cfg.Escalation.AssignRetries)

	pipelineEngine := pipeline.NewEngine(
		retrieval.NewKeywordSource(sqliteClient),
		retrieval.NewDocumentSource(sqliteClient),
		vectorSource,
		llmClient,
		sqliteClient,
		escalationEngine,
		cfg.Retrieval,
	)
	if cache != nil {
		pipelineEngine.WithCache(cache, time.Duration(cfg.Redis.TTLSec)*time.Second, utils.HashString)
	}

	evaluator := evaluation.NewEvaluator(sqliteClient)
	resolver := tenant.NewResolver(sqliteClient)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	rateLimiter := ratelimit.New(ratelimit.Config{})
	defer rateLimiter.Stop()

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-API-Key",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{}))
	app.Use(auth.Middleware(resolver, "/api/v1/health", "/metrics"))
	app.Use(rateLimiter.Middleware())
	app.Use(validation.Middleware(validation.Config{
		MaxDocumentSize: cfg.Server.BodyLimit,
	}))

	queryHandler := handlers.NewQueryHandler(pipelineEngine)
	feedbackHandler := handlers.NewFeedbackHandler(sqliteClient)
	evaluationHandler := handlers.NewEvaluationHandler(evaluator)
	expertHandler := handlers.NewExpertHandler(escalationEngine)
	documentHandler := handlers.NewDocumentHandler(processor)
	wsHandler := handlers.NewWebSocketHandler(notifier)

	app.Get("/metrics", metrics.MetricsHandler())

	api := app.Group("/api/v1")

	api.Post("/query", queryHandler.HandleQuery)
	api.Post("/feedback", feedbackHandler.SubmitFeedback)
	api.Get("/evaluation", evaluationHandler.GetReport)

	api.Post("/documents", documentHandler.UploadDocument)
	api.Post("/faqs", documentHandler.UploadFAQ)

	api.Get("/escalations", expertHandler.ListEscalations)

	// The feed route must precede the :id routes so "feed" is not captured
	// as an escalation id.
	api.Use("/escalations/feed", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	api.Get("/escalations/feed", websocket.New(wsHandler.HandleConnection))

	api.Get("/escalations/:id", expertHandler.GetEscalation)
	api.Post("/escalations/:id/assign", expertHandler.SelfAssign)
	api.Post("/escalations/:id/start", expertHandler.StartWork)
	api.Post("/escalations/:id/respond", expertHandler.Respond)
	api.Post("/escalations/:id/close", expertHandler.CloseEscalation)

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	app.Shutdown()
	appLogger.Info("Server stopped")
}
