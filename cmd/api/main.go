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
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/crag-agent/backend/internal/api/handlers"
	cache "github.com/crag-agent/backend/internal/cache/redis"
	"github.com/crag-agent/backend/internal/crag"
	"github.com/crag-agent/backend/internal/factgraph"
	"github.com/crag-agent/backend/internal/llm"
	"github.com/crag-agent/backend/internal/metrics"
	"github.com/crag-agent/backend/internal/middleware/ratelimit"
	"github.com/crag-agent/backend/internal/middleware/security"
	"github.com/crag-agent/backend/internal/middleware/validation"
	"github.com/crag-agent/backend/internal/retrieval"
	"github.com/crag-agent/backend/internal/retrieval/vector"
	"github.com/crag-agent/backend/internal/retrieval/web"
	"github.com/crag-agent/backend/internal/storage/sqlite"
	"github.com/crag-agent/backend/pkg/config"
	appLogger "github.com/crag-agent/backend/pkg/logger"
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

	appLogger.Info("Starting Corrective RAG API Server",
		zap.String("profile", cfg.CRAG.Profile),
		zap.Float64("quality_threshold", cfg.CRAG.QualityThreshold),
		zap.Int("max_iterations", cfg.CRAG.MaxIterations),
	)

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

	graphClient, err := factgraph.NewClient(
		cfg.Neo4j.URI,
		cfg.Neo4j.Username,
		cfg.Neo4j.Password,
		cfg.Neo4j.Database,
	)
	if err != nil {
		appLogger.Fatal("Failed to create fact graph client", zap.Error(err))
	}
	defer graphClient.Close(context.Background())

	vectorClient, err := vector.NewClient(
		cfg.Milvus.Endpoint,
		cfg.Milvus.APIKey,
		cfg.Milvus.CollectionName,
		cfg.Milvus.VectorDim,
	)
	if err != nil {
		appLogger.Fatal("Failed to create vector store client", zap.Error(err))
	}
	defer vectorClient.Close()

	err = vectorClient.CreateCollection(context.Background())
	if err != nil {
		appLogger.Fatal("Failed to create collection", zap.Error(err))
	}

	cacheClient, err := cache.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		appLogger.Warn("Redis unavailable, running without result cache", zap.Error(err))
		cacheClient = nil
	} else {
		defer cacheClient.Close()
	}

	llmClient := llm.NewClient(
		cfg.LLM.APIKey,
		cfg.LLM.Model,
		cfg.LLM.JudgeModel,
		cfg.LLM.EmbeddingModel,
		cfg.LLM.Temperature,
		cfg.LLM.MaxTokens,
	)

	var webClient *web.Client
	if cfg.Web.Enabled {
		webClient = web.NewClient(time.Duration(cfg.Web.TimeoutSec)*time.Second, cfg.Web.MaxResults)
	}

	var embCache retrieval.EmbeddingCache
	if cacheClient != nil {
		embCache = cacheClient
	}
	retriever := retrieval.NewRetriever(vectorClient, webClient, graphClient, llmClient, embCache)

	perCallTimeout := time.Duration(cfg.CRAG.PerCallTimeoutSec * float64(time.Second))

	assessor, err := crag.NewAssessor(crag.DefaultWeights(), llmClient, perCallTimeout)
	if err != nil {
		appLogger.Fatal("Failed to create assessor", zap.Error(err))
	}

	corrector := crag.NewCorrector(retriever, llmClient, cfg.CRAG.TrustFloor, perCallTimeout)

	engine := crag.NewEngine(assessor, corrector, retriever, llmClient, crag.Options{
		QualityThreshold:    cfg.CRAG.QualityThreshold,
		MaxIterations:       cfg.CRAG.MaxIterations,
		MinImprovementFloor: cfg.CRAG.MinImprovementFloor,
		PerCallTimeout:      perCallTimeout,
		ParallelLimit:       cfg.CRAG.ParallelProcessingLimit,
	})

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Client-ID",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{}))

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: 60,
		Logger:               appLogger.GetLogger(),
	})
	defer limiter.Stop()

	cacheTTL := time.Duration(cfg.CRAG.ResultCacheTTLSec) * time.Second
	queryHandler := handlers.NewQueryHandler(engine, cacheClient, sqliteClient, cacheTTL)
	passageHandler := handlers.NewPassageHandler(vectorClient, graphClient, llmClient, cacheClient)
	wsHandler := handlers.NewWebSocketHandler(engine)

	api := app.Group("/api/v1")
	api.Use(limiter.Middleware())
	api.Use(validation.Middleware(validation.Config{
		Logger: appLogger.GetLogger(),
	}))

	api.Post("/query", queryHandler.HandleQuery)
	api.Post("/query/batch", queryHandler.HandleBatch)
	api.Get("/runs", queryHandler.GetRecentRuns)
	api.Get("/runs/:id", queryHandler.GetRun)
	api.Get("/performance", queryHandler.GetPerformance)

	api.Post("/passages", passageHandler.HandleIngest)

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ready",
		})
	})

	app.Get("/metrics", metrics.MetricsHandler())

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(wsHandler.HandleConnection))

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
