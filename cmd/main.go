package main

import (
	"context"
	"fmt"
	"os"

	"github.com/reelsmith/reelsmith-backend/internal/clients/redis"
	"github.com/reelsmith/reelsmith-backend/internal/config"
	"github.com/reelsmith/reelsmith-backend/internal/db"
	"github.com/reelsmith/reelsmith-backend/internal/handlers"
	"github.com/reelsmith/reelsmith-backend/internal/logger"
	"github.com/reelsmith/reelsmith-backend/internal/middleware"
	"github.com/reelsmith/reelsmith-backend/internal/repos"
	"github.com/reelsmith/reelsmith-backend/internal/server"
	"github.com/reelsmith/reelsmith-backend/internal/services"
	"github.com/reelsmith/reelsmith-backend/internal/sse"
	"github.com/reelsmith/reelsmith-backend/internal/utils"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Config
	cfg, err := config.Load()
	if err != nil {
		log.Error("Config load failed", "error", err)
		os.Exit(1)
	}
	cfg.Worker.Concurrency = utils.GetEnvAsInt("WORKER_CONCURRENCY", cfg.Worker.Concurrency, log)

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Warn("Postgres auto migration failed", "error", err)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up Repos from main...")
	projectRepo := repos.NewProjectRepo(thePG, log)
	sceneRepo := repos.NewSceneRepo(thePG, log)
	messageRepo := repos.NewMessageRepo(thePG, log)
	assetRepo := repos.NewAssetRepo(thePG, log)
	memoryRepo := repos.NewMemoryRepo(thePG, log)
	runRepo := repos.NewGenerationRunRepo(thePG, log)
	callLogRepo := repos.NewAICallLogRepo(thePG, log)

	// SSE
	log.Info("Setting up SSE hub now...")
	sseHub := sse.NewSSEHub(log)

	var sseBus redis.SSEBus
	if os.Getenv("REDIS_ADDR") != "" {
		sseBus, err = redis.NewSSEBus(log)
		if err != nil {
			log.Error("Could not init redis SSE bus", "error", err)
			os.Exit(1)
		}
		if err := sseBus.StartForwarder(context.Background(), func(m sse.SSEMessage) {
			sseHub.Broadcast(m)
		}); err != nil {
			log.Error("Could not start redis SSE forwarder", "error", err)
			os.Exit(1)
		}
	} else {
		log.Info("REDIS_ADDR not set; SSE events stay instance-local")
	}

	// Services
	log.Info("Setting up Services from main...")
	synchronizer := services.NewSynchronizer(log, sseHub, sseBus)
	openaiClient, err := services.NewOpenAIClient(log, cfg.OpenAI)
	if err != nil {
		log.Error("Could not init OpenAIClient", "error", err)
		os.Exit(1)
	}
	authService, err := services.NewAuthService(log)
	if err != nil {
		log.Error("Could not init AuthService", "error", err)
		os.Exit(1)
	}

	sceneLocks := services.NewSceneLocks()
	validator := services.NewCodeValidator(log)
	pipeline := services.NewPipeline(log, cfg.Generation, openaiClient, callLogRepo)
	contextBuilder := services.NewContextBuilder(log, cfg.Generation, projectRepo, messageRepo, assetRepo, memoryRepo, sceneRepo)
	intentResolver := services.NewIntentResolver(log, cfg.Generation.FPS)
	sceneTools := services.NewSceneTools(log, cfg.Generation, sceneRepo, assetRepo, pipeline, validator, sceneLocks)
	generationService := services.NewGenerationService(
		log,
		cfg.Generation,
		cfg.Worker,
		services.GormTxRunner(thePG),
		runRepo,
		messageRepo,
		memoryRepo,
		contextBuilder,
		intentResolver,
		sceneTools,
		synchronizer,
	)
	projectService := services.NewProjectService(log, projectRepo, sceneRepo, messageRepo, sceneLocks, synchronizer)
	assetService := services.NewAssetService(log, assetRepo, synchronizer)

	go generationService.StartWorker(context.Background())

	// Handlers
	log.Info("Setting up handlers from main...")
	projectHandler := handlers.NewProjectHandler(log, projectService)
	assetHandler := handlers.NewAssetHandler(log, assetService, projectService)
	generateHandler := handlers.NewGenerateHandler(log, generationService, projectService)
	runHandler := handlers.NewRunHandler(log, generationService, projectService)
	sseHandler := handlers.NewSSEHandler(log, sseHub, projectService)

	// Middleware
	log.Info("Setting up middleware from main...")
	authMiddleware := middleware.NewAuthMiddleware(log, authService, synchronizer)

	// Router
	log.Info("Setting up router from main...")
	router := server.NewRouter(server.RouterConfig{
		AuthMiddleware:  authMiddleware,
		ProjectHandler:  projectHandler,
		AssetHandler:    assetHandler,
		GenerateHandler: generateHandler,
		RunHandler:      runHandler,
		SSEHandler:      sseHandler,
	})

	port := utils.GetEnv("PORT", "8080", log)
	fmt.Printf("Server listening on :%s\n", port)
	if err := router.Run(":" + port); err != nil {
		log.Error("Server failed", "error", err)
	}
}
