package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/vinylatlas/api/internal/client"
	"github.com/vinylatlas/api/internal/config"
	"github.com/vinylatlas/api/internal/handler"
	"github.com/vinylatlas/api/internal/logger"
	"github.com/vinylatlas/api/internal/middleware"
	"github.com/vinylatlas/api/internal/service"
	"github.com/vinylatlas/api/internal/store"
	"github.com/vinylatlas/api/internal/worker"
	ws "github.com/vinylatlas/api/internal/websocket"
	"github.com/vinylatlas/api/pkg/response"
)

func main() {
	// .env is optional; real deployments use the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.New(&cfg.Server)

	// Redis backs the durable job store, the asynq queue, and the inbound
	// rate limiter. The job store degrades to memory if it is unreachable.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Warn("redis not available, job store will run in-memory", "error", err)
	}

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer asynqClient.Close()

	validate := validator.New()

	hub := ws.NewHub()
	go hub.Run()

	jobStore := store.NewFallbackStore(
		store.NewRedisStore(redisClient, cfg.Analysis.JobRetention), log)

	discogsClient := client.NewDiscogsClient(&cfg.Discogs, log)

	// Result archive is optional; runs fine without it.
	var archive client.StorageClient
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		r2Client, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			log.Warn("result archive not initialized", "error", err)
		} else {
			archive = r2Client
		}
	} else {
		log.Info("result archive not configured, completed results expire with the job store")
	}

	analyzeService := service.NewAnalyzeService(jobStore, asynqClient, cfg.Analysis.JobRetention, log)
	analyzeHandler := handler.NewAnalyzeHandler(analyzeService, validate)

	authMiddleware := middleware.NewAuthMiddleware(cfg.JWT.Secret)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
	})

	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams}\n"
	}
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"redis":   redisClient.Ping(c.Context()).Err() == nil,
				"archive": archive != nil,
				"auth":    cfg.JWT.Secret != "",
			},
		})
	})

	api := app.Group("/api", authMiddleware.Authenticate())
	api.Post("/analyze", rateLimiter.AnalyzeLimit(cfg.RateLimit.AnalyzePerHour), analyzeHandler.Analyze)
	api.Get("/status/:jobId", analyzeHandler.Status)
	api.Get("/result/:jobId", analyzeHandler.Result)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		hub.HandleConnection(c, c.Params("jobId"))
	}))

	// The asynq worker runs in-process beside the HTTP server.
	go startWorkerServer(cfg, jobStore, discogsClient, hub, archive, log)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error("server shutdown", "error", err)
		}
	}()

	addr := ":" + cfg.Server.Port
	log.Info("server starting", "addr", addr)
	if err := app.Listen(addr); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}

func startWorkerServer(
	cfg *config.Config,
	jobStore store.Store,
	discogsClient *client.DiscogsClient,
	hub *ws.Hub,
	archive client.StorageClient,
	log *slog.Logger,
) {
	asynqLogLevel := asynq.InfoLevel
	switch strings.ToLower(cfg.Server.LogLevel) {
	case "debug":
		asynqLogLevel = asynq.DebugLevel
	case "warn", "warning":
		asynqLogLevel = asynq.WarnLevel
	case "error":
		asynqLogLevel = asynq.ErrorLevel
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			// Each run is internally sequential; concurrency here only
			// bounds how many distinct jobs process at once.
			Concurrency: 4,
			Queues: map[string]int{
				"analyze": 10,
			},
			LogLevel: asynqLogLevel,
		},
	)

	pipeline := worker.NewPipeline(jobStore, discogsClient, &cfg.Analysis, hub, archive, log)
	analyzeWorker := worker.NewAnalyzeWorker(pipeline, log)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeAnalyze, analyzeWorker.ProcessTask)

	if err := srv.Run(mux); err != nil {
		log.Error("asynq worker error", "error", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(response.ErrorResponse{
		Error: response.ErrorDetail{
			Code:    response.CodeServiceError,
			Message: message,
		},
	})
}
