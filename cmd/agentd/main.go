package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"agentforge.dev/executor/common/id"
	"agentforge.dev/executor/common/llm"
	"agentforge.dev/executor/common/logger"
	"agentforge.dev/executor/common/otel"
	"agentforge.dev/executor/core/config"
	"agentforge.dev/executor/core/db"
	"agentforge.dev/executor/internal/capability"
	"agentforge.dev/executor/internal/checkpoint"
	"agentforge.dev/executor/internal/coordinator"
	"agentforge.dev/executor/internal/eventbus"
	"agentforge.dev/executor/internal/http/handler"
	"agentforge.dev/executor/internal/http/middleware"
	httprouter "agentforge.dev/executor/internal/http/router"
	"agentforge.dev/executor/internal/notifier"
	"agentforge.dev/executor/internal/queue"
	"agentforge.dev/executor/internal/registry"
	"agentforge.dev/executor/internal/runner"
	"agentforge.dev/executor/internal/worker"
)

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeServer)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	// OTel must init before logger (logger uses OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		// Can't use slog yet, OTel failed before logger setup
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	if telemetry != nil {
		slog.InfoContext(ctx, "otel initialized", "endpoint", cfg.OTel.Endpoint)
	} else {
		slog.InfoContext(ctx, "otel disabled (no endpoint configured)")
	}

	slog.InfoContext(ctx, "agent executor starting", "env", cfg.Env, "service", cfg.OTel.ServiceName)
	if err := id.Init(1); err != nil {
		slog.ErrorContext(ctx, "failed to initialize snowflake id generator", "error", err)
		os.Exit(1)
	}

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	slog.InfoContext(ctx, "database connected")

	checkpoints := checkpoint.New(database)
	if err := checkpoints.Setup(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to set up checkpoint table", "error", err)
		os.Exit(1)
	}

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	slog.InfoContext(ctx, "redis connected", "stream", cfg.Queue.Stream)

	bus := eventbus.New(redisClient, eventbus.Config{Namespace: cfg.EventBus.Namespace})
	states := registry.New(redisClient, cfg.EventBus.StateTTL)
	notify := notifier.New(redisClient, notifier.Config{
		Source:          cfg.Notifier.Source,
		TypePrefix:      cfg.Notifier.TypePrefix,
		CompletedStream: cfg.Notifier.CompletedStream,
		FailedStream:    cfg.Notifier.FailedStream,
	})

	capabilities := capability.NewRegistry()
	graphRunner := runner.NewGraphRunner(checkpoints, capabilities, llm.Config{
		Provider: cfg.AgentLLM.Provider,
		APIKey:   cfg.AgentLLM.APIKey,
		BaseURL:  cfg.AgentLLM.BaseURL,
		Model:    cfg.AgentLLM.Model,
	}, cfg.Runtime.MaxTurns)

	coord := coordinator.New(graphRunner, bus, notify, states)

	consumer, err := queue.NewRedisConsumer(redisClient, queue.ConsumerConfig{
		Stream:       cfg.Queue.Stream,
		Group:        cfg.Queue.Group,
		Consumer:     cfg.Queue.Consumer,
		DLQStream:    cfg.Queue.DLQStream,
		BatchSize:    int64(cfg.Queue.BatchSize),
		Block:        cfg.Queue.Block,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		RequeueDelay: cfg.Queue.RequeueDelay,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create consumer", "error", err)
		os.Exit(1)
	}

	w := worker.New(consumer, coord, worker.Config{MaxAttempts: cfg.Queue.MaxAttempts})

	reclaimer := worker.NewRedisReclaimer(redisClient, worker.RedisReclaimerConfig{
		Stream:   cfg.Queue.Stream,
		Group:    cfg.Queue.Group,
		Consumer: cfg.Queue.Consumer + "-reclaimer",
		MinIdle:  cfg.Queue.MinIdle,
		Interval: cfg.Queue.ReclaimEvery,
	}, consumer, w.HandleReclaimed)

	workerErr := make(chan error, 1)
	go func() {
		workerErr <- w.Run(ctx)
	}()
	go reclaimer.Run(ctx)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := setupRouter(cfg, coord, states, checkpoints, bus, w)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.InfoContext(ctx, "http server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "http server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop taking new work first, then drain in-flight execution.
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
	}
	reclaimer.Stop()
	w.Stop()

	select {
	case err := <-workerErr:
		if err != nil {
			slog.ErrorContext(shutdownCtx, "worker error during shutdown", "error", err)
		}
	case <-shutdownCtx.Done():
		slog.WarnContext(shutdownCtx, "shutdown timeout exceeded")
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "shutdown complete")
}

func setupRouter(
	cfg config.Config,
	coord *coordinator.Coordinator,
	states *registry.Store,
	checkpoints *checkpoint.Store,
	bus *eventbus.Bus,
	w *worker.Worker,
) *gin.Engine {
	router := gin.New()

	// Order matters: OTel creates span, Recovery catches panics, Logger
	// logs with trace context.
	if cfg.OTel.Enabled() {
		router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())
	router.Use(middleware.Metrics())

	execution := handler.NewExecutionHandler(coord, states, checkpoints, bus, cfg.Runtime.StreamDeadline)
	health := handler.NewHealthHandler(
		handler.HealthCheck{Name: "postgres", Check: checkpoints.Health},
		handler.HealthCheck{Name: "redis", Check: bus.Health},
		handler.HealthCheck{Name: "queue", Check: w.Healthy},
	)

	httprouter.SetupRoutes(router, execution, health)
	return router
}

const banner = `
 █████╗  ██████╗ ███████╗███╗   ██╗████████╗    ███████╗██╗  ██╗███████╗ ██████╗
██╔══██╗██╔════╝ ██╔════╝████╗  ██║╚══██╔══╝    ██╔════╝╚██╗██╔╝██╔════╝██╔════╝
███████║██║  ███╗█████╗  ██╔██╗ ██║   ██║       █████╗   ╚███╔╝ █████╗  ██║
██╔══██║██║   ██║██╔══╝  ██║╚██╗██║   ██║       ██╔══╝   ██╔██╗ ██╔══╝  ██║
██║  ██║╚██████╔╝███████╗██║ ╚████║   ██║       ███████╗██╔╝ ██╗███████╗╚██████╗
╚═╝  ╚═╝ ╚═════╝ ╚══════╝╚═╝  ╚═══╝   ╚═╝       ╚══════╝╚═╝  ╚═╝╚══════╝ ╚═════╝
`
