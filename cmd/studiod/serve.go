package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/pixelforge/studio/internal/api"
	"github.com/pixelforge/studio/internal/api/handler"
	"github.com/pixelforge/studio/internal/config"
	"github.com/pixelforge/studio/internal/metrics"
	"github.com/pixelforge/studio/internal/notify"
	"github.com/pixelforge/studio/internal/orchestrator"
	"github.com/pixelforge/studio/internal/queue"
	"github.com/pixelforge/studio/internal/store"
	"github.com/pixelforge/studio/internal/worker"
	"github.com/pixelforge/studio/pkg/models"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe()
		},
	}
}

// logDecisionSink surfaces pending human decisions in the log stream. Real
// deployments swap in a sink that pushes to the review UI.
type logDecisionSink struct{}

func (logDecisionSink) SurfaceDecision(_ context.Context, job *models.Job, actions []string) {
	slog.Info("decision required",
		"job_id", job.ID,
		"title", job.Title,
		"actions", actions,
	)
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "backend", cfg.Store.Backend, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	hub := notify.NewHub()

	// Store selection. An unreachable Redis degrades to the in-memory store
	// so the API stays up; state is then process-local.
	backend := cfg.Store.Backend
	var (
		jobStore   store.Store
		redisStore *store.RedisStore
	)
	if backend == config.BackendRedis {
		redisStore, err = store.NewRedisStore(cfg.Store.RedisURL)
		if err == nil {
			err = redisStore.Ping(ctx)
		}
		if err != nil {
			slog.Warn("redis unreachable, falling back to in-memory store", "error", err)
			redisStore = nil
			backend = config.BackendMemory
		} else {
			jobStore = redisStore
			slog.Info("redis connected")
		}
	}
	if jobStore == nil {
		jobStore = store.NewMemoryStore()
	}
	defer jobStore.Close()

	var (
		relay     *notify.Relay
		publisher orchestrator.Publisher
	)
	if redisStore != nil {
		relay = notify.NewRelay(redisStore, hub)
		relay.Start(ctx)
		defer relay.Close()
		publisher = redisStore
	}

	manager := orchestrator.NewManager(orchestrator.ManagerConfig{
		Store:     jobStore,
		Hub:       hub,
		Publisher: publisher,
		Relay:     relay,
		Metrics:   collector,
		Decisions: logDecisionSink{},
	})
	defer manager.Close()
	manager.StartCleanup(ctx, cfg.Store.CleanupInterval, cfg.Store.JobRetention)

	// Dispatch layer. With Redis the workers are separate processes; in
	// memory mode an in-process runner drains the queue instead.
	var dispatcher queue.Dispatcher
	if redisStore != nil {
		rq, err := queue.NewRedisQueue(ctx, queue.RedisQueueConfig{
			URL:     cfg.Store.RedisURL,
			Lanes:   cfg.Queue.Lanes,
			Block:   cfg.Queue.BlockTimeout,
			Metrics: collector,
		})
		if err != nil {
			return fmt.Errorf("create redis queue: %w", err)
		}
		defer rq.Close()
		dispatcher = rq
	} else {
		mq := queue.NewMemoryQueue(cfg.Queue.Lanes, collector)
		dispatcher = mq
		runner := worker.NewRunner(mq, builtinRegistry(), manager, slog.Default())
		go func() {
			if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("in-process runner stopped", "error", err)
			}
		}()
	}

	approvalHook := func(_ context.Context, job *models.Job) {
		slog.Info("job approved", "job_id", job.ID, "title", job.Title)
	}

	deps := api.Dependencies{
		HealthHandler:     handler.NewHealthHandler(jobStore, backend),
		SubmitHandler:     handler.NewSubmitHandler(manager, dispatcher),
		ListJobsHandler:   handler.NewListJobsHandler(manager),
		GetJobHandler:     handler.NewGetJobHandler(manager),
		CancelHandler:     handler.NewCancelHandler(manager),
		DeleteHandler:     handler.NewDeleteHandler(manager),
		RespondHandler:    handler.NewRespondHandler(manager, approvalHook),
		StreamHandler:     handler.NewStreamHandler(hub, cfg.Stream.KeepaliveInterval, collector),
		QueueStatsHandler: handler.NewQueueStatsHandler(dispatcher),
		MetricsHandler:    promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	router := api.NewRouter(deps)

	// No WriteTimeout: the SSE stream is long-lived.
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}
