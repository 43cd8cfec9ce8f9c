package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pixelforge/studio/internal/config"
	"github.com/pixelforge/studio/internal/notify"
	"github.com/pixelforge/studio/internal/orchestrator"
	"github.com/pixelforge/studio/internal/queue"
	"github.com/pixelforge/studio/internal/store"
	"github.com/pixelforge/studio/internal/worker"
	"github.com/pixelforge/studio/pkg/models"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the background worker process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker()
		},
	}
}

func runWorker() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Store.Backend != config.BackendRedis {
		return errors.New("worker requires STUDIO_BACKEND=redis, memory-mode jobs run inside the serve process")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisStore, err := store.NewRedisStore(cfg.Store.RedisURL)
	if err != nil {
		return fmt.Errorf("create redis store: %w", err)
	}
	defer redisStore.Close()
	if err := redisStore.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	manager := orchestrator.NewManager(orchestrator.ManagerConfig{
		Store:     redisStore,
		Hub:       notify.NewHub(),
		Publisher: redisStore,
	})
	defer manager.Close()

	registry := builtinRegistry()

	var wg sync.WaitGroup
	for i := 0; i < cfg.Queue.WorkerConcurrency; i++ {
		source, err := queue.NewRedisQueue(ctx, queue.RedisQueueConfig{
			URL:   cfg.Store.RedisURL,
			Lanes: cfg.Queue.Lanes,
			Block: cfg.Queue.BlockTimeout,
		})
		if err != nil {
			return fmt.Errorf("create redis queue: %w", err)
		}
		defer source.Close()

		runner := worker.NewRunner(source, registry, manager, slog.Default().With("runner", i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("runner stopped", "error", err)
			}
		}()
	}
	slog.Info("workers started", "concurrency", cfg.Queue.WorkerConcurrency)

	wg.Wait()
	slog.Info("workers stopped")
	return nil
}

// builtinRegistry wires the simulated pipeline tasks. They step through the
// lifecycle with honest progress and cancellation checkpoints; real model
// backends replace them per deployment.
func builtinRegistry() *worker.Registry {
	r := worker.NewRegistry()
	r.Register(models.JobTypeAnalyze, stepTask(4, 200*time.Millisecond))
	r.Register(models.JobTypeGenerateImage, stepTask(6, 500*time.Millisecond))
	r.Register(models.JobTypeGenerateThumbnail, stepTask(3, 200*time.Millisecond))
	return r
}

// stepTask returns a task that walks a fixed number of steps, reporting
// progress at each and stopping early on cancellation.
func stepTask(steps int, perStep time.Duration) worker.TaskFunc {
	return func(ctx context.Context, tc *worker.TaskContext) (json.RawMessage, error) {
		for i := 1; i <= steps; i++ {
			if tc.Cancelled(ctx) {
				return nil, worker.ErrJobCancelled
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(perStep):
			}
			progress := float64(i) / float64(steps)
			if err := tc.Step(ctx, progress, fmt.Sprintf("step %d of %d", i, steps), i); err != nil {
				return nil, err
			}
		}
		return json.Marshal(map[string]any{"steps": steps})
	}
}
