// Command example runs a single Worker processing the "image-resize" stage
// type against a local Job Manager, logging task failures and circuit
// breaker openings as they are observed.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jobnik/worker-sdk/core"
	"github.com/jobnik/worker-sdk/jobmanager"
	"github.com/jobnik/worker-sdk/worker"
)

func main() {
	cfg, err := core.NewConfig(
		core.WithStageType("image-resize"),
		core.WithConcurrency(4),
		core.WithJobManagerURL(envOr("JOBNIK_MANAGER_URL", "http://localhost:3000")),
		core.WithBackoff(core.BackoffConfig{
			InitialBaseRetryDelayMs: 200,
			BackoffFactor:           2.0,
			MaxDelayMs:              10_000,
			MaxJitterFactor:         0.25,
		}),
		core.WithDevelopmentMode(true),
	)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := core.NewProductionLogger(cfg.Logging, cfg.Development, cfg.Name)

	client, err := jobmanager.NewHTTPClient(cfg.JobManager, logger)
	if err != nil {
		log.Fatalf("job manager client: %v", err)
	}

	w, err := worker.New(cfg, worker.Params{
		Handler:   resizeImage,
		APIClient: client,
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf("worker: %v", err)
	}

	w.On(worker.EventTaskFailed, func(e worker.Event) {
		log.Printf("task %s failed: %v", e.TaskID, e.Error)
	})
	w.On(worker.EventCircuitBreakerOpened, func(e worker.Event) {
		log.Printf("circuit breaker %q opened", e.Breaker)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := w.Start(ctx); err != nil {
		log.Fatalf("start: %v", err)
	}
	log.Printf("worker %s started for stage %q", w.ID(), "image-resize")

	<-ctx.Done()
	log.Println("shutdown signal received, draining in-flight tasks")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.Stop(stopCtx); err != nil {
		log.Fatalf("stop: %v", err)
	}
	log.Println("worker stopped cleanly")
}

// resizeImage is a stand-in handler: it logs its task id and job name, waits
// briefly, stamps the task's user metadata, and returns. A real handler would do the
// actual image-resize work and return an error on failure.
func resizeImage(ctx context.Context, task *jobmanager.Task, hctx *worker.HandlerContext) error {
	hctx.Logger.Info("processing task", map[string]interface{}{
		"task_id": task.ID.String(),
		"job":     hctx.Job.Name,
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}

	return hctx.UpdateTaskUserMetadata(ctx, jobmanager.UserMetadata{
		"resized_at": time.Now().UTC().Format(time.RFC3339),
	})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
