// The worker binary joins the coordination namespace as one worker:
// it registers itself, heartbeats, drains its messages and claims
// ready tasks from the shared stores.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ptc/internal/claim"
	"ptc/internal/config"
	"ptc/internal/coordinator"
	"ptc/internal/observability"
	"ptc/internal/worker"
)

func main() {
	configFile := flag.String("config", "", "optional JSON config file")
	workerID := flag.String("id", "", "worker identifier (required)")
	workerName := flag.String("name", "", "human readable worker name")
	capabilities := flag.String("capabilities", "", "comma separated capability list")
	maxTasks := flag.Int("max-tasks", 0, "maximum concurrent claims, 0 for unlimited")
	pollInterval := flag.Duration("poll", 5*time.Second, "message and task poll interval")
	flag.Parse()

	if *workerID == "" {
		log.Fatal("-id is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	level, _ := cfg.SlogLevel()

	shutdownTelemetry, err := observability.Init(ctx, observability.Config{
		ServiceName: fmt.Sprintf("%s-worker-%s", cfg.Namespace, *workerID),
		Endpoint:    cfg.OTLPEndpoint,
		Level:       level,
	})
	if err != nil {
		log.Fatalf("Failed to initialize telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			slog.Error("telemetry shutdown failed", "error", err)
		}
	}()

	var source claim.TaskSource
	if cfg.ReadyTaskCommand != "" {
		parts := strings.Fields(cfg.ReadyTaskCommand)
		source, err = claim.NewCommandSource(cfg.Namespace, parts[0], parts[1:]...)
		if err != nil {
			log.Fatalf("Failed to configure ready-task source: %v", err)
		}
	}

	coord, err := coordinator.New(ctx, cfg, source, nil)
	if err != nil {
		log.Fatalf("Failed to open coordination stores: %v", err)
	}
	defer coord.Close()
	if err := coord.Start(ctx); err != nil {
		log.Fatalf("Failed to start coordination layer: %v", err)
	}
	defer coord.Stop(context.Background())

	var opts []worker.Option
	opts = append(opts, worker.WithPollInterval(*pollInterval), worker.WithMaxTasks(*maxTasks))
	if *capabilities != "" {
		opts = append(opts, worker.WithCapabilities(strings.Split(*capabilities, ",")...))
	}
	w := worker.New(coord, *workerID, *workerName, opts...)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- w.Start(ctx)
	}()

	select {
	case <-sigChan:
		slog.Info("received shutdown signal, stopping worker", "worker_id", *workerID)
		cancel()
		if err := w.Stop(context.Background()); err != nil {
			slog.Error("worker stop failed", "error", err)
		}
	case err := <-errChan:
		if err != nil && err != context.Canceled {
			slog.Error("worker exited", "error", err)
		}
	}

	slog.Info("worker shut down gracefully", "worker_id", *workerID)
}
