// The coordinator binary runs the message coordinator: it owns the
// queue, tracks acknowledgements and worker liveness, and promotes
// exhausted messages to the dead-letter store.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ptc/internal/archive"
	"ptc/internal/claim"
	"ptc/internal/config"
	"ptc/internal/coordinator"
	"ptc/internal/deadletter"
	"ptc/internal/observability"
)

func main() {
	configFile := flag.String("config", "", "optional JSON config file")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	level, _ := cfg.SlogLevel()

	shutdownTelemetry, err := observability.Init(ctx, observability.Config{
		ServiceName: cfg.CoordinatorName,
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

	var exports deadletter.Archiver
	switch {
	case cfg.GCSBucket != "":
		gcs, err := archive.NewGCSStore(ctx, cfg.GCSBucket, cfg.Namespace)
		if err != nil {
			log.Fatalf("Failed to open GCS archive: %v", err)
		}
		defer gcs.Close()
		exports = gcs
	case cfg.ArchiveDir != "":
		fsStore, err := archive.NewFSStore(cfg.ArchiveDir)
		if err != nil {
			log.Fatalf("Failed to open archive directory: %v", err)
		}
		exports = fsStore
	}

	coord, err := coordinator.New(ctx, cfg, source, exports)
	if err != nil {
		log.Fatalf("Failed to build coordinator: %v", err)
	}
	defer coord.Close()

	if err := coord.Start(ctx); err != nil {
		log.Fatalf("Failed to start coordinator: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("received shutdown signal, stopping coordinator")
	cancel()
	if err := coord.Stop(context.Background()); err != nil {
		slog.Error("coordinator stop failed", "error", err)
	}
	slog.Info("coordinator shut down gracefully")
}
