// Package main is the entry point for the Helmsman agent service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/helmsman-ai/helmsman/internal/agent/api"
	"github.com/helmsman-ai/helmsman/internal/agent/eventstream"
	"github.com/helmsman-ai/helmsman/internal/agent/llm"
	"github.com/helmsman-ai/helmsman/internal/agent/repository/sqlite"
	"github.com/helmsman-ai/helmsman/internal/agent/runtime"
	"github.com/helmsman-ai/helmsman/internal/agent/sandbox"
	"github.com/helmsman-ai/helmsman/internal/agent/search"
	"github.com/helmsman-ai/helmsman/internal/common/config"
	"github.com/helmsman-ai/helmsman/internal/common/logger"
	"github.com/helmsman-ai/helmsman/internal/common/tracing"
	"github.com/helmsman-ai/helmsman/internal/events/bus"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Helmsman agent service...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Open the store
	store, err := sqlite.NewFromConfig(&cfg.Database)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer store.Close()
	log.Info("Database ready", zap.String("driver", cfg.Database.Driver))

	// 4. Connect the event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 5. Event streaming components
	registry := eventstream.NewRegistry(store, eventBus, cfg.Events.MaxBufferSize, log)
	streamer := eventstream.NewStreamer(store, registry, eventBus, cfg.Events, log)
	sweeper := eventstream.NewSweeper(store, cfg.Events.SweepIntervalDuration(), log)
	sweeper.Start()
	defer sweeper.Stop()

	// 6. Agent dependencies
	llmClient := llm.NewOpenAIClient(cfg.LLM, log)
	sandboxes, err := sandbox.NewDockerManager(cfg.Sandbox, log)
	if err != nil {
		log.Fatal("Failed to initialize sandbox manager", zap.Error(err))
	}
	searchEngine := search.NewHTTPEngine(cfg.Search, log)

	// 7. Agent runtime
	rt := runtime.New(store, registry, llmClient, sandboxes, searchEngine, cfg, log)
	if err := rt.LoadFromRepository(ctx); err != nil {
		log.Error("Failed to rehydrate agents", zap.Error(err))
	}

	// 8. HTTP server
	handler := api.NewHandler(rt, streamer, store, log)
	router := api.NewRouter(handler, log)

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 9. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Helmsman agent service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// End open event streams so SSE readers disconnect instead of holding
	// the server open.
	streamer.Close()

	// Stop agents without destroying their sandboxes; containers are
	// re-adopted on the next start.
	rt.CloseAll(shutdownCtx)
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Helmsman agent service stopped")
}
