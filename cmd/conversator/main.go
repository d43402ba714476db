// Package main is the Conversator entry point. One binary runs the whole
// control plane: event log, orchestrator, builder dispatcher, inbox, and the
// HTTP/WebSocket surface.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/logabell/conversator/internal/builder"
	"github.com/logabell/conversator/internal/common/config"
	"github.com/logabell/conversator/internal/common/logger"
	"github.com/logabell/conversator/internal/conversation"
	"github.com/logabell/conversator/internal/eventlog"
	"github.com/logabell/conversator/internal/events"
	gateway "github.com/logabell/conversator/internal/gateway/websocket"
	"github.com/logabell/conversator/internal/inbox"
	"github.com/logabell/conversator/internal/orchestrator"
	"github.com/logabell/conversator/internal/prompt"
	"github.com/logabell/conversator/internal/server"
	ws "github.com/logabell/conversator/pkg/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

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

	log.Info("Starting Conversator...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: NATS when configured, in-memory otherwise.
	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	// Durable state: the append-only event log on SQLite.
	store, err := eventlog.OpenStore(cfg.DBPathOrDefault(), log)
	if err != nil {
		log.Fatal("Failed to open event store", zap.Error(err), zap.String("db_path", cfg.DBPathOrDefault()))
	}
	defer store.Close()

	eventLog, err := eventlog.Open(store, eventBus, eventlog.Options{
		PendingHighWater: cfg.EventLog.PendingHighWater,
		SubscriberBuffer: cfg.EventLog.SubscriberBuffer,
		MaxWriteFailures: cfg.EventLog.MaxWriteFailures,
	}, log)
	if err != nil {
		log.Fatal("Failed to open event log", zap.Error(err))
	}
	defer eventLog.Close()
	log.Info("Event log opened", zap.Int64("last_seq", eventLog.LastSeq()))

	// Prompt workspace holds working prompts and frozen handoff artifacts.
	workspace, err := prompt.NewWorkspace(cfg.Workspace.Root, log)
	if err != nil {
		log.Fatal("Failed to initialize workspace", zap.Error(err))
	}

	// Inbox notifier derives items from appended events and pushes delivery
	// hints onto the bus.
	notifier := inbox.NewNotifier(eventLog, eventBus, cfg.Notifier.CoalesceWindowDuration(), log)
	inboxSub, err := eventLog.Subscribe(eventLog.LastSeq())
	if err != nil {
		log.Fatal("Failed to subscribe inbox notifier", zap.Error(err))
	}
	go notifier.Run(inboxSub)

	// Builder registry and session dispatcher.
	registry, err := builder.LoadRegistry(cfg.Builders.RegistryPath, log)
	if err != nil {
		log.Fatal("Failed to load builder registry", zap.Error(err), zap.String("path", cfg.Builders.RegistryPath))
	}
	dispatcher := builder.NewDispatcher(registry, eventLog, workspace, eventBus, builder.Config{
		MaxSessions:          cfg.Builders.MaxSessions,
		SessionCreateTimeout: cfg.Builders.SessionCreateTimeoutDuration(),
		SendTimeout:          cfg.Builders.SendTimeoutDuration(),
		AbortConfirmTimeout:  cfg.Builders.AbortConfirmTimeoutDuration(),
		HealthPollInterval:   cfg.Builders.HealthPollIntervalDuration(),
		Stream: builder.StreamOptions{
			IdleTimeout:     cfg.Builders.StreamIdleTimeoutDuration(),
			MaxReconnects:   cfg.Builders.MaxReconnects,
			ReconnectWindow: cfg.Builders.ReconnectWindowDuration(),
		},
	}, log)
	defer dispatcher.Close()

	feed := conversation.NewFeed(eventBus, 0, log)
	dispatcher.SetTextSink(func(taskID, text string) {
		feed.Add("assistant", text, taskID)
	})

	// Settle tasks whose sessions died while we were down.
	dispatcher.Reconcile(ctx)

	orch := orchestrator.New(eventLog, workspace, dispatcher, registry, log)

	// WebSocket gateway: command dispatch plus event fan-out.
	wsDispatcher := ws.NewDispatcher()
	gateway.NewCommands(orch, eventLog, notifier, feed, registry, dispatcher).Register(wsDispatcher)
	hub := gateway.NewHub(wsDispatcher, log)
	go hub.Run(ctx)

	notifications := gateway.NewNotifications(hub, eventLog, log)
	if err := notifications.Start(eventBus); err != nil {
		log.Fatal("Failed to start gateway notifications", zap.Error(err))
	}
	defer notifications.Stop()

	// HTTP surface: REST routes and the WebSocket endpoint share one engine.
	router := server.NewRouter(cfg, log)
	server.NewHandlers(orch, eventLog, notifier, feed, registry, dispatcher, log).RegisterRoutes(router)
	wsHandler := gateway.NewHandler(hub, eventLog, log)
	router.GET("/ws/events", wsHandler.HandleConnection)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "conversator"})
	})

	httpServer := server.New(cfg.Server, router, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(httpServer.Start)
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-quit:
		case <-gctx.Done():
		}

		log.Info("Shutting down Conversator...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("Server error", zap.Error(err))
	}

	log.Info("Conversator stopped")
}
