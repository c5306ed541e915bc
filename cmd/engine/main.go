// Package main is the entry point for the chat sync engine daemon.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vetalia/chat-sync/internal/config"
	"github.com/vetalia/chat-sync/internal/conn"
	"github.com/vetalia/chat-sync/internal/engine"
	"github.com/vetalia/chat-sync/internal/gate"
	"github.com/vetalia/chat-sync/internal/handler"
	"github.com/vetalia/chat-sync/internal/middleware"
	"github.com/vetalia/chat-sync/internal/notify"
	"github.com/vetalia/chat-sync/internal/restapi"
	"github.com/vetalia/chat-sync/internal/store"
	"github.com/vetalia/chat-sync/internal/unread"
	"github.com/vetalia/chat-sync/pkg/logger"
	"github.com/vetalia/chat-sync/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting chat sync engine")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "chat-sync-engine", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// The backend credential names the local participant.
	claims, err := middleware.ParseCredential(cfg.APIToken)
	if err != nil {
		log.Error("invalid API token", zap.Error(err))
		os.Exit(1)
	}
	log.Info("local participant",
		zap.String("user_id", claims.Subject),
		zap.String("role", string(claims.Role)),
	)

	// Build the engine and its collaborators.
	st := store.New()
	emergencyGate := gate.New()
	api := restapi.New(cfg.APIBaseURL, cfg.APIToken, log)
	tracker := unread.New(st, api, claims.Role, cfg.ReadReceiptTimeout, log)

	feed := notify.NewFeed()
	sink := notify.Multi(notify.NewLogSink(log), feed)
	dispatcher := notify.New(sink, claims.Role, cfg.BannerTTL, cfg.NotificationsEnabled, log)

	eng := engine.New(api, st, emergencyGate, tracker, dispatcher, claims.Role, claims.Subject, log)
	defer eng.Close()

	manager := conn.New(conn.Config{
		ChatURL:           cfg.ChatChannelURL,
		EmergencyURL:      cfg.EmergencyChannelURL,
		Token:             cfg.APIToken,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectDelay:    cfg.ReconnectDelay,
	}, claims.Role, claims.Subject, eng.Dispatch, log)

	// A failed connect is not fatal: the engine serves cached state in
	// degraded mode and the channel keeps retrying.
	if err := eng.Start(ctx, manager); err != nil {
		log.Warn("chat channel unavailable, starting degraded", zap.Error(err))
		st.SetDegraded(true)
	}

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(manager, st)
	conversationHandler := handler.NewConversationHandler(st, eng, log)
	eventsHandler := handler.NewEventsHandler(st, feed, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"Link", "X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Get("/events", eventsHandler.Stream)
		r.Put("/visibility", conversationHandler.Visibility)

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", conversationHandler.List)

			r.Route("/{conversationID}", func(r chi.Router) {
				r.Get("/", conversationHandler.Get)
				r.Post("/open", conversationHandler.Open)
				r.Post("/close", conversationHandler.Close)
				r.Put("/read", conversationHandler.MarkRead)

				r.Post("/messages", conversationHandler.SendMessage)
				r.Post("/messages/{messageID}/retry", conversationHandler.RetryMessage)
			})
		})
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down engine")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	eng.Close()
	log.Info("engine stopped")
}
