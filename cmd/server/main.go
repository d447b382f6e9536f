package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SAP-F-2025/exam-session/internal/cache"
	"github.com/SAP-F-2025/exam-session/internal/config"
	"github.com/SAP-F-2025/exam-session/internal/handlers"
	"github.com/SAP-F-2025/exam-session/internal/localstore"
	"github.com/SAP-F-2025/exam-session/internal/metrics"
	"github.com/SAP-F-2025/exam-session/internal/repositories"
	"github.com/SAP-F-2025/exam-session/internal/repositories/postgres"
	"github.com/SAP-F-2025/exam-session/internal/services"
	"github.com/SAP-F-2025/exam-session/internal/utils"
	"github.com/SAP-F-2025/exam-session/internal/validator"
	"github.com/SAP-F-2025/exam-session/pkg"
	"github.com/gin-gonic/gin"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("Server stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := utils.NewLogger(cfg.Environment, os.Stdout)
	slog.SetDefault(logger)
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := pkg.InitDatabase(cfg)
	if err != nil {
		return err
	}

	var cacheService cache.CacheService = cache.NewMemoryCache()
	redisClient, err := pkg.NewRedisClient(ctx, cfg)
	switch {
	case err != nil:
		logger.Warn("Redis unavailable, caching payloads in memory", "error", err)
	case redisClient != nil:
		defer redisClient.Close()
		cacheService = cache.NewRedisCache(redisClient, logger)
	}
	store := repositories.NewCachedPayloadStore(postgres.NewSessionPostgreSQL(db), cacheService, cfg.PayloadCacheTTL, logger)

	local, err := localstore.OpenSQLite(ctx, cfg.LocalStorePath)
	if err != nil {
		return err
	}
	defer local.Close()

	publisher, err := cfg.Events.CreateEventPublisher(logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	metrics.Init()

	v := validator.New()
	manager := services.NewSessionManager(services.SessionDeps{
		Store:     store,
		Local:     local,
		Publisher: publisher,
		Validator: v,
		Logger:    logger,
	}, services.SessionOptionsFromConfig(cfg.Session))
	importer := services.NewAnswerKeyImporter(store, logger, v)

	httpLogger := utils.NewSlogLogger(logger)
	router := handlers.NewRouter(handlers.NewHandlerManager(manager, importer, v, httpLogger), httpLogger)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting server", "port", cfg.Port, "environment", cfg.Environment)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server did not stop cleanly", "error", err)
	}
	// pending answers are flushed here; what fails stays in the local store
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Some sessions closed with unsynced answers", "error", err)
	}
	return nil
}
