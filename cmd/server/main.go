package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andresuchdata/chunkup/internal/api"
	"github.com/andresuchdata/chunkup/internal/cache"
	"github.com/andresuchdata/chunkup/internal/config"
	"github.com/andresuchdata/chunkup/internal/repository"
	"github.com/andresuchdata/chunkup/internal/repository/postgres"
	"github.com/andresuchdata/chunkup/internal/service"
	"github.com/andresuchdata/chunkup/internal/storage"
	"github.com/andresuchdata/chunkup/pkg/logger"
	"github.com/gin-gonic/gin"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	if cfg.Server.Mode != "debug" {
		logger.Setup(false)
	}
	logger.SetLevel(cfg.Server.LogLevel)
	if cfg.Server.Mode == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx := context.Background()

	backend, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to initialize storage")
	}
	defer backend.Close()

	// Session journal
	journal := repository.NewNoopSessionRepository()
	if cfg.Database.Enabled {
		db, err := postgres.NewDB(&cfg.Database)
		if err != nil {
			logger.Log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()
		if err := db.EnsureSchema(ctx); err != nil {
			logger.Log.Fatal().Err(err).Msg("Failed to prepare journal schema")
		}
		journal = postgres.NewSessionRepository(db)
		logger.Log.Info().Str("host", cfg.Database.Host).Str("db", cfg.Database.DBName).Msg("session journal enabled")
	}

	listingCache, err := cache.NewListingCache(cfg.Cache)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to initialize listing cache")
	}

	// Initialize services
	uploadService := service.NewUploadService(backend, journal, listingCache, service.Options{
		MaxChunkBytes:      cfg.Upload.MaxChunkBytes,
		FinalizeWait:       cfg.Upload.FinalizeWait,
		FinalizeTimeout:    cfg.Upload.FinalizeTimeout,
		CompletedRetention: cfg.Upload.CompletedRetention,
	})

	if cfg.Upload.RestoreOnStart {
		n, err := uploadService.Restore(ctx)
		if err != nil {
			logger.Log.Error().Err(err).Msg("Failed to restore upload sessions")
		} else {
			logger.Log.Info().Int("sessions", n).Msg("Restored upload sessions")
		}
	}

	reaper, err := service.NewReaper(uploadService, cfg.Upload.ReaperSchedule, cfg.Upload.CompletedRetention)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to schedule reaper")
	}
	reaper.Start()

	// Initialize HTTP server
	router := api.NewRouter(&api.Services{UploadService: uploadService}, cfg.Server.AllowedOrigins)
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Log.Info().Str("port", cfg.Server.Port).Str("backend", cfg.Storage.Backend).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error().Err(err).Msg("Server forced to shutdown")
	}
	reaper.Stop(shutdownCtx)

	// Let running assemblies finish so no session is left half published.
	done := make(chan struct{})
	go func() {
		uploadService.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Log.Warn().Msg("Finalizations still running at exit; they resume on next start")
	}

	logger.Log.Info().Msg("Server exiting")
}
