package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/sonnenglas/voicemail-pipeline/internal/api"
	"github.com/sonnenglas/voicemail-pipeline/internal/cache"
	"github.com/sonnenglas/voicemail-pipeline/internal/client"
	"github.com/sonnenglas/voicemail-pipeline/internal/config"
	"github.com/sonnenglas/voicemail-pipeline/internal/pipeline"
	"github.com/sonnenglas/voicemail-pipeline/internal/repo"
	"github.com/sonnenglas/voicemail-pipeline/internal/scheduler"
	"github.com/sonnenglas/voicemail-pipeline/internal/settings"
	"github.com/sonnenglas/voicemail-pipeline/internal/stage"
	"github.com/sonnenglas/voicemail-pipeline/internal/storage"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment")
	}

	cfg, err := config.LoadAll()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	db, err := sql.Open("pgx", cfg.Database.PostgresURL)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		slog.Error("failed to reach database", "error", err)
		os.Exit(1)
	}

	records := repo.NewPostgresRecordRepo(db)
	settingsStore := settings.NewPostgresStore(db)

	audioStore, err := storage.NewLocalAudioStore(cfg.Storage.AudioDir)
	if err != nil {
		slog.Error("failed to create audio store", "error", err)
		os.Exit(1)
	}

	provider := client.NewProviderClient(cfg.Provider.BaseURL, cfg.Provider.APIKey)
	transcriber := client.NewTranscriberClient(cfg.Transcriber.BaseURL, cfg.Transcriber.APIKey, cfg.Transcriber.Model)
	enricher := client.NewEnricherClient(cfg.Enricher.BaseURL, cfg.Enricher.APIKey, cfg.Enricher.Model)
	emailer := client.NewEmailClient(cfg.Email.APIURL, cfg.Email.APIToken, cfg.Email.From, cfg.Email.FromName)

	forwarder := stage.NewForwarder(emailer, records)
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		forwarder = forwarder.WithCache(cache.NewRedisCache(rdb, cfg.Redis.TTL))
		slog.Info("delivery cache enabled", "addr", cfg.Redis.Address)
	}

	pipe := pipeline.New(records, settingsStore, pipeline.Stages{
		Sync:       pipeline.RunnerFor(stage.NewSyncer(cfg.Provider.Name, provider, records, audioStore, settingsStore).Run),
		Transcribe: pipeline.RunnerFor(stage.NewTranscriber(transcriber, records, audioStore, cfg.Pipeline.TranscribeConcurrency).Run),
		Enrich:     pipeline.RunnerFor(stage.NewEnricher(enricher, records).Run),
		Forward:    pipeline.RunnerFor(forwarder.Run),
	})
	pipe.StageTimeout = cfg.Pipeline.StageTimeout

	startCtx, cancelStart := context.WithTimeout(context.Background(), 10*time.Second)
	snap, err := settings.Load(startCtx, settingsStore)
	cancelStart()
	if err != nil {
		slog.Error("failed to load settings", "error", err)
		os.Exit(1)
	}

	sched, err := scheduler.New(snap.SyncInterval, pipe.Tick)
	if err != nil {
		slog.Error("failed to create scheduler", "error", err)
		os.Exit(1)
	}
	sched.Start()
	defer sched.Stop()

	handler := api.NewHandler(sched, pipe, records, settingsStore)
	server := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: loggingMiddleware(api.Router(handler)),
	}

	go func() {
		slog.Info("server listening", "address", cfg.Server.Address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds())
	})
}
