// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Post generation service.
//
// Entry point for the service. It:
//  1. Loads configuration from .env, config.yaml and the environment
//  2. Connects to PostgreSQL and Redis
//  3. Builds the caption client, orchestrator and ingestion pipeline
//  4. Re-registers every enabled organization schedule
//  5. Starts the digest worker and the HTTP server
//  6. Handles graceful shutdown on SIGTERM/SIGINT
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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/classfeed/postgen/internal/analytics"
	"github.com/classfeed/postgen/internal/api"
	"github.com/classfeed/postgen/internal/blob"
	"github.com/classfeed/postgen/internal/caption"
	"github.com/classfeed/postgen/internal/config"
	"github.com/classfeed/postgen/internal/dedup"
	"github.com/classfeed/postgen/internal/digest"
	"github.com/classfeed/postgen/internal/ingest"
	"github.com/classfeed/postgen/internal/media"
	"github.com/classfeed/postgen/internal/posts"
	"github.com/classfeed/postgen/internal/queue"
	"github.com/classfeed/postgen/internal/resend"
	"github.com/classfeed/postgen/internal/schedule"
	"github.com/classfeed/postgen/internal/store"
	"github.com/classfeed/postgen/internal/webhook"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}

	slog.Info("starting post generation service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded",
		"timezone_offset", cfg.TimezoneOffset,
		"digest_after_run", cfg.SendDigestAfterRun,
		"retention_days", cfg.Storage.RetentionDays,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	db, err := store.New(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise store", "error", err)
		os.Exit(1)
	}

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)

	publisher := queue.NewPublisher(rdb, cfg.DigestQueue)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	filter := dedup.NewFilter(rdb)

	tracker, err := analytics.New(cfg.Posthog.APIKey, cfg.Posthog.Endpoint)
	if err != nil {
		slog.Error("failed to initialise analytics", "error", err)
		os.Exit(1)
	}
	defer tracker.Close()

	// --- Caption generation ---
	var model caption.Model
	if m, err := caption.NewAnthropicModel(cfg.Anthropic.APIKey, cfg.Anthropic.Model); err != nil {
		// Generation calls fail with a configuration error until set
		slog.Warn("caption model not configured", "error", err)
	} else {
		model = m
	}
	captions := caption.NewClient(model, media.NewResolver(&http.Client{Timeout: 60 * time.Second}))

	var digestPublisher posts.DigestPublisher
	if cfg.SendDigestAfterRun {
		digestPublisher = publisher
	}
	generator := posts.NewService(db, captions, filter, digestPublisher, tracker, posts.Options{
		TimezoneOffset:     cfg.TimezoneOffset,
		SendDigestAfterRun: cfg.SendDigestAfterRun,
	})

	// --- Scheduler ---
	triggers := schedule.NewCronTriggers()
	scheduler := schedule.NewManager(db, triggers, generator, cfg.RunTimeout)
	if err := scheduler.Restore(ctx); err != nil {
		slog.Error("failed to restore schedules", "error", err)
	}
	triggers.Start()

	// --- Digest worker ---
	digests := digest.NewService(db, digest.NewSMTPSender(cfg.SMTP.Addr, cfg.SMTP.Username, cfg.SMTP.Password), cfg.SiteURL, cfg.TimezoneOffset)
	worker := digest.NewWorker(queue.NewConsumer(rdb, cfg.DigestQueue), digests)
	worker.Start(ctx)

	// --- Inbound email ---
	var extractor webhook.Extractor
	if x, err := buildExtractor(ctx, cfg); err != nil {
		slog.Warn("email ingestion not configured", "error", err)
	} else {
		extractor = x
	}
	hook, err := webhook.NewHandler(cfg.Resend.WebhookSecret, db, db, extractor, filter, tracker)
	if err != nil {
		slog.Error("failed to initialise webhook handler", "error", err)
		os.Exit(1)
	}

	// --- HTTP Server ---
	srv := api.NewServer(generator, scheduler, digests, hook.ServeReceived,
		api.Check{Name: "postgres", Pinger: db},
		api.Check{Name: "redis", Pinger: publisher},
	)
	serveCtx, stopServing := context.WithCancel(context.Background())
	defer stopServing()
	ready, err := api.Serve(serveCtx, cfg.Port, srv.Routes())
	if err != nil {
		slog.Error("failed to start http server", "error", err)
		os.Exit(1)
	}
	<-ready

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("received shutdown signal", "signal", sig)

	stopServing()
	cancel()
	worker.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	triggers.Stop(shutdownCtx)

	rdb.Close()
	slog.Info("post generation service stopped")
}

// buildExtractor wires the provider client and blob storage used to ingest
// attachments.
func buildExtractor(ctx context.Context, cfg *config.Config) (*ingest.Extractor, error) {
	provider, err := resend.NewClient(ctx, cfg.Resend.APIKey, cfg.Resend.BaseURL)
	if err != nil {
		return nil, err
	}
	blobs, err := blob.New(ctx, blob.Options{
		Bucket:        cfg.Storage.Bucket,
		Endpoint:      cfg.Storage.Endpoint,
		Region:        cfg.Storage.Region,
		PublicBaseURL: cfg.Storage.PublicBaseURL,
	})
	if err != nil {
		return nil, err
	}
	return ingest.NewExtractor(provider, blobs, ingest.Options{}), nil
}
