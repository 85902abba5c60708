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

// One-shot automatic post generation.
//
// Standalone CLI that runs the automatic generation path for one
// organization's current local day, optionally mailing the digest right
// after. Intended for catching up a day the schedule missed.
//
// Usage:
//
//	go run ./cmd/generate/ --org <id> [--digest]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/classfeed/postgen/internal/caption"
	"github.com/classfeed/postgen/internal/config"
	"github.com/classfeed/postgen/internal/dedup"
	"github.com/classfeed/postgen/internal/digest"
	"github.com/classfeed/postgen/internal/media"
	"github.com/classfeed/postgen/internal/posts"
	"github.com/classfeed/postgen/internal/store"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	orgFlag := flag.String("org", "", "Organization id to generate posts for (required)")
	digestFlag := flag.Bool("digest", false, "Send the day's digest after generating")
	timeoutFlag := flag.Duration("timeout", 10*time.Minute, "Maximum run time")
	flag.Parse()

	if *orgFlag == "" {
		fmt.Fprintf(os.Stderr, "Error: --org is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	db, err := store.New(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise store", "error", err)
		os.Exit(1)
	}

	org, err := db.GetOrganization(ctx, *orgFlag)
	if err != nil {
		slog.Error("failed to load organization", "error", err)
		os.Exit(1)
	}
	if org == nil {
		slog.Error("organization not found", "organization", *orgFlag)
		os.Exit(1)
	}

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	// --- Caption client ---
	model, err := caption.NewAnthropicModel(cfg.Anthropic.APIKey, cfg.Anthropic.Model)
	if err != nil {
		slog.Error("caption model not configured", "error", err)
		os.Exit(1)
	}
	captions := caption.NewClient(model, media.NewResolver(&http.Client{Timeout: 60 * time.Second}))

	// The digest, when requested, is sent inline below rather than queued
	generator := posts.NewService(db, captions, dedup.NewFilter(rdb), nil, nil, posts.Options{
		TimezoneOffset: cfg.TimezoneOffset,
	})

	started := time.Now()
	result, err := generator.RunAutomatic(ctx, org.ID)
	if err != nil {
		slog.Error("generation failed", "organization", org.ID, "error", err)
		os.Exit(1)
	}

	// --- Summary ---
	slog.Info("generation complete",
		"organization", org.ID,
		"name", org.Name,
		"posts_generated", result.PostsGenerated,
		"message", result.Message,
		"elapsed", time.Since(started),
	)

	if !*digestFlag {
		return
	}

	digests := digest.NewService(db, digest.NewSMTPSender(cfg.SMTP.Addr, cfg.SMTP.Username, cfg.SMTP.Password), cfg.SiteURL, cfg.TimezoneOffset)
	start, end := posts.DayBounds(started, cfg.TimezoneOffset)
	res, err := digests.SendDaily(ctx, org.ID, start, end, false)
	if err != nil {
		slog.Error("digest failed", "organization", org.ID, "error", err)
		os.Exit(1)
	}
	slog.Info("digest result",
		"organization", org.ID,
		"success", res.Success,
		"message", res.Message,
		"recipients", res.RecipientsCount,
	)
}
