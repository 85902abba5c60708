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

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AnthropicConfig holds the caption model credentials.
type AnthropicConfig struct {
	APIKey string
	Model  string
}

// ResendConfig holds the email provider credentials.
type ResendConfig struct {
	APIKey        string
	BaseURL       string
	WebhookSecret string
}

// StorageConfig describes the S3-compatible bucket that holds attachments.
type StorageConfig struct {
	Bucket        string
	Endpoint      string
	Region        string
	PublicBaseURL string
	RetentionDays int
}

// SMTPConfig holds the outbound relay used for digest emails.
type SMTPConfig struct {
	Addr     string
	Username string
	Password string
}

// PosthogConfig holds product analytics settings. An empty key disables it.
type PosthogConfig struct {
	APIKey   string
	Endpoint string
}

// Config holds all configuration for the post generation service.
type Config struct {
	DatabaseURL string

	// Redis
	RedisURL    string
	DigestQueue string

	Anthropic AnthropicConfig
	Resend    ResendConfig
	Storage   StorageConfig
	SMTP      SMTPConfig
	Posthog   PosthogConfig

	// Fixed offset from UTC, in hours, that defines the local day.
	TimezoneOffset int
	// Publish a digest job after an automatic run that produced posts.
	SendDigestAfterRun bool
	SiteURL            string

	// Maximum time a single scheduled generation run may take.
	RunTimeout time.Duration

	Port int
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Digest string `yaml:"digest"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	Anthropic struct {
		APIKey string `yaml:"api_key"`
		Model  string `yaml:"model"`
	} `yaml:"anthropic"`
	Resend struct {
		APIKey        string `yaml:"api_key"`
		BaseURL       string `yaml:"base_url"`
		WebhookSecret string `yaml:"webhook_secret"`
	} `yaml:"resend"`
	Storage struct {
		Bucket        string `yaml:"bucket"`
		Endpoint      string `yaml:"endpoint"`
		Region        string `yaml:"region"`
		PublicBaseURL string `yaml:"public_base_url"`
		RetentionDays int    `yaml:"retention_days"`
	} `yaml:"storage"`
	SMTP struct {
		Addr     string `yaml:"addr"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"smtp"`
	Posthog struct {
		APIKey   string `yaml:"api_key"`
		Endpoint string `yaml:"endpoint"`
	} `yaml:"posthog"`
	Generation struct {
		TimezoneOffset *int `yaml:"timezone_offset"`
		SendDigest     bool `yaml:"send_digest"`
	} `yaml:"generation"`
	SiteURL string `yaml:"site_url"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings. A missing config file is not
// an error; every setting can come from the environment.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	var raw rawConfig
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		// Expand ${VAR} references in the YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	return build(raw)
}

func build(raw rawConfig) (*Config, error) {
	offset := -5
	if raw.Generation.TimezoneOffset != nil {
		offset = *raw.Generation.TimezoneOffset
	}

	env := &envReader{}
	cfg := &Config{
		DatabaseURL: firstNonEmpty(os.Getenv("DATABASE_URL"), raw.Database.URL),
		RedisURL:    firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		DigestQueue: firstNonEmpty(raw.Redis.Queues.Digest, envOrDefault("DIGEST_QUEUE", "digests")),
		Anthropic: AnthropicConfig{
			APIKey: firstNonEmpty(os.Getenv("ANTHROPIC_API_KEY"), raw.Anthropic.APIKey),
			Model:  firstNonEmpty(os.Getenv("CLAUDE_MODEL"), raw.Anthropic.Model),
		},
		Resend: ResendConfig{
			APIKey:        firstNonEmpty(os.Getenv("RESEND_API_KEY"), raw.Resend.APIKey),
			BaseURL:       firstNonEmpty(raw.Resend.BaseURL, envOrDefault("RESEND_BASE_URL", "https://api.resend.com")),
			WebhookSecret: firstNonEmpty(os.Getenv("RESEND_INBOUND_WEBHOOK_SECRET"), raw.Resend.WebhookSecret),
		},
		Storage: StorageConfig{
			Bucket:        firstNonEmpty(os.Getenv("STORAGE_BUCKET"), raw.Storage.Bucket),
			Endpoint:      firstNonEmpty(os.Getenv("STORAGE_ENDPOINT"), raw.Storage.Endpoint),
			Region:        firstNonEmpty(os.Getenv("STORAGE_REGION"), raw.Storage.Region, "us-east-1"),
			PublicBaseURL: strings.TrimRight(firstNonEmpty(os.Getenv("STORAGE_PUBLIC_BASE_URL"), raw.Storage.PublicBaseURL), "/"),
			RetentionDays: env.Int("STORAGE_RETENTION_DAYS", positiveOr(raw.Storage.RetentionDays, 30)),
		},
		SMTP: SMTPConfig{
			Addr:     firstNonEmpty(os.Getenv("SMTP_ADDR"), raw.SMTP.Addr, "smtp.resend.com:587"),
			Username: firstNonEmpty(os.Getenv("SMTP_USERNAME"), raw.SMTP.Username, "resend"),
			Password: firstNonEmpty(os.Getenv("SMTP_PASSWORD"), raw.SMTP.Password),
		},
		Posthog: PosthogConfig{
			APIKey:   firstNonEmpty(os.Getenv("POSTHOG_API_KEY"), raw.Posthog.APIKey),
			Endpoint: firstNonEmpty(os.Getenv("POSTHOG_ENDPOINT"), raw.Posthog.Endpoint, "https://us.i.posthog.com"),
		},
		TimezoneOffset:     env.Int("TIMEZONE_OFFSET", offset),
		SendDigestAfterRun: env.Bool("SEND_DIGEST_AFTER_RUN", raw.Generation.SendDigest),
		SiteURL:            firstNonEmpty(os.Getenv("SITE_URL"), raw.SiteURL, "https://example.com"),
		RunTimeout:         env.Duration("RUN_TIMEOUT", 10*time.Minute),
		Port:               env.Int("PORT", 8080),
	}

	if err := errors.Join(env.errs...); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("no database configured: set DATABASE_URL or database.url")
	}
	if cfg.TimezoneOffset < -12 || cfg.TimezoneOffset > 14 {
		return nil, fmt.Errorf("timezone offset %d out of range [-12, 14]", cfg.TimezoneOffset)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envReader reads typed environment overrides. A set but malformed value
// is recorded as an error and the fallback returned.
type envReader struct {
	errs []error
}

func (e *envReader) Int(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return fallback
	}
	return n
}

func (e *envReader) Bool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return fallback
	}
	return b
}

func (e *envReader) Duration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return fallback
	}
	return d
}

func positiveOr(n, fallback int) int {
	if n > 0 {
		return n
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
