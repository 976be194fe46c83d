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

// Package config loads configuration from config.yaml and environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the ingestion service.
type Config struct {
	// Scheduler
	PollInterval time.Duration

	// Postgres
	DatabaseURL string

	// Redis
	RedisURL string

	// Category lookup tables
	L1CategoriesPath string
	L2CategoriesPath string

	// Admin API (cmd/api only)
	Port int
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Scheduler struct {
		PollInterval string `yaml:"poll_interval"`
	} `yaml:"scheduler"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Categories struct {
		L1Path string `yaml:"l1_path"`
		L2Path string `yaml:"l2_path"`
	} `yaml:"categories"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for deployment knobs.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	var raw rawConfig
	if data, err := os.ReadFile(configPath); err == nil {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	interval := envOrDefaultDuration("POLL_INTERVAL", parseDurationOrDefault(raw.Scheduler.PollInterval, 120*time.Second))

	cfg := &Config{
		PollInterval:     interval,
		DatabaseURL:      firstNonEmpty(raw.Database.URL, envOrDefault("DATABASE_URL", "postgres://localhost:5432/marketplacenotifier")),
		RedisURL:         firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		L1CategoriesPath: firstNonEmpty(raw.Categories.L1Path, envOrDefault("L1_CATEGORIES_PATH", "/app/config/l1_categories.json")),
		L2CategoriesPath: firstNonEmpty(raw.Categories.L2Path, envOrDefault("L2_CATEGORIES_PATH", "/app/config/l2_categories.json")),
		Port:             envOrDefaultInt("PORT", 8080),
	}

	return cfg, nil
}

func parseDurationOrDefault(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return fallback
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
