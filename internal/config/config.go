// Copyright 2026 The tokenmeter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config provides configuration management for the tokenmeter
// service. It handles loading and parsing YAML configuration files and
// provides structured access to estimator tunables, the session store
// backend, and the attachment blob backend.
package config

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Debug enables or disables debug-level logging and other debug features.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile controls whether application logs are written to rotating files or stdout.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// LogDir is the directory holding rotated log files when LoggingToFile is set.
	LogDir string `yaml:"log-dir" json:"log-dir"`

	// Tokenizer selects the default tokenizer variant for sessions that do
	// not specify one. Valid values: "default", "claude".
	Tokenizer string `yaml:"tokenizer" json:"tokenizer"`

	// Estimator nests the computation pipeline tunables.
	Estimator EstimatorConfig `yaml:"estimator" json:"estimator"`

	// Store selects and configures the session document store backend.
	Store StoreConfig `yaml:"store" json:"store"`

	// Blob selects and configures the attachment content backend.
	Blob BlobConfig `yaml:"blob" json:"blob"`
}

// EstimatorConfig holds the computation pipeline tunables.
type EstimatorConfig struct {
	// LargeFileLineThreshold is the line count above which preview-capable
	// models count a truncated preview instead of the full attachment.
	LargeFileLineThreshold int `yaml:"large-file-line-threshold" json:"large-file-line-threshold"`

	// ThrottleWindowMs is the persistence collapse window in milliseconds.
	ThrottleWindowMs int `yaml:"throttle-window-ms" json:"throttle-window-ms"`

	// InterTaskDelayMs inserts a pause between queued computations to keep
	// the pipeline from starving interactive work. Zero disables the pause.
	InterTaskDelayMs int `yaml:"inter-task-delay-ms" json:"inter-task-delay-ms"`

	// Concurrency is the number of computation tasks allowed in flight.
	Concurrency int `yaml:"concurrency" json:"concurrency"`

	// CompletedHighWater bounds the completed-task memory per process.
	CompletedHighWater int `yaml:"completed-high-water" json:"completed-high-water"`
}

// StoreConfig selects the session document store backend.
type StoreConfig struct {
	// Driver is one of "sqlite", "postgres", or "memory".
	Driver string `yaml:"driver" json:"driver"`

	// Path is the SQLite database file location.
	Path string `yaml:"path" json:"path"`

	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn" json:"-"`
}

// BlobConfig selects the attachment content backend.
type BlobConfig struct {
	// Backend is one of "local" or "minio".
	Backend string `yaml:"backend" json:"backend"`

	// Dir is the root directory for the local backend.
	Dir string `yaml:"dir" json:"dir"`

	// Minio configures the S3-compatible object store backend.
	Minio MinioConfig `yaml:"minio" json:"minio"`
}

// MinioConfig holds S3-compatible object store settings.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	AccessKey string `yaml:"access-key" json:"-"`
	SecretKey string `yaml:"secret-key" json:"-"`
	Bucket    string `yaml:"bucket" json:"bucket"`
	UseSSL    bool   `yaml:"use-ssl" json:"use-ssl"`
}

// ThrottleWindow returns the persistence window as a duration.
func (c *EstimatorConfig) ThrottleWindow() time.Duration {
	return time.Duration(c.ThrottleWindowMs) * time.Millisecond
}

// InterTaskDelay returns the inter-task pause as a duration.
func (c *EstimatorConfig) InterTaskDelay() time.Duration {
	return time.Duration(c.InterTaskDelayMs) * time.Millisecond
}

// LoadConfig reads and parses the YAML configuration file at configFile.
func LoadConfig(configFile string) (*Config, error) {
	return LoadConfigOptional(configFile, false)
}

// LoadConfigOptional reads YAML from configFile.
// If optional is true and the file is missing or empty, it returns a Config
// holding only defaults. Validation is the caller's step: secrets may still
// be layered in from the environment after loading.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		if optional && (os.IsNotExist(err) || errors.Is(err, syscall.EISDIR)) {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if optional && len(data) == 0 {
		return defaultConfig(), nil
	}

	// Defaults are set before unmarshal so that absent keys keep defaults.
	cfg := defaultConfig()
	if err = yaml.Unmarshal(data, cfg); err != nil {
		if optional {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Debug:         false,
		LoggingToFile: false,
		LogDir:        "./logs",
		Tokenizer:     "default",
		Estimator: EstimatorConfig{
			LargeFileLineThreshold: 500,
			ThrottleWindowMs:       500,
			InterTaskDelayMs:       0,
			Concurrency:            1,
			CompletedHighWater:     5000,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "./tokenmeter.db",
		},
		Blob: BlobConfig{
			Backend: "local",
			Dir:     "./blobs",
		},
	}
}

// Validate checks cross-field consistency. Call it after any environment
// overrides have been applied on top of the loaded file.
func (c *Config) Validate() error {
	switch c.Tokenizer {
	case "default", "claude":
	default:
		return fmt.Errorf("invalid tokenizer %q: must be \"default\" or \"claude\"", c.Tokenizer)
	}

	if c.Estimator.LargeFileLineThreshold <= 0 {
		return fmt.Errorf("estimator.large-file-line-threshold must be positive, got %d", c.Estimator.LargeFileLineThreshold)
	}
	if c.Estimator.ThrottleWindowMs < 0 {
		return fmt.Errorf("estimator.throttle-window-ms must not be negative, got %d", c.Estimator.ThrottleWindowMs)
	}
	if c.Estimator.Concurrency <= 0 {
		return fmt.Errorf("estimator.concurrency must be positive, got %d", c.Estimator.Concurrency)
	}
	if c.Estimator.CompletedHighWater <= 0 {
		return fmt.Errorf("estimator.completed-high-water must be positive, got %d", c.Estimator.CompletedHighWater)
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return errors.New("store.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid store.driver %q: must be \"sqlite\", \"postgres\", or \"memory\"", c.Store.Driver)
	}

	switch c.Blob.Backend {
	case "local":
		if c.Blob.Dir == "" {
			return errors.New("blob.dir is required for the local backend")
		}
	case "minio":
		if c.Blob.Minio.Endpoint == "" || c.Blob.Minio.Bucket == "" {
			return errors.New("blob.minio.endpoint and blob.minio.bucket are required for the minio backend")
		}
	default:
		return fmt.Errorf("invalid blob.backend %q: must be \"local\" or \"minio\"", c.Blob.Backend)
	}

	return nil
}
