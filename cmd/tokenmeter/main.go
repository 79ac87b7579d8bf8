// Copyright 2026 The tokenmeter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package main provides the entry point for the tokenmeter service. It
// wires the session document store, the attachment blob store, the token
// computation queue, and the throttled cache persister into one process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/tokenmeter/internal/blob"
	"github.com/traylinx/tokenmeter/internal/buildinfo"
	"github.com/traylinx/tokenmeter/internal/config"
	"github.com/traylinx/tokenmeter/internal/estimate"
	"github.com/traylinx/tokenmeter/internal/executor"
	"github.com/traylinx/tokenmeter/internal/logging"
	"github.com/traylinx/tokenmeter/internal/persist"
	"github.com/traylinx/tokenmeter/internal/queue"
	"github.com/traylinx/tokenmeter/internal/store"
	"github.com/traylinx/tokenmeter/internal/tokenizer"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	var (
		configPath  string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "config.yaml", "Configure File Path")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("tokenmeter %s (commit %s, built %s)\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)
		return
	}

	if err := run(configPath); err != nil {
		log.Fatalf("tokenmeter failed to start: %v", err)
	}
}

func run(configPath string) error {
	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to resolve working directory: %w", err)
	}

	// Load environment variables from .env if present.
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	cfg, err := config.LoadConfigOptional(configPath, true)
	if err != nil {
		return err
	}
	applyEnvOverrides(cfg)
	if err = cfg.Validate(); err != nil {
		return err
	}

	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	if err = logging.ConfigureLogOutput(cfg.LoggingToFile, cfg.LogDir); err != nil {
		return fmt.Errorf("failed to configure log output: %w", err)
	}

	log.Infof("tokenmeter %s starting (commit %s)", buildinfo.Version, buildinfo.Commit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	docs, err := openDocumentStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer docs.Close()

	blobs, err := openBlobStore(ctx, cfg)
	if err != nil {
		return err
	}

	persister := persist.New(docs, cfg.Estimator.ThrottleWindow())
	exec := executor.New(docs, blobs, tokenizer.Count, nil)
	q := queue.New(exec, persister, &queue.Options{
		ConcurrencyLimit:   cfg.Estimator.Concurrency,
		InterTaskDelay:     cfg.Estimator.InterTaskDelay(),
		CompletedHighWater: cfg.Estimator.CompletedHighWater,
	})
	exec.SetCancelChecker(q)
	estimator := estimate.NewEstimator(q, tokenizer.Count, cfg.Estimator.LargeFileLineThreshold)

	if err = q.Start(ctx); err != nil {
		return err
	}

	variant := tokenizer.ParseVariant(cfg.Tokenizer)
	go backfill(ctx, docs, estimator, variant)

	watcher := config.NewWatcher(configPath, func(next *config.Config) {
		if next.Debug {
			log.SetLevel(log.DebugLevel)
		} else {
			log.SetLevel(log.InfoLevel)
		}
		log.Info("configuration reloaded")
	})
	if err = watcher.Start(); err != nil {
		// Hot reload is best effort; a static config still works.
		log.WithError(err).Warn("config hot reload unavailable")
	} else {
		defer watcher.Stop()
	}

	log.Infof("estimation pipeline ready (tokenizer=%s, store=%s, blobs=%s)", variant, cfg.Store.Driver, cfg.Blob.Backend)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infof("received %s, shutting down", sig)

	q.Stop()

	// Drain the persister so computed counts survive the restart.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	persister.FlushNow(flushCtx)

	return nil
}

// backfill schedules token computation for every stored session so counts
// invalidated while the service was down converge in the background. The
// queue dedups against already-valid caches, so a warm restart is cheap.
func backfill(ctx context.Context, docs store.DocumentStore, estimator *estimate.Estimator, variant tokenizer.Variant) {
	ids, err := docs.ListSessionIDs(ctx)
	if err != nil {
		log.WithError(err).Warn("backfill could not list sessions")
		return
	}

	scheduled := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		session, err := docs.GetSession(ctx, id)
		if err != nil {
			log.WithField("session_id", id).WithError(err).Warn("backfill skipped session")
			continue
		}
		result := estimator.Estimate(id, nil, session.Messages, variant, false)
		scheduled += result.PendingTaskCount
	}
	log.Infof("backfill scanned %d sessions, %d computations scheduled", len(ids), scheduled)
}

// applyEnvOverrides layers secret-bearing settings from the environment so
// credentials stay out of the config file.
func applyEnvOverrides(cfg *config.Config) {
	if dsn := os.Getenv("TOKENMETER_STORE_DSN"); dsn != "" {
		cfg.Store.DSN = dsn
	}
	if key := os.Getenv("TOKENMETER_MINIO_ACCESS_KEY"); key != "" {
		cfg.Blob.Minio.AccessKey = key
	}
	if key := os.Getenv("TOKENMETER_MINIO_SECRET_KEY"); key != "" {
		cfg.Blob.Minio.SecretKey = key
	}
}

func openDocumentStore(ctx context.Context, cfg *config.Config) (store.DocumentStore, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLiteStore(ctx, cfg.Store.Path)
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.Store.DSN)
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func openBlobStore(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	switch cfg.Blob.Backend {
	case "local":
		return blob.NewLocalStore(cfg.Blob.Dir)
	case "minio":
		return blob.NewMinioStore(ctx, blob.MinioConfig{
			Endpoint:  cfg.Blob.Minio.Endpoint,
			AccessKey: cfg.Blob.Minio.AccessKey,
			SecretKey: cfg.Blob.Minio.SecretKey,
			Bucket:    cfg.Blob.Minio.Bucket,
			UseSSL:    cfg.Blob.Minio.UseSSL,
		})
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.Blob.Backend)
	}
}
