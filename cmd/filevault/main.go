// Package main is the entry point for the FileVault secure file storage
// service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/filevault/filevault/internal/access"
	"github.com/filevault/filevault/internal/audit"
	"github.com/filevault/filevault/internal/compress"
	"github.com/filevault/filevault/internal/config"
	"github.com/filevault/filevault/internal/engine"
	"github.com/filevault/filevault/internal/logging"
	"github.com/filevault/filevault/internal/metadata"
	"github.com/filevault/filevault/internal/metrics"
	"github.com/filevault/filevault/internal/quota"
	"github.com/filevault/filevault/internal/server"
	"github.com/filevault/filevault/internal/storage"
)

func main() {
	configPath := flag.String("config", "filevault.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 9400)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	shutdownTimeout := flag.Int("shutdown-timeout", 0, "graceful shutdown timeout in seconds (default: from config or 30)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *shutdownTimeout != 0 {
		cfg.Server.ShutdownTimeout = *shutdownTimeout
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	metrics.Register()

	// Crash-only design: every startup is recovery. SQLite WAL recovers on
	// open, orphan temp files are swept below, and expired multipart
	// sessions are reaped before the process reports ready.

	var metaStore metadata.Store
	switch cfg.Metadata.Engine {
	case "memory":
		metaStore = metadata.NewMemoryStore()
		slog.Info("Metadata store initialized", "engine", "memory")
	default:
		dbPath := cfg.Metadata.SQLite.Path
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create metadata directory: %v\n", err)
			os.Exit(1)
		}
		sqliteStore, sqlErr := metadata.NewSQLiteStore(dbPath)
		if sqlErr != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize metadata store: %v\n", sqlErr)
			os.Exit(1)
		}
		metaStore = sqliteStore
		slog.Info("Metadata store initialized", "engine", "sqlite", "path", dbPath)
	}
	defer metaStore.Close()

	// Seed the default tier (idempotent, never overwrites operator edits).
	if err := seedDefaultTier(metaStore, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed default tier: %v\n", err)
		os.Exit(1)
	}

	backend, err := buildBackend(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	recorder := audit.NewRecorder(metaStore)
	guard := access.NewGuard(metaStore, recorder)
	ledger := quota.NewLedger(metaStore, cfg.Quota.DefaultTier)

	var svc engine.Service = engine.New(metaStore, backend, guard, ledger, recorder, engine.Config{
		SingleThresholdBytes: cfg.Upload.SingleThresholdBytes,
		PartSizeBytes:        cfg.Upload.PartSizeBytes,
		PartConcurrency:      cfg.Upload.PartConcurrency,
		SessionTTL:           time.Duration(cfg.Upload.SessionTTLHours) * time.Hour,
		OperationTimeout:     time.Duration(cfg.Upload.OperationTimeoutSeconds) * time.Second,
	})
	if cfg.Compression.Enabled {
		svc = compress.New(svc, metaStore, compress.Config{MaxSizeBytes: cfg.Compression.MaxSizeBytes})
		slog.Info("Compression enabled", "max_size_bytes", cfg.Compression.MaxSizeBytes)
	}

	// Boot-time reap, then the periodic janitor.
	if n, err := svc.ReapExpiredSessions(context.Background()); err != nil {
		slog.Warn("Startup session reap failed", "error", err)
	} else if n > 0 {
		slog.Info("Reaped expired multipart sessions", "count", n)
	}

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	go runJanitor(janitorCtx, svc, time.Duration(cfg.Upload.ReapIntervalMinutes)*time.Minute)

	srv := server.New(metaStore, backend)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("FileVault listening", "addr", addr)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig)
		stopJanitor()

		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Shutdown error", "error", err)
			os.Exit(1)
		}
		slog.Info("Shutdown complete")
	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}
}

// buildBackend constructs the configured object storage backend.
func buildBackend(cfg *config.Config) (storage.ObjectStore, error) {
	ctx := context.Background()
	st := cfg.Storage

	switch st.Backend {
	case "s3":
		if st.S3Bucket == "" {
			return nil, fmt.Errorf("storage.s3_bucket is required when backend is 's3'")
		}
		region := st.S3Region
		if region == "" {
			region = "us-east-1"
		}
		backend, err := storage.NewS3Store(ctx, st.S3Bucket, region, st.S3Prefix, st.S3EndpointURL, st.S3UsePathStyle, "", "")
		if err != nil {
			return nil, fmt.Errorf("failed to initialize S3 storage backend: %w", err)
		}
		slog.Info("Storage backend initialized", "backend", "s3", "bucket", st.S3Bucket, "region", region, "prefix", st.S3Prefix)
		return backend, nil
	case "gcs":
		if st.GCSBucket == "" {
			return nil, fmt.Errorf("storage.gcs_bucket is required when backend is 'gcs'")
		}
		backend, err := storage.NewGCSStore(ctx, st.GCSBucket, st.GCSPrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize GCS storage backend: %w", err)
		}
		slog.Info("Storage backend initialized", "backend", "gcs", "bucket", st.GCSBucket, "prefix", st.GCSPrefix)
		return backend, nil
	case "azure":
		if st.AzureContainer == "" {
			return nil, fmt.Errorf("storage.azure_container is required when backend is 'azure'")
		}
		if st.AzureAccountURL == "" {
			return nil, fmt.Errorf("storage.azure_account_url is required when backend is 'azure'")
		}
		backend, err := storage.NewAzureStore(ctx, st.AzureContainer, st.AzureAccountURL, st.AzurePrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Azure storage backend: %w", err)
		}
		slog.Info("Storage backend initialized", "backend", "azure", "container", st.AzureContainer, "account", st.AzureAccountURL, "prefix", st.AzurePrefix)
		return backend, nil
	case "memory":
		slog.Info("Storage backend initialized", "backend", "memory")
		return storage.NewMemoryStore(), nil
	default:
		root := st.Local.RootDir
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage root directory: %w", err)
		}
		backend, err := storage.NewLocalStore(root)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize local storage backend: %w", err)
		}
		// Crash-only recovery: sweep orphan temp files from interrupted writes.
		if err := backend.CleanTempFiles(); err != nil {
			slog.Warn("Failed to clean temp files", "error", err)
		}
		slog.Info("Storage backend initialized", "backend", "local", "root", root)
		return backend, nil
	}
}

// seedDefaultTier creates the configured default quota tier if it does
// not exist yet. Existing tiers are left alone.
func seedDefaultTier(store metadata.Store, cfg *config.Config) error {
	ctx := context.Background()

	tier, err := store.GetTier(ctx, cfg.Quota.DefaultTier)
	if err != nil {
		return err
	}
	if tier != nil {
		return nil
	}
	return store.PutTier(ctx, &metadata.TierRecord{
		Name:                cfg.Quota.DefaultTier,
		StorageLimitBytes:   cfg.Quota.StorageLimitBytes,
		FileCountLimit:      cfg.Quota.FileCountLimit,
		BandwidthLimitBytes: cfg.Quota.BandwidthLimitBytes,
	})
}

// runJanitor reaps expired multipart sessions on a fixed interval until
// the context is canceled.
func runJanitor(ctx context.Context, svc engine.Service, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.ReapExpiredSessions(ctx)
			if err != nil {
				slog.Warn("Session reap failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("Reaped expired multipart sessions", "count", n)
			}
		}
	}
}
