// Package main is the per-application runtime process entry point: one
// process per running Application, serving its published endpoint
// functions and keeping its code cache, common-function namespace, and
// process environment in sync with the document store.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/hyac/pkg/appmeta"
	"github.com/cuemby/hyac/pkg/blob"
	"github.com/cuemby/hyac/pkg/codecache"
	"github.com/cuemby/hyac/pkg/common"
	"github.com/cuemby/hyac/pkg/compile"
	"github.com/cuemby/hyac/pkg/config"
	"github.com/cuemby/hyac/pkg/db"
	"github.com/cuemby/hyac/pkg/dispatch"
	"github.com/cuemby/hyac/pkg/log"
	"github.com/cuemby/hyac/pkg/metrics"
	"github.com/cuemby/hyac/pkg/watchers"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const httpShutdownTimeout = 10 * time.Second

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "hyac-runtime",
	Short:   "Hyac per-application runtime: serves one application's published functions",
	Version: Version,
	RunE:    runRuntime,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"hyac-runtime version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
}

func runRuntime(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadRuntime()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSONOutput})
	logger := log.WithComponent("runtime").With().Str("app_id", cfg.AppID).Logger()

	ctx := context.Background()
	store, err := openDocumentStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect to document store: %w", err)
	}
	defer store.Close(ctx)

	blobStore, err := openBlobStore(cfg)
	if err != nil {
		return fmt.Errorf("connect to object store: %w", err)
	}

	compiler := compile.New()
	cache := codecache.NewDefault()

	commonNS := common.New(store, compiler, cfg.AppID, compile.NewMinioOpener(blobStore, appmeta.AppBucket(cfg.AppID)))
	if err := commonNS.ReloadCommon(ctx, cfg.AppID); err != nil {
		logger.Warn().Err(err).Msg("initial common-function load failed, continuing with an empty namespace")
	}

	functionWatcher := watchers.NewFunctionWatcher(store, cfg.AppID, cache, commonNS)
	if err := functionWatcher.Start(ctx); err != nil {
		return fmt.Errorf("start function watcher: %w", err)
	}
	defer functionWatcher.Stop()
	logger.Info().Msg("function watcher started")

	envWatcher := watchers.NewEnvWatcher(store, cfg.AppID)
	if err := envWatcher.Start(ctx); err != nil {
		return fmt.Errorf("start env watcher: %w", err)
	}
	defer envWatcher.Stop()
	logger.Info().Msg("env watcher started")

	d := dispatch.New(cfg.AppID, store, blobStore, compiler, cache, commonNS)

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: d}
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("dispatch server error: %w", err)
		}
	}()
	logger.Info().Str("addr", cfg.ListenAddr).Msg("function dispatch listening")

	metrics.SetVersion(Version)
	metrics.SetCriticalComponents([]string{"document_store", "dispatch"})
	metrics.RegisterComponent("document_store", true, "connected")
	metrics.RegisterComponent("dispatch", true, "ready")

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsMux.Handle("/health", metrics.HealthHandler())
	metricsMux.Handle("/ready", metrics.ReadyHandler())
	metricsMux.Handle("/live", metrics.LivenessHandler())
	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, metricsMux); err != nil {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("shutting down after server error")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("dispatch server shutdown did not complete cleanly")
	}
	d.Wait()
	return nil
}

// openDocumentStore connects to MongoDB, except in dev mode without a
// configured Mongo URI, where it falls back to a local BoltStore under
// cfg.DataDir, mirroring cmd/controller's fallback.
func openDocumentStore(ctx context.Context, cfg *config.RuntimeConfig) (db.Store, error) {
	if cfg.DevMode && cfg.DocumentStore.URI == "" {
		return db.NewBoltStore(cfg.DataDir)
	}
	return db.NewMongoStore(ctx, cfg.DocumentStore.URI, cfg.DocumentStore.Database)
}

// openBlobStore connects to MinIO, except in dev mode without a configured
// endpoint, where it falls back to an in-memory blob store.
func openBlobStore(cfg *config.RuntimeConfig) (blob.Store, error) {
	if cfg.DevMode && cfg.BlobStore.Endpoint == "" {
		return blob.NewMemStore(), nil
	}
	return blob.NewMinioStore(cfg.BlobStore.Endpoint, cfg.BlobStore.AccessKeyID, cfg.BlobStore.SecretAccessKey, cfg.BlobStore.UseSSL)
}
