// Package main is the controller process entry point: the management HTTP
// API, the task worker, the scheduler, and the reconciliation loop all run
// in this one binary, configured from the environment per pkg/config.
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

	"github.com/cuemby/hyac/pkg/blob"
	"github.com/cuemby/hyac/pkg/config"
	"github.com/cuemby/hyac/pkg/container"
	"github.com/cuemby/hyac/pkg/controllerapi"
	"github.com/cuemby/hyac/pkg/db"
	"github.com/cuemby/hyac/pkg/log"
	"github.com/cuemby/hyac/pkg/metrics"
	"github.com/cuemby/hyac/pkg/orchestrator"
	"github.com/cuemby/hyac/pkg/proxysink"
	"github.com/cuemby/hyac/pkg/reconciler"
	"github.com/cuemby/hyac/pkg/scheduler"
	"github.com/cuemby/hyac/pkg/taskqueue"
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
	Use:     "hyac-controller",
	Short:   "Hyac controller: management API, task worker, scheduler, reconciler",
	Version: Version,
	RunE:    runController,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"hyac-controller version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
}

func runController(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadController()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSONOutput})
	logger := log.WithComponent("controller")

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

	engine, err := container.NewDockerEngine(cfg.ContainerEngine.Host)
	if err != nil {
		return fmt.Errorf("connect to container engine: %w", err)
	}

	sink, err := proxysink.NewFileSink(cfg.ProxyConfigDir)
	if err != nil {
		return fmt.Errorf("open proxy config sink: %w", err)
	}

	orch := orchestrator.New(engine, sink, blobStore, store)

	recon := reconciler.New(store, engine)
	recon.Start()
	defer recon.Stop()
	logger.Info().Msg("reconciler started")

	sched := scheduler.New(store)
	sched.RegisterSystemTask("system_sync_runtime_status", recon.ReconcileOnce)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()
	logger.Info().Msg("scheduler started")

	worker := taskqueue.New(store, blobStore, engine, orch)
	if err := worker.Start(ctx); err != nil {
		return fmt.Errorf("start task worker: %w", err)
	}
	defer worker.Stop()
	logger.Info().Msg("task worker started")

	api := controllerapi.New(controllerapi.Config{
		Store:      store,
		Blob:       blobStore,
		Scheduler:  sched,
		Orch:       orch,
		BaseDomain: cfg.BaseDomain,
		DevMode:    cfg.DevMode,
	})

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: api}
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("management API server error: %w", err)
		}
	}()
	logger.Info().Str("addr", cfg.ListenAddr).Msg("management API listening")

	metrics.SetVersion(Version)
	metrics.SetCriticalComponents([]string{"document_store", "management_api"})
	metrics.RegisterComponent("document_store", true, "connected")
	metrics.RegisterComponent("management_api", true, "ready")

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
		logger.Warn().Err(err).Msg("management API shutdown did not complete cleanly")
	}
	return nil
}

// openDocumentStore connects to MongoDB, except in dev mode without a
// configured Mongo URI, where it falls back to a local BoltStore under
// cfg.DataDir so the controller can run without any external dependency.
func openDocumentStore(ctx context.Context, cfg *config.ControllerConfig) (db.Store, error) {
	if cfg.DevMode && cfg.DocumentStore.URI == "" {
		return db.NewBoltStore(cfg.DataDir)
	}
	return db.NewMongoStore(ctx, cfg.DocumentStore.URI, cfg.DocumentStore.Database)
}

// openBlobStore connects to MinIO, except in dev mode without a configured
// endpoint, where it falls back to an in-memory blob store.
func openBlobStore(cfg *config.ControllerConfig) (blob.Store, error) {
	if cfg.DevMode && cfg.BlobStore.Endpoint == "" {
		return blob.NewMemStore(), nil
	}
	return blob.NewMinioStore(cfg.BlobStore.Endpoint, cfg.BlobStore.AccessKeyID, cfg.BlobStore.SecretAccessKey, cfg.BlobStore.UseSSL)
}
