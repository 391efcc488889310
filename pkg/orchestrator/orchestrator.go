// Package orchestrator implements the container orchestrator subsystem:
// idempotent start/stop/restart/delete protocols for an application's
// single runtime container.
package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/hyac/pkg/appmeta"
	"github.com/cuemby/hyac/pkg/blob"
	"github.com/cuemby/hyac/pkg/container"
	"github.com/cuemby/hyac/pkg/db"
	"github.com/cuemby/hyac/pkg/health"
	"github.com/cuemby/hyac/pkg/log"
	"github.com/cuemby/hyac/pkg/metrics"
	"github.com/cuemby/hyac/pkg/proxysink"
	"github.com/rs/zerolog"
)

// Reference intervals: a 30-attempt, 2-second health poll, a 15-attempt,
// 1-second network-readiness wait ahead of it, and a 3-attempt, 3-second
// proxy-reload retry.
const (
	networkWaitAttempts = 15
	networkWaitInterval = 1 * time.Second
	healthPollAttempts  = 30
	healthPollInterval  = 2 * time.Second
	reloadRetryAttempts = 3
	reloadRetryInterval = 3 * time.Second

	runtimeImage   = "hyac/app-runtime:latest"
	runtimeNetwork = "hyac_network"
	runtimePort    = 8001
)

// RunningApp is what the orchestrator remembers about an application it
// has started, mirroring the original's in-memory running_apps dict.
type RunningApp struct {
	ContainerID   string
	ContainerName string
}

// StartConfig carries everything StartAppContainer needs beyond what it can
// derive from the app_id via pkg/appmeta.
type StartConfig struct {
	AppID      string
	Env        map[string]string
	Host       string // externally visible hostname for the proxy route
	DBPassword string // password for the app's dedicated DB user
}

// Orchestrator owns the in-memory registry of running application
// containers and drives them through the container Engine, the blob and
// document stores (for prerequisite provisioning), and the proxy Sink.
type Orchestrator struct {
	engine container.Engine
	sink   proxysink.Sink
	blob   blob.Store
	store  db.Store
	logger zerolog.Logger

	mu      sync.Mutex
	running map[string]RunningApp

	// checkNetwork dials address and reports whether the container is
	// reachable; a field rather than a bare health.NewTCPChecker call so
	// tests against container.FakeEngine (which never opens a real
	// socket) can substitute an always-ready stub.
	checkNetwork func(ctx context.Context, address string) bool
}

// New builds an Orchestrator. blobStore and store back the "ensure
// prerequisites" step of StartAppContainer: the app's two buckets and its
// dedicated database user.
func New(engine container.Engine, sink proxysink.Sink, blobStore blob.Store, store db.Store) *Orchestrator {
	return &Orchestrator{
		engine:  engine,
		sink:    sink,
		blob:    blobStore,
		store:   store,
		logger:  log.WithComponent("orchestrator"),
		running: make(map[string]RunningApp),
		checkNetwork: func(ctx context.Context, address string) bool {
			return health.NewTCPChecker(address).Check(ctx).Healthy
		},
	}
}

// SetNetworkCheckFunc overrides the network-readiness probe, for tests
// running against an Engine that never opens a real socket.
func (o *Orchestrator) SetNetworkCheckFunc(fn func(ctx context.Context, address string) bool) {
	o.checkNetwork = fn
}

// StartAppContainer starts cfg.AppID's runtime container if it is not
// already tracked as running (idempotent short-circuit, matching the
// original's `if app.app_id in running_apps: return running_apps[...]`).
func (o *Orchestrator) StartAppContainer(ctx context.Context, cfg StartConfig) (*RunningApp, error) {
	o.mu.Lock()
	if existing, ok := o.running[cfg.AppID]; ok {
		o.mu.Unlock()
		return &existing, nil
	}
	o.mu.Unlock()

	timer := metrics.NewTimer()
	containerName := appmeta.ContainerName(cfg.AppID)
	logger := log.WithAppID(cfg.AppID)

	if err := o.ensurePrerequisites(ctx, cfg); err != nil {
		return nil, fmt.Errorf("ensure prerequisites: %w", err)
	}

	// Remove any stale container with the same name before creating a
	// fresh one.
	if existing, err := o.engine.Inspect(ctx, containerName); err == nil {
		logger.Warn().Str("container_id", existing.ID).Msg("removing stale container before start")
		_ = o.engine.StopContainer(ctx, existing.ID)
		_ = o.engine.RemoveContainer(ctx, existing.ID, true)
	}

	if err := o.engine.PullImage(ctx, runtimeImage); err != nil {
		return nil, fmt.Errorf("pull runtime image: %w", err)
	}

	route := proxysink.Route{
		AppID:         cfg.AppID,
		ContainerName: containerName,
		ContainerPort: runtimePort,
		Host:          cfg.Host,
	}
	// Docker only accepts labels at create time, so they're computed and
	// passed into CreateOptions here rather than recorded later via Apply.
	labels := proxysink.BuildLabels(route)

	id, err := o.engine.CreateContainer(ctx, container.CreateOptions{
		Name:    containerName,
		Image:   runtimeImage,
		Env:     cfg.Env,
		Labels:  labels,
		Network: runtimeNetwork,
		HealthCheck: &container.HealthCheck{
			Test:        []string{"CMD", "curl", "-f", "http://localhost:8001/__runtime_health__"},
			Interval:    10 * time.Second,
			Timeout:     5 * time.Second,
			Retries:     5,
			StartPeriod: 15 * time.Second,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	if err := o.engine.StartContainer(ctx, id); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	if err := o.waitNetworkReady(ctx, containerName, logger); err != nil {
		_ = o.engine.StopContainer(ctx, id)
		_ = o.engine.RemoveContainer(ctx, id, true)
		return nil, err
	}

	if err := o.waitHealthy(ctx, id, logger); err != nil {
		_ = o.engine.StopContainer(ctx, id)
		_ = o.engine.RemoveContainer(ctx, id, true)
		return nil, err
	}

	if err := o.applyRouteWithRetry(ctx, route); err != nil {
		_ = o.engine.StopContainer(ctx, id)
		_ = o.engine.RemoveContainer(ctx, id, true)
		return nil, err
	}

	webRoute := proxysink.Route{
		AppID:        cfg.AppID + "-web",
		Host:         cfg.Host,
		StaticBucket: appmeta.WebBucket(cfg.AppID),
	}
	if err := o.sink.Apply(ctx, webRoute); err != nil {
		logger.Error().Err(err).Msg("failed to apply static web route")
	}

	running := RunningApp{ContainerID: id, ContainerName: containerName}
	o.mu.Lock()
	o.running[cfg.AppID] = running
	o.mu.Unlock()

	timer.ObserveDuration(metrics.ContainerStartDuration)
	metrics.ApplicationsRunning.Inc()
	logger.Info().Str("container_id", id).Msg("application container started")
	return &running, nil
}

// ensurePrerequisites idempotently provisions the application's two object
// storage buckets (public-read policy on the web bucket) and its dedicated
// database user, matching the start protocol's "ensure prerequisites" step.
func (o *Orchestrator) ensurePrerequisites(ctx context.Context, cfg StartConfig) error {
	if err := o.ensureBucket(ctx, appmeta.AppBucket(cfg.AppID), false); err != nil {
		return err
	}
	if err := o.ensureBucket(ctx, appmeta.WebBucket(cfg.AppID), true); err != nil {
		return err
	}
	if o.store != nil {
		if err := o.store.ProvisionApp(ctx, cfg.AppID, cfg.DBPassword); err != nil {
			return fmt.Errorf("provision db user: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) ensureBucket(ctx context.Context, bucket string, publicRead bool) error {
	if o.blob == nil {
		return nil
	}
	exists, err := o.blob.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := o.blob.MakeBucket(ctx, bucket); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	if publicRead {
		if err := o.blob.SetBucketPublicRead(ctx, bucket); err != nil {
			return fmt.Errorf("set public-read policy on bucket %s: %w", bucket, err)
		}
	}
	return nil
}

// waitNetworkReady dials containerName's runtime port on the Docker network
// up to networkWaitAttempts times, confirming the container is reachable by
// name before the health poll starts probing it.
func (o *Orchestrator) waitNetworkReady(ctx context.Context, containerName string, logger zerolog.Logger) error {
	address := containerName + ":" + strconv.Itoa(runtimePort)

	for attempt := 0; attempt < networkWaitAttempts; attempt++ {
		if o.checkNetwork(ctx, address) {
			return nil
		}
		select {
		case <-time.After(networkWaitInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	logger.Warn().Int("attempts", networkWaitAttempts).Msg("container network did not become reachable in time")
	return fmt.Errorf("container network not reachable within %d attempts", networkWaitAttempts)
}

// waitHealthy polls the container's Docker health status up to
// healthPollAttempts times, matching start_app_container's poll loop.
func (o *Orchestrator) waitHealthy(ctx context.Context, id string, logger zerolog.Logger) error {
	status := health.NewStatus()
	cfg := health.Config{Interval: healthPollInterval, Retries: 1, Timeout: 0}

	for attempt := 0; attempt < healthPollAttempts; attempt++ {
		info, err := o.engine.Inspect(ctx, id)
		checkedAt := time.Now()

		if err != nil {
			status.Update(health.Result{Healthy: false, Message: err.Error(), CheckedAt: checkedAt}, cfg)
		} else {
			switch info.Health {
			case container.HealthStatusHealthy:
				return nil
			case container.HealthStatusUnhealthy:
				return fmt.Errorf("container reported unhealthy during startup")
			default:
				status.Update(health.Result{Healthy: false, Message: string(info.Health), CheckedAt: checkedAt}, cfg)
			}
		}

		select {
		case <-time.After(healthPollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	logger.Warn().Int("attempts", healthPollAttempts).Msg("container did not become healthy in time")
	return fmt.Errorf("container did not become healthy within %d attempts", healthPollAttempts)
}

// applyRouteWithRetry retries the proxy sink apply up to reloadRetryAttempts
// times, matching start_app_container's reload_nginx retry loop, and rolls
// back the route on total failure.
func (o *Orchestrator) applyRouteWithRetry(ctx context.Context, route proxysink.Route) error {
	var lastErr error
	for attempt := 0; attempt < reloadRetryAttempts; attempt++ {
		if err := o.sink.Apply(ctx, route); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-time.After(reloadRetryInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	_ = o.sink.Remove(ctx, route.AppID)
	return fmt.Errorf("apply proxy route after %d attempts: %w", reloadRetryAttempts, lastErr)
}

// StopAppContainer stops and removes appID's tracked container and retracts
// its proxy route, matching stop_app_container. It is a no-op if the app
// isn't tracked as running.
func (o *Orchestrator) StopAppContainer(ctx context.Context, appID string) error {
	o.mu.Lock()
	running, ok := o.running[appID]
	o.mu.Unlock()
	if !ok {
		return nil
	}

	timer := metrics.NewTimer()
	if err := o.engine.StopContainer(ctx, running.ContainerID); err != nil {
		return fmt.Errorf("stop container: %w", err)
	}
	if err := o.engine.RemoveContainer(ctx, running.ContainerID, true); err != nil {
		return fmt.Errorf("remove container: %w", err)
	}
	if err := o.sink.Remove(ctx, appID); err != nil {
		o.logger.Error().Err(err).Str("app_id", appID).Msg("failed to retract proxy route")
	}
	if err := o.sink.Remove(ctx, appID+"-web"); err != nil {
		o.logger.Error().Err(err).Str("app_id", appID).Msg("failed to retract static web route")
	}

	o.mu.Lock()
	delete(o.running, appID)
	o.mu.Unlock()

	timer.ObserveDuration(metrics.ContainerStopDuration)
	metrics.ApplicationsRunning.Dec()
	return nil
}

// RestartAppContainer restarts appID's tracked container in place.
func (o *Orchestrator) RestartAppContainer(ctx context.Context, appID string) error {
	o.mu.Lock()
	running, ok := o.running[appID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("application %s is not running", appID)
	}
	return o.engine.RestartContainer(ctx, running.ContainerID)
}

// DeleteApplication tears down an application's container and proxy route.
// Remaining cleanup (buckets, database, document records) is owned by the
// task queue worker, which calls this first, matching
// delete_application_background's initial stop_app_container(app.app_id)
// call before its further cleanup steps.
func (o *Orchestrator) DeleteApplication(ctx context.Context, appID string) error {
	return o.StopAppContainer(ctx, appID)
}

// IsRunning reports whether the orchestrator currently tracks appID as
// running.
func (o *Orchestrator) IsRunning(appID string) (RunningApp, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.running[appID]
	return r, ok
}

// Adopt registers appID as already running against an existing container,
// without starting, inspecting or routing anything.
func (o *Orchestrator) Adopt(appID string, running RunningApp) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running[appID] = running
}
