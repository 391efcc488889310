package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/hyac/pkg/appmeta"
	"github.com/cuemby/hyac/pkg/container"
	"github.com/cuemby/hyac/pkg/db"
	"github.com/cuemby/hyac/pkg/log"
	"github.com/cuemby/hyac/pkg/metrics"
	"github.com/cuemby/hyac/pkg/types"
	"github.com/rs/zerolog"
)

// Reconciler ensures each Application's recorded status matches its
// runtime container's observed health.
type Reconciler struct {
	store  db.Store
	engine container.Engine
	logger zerolog.Logger
	mu     sync.RWMutex
	stopCh chan struct{}
}

// New creates a Reconciler.
func New(store db.Store, engine container.Engine) *Reconciler {
	return &Reconciler{
		store:  store,
		engine: engine,
		logger: log.WithComponent("reconciler"),
		stopCh: make(chan struct{}),
	}
}

// Start begins the reconciliation loop.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	r.logger.Info().Msg("reconciler started")

	for {
		select {
		case <-ticker.C:
			if err := r.ReconcileOnce(context.Background()); err != nil {
				r.logger.Error().Err(err).Msg("reconciliation cycle failed")
			}
		case <-r.stopCh:
			r.logger.Info().Msg("reconciler stopped")
			return
		}
	}
}

// ReconcileOnce runs a single reconciliation cycle immediately, without
// waiting for the ticker. The background loop calls this on every tick;
// callers needing a synchronous pass (tests, an admin-triggered resync) can
// call it directly.
func (r *Reconciler) ReconcileOnce(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	docs, err := r.store.Collection("applications").Find(ctx, nil)
	if err != nil {
		return err
	}

	for _, doc := range docs {
		appID, _ := doc["app_id"].(string)
		if appID == "" {
			continue
		}
		current := types.ApplicationStatus("")
		if v, ok := doc["status"].(string); ok {
			current = types.ApplicationStatus(v)
		}

		// Transitional statuses are owned by in-flight task execution,
		// not the reconciler.
		if current == types.ApplicationStatusStopping || current == types.ApplicationStatusDeleting || current == types.ApplicationStatusStopped {
			continue
		}

		observed := r.observedStatus(ctx, appID)
		if observed == current {
			continue
		}

		r.logger.Info().
			Str("app_id", appID).
			Str("from_status", string(current)).
			Str("to_status", string(observed)).
			Msg("reconciler: application status drift detected")

		if err := r.store.Collection("applications").UpdateOne(ctx, map[string]any{"app_id": appID}, map[string]any{
			"$set": map[string]any{"status": string(observed), "updated_at": time.Now()},
		}); err != nil {
			r.logger.Error().Err(err).Str("app_id", appID).Msg("reconciler: failed to write reconciled status")
			continue
		}
		metrics.ReconciliationMismatchesTotal.WithLabelValues(string(current), string(observed)).Inc()
	}

	return nil
}

// observedStatus maps an application's live container state/health onto
// an ApplicationStatus.
func (r *Reconciler) observedStatus(ctx context.Context, appID string) types.ApplicationStatus {
	info, err := r.engine.Inspect(ctx, appmeta.ContainerName(appID))
	if err != nil {
		return types.ApplicationStatusStopped
	}

	switch info.State {
	case container.RunStateCreated, container.RunStateRestarting:
		return types.ApplicationStatusStarting
	case container.RunStateExited, container.RunStateDead, container.RunStatePaused:
		return types.ApplicationStatusStopped
	case container.RunStateRunning:
		switch info.Health {
		case container.HealthStatusHealthy:
			return types.ApplicationStatusRunning
		case container.HealthStatusUnhealthy:
			return types.ApplicationStatusError
		default: // starting, none, or any other unrecognized value
			return types.ApplicationStatusStarting
		}
	default:
		return types.ApplicationStatusStopped
	}
}
