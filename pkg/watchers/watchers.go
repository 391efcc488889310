// Package watchers implements the runtime-side change watchers: the
// function-change and environment-change subscribers on the document DB
// change feed.
//
// The controller's equivalent task watcher lives in pkg/taskqueue, since
// it is inseparable from task dispatch rather than a standalone cache/env
// concern.
package watchers

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/cuemby/hyac/pkg/db"
	"github.com/cuemby/hyac/pkg/log"
	"github.com/cuemby/hyac/pkg/metrics"
	"github.com/cuemby/hyac/pkg/types"
	"github.com/rs/zerolog"
)

// restartBackoff is the bounded pause between a stream failure and a
// resubscribe attempt.
const restartBackoff = 7 * time.Second

// CacheInvalidator is the subset of the runtime code cache a change watcher
// needs.
type CacheInvalidator interface {
	Invalidate(appID, identifier string)
}

// CommonLoader reloads an application's published common-function
// namespace, invoked after any common function's code changes.
type CommonLoader interface {
	ReloadCommon(ctx context.Context, appID string) error
}

// FunctionWatcher invalidates the code cache, and reloads the common
// namespace, on function code changes for one application.
type FunctionWatcher struct {
	store  db.Store
	appID  string
	cache  CacheInvalidator
	common CommonLoader
	logger zerolog.Logger

	mu      sync.Mutex
	stopped bool
	stopCh  chan struct{}
}

// NewFunctionWatcher builds a watcher scoped to appID.
func NewFunctionWatcher(store db.Store, appID string, cache CacheInvalidator, common CommonLoader) *FunctionWatcher {
	return &FunctionWatcher{
		store:  store,
		appID:  appID,
		cache:  cache,
		common: common,
		logger: log.WithComponent("watchers.function"),
		stopCh: make(chan struct{}),
	}
}

// Start subscribes in the background. It returns once the first
// subscription attempt succeeds or fails.
func (w *FunctionWatcher) Start(ctx context.Context) error {
	events, cancel, err := w.subscribe(ctx)
	if err != nil {
		return err
	}
	go w.consume(ctx, events, cancel)
	return nil
}

// Stop ends the watcher for good; it will not resubscribe after this call.
func (w *FunctionWatcher) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	close(w.stopCh)
}

func (w *FunctionWatcher) subscribe(ctx context.Context) (<-chan db.ChangeEvent, func(), error) {
	return w.store.Watch(ctx, db.WatchOptions{
		Collection: "functions",
		Operations: []db.Operation{db.OpUpdate, db.OpReplace},
		Match: func(doc map[string]any) bool {
			appID, _ := doc["app_id"].(string)
			return appID == w.appID
		},
	})
}

func (w *FunctionWatcher) consume(ctx context.Context, events <-chan db.ChangeEvent, cancel func()) {
	defer cancel()
	for ev := range events {
		w.handle(ctx, ev)
	}

	w.mu.Lock()
	stopped := w.stopped
	w.mu.Unlock()
	if stopped {
		return
	}

	metrics.WatcherRestartsTotal.WithLabelValues("function").Inc()
	w.logger.Warn().Str("app_id", w.appID).Dur("backoff", restartBackoff).Msg("function watcher stream ended, restarting after backoff")

	select {
	case <-time.After(restartBackoff):
	case <-w.stopCh:
		return
	}

	newEvents, newCancel, err := w.subscribe(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("function watcher failed to resubscribe")
		return
	}
	w.consume(ctx, newEvents, newCancel)
}

func (w *FunctionWatcher) handle(ctx context.Context, ev db.ChangeEvent) {
	doc := ev.FullDocument
	appID, _ := doc["app_id"].(string)
	if appID == "" {
		return
	}

	functionType, _ := doc["function_type"].(string)
	if functionType == "" {
		functionType = string(types.FunctionTypeEndpoint)
	}

	var identifier string
	if functionType == string(types.FunctionTypeCommon) {
		identifier, _ = doc["function_name"].(string)
	} else {
		identifier, _ = doc["function_id"].(string)
	}
	if identifier == "" {
		return
	}

	shouldInvalidate := false
	switch ev.Operation {
	case db.OpUpdate:
		for _, f := range ev.UpdatedFields {
			if f == "code" {
				shouldInvalidate = true
				break
			}
		}
	case db.OpReplace:
		shouldInvalidate = true
	}
	if !shouldInvalidate {
		return
	}

	w.logger.Info().Str("app_id", appID).Str("identifier", identifier).Str("function_type", functionType).Msg("invalidating code cache entry")
	w.cache.Invalidate(appID, identifier)

	if functionType == string(types.FunctionTypeCommon) {
		if err := w.common.ReloadCommon(ctx, appID); err != nil {
			w.logger.Error().Err(err).Str("app_id", appID).Msg("failed to reload common namespace")
		}
	}
}

// EnvWatcher synchronizes the process environment to an application's
// persisted environment_variables list.
type EnvWatcher struct {
	store  db.Store
	appID  string
	logger zerolog.Logger

	mu      sync.Mutex
	managed map[string]string // keys this watcher previously applied, and their last-applied value
	stopped bool
	stopCh  chan struct{}

	setenv   func(key, value string) error
	unsetenv func(key string) error
}

// NewEnvWatcher builds a watcher scoped to appID.
func NewEnvWatcher(store db.Store, appID string) *EnvWatcher {
	return &EnvWatcher{
		store:    store,
		appID:    appID,
		logger:   log.WithComponent("watchers.env"),
		managed:  make(map[string]string),
		stopCh:   make(chan struct{}),
		setenv:   func(k, v string) error { return os.Setenv(k, v) },
		unsetenv: func(k string) error { return os.Unsetenv(k) },
	}
}

// SetEnvFuncsForTest overrides the setenv/unsetenv hooks, letting tests
// observe environment changes without touching the real process
// environment. Production callers never need this; os.Setenv/os.Unsetenv
// are the defaults.
func (w *EnvWatcher) SetEnvFuncsForTest(setenv func(key, value string) error, unsetenv func(key string) error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.setenv = setenv
	w.unsetenv = unsetenv
}

// Start subscribes in the background.
func (w *EnvWatcher) Start(ctx context.Context) error {
	events, cancel, err := w.subscribe(ctx)
	if err != nil {
		return err
	}
	go w.consume(ctx, events, cancel)
	return nil
}

// Stop ends the watcher for good.
func (w *EnvWatcher) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	close(w.stopCh)
}

func (w *EnvWatcher) subscribe(ctx context.Context) (<-chan db.ChangeEvent, func(), error) {
	return w.store.Watch(ctx, db.WatchOptions{
		Collection: "applications",
		Operations: []db.Operation{db.OpUpdate},
		Match: func(doc map[string]any) bool {
			appID, _ := doc["app_id"].(string)
			return appID == w.appID
		},
	})
}

func (w *EnvWatcher) consume(ctx context.Context, events <-chan db.ChangeEvent, cancel func()) {
	defer cancel()
	for ev := range events {
		w.handle(ev)
	}

	w.mu.Lock()
	stopped := w.stopped
	w.mu.Unlock()
	if stopped {
		return
	}

	metrics.WatcherRestartsTotal.WithLabelValues("env").Inc()
	w.logger.Warn().Str("app_id", w.appID).Dur("backoff", restartBackoff).Msg("environment watcher stream ended, restarting after backoff")

	select {
	case <-time.After(restartBackoff):
	case <-w.stopCh:
		return
	}

	newEvents, newCancel, err := w.subscribe(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("environment watcher failed to resubscribe")
		return
	}
	w.consume(ctx, newEvents, newCancel)
}

func (w *EnvWatcher) handle(ev db.ChangeEvent) {
	rawVars, _ := ev.FullDocument["environment_variables"].([]any)
	latest := make(map[string]string, len(rawVars))
	for _, rv := range rawVars {
		m, ok := rv.(map[string]any)
		if !ok {
			continue
		}
		key, _ := m["key"].(string)
		value, _ := m["value"].(string)
		if key != "" {
			latest[key] = value
		}
	}
	w.apply(latest)
}

// apply diffs latest against the set this watcher previously applied and
// updates the process environment accordingly. Tracking its own
// previously-applied set explicitly (rather than recomputing "currently
// managed" keys from a fresh read on every event) makes removal
// unambiguous: a key is removed only if this watcher previously set it and
// it is no longer present.
func (w *EnvWatcher) apply(latest map[string]string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for key := range w.managed {
		if _, stillPresent := latest[key]; !stillPresent {
			if err := w.unsetenv(key); err != nil {
				w.logger.Error().Err(err).Str("key", key).Msg("failed to remove environment variable")
				continue
			}
			w.logger.Info().Str("key", key).Msg("removed environment variable")
			delete(w.managed, key)
		}
	}

	for key, value := range latest {
		if w.managed[key] == value {
			continue
		}
		if err := w.setenv(key, value); err != nil {
			w.logger.Error().Err(err).Str("key", key).Msg("failed to set environment variable")
			continue
		}
		w.logger.Info().Str("key", key).Msg("updated environment variable")
		w.managed[key] = value
	}
}
