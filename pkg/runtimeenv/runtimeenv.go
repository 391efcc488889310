// Package runtimeenv implements the env facade handed to a function
// invocation's context: get reads the live process environment (kept
// current by pkg/watchers.EnvWatcher's change-stream subscription), and
// set writes through to the Application document, then updates the
// process environment immediately.
package runtimeenv

import (
	"context"
	"os"
	"time"

	"github.com/cuemby/hyac/pkg/db"
)

// Facade is the env collaborator injected into a function's context.
type Facade struct {
	store db.Store
	appID string
}

// New builds a Facade scoped to appID.
func New(store db.Store, appID string) *Facade {
	return &Facade{store: store, appID: appID}
}

// Get reads key from the process environment, returning def if unset.
func (f *Facade) Get(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

// Set persists key=value to the Application document — triggering every
// other runtime process's EnvWatcher via the change feed — and updates
// this process's own environment immediately, so the write is visible to
// the caller's own subsequent Get without waiting on the watcher's own
// change-feed round trip.
func (f *Facade) Set(ctx context.Context, key, value string) error {
	doc, err := f.store.Collection("applications").FindOne(ctx, map[string]any{"app_id": f.appID})
	if err != nil {
		return err
	}

	rawVars, _ := doc["environment_variables"].([]any)
	found := false
	for _, rv := range rawVars {
		m, ok := rv.(map[string]any)
		if !ok {
			continue
		}
		if k, _ := m["key"].(string); k == key {
			m["value"] = value
			found = true
			break
		}
	}
	if !found {
		rawVars = append(rawVars, map[string]any{"key": key, "value": value})
	}

	if err := f.store.Collection("applications").UpdateOne(ctx, map[string]any{"app_id": f.appID}, map[string]any{
		"$set": map[string]any{"environment_variables": rawVars, "updated_at": time.Now()},
	}); err != nil {
		return err
	}

	return os.Setenv(key, value)
}
