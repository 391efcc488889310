package reconciler_test

import (
	"context"
	"testing"

	"github.com/cuemby/hyac/pkg/container"
	"github.com/cuemby/hyac/pkg/db"
	"github.com/cuemby/hyac/pkg/reconciler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcilerMapsHealthyRunningContainerToRunningStatus(t *testing.T) {
	store := db.NewMemStore()
	engine := container.NewFakeEngine()
	ctx := context.Background()

	require.NoError(t, store.Collection("applications").InsertOne(ctx, map[string]any{
		"app_id": "app1", "status": "starting",
	}))
	id, err := engine.CreateContainer(ctx, container.CreateOptions{Name: "hyac-app-runtime-app1", Image: "hyac/app-runtime:latest"})
	require.NoError(t, err)
	require.NoError(t, engine.StartContainer(ctx, id))

	rec := reconciler.New(store, engine)
	require.NoError(t, rec.ReconcileOnce(ctx))

	doc, err := store.Collection("applications").FindOne(ctx, map[string]any{"app_id": "app1"})
	require.NoError(t, err)
	assert.Equal(t, "running", doc["status"])
}

func TestReconcilerMapsAbsentContainerToStoppedStatus(t *testing.T) {
	store := db.NewMemStore()
	engine := container.NewFakeEngine()
	ctx := context.Background()

	require.NoError(t, store.Collection("applications").InsertOne(ctx, map[string]any{
		"app_id": "app2", "status": "running",
	}))

	rec := reconciler.New(store, engine)
	require.NoError(t, rec.ReconcileOnce(ctx))

	doc, err := store.Collection("applications").FindOne(ctx, map[string]any{"app_id": "app2"})
	require.NoError(t, err)
	assert.Equal(t, "stopped", doc["status"])
}

func TestReconcilerSkipsTransitionalStatuses(t *testing.T) {
	store := db.NewMemStore()
	engine := container.NewFakeEngine()
	ctx := context.Background()

	require.NoError(t, store.Collection("applications").InsertOne(ctx, map[string]any{
		"app_id": "app3", "status": "deleting",
	}))

	rec := reconciler.New(store, engine)
	require.NoError(t, rec.ReconcileOnce(ctx))

	doc, err := store.Collection("applications").FindOne(ctx, map[string]any{"app_id": "app3"})
	require.NoError(t, err)
	assert.Equal(t, "deleting", doc["status"])
}
