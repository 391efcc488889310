package runtimeenv_test

import (
	"context"
	"os"
	"testing"

	"github.com/cuemby/hyac/pkg/db"
	"github.com/cuemby/hyac/pkg/runtimeenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetPersistsAndUpdatesProcessEnv(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemStore()
	require.NoError(t, store.Collection("applications").InsertOne(ctx, map[string]any{
		"app_id": "app1", "environment_variables": []any{},
	}))

	f := runtimeenv.New(store, "app1")
	require.NoError(t, f.Set(ctx, "FOO", "bar"))
	defer os.Unsetenv("FOO")

	assert.Equal(t, "bar", f.Get("FOO", "default"))
	assert.Equal(t, "bar", os.Getenv("FOO"))

	doc, err := store.Collection("applications").FindOne(ctx, map[string]any{"app_id": "app1"})
	require.NoError(t, err)
	vars := doc["environment_variables"].([]any)
	require.Len(t, vars, 1)
	assert.Equal(t, "bar", vars[0].(map[string]any)["value"])
}

func TestSetOverwritesExistingKey(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemStore()
	require.NoError(t, store.Collection("applications").InsertOne(ctx, map[string]any{
		"app_id": "app1", "environment_variables": []any{map[string]any{"key": "FOO", "value": "old"}},
	}))

	f := runtimeenv.New(store, "app1")
	require.NoError(t, f.Set(ctx, "FOO", "new"))
	defer os.Unsetenv("FOO")

	doc, err := store.Collection("applications").FindOne(ctx, map[string]any{"app_id": "app1"})
	require.NoError(t, err)
	vars := doc["environment_variables"].([]any)
	require.Len(t, vars, 1)
	assert.Equal(t, "new", vars[0].(map[string]any)["value"])
}

func TestGetFallsBackToDefault(t *testing.T) {
	f := runtimeenv.New(db.NewMemStore(), "app1")
	assert.Equal(t, "fallback", f.Get("HYAC_DEFINITELY_UNSET_KEY", "fallback"))
}
