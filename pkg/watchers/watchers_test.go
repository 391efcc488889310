package watchers_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/hyac/pkg/db"
	"github.com/cuemby/hyac/pkg/watchers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCache struct {
	mu          sync.Mutex
	invalidated []string
}

func (f *fakeCache) Invalidate(appID, identifier string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, appID+"::"+identifier)
}

func (f *fakeCache) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.invalidated))
	copy(out, f.invalidated)
	return out
}

type fakeCommonLoader struct {
	mu      sync.Mutex
	reloads int
}

func (f *fakeCommonLoader) ReloadCommon(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads++
	return nil
}

func (f *fakeCommonLoader) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reloads
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestFunctionWatcherInvalidatesOnCodeUpdate(t *testing.T) {
	store := db.NewMemStore()
	ctx := context.Background()
	cache := &fakeCache{}
	common := &fakeCommonLoader{}

	w := watchers.NewFunctionWatcher(store, "app1", cache, common)
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, store.Collection("functions").InsertOne(ctx, map[string]any{
		"function_id": "fn1", "app_id": "app1", "function_type": "endpoint", "code": "v1",
	}))
	require.NoError(t, store.Collection("functions").UpdateOne(ctx, map[string]any{"function_id": "fn1"}, map[string]any{
		"$set": map[string]any{"code": "v2"},
	}))

	waitUntil(t, time.Second, func() bool {
		return len(cache.snapshot()) == 1
	})
	assert.Equal(t, []string{"app1::fn1"}, cache.snapshot())
	assert.Equal(t, 0, common.count())
}

func TestFunctionWatcherReloadsCommonNamespaceByName(t *testing.T) {
	store := db.NewMemStore()
	ctx := context.Background()
	cache := &fakeCache{}
	common := &fakeCommonLoader{}

	w := watchers.NewFunctionWatcher(store, "app1", cache, common)
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, store.Collection("functions").InsertOne(ctx, map[string]any{
		"function_id": "fn2", "function_name": "math_utils", "app_id": "app1", "function_type": "common", "code": "v1",
	}))
	require.NoError(t, store.Collection("functions").UpdateOne(ctx, map[string]any{"function_id": "fn2"}, map[string]any{
		"$set": map[string]any{"code": "v2"},
	}))

	waitUntil(t, time.Second, func() bool {
		return common.count() == 1
	})
	assert.Equal(t, []string{"app1::math_utils"}, cache.snapshot())
}

func TestFunctionWatcherIgnoresUnrelatedFieldUpdates(t *testing.T) {
	store := db.NewMemStore()
	ctx := context.Background()
	cache := &fakeCache{}
	common := &fakeCommonLoader{}

	w := watchers.NewFunctionWatcher(store, "app1", cache, common)
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, store.Collection("functions").InsertOne(ctx, map[string]any{
		"function_id": "fn3", "app_id": "app1", "function_type": "endpoint", "code": "v1", "tags": []string{},
	}))
	require.NoError(t, store.Collection("functions").UpdateOne(ctx, map[string]any{"function_id": "fn3"}, map[string]any{
		"$set": map[string]any{"tags": []string{"a"}},
	}))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, cache.snapshot())
}

func TestEnvWatcherAppliesAddsUpdatesAndRemovals(t *testing.T) {
	store := db.NewMemStore()
	ctx := context.Background()

	w := watchers.NewEnvWatcher(store, "app1")
	applied := map[string]string{}
	removed := map[string]bool{}
	var mu sync.Mutex
	w.SetEnvFuncsForTest(
		func(k, v string) error { mu.Lock(); applied[k] = v; mu.Unlock(); return nil },
		func(k string) error { mu.Lock(); removed[k] = true; delete(applied, k); mu.Unlock(); return nil },
	)
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, store.Collection("applications").InsertOne(ctx, map[string]any{
		"app_id": "app1",
		"environment_variables": []any{
			map[string]any{"key": "FOO", "value": "bar"},
		},
	}))
	require.NoError(t, store.Collection("applications").UpdateOne(ctx, map[string]any{"app_id": "app1"}, map[string]any{
		"$set": map[string]any{
			"environment_variables": []any{
				map[string]any{"key": "FOO", "value": "bar"},
			},
		},
	}))

	waitUntil(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return applied["FOO"] == "bar"
	})

	require.NoError(t, store.Collection("applications").UpdateOne(ctx, map[string]any{"app_id": "app1"}, map[string]any{
		"$set": map[string]any{
			"environment_variables": []any{},
		},
	}))

	waitUntil(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return removed["FOO"]
	})
}
