package common_test

import (
	"context"
	"testing"

	"github.com/cuemby/hyac/pkg/common"
	"github.com/cuemby/hyac/pkg/compile"
	"github.com/cuemby/hyac/pkg/db"
	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReloadCommonLoadsPublishedFunctionsOnly(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemStore()
	require.NoError(t, store.Collection("functions").InsertOne(ctx, map[string]any{
		"app_id": "app1", "function_name": "slugify", "function_type": "common",
		"status": "published", "code": `function handler(s) { return s.toLowerCase(); }`,
	}))
	require.NoError(t, store.Collection("functions").InsertOne(ctx, map[string]any{
		"app_id": "app1", "function_name": "draft_one", "function_type": "common",
		"status": "draft", "code": `function handler() { return 1; }`,
	}))

	ns := common.New(store, compile.New(), "app1", nil)
	require.NoError(t, ns.ReloadCommon(ctx, "app1"))

	assert.ElementsMatch(t, []string{"slugify"}, ns.Names())
}

func TestInvokeCallsCommonFunctionHandler(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemStore()
	require.NoError(t, store.Collection("functions").InsertOne(ctx, map[string]any{
		"app_id": "app1", "function_name": "double", "function_type": "common",
		"status": "published", "code": `function handler(n) { return n * 2; }`,
	}))

	ns := common.New(store, compile.New(), "app1", nil)
	require.NoError(t, ns.ReloadCommon(ctx, "app1"))

	result, err := ns.Invoke(ctx, "double", 21)
	require.NoError(t, err)
	assert.EqualValues(t, 42, result)
}

func TestInvokeUnknownNameFails(t *testing.T) {
	ns := common.New(db.NewMemStore(), compile.New(), "app1", nil)
	_, err := ns.Invoke(context.Background(), "missing")
	assert.Error(t, err)
}

func TestBindExposesCallableNamespace(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemStore()
	require.NoError(t, store.Collection("functions").InsertOne(ctx, map[string]any{
		"app_id": "app1", "function_name": "double", "function_type": "common",
		"status": "published", "code": `function handler(n) { return n * 2; }`,
	}))
	ns := common.New(store, compile.New(), "app1", nil)
	require.NoError(t, ns.ReloadCommon(ctx, "app1"))

	vm := goja.New()
	require.NoError(t, vm.Set("common", ns.Bind(ctx, vm)))
	v, err := vm.RunString("common.double(5)")
	require.NoError(t, err)
	assert.EqualValues(t, 10, v.Export())
}
