package compile_test

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/cuemby/hyac/pkg/blob"
	"github.com/cuemby/hyac/pkg/compile"
	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileAndInvokeReturnsHandlerResult(t *testing.T) {
	ctx := context.Background()
	c := compile.New()
	prog, err := c.Compile(ctx, "app1::fn1", `
		function handler(context, request, name) {
			return {greeting: "hello " + name};
		}
	`)
	require.NoError(t, err)

	prepared, err := compile.Prepare(ctx, prog, nil, compile.Globals{})
	require.NoError(t, err)
	assert.Equal(t, []string{"context", "request", "name"}, prepared.Params)

	result, err := prepared.Invoke(nil, nil, "world")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"greeting": "hello world"}, result)
}

func TestPrepareResolvesGlobalBuilderAgainstItsOwnRuntime(t *testing.T) {
	ctx := context.Background()
	c := compile.New()
	prog, err := c.Compile(ctx, "app1::fn1b", `
		function handler() {
			return helpers.double(21);
		}
	`)
	require.NoError(t, err)

	var builder compile.GlobalBuilder = func(vm *goja.Runtime) any {
		obj := vm.NewObject()
		_ = obj.Set("double", func(call goja.FunctionCall) goja.Value {
			return vm.ToValue(call.Argument(0).ToInteger() * 2)
		})
		return obj
	}
	prepared, err := compile.Prepare(ctx, prog, nil, compile.Globals{"helpers": builder})
	require.NoError(t, err)

	result, err := prepared.Invoke()
	require.NoError(t, err)
	assert.EqualValues(t, 42, result)
}

func TestPrepareFailsWithoutHandler(t *testing.T) {
	ctx := context.Background()
	c := compile.New()
	prog, err := c.Compile(ctx, "app1::fn2", `var x = 1;`)
	require.NoError(t, err)

	_, err = compile.Prepare(ctx, prog, nil, compile.Globals{})
	assert.Error(t, err)
}

func TestCompileConcurrentCallsForSameKeyAllSucceed(t *testing.T) {
	ctx := context.Background()
	c := compile.New()
	var calls int32

	const n = 8
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := c.Compile(ctx, "app1::shared", `function handler(context) { return 1; }`)
			atomic.AddInt32(&calls, 1)
			results <- err
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-results)
	}
	assert.EqualValues(t, n, calls)
}

func TestConsoleLogIsCaptured(t *testing.T) {
	ctx := context.Background()
	c := compile.New()
	prog, err := c.Compile(ctx, "app1::fn3", `
		function handler(context) {
			console.log("hi", "there");
			return null;
		}
	`)
	require.NoError(t, err)

	prepared, err := compile.Prepare(ctx, prog, nil, compile.Globals{})
	require.NoError(t, err)
	_, err = prepared.Invoke(nil)
	require.NoError(t, err)
	require.Len(t, *prepared.Logs, 1)
	assert.Equal(t, "hi there", (*prepared.Logs)[0])
}

func TestMinioOpenWriteThenReadRoundTrips(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemStore()
	opener := compile.NewMinioOpener(store, "app1")

	c := compile.New()
	prog, err := c.Compile(ctx, "app1::fn4", `
		function handler(context) {
			var w = minio_open("notes.txt", "w");
			w.write("hello blob");
			w.close();

			var r = minio_open("notes.txt", "r");
			var data = r.read();
			r.close();
			return {data: data};
		}
	`)
	require.NoError(t, err)

	prepared, err := compile.Prepare(ctx, prog, opener, compile.Globals{})
	require.NoError(t, err)
	result, err := prepared.Invoke(nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"data": "hello blob"}, result)
}

func TestMinioOpenExclusiveFailsWhenObjectExists(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemStore()
	require.NoError(t, store.PutObject(ctx, "app1", "taken.txt", strings.NewReader(""), 0, "text/plain"))
	opener := compile.NewMinioOpener(store, "app1")

	c := compile.New()
	prog, err := c.Compile(ctx, "app1::fn5", `
		function handler(context) {
			var h = minio_open("taken.txt", "x");
			return null;
		}
	`)
	require.NoError(t, err)

	prepared, err := compile.Prepare(ctx, prog, opener, compile.Globals{})
	require.NoError(t, err)
	_, err = prepared.Invoke(nil)
	assert.Error(t, err)
}

func TestMinioOpenReadMissingObjectFails(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemStore()
	opener := compile.NewMinioOpener(store, "app1")

	c := compile.New()
	prog, err := c.Compile(ctx, "app1::fn6", `
		function handler(context) {
			var h = minio_open("missing.txt", "r");
			return null;
		}
	`)
	require.NoError(t, err)

	prepared, err := compile.Prepare(ctx, prog, opener, compile.Globals{})
	require.NoError(t, err)
	_, err = prepared.Invoke(nil)
	assert.Error(t, err)
}
