package dispatch_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/hyac/pkg/blob"
	"github.com/cuemby/hyac/pkg/codecache"
	"github.com/cuemby/hyac/pkg/compile"
	"github.com/cuemby/hyac/pkg/db"
	"github.com/cuemby/hyac/pkg/dispatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDispatcher(store db.Store) *dispatch.Dispatcher {
	return dispatch.New("app1", store, blob.NewMemStore(), compile.New(), codecache.New(16, time.Minute), nil)
}

func insertEndpoint(t *testing.T, store db.Store, id, code string) {
	t.Helper()
	require.NoError(t, store.Collection("functions").InsertOne(context.Background(), map[string]any{
		"app_id": "app1", "function_id": id, "function_name": "fn",
		"function_type": "endpoint", "status": "published", "code": code,
	}))
}

func TestDispatchInvokesHandlerAndReturnsJSON(t *testing.T) {
	store := db.NewMemStore()
	insertEndpoint(t, store, "fn1", `
		function handler(context, request, name) {
			return {greeting: "hello " + name};
		}
	`)
	d := newDispatcher(store)

	req := httptest.NewRequest(http.MethodGet, "/fn1?name=world", nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)
	d.Wait()

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"greeting":"hello world"}`, rec.Body.String())

	metrics, err := store.Collection("function_metrics").Find(context.Background(), map[string]any{"function_id": "fn1"})
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, true, metrics[0]["success"])
}

func TestDispatchBindsJSONBody(t *testing.T) {
	store := db.NewMemStore()
	insertEndpoint(t, store, "fn2", `
		function handler(n) { return {doubled: n * 2}; }
	`)
	d := newDispatcher(store)

	req := httptest.NewRequest(http.MethodPost, "/fn2", strings.NewReader(`{"n": 21}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)
	d.Wait()

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"doubled":42}`, rec.Body.String())
}

func TestDispatchReturns404ForMissingFunction(t *testing.T) {
	d := newDispatcher(db.NewMemStore())
	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDispatchFaviconReturns204(t *testing.T) {
	d := newDispatcher(db.NewMemStore())
	req := httptest.NewRequest(http.MethodGet, "/favicon.ico", nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestDispatchRecordsErrorMetricOnThrow(t *testing.T) {
	store := db.NewMemStore()
	insertEndpoint(t, store, "fn3", `
		function handler() { throw new Error("boom"); }
	`)
	d := newDispatcher(store)

	req := httptest.NewRequest(http.MethodGet, "/fn3", nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)
	d.Wait()

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "boom")

	metrics, err := store.Collection("function_metrics").Find(context.Background(), map[string]any{"function_id": "fn3"})
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, false, metrics[0]["success"])
}

func TestDispatchCachesCompiledFunctionAcrossRequests(t *testing.T) {
	store := db.NewMemStore()
	insertEndpoint(t, store, "fn4", `function handler() { return {ok: true}; }`)
	d := newDispatcher(store)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/fn4", nil)
		rec := httptest.NewRecorder()
		d.ServeHTTP(rec, req)
		d.Wait()
		require.Equal(t, http.StatusOK, rec.Code)
	}

	// Once cached, the function is served without another store lookup.
	require.NoError(t, store.Collection("functions").DeleteOne(context.Background(), map[string]any{"function_id": "fn4"}))
	req := httptest.NewRequest(http.MethodGet, "/fn4", nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)
	d.Wait()
	require.Equal(t, http.StatusOK, rec.Code)
}
