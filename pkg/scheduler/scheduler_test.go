package scheduler_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/hyac/pkg/db"
	"github.com/cuemby/hyac/pkg/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capturingTransport redirects every request to a local httptest server,
// recording the request it would otherwise have sent to the application's
// runtime container.
type capturingTransport struct {
	target *url.URL
	mu     sync.Mutex
	paths  []string
	bodies []string
}

func (t *capturingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	body, _ := io.ReadAll(req.Body)
	t.mu.Lock()
	t.paths = append(t.paths, req.URL.Path+"?"+req.URL.RawQuery)
	t.bodies = append(t.bodies, string(body))
	t.mu.Unlock()

	req = req.Clone(req.Context())
	req.URL.Scheme = t.target.Scheme
	req.URL.Host = t.target.Host
	req.Host = t.target.Host
	return http.DefaultTransport.RoundTrip(req)
}

func (t *capturingTransport) snapshot() ([]string, []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	paths := make([]string, len(t.paths))
	copy(paths, t.paths)
	bodies := make([]string, len(t.bodies))
	copy(bodies, t.bodies)
	return paths, bodies
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

func TestTriggerDispatchesUserFunctionImmediately(t *testing.T) {
	store := db.NewMemStore()
	ctx := context.Background()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()
	upstreamURL, err := url.Parse(upstream.URL)
	require.NoError(t, err)
	transport := &capturingTransport{target: upstreamURL}

	require.NoError(t, store.Collection("scheduled_tasks").InsertOne(ctx, map[string]any{
		"task_id":        "task1",
		"name":           "nightly-report",
		"app_id":         "app1",
		"function_id":    "send_report",
		"trigger":        "cron",
		"trigger_config": map[string]any{"expression": "0 9 * * *"},
		"params":         map[string]any{"dry_run": "true"},
		"body":           map[string]any{"format": "pdf"},
		"enabled":        true,
		"is_system_task": false,
	}))

	sched := scheduler.New(store)
	sched.SetHTTPClientForTest(&http.Client{Transport: transport})
	require.NoError(t, sched.Start(ctx))
	defer sched.Stop()

	require.NoError(t, sched.Trigger(ctx, "task1"))

	paths, bodies := transport.snapshot()
	require.Len(t, paths, 1)
	assert.Contains(t, paths[0], "/send_report?")
	assert.Contains(t, paths[0], "dry_run=true")
	assert.JSONEq(t, `{"format":"pdf"}`, bodies[0])

	waitUntil(t, time.Second, func() bool {
		doc, err := store.Collection("scheduled_tasks").FindOne(ctx, map[string]any{"task_id": "task1"})
		return err == nil && doc["last_run_at"] != nil
	})
}

func TestIntervalTriggerFiresRepeatedly(t *testing.T) {
	store := db.NewMemStore()
	ctx := context.Background()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()
	upstreamURL, err := url.Parse(upstream.URL)
	require.NoError(t, err)
	transport := &capturingTransport{target: upstreamURL}

	require.NoError(t, store.Collection("scheduled_tasks").InsertOne(ctx, map[string]any{
		"task_id":        "task2",
		"name":           "heartbeat",
		"app_id":         "app2",
		"function_id":    "ping",
		"trigger":        "interval",
		"trigger_config": map[string]any{"seconds": 1},
		"enabled":        true,
		"is_system_task": false,
	}))

	sched := scheduler.New(store)
	sched.SetHTTPClientForTest(&http.Client{Transport: transport})
	require.NoError(t, sched.Start(ctx))
	defer sched.Stop()

	waitUntil(t, 3*time.Second, func() bool {
		paths, _ := transport.snapshot()
		return len(paths) >= 2
	})
}

func TestDisablingTaskRemovesItFromSchedule(t *testing.T) {
	store := db.NewMemStore()
	ctx := context.Background()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()
	upstreamURL, err := url.Parse(upstream.URL)
	require.NoError(t, err)
	transport := &capturingTransport{target: upstreamURL}

	require.NoError(t, store.Collection("scheduled_tasks").InsertOne(ctx, map[string]any{
		"task_id":        "task3",
		"name":           "poller",
		"app_id":         "app3",
		"function_id":    "poll",
		"trigger":        "interval",
		"trigger_config": map[string]any{"seconds": 1},
		"enabled":        true,
		"is_system_task": false,
	}))

	sched := scheduler.New(store)
	sched.SetHTTPClientForTest(&http.Client{Transport: transport})
	require.NoError(t, sched.Start(ctx))
	defer sched.Stop()

	waitUntil(t, 2*time.Second, func() bool {
		paths, _ := transport.snapshot()
		return len(paths) >= 1
	})

	require.NoError(t, store.Collection("scheduled_tasks").UpdateOne(ctx, map[string]any{"task_id": "task3"}, map[string]any{
		"$set": map[string]any{"enabled": false},
	}))
	time.Sleep(100 * time.Millisecond)

	before, _ := transport.snapshot()
	time.Sleep(1200 * time.Millisecond)
	after, _ := transport.snapshot()
	assert.Equal(t, len(before), len(after), "disabled task should not fire again")
}

func TestSystemTaskDispatchesToRegisteredRunner(t *testing.T) {
	store := db.NewMemStore()
	ctx := context.Background()

	require.NoError(t, store.Collection("scheduled_tasks").InsertOne(ctx, map[string]any{
		"task_id":        "system_sync_runtime_status",
		"name":           "sync runtime status",
		"trigger":        "interval",
		"trigger_config": map[string]any{"seconds": 60},
		"enabled":        true,
		"is_system_task": true,
	}))

	var calls int32
	var mu sync.Mutex
	sched := scheduler.New(store)
	sched.RegisterSystemTask("system_sync_runtime_status", func(ctx context.Context) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})
	require.NoError(t, sched.Start(ctx))
	defer sched.Stop()

	require.NoError(t, sched.Trigger(ctx, "system_sync_runtime_status"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(1), calls)
}
