package taskqueue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/hyac/pkg/blob"
	"github.com/cuemby/hyac/pkg/container"
	"github.com/cuemby/hyac/pkg/db"
	"github.com/cuemby/hyac/pkg/orchestrator"
	"github.com/cuemby/hyac/pkg/taskqueue"
	"github.com/cuemby/hyac/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOrchestrator struct {
	mu      sync.Mutex
	started []string
	stopped []string
	deleted []string
	failAll bool
}

func (f *fakeOrchestrator) StartAppContainer(_ context.Context, cfg orchestrator.StartConfig) (*orchestrator.RunningApp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, assertError{}
	}
	f.started = append(f.started, cfg.AppID)
	return &orchestrator.RunningApp{ContainerID: "c-" + cfg.AppID, ContainerName: "hyac-app-runtime-" + cfg.AppID}, nil
}

func (f *fakeOrchestrator) StopAppContainer(_ context.Context, appID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, appID)
	return nil
}

func (f *fakeOrchestrator) RestartAppContainer(_ context.Context, appID string) error {
	return nil
}

func (f *fakeOrchestrator) DeleteApplication(_ context.Context, appID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, appID)
	return nil
}

type assertError struct{}

func (assertError) Error() string { return "start failed" }

func newTask(appID string, action types.TaskAction, status types.TaskStatus) map[string]any {
	return map[string]any{
		"task_id":    "task-" + appID,
		"action":     string(action),
		"status":     string(status),
		"payload":    map[string]any{"app_id": appID},
		"created_at": time.Now(),
		"updated_at": time.Now(),
	}
}

func TestProcessTaskStartAppTransitionsAppToRunning(t *testing.T) {
	store := db.NewMemStore()
	ctx := context.Background()
	require.NoError(t, store.Collection("applications").InsertOne(ctx, map[string]any{
		"app_id": "app1", "status": "starting",
	}))

	orch := &fakeOrchestrator{}
	w := taskqueue.New(store, blob.NewMemStore(), container.NewFakeEngine(), orch)

	doc := newTask("app1", types.TaskActionStartApp, types.TaskStatusPending)
	require.NoError(t, store.Collection("tasks").InsertOne(ctx, doc))
	task, err := decodeForTest(doc)
	require.NoError(t, err)

	require.NoError(t, w.ProcessTask(ctx, task))

	app, err := store.Collection("applications").FindOne(ctx, map[string]any{"app_id": "app1"})
	require.NoError(t, err)
	assert.Equal(t, "running", app["status"])
	assert.Contains(t, orch.started, "app1")
}

func TestProcessTaskStartAppFailureMarksAppError(t *testing.T) {
	store := db.NewMemStore()
	ctx := context.Background()
	require.NoError(t, store.Collection("applications").InsertOne(ctx, map[string]any{
		"app_id": "app2", "status": "starting",
	}))

	orch := &fakeOrchestrator{failAll: true}
	w := taskqueue.New(store, blob.NewMemStore(), container.NewFakeEngine(), orch)

	doc := newTask("app2", types.TaskActionStartApp, types.TaskStatusPending)
	require.NoError(t, store.Collection("tasks").InsertOne(ctx, doc))
	task, err := decodeForTest(doc)
	require.NoError(t, err)

	assert.Error(t, w.ProcessTask(ctx, task))

	app, err := store.Collection("applications").FindOne(ctx, map[string]any{"app_id": "app2"})
	require.NoError(t, err)
	assert.Equal(t, "error", app["status"])

	taskDoc, err := store.Collection("tasks").FindOne(ctx, map[string]any{"task_id": "task-app2"})
	require.NoError(t, err)
	assert.Equal(t, "failed", taskDoc["status"])
}

func TestProcessTaskDeleteAppRemovesApplicationDocument(t *testing.T) {
	store := db.NewMemStore()
	ctx := context.Background()
	require.NoError(t, store.Collection("applications").InsertOne(ctx, map[string]any{
		"app_id": "app3", "status": "running",
	}))

	orch := &fakeOrchestrator{}
	w := taskqueue.New(store, blob.NewMemStore(), container.NewFakeEngine(), orch)

	doc := newTask("app3", types.TaskActionDeleteApp, types.TaskStatusPending)
	require.NoError(t, store.Collection("tasks").InsertOne(ctx, doc))
	task, err := decodeForTest(doc)
	require.NoError(t, err)

	require.NoError(t, w.ProcessTask(ctx, task))

	_, err = store.Collection("applications").FindOne(ctx, map[string]any{"app_id": "app3"})
	assert.Equal(t, db.ErrNotFound, err)
	assert.Contains(t, orch.deleted, "app3")
}

// decodeForTest mirrors taskqueue's unexported decodeTask so tests can build
// a types.Task straight from a document map.
func decodeForTest(doc map[string]any) (types.Task, error) {
	task := types.Task{Payload: map[string]any{}}
	task.TaskID, _ = doc["task_id"].(string)
	if v, ok := doc["action"].(string); ok {
		task.Action = types.TaskAction(v)
	}
	if v, ok := doc["status"].(string); ok {
		task.Status = types.TaskStatus(v)
	}
	if v, ok := doc["payload"].(map[string]any); ok {
		task.Payload = v
	}
	return task, nil
}
