package controllerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuemby/hyac/pkg/blob"
	"github.com/cuemby/hyac/pkg/db"
	"github.com/cuemby/hyac/pkg/orchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var bg = context.Background()

type fakeOrchestrator struct{}

func (fakeOrchestrator) StartAppContainer(ctx context.Context, cfg orchestrator.StartConfig) (*orchestrator.RunningApp, error) {
	return &orchestrator.RunningApp{}, nil
}

func newTestServer() (*Server, db.Store) {
	store := db.NewMemStore()
	s := New(Config{
		Store:      store,
		Blob:       blob.NewMemStore(),
		Orch:       fakeOrchestrator{},
		BaseDomain: "apps.example.com",
		DevMode:    true,
	})
	return s, store
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestApplicationsCreateEnqueuesStartTask(t *testing.T) {
	s, store := newTestServer()

	rec := doJSON(t, s, http.MethodPost, "/applications/create", createApplicationRequest{AppName: "demo"})
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.EqualValues(t, 0, env["code"])

	data := env["data"].(map[string]any)
	appID := data["app_id"].(string)
	assert.Equal(t, "starting", data["status"])

	tasks, err := store.Collection("tasks").Find(bg, map[string]any{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, appID, tasks[0]["payload"].(map[string]any)["app_id"])
	assert.Equal(t, "start_app", tasks[0]["action"])
}

func TestApplicationsCreateRejectsDuplicateName(t *testing.T) {
	s, _ := newTestServer()
	doJSON(t, s, http.MethodPost, "/applications/create", createApplicationRequest{AppName: "demo"})
	rec := doJSON(t, s, http.MethodPost, "/applications/create", createApplicationRequest{AppName: "demo"})
	env := decodeEnvelope(t, rec)
	assert.NotEqualValues(t, 0, env["code"])
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestApplicationTransitionRejectsInvalidSourceState(t *testing.T) {
	s, _ := newTestServer()
	rec := doJSON(t, s, http.MethodPost, "/applications/create", createApplicationRequest{AppName: "demo"})
	appID := decodeEnvelope(t, rec)["data"].(map[string]any)["app_id"].(string)

	// application is "starting", not "running" — stop must be rejected.
	rec = doJSON(t, s, http.MethodPost, "/applications/stop", map[string]string{"appId": appID})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestApplicationTransitionStartFromStoppedSucceeds(t *testing.T) {
	s, store := newTestServer()
	rec := doJSON(t, s, http.MethodPost, "/applications/create", createApplicationRequest{AppName: "demo"})
	appID := decodeEnvelope(t, rec)["data"].(map[string]any)["app_id"].(string)

	require.NoError(t, store.Collection("applications").UpdateOne(bg, map[string]any{"app_id": appID}, map[string]any{
		"$set": map[string]any{"status": "stopped"},
	}))

	rec = doJSON(t, s, http.MethodPost, "/applications/start", map[string]string{"appId": appID})
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeEnvelope(t, rec)["data"].(map[string]any)
	assert.Equal(t, "starting", data["status"])
}

func TestFunctionCreateAndUpdateCodeAppendsHistory(t *testing.T) {
	s, store := newTestServer()
	rec := doJSON(t, s, http.MethodPost, "/applications/create", createApplicationRequest{AppName: "demo"})
	appID := decodeEnvelope(t, rec)["data"].(map[string]any)["app_id"].(string)

	rec = doJSON(t, s, http.MethodPost, "/function/create", createFunctionRequest{AppID: appID, Name: "hello", Type: "endpoint"})
	require.Equal(t, http.StatusOK, rec.Code)
	fnID := decodeEnvelope(t, rec)["data"].(map[string]any)["function_id"].(string)

	rec = doJSON(t, s, http.MethodPost, "/function/update_code", updateFunctionCodeRequest{
		AppID: appID, ID: fnID, Code: "function handler() { return 1; }",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	history, err := store.Collection("function_history").Find(bg, map[string]any{"function_id": fnID})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "function handler() { return 1; }", history[0]["new_code"])
}

func TestFunctionCreateRejectsNonASCIICommonName(t *testing.T) {
	s, _ := newTestServer()
	rec := doJSON(t, s, http.MethodPost, "/applications/create", createApplicationRequest{AppName: "demo"})
	appID := decodeEnvelope(t, rec)["data"].(map[string]any)["app_id"].(string)

	rec = doJSON(t, s, http.MethodPost, "/function/create", createFunctionRequest{AppID: appID, Name: "café", Type: "common"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFunctionDeleteCascadesHistoryAndMetrics(t *testing.T) {
	s, store := newTestServer()
	rec := doJSON(t, s, http.MethodPost, "/applications/create", createApplicationRequest{AppName: "demo"})
	appID := decodeEnvelope(t, rec)["data"].(map[string]any)["app_id"].(string)
	rec = doJSON(t, s, http.MethodPost, "/function/create", createFunctionRequest{AppID: appID, Name: "hello"})
	fnID := decodeEnvelope(t, rec)["data"].(map[string]any)["function_id"].(string)

	require.NoError(t, store.Collection("function_history").InsertOne(bg, map[string]any{
		"history_id": "h1", "function_id": fnID,
	}))
	require.NoError(t, store.Collection("function_metrics").InsertOne(bg, map[string]any{
		"metric_id": "m1", "function_id": fnID,
	}))

	rec = doJSON(t, s, http.MethodPost, "/function/delete", deleteFunctionRequest{AppID: appID, ID: fnID})
	require.Equal(t, http.StatusOK, rec.Code)

	history, _ := store.Collection("function_history").Find(bg, map[string]any{"function_id": fnID})
	assert.Empty(t, history)
	metrics, _ := store.Collection("function_metrics").Find(bg, map[string]any{"function_id": fnID})
	assert.Empty(t, metrics)
}

func TestSettingsEnvAddThenRemove(t *testing.T) {
	s, store := newTestServer()
	rec := doJSON(t, s, http.MethodPost, "/applications/create", createApplicationRequest{AppName: "demo"})
	appID := decodeEnvelope(t, rec)["data"].(map[string]any)["app_id"].(string)

	rec = doJSON(t, s, http.MethodPost, "/settings/env_add", envAddRequest{AppID: appID, Key: "FOO", Value: "bar"})
	require.Equal(t, http.StatusOK, rec.Code)

	doc, err := store.Collection("applications").FindOne(bg, map[string]any{"app_id": appID})
	require.NoError(t, err)
	app := decodeApplication(doc)
	require.Len(t, app.EnvironmentVariables, 1)
	assert.Equal(t, "bar", app.EnvironmentVariables[0].Value)

	rec = doJSON(t, s, http.MethodPost, "/settings/env_remove", envRemoveRequest{AppID: appID, Key: "FOO"})
	require.Equal(t, http.StatusOK, rec.Code)

	doc, err = store.Collection("applications").FindOne(bg, map[string]any{"app_id": appID})
	require.NoError(t, err)
	assert.Empty(t, decodeApplication(doc).EnvironmentVariables)
}

func TestSchedulerUpsertRejectsCommonFunction(t *testing.T) {
	s, _ := newTestServer()
	rec := doJSON(t, s, http.MethodPost, "/applications/create", createApplicationRequest{AppName: "demo"})
	appID := decodeEnvelope(t, rec)["data"].(map[string]any)["app_id"].(string)
	rec = doJSON(t, s, http.MethodPost, "/function/create", createFunctionRequest{AppID: appID, Name: "shared", Type: "common"})
	fnID := decodeEnvelope(t, rec)["data"].(map[string]any)["function_id"].(string)

	rec = doJSON(t, s, http.MethodPost, "/scheduler/upsert", schedulerUpsertRequest{
		AppID: appID, FunctionID: fnID, Trigger: "cron", TriggerConfig: map[string]any{"expr": "* * * * *"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSchedulerUpsertThenDelete(t *testing.T) {
	s, store := newTestServer()
	rec := doJSON(t, s, http.MethodPost, "/applications/create", createApplicationRequest{AppName: "demo"})
	appID := decodeEnvelope(t, rec)["data"].(map[string]any)["app_id"].(string)
	rec = doJSON(t, s, http.MethodPost, "/function/create", createFunctionRequest{AppID: appID, Name: "job"})
	fnID := decodeEnvelope(t, rec)["data"].(map[string]any)["function_id"].(string)

	rec = doJSON(t, s, http.MethodPost, "/scheduler/upsert", schedulerUpsertRequest{
		AppID: appID, FunctionID: fnID, Trigger: "interval", TriggerConfig: map[string]any{"seconds": 60},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	taskID := decodeEnvelope(t, rec)["data"].(map[string]any)["task_id"].(string)

	tasks, err := store.Collection("scheduled_tasks").Find(bg, map[string]any{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	rec = doJSON(t, s, http.MethodPost, "/scheduler/delete", map[string]string{"task_id": taskID})
	require.Equal(t, http.StatusOK, rec.Code)
	tasks, err = store.Collection("scheduled_tasks").Find(bg, map[string]any{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestServerHealthReportsOK(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/__server_health__", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
