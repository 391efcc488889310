// Package taskqueue implements the task queue & worker subsystem: a single
// cooperative consumer of durable Task documents driving the container
// orchestrator, reconciling running applications against desired state and
// watching for newly enqueued tasks behind a Start/Stop lifecycle.
package taskqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/hyac/pkg/appmeta"
	"github.com/cuemby/hyac/pkg/blob"
	"github.com/cuemby/hyac/pkg/container"
	"github.com/cuemby/hyac/pkg/db"
	"github.com/cuemby/hyac/pkg/log"
	"github.com/cuemby/hyac/pkg/metrics"
	"github.com/cuemby/hyac/pkg/orchestrator"
	"github.com/cuemby/hyac/pkg/types"
	"github.com/rs/zerolog"
)

// Orchestrator is the subset of *orchestrator.Orchestrator the worker
// drives for each task action.
type Orchestrator interface {
	StartAppContainer(ctx context.Context, cfg orchestrator.StartConfig) (*orchestrator.RunningApp, error)
	StopAppContainer(ctx context.Context, appID string) error
	RestartAppContainer(ctx context.Context, appID string) error
	DeleteApplication(ctx context.Context, appID string) error
}

// Worker is the controller's single task-queue consumer.
type Worker struct {
	store  db.Store
	blob   blob.Store
	engine container.Engine
	orch   Orchestrator
	logger zerolog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	cancelWatch func()
	wg          sync.WaitGroup
}

// New builds a Worker.
func New(store db.Store, blobStore blob.Store, engine container.Engine, orch Orchestrator) *Worker {
	return &Worker{
		store:  store,
		blob:   blobStore,
		engine: engine,
		orch:   orch,
		logger: log.WithComponent("taskqueue"),
		locks:  make(map[string]*sync.Mutex),
	}
}

// Start performs the boot-time drain — reconciling running apps whose
// container is missing, then draining pending and failed-start_app tasks —
// and then subscribes to the change feed for newly inserted pending tasks.
// It returns once the boot drain completes; the change-feed subscription
// continues in the background until Stop is called.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.reconcileRunningApps(ctx); err != nil {
		w.logger.Error().Err(err).Msg("boot-time reconciliation of running apps failed")
	}
	if err := w.processPendingTasks(ctx); err != nil {
		w.logger.Error().Err(err).Msg("boot-time drain of pending tasks failed")
	}

	events, cancel, err := w.store.Watch(ctx, db.WatchOptions{
		Collection: "tasks",
		Operations: []db.Operation{db.OpInsert},
		Match: func(doc map[string]any) bool {
			status, _ := doc["status"].(string)
			return status == string(types.TaskStatusPending)
		},
	})
	if err != nil {
		return fmt.Errorf("watch tasks: %w", err)
	}
	w.cancelWatch = cancel

	w.wg.Add(1)
	go w.watchLoop(ctx, events)

	w.logger.Info().Msg("task queue worker started")
	return nil
}

// Stop cancels the change-feed subscription and waits for in-flight
// dispatch goroutines spawned from it to return.
func (w *Worker) Stop() {
	if w.cancelWatch != nil {
		w.cancelWatch()
	}
	w.wg.Wait()
}

func (w *Worker) watchLoop(ctx context.Context, events <-chan db.ChangeEvent) {
	defer w.wg.Done()
	for ev := range events {
		task, err := decodeTask(ev.FullDocument)
		if err != nil {
			w.logger.Error().Err(err).Msg("failed to decode task change event")
			continue
		}
		w.wg.Add(1)
		go func(t types.Task) {
			defer w.wg.Done()
			if err := w.ProcessTask(ctx, t); err != nil {
				w.logger.Error().Err(err).Str("task_id", t.TaskID).Msg("task processing failed")
			}
		}(task)
	}
}

// reconcileRunningApps lists Applications recorded as running and enqueues
// a fresh start_app task for any whose container is absent from the
// engine's live list.
func (w *Worker) reconcileRunningApps(ctx context.Context) error {
	docs, err := w.store.Collection("applications").Find(ctx, map[string]any{"status": string(types.ApplicationStatusRunning)})
	if err != nil {
		return fmt.Errorf("list running applications: %w", err)
	}

	live, err := w.engine.ListContainers(ctx, "hyac-app-runtime-")
	if err != nil {
		return fmt.Errorf("list live containers: %w", err)
	}
	liveNames := make(map[string]bool, len(live))
	for _, c := range live {
		liveNames[c.Name] = true
	}

	for _, doc := range docs {
		appID, _ := doc["app_id"].(string)
		if appID == "" {
			continue
		}
		if liveNames[appmeta.ContainerName(appID)] {
			continue
		}
		w.logger.Warn().Str("app_id", appID).Msg("running application has no live container, enqueueing start_app")
		if err := w.enqueueTask(ctx, types.TaskActionStartApp, appID); err != nil {
			w.logger.Error().Err(err).Str("app_id", appID).Msg("failed to enqueue recovery start_app task")
		}
	}
	return nil
}

// processPendingTasks drains all pending tasks and all failed tasks whose
// action is start_app, so a worker restart retries a start that didn't
// get to run.
func (w *Worker) processPendingTasks(ctx context.Context) error {
	pending, err := w.store.Collection("tasks").Find(ctx, map[string]any{"status": string(types.TaskStatusPending)})
	if err != nil {
		return fmt.Errorf("list pending tasks: %w", err)
	}
	failed, err := w.store.Collection("tasks").Find(ctx, map[string]any{
		"status": string(types.TaskStatusFailed),
		"action": string(types.TaskActionStartApp),
	})
	if err != nil {
		return fmt.Errorf("list failed start_app tasks: %w", err)
	}

	for _, doc := range append(pending, failed...) {
		task, err := decodeTask(doc)
		if err != nil {
			w.logger.Error().Err(err).Msg("failed to decode drained task")
			continue
		}
		if err := w.ProcessTask(ctx, task); err != nil {
			w.logger.Error().Err(err).Str("task_id", task.TaskID).Msg("drained task failed")
		}
	}
	return nil
}

func (w *Worker) enqueueTask(ctx context.Context, action types.TaskAction, appID string) error {
	now := time.Now()
	return w.store.Collection("tasks").InsertOne(ctx, map[string]any{
		"task_id":    fmt.Sprintf("%s-%d", appID, now.UnixNano()),
		"action":     string(action),
		"payload":    map[string]any{"app_id": appID},
		"status":     string(types.TaskStatusPending),
		"created_at": now,
		"updated_at": now,
	})
}

// lockFor returns the per-application mutex used to serialize task
// execution for a given app_id, so two tasks for the same app never run
// concurrently.
func (w *Worker) lockFor(appID string) *sync.Mutex {
	w.locksMu.Lock()
	defer w.locksMu.Unlock()
	l, ok := w.locks[appID]
	if !ok {
		l = &sync.Mutex{}
		w.locks[appID] = l
	}
	return l
}

// ProcessTask marks task running, dispatches on its action, and marks it
// success or failed with a result blob.
func (w *Worker) ProcessTask(ctx context.Context, task types.Task) error {
	appID, _ := task.Payload["app_id"].(string)
	lock := w.lockFor(appID)
	lock.Lock()
	defer lock.Unlock()

	timer := metrics.NewTimer()
	logger := log.WithTaskID(task.TaskID)

	if err := w.setTaskStatus(ctx, task.TaskID, types.TaskStatusRunning, nil); err != nil {
		return fmt.Errorf("mark task running: %w", err)
	}

	var dispatchErr error
	switch task.Action {
	case types.TaskActionStartApp:
		dispatchErr = w.runStartApp(ctx, appID)
	case types.TaskActionStopApp:
		dispatchErr = w.runStopApp(ctx, appID)
	case types.TaskActionRestartApp:
		dispatchErr = w.orch.RestartAppContainer(ctx, appID)
	case types.TaskActionDeleteApp:
		dispatchErr = w.runDeleteApp(ctx, appID)
	default:
		dispatchErr = fmt.Errorf("unknown task action %q", task.Action)
	}

	timer.ObserveDurationVec(metrics.TaskProcessingDuration, string(task.Action))
	outcome := "success"
	if dispatchErr != nil {
		outcome = "failed"
	}
	metrics.TasksProcessedTotal.WithLabelValues(string(task.Action), outcome).Inc()

	if dispatchErr != nil {
		logger.Error().Err(dispatchErr).Str("action", string(task.Action)).Msg("task action failed")
		_ = w.setTaskStatus(ctx, task.TaskID, types.TaskStatusFailed, map[string]any{"error": dispatchErr.Error()})
		if task.Action == types.TaskActionStartApp {
			_ = w.setAppStatus(ctx, appID, types.ApplicationStatusError)
		}
		return dispatchErr
	}

	return w.setTaskStatus(ctx, task.TaskID, types.TaskStatusSuccess, nil)
}

func (w *Worker) runStartApp(ctx context.Context, appID string) error {
	app, err := w.getApplication(ctx, appID)
	if err != nil {
		return err
	}
	if _, err := w.orch.StartAppContainer(ctx, orchestrator.StartConfig{
		AppID:      appID,
		Host:       appmeta.ContainerName(appID),
		Env:        buildEnv(app),
		DBPassword: app.DBPassword,
	}); err != nil {
		return err
	}
	return w.setAppStatus(ctx, appID, types.ApplicationStatusRunning)
}

func (w *Worker) runStopApp(ctx context.Context, appID string) error {
	if err := w.orch.StopAppContainer(ctx, appID); err != nil {
		return err
	}
	return w.setAppStatus(ctx, appID, types.ApplicationStatusStopped)
}

// runDeleteApp tears an application all the way down: container,
// functions, history, metrics, both buckets, and finally the Application
// document, tolerating a missing Application and continuing on individual
// step failures (logging each) rather than aborting the whole cleanup.
func (w *Worker) runDeleteApp(ctx context.Context, appID string) error {
	logger := log.WithAppID(appID)

	if err := w.orch.DeleteApplication(ctx, appID); err != nil {
		logger.Error().Err(err).Msg("delete_app: failed to tear down container")
	}

	functions, err := w.store.Collection("functions").Find(ctx, map[string]any{"app_id": appID})
	if err != nil {
		logger.Error().Err(err).Msg("delete_app: failed to list functions")
	}
	for _, fn := range functions {
		functionID, _ := fn["function_id"].(string)
		if err := w.store.Collection("functions").DeleteOne(ctx, map[string]any{"function_id": functionID}); err != nil {
			logger.Error().Err(err).Str("function_id", functionID).Msg("delete_app: failed to delete function")
		}
		w.deleteAllMatching(ctx, "function_history", functionID, logger)
		w.deleteAllMatching(ctx, "function_metrics", functionID, logger)
	}

	templates, err := w.store.Collection("function_templates").Find(ctx, map[string]any{"app_id": appID})
	if err != nil {
		logger.Error().Err(err).Msg("delete_app: failed to list function templates")
	}
	for _, tmpl := range templates {
		templateID, _ := tmpl["template_id"].(string)
		if err := w.store.Collection("function_templates").DeleteOne(ctx, map[string]any{"template_id": templateID}); err != nil {
			logger.Error().Err(err).Str("template_id", templateID).Msg("delete_app: failed to delete function template")
		}
	}

	for _, bucket := range []string{appmeta.AppBucket(appID), appmeta.WebBucket(appID)} {
		if err := w.emptyAndRemoveBucket(ctx, bucket); err != nil {
			logger.Error().Err(err).Str("bucket", bucket).Msg("delete_app: failed to remove bucket")
		}
	}

	if err := w.store.DropApp(ctx, appID); err != nil {
		logger.Error().Err(err).Msg("delete_app: failed to drop dedicated database")
	}

	if err := w.store.Collection("applications").DeleteOne(ctx, map[string]any{"app_id": appID}); err != nil && err != db.ErrNotFound {
		logger.Error().Err(err).Msg("delete_app: failed to delete application document")
		return err
	}
	return nil
}

// deleteAllMatching removes every document in collection whose function_id
// matches, looping DeleteOne (the Collection contract has no bulk delete)
// until it reports ErrNotFound.
func (w *Worker) deleteAllMatching(ctx context.Context, collection, functionID string, logger zerolog.Logger) {
	filter := map[string]any{"function_id": functionID}
	for {
		err := w.store.Collection(collection).DeleteOne(ctx, filter)
		if err == db.ErrNotFound {
			return
		}
		if err != nil {
			logger.Error().Err(err).Str("function_id", functionID).Str("collection", collection).Msg("delete_app: failed to delete row")
			return
		}
	}
}

func (w *Worker) emptyAndRemoveBucket(ctx context.Context, bucket string) error {
	exists, err := w.blob.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	objects, err := w.blob.ListObjects(ctx, bucket, "")
	if err != nil {
		return err
	}
	for _, obj := range objects {
		if err := w.blob.DeleteObject(ctx, bucket, obj.Key); err != nil {
			return err
		}
	}
	return w.blob.DeleteBucket(ctx, bucket)
}

func (w *Worker) getApplication(ctx context.Context, appID string) (*types.Application, error) {
	doc, err := w.store.Collection("applications").FindOne(ctx, map[string]any{"app_id": appID})
	if err != nil {
		return nil, err
	}
	return decodeApplication(doc), nil
}

func (w *Worker) setAppStatus(ctx context.Context, appID string, status types.ApplicationStatus) error {
	return w.store.Collection("applications").UpdateOne(ctx, map[string]any{"app_id": appID}, map[string]any{
		"$set": map[string]any{"status": string(status), "updated_at": time.Now()},
	})
}

func (w *Worker) setTaskStatus(ctx context.Context, taskID string, status types.TaskStatus, result map[string]any) error {
	set := map[string]any{"status": string(status), "updated_at": time.Now()}
	if result != nil {
		set["result"] = result
	}
	return w.store.Collection("tasks").UpdateOne(ctx, map[string]any{"task_id": taskID}, map[string]any{"$set": set})
}

func buildEnv(app *types.Application) map[string]string {
	env := make(map[string]string, len(app.EnvironmentVariables)+1)
	for _, v := range app.EnvironmentVariables {
		env[v.Key] = v.Value
	}
	env["APP_ID"] = app.AppID
	return env
}

func decodeApplication(doc map[string]any) *types.Application {
	app := &types.Application{}
	if v, ok := doc["app_id"].(string); ok {
		app.AppID = v
	}
	if v, ok := doc["app_name"].(string); ok {
		app.AppName = v
	}
	if v, ok := doc["status"].(string); ok {
		app.Status = types.ApplicationStatus(v)
	}
	if rawVars, ok := doc["environment_variables"].([]any); ok {
		for _, rv := range rawVars {
			m, ok := rv.(map[string]any)
			if !ok {
				continue
			}
			key, _ := m["key"].(string)
			value, _ := m["value"].(string)
			app.EnvironmentVariables = append(app.EnvironmentVariables, types.EnvironmentVariable{Key: key, Value: value})
		}
	}
	return app
}

func decodeTask(doc map[string]any) (types.Task, error) {
	task := types.Task{
		Payload: map[string]any{},
	}
	taskID, ok := doc["task_id"].(string)
	if !ok {
		return task, fmt.Errorf("task document missing task_id")
	}
	task.TaskID = taskID
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
