// Package scheduler implements the CRON/interval ScheduledTask dispatcher.
// It loads every enabled ScheduledTask from the document store, drives a
// github.com/robfig/cron/v3 engine from them, and keeps that engine in
// sync with the scheduled_tasks change feed behind a Start/Stop lifecycle.
package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/hyac/pkg/appmeta"
	"github.com/cuemby/hyac/pkg/db"
	"github.com/cuemby/hyac/pkg/log"
	"github.com/cuemby/hyac/pkg/metrics"
	"github.com/cuemby/hyac/pkg/types"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const runtimePort = 8001

// dispatchTimeout bounds a single scheduled function invocation.
const dispatchTimeout = 30 * time.Second

// SystemTaskRunner is a callable registered for a ScheduledTask whose
// IsSystemTask is true, keyed by task_id.
type SystemTaskRunner func(ctx context.Context) error

// Scheduler assigns cron/interval triggers to ScheduledTask documents and
// dispatches them to the runtime (or to an in-process system runner) when
// they fire.
type Scheduler struct {
	store      db.Store
	httpClient *http.Client
	logger     zerolog.Logger

	systemRunners map[string]SystemTaskRunner

	mu          sync.Mutex
	cron        *cron.Cron
	entryByID   map[string]cron.EntryID
	taskByID    map[string]types.ScheduledTask
	cancelWatch func()
	wg          sync.WaitGroup
}

// New builds a Scheduler. Register system task runners with
// RegisterSystemTask before calling Start.
func New(store db.Store) *Scheduler {
	return &Scheduler{
		store:         store,
		httpClient:    &http.Client{Timeout: dispatchTimeout},
		logger:        log.WithComponent("scheduler"),
		systemRunners: make(map[string]SystemTaskRunner),
		cron:          cron.New(cron.WithSeconds()),
		entryByID:     make(map[string]cron.EntryID),
		taskByID:      make(map[string]types.ScheduledTask),
	}
}

// RegisterSystemTask associates an in-process runner with a system
// ScheduledTask's task_id. Must be called before Start.
func (s *Scheduler) RegisterSystemTask(taskID string, runner SystemTaskRunner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.systemRunners[taskID] = runner
}

// SetHTTPClientForTest overrides the client used to dispatch user function
// invocations, letting tests intercept dispatches without a real container
// network. Production callers never need this.
func (s *Scheduler) SetHTTPClientForTest(client *http.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.httpClient = client
}

// Start loads every enabled ScheduledTask, schedules it, starts the cron
// engine, and subscribes to the change feed so subsequent inserts, updates,
// and deletes stay in sync without a restart. It returns once the initial
// load completes; the cron engine and the change-feed subscription
// continue in the background until Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.loadAll(ctx); err != nil {
		s.logger.Error().Err(err).Msg("failed to load scheduled tasks at startup")
	}
	s.cron.Start()

	events, cancel, err := s.store.Watch(ctx, db.WatchOptions{
		Collection: "scheduled_tasks",
		Operations: []db.Operation{db.OpInsert, db.OpUpdate, db.OpReplace, db.OpDelete},
	})
	if err != nil {
		return fmt.Errorf("watch scheduled_tasks: %w", err)
	}
	s.mu.Lock()
	s.cancelWatch = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.watchLoop(ctx, events)

	s.logger.Info().Msg("scheduler started")
	return nil
}

// Stop ends the change-feed subscription and the cron engine, waiting for
// any scheduled dispatch in flight to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancelWatch
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	<-s.cron.Stop().Done()
}

func (s *Scheduler) watchLoop(ctx context.Context, events <-chan db.ChangeEvent) {
	defer s.wg.Done()
	for ev := range events {
		switch ev.Operation {
		case db.OpDelete:
			taskID, _ := ev.FullDocument["task_id"].(string)
			if taskID != "" {
				s.removeJob(taskID)
			}
		default:
			task, err := decodeScheduledTask(ev.FullDocument)
			if err != nil {
				s.logger.Error().Err(err).Msg("failed to decode scheduled task change event")
				continue
			}
			if err := s.upsertJob(ctx, task); err != nil {
				s.logger.Error().Err(err).Str("task_id", task.TaskID).Msg("failed to schedule task")
			}
		}
	}
}

// loadAll schedules every enabled ScheduledTask.
func (s *Scheduler) loadAll(ctx context.Context) error {
	docs, err := s.store.Collection("scheduled_tasks").Find(ctx, map[string]any{"enabled": true})
	if err != nil {
		return fmt.Errorf("list scheduled tasks: %w", err)
	}
	loaded := 0
	for _, doc := range docs {
		task, err := decodeScheduledTask(doc)
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to decode scheduled task")
			continue
		}
		if err := s.upsertJob(ctx, task); err != nil {
			s.logger.Error().Err(err).Str("task_id", task.TaskID).Msg("failed to schedule task")
			continue
		}
		loaded++
	}
	s.logger.Info().Int("count", loaded).Msg("loaded scheduled tasks")
	return nil
}

// upsertJob adds or replaces the cron entry for task; a disabled task is
// removed from the engine rather than scheduled.
func (s *Scheduler) upsertJob(ctx context.Context, task types.ScheduledTask) error {
	s.removeJob(task.TaskID)

	if !task.Enabled {
		s.logger.Info().Str("task_id", task.TaskID).Str("name", task.Name).Msg("scheduled task disabled, not scheduling")
		return nil
	}

	if task.IsSystemTask {
		s.mu.Lock()
		_, hasRunner := s.systemRunners[task.TaskID]
		s.mu.Unlock()
		if !hasRunner {
			return fmt.Errorf("no system runner registered for task %q", task.TaskID)
		}
	} else if task.AppID == "" || task.FunctionID == "" {
		return fmt.Errorf("task %q is missing app_id or function_id", task.TaskID)
	}

	spec, err := cronSpec(task.Trigger, task.TriggerConfig)
	if err != nil {
		return fmt.Errorf("build trigger for task %q: %w", task.TaskID, err)
	}

	entryID, err := s.cron.AddFunc(spec, func() {
		runCtx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		s.runTask(runCtx, task)
	})
	if err != nil {
		return fmt.Errorf("add cron entry: %w", err)
	}

	s.mu.Lock()
	s.entryByID[task.TaskID] = entryID
	s.taskByID[task.TaskID] = task
	s.mu.Unlock()

	s.logger.Info().Str("task_id", task.TaskID).Str("name", task.Name).Str("spec", spec).Msg("scheduled task")
	return nil
}

func (s *Scheduler) removeJob(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entryByID[taskID]; ok {
		s.cron.Remove(entryID)
		delete(s.entryByID, taskID)
		delete(s.taskByID, taskID)
	}
}

// Trigger dispatches task immediately, bypassing its trigger, for the
// /scheduler/trigger API endpoint.
func (s *Scheduler) Trigger(ctx context.Context, taskID string) error {
	s.mu.Lock()
	task, ok := s.taskByID[taskID]
	s.mu.Unlock()
	if !ok {
		doc, err := s.store.Collection("scheduled_tasks").FindOne(ctx, map[string]any{"task_id": taskID})
		if err != nil {
			return err
		}
		task, err = decodeScheduledTask(doc)
		if err != nil {
			return err
		}
	}
	s.runTask(ctx, task)
	return nil
}

// runTask dispatches task.task_id once, either to its registered system
// runner or as an HTTP POST to the owning application's runtime.
func (s *Scheduler) runTask(ctx context.Context, task types.ScheduledTask) {
	logger := s.logger.With().Str("task_id", task.TaskID).Str("name", task.Name).Logger()

	var err error
	if task.IsSystemTask {
		s.mu.Lock()
		runner, ok := s.systemRunners[task.TaskID]
		s.mu.Unlock()
		if !ok {
			err = fmt.Errorf("no system runner registered for task %q", task.TaskID)
		} else {
			err = runner(ctx)
		}
	} else {
		err = s.dispatchFunction(ctx, task.AppID, task.FunctionID, task.Params, task.Body)
	}

	outcome := "success"
	if err != nil {
		outcome = "failed"
		logger.Error().Err(err).Msg("scheduled task dispatch failed")
	} else {
		logger.Info().Msg("scheduled task dispatched")
	}
	metrics.ScheduledTasksFiredTotal.WithLabelValues(outcome).Inc()

	now := time.Now()
	_ = s.store.Collection("scheduled_tasks").UpdateOne(ctx, map[string]any{"task_id": task.TaskID}, map[string]any{
		"$set": map[string]any{"last_run_at": now},
	})
}

// dispatchFunction sends the scheduled invocation to the owning
// application's runtime container: a POST to
// http://<container_name>:8001/<function_id> with params as the query
// string and body as the JSON payload.
func (s *Scheduler) dispatchFunction(ctx context.Context, appID, functionID string, params, body map[string]any) error {
	target := fmt.Sprintf("http://%s:%d/%s", appmeta.ContainerName(appID), runtimePort, functionID)
	if len(params) > 0 {
		q := url.Values{}
		for k, v := range params {
			q.Set(k, fmt.Sprintf("%v", v))
		}
		target += "?" + q.Encode()
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch to %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("dispatch to %s returned status %d", target, resp.StatusCode)
	}
	return nil
}

// cronSpec translates a ScheduledTask's Trigger/TriggerConfig into a
// robfig/cron/v3 schedule spec. A cron trigger carries its spec verbatim
// under "expression" (accepting cron.WithSeconds's 6-field form, or a
// standard 5-field expression, which is given an implicit leading "0"
// seconds field); an interval trigger carries its period in seconds under
// "seconds".
func cronSpec(trigger types.TriggerType, config map[string]any) (string, error) {
	switch trigger {
	case types.TriggerTypeCron:
		expr, _ := config["expression"].(string)
		if expr == "" {
			return "", fmt.Errorf("cron trigger_config missing \"expression\"")
		}
		if len(fieldsOf(expr)) == 5 {
			expr = "0 " + expr
		}
		return expr, nil
	case types.TriggerTypeInterval:
		seconds, err := coerceInt(config["seconds"])
		if err != nil || seconds <= 0 {
			return "", fmt.Errorf("interval trigger_config missing a positive \"seconds\"")
		}
		return "@every " + strconv.FormatInt(seconds, 10) + "s", nil
	default:
		return "", fmt.Errorf("unsupported trigger type %q", trigger)
	}
}

func fieldsOf(expr string) []string {
	var fields []string
	start := -1
	padded := expr + " "
	for i, r := range padded {
		if r == ' ' || r == '\t' {
			if start >= 0 {
				fields = append(fields, padded[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	return fields
}

func coerceInt(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}

func decodeScheduledTask(doc map[string]any) (types.ScheduledTask, error) {
	task := types.ScheduledTask{}
	taskID, _ := doc["task_id"].(string)
	if taskID == "" {
		return task, fmt.Errorf("scheduled task document missing task_id")
	}
	task.TaskID = taskID
	task.Name, _ = doc["name"].(string)
	task.AppID, _ = doc["app_id"].(string)
	task.FunctionID, _ = doc["function_id"].(string)
	task.Trigger = types.TriggerType(fmt.Sprintf("%v", doc["trigger"]))
	if cfg, ok := doc["trigger_config"].(map[string]any); ok {
		task.TriggerConfig = cfg
	}
	if params, ok := doc["params"].(map[string]any); ok {
		task.Params = params
	}
	if body, ok := doc["body"].(map[string]any); ok {
		task.Body = body
	}
	if enabled, ok := doc["enabled"].(bool); ok {
		task.Enabled = enabled
	}
	if isSystem, ok := doc["is_system_task"].(bool); ok {
		task.IsSystemTask = isSystem
	}
	return task, nil
}
