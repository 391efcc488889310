// Package types defines the shared data model for the hyac control plane
// and runtime: applications, functions, tasks, scheduled tasks, function
// metrics, log entries, and the runtime code cache entry shape.
package types

import "time"

// Application is the top-level tenant unit. One container, one database,
// and a pair of object storage buckets are provisioned per application.
type Application struct {
	AppID                string                `json:"app_id" bson:"app_id"`
	AppName              string                `json:"app_name" bson:"app_name"`
	Description          string                `json:"description,omitempty" bson:"description,omitempty"`
	Users                []string              `json:"users,omitempty" bson:"users,omitempty"`
	Status               ApplicationStatus     `json:"status" bson:"status"`
	DBPassword           string                `json:"db_password" bson:"db_password"`
	EnvironmentVariables []EnvironmentVariable `json:"environment_variables" bson:"environment_variables"`
	CommonDependencies   []Dependency          `json:"common_dependencies,omitempty" bson:"common_dependencies,omitempty"`
	CORS                 CORSConfig            `json:"cors" bson:"cors"`
	Notification         NotificationConfig    `json:"notification" bson:"notification"`
	AI                   AIConfig              `json:"ai" bson:"ai"`
	CreatedAt            time.Time             `json:"created_at" bson:"created_at"`
	UpdatedAt            time.Time             `json:"updated_at" bson:"updated_at"`
}

// Dependency is a single named common package version an application
// declares, resolved against the shared package registry at compile time.
type Dependency struct {
	Name    string `json:"name" bson:"name"`
	Version string `json:"version" bson:"version"`
}

// CORSConfig is an application's cross-origin access policy, persisted
// verbatim and handed to the runtime process; enforcing it is the
// function's own handler concern, not the controller's.
type CORSConfig struct {
	AllowedOrigins []string `json:"allowed_origins,omitempty" bson:"allowed_origins,omitempty"`
	AllowedMethods []string `json:"allowed_methods,omitempty" bson:"allowed_methods,omitempty"`
}

// NotificationConfig names where an application wants operational
// notifications sent. When Enabled and WebhookURL is set, the runtime
// posts a JSON payload to it; otherwise notifications are only logged.
type NotificationConfig struct {
	Enabled    bool   `json:"enabled" bson:"enabled"`
	WebhookURL string `json:"webhook_url,omitempty" bson:"webhook_url,omitempty"`
}

// AIConfig names an application's configured AI provider; this is storage
// only, no passthrough call is made on an application's behalf.
type AIConfig struct {
	Provider string `json:"provider,omitempty" bson:"provider,omitempty"`
	APIKey   string `json:"api_key,omitempty" bson:"api_key,omitempty"`
}

// ApplicationStatus is the reconciled run state of an application's container.
type ApplicationStatus string

const (
	ApplicationStatusStopped   ApplicationStatus = "stopped"
	ApplicationStatusStarting  ApplicationStatus = "starting"
	ApplicationStatusRunning   ApplicationStatus = "running"
	ApplicationStatusStopping  ApplicationStatus = "stopping"
	ApplicationStatusDeleting  ApplicationStatus = "deleting"
	ApplicationStatusError     ApplicationStatus = "error"
)

// EnvironmentVariable is a single user-managed key/value pair persisted on
// an Application and synced into the runtime process environment.
type EnvironmentVariable struct {
	Key   string `json:"key" bson:"key"`
	Value string `json:"value" bson:"value"`
}

// FunctionType distinguishes request-handling endpoints from shared
// library code loaded into every function's namespace.
type FunctionType string

const (
	FunctionTypeEndpoint FunctionType = "endpoint"
	FunctionTypeCommon   FunctionType = "common"
)

// FunctionStatus gates whether a function's code is live to dispatch.
type FunctionStatus string

const (
	FunctionStatusDraft     FunctionStatus = "draft"
	FunctionStatusPublished FunctionStatus = "published"
)

// Function is a unit of deployable code belonging to an Application.
type Function struct {
	FunctionID   string         `json:"function_id" bson:"function_id"`
	AppID        string         `json:"app_id" bson:"app_id"`
	FunctionName string         `json:"function_name" bson:"function_name"`
	FunctionType FunctionType   `json:"function_type" bson:"function_type"`
	Status       FunctionStatus `json:"status" bson:"status"`
	Code         string         `json:"code" bson:"code"`
	Tags         []string       `json:"tags,omitempty" bson:"tags,omitempty"`
	TimeoutSec   int            `json:"timeout_sec,omitempty" bson:"timeout_sec,omitempty"`
	MemoryLimitMB int           `json:"memory_limit_mb,omitempty" bson:"memory_limit_mb,omitempty"`
	CreatedAt    time.Time      `json:"created_at" bson:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at" bson:"updated_at"`
}

// FunctionHistory records a prior version of a Function's code, appended
// whenever published code is overwritten.
type FunctionHistory struct {
	HistoryID  string    `json:"history_id" bson:"history_id"`
	FunctionID string    `json:"function_id" bson:"function_id"`
	AppID      string    `json:"app_id" bson:"app_id"`
	OldCode    string    `json:"old_code" bson:"old_code"`
	NewCode    string    `json:"new_code" bson:"new_code"`
	UpdatedBy  string    `json:"updated_by" bson:"updated_by"`
	CreatedAt  time.Time `json:"created_at" bson:"created_at"`
}

// TaskAction names the control-plane operation a Task carries out.
type TaskAction string

const (
	TaskActionStartApp   TaskAction = "start_app"
	TaskActionStopApp    TaskAction = "stop_app"
	TaskActionRestartApp TaskAction = "restart_app"
	TaskActionDeleteApp  TaskAction = "delete_app"
)

// TaskStatus is the lifecycle state of a queued Task.
type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusSuccess TaskStatus = "success"
	TaskStatusFailed  TaskStatus = "failed"
)

// Task is a single unit of durable work processed by the task queue worker.
// Tasks double as the controller's message bus: inserting one with
// status Pending is what triggers the task watcher.
type Task struct {
	TaskID    string         `json:"task_id" bson:"task_id"`
	Action    TaskAction     `json:"action" bson:"action"`
	Payload   map[string]any `json:"payload" bson:"payload"`
	Status    TaskStatus     `json:"status" bson:"status"`
	Result    map[string]any `json:"result,omitempty" bson:"result,omitempty"`
	CreatedAt time.Time      `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time      `json:"updated_at" bson:"updated_at"`
}

// TriggerType names how a ScheduledTask is fired.
type TriggerType string

const (
	TriggerTypeCron     TriggerType = "cron"
	TriggerTypeInterval TriggerType = "interval"
)

// ScheduledTask dispatches a function invocation on a CRON expression or a
// fixed interval. A common function may not carry a ScheduledTask. System
// tasks (IsSystemTask) reference an in-process runner by TaskID instead of
// an app/function pair.
type ScheduledTask struct {
	TaskID        string         `json:"task_id" bson:"task_id"`
	Name          string         `json:"name" bson:"name"`
	AppID         string         `json:"app_id,omitempty" bson:"app_id,omitempty"`
	FunctionID    string         `json:"function_id,omitempty" bson:"function_id,omitempty"`
	Trigger       TriggerType    `json:"trigger" bson:"trigger"`
	TriggerConfig map[string]any `json:"trigger_config" bson:"trigger_config"`
	Params        map[string]any `json:"params,omitempty" bson:"params,omitempty"`
	Body          map[string]any `json:"body,omitempty" bson:"body,omitempty"`
	Enabled       bool           `json:"enabled" bson:"enabled"`
	IsSystemTask  bool           `json:"is_system_task" bson:"is_system_task"`
	LastRunAt     time.Time      `json:"last_run_at,omitempty" bson:"last_run_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at" bson:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at" bson:"updated_at"`
}

// FunctionMetric is a fire-and-forget invocation record written by the
// runtime dispatcher after every handler execution.
type FunctionMetric struct {
	MetricID     string         `json:"metric_id" bson:"metric_id"`
	AppID        string         `json:"app_id" bson:"app_id"`
	FunctionID   string         `json:"function_id" bson:"function_id"`
	Success      bool           `json:"success" bson:"success"`
	Error        *MetricError   `json:"error,omitempty" bson:"error,omitempty"`
	DurationMS   int64          `json:"duration_ms" bson:"duration_ms"`
	RecordedAt   time.Time      `json:"recorded_at" bson:"recorded_at"`
	ExtraContext map[string]any `json:"extra_context,omitempty" bson:"extra_context,omitempty"`
}

// MetricError carries the classification and detail of a failed invocation.
type MetricError struct {
	Type   string `json:"type" bson:"type"`
	Detail string `json:"detail" bson:"detail"`
}

// LogEntry is a single captured line of stdout/stderr from a function
// invocation.
type LogEntry struct {
	LogID      string    `json:"log_id" bson:"log_id"`
	AppID      string    `json:"app_id" bson:"app_id"`
	FunctionID string    `json:"function_id" bson:"function_id"`
	Stream     string    `json:"stream" bson:"stream"` // "stdout" or "stderr"
	Line       string    `json:"line" bson:"line"`
	RecordedAt time.Time `json:"recorded_at" bson:"recorded_at"`
}

// CodeCacheEntry is the runtime-local, in-memory record held by the code
// cache. It never touches the document store.
type CodeCacheEntry struct {
	Key      string
	Data     any
	ExpireAt time.Time
}
