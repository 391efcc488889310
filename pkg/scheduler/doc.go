/*
Package scheduler implements hyac's CRON/interval ScheduledTask dispatcher.

A ScheduledTask names either a user function (app_id + function_id) or an
in-process system task, a trigger (cron or interval) and its config, and
an enabled flag. The scheduler keeps a github.com/robfig/cron/v3 engine in
sync with the scheduled_tasks collection and, on each fire, dispatches the
task.

# Architecture

	┌────────────────────────────────────────────────────────────┐
	│                  scheduled_tasks collection                │
	└───────────────┬──────────────────────────┬─────────────────┘
	                │ load at startup          │ change feed
	                ▼                          ▼
	┌────────────────────────────────────────────────────────────┐
	│                    Scheduler.upsertJob                     │
	│   enabled=false → remove cron entry                        │
	│   enabled=true  → (re)compute cron spec, add/replace entry │
	└───────────────┬──────────────────────────────────────────┬─┘
	                ▼                                          │
	┌────────────────────────────────────────────────────────────┐
	│                   robfig/cron/v3 engine                    │
	│          fires Scheduler.runTask on each schedule           │
	└───────────────┬──────────────────────────────────────────┬─┘
	                ▼                                          ▼
	┌─────────────────────────────┐          ┌──────────────────────────────┐
	│ user function: HTTP POST to │          │ system task: in-process      │
	│ the app's own runtime       │          │ SystemTaskRunner callback    │
	│ container, path = func ID   │          │ registered by task_id        │
	└─────────────────────────────┘          └──────────────────────────────┘

Both paths record last_run_at on the ScheduledTask document and an outcome
label on the hyac_scheduled_tasks_fired_total counter.

# Usage

	sched := scheduler.New(store)
	sched.RegisterSystemTask("system_sync_runtime_status", func(ctx context.Context) error {
	    return reconciler.ReconcileOnce(ctx)
	})
	if err := sched.Start(ctx); err != nil {
	    log.Fatal(err.Error())
	}
	defer sched.Stop()

# Trigger config

A cron trigger's trigger_config carries a cron expression under
"expression" — a standard 5-field expression, or the 6-field
seconds-first form the underlying cron engine accepts natively. An
interval trigger's trigger_config carries its period in whole seconds
under "seconds".

# Immediate dispatch

The /scheduler/trigger controller API endpoint calls Scheduler.Trigger,
which runs a task once without touching its schedule.

# See Also

  - pkg/taskqueue for the task queue & worker this package dispatches
    alongside
  - pkg/reconciler for the status reconciler, whose periodic sweep is one
    of the system tasks this package can drive
*/
package scheduler
