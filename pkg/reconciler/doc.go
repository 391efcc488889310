/*
Package reconciler provides the status reconciler: a periodic sweep that
maps each application's observed runtime-container health to its recorded
status and repairs drift between the two.

# Architecture

The reconciler runs on a fixed interval (reference: 30s), reading every
Application not stopped or in a transitional status (stopping, deleting)
and comparing
its recorded status against the container engine's live view:

	┌──────────────────────────────────────────┐
	│           Reconciliation Cycle            │
	│              (every 30s)                  │
	└────────────────┬───────────────────────────┘
	                 │
	                 ▼
	      List non-transitional Applications
	                 │
	                 ▼
	      Inspect each app's runtime container
	                 │
	                 ▼
	      Map observed state/health → status
	                 │
	                 ▼
	      Write only if status changed

# Status Mapping

	Observed container      Observed health      New status
	absent                  —                    stopped
	running                 healthy              running
	running                 unhealthy            error
	running                 starting/unknown     starting
	created/restarting      —                    starting
	exited/dead/paused      —                    stopped

# Level-Triggered Reconciliation

This is level-triggered, not edge-triggered: each cycle reads current
state and decides independently of what the previous cycle observed, so a
missed cycle or a restart of the controller process converges on the next
tick without special-case replay logic.

# Usage

	rec := reconciler.New(store, engine)
	rec.Start()
	defer rec.Stop()

# Monitoring

The reconciler exports Prometheus metrics:

	hyac_reconciliation_duration_seconds
	hyac_reconciliation_cycles_total
	hyac_reconciliation_mismatches_total{from_status,to_status}

# See Also

  - pkg/orchestrator - container lifecycle the reconciler observes
  - pkg/container - the Engine collaborator queried for health
  - pkg/watchers - change-feed driven invalidation, the reconciler's sibling
*/
package reconciler
