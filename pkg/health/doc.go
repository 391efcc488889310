/*
Package health implements HTTP, TCP, and Exec health checks for containers
running Hyac application functions.

The orchestrator uses a TCPChecker while starting a container, to wait for
its runtime port to become reachable, and feeds the engine-reported health
of each startup poll into a Status. Nothing polls a container once it is
running, and no package restarts or replaces a container that turns
unhealthy.

# Checker types

	Checker (interface)
	├── HTTPChecker — GET/POST/HEAD against a path, healthy on 2xx/3xx
	├── TCPChecker  — dial the container's address, no data sent
	└── ExecChecker — run a command in the container, healthy on exit 0

# Usage

	checker := health.NewHTTPChecker("http://" + containerAddr + "/health")
	status := health.NewStatus()
	cfg := health.DefaultConfig()

	result := checker.Check(ctx)
	status.Update(result, cfg)
	if !status.Healthy {
		// recycle the container
	}

Status.Update applies simple hysteresis: Retries consecutive failures are
required before Healthy flips false, and a single success clears the
streak, so a single transient failure does not flip Healthy.
*/
package health
