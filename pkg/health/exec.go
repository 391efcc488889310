package health

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"time"
)

// Execer is the subset of container.Engine an ExecChecker needs to run a
// command inside a container; an explicit interface here (rather than
// importing pkg/container) keeps health free of a dependency on the
// container runtime package.
type Execer interface {
	Exec(ctx context.Context, id string, cmd []string) (io.Reader, error)
}

// ExecChecker runs Command either inside a container (via Engine, when
// ContainerID is set) or on the host, and reports healthy on a zero exit.
type ExecChecker struct {
	// Command is the command to execute (e.g., ["pg_isready", "-U", "postgres"])
	Command []string

	// Timeout is the command execution timeout (default: 10 seconds)
	Timeout time.Duration

	// Engine and ContainerID select the in-container exec path; both must
	// be set, otherwise Check runs Command on the host.
	Engine      Execer
	ContainerID string
}

// NewExecChecker creates a new exec health checker
func NewExecChecker(command []string) *ExecChecker {
	return &ExecChecker{
		Command: command,
		Timeout: 10 * time.Second,
	}
}

// Check performs the exec health check
func (e *ExecChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if len(e.Command) == 0 {
		return Result{
			Healthy:   false,
			Message:   "no command specified",
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	var output string
	var err error
	if e.Engine != nil && e.ContainerID != "" {
		output, err = e.runInContainer(execCtx)
	} else {
		output, err = e.runOnHost(execCtx)
	}

	message := fmt.Sprintf("Command: %v", e.Command)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("%s, Error: %v", message, err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	if len(output) > 100 {
		output = output[:100] + "..."
	}
	if output != "" {
		message = fmt.Sprintf("%s, Output: %s", message, output)
	}
	return Result{
		Healthy:   true,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

func (e *ExecChecker) runInContainer(ctx context.Context) (string, error) {
	reader, err := e.Engine.Exec(ctx, e.ContainerID, e.Command)
	if err != nil {
		return "", err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (e *ExecChecker) runOnHost(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, e.Command[0], e.Command[1:]...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// Type returns the health check type
func (e *ExecChecker) Type() CheckType {
	return CheckTypeExec
}

// WithTimeout sets the execution timeout
func (e *ExecChecker) WithTimeout(timeout time.Duration) *ExecChecker {
	e.Timeout = timeout
	return e
}

// WithContainer points the checker at a container, exec'd through engine.
func (e *ExecChecker) WithContainer(engine Execer, containerID string) *ExecChecker {
	e.Engine = engine
	e.ContainerID = containerID
	return e
}
