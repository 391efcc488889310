package container

import (
	"context"
	"io"
	"strings"
	"sync"
)

// FakeEngine is an in-memory Engine used by tests in place of a live Docker
// daemon.
type FakeEngine struct {
	mu         sync.Mutex
	containers map[string]ContainerInfo
	nextID     int
	PulledImages []string
}

// NewFakeEngine creates an empty fake engine.
func NewFakeEngine() *FakeEngine {
	return &FakeEngine{containers: make(map[string]ContainerInfo)}
}

func (e *FakeEngine) PullImage(_ context.Context, image string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.PulledImages = append(e.PulledImages, image)
	return nil
}

func (e *FakeEngine) CreateContainer(_ context.Context, opts CreateOptions) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.containers {
		if c.Name == opts.Name {
			return "", &existsErr{name: opts.Name}
		}
	}
	e.nextID++
	id := "fake-" + opts.Name
	e.containers[id] = ContainerInfo{ID: id, Name: opts.Name, State: RunStateCreated, Health: HealthStatusStarting}
	return id, nil
}

func (e *FakeEngine) StartContainer(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[id]
	if !ok {
		return ErrNotFound
	}
	c.State = RunStateRunning
	c.Health = HealthStatusHealthy
	e.containers[id] = c
	return nil
}

func (e *FakeEngine) StopContainer(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[id]
	if !ok {
		return ErrNotFound
	}
	c.State = RunStateExited
	c.Health = HealthStatusNone
	e.containers[id] = c
	return nil
}

func (e *FakeEngine) RestartContainer(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[id]
	if !ok {
		return ErrNotFound
	}
	c.State = RunStateRunning
	c.Health = HealthStatusHealthy
	e.containers[id] = c
	return nil
}

func (e *FakeEngine) RemoveContainer(_ context.Context, id string, _ bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.containers[id]; !ok {
		return ErrNotFound
	}
	delete(e.containers, id)
	return nil
}

// Inspect accepts either a container ID or its name, matching the Docker
// Engine API's own by-name-or-ID inspect behavior.
func (e *FakeEngine) Inspect(_ context.Context, id string) (ContainerInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.containers[id]; ok {
		return c, nil
	}
	for _, c := range e.containers {
		if c.Name == id {
			return c, nil
		}
	}
	return ContainerInfo{}, ErrNotFound
}

func (e *FakeEngine) ListContainers(_ context.Context, namePrefix string) ([]ContainerInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []ContainerInfo
	for _, c := range e.containers {
		if namePrefix == "" || strings.HasPrefix(c.Name, namePrefix) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (e *FakeEngine) Exec(_ context.Context, _ string, _ []string) (io.Reader, error) {
	return strings.NewReader(""), nil
}

// SetHealth lets tests simulate a health transition the orchestrator should
// observe on its next poll.
func (e *FakeEngine) SetHealth(id string, health HealthStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.containers[id]
	c.Health = health
	e.containers[id] = c
}

type existsErr struct{ name string }

func (e *existsErr) Error() string { return "container: " + e.name + " already exists" }
