package orchestrator_test

import (
	"context"
	"testing"

	"github.com/cuemby/hyac/pkg/container"
	"github.com/cuemby/hyac/pkg/orchestrator"
	"github.com/cuemby/hyac/pkg/proxysink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartAppContainerIsIdempotent(t *testing.T) {
	engine := container.NewFakeEngine()
	sink := proxysink.NewLabelSink()
	orch := orchestrator.New(engine, sink, nil, nil)
	orch.SetNetworkCheckFunc(func(context.Context, string) bool { return true })

	cfg := orchestrator.StartConfig{AppID: "app1", Host: "app1.example.com", Env: map[string]string{"APP_ID": "app1"}}

	first, err := orch.StartAppContainer(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := orch.StartAppContainer(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, first.ContainerID, second.ContainerID)
}

func TestStartAppContainerAppliesProxyRoute(t *testing.T) {
	engine := container.NewFakeEngine()
	sink := proxysink.NewLabelSink()
	orch := orchestrator.New(engine, sink, nil, nil)
	orch.SetNetworkCheckFunc(func(context.Context, string) bool { return true })

	cfg := orchestrator.StartConfig{AppID: "app2", Host: "app2.example.com"}
	_, err := orch.StartAppContainer(context.Background(), cfg)
	require.NoError(t, err)

	labels := sink.Labels("app2")
	require.NotNil(t, labels)
	assert.Equal(t, "true", labels["traefik.enable"])
}

func TestStopAppContainerRemovesRouteAndIsIdempotent(t *testing.T) {
	engine := container.NewFakeEngine()
	sink := proxysink.NewLabelSink()
	orch := orchestrator.New(engine, sink, nil, nil)
	orch.SetNetworkCheckFunc(func(context.Context, string) bool { return true })

	cfg := orchestrator.StartConfig{AppID: "app3", Host: "app3.example.com"}
	_, err := orch.StartAppContainer(context.Background(), cfg)
	require.NoError(t, err)

	require.NoError(t, orch.StopAppContainer(context.Background(), "app3"))
	assert.Nil(t, sink.Labels("app3"))

	// Stopping again is a no-op, not an error.
	require.NoError(t, orch.StopAppContainer(context.Background(), "app3"))
}

func TestRestartAppContainerRequiresRunningApp(t *testing.T) {
	engine := container.NewFakeEngine()
	sink := proxysink.NewLabelSink()
	orch := orchestrator.New(engine, sink, nil, nil)
	orch.SetNetworkCheckFunc(func(context.Context, string) bool { return true })

	err := orch.RestartAppContainer(context.Background(), "never-started")
	assert.Error(t, err)
}

func TestAdoptAndIsRunning(t *testing.T) {
	engine := container.NewFakeEngine()
	sink := proxysink.NewLabelSink()
	orch := orchestrator.New(engine, sink, nil, nil)
	orch.SetNetworkCheckFunc(func(context.Context, string) bool { return true })

	_, ok := orch.IsRunning("app4")
	assert.False(t, ok)

	orch.Adopt("app4", orchestrator.RunningApp{ContainerID: "c1", ContainerName: "hyac-app-runtime-app4"})
	running, ok := orch.IsRunning("app4")
	require.True(t, ok)
	assert.Equal(t, "c1", running.ContainerID)
}
