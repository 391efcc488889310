package proxysink_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/hyac/pkg/proxysink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSinkApplyWritesAtomically(t *testing.T) {
	dir := t.TempDir()
	sink, err := proxysink.NewFileSink(dir)
	require.NoError(t, err)

	route := proxysink.Route{AppID: "app1", ContainerName: "hyac-app-runtime-app1", ContainerPort: 8001, Host: "app1.example.com"}
	require.NoError(t, sink.Apply(context.Background(), route))

	data, err := os.ReadFile(filepath.Join(dir, "app1.conf"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hyac-app-runtime-app1:8001")

	_, err = os.Stat(filepath.Join(dir, "app1.conf.tmp"))
	assert.True(t, os.IsNotExist(err), "temp file should not remain after rename")
}

func TestFileSinkRemoveIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	sink, err := proxysink.NewFileSink(dir)
	require.NoError(t, err)

	require.NoError(t, sink.Remove(context.Background(), "never-applied"))

	route := proxysink.Route{AppID: "app1", Host: "app1.example.com"}
	require.NoError(t, sink.Apply(context.Background(), route))
	require.NoError(t, sink.Remove(context.Background(), "app1"))
	require.NoError(t, sink.Remove(context.Background(), "app1"))

	_, err = os.Stat(filepath.Join(dir, "app1.conf"))
	assert.True(t, os.IsNotExist(err))
}

func TestLabelSinkRecordsTraefikLabels(t *testing.T) {
	sink := proxysink.NewLabelSink()
	route := proxysink.Route{AppID: "app1", Host: "app1.example.com", ContainerPort: 8001}
	require.NoError(t, sink.Apply(context.Background(), route))

	labels := sink.Labels("app1")
	require.NotNil(t, labels)
	assert.Equal(t, "true", labels["traefik.enable"])
	assert.Equal(t, "8001", labels["traefik.http.services.app1.loadbalancer.server.port"])

	require.NoError(t, sink.Remove(context.Background(), "app1"))
	assert.Nil(t, sink.Labels("app1"))
}
