package container

import (
	"bytes"
	"context"
	"io"

	dockertypes "github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockerimage "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

// DockerEngine is the production Engine implementation, backed by
// client.APIClient from github.com/docker/docker/client against the local
// or configured Docker Engine API endpoint.
type DockerEngine struct {
	cli client.APIClient
}

// NewDockerEngine builds an Engine against host, or the environment's
// default Docker endpoint when host is empty.
func NewDockerEngine(host string) (*DockerEngine, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	} else {
		opts = append(opts, client.FromEnv)
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, err
	}
	return &DockerEngine{cli: cli}, nil
}

func (e *DockerEngine) PullImage(ctx context.Context, image string) error {
	rc, err := e.cli.ImagePull(ctx, image, dockerimage.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (e *DockerEngine) CreateContainer(ctx context.Context, opts CreateOptions) (string, error) {
	var env []string
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}

	config := &dockercontainer.Config{
		Image:  opts.Image,
		Env:    env,
		Labels: opts.Labels,
	}

	if opts.HealthCheck != nil {
		config.Healthcheck = &dockercontainer.HealthConfig{
			Test:        opts.HealthCheck.Test,
			Interval:    opts.HealthCheck.Interval,
			Timeout:     opts.HealthCheck.Timeout,
			Retries:     opts.HealthCheck.Retries,
			StartPeriod: opts.HealthCheck.StartPeriod,
		}
	}

	hostConfig := &dockercontainer.HostConfig{
		NetworkMode: dockercontainer.NetworkMode(opts.Network),
	}

	var netConfig *network.NetworkingConfig
	if opts.Network != "" {
		netConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				opts.Network: {},
			},
		}
	}

	resp, err := e.cli.ContainerCreate(ctx, config, hostConfig, netConfig, nil, opts.Name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (e *DockerEngine) StartContainer(ctx context.Context, id string) error {
	return e.cli.ContainerStart(ctx, id, dockercontainer.StartOptions{})
}

func (e *DockerEngine) StopContainer(ctx context.Context, id string) error {
	return e.cli.ContainerStop(ctx, id, dockercontainer.StopOptions{})
}

func (e *DockerEngine) RestartContainer(ctx context.Context, id string) error {
	return e.cli.ContainerRestart(ctx, id, dockercontainer.StopOptions{})
}

func (e *DockerEngine) RemoveContainer(ctx context.Context, id string, force bool) error {
	return e.cli.ContainerRemove(ctx, id, dockercontainer.RemoveOptions{Force: force})
}

func (e *DockerEngine) Inspect(ctx context.Context, id string) (ContainerInfo, error) {
	inspect, err := e.cli.ContainerInspect(ctx, id)
	if client.IsErrNotFound(err) {
		return ContainerInfo{}, ErrNotFound
	}
	if err != nil {
		return ContainerInfo{}, err
	}
	return toContainerInfo(inspect), nil
}

func (e *DockerEngine) ListContainers(ctx context.Context, namePrefix string) ([]ContainerInfo, error) {
	args := filters.NewArgs()
	if namePrefix != "" {
		args.Add("name", namePrefix)
	}

	containers, err := e.cli.ContainerList(ctx, dockercontainer.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, err
	}

	out := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = trimLeadingSlash(c.Names[0])
		}
		out = append(out, ContainerInfo{
			ID:    c.ID,
			Name:  name,
			State: RunState(c.State),
		})
	}
	return out, nil
}

func (e *DockerEngine) Exec(ctx context.Context, id string, cmd []string) (io.Reader, error) {
	execCfg := dockertypes.ExecConfig{Cmd: cmd, AttachStdout: true, AttachStderr: true}
	created, err := e.cli.ContainerExecCreate(ctx, id, execCfg)
	if err != nil {
		return nil, err
	}

	attach, err := e.cli.ContainerExecAttach(ctx, created.ID, dockercontainer.ExecAttachOptions{})
	if err != nil {
		return nil, err
	}
	defer attach.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, attach.Reader); err != nil {
		return nil, err
	}
	return &buf, nil
}

func toContainerInfo(inspect dockertypes.ContainerJSON) ContainerInfo {
	info := ContainerInfo{
		ID:    inspect.ID,
		Name:  trimLeadingSlash(inspect.Name),
		State: RunState(inspect.State.Status),
	}
	if inspect.State.Health != nil {
		info.Health = HealthStatus(inspect.State.Health.Status)
	} else {
		info.Health = HealthStatusNone
	}
	return info
}

func trimLeadingSlash(s string) string {
	if len(s) > 0 && s[0] == '/' {
		return s[1:]
	}
	return s
}
