package collector

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/nasmon/nasmon/internal/alarm"
)

// DockerLister implements alarm.ContainerLister against the Docker Engine API.
type DockerLister struct {
	cli *client.Client
}

var _ alarm.ContainerLister = (*DockerLister)(nil)

// NewDockerLister connects to host, or to the environment's DOCKER_HOST
// (default unix socket) when host is empty. The API version is negotiated
// on first use, so no daemon is contacted here.
func NewDockerLister(host string, opts ...client.Opt) (*DockerLister, error) {
	all := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		all = append(all, client.WithHost(host))
	}
	all = append(all, opts...)

	cli, err := client.NewClientWithOpts(all...)
	if err != nil {
		return nil, fmt.Errorf("collector: docker client: %w", err)
	}
	return &DockerLister{cli: cli}, nil
}

// Containers lists every container, running or not. Status carries the
// container state ("running", "exited", "paused", ...).
func (d *DockerLister) Containers(ctx context.Context) ([]alarm.Container, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("collector: list containers: %w", err)
	}
	out := make([]alarm.Container, 0, len(list))
	for _, c := range list {
		out = append(out, alarm.Container{
			Name:   containerName(c.Names, c.ID),
			Status: c.State,
		})
	}
	return out, nil
}

// Close releases the client's transport.
func (d *DockerLister) Close() error {
	return d.cli.Close()
}

// containerName returns the first name without Docker's leading slash,
// falling back to the short id.
func containerName(names []string, id string) string {
	for _, n := range names {
		if n = strings.TrimPrefix(n, "/"); n != "" {
			return n
		}
	}
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
