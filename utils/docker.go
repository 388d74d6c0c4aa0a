// utils/docker.go - Docker API access tunneled through the SSH connection
package utils

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"golang.org/x/crypto/ssh"

	"shipyard/common"
)

// sshTransport dials the remote Docker socket through the established SSH
// connection, so the API is reachable without exposing the daemon on TCP.
type sshTransport struct {
	sshClient *ssh.Client
}

func (t *sshTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	transport := &http.Transport{
		Dial: func(network, addr string) (net.Conn, error) {
			conn, err := t.sshClient.Dial("unix", "/var/run/docker.sock")
			if err != nil {
				return nil, fmt.Errorf("failed to tunnel to Docker socket: %v", err)
			}
			return conn, nil
		},
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return transport.RoundTrip(req)
}

// DockerClientFor creates a Docker client that talks to the target's daemon
// over the executor's SSH connection.
func DockerClientFor(c *SSHClient) (*client.Client, func(), error) {
	httpClient := &http.Client{
		Transport: &sshTransport{sshClient: c.client},
		Timeout:   30 * time.Second,
	}

	dockerClient, err := client.NewClientWithOpts(
		client.WithHost("unix:///var/run/docker.sock"),
		client.WithHTTPClient(httpClient),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, nil, common.E(common.KindConnection, "failed to create Docker client for %s: %v", c.host.Name, err)
	}

	cleanup := func() { _ = dockerClient.Close() }
	return dockerClient, cleanup, nil
}

// ContainerState is one container's view for the status command.
type ContainerState struct {
	Service string `json:"service"`
	Name    string `json:"name"`
	Image   string `json:"image"`
	State   string `json:"state"`
	Health  string `json:"health,omitempty"`
}

// ListComposeContainers returns the state of every container belonging to the
// given Compose project, sorted by service name.
func ListComposeContainers(ctx context.Context, cli *client.Client, project string) ([]ContainerState, error) {
	flt := filters.NewArgs()
	flt.Add("label", "com.docker.compose.project="+SanitizeProject(project))

	list, err := cli.ContainerList(ctx, container.ListOptions{All: true, Filters: flt})
	if err != nil {
		return nil, common.E(common.KindConnection, "container list failed: %v", err)
	}

	out := make([]ContainerState, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, ContainerState{
			Service: c.Labels["com.docker.compose.service"],
			Name:    name,
			Image:   c.Image,
			State:   c.State,
			Health:  healthFromStatus(c.Status),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out, nil
}

// healthFromStatus extracts the health token from a status line like
// "Up 2 hours (healthy)".
func healthFromStatus(status string) string {
	open := strings.LastIndexByte(status, '(')
	end := strings.LastIndexByte(status, ')')
	if open < 0 || end <= open {
		return ""
	}
	token := strings.ToLower(status[open+1 : end])
	switch token {
	case "healthy", "unhealthy", "health: starting":
		return strings.TrimPrefix(token, "health: ")
	}
	return ""
}
