// Package docker provides a Docker Engine runtime adapter for session agent containers.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/agentdock/agentdock/internal/controller/runtime"
)

const (
	labelManagedBy = "agentdock.managed-by"
	labelSessionID = "agentdock.session-id"
	managedByValue = "agentdock"

	// stopTimeout is how long to wait for graceful container stop before SIGKILL.
	stopTimeout = 10 * time.Second
)

// Adapter implements runtime.Runtime using the Docker Engine API.
type Adapter struct {
	client  *dockerclient.Client
	network string
}

// New creates a new Docker runtime adapter.
// Uses the DOCKER_HOST env var or the default socket path.
func New() (*Adapter, error) {
	return NewWithNetwork(runtime.DefaultNetwork)
}

// NewWithNetwork creates an adapter using a specific Docker network name.
func NewWithNetwork(networkName string) (*Adapter, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Adapter{client: cli, network: networkName}, nil
}

// EnsureNetwork creates the shared agent network if it doesn't exist.
func (a *Adapter) EnsureNetwork(ctx context.Context) error {
	nets, err := a.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", a.network)),
	})
	if err != nil {
		return fmt.Errorf("list networks: %w", err)
	}
	for _, n := range nets {
		if n.Name == a.network {
			return nil // already exists
		}
	}
	_, err = a.client.NetworkCreate(ctx, a.network, network.CreateOptions{
		Driver:     "bridge",
		Attachable: true,
		Labels:     map[string]string{labelManagedBy: managedByValue},
	})
	if err != nil {
		return fmt.Errorf("create network %q: %w", a.network, err)
	}
	return nil
}

// Create creates a session agent container from the given spec without
// starting it. The engine rejects a duplicate name, which is what enforces
// the one-container-per-session invariant at the lowest level.
func (a *Adapter) Create(ctx context.Context, spec runtime.ContainerSpec) (runtime.ContainerHandle, error) {
	if spec.Image == "" {
		return runtime.ContainerHandle{}, fmt.Errorf("spec.Image is required")
	}
	if spec.SessionID == "" {
		return runtime.ContainerHandle{}, fmt.Errorf("spec.SessionID is required")
	}

	agentPort := spec.AgentPort
	if agentPort == 0 {
		agentPort = runtime.DefaultAgentPort
	}

	networkName := spec.NetworkName
	if networkName == "" {
		networkName = a.network
	}

	containerName := runtime.ContainerNameFor(spec.SessionID)

	// Build environment
	env := []string{
		fmt.Sprintf("SESSION_ID=%s", spec.SessionID),
		fmt.Sprintf("AGENT_PORT=%d", agentPort),
	}
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	// Build labels
	labels := map[string]string{
		labelManagedBy: managedByValue,
		labelSessionID: spec.SessionID,
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	portKey := nat.Port(fmt.Sprintf("%d/tcp", agentPort))

	containerCfg := &container.Config{
		Image:        spec.Image,
		Env:          env,
		Labels:       labels,
		ExposedPorts: nat.PortSet{portKey: struct{}{}},
	}

	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
	}

	// The container name doubles as its DNS name on the shared network, so
	// the endpoint is predictable without inspecting assigned IPs.
	networkCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			networkName: {},
		},
	}

	resp, err := a.client.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, nil, containerName)
	if err != nil {
		if errdefs.IsConflict(err) {
			return runtime.ContainerHandle{}, fmt.Errorf("create container %s: %w: %v", containerName, runtime.ErrNameConflict, err)
		}
		return runtime.ContainerHandle{}, fmt.Errorf("create container %s: %w", containerName, err)
	}

	return runtime.ContainerHandle{
		SessionID:     spec.SessionID,
		ContainerID:   resp.ID,
		ContainerName: containerName,
	}, nil
}

// Start starts a created or previously stopped container.
func (a *Adapter) Start(ctx context.Context, handle runtime.ContainerHandle) error {
	if err := a.client.ContainerStart(ctx, handle.ContainerID, container.StartOptions{}); err != nil {
		if dockerclient.IsErrNotFound(err) {
			return fmt.Errorf("start container %s: %w", handle.ContainerID, runtime.ErrNotFound)
		}
		return fmt.Errorf("start container %s: %w", handle.ContainerID, err)
	}
	return nil
}

// Stop gracefully stops the container.
func (a *Adapter) Stop(ctx context.Context, handle runtime.ContainerHandle) error {
	timeout := int(stopTimeout.Seconds())
	if err := a.client.ContainerStop(ctx, handle.ContainerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if dockerclient.IsErrNotFound(err) {
			return fmt.Errorf("stop container %s: %w", handle.ContainerID, runtime.ErrNotFound)
		}
		return fmt.Errorf("stop container %s: %w", handle.ContainerID, err)
	}
	return nil
}

// Remove force-removes the container.
func (a *Adapter) Remove(ctx context.Context, handle runtime.ContainerHandle) error {
	err := a.client.ContainerRemove(ctx, handle.ContainerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: false,
	})
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return fmt.Errorf("remove container %s: %w", handle.ContainerID, runtime.ErrNotFound)
		}
		return fmt.Errorf("remove container %s: %w", handle.ContainerID, err)
	}
	return nil
}

// Inspect returns the current engine state of the container.
func (a *Adapter) Inspect(ctx context.Context, handle runtime.ContainerHandle) (runtime.RuntimeStatus, error) {
	inspect, err := a.client.ContainerInspect(ctx, handle.ContainerID)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return runtime.RuntimeStatus{}, fmt.Errorf("inspect container %s: %w", handle.ContainerID, runtime.ErrNotFound)
		}
		return runtime.RuntimeStatus{}, fmt.Errorf("inspect container %s: %w", handle.ContainerID, err)
	}

	state := parseContainerState(inspect.State.Status)
	startedAt, _ := time.Parse(time.RFC3339Nano, inspect.State.StartedAt)
	finishedAt, _ := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt)

	return runtime.RuntimeStatus{
		SessionID:   sessionIDFromInspect(inspect, handle),
		ContainerID: inspect.ID,
		State:       state,
		StartedAt:   startedAt,
		FinishedAt:  finishedAt,
		ExitCode:    inspect.State.ExitCode,
		Error:       inspect.State.Error,
	}, nil
}

// Logs returns up to tail lines of the container's combined stdout/stderr.
func (a *Adapter) Logs(ctx context.Context, handle runtime.ContainerHandle, tail int) (string, error) {
	if tail <= 0 {
		tail = 100
	}
	rc, err := a.client.ContainerLogs(ctx, handle.ContainerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return "", fmt.Errorf("logs for container %s: %w", handle.ContainerID, runtime.ErrNotFound)
		}
		return "", fmt.Errorf("logs for container %s: %w", handle.ContainerID, err)
	}
	defer rc.Close()

	// Docker multiplexes stdout/stderr into one stream; demux into one buffer.
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return "", fmt.Errorf("read logs for container %s: %w", handle.ContainerID, err)
	}
	return buf.String(), nil
}

// List returns handles for all agentdock-managed containers.
func (a *Adapter) List(ctx context.Context) ([]runtime.ContainerHandle, error) {
	containers, err := a.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManagedBy+"="+managedByValue),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	handles := make([]runtime.ContainerHandle, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		handles = append(handles, runtime.ContainerHandle{
			SessionID:     c.Labels[labelSessionID],
			ContainerID:   c.ID,
			ContainerName: name,
		})
	}
	return handles, nil
}

// --- helpers ---

func parseContainerState(s string) runtime.ContainerState {
	switch strings.ToLower(s) {
	case "created":
		return runtime.StateCreated
	case "running":
		return runtime.StateRunning
	case "restarting":
		return runtime.StateRestarting
	case "paused":
		return runtime.StatePaused
	case "exited":
		return runtime.StateExited
	case "removing":
		return runtime.StateRemoving
	case "dead":
		return runtime.StateDead
	default:
		return runtime.StateUnknown
	}
}

// sessionIDFromInspect prefers the label stamped at creation over the handle,
// which may carry only a container ID when called from an orphan sweep.
func sessionIDFromInspect(inspect types.ContainerJSON, handle runtime.ContainerHandle) string {
	if inspect.Config != nil {
		if id, ok := inspect.Config.Labels[labelSessionID]; ok && id != "" {
			return id
		}
	}
	return handle.SessionID
}
