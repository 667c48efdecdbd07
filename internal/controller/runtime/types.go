// Package runtime defines shared types for the container runtime abstraction.
package runtime

import (
	"errors"
	"fmt"
	"time"
)

// ContainerSpec describes how a session's agent container should be created.
type ContainerSpec struct {
	// SessionID is the chat session this container serves. The container name
	// is derived from it, so at most one container can exist per session.
	SessionID string
	// Image is the agent container image (e.g. "ghcr.io/agentdock/agent:latest").
	Image string
	// Env holds environment variables to inject into the container. The agent
	// credential travels here; it must never be logged.
	Env map[string]string
	// Labels are extra engine labels to attach to the container.
	Labels map[string]string
	// NetworkName is the shared network to join (defaults to "agentdock" if empty).
	NetworkName string
	// AgentPort is the fixed port the agent's HTTP server listens on inside
	// the container. Zero means DefaultAgentPort.
	AgentPort int
}

// ContainerHandle identifies a created container.
type ContainerHandle struct {
	// SessionID is the owning session (matches sessions.session_id in the DB).
	SessionID string
	// ContainerID is the engine-assigned container ID.
	ContainerID string
	// ContainerName is the deterministic container name.
	ContainerName string
}

// ContainerState mirrors engine container states.
type ContainerState string

const (
	StateCreated    ContainerState = "created"
	StateRunning    ContainerState = "running"
	StateRestarting ContainerState = "restarting"
	StatePaused     ContainerState = "paused"
	StateExited     ContainerState = "exited"
	StateRemoving   ContainerState = "removing"
	StateDead       ContainerState = "dead"
	StateUnknown    ContainerState = "unknown"
)

// RuntimeStatus holds live container status information.
type RuntimeStatus struct {
	SessionID   string
	ContainerID string
	State       ContainerState
	StartedAt   time.Time
	FinishedAt  time.Time
	ExitCode    int
	Error       string
}

// Sentinel errors the adapter maps engine-native failures onto, so that
// callers can classify without importing the engine SDK. Both are returned
// wrapped; test with errors.Is.
var (
	// ErrNotFound indicates the referenced container does not exist.
	ErrNotFound = errors.New("container not found")
	// ErrNameConflict indicates a container with the requested name already
	// exists. The deterministic naming scheme makes this the engine-level
	// enforcement of the one-container-per-session invariant.
	ErrNameConflict = errors.New("container name already in use")
)

// DefaultAgentPort is the fixed port agent processes listen on.
const DefaultAgentPort = 4096

// DefaultNetwork is the shared attachable network agent containers join.
const DefaultNetwork = "agentdock"

// ContainerNameFor returns the deterministic container name for a session ID.
// Lookups never need a separate name→ID index because of this derivation.
func ContainerNameFor(sessionID string) string {
	return "agent_" + sessionID
}

// EndpointFor returns the DNS endpoint ("name:port") at which a running
// container's agent process is reachable on the shared network.
func EndpointFor(sessionID string, port int) string {
	if port == 0 {
		port = DefaultAgentPort
	}
	return fmt.Sprintf("%s:%d", ContainerNameFor(sessionID), port)
}
