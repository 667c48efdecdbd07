// Package runtime defines the Runtime interface for agent container lifecycle management.
package runtime

import "context"

// Runtime abstracts the container engine backend (Docker, test fakes, etc.).
// Operations fail with the engine's native error wrapped; ErrNotFound and
// ErrNameConflict are recognizable via errors.Is. This layer never retries —
// retry policy belongs to the lifecycle manager, which has the context to
// decide whether retrying is safe.
type Runtime interface {
	// Create creates (but does not start) a container from the given spec.
	// The container name is derived deterministically from spec.SessionID.
	Create(ctx context.Context, spec ContainerSpec) (ContainerHandle, error)

	// Start starts a previously created or stopped container.
	Start(ctx context.Context, handle ContainerHandle) error

	// Stop gracefully stops the container.
	Stop(ctx context.Context, handle ContainerHandle) error

	// Remove force-removes the container. Removing an absent container is an
	// error (ErrNotFound); idempotent-teardown semantics live in the manager.
	Remove(ctx context.Context, handle ContainerHandle) error

	// Inspect returns the current engine status of the container.
	Inspect(ctx context.Context, handle ContainerHandle) (RuntimeStatus, error)

	// Logs returns up to tail lines of the container's combined output.
	Logs(ctx context.Context, handle ContainerHandle, tail int) (string, error)

	// List returns handles for all agentdock-managed containers, running or not.
	List(ctx context.Context) ([]ContainerHandle, error)

	// EnsureNetwork creates the shared agent network if it does not exist.
	EnsureNetwork(ctx context.Context) error
}
