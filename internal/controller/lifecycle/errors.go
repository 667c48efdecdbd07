package lifecycle

import (
	"errors"
	"fmt"
)

// ErrStartTimeout indicates a container was created and started but never
// reported running within the startup window.
var ErrStartTimeout = errors.New("container did not reach running state in time")

// ErrNoContainer indicates an operation needs a provisioned container and the
// session has none.
var ErrNoContainer = errors.New("session has no container")

// ProvisionError wraps any failure to bring up a session's container. The
// session is left in error status with the container torn down, so the next
// provision attempt starts from a clean slate.
type ProvisionError struct {
	SessionID string
	Err       error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision session %s: %v", e.SessionID, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}
