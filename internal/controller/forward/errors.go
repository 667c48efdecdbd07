package forward

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// NoAgentError indicates the session has no live agent container, so no
// network call was attempted.
type NoAgentError struct {
	SessionID string
	Err       error
}

func (e *NoAgentError) Error() string {
	return fmt.Sprintf("session %s has no agent: %v", e.SessionID, e.Err)
}

func (e *NoAgentError) Unwrap() error { return e.Err }

// AgentUnreachableError indicates the agent container exists but the HTTP
// call to it failed at the transport level (refused, DNS, reset).
type AgentUnreachableError struct {
	SessionID string
	Endpoint  string
	Err       error
}

func (e *AgentUnreachableError) Error() string {
	return fmt.Sprintf("agent for session %s unreachable at %s: %v", e.SessionID, e.Endpoint, e.Err)
}

func (e *AgentUnreachableError) Unwrap() error { return e.Err }

// TimeoutError indicates the agent accepted the request but did not answer
// within the chat window.
type TimeoutError struct {
	SessionID string
	Err       error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("agent for session %s timed out: %v", e.SessionID, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// classify maps a transport-level error from the agent client onto the typed
// taxonomy. Agent-level HTTP errors (4xx/5xx bodies) are not transport
// failures and pass through unchanged.
func classify(sessionID, endpoint string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{SessionID: sessionID, Err: err}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return &TimeoutError{SessionID: sessionID, Err: err}
		}
		return &AgentUnreachableError{SessionID: sessionID, Endpoint: endpoint, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &TimeoutError{SessionID: sessionID, Err: err}
		}
		return &AgentUnreachableError{SessionID: sessionID, Endpoint: endpoint, Err: err}
	}

	return err
}
