// Package router resolves chat sessions to agent container endpoints.
//
// Resolution is a pure read: it never provisions and never touches the
// engine, so callers on the hot path can decide cheaply whether a session has
// a live route before doing any network work.
package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentdock/agentdock/internal/controller/store"
)

// ErrNoRoute indicates the session exists but has no live endpoint.
var ErrNoRoute = errors.New("session has no live endpoint")

// Resolution is a resolved session route.
type Resolution struct {
	SessionID string
	// Endpoint is the "name:port" address of the agent container on the
	// shared network.
	Endpoint string
	// RemoteSessionID is the agent-side conversation ID, empty when the agent
	// has not assigned one yet.
	RemoteSessionID string
}

// BaseURL returns the HTTP base URL for the resolved endpoint.
func (r Resolution) BaseURL() string {
	return "http://" + r.Endpoint
}

// Router maps session IDs to endpoints using the session store.
type Router struct {
	store *store.Store
}

// New creates a Router backed by the given store.
func New(s *store.Store) *Router {
	return &Router{store: s}
}

// Resolve returns the live route for a session. It fails with ErrNoRoute when
// the session is not running or has no recorded endpoint, and with
// store.ErrSessionNotFound when the session does not exist at all.
func (r *Router) Resolve(ctx context.Context, sessionID string) (Resolution, error) {
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return Resolution{}, err
	}

	if sess.Status != store.StatusRunning || !sess.Endpoint.Valid || sess.Endpoint.String == "" {
		return Resolution{}, fmt.Errorf("session %s (status %s): %w", sessionID, sess.Status, ErrNoRoute)
	}

	return Resolution{
		SessionID:       sessionID,
		Endpoint:        sess.Endpoint.String,
		RemoteSessionID: sess.RemoteSessionID.String,
	}, nil
}
