// Package lifecycle manages agent containers for chat sessions.
//
// The manager owns every transition of a session's container: provisioning on
// demand, teardown, and status reconciliation between the database and the
// engine. All session writes flow through here (the reaper included), which
// keeps the store single-writer.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/agentdock/agentdock/common/crypto"
	"github.com/agentdock/agentdock/common/retry"
	"github.com/agentdock/agentdock/internal/controller/profile"
	"github.com/agentdock/agentdock/internal/controller/runtime"
	"github.com/agentdock/agentdock/internal/controller/store"
)

const (
	// defaultStartTimeout bounds how long a provision waits for the container
	// to report running before tearing it down.
	defaultStartTimeout = 30 * time.Second
	// defaultPollInterval is how often the start poll inspects the container.
	defaultPollInterval = 500 * time.Millisecond

	// credentialEnvVar is the environment variable the agent credential is
	// injected under. Plaintext exists only inside the container environment.
	credentialEnvVar = "AGENT_CREDENTIAL"
)

// Config collects the manager's dependencies.
type Config struct {
	Store    *store.Store
	Runtime  runtime.Runtime
	Profiles *profile.Catalog
	// MasterKey decrypts stored credentials. Nil disables credential injection.
	MasterKey []byte
	Logger    *slog.Logger

	// StartTimeout and PollInterval override the startup wait; zero values
	// take the defaults.
	StartTimeout time.Duration
	PollInterval time.Duration
}

// Manager provisions and deprovisions per-session agent containers.
type Manager struct {
	store     *store.Store
	runtime   runtime.Runtime
	profiles  *profile.Catalog
	masterKey []byte
	logger    *slog.Logger

	startTimeout time.Duration
	pollInterval time.Duration

	// flights collapses concurrent provisions of the same session into one
	// container creation.
	flights singleflight.Group
}

// New creates a lifecycle manager.
func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaultStartTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Manager{
		store:        cfg.Store,
		runtime:      cfg.Runtime,
		profiles:     cfg.Profiles,
		masterKey:    cfg.MasterKey,
		logger:       cfg.Logger,
		startTimeout: cfg.StartTimeout,
		pollInterval: cfg.PollInterval,
	}
}

// Provision brings up the session's agent container and returns the session
// with its endpoint populated. Concurrent calls for the same session share a
// single flight; each waiter still honors its own context.
//
// On any failure the partially created container is removed, the session is
// marked error, and a *ProvisionError is returned.
func (m *Manager) Provision(ctx context.Context, sessionID string) (*store.Session, error) {
	ch := m.flights.DoChan(sessionID, func() (any, error) {
		// The first caller's context drives the flight. Waiters that bail on
		// their own cancellation below leave the flight running for the rest.
		return m.provision(ctx, sessionID)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*store.Session), nil
	}
}

func (m *Manager) provision(ctx context.Context, sessionID string) (*store.Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	// Already running and the engine agrees: nothing to do.
	if sess.Status == store.StatusRunning && sess.ContainerID.Valid {
		status, err := m.runtime.Inspect(ctx, handleFor(sess))
		if err == nil && status.State == runtime.StateRunning {
			return sess, nil
		}
		// Recorded running but the container is gone or stopped. Fall through
		// and re-provision from scratch.
		m.logger.Warn("session recorded running but container is not",
			"session_id", sessionID, "err", err)
	}

	prof, err := m.profiles.Get(sess.Profile)
	if err != nil {
		return nil, m.fail(ctx, sessionID, err)
	}

	if err := m.store.UpdateSessionStatus(ctx, sessionID, store.StatusStarting, ""); err != nil {
		return nil, err
	}

	spec, err := m.buildSpec(sess, prof)
	if err != nil {
		return nil, m.fail(ctx, sessionID, err)
	}

	handle, err := m.createContainer(ctx, spec)
	if err != nil {
		return nil, m.fail(ctx, sessionID, err)
	}

	if err := m.startAndAwait(ctx, handle); err != nil {
		// Best-effort teardown so the next attempt starts clean.
		if rmErr := m.runtime.Remove(context.WithoutCancel(ctx), handle); rmErr != nil && !errors.Is(rmErr, runtime.ErrNotFound) {
			m.logger.Warn("failed to remove container after start failure",
				"session_id", sessionID, "container_id", handle.ContainerID, "err", rmErr)
		}
		return nil, m.fail(ctx, sessionID, err)
	}

	endpoint := runtime.EndpointFor(sessionID, prof.AgentPort)
	if err := m.store.UpdateSessionContainer(ctx, sessionID, handle.ContainerID, handle.ContainerName, endpoint); err != nil {
		return nil, m.fail(ctx, sessionID, err)
	}
	if err := m.store.UpdateSessionStatus(ctx, sessionID, store.StatusRunning, ""); err != nil {
		return nil, err
	}
	if err := m.store.TouchSession(ctx, sessionID); err != nil {
		m.logger.Warn("failed to touch session after provision", "session_id", sessionID, "err", err)
	}

	m.logger.Info("session provisioned",
		"session_id", sessionID,
		"container_id", handle.ContainerID,
		"endpoint", endpoint)

	return m.store.GetSession(ctx, sessionID)
}

// createContainer creates the container with bounded retries. A name conflict
// is not retried: it means a previous container survived, so it is adopted.
func (m *Manager) createContainer(ctx context.Context, spec runtime.ContainerSpec) (runtime.ContainerHandle, error) {
	var handle runtime.ContainerHandle

	cfg := retry.DefaultConfig
	cfg.ShouldRetry = func(err error) bool {
		return !errors.Is(err, runtime.ErrNameConflict)
	}

	err := retry.Do(ctx, cfg, func() error {
		var createErr error
		handle, createErr = m.runtime.Create(ctx, spec)
		return createErr
	})
	if err == nil {
		return handle, nil
	}
	if !errors.Is(err, runtime.ErrNameConflict) {
		return runtime.ContainerHandle{}, err
	}

	// The deterministic name means the conflicting container belongs to this
	// session. The engine resolves names where IDs are expected, so address
	// it by name.
	name := runtime.ContainerNameFor(spec.SessionID)
	adopted := runtime.ContainerHandle{
		SessionID:     spec.SessionID,
		ContainerID:   name,
		ContainerName: name,
	}
	status, inspectErr := m.runtime.Inspect(ctx, adopted)
	if inspectErr != nil {
		return runtime.ContainerHandle{}, fmt.Errorf("adopt existing container %s: %w", name, inspectErr)
	}
	adopted.ContainerID = status.ContainerID
	m.logger.Info("adopted existing container", "session_id", spec.SessionID, "container_id", adopted.ContainerID)
	return adopted, nil
}

// startAndAwait starts the container and polls until it reports running.
func (m *Manager) startAndAwait(ctx context.Context, handle runtime.ContainerHandle) error {
	err := retry.Do(ctx, retry.DefaultConfig, func() error {
		return m.runtime.Start(ctx, handle)
	})
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.startTimeout)
	defer cancel()

	var lastState runtime.ContainerState
	for {
		select {
		case <-waitCtx.Done():
			return fmt.Errorf("%w (last state %q): %v", ErrStartTimeout, lastState, waitCtx.Err())
		case <-time.After(m.pollInterval):
		}

		status, err := m.runtime.Inspect(waitCtx, handle)
		if err != nil {
			m.logger.Debug("start poll inspect error", "container_id", handle.ContainerID, "err", err)
			continue
		}
		lastState = status.State
		switch status.State {
		case runtime.StateRunning:
			return nil
		case runtime.StateExited, runtime.StateDead, runtime.StateRemoving:
			return fmt.Errorf("container exited prematurely with exit code %d: %s", status.ExitCode, status.Error)
		default:
			// created/restarting/paused — keep polling
		}
	}
}

// Deprovision stops and removes the session's container and records the given
// final status (stopped, or error when called from drift handling). Teardown
// is idempotent: a container that is already gone counts as success.
func (m *Manager) Deprovision(ctx context.Context, sessionID, finalStatus string) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	if sess.ContainerID.Valid {
		handle := handleFor(sess)
		if err := m.runtime.Stop(ctx, handle); err != nil && !errors.Is(err, runtime.ErrNotFound) {
			m.logger.Warn("failed to stop container, removing anyway",
				"session_id", sessionID, "container_id", handle.ContainerID, "err", err)
		}
		if err := m.runtime.Remove(ctx, handle); err != nil && !errors.Is(err, runtime.ErrNotFound) {
			return fmt.Errorf("remove container for session %s: %w", sessionID, err)
		}
	}

	if err := m.store.UpdateSessionContainer(ctx, sessionID, "", "", ""); err != nil {
		return err
	}
	if finalStatus == "" {
		finalStatus = store.StatusStopped
	}
	if err := m.store.UpdateSessionStatus(ctx, sessionID, finalStatus, sess.LastError); err != nil {
		return err
	}

	m.logger.Info("session deprovisioned", "session_id", sessionID, "status", finalStatus)
	return nil
}

// Delete deprovisions the session's container and removes the session row.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	if err := m.Deprovision(ctx, sessionID, store.StatusStopped); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return err
		}
		m.logger.Warn("deprovision during delete failed, deleting row anyway",
			"session_id", sessionID, "err", err)
	}
	return m.store.DeleteSession(ctx, sessionID)
}

// Status returns the session together with its live container state, mapped
// onto the session status vocabulary. When the database says running but the
// container has vanished, the session is marked error (drift).
func (m *Manager) Status(ctx context.Context, sessionID string) (*store.Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if !sess.ContainerID.Valid {
		return sess, nil
	}

	status, err := m.runtime.Inspect(ctx, handleFor(sess))
	if err != nil {
		if errors.Is(err, runtime.ErrNotFound) && sess.Status == store.StatusRunning {
			msg := "container missing while session recorded running"
			if uerr := m.store.UpdateSessionStatus(ctx, sessionID, store.StatusError, msg); uerr != nil {
				return nil, uerr
			}
			sess.Status = store.StatusError
			sess.LastError = msg
			return sess, nil
		}
		if errors.Is(err, runtime.ErrNotFound) {
			return sess, nil
		}
		return nil, err
	}

	mapped := MapEngineState(status.State)
	if mapped != sess.Status {
		if err := m.store.UpdateSessionStatus(ctx, sessionID, mapped, sess.LastError); err != nil {
			return nil, err
		}
		sess.Status = mapped
	}
	return sess, nil
}

// EnsureRunning returns the session with a verified live endpoint,
// provisioning (or re-provisioning) when needed. The forwarder calls this
// before every chat send.
func (m *Manager) EnsureRunning(ctx context.Context, sessionID string) (*store.Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if sess.Status == store.StatusRunning && sess.Endpoint.Valid {
		status, err := m.runtime.Inspect(ctx, handleFor(sess))
		if err == nil && status.State == runtime.StateRunning {
			return sess, nil
		}
	}

	return m.Provision(ctx, sessionID)
}

// Logs returns the tail of the session's container output.
func (m *Manager) Logs(ctx context.Context, sessionID string, tail int) (string, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if !sess.ContainerID.Valid {
		return "", fmt.Errorf("session %s: %w", sessionID, ErrNoContainer)
	}
	return m.runtime.Logs(ctx, handleFor(sess), tail)
}

// fail marks the session errored and wraps the cause in a ProvisionError.
func (m *Manager) fail(ctx context.Context, sessionID string, cause error) error {
	// Use a detached context so cancellation of the provision still records
	// the failure.
	if err := m.store.UpdateSessionStatus(context.WithoutCancel(ctx), sessionID, store.StatusError, cause.Error()); err != nil {
		m.logger.Error("failed to mark session errored", "session_id", sessionID, "err", err)
	}
	return &ProvisionError{SessionID: sessionID, Err: cause}
}

func (m *Manager) buildSpec(sess *store.Session, prof *profile.Profile) (runtime.ContainerSpec, error) {
	env := make(map[string]string, len(prof.Env)+1)
	for k, v := range prof.Env {
		env[k] = v
	}

	if len(sess.Credential) > 0 {
		if m.masterKey == nil {
			return runtime.ContainerSpec{}, fmt.Errorf("session has a credential but no master key is configured")
		}
		plaintext, err := crypto.Decrypt(m.masterKey, sess.Credential)
		if err != nil {
			return runtime.ContainerSpec{}, fmt.Errorf("decrypt session credential: %w", err)
		}
		env[credentialEnvVar] = string(plaintext)
	}

	return runtime.ContainerSpec{
		SessionID: sess.SessionID,
		Image:     prof.Image,
		Env:       env,
		Labels:    prof.Labels,
		AgentPort: prof.AgentPort,
	}, nil
}

// MapEngineState maps a container engine state onto the session status set.
func MapEngineState(state runtime.ContainerState) string {
	switch state {
	case runtime.StateCreated, runtime.StateRestarting:
		return store.StatusStarting
	case runtime.StateRunning:
		return store.StatusRunning
	case runtime.StateExited, runtime.StatePaused, runtime.StateRemoving:
		return store.StatusStopped
	default:
		return store.StatusError
	}
}

func handleFor(sess *store.Session) runtime.ContainerHandle {
	return runtime.ContainerHandle{
		SessionID:     sess.SessionID,
		ContainerID:   sess.ContainerID.String,
		ContainerName: sess.ContainerName.String,
	}
}
