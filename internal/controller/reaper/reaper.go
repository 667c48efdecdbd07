// Package reaper periodically reclaims agent containers.
//
// Three concerns share one sweep: idle sessions get their containers stopped,
// running sessions are reconciled against actual engine state, and labeled
// containers whose session row is gone are removed. All session writes go
// through the lifecycle manager.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentdock/agentdock/internal/controller/lifecycle"
	"github.com/agentdock/agentdock/internal/controller/runtime"
	"github.com/agentdock/agentdock/internal/controller/store"
)

// Config configures the reaper loop.
type Config struct {
	// IdleTimeout is how long a running session may sit without activity
	// before its container is stopped. Defaults to 15m.
	IdleTimeout time.Duration
	// SweepInterval is how often the reaper runs. Defaults to 60s.
	SweepInterval time.Duration
}

// Reaper deprovisions idle sessions and cleans up drifted or orphaned
// containers.
type Reaper struct {
	store   *store.Store
	manager *lifecycle.Manager
	runtime runtime.Runtime
	logger  *slog.Logger
	cfg     Config
}

// New creates a Reaper.
func New(s *store.Store, m *lifecycle.Manager, rt runtime.Runtime, logger *slog.Logger, cfg Config) *Reaper {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 15 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{store: s, manager: m, runtime: rt, logger: logger, cfg: cfg}
}

// Run starts the sweep loop. Blocks until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	r.logger.Info("reaper starting",
		"idle_timeout", r.cfg.IdleTimeout, "sweep_interval", r.cfg.SweepInterval)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopping")
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.Error("reaper sweep failed", "err", err)
			}
		}
	}
}

// Sweep runs a single pass.
func (r *Reaper) Sweep(ctx context.Context) error {
	if err := r.reapIdle(ctx); err != nil {
		return err
	}
	if err := r.reconcileRunning(ctx); err != nil {
		return err
	}
	return r.removeOrphans(ctx)
}

// reapIdle deprovisions running sessions with no recent activity.
func (r *Reaper) reapIdle(ctx context.Context) error {
	cutoff := time.Now().Add(-r.cfg.IdleTimeout)
	idle, err := r.store.ListIdleSessions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list idle sessions: %w", err)
	}

	for _, sess := range idle {
		r.logger.Info("deprovisioning idle session",
			"session_id", sess.SessionID, "last_activity", sess.LastActivity)
		if err := r.manager.Deprovision(ctx, sess.SessionID, store.StatusStopped); err != nil {
			r.logger.Error("failed to deprovision idle session",
				"session_id", sess.SessionID, "err", err)
		}
	}
	return nil
}

// reconcileRunning syncs recorded running sessions with engine reality. The
// manager's Status marks drifted sessions errored.
func (r *Reaper) reconcileRunning(ctx context.Context) error {
	running, err := r.store.ListSessionsByStatus(ctx, store.StatusRunning)
	if err != nil {
		return fmt.Errorf("list running sessions: %w", err)
	}

	for _, sess := range running {
		before := sess.Status
		after, err := r.manager.Status(ctx, sess.SessionID)
		if err != nil {
			r.logger.Warn("status reconcile failed", "session_id", sess.SessionID, "err", err)
			continue
		}
		if after.Status != before {
			r.logger.Info("session status reconciled",
				"session_id", sess.SessionID, "from", before, "to", after.Status)
		}
	}
	return nil
}

// removeOrphans force-removes managed containers whose session row no longer
// exists.
func (r *Reaper) removeOrphans(ctx context.Context) error {
	handles, err := r.runtime.List(ctx)
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}

	for _, h := range handles {
		if h.SessionID != "" {
			_, err := r.store.GetSession(ctx, h.SessionID)
			if err == nil {
				continue
			}
			if !errors.Is(err, store.ErrSessionNotFound) {
				// Only a confirmed missing row makes a container an orphan. A
				// store fault here must not take down a live session's container.
				r.logger.Warn("session lookup failed, keeping container",
					"container_id", h.ContainerID, "session_id", h.SessionID, "err", err)
				continue
			}
		}
		r.logger.Info("removing orphaned container",
			"container_id", h.ContainerID, "container_name", h.ContainerName, "session_id", h.SessionID)
		if err := r.runtime.Remove(ctx, h); err != nil {
			r.logger.Error("failed to remove orphaned container",
				"container_id", h.ContainerID, "err", err)
		}
	}
	return nil
}
