package reaper_test

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentdock/agentdock/internal/controller/lifecycle"
	"github.com/agentdock/agentdock/internal/controller/profile"
	"github.com/agentdock/agentdock/internal/controller/reaper"
	"github.com/agentdock/agentdock/internal/controller/runtime"
	"github.com/agentdock/agentdock/internal/controller/store"
)

// mockRuntime satisfies runtime.Runtime for testing.
type mockRuntime struct {
	mu      sync.Mutex
	states  map[string]runtime.ContainerState
	extra   []runtime.ContainerHandle
	removed []string
}

func newMockRuntime() *mockRuntime {
	return &mockRuntime{states: make(map[string]runtime.ContainerState)}
}

func (m *mockRuntime) Create(_ context.Context, spec runtime.ContainerSpec) (runtime.ContainerHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[spec.SessionID] = runtime.StateCreated
	return runtime.ContainerHandle{
		SessionID:     spec.SessionID,
		ContainerID:   "mock-" + spec.SessionID,
		ContainerName: runtime.ContainerNameFor(spec.SessionID),
	}, nil
}

func (m *mockRuntime) Start(_ context.Context, h runtime.ContainerHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[h.SessionID] = runtime.StateRunning
	return nil
}

func (m *mockRuntime) Stop(_ context.Context, h runtime.ContainerHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[h.SessionID]; !ok {
		return fmt.Errorf("stop: %w", runtime.ErrNotFound)
	}
	m.states[h.SessionID] = runtime.StateExited
	return nil
}

func (m *mockRuntime) Remove(_ context.Context, h runtime.ContainerHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, h.ContainerName)
	if _, ok := m.states[h.SessionID]; ok {
		delete(m.states, h.SessionID)
		return nil
	}
	for i, e := range m.extra {
		if e.ContainerID == h.ContainerID {
			m.extra = append(m.extra[:i], m.extra[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("remove: %w", runtime.ErrNotFound)
}

func (m *mockRuntime) Inspect(_ context.Context, h runtime.ContainerHandle) (runtime.RuntimeStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[h.SessionID]
	if !ok {
		return runtime.RuntimeStatus{}, fmt.Errorf("inspect: %w", runtime.ErrNotFound)
	}
	return runtime.RuntimeStatus{SessionID: h.SessionID, State: state}, nil
}

func (m *mockRuntime) Logs(_ context.Context, _ runtime.ContainerHandle, _ int) (string, error) {
	return "", nil
}

func (m *mockRuntime) List(_ context.Context) ([]runtime.ContainerHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var handles []runtime.ContainerHandle
	for id := range m.states {
		handles = append(handles, runtime.ContainerHandle{
			SessionID:     id,
			ContainerID:   "mock-" + id,
			ContainerName: runtime.ContainerNameFor(id),
		})
	}
	handles = append(handles, m.extra...)
	return handles, nil
}

func (m *mockRuntime) EnsureNetwork(_ context.Context) error { return nil }

func (m *mockRuntime) wasRemoved(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.removed {
		if n == name {
			return true
		}
	}
	return false
}

type fixture struct {
	store   *store.Store
	runtime *mockRuntime
	manager *lifecycle.Manager
	reaper  *reaper.Reaper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "reaper-test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	rt := newMockRuntime()
	logger := slog.New(slog.DiscardHandler)
	m := lifecycle.New(lifecycle.Config{
		Store:        s,
		Runtime:      rt,
		Profiles:     profile.DefaultCatalog("ghcr.io/agentdock/agent:latest"),
		Logger:       logger,
		StartTimeout: 200 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	})
	rp := reaper.New(s, m, rt, logger, reaper.Config{
		IdleTimeout:   15 * time.Minute,
		SweepInterval: time.Minute,
	})
	return &fixture{store: s, runtime: rt, manager: m, reaper: rp}
}

func (f *fixture) provision(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	if err := f.store.CreateSession(ctx, &store.Session{SessionID: id}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.manager.Provision(ctx, id); err != nil {
		t.Fatalf("Provision(%s) failed: %v", id, err)
	}
}

func (f *fixture) age(t *testing.T, id string, d time.Duration) {
	t.Helper()
	_, err := f.store.DB().ExecContext(context.Background(),
		"UPDATE sessions SET last_activity = ? WHERE session_id = ?",
		time.Now().Add(-d), id)
	if err != nil {
		t.Fatal(err)
	}
}

func TestSweepDeprovisionsIdleSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.provision(t, "idle1")
	f.provision(t, "fresh1")
	f.age(t, "idle1", 30*time.Minute)

	if err := f.reaper.Sweep(ctx); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	idle, err := f.store.GetSession(ctx, "idle1")
	if err != nil {
		t.Fatal(err)
	}
	if idle.Status != store.StatusStopped {
		t.Errorf("idle1 status = %q, want stopped", idle.Status)
	}
	if idle.Endpoint.Valid {
		t.Errorf("idle1 endpoint should be cleared")
	}
	if !f.runtime.wasRemoved("agent_idle1") {
		t.Errorf("idle1's container should have been removed")
	}

	fresh, err := f.store.GetSession(ctx, "fresh1")
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Status != store.StatusRunning {
		t.Errorf("fresh1 status = %q, want running (untouched)", fresh.Status)
	}
}

func TestSweepMarksDriftedSessionsErrored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.provision(t, "abc123")

	// Container vanishes behind the controller's back.
	f.runtime.mu.Lock()
	delete(f.runtime.states, "abc123")
	f.runtime.mu.Unlock()

	if err := f.reaper.Sweep(ctx); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	sess, err := f.store.GetSession(ctx, "abc123")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != store.StatusError {
		t.Errorf("status = %q, want error after drift", sess.Status)
	}
}

func TestSweepRemovesOrphanedContainers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.provision(t, "kept")

	// A managed container whose session row was deleted out-of-band.
	f.runtime.mu.Lock()
	f.runtime.extra = append(f.runtime.extra, runtime.ContainerHandle{
		SessionID:     "ghost",
		ContainerID:   "mock-ghost",
		ContainerName: "agent_ghost",
	})
	f.runtime.mu.Unlock()

	if err := f.reaper.Sweep(ctx); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	if !f.runtime.wasRemoved("agent_ghost") {
		t.Errorf("orphaned container should have been removed")
	}
	if f.runtime.wasRemoved("agent_kept") {
		t.Errorf("container with a live session should not be removed")
	}
}
