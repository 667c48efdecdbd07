package lifecycle_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentdock/agentdock/internal/controller/lifecycle"
	"github.com/agentdock/agentdock/internal/controller/profile"
	"github.com/agentdock/agentdock/internal/controller/runtime"
	"github.com/agentdock/agentdock/internal/controller/store"
)

// mockRuntime satisfies runtime.Runtime for testing.
type mockRuntime struct {
	mu           sync.Mutex
	states       map[string]runtime.ContainerState
	containerIDs map[string]string
	createCalls  int
	startErr     error
	stayCreated  bool
	removed      []string
}

func newMockRuntime() *mockRuntime {
	return &mockRuntime{
		states:       make(map[string]runtime.ContainerState),
		containerIDs: make(map[string]string),
	}
}

func (m *mockRuntime) Create(_ context.Context, spec runtime.ContainerSpec) (runtime.ContainerHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	if _, exists := m.states[spec.SessionID]; exists {
		return runtime.ContainerHandle{}, fmt.Errorf("create: %w", runtime.ErrNameConflict)
	}
	cid := "mock-" + spec.SessionID
	m.states[spec.SessionID] = runtime.StateCreated
	m.containerIDs[spec.SessionID] = cid
	return runtime.ContainerHandle{
		SessionID:     spec.SessionID,
		ContainerID:   cid,
		ContainerName: runtime.ContainerNameFor(spec.SessionID),
	}, nil
}

func (m *mockRuntime) Start(_ context.Context, h runtime.ContainerHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	if _, ok := m.states[h.SessionID]; !ok {
		return fmt.Errorf("start: %w", runtime.ErrNotFound)
	}
	if !m.stayCreated {
		m.states[h.SessionID] = runtime.StateRunning
	}
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
	if _, ok := m.states[h.SessionID]; !ok {
		return fmt.Errorf("remove: %w", runtime.ErrNotFound)
	}
	delete(m.states, h.SessionID)
	delete(m.containerIDs, h.SessionID)
	m.removed = append(m.removed, h.SessionID)
	return nil
}

func (m *mockRuntime) Inspect(_ context.Context, h runtime.ContainerHandle) (runtime.RuntimeStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[h.SessionID]
	if !ok {
		return runtime.RuntimeStatus{}, fmt.Errorf("inspect: %w", runtime.ErrNotFound)
	}
	return runtime.RuntimeStatus{
		SessionID:   h.SessionID,
		ContainerID: m.containerIDs[h.SessionID],
		State:       state,
		StartedAt:   time.Now().Add(-time.Minute),
	}, nil
}

func (m *mockRuntime) Logs(_ context.Context, h runtime.ContainerHandle, _ int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[h.SessionID]; !ok {
		return "", fmt.Errorf("logs: %w", runtime.ErrNotFound)
	}
	return "agent started\n", nil
}

func (m *mockRuntime) List(_ context.Context) ([]runtime.ContainerHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var handles []runtime.ContainerHandle
	for id, cid := range m.containerIDs {
		handles = append(handles, runtime.ContainerHandle{
			SessionID:     id,
			ContainerID:   cid,
			ContainerName: runtime.ContainerNameFor(id),
		})
	}
	return handles, nil
}

func (m *mockRuntime) EnsureNetwork(_ context.Context) error { return nil }

func (m *mockRuntime) createCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createCalls
}

func (m *mockRuntime) wasRemoved(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.removed {
		if id == sessionID {
			return true
		}
	}
	return false
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "lifecycle-test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestManager(t *testing.T, s *store.Store, rt runtime.Runtime) *lifecycle.Manager {
	t.Helper()
	return lifecycle.New(lifecycle.Config{
		Store:        s,
		Runtime:      rt,
		Profiles:     profile.DefaultCatalog("ghcr.io/agentdock/agent:latest"),
		Logger:       slog.New(slog.DiscardHandler),
		StartTimeout: 200 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	})
}

func mustCreateSession(t *testing.T, s *store.Store, id string) {
	t.Helper()
	if err := s.CreateSession(context.Background(), &store.Session{SessionID: id}); err != nil {
		t.Fatalf("CreateSession(%s) failed: %v", id, err)
	}
}

func TestProvisionHappyPath(t *testing.T) {
	s := newTestStore(t)
	rt := newMockRuntime()
	m := newTestManager(t, s, rt)
	ctx := context.Background()

	mustCreateSession(t, s, "abc123")

	sess, err := m.Provision(ctx, "abc123")
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	if sess.Status != store.StatusRunning {
		t.Errorf("Status = %q, want running", sess.Status)
	}
	if sess.Endpoint.String != "agent_abc123:4096" {
		t.Errorf("Endpoint = %q, want agent_abc123:4096", sess.Endpoint.String)
	}
	if sess.ContainerName.String != "agent_abc123" {
		t.Errorf("ContainerName = %q, want agent_abc123", sess.ContainerName.String)
	}
	if got := rt.createCount(); got != 1 {
		t.Errorf("createCalls = %d, want 1", got)
	}
}

func TestProvisionIdempotentWhenRunning(t *testing.T) {
	s := newTestStore(t)
	rt := newMockRuntime()
	m := newTestManager(t, s, rt)
	ctx := context.Background()

	mustCreateSession(t, s, "abc123")
	if _, err := m.Provision(ctx, "abc123"); err != nil {
		t.Fatalf("first Provision failed: %v", err)
	}
	if _, err := m.Provision(ctx, "abc123"); err != nil {
		t.Fatalf("second Provision failed: %v", err)
	}

	if got := rt.createCount(); got != 1 {
		t.Errorf("createCalls = %d, want 1 (second provision should reuse)", got)
	}
}

func TestProvisionConcurrentSingleCreate(t *testing.T) {
	s := newTestStore(t)
	rt := newMockRuntime()
	m := newTestManager(t, s, rt)
	ctx := context.Background()

	mustCreateSession(t, s, "abc123")

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Provision(ctx, "abc123")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Provision #%d failed: %v", i, err)
		}
	}
	if got := rt.createCount(); got != 1 {
		t.Errorf("createCalls = %d, want 1", got)
	}
}

func TestProvisionStartFailureCleansUp(t *testing.T) {
	s := newTestStore(t)
	rt := newMockRuntime()
	rt.startErr = errors.New("engine refused")
	m := newTestManager(t, s, rt)
	ctx := context.Background()

	mustCreateSession(t, s, "abc123")

	_, err := m.Provision(ctx, "abc123")
	var provErr *lifecycle.ProvisionError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected *ProvisionError, got %v", err)
	}
	if provErr.SessionID != "abc123" {
		t.Errorf("ProvisionError.SessionID = %q", provErr.SessionID)
	}
	if !rt.wasRemoved("abc123") {
		t.Errorf("container should have been removed after start failure")
	}

	sess, err := s.GetSession(ctx, "abc123")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.Status != store.StatusError {
		t.Errorf("Status = %q, want error", sess.Status)
	}
	if sess.LastError == "" {
		t.Errorf("LastError should record the cause")
	}
}

func TestProvisionStartTimeoutCleansUp(t *testing.T) {
	s := newTestStore(t)
	rt := newMockRuntime()
	rt.stayCreated = true
	m := newTestManager(t, s, rt)
	ctx := context.Background()

	mustCreateSession(t, s, "abc123")

	_, err := m.Provision(ctx, "abc123")
	if !errors.Is(err, lifecycle.ErrStartTimeout) {
		t.Fatalf("expected ErrStartTimeout, got %v", err)
	}
	if !rt.wasRemoved("abc123") {
		t.Errorf("container should have been removed after start timeout")
	}

	sess, _ := s.GetSession(ctx, "abc123")
	if sess.Status != store.StatusError {
		t.Errorf("Status = %q, want error", sess.Status)
	}
}

func TestProvisionAdoptsExistingContainer(t *testing.T) {
	s := newTestStore(t)
	rt := newMockRuntime()
	m := newTestManager(t, s, rt)
	ctx := context.Background()

	mustCreateSession(t, s, "abc123")

	// A container with the session's name already exists and is running
	// (e.g. the controller restarted after a crash).
	rt.states["abc123"] = runtime.StateRunning
	rt.containerIDs["abc123"] = "orphan-cid"

	sess, err := m.Provision(ctx, "abc123")
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	if sess.ContainerID.String != "orphan-cid" {
		t.Errorf("ContainerID = %q, want orphan-cid (adopted)", sess.ContainerID.String)
	}
	if sess.Status != store.StatusRunning {
		t.Errorf("Status = %q, want running", sess.Status)
	}
}

func TestProvisionRecreatesAfterContainerLost(t *testing.T) {
	s := newTestStore(t)
	rt := newMockRuntime()
	m := newTestManager(t, s, rt)
	ctx := context.Background()

	mustCreateSession(t, s, "abc123")
	if _, err := m.Provision(ctx, "abc123"); err != nil {
		t.Fatalf("first Provision failed: %v", err)
	}

	// Simulate the container disappearing out from under us.
	rt.mu.Lock()
	delete(rt.states, "abc123")
	delete(rt.containerIDs, "abc123")
	rt.mu.Unlock()

	sess, err := m.Provision(ctx, "abc123")
	if err != nil {
		t.Fatalf("re-Provision failed: %v", err)
	}
	if sess.Status != store.StatusRunning {
		t.Errorf("Status = %q, want running", sess.Status)
	}
	if got := rt.createCount(); got != 2 {
		t.Errorf("createCalls = %d, want 2", got)
	}
}

func TestDeprovisionIdempotent(t *testing.T) {
	s := newTestStore(t)
	rt := newMockRuntime()
	m := newTestManager(t, s, rt)
	ctx := context.Background()

	mustCreateSession(t, s, "abc123")
	if _, err := m.Provision(ctx, "abc123"); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	if err := m.Deprovision(ctx, "abc123", ""); err != nil {
		t.Fatalf("Deprovision failed: %v", err)
	}
	sess, _ := s.GetSession(ctx, "abc123")
	if sess.Status != store.StatusStopped {
		t.Errorf("Status = %q, want stopped", sess.Status)
	}
	if sess.Endpoint.Valid {
		t.Errorf("Endpoint should be cleared, got %q", sess.Endpoint.String)
	}

	// Second deprovision finds no container and still succeeds.
	if err := m.Deprovision(ctx, "abc123", ""); err != nil {
		t.Fatalf("second Deprovision failed: %v", err)
	}
}

func TestStatusDetectsDrift(t *testing.T) {
	s := newTestStore(t)
	rt := newMockRuntime()
	m := newTestManager(t, s, rt)
	ctx := context.Background()

	mustCreateSession(t, s, "abc123")
	if _, err := m.Provision(ctx, "abc123"); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	rt.mu.Lock()
	delete(rt.states, "abc123")
	delete(rt.containerIDs, "abc123")
	rt.mu.Unlock()

	sess, err := m.Status(ctx, "abc123")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if sess.Status != store.StatusError {
		t.Errorf("Status = %q, want error after drift", sess.Status)
	}
}

func TestStatusMapsEngineState(t *testing.T) {
	s := newTestStore(t)
	rt := newMockRuntime()
	m := newTestManager(t, s, rt)
	ctx := context.Background()

	mustCreateSession(t, s, "abc123")
	if _, err := m.Provision(ctx, "abc123"); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	// Container stopped behind our back.
	rt.mu.Lock()
	rt.states["abc123"] = runtime.StateExited
	rt.mu.Unlock()

	sess, err := m.Status(ctx, "abc123")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if sess.Status != store.StatusStopped {
		t.Errorf("Status = %q, want stopped", sess.Status)
	}
}

func TestMapEngineState(t *testing.T) {
	tests := []struct {
		state runtime.ContainerState
		want  string
	}{
		{runtime.StateCreated, store.StatusStarting},
		{runtime.StateRestarting, store.StatusStarting},
		{runtime.StateRunning, store.StatusRunning},
		{runtime.StateExited, store.StatusStopped},
		{runtime.StatePaused, store.StatusStopped},
		{runtime.StateRemoving, store.StatusStopped},
		{runtime.StateDead, store.StatusError},
		{runtime.StateUnknown, store.StatusError},
	}
	for _, tt := range tests {
		if got := lifecycle.MapEngineState(tt.state); got != tt.want {
			t.Errorf("MapEngineState(%q) = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestEnsureRunningProvisionsOnDemand(t *testing.T) {
	s := newTestStore(t)
	rt := newMockRuntime()
	m := newTestManager(t, s, rt)
	ctx := context.Background()

	mustCreateSession(t, s, "abc123")

	sess, err := m.EnsureRunning(ctx, "abc123")
	if err != nil {
		t.Fatalf("EnsureRunning failed: %v", err)
	}
	if sess.Status != store.StatusRunning {
		t.Errorf("Status = %q, want running", sess.Status)
	}
	if got := rt.createCount(); got != 1 {
		t.Errorf("createCalls = %d, want 1", got)
	}

	// A second call with the container healthy does not create again.
	if _, err := m.EnsureRunning(ctx, "abc123"); err != nil {
		t.Fatalf("second EnsureRunning failed: %v", err)
	}
	if got := rt.createCount(); got != 1 {
		t.Errorf("createCalls = %d, want 1", got)
	}
}

func TestDeleteRemovesContainerAndRow(t *testing.T) {
	s := newTestStore(t)
	rt := newMockRuntime()
	m := newTestManager(t, s, rt)
	ctx := context.Background()

	mustCreateSession(t, s, "abc123")
	if _, err := m.Provision(ctx, "abc123"); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	if err := m.Delete(ctx, "abc123"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if !rt.wasRemoved("abc123") {
		t.Errorf("container should have been removed")
	}
	if _, err := s.GetSession(ctx, "abc123"); !errors.Is(err, store.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound after delete, got %v", err)
	}
}
