package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Session lifecycle states. These are the only values the status column
// accepts; the CHECK constraint in the schema enforces the same set.
const (
	StatusUnprovisioned = "unprovisioned"
	StatusStarting      = "starting"
	StatusRunning       = "running"
	StatusStopped       = "stopped"
	StatusError         = "error"
)

// ErrSessionNotFound is returned when a session ID has no row.
var ErrSessionNotFound = errors.New("session not found")

// Session represents a chat session and its agent container bookkeeping.
type Session struct {
	SessionID string
	Title     string
	// AgentID references the external agent identity that owns the credential.
	// The controller never interprets it.
	AgentID  string
	Profile  string
	Provider string
	Model    string
	// Credential holds the agent credential ciphertext. Decryption happens at
	// the point of use; this value is safe to log only because it is opaque,
	// but it should not be logged anyway.
	Credential []byte
	// ContainerID, ContainerName and Endpoint are set together when a
	// provision succeeds and cleared together on deprovision.
	ContainerID   sql.NullString
	ContainerName sql.NullString
	Endpoint      sql.NullString
	// RemoteSessionID is the conversation ID the in-container agent assigned.
	RemoteSessionID sql.NullString
	Status          string
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastActivity    time.Time
}

const sessionColumns = `session_id, title, agent_id, profile, provider, model, credential,
       container_id, container_name, endpoint, remote_session_id,
       status, last_error, created_at, updated_at, last_activity`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	sess := &Session{}
	err := row.Scan(
		&sess.SessionID, &sess.Title, &sess.AgentID, &sess.Profile, &sess.Provider, &sess.Model,
		&sess.Credential, &sess.ContainerID, &sess.ContainerName, &sess.Endpoint,
		&sess.RemoteSessionID, &sess.Status, &sess.LastError,
		&sess.CreatedAt, &sess.UpdatedAt, &sess.LastActivity,
	)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// CreateSession inserts a new session
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	now := time.Now()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	sess.LastActivity = now
	if sess.Status == "" {
		sess.Status = StatusUnprovisioned
	}
	if sess.Profile == "" {
		sess.Profile = "default"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, title, agent_id, profile, provider, model, credential,
			container_id, container_name, endpoint, remote_session_id,
			status, last_error, created_at, updated_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sess.SessionID, sess.Title, sess.AgentID, sess.Profile, sess.Provider, sess.Model, sess.Credential,
		sess.ContainerID, sess.ContainerName, sess.Endpoint, sess.RemoteSessionID,
		sess.Status, sess.LastError, sess.CreatedAt, sess.UpdatedAt, sess.LastActivity)

	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// GetSession retrieves a session by ID
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE session_id = ?", sessionID)

	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return sess, nil
}

// ListSessions returns all sessions, newest first
func (s *Store) ListSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// ListIdleSessions returns running sessions whose last activity is older than
// the cutoff. The reaper uses this to pick deprovision candidates.
func (s *Store) ListIdleSessions(ctx context.Context, cutoff time.Time) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sessionColumns+` FROM sessions
		 WHERE status = ? AND last_activity < ?
		 ORDER BY last_activity ASC`, StatusRunning, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list idle sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating idle sessions: %w", err)
	}

	return sessions, nil
}

// ListSessionsByStatus returns sessions in a given status.
func (s *Store) ListSessionsByStatus(ctx context.Context, status string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE status = ? ORDER BY created_at DESC", status)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions by status: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// UpdateSessionStatus updates a session's status and clears or records the
// last error message alongside it.
func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID, status, lastError string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?, last_error = ?, updated_at = ?
		WHERE session_id = ?
	`, status, lastError, time.Now(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}

	return s.requireRow(result, sessionID)
}

// UpdateSessionContainer stores the container handle and endpoint after a
// successful provision. Passing empty strings stores NULLs, which is how a
// deprovision clears the route.
func (s *Store) UpdateSessionContainer(ctx context.Context, sessionID, containerID, containerName, endpoint string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET container_id = ?, container_name = ?, endpoint = ?, updated_at = ?
		WHERE session_id = ?
	`, nullable(containerID), nullable(containerName), nullable(endpoint), time.Now(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to update session container: %w", err)
	}

	return s.requireRow(result, sessionID)
}

// UpdateSessionRemoteID stores the agent-assigned conversation ID.
func (s *Store) UpdateSessionRemoteID(ctx context.Context, sessionID, remoteID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET remote_session_id = ?, updated_at = ?
		WHERE session_id = ?
	`, nullable(remoteID), time.Now(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to update session remote id: %w", err)
	}

	return s.requireRow(result, sessionID)
}

// UpdateSessionTitle sets the session's display title.
func (s *Store) UpdateSessionTitle(ctx context.Context, sessionID, title string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET title = ?, updated_at = ?
		WHERE session_id = ?
	`, title, time.Now(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to update session title: %w", err)
	}

	return s.requireRow(result, sessionID)
}

// UpdateSessionProvider records the provider and model the agent-side
// conversation was opened with.
func (s *Store) UpdateSessionProvider(ctx context.Context, sessionID, provider, model string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET provider = ?, model = ?, updated_at = ?
		WHERE session_id = ?
	`, provider, model, time.Now(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to update session provider: %w", err)
	}

	return s.requireRow(result, sessionID)
}

// TouchSession bumps the session's last activity timestamp.
func (s *Store) TouchSession(ctx context.Context, sessionID string) error {
	now := time.Now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET last_activity = ?, updated_at = ?
		WHERE session_id = ?
	`, now, now, sessionID)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}

	return s.requireRow(result, sessionID)
}

// DeleteSession removes a session row
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE session_id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	return s.requireRow(result, sessionID)
}

// SessionCount returns the total number of sessions.
func (s *Store) SessionCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}

func (s *Store) requireRow(result sql.Result, sessionID string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
