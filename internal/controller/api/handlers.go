package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/agentdock/agentdock/common/crypto"
	"github.com/agentdock/agentdock/common/version"
	"github.com/agentdock/agentdock/internal/controller/forward"
	"github.com/agentdock/agentdock/internal/controller/lifecycle"
	"github.com/agentdock/agentdock/internal/controller/store"
)

// sessionJSON is the wire form of a session. The credential never leaves the
// database.
type sessionJSON struct {
	SessionID       string    `json:"session_id"`
	Title           string    `json:"title"`
	AgentID         string    `json:"agent_id,omitempty"`
	Profile         string    `json:"profile"`
	Provider        string    `json:"provider,omitempty"`
	Model           string    `json:"model,omitempty"`
	Status          string    `json:"status"`
	Endpoint        string    `json:"endpoint,omitempty"`
	ContainerID     string    `json:"container_id,omitempty"`
	RemoteSessionID string    `json:"remote_session_id,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	LastActivity    time.Time `json:"last_activity"`
}

func toSessionJSON(sess *store.Session) sessionJSON {
	return sessionJSON{
		SessionID:       sess.SessionID,
		Title:           sess.Title,
		AgentID:         sess.AgentID,
		Profile:         sess.Profile,
		Provider:        sess.Provider,
		Model:           sess.Model,
		Status:          sess.Status,
		Endpoint:        sess.Endpoint.String,
		ContainerID:     sess.ContainerID.String,
		RemoteSessionID: sess.RemoteSessionID.String,
		LastError:       sess.LastError,
		CreatedAt:       sess.CreatedAt,
		UpdatedAt:       sess.UpdatedAt,
		LastActivity:    sess.LastActivity,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"version": version.Version,
		"commit":  version.GitCommit,
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.cfg.Store != nil {
		if n, err := s.cfg.Store.SessionCount(r.Context()); err == nil {
			resp["session_count"] = n
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type createSessionRequest struct {
	Title string `json:"title"`
	// AgentID references the external agent identity the credential belongs
	// to. Stored as-is for the caller's bookkeeping.
	AgentID  string `json:"agent_id"`
	Profile  string `json:"profile"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	// Credential is the agent credential in plaintext; it is encrypted before
	// it touches the database.
	Credential string `json:"credential"`
	// Start provisions the container as part of creation instead of waiting
	// for the first chat.
	Start bool `json:"start"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	if req.Profile != "" {
		if _, err := s.cfg.Profiles.Get(req.Profile); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	var credential []byte
	if req.Credential != "" {
		if s.cfg.MasterKey == nil {
			writeError(w, http.StatusBadRequest, "credentials are not accepted: no master key configured")
			return
		}
		ciphertext, err := crypto.Encrypt(s.cfg.MasterKey, []byte(req.Credential))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to encrypt credential")
			return
		}
		credential = ciphertext
	}

	sess := &store.Session{
		SessionID:  uuid.NewString(),
		Title:      req.Title,
		AgentID:    req.AgentID,
		Profile:    req.Profile,
		Provider:   req.Provider,
		Model:      req.Model,
		Credential: credential,
	}
	if err := s.cfg.Store.CreateSession(r.Context(), sess); err != nil {
		logFor(r).Error("create session failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	logFor(r).Info("session created", "session_id", sess.SessionID, "profile", sess.Profile)

	if req.Start {
		provisioned, err := s.cfg.Manager.Provision(r.Context(), sess.SessionID)
		if err != nil {
			// The session row exists; report its errored state with the cause.
			s.writeSessionError(w, r, sess.SessionID, err)
			return
		}
		sess = provisioned
	}

	writeJSON(w, http.StatusCreated, toSessionJSON(sess))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.cfg.Store.ListSessions(r.Context())
	if err != nil {
		logFor(r).Error("list sessions failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	out := make([]sessionJSON, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, toSessionJSON(sess))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.cfg.Store.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	writeJSON(w, http.StatusOK, toSessionJSON(sess))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.cfg.Manager.Delete(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		logFor(r).Error("delete session failed", "session_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	logFor(r).Info("session deleted", "session_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.cfg.Manager.Provision(r.Context(), id)
	if err != nil {
		s.writeSessionError(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionJSON(sess))
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.cfg.Manager.Deprovision(r.Context(), id, store.StatusStopped); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		logFor(r).Error("stop session failed", "session_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to stop session")
		return
	}

	sess, err := s.cfg.Store.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	writeJSON(w, http.StatusOK, toSessionJSON(sess))
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.cfg.Manager.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		logFor(r).Error("session status failed", "session_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to check session status")
		return
	}
	writeJSON(w, http.StatusOK, toSessionJSON(sess))
}

func (s *Server) handleSessionLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	tail := 100
	if raw := r.URL.Query().Get("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "tail must be a positive integer")
			return
		}
		tail = n
	}

	logs, err := s.cfg.Manager.Logs(r.Context(), id, tail)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrSessionNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, lifecycle.ErrNoContainer):
			writeError(w, http.StatusConflict, err.Error())
		default:
			logFor(r).Error("session logs failed", "session_id", id, "err", err)
			writeError(w, http.StatusInternalServerError, "failed to read container logs")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id, "logs": logs})
}

type chatRequest struct {
	Content  string `json:"content"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	resp, err := s.cfg.Forwarder.Send(r.Context(), id, forward.ChatRequest{
		Content:  req.Content,
		Provider: req.Provider,
		Model:    req.Model,
	})
	if err != nil {
		s.writeChatError(w, r, id, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": resp.SessionID,
		"parts":      resp.Parts,
	})
}

func (s *Server) handleSessionProviders(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	resp, err := s.cfg.Forwarder.Providers(r.Context(), id)
	if err != nil {
		s.writeChatError(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"default":  s.cfg.Profiles.Default,
		"profiles": s.cfg.Profiles.Names(),
	})
}

// writeChatError maps the forwarder's error taxonomy onto HTTP status codes.
func (s *Server) writeChatError(w http.ResponseWriter, r *http.Request, sessionID string, err error) {
	var (
		noAgent     *forward.NoAgentError
		unreachable *forward.AgentUnreachableError
		timeout     *forward.TimeoutError
	)
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &noAgent):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &unreachable):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.As(err, &timeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		logFor(r).Error("chat failed", "session_id", sessionID, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// writeSessionError maps provisioning errors onto HTTP status codes.
func (s *Server) writeSessionError(w http.ResponseWriter, r *http.Request, sessionID string, err error) {
	if errors.Is(err, store.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	logFor(r).Error("provision failed", "session_id", sessionID, "err", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}
