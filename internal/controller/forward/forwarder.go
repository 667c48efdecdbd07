// Package forward routes chat prompts to session agent containers.
//
// The forwarder glues the router, the lifecycle manager and the agent client
// together: it resolves the session's endpoint, lazily opens the agent-side
// conversation on first use, and passes prompts through without retries. A
// chat send is not idempotent, so a failed send surfaces as a typed error for
// the API layer to map instead of being silently replayed.
package forward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/agentdock/agentdock/internal/controller/agent"
	"github.com/agentdock/agentdock/internal/controller/lifecycle"
	"github.com/agentdock/agentdock/internal/controller/router"
	"github.com/agentdock/agentdock/internal/controller/store"
)

// AgentAPI is the slice of the agent client the forwarder needs.
type AgentAPI interface {
	CreateSession(ctx context.Context, req agent.SessionRequest) (*agent.SessionResponse, error)
	Providers(ctx context.Context) (*agent.ProvidersResponse, error)
	SendMessage(ctx context.Context, req agent.MessageRequest) (*agent.MessageResponse, error)
}

// ChatRequest is one user prompt bound for a session's agent.
type ChatRequest struct {
	Content  string
	Provider string
	Model    string
}

// ChatResponse is the agent's structured answer.
type ChatResponse struct {
	SessionID string
	Parts     []agent.Part
}

// Config collects the forwarder's dependencies.
type Config struct {
	Store   *store.Store
	Router  *router.Router
	Manager *lifecycle.Manager
	Logger  *slog.Logger

	// AutoProvision makes the forwarder bring up a missing container before
	// sending instead of failing with NoAgentError.
	AutoProvision bool

	// ClientFor builds an agent client for a base URL. Nil uses the default
	// HTTP client; tests substitute fakes here.
	ClientFor func(baseURL string) AgentAPI
}

// Forwarder sends chat prompts to the right agent container.
type Forwarder struct {
	store         *store.Store
	router        *router.Router
	manager       *lifecycle.Manager
	logger        *slog.Logger
	autoProvision bool
	clientFor     func(baseURL string) AgentAPI
}

// New creates a Forwarder.
func New(cfg Config) *Forwarder {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ClientFor == nil {
		cfg.ClientFor = func(baseURL string) AgentAPI {
			return agent.New(baseURL, agent.Options{})
		}
	}
	return &Forwarder{
		store:         cfg.Store,
		router:        cfg.Router,
		manager:       cfg.Manager,
		logger:        cfg.Logger,
		autoProvision: cfg.AutoProvision,
		clientFor:     cfg.ClientFor,
	}
}

// Send forwards one prompt to the session's agent and returns its response
// parts. The send itself is never retried.
func (f *Forwarder) Send(ctx context.Context, sessionID string, req ChatRequest) (*ChatResponse, error) {
	res, err := f.resolve(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	client := f.clientFor(res.BaseURL())

	remoteID := res.RemoteSessionID
	if remoteID == "" {
		remoteID, err = f.openConversation(ctx, client, sessionID, res.Endpoint, req)
		if err != nil {
			return nil, err
		}
	}

	resp, err := client.SendMessage(ctx, agent.MessageRequest{
		SessionID: remoteID,
		Content:   req.Content,
		Provider:  req.Provider,
		Model:     req.Model,
	})
	if err != nil {
		return nil, classify(sessionID, res.Endpoint, err)
	}

	if err := f.store.TouchSession(ctx, sessionID); err != nil {
		f.logger.Warn("failed to touch session after chat", "session_id", sessionID, "err", err)
	}

	return &ChatResponse{SessionID: sessionID, Parts: resp.Parts}, nil
}

// resolve returns a live route, optionally provisioning on demand.
func (f *Forwarder) resolve(ctx context.Context, sessionID string) (router.Resolution, error) {
	res, err := f.router.Resolve(ctx, sessionID)
	if err == nil {
		return res, nil
	}
	if errors.Is(err, store.ErrSessionNotFound) {
		return router.Resolution{}, err
	}
	if !errors.Is(err, router.ErrNoRoute) {
		return router.Resolution{}, err
	}

	if !f.autoProvision || f.manager == nil {
		return router.Resolution{}, &NoAgentError{SessionID: sessionID, Err: err}
	}

	if _, err := f.manager.EnsureRunning(ctx, sessionID); err != nil {
		return router.Resolution{}, &NoAgentError{SessionID: sessionID, Err: err}
	}

	res, err = f.router.Resolve(ctx, sessionID)
	if err != nil {
		return router.Resolution{}, &NoAgentError{SessionID: sessionID, Err: err}
	}
	return res, nil
}

// openConversation creates the agent-side conversation and persists its ID so
// later prompts land in the same history. Provider and model fall back to the
// agent's advertised defaults when the request leaves them empty.
func (f *Forwarder) openConversation(ctx context.Context, client AgentAPI, sessionID, endpoint string, req ChatRequest) (string, error) {
	provider, model := req.Provider, req.Model
	if provider == "" {
		if discovered, err := client.Providers(ctx); err == nil {
			provider = discovered.DefaultProvider
			if model == "" {
				for _, p := range discovered.Providers {
					if p.Name == provider {
						model = p.DefaultModel
						break
					}
				}
			}
		} else {
			// Discovery is advisory; the agent applies its own defaults.
			f.logger.Debug("provider discovery failed", "session_id", sessionID, "err", err)
		}
	}

	created, err := client.CreateSession(ctx, agent.SessionRequest{Provider: provider, Model: model})
	if err != nil {
		return "", classify(sessionID, endpoint, err)
	}

	if err := f.store.UpdateSessionRemoteID(ctx, sessionID, created.SessionID); err != nil {
		return "", fmt.Errorf("persist remote session id: %w", err)
	}
	if provider != "" {
		// Remember what the conversation was opened with for display purposes.
		if err := f.store.UpdateSessionProvider(ctx, sessionID, provider, model); err != nil {
			f.logger.Warn("failed to record provider", "session_id", sessionID, "err", err)
		}
	}

	f.logger.Info("opened agent conversation",
		"session_id", sessionID, "remote_session_id", created.SessionID, "provider", provider)
	return created.SessionID, nil
}

// Providers returns the provider catalog advertised by the session's agent.
func (f *Forwarder) Providers(ctx context.Context, sessionID string) (*agent.ProvidersResponse, error) {
	res, err := f.resolve(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	resp, err := f.clientFor(res.BaseURL()).Providers(ctx)
	if err != nil {
		return nil, classify(sessionID, res.Endpoint, err)
	}
	return resp, nil
}
