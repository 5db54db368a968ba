package authorizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/agentgate/agentgate/pkg/logger"
	"github.com/agentgate/agentgate/pkg/networking"
)

// Server is the authorizer's HTTP surface.
type Server struct {
	store  DelegationStore
	engine *Engine
	cfg    *Config
	now    func() time.Time
}

// NewServer creates the authorizer server over the given store.
func NewServer(cfg *Config, st DelegationStore) *Server {
	return &Server{
		store:  st,
		engine: NewEngine(st, cfg.AllowWithoutDelegation),
		cfg:    cfg,
		now:    time.Now,
	}
}

// Routes builds the authorizer's router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/delegations", s.handleDelegationSubmit)
	r.Get("/delegations", s.handleDelegationList)
	r.Delete("/delegations", s.handleDelegationDelete)
	r.Post("/evaluate", s.handleEvaluate)
	r.Post("/consent", s.handleConsent)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}

// Run serves the authorizer until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return networking.Serve(ctx, fmt.Sprintf(":%d", s.cfg.Port), s.Routes())
}

// delegationSubmission is the POST /delegations body: the signed credential
// plus its verification key.
type delegationSubmission struct {
	JWS       string          `json:"jws"`
	PublicJWK json.RawMessage `json:"public_jwk"`
}

func (s *Server) handleDelegationSubmit(w http.ResponseWriter, r *http.Request) {
	var sub delegationSubmission
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&sub); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "body must be JSON")
		return
	}
	if sub.JWS == "" || len(sub.PublicJWK) == 0 {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "jws and public_jwk are required")
		return
	}

	d, err := VerifyDelegation(sub.JWS, sub.PublicJWK, s.now())
	if err != nil {
		status := http.StatusBadRequest
		code := "invalid_delegation"
		if errors.Is(err, ErrExpired) {
			code = "delegation_expired"
		}
		writeAPIError(w, status, code, err.Error())
		return
	}

	if err := s.store.Upsert(r.Context(), d); err != nil {
		logger.Errorf("Delegation upsert failed: %v", err)
		writeAPIError(w, http.StatusInternalServerError, "storage_error", "failed to store delegation")
		return
	}

	logger.Infow("Delegation stored", "subject", d.Subject, "agent", d.AgentID, "tool", d.ToolID, "scopes", d.Scopes)
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleDelegationList(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.List(r.Context())
	if err != nil {
		logger.Errorf("Delegation list failed: %v", err)
		writeAPIError(w, http.StatusInternalServerError, "storage_error", "failed to list delegations")
		return
	}
	if list == nil {
		list = []*Delegation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"delegations": list})
}

func (s *Server) handleDelegationDelete(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	subject, agentID, toolID := q.Get("subject"), q.Get("agent_id"), q.Get("tool_id")
	if subject == "" || agentID == "" || toolID == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "subject, agent_id, and tool_id are required")
		return
	}

	if err := s.store.Delete(r.Context(), subject, agentID, toolID); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeAPIError(w, http.StatusNotFound, "not_found", "no such delegation")
			return
		}
		writeAPIError(w, http.StatusInternalServerError, "storage_error", "failed to delete delegation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "body must be JSON")
		return
	}

	resp, err := s.engine.Evaluate(r.Context(), &req)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) {
	var req ConsentRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "body must be JSON")
		return
	}

	resp, err := s.engine.Consent(r.Context(), &req)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{"error": code, "detail": detail})
}
