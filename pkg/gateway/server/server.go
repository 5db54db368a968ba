// Package server is the gateway's HTTP surface: session orchestration,
// OAuth callback handling, consent pages, and the obligation-checked tool
// proxy. Access tokens live only in the session table; agents observe
// readiness and tool responses, never credentials.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentgate/agentgate/pkg/discovery"
	"github.com/agentgate/agentgate/pkg/gateway/policy"
	"github.com/agentgate/agentgate/pkg/gateway/proxy"
	"github.com/agentgate/agentgate/pkg/gateway/session"
	"github.com/agentgate/agentgate/pkg/gateway/statetoken"
	"github.com/agentgate/agentgate/pkg/networking"
)

// Server carries the gateway's long-lived state. One instance serves all
// requests; the session manager provides the required synchronization.
type Server struct {
	cfg      *Config
	sessions *session.Manager
	disc     *discovery.Client
	adp      *policy.Client
	fwd      *proxy.Proxy
	signer   *statetoken.Signer
	http     networking.HTTPClient
	metrics  *metrics
	now      func() time.Time

	// clientIDs caches dynamic client registrations per AS issuer.
	regMu     sync.Mutex
	clientIDs map[string]string
}

// New creates a gateway server from configuration.
func New(cfg *Config) (*Server, error) {
	signer, err := statetoken.NewSigner(cfg.StateSecret)
	if err != nil {
		return nil, fmt.Errorf("invalid state secret: %w", err)
	}

	return &Server{
		cfg:       cfg,
		sessions:  session.NewManager(),
		disc:      discovery.NewClient(),
		adp:       policy.NewClient(cfg.ADPBase),
		fwd:       proxy.New(cfg.UpstreamRS, cfg.WalletToken),
		signer:    signer,
		http:      networking.NewHttpClientBuilder().Build(),
		metrics:   newMetrics(),
		now:       time.Now,
		clientIDs: make(map[string]string),
	}, nil
}

// Sessions exposes the session table. Used by the demo wiring and tests.
func (s *Server) Sessions() *session.Manager {
	return s.sessions
}

// Routes builds the gateway's router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/session/start", s.handleSessionStart)
	r.Get("/session/status", s.handleSessionStatus)
	r.Get("/oauth/callback", s.handleCallback)
	r.Get("/consent", s.handleConsentPage)
	r.Post("/consent/approve", s.handleConsentApprove)

	for _, route := range proxy.Routes {
		r.Method(route.Method, route.ToolPath, s.toolHandler(route))
	}

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))

	r.Route("/debug", func(r chi.Router) {
		r.Get("/token", s.handleDebugToken)
		r.Get("/introspect", s.handleDebugIntrospect)
		r.Post("/session/reset", s.handleSessionReset)
	})

	return r
}

// Run serves the gateway until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return networking.Serve(ctx, fmt.Sprintf(":%d", s.cfg.Port), s.Routes())
}

func (*Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the gateway's stable machine-readable error body.
type apiError struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, apiError{Error: code, Detail: detail})
}
