package resourceserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/agentgate/agentgate/pkg/logger"
	"github.com/agentgate/agentgate/pkg/networking"
	"github.com/agentgate/agentgate/pkg/oauthproto"
)

// Server is the resource server's HTTP surface.
type Server struct {
	cfg       *Config
	validator TokenValidator
}

// NewServer creates a resource server. The validator defaults to AS
// introspection; configuring LocalSecret switches to local verification.
func NewServer(cfg *Config) *Server {
	var v TokenValidator
	if cfg.LocalSecret != "" {
		v = NewLocalValidator(cfg.LocalSecret, cfg.LocalIssuer)
	} else {
		v = NewIntrospectionValidator(cfg.IntrospectURL)
	}
	return &Server{cfg: cfg, validator: v}
}

// NewServerWithValidator creates a resource server with a caller-supplied
// validator. Intended for tests.
func NewServerWithValidator(cfg *Config, v TokenValidator) *Server {
	return &Server{cfg: cfg, validator: v}
}

// Routes builds the resource server's router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get(oauthproto.WellKnownProtectedResourcePath, s.handleMetadata)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireScope("echo:read"))
		r.Get("/mcp/echo", s.handleEcho)
	})
	r.Group(func(r chi.Router) {
		r.Use(s.requireScope("tickets:read"))
		r.Get("/tickets", s.handleTickets)
	})
	r.Group(func(r chi.Router) {
		r.Use(s.requireScope("payments:charge"))
		r.Post("/orders/{orderID}/pay", s.handlePay)
	})

	return r
}

// Run serves the resource server until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return networking.Serve(ctx, fmt.Sprintf(":%d", s.cfg.Port), s.Routes())
}

func (s *Server) handleMetadata(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, oauthproto.ProtectedResourceMetadata{
		Resource:              s.cfg.Resource,
		AuthorizationServers:  s.cfg.AuthServers,
		ScopesSupported:       []string{"echo:read", "tickets:read", "payments:charge"},
		IntrospectionEndpoint: s.cfg.IntrospectURL,
	})
}

// requireScope authenticates the bearer token and demands the given scope.
// Missing or invalid tokens get a 401 with the RFC 9728 challenge; a valid
// token without the scope gets 403 insufficient_scope.
func (s *Server) requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				s.unauthorized(w, "invalid_token", "missing bearer token")
				return
			}
			token := strings.TrimPrefix(auth, "Bearer ")

			claims, err := s.validator.Validate(r.Context(), token)
			if err != nil {
				logger.Errorf("Token validation failed: %v", err)
				s.unauthorized(w, "introspection_failed", "introspection failed")
				return
			}
			if !claims.Active {
				s.unauthorized(w, "invalid_token", "token is not active")
				return
			}
			if claims.Audience != s.cfg.Resource {
				s.unauthorized(w, "bad_audience", "token audience does not match this resource")
				return
			}
			if !hasScope(claims.Scope, scope) {
				w.Header().Set("WWW-Authenticate",
					fmt.Sprintf(`Bearer realm=%q, error="insufficient_scope", scope=%q`, s.cfg.Resource, scope))
				writeJSON(w, http.StatusForbidden, oauthproto.ErrorResponse{
					Error:            "insufficient_scope",
					ErrorDescription: "token lacks scope " + scope,
				})
				return
			}

			ctx := context.WithValue(r.Context(), authContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// unauthorized writes a 401 whose challenge points at the protected
// resource metadata, which is what bootstraps gateway discovery. The
// challenge always carries the RFC 6750 invalid_token error; errCode is
// the finer-grained code in the JSON body.
func (s *Server) unauthorized(w http.ResponseWriter, errCode, description string) {
	prmURL := s.cfg.Resource + oauthproto.WellKnownProtectedResourcePath
	w.Header().Set("WWW-Authenticate",
		fmt.Sprintf(`Bearer realm=%q, error="invalid_token", error_description=%q, resource_metadata=%q`,
			s.cfg.Resource, description, prmURL))
	writeJSON(w, http.StatusUnauthorized, oauthproto.ErrorResponse{
		Error:            errCode,
		ErrorDescription: description,
	})
}

func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request) {
	claims := authFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":    true,
		"echo":  r.URL.Query().Get("msg"),
		"user":  claims.Subject,
		"scope": claims.Scope,
	})
}

func (s *Server) handleTickets(w http.ResponseWriter, r *http.Request) {
	claims := authFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"user": claims.Subject,
		"tickets": []map[string]any{
			{"id": "tkt-1", "event": "GopherCon", "orderId": "order-1001", "price_cents": 1200},
			{"id": "tkt-2", "event": "FOSDEM", "orderId": "order-1002", "price_cents": 0},
		},
	})
}

// payRequest is the body of a payment call. The payment_method_token is
// injected by the gateway; agents never carry it.
type payRequest struct {
	OrderID            string `json:"orderId"`
	AmountCents        int64  `json:"amount_cents"`
	MerchantID         string `json:"merchant_id"`
	PaymentMethodToken string `json:"payment_method_token"`
}

func (s *Server) handlePay(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	var req payRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, oauthproto.ErrorResponse{
			Error: "invalid_request", ErrorDescription: "body must be JSON",
		})
		return
	}

	if req.OrderID != orderID {
		writeJSON(w, http.StatusBadRequest, oauthproto.ErrorResponse{
			Error: "invalid_request", ErrorDescription: "body orderId does not match path",
		})
		return
	}
	if req.PaymentMethodToken == "" {
		writeJSON(w, http.StatusBadRequest, oauthproto.ErrorResponse{
			Error: "invalid_request", ErrorDescription: "payment_method_token is required",
		})
		return
	}

	claims := authFromContext(r.Context())
	logger.Infow("Payment processed", "order", orderID, "amount_cents", req.AmountCents, "merchant", req.MerchantID, "user", claims.Subject)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "succeeded",
		"orderId":      orderID,
		"amount_cents": req.AmountCents,
		"merchant_id":  req.MerchantID,
		"charged_by":   claims.Subject,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
