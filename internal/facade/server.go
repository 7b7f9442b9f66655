package facade

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/paygrid/trustplane/internal/audit"
	"github.com/paygrid/trustplane/internal/cache"
	"github.com/paygrid/trustplane/internal/config"
	"github.com/paygrid/trustplane/internal/handlers"
	"github.com/paygrid/trustplane/internal/metrics"
	"github.com/paygrid/trustplane/internal/middleware"
	"github.com/paygrid/trustplane/internal/token"
)

// HealthProber reports the health of one upstream dependency.
type HealthProber func(ctx context.Context) (name string, healthy bool, detail any)

// Server is the vendor-facing HTTP surface.
type Server struct {
	auth      *Authenticator
	forwarder *Forwarder
	engine    TokenEngine
	cache     cache.TokenCache
	bus       *audit.Bus
	emitter   audit.Emitter
	metrics   *metrics.Metrics
	compat    config.CompatConfig
	stream    bool
	probes    []HealthProber
	logger    *slog.Logger
}

// NewServer assembles the façade surface. bus may be nil to disable the SSE
// stream; probes feed /health.
func NewServer(auth *Authenticator, forwarder *Forwarder, engine TokenEngine, tc cache.TokenCache,
	bus *audit.Bus, emitter audit.Emitter, m *metrics.Metrics, compat config.CompatConfig,
	streamEnabled bool, probes []HealthProber, logger *slog.Logger) *Server {
	if emitter == nil {
		emitter = audit.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		auth:      auth,
		forwarder: forwarder,
		engine:    engine,
		cache:     tc,
		bus:       bus,
		emitter:   emitter,
		metrics:   m,
		compat:    compat,
		stream:    streamEnabled,
		probes:    probes,
		logger:    logger.With("component", "facade-http"),
	}
}

// Router builds the vendor-facing router.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(s.logger, s.metrics, "facade"))

	r.HandleFunc("/authenticate", s.handleAuthenticate).Methods(http.MethodPost)
	r.HandleFunc("/tokens/validate", s.handleValidate).Methods(http.MethodPost)
	r.HandleFunc("/tokens/refresh", s.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if s.stream && s.bus != nil {
		r.HandleFunc("/events/stream", s.handleEventStream).Methods(http.MethodGet)
	}

	// Every business path flows through the forwarder, which performs the
	// header-to-token exchange when a vendor still authenticates the old way.
	if s.forwarder != nil {
		r.PathPrefix("/payments").Handler(s.forwarder)
	}
	return r
}

type authRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
	TokenType string `json:"tokenType"`
}

// vendorCredentials pulls the client pair from the JSON body or, for
// backward compatibility, from the configured headers.
func (s *Server) vendorCredentials(r *http.Request) (clientID, secret string, err error) {
	if id := r.Header.Get(s.compat.ClientIDHeader); id != "" {
		return id, r.Header.Get(s.compat.ClientSecretHeader), nil
	}
	var req authRequest
	if decodeErr := handlers.DecodeJSON(r, &req); decodeErr != nil {
		return "", "", decodeErr
	}
	return req.ClientID, req.ClientSecret, nil
}

func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	clientID, secret, err := s.vendorCredentials(r)
	if err != nil {
		handlers.WriteError(w, r, handlers.CodeValidationError, "request body must be {clientId, clientSecret}")
		return
	}
	if clientID == "" || secret == "" {
		handlers.WriteError(w, r, handlers.CodeValidationError, "clientId and clientSecret are required")
		return
	}
	if len(clientID) > 50 {
		handlers.WriteError(w, r, handlers.CodeValidationError, "clientId exceeds 50 characters")
		return
	}

	tok, err := s.auth.Authenticate(r.Context(), clientID, secret)
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, tokenResponse{
		Token:     tok.Raw,
		ExpiresAt: tok.ExpiresAt.UTC().Format(time.RFC3339),
		TokenType: "Bearer",
	})
}

func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		handlers.WriteError(w, r, handlers.CodeAuthError, "invalid client credentials")
	case errors.Is(err, ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		handlers.WriteError(w, r, handlers.CodeRateLimited, "authentication rate limit exceeded")
	case errors.Is(err, ErrUnavailable):
		handlers.WriteError(w, r, handlers.CodeUpstreamUnavailable, "authentication backend unavailable")
	default:
		s.logger.Error("authenticate failed", "error", err)
		handlers.WriteError(w, r, handlers.CodeInternalError, "internal error")
	}
}

type validateResponse struct {
	Valid             bool   `json:"valid"`
	Status            string `json:"status"`
	Subject           string `json:"subject,omitempty"`
	ExpiresAt         string `json:"expiresAt,omitempty"`
	MissingPermission string `json:"missingPermission,omitempty"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	raw := handlers.BearerOrBody(r)
	if raw == "" {
		handlers.WriteError(w, r, handlers.CodeValidationError, "request must carry a token")
		return
	}

	out := s.engine.Verify(r.Context(), raw, token.VerifyOptions{
		RequiredPermission: r.Header.Get("X-Required-Permission"),
	})
	if s.metrics != nil {
		s.metrics.Validations.WithLabelValues(out.Status.String()).Inc()
	}

	switch out.Status {
	case token.StatusValid:
		s.emitter.Emit(r.Context(), audit.TokenValidated, out.Token.ClientID, out.Token.JTI, nil)
		handlers.WriteJSON(w, http.StatusOK, validateResponse{
			Valid:     true,
			Status:    out.Status.String(),
			Subject:   out.Token.ClientID,
			ExpiresAt: out.Token.ExpiresAt.UTC().Format(time.RFC3339),
		})
	case token.StatusForbidden:
		s.emitter.Emit(r.Context(), audit.TokenRejected, out.Token.ClientID, out.Token.JTI,
			map[string]any{"missing_permission": out.MissingPermission})
		handlers.WriteError(w, r, handlers.CodeInsufficientPermissions,
			"token lacks required permission "+out.MissingPermission)
	default:
		subject, jti := "", ""
		if out.View != nil {
			subject, jti = out.View.Subject, out.View.JTI
		}
		s.emitter.Emit(r.Context(), audit.TokenRejected, subject, jti,
			map[string]any{"status": out.Status.String()})
		handlers.WriteError(w, r, handlers.CodeInvalidToken, "token rejected: "+out.Status.String())
	}
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	raw := handlers.BearerOrBody(r)
	if raw == "" {
		handlers.WriteError(w, r, handlers.CodeValidationError, "request must carry a token")
		return
	}

	tok, err := s.auth.Refresh(r.Context(), raw)
	switch {
	case err == nil:
		handlers.WriteJSON(w, http.StatusOK, tokenResponse{
			Token:     tok.Raw,
			ExpiresAt: tok.ExpiresAt.UTC().Format(time.RFC3339),
			TokenType: "Bearer",
		})
	case errors.Is(err, ErrInvalidToken):
		handlers.WriteError(w, r, handlers.CodeInvalidToken, "token is not renewable")
	case errors.Is(err, ErrUnavailable):
		handlers.WriteError(w, r, handlers.CodeUpstreamUnavailable, "token backend unavailable")
	default:
		s.logger.Error("refresh failed", "error", err)
		handlers.WriteError(w, r, handlers.CodeInternalError, "internal error")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	checks := map[string]any{}
	for _, probe := range s.probes {
		name, healthy, detail := probe(ctx)
		checks[name] = detail
		if !healthy {
			status = "degraded"
		}
	}
	handlers.WriteJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"service": "trustplane-facade",
		"checks":  checks,
	})
}

// handleEventStream pushes the audit feed to operators over SSE.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		handlers.WriteError(w, r, handlers.CodeInternalError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.bus.Subscribe()
	defer s.bus.Unsubscribe(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-ch:
			frame, err := e.SSEFormat()
			if err != nil {
				continue
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
