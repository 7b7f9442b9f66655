package processor

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/paygrid/trustplane/internal/credential"
	"github.com/paygrid/trustplane/internal/handlers"
	"github.com/paygrid/trustplane/internal/metrics"
	"github.com/paygrid/trustplane/internal/middleware"
	"github.com/paygrid/trustplane/internal/token"
)

// Server is the internal processing surface. It is reachable only from the
// façade's network segment.
type Server struct {
	validator *Validator
	engine    Engine
	renewer   Renewer
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu       sync.Mutex
	payments map[string]*payment
}

// NewServer wires the processing service.
func NewServer(validator *Validator, engine Engine, renewer Renewer,
	m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		validator: validator,
		engine:    engine,
		renewer:   renewer,
		metrics:   m,
		logger:    logger.With("component", "processor-http"),
		payments:  make(map[string]*payment),
	}
}

// Router builds the internal router. Every business route passes through the
// validator with its required capability.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(s.logger, s.metrics, "processor"))

	// The capability table: which permission each business route demands.
	r.Handle("/internal/v1/payments",
		s.validator.Require(credential.PermProcessPayment, http.HandlerFunc(s.handleCreatePayment))).
		Methods(http.MethodPost)
	r.Handle("/internal/v1/payments/{id}",
		s.validator.Require(credential.PermViewStatus, http.HandlerFunc(s.handleGetPayment))).
		Methods(http.MethodGet)
	r.Handle("/internal/v1/payments/{id}/refund",
		s.validator.Require(credential.PermRefundPayment, http.HandlerFunc(s.handleRefund))).
		Methods(http.MethodPost)

	r.HandleFunc("/internal/v1/tokens/validate", s.handleValidate).Methods(http.MethodPost)
	r.HandleFunc("/internal/v1/tokens/renew", s.handleRenew).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

type payment struct {
	ID        string    `json:"paymentId"`
	ClientID  string    `json:"clientId"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	Reference string    `json:"reference,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

type createPaymentRequest struct {
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Reference string `json:"reference,omitempty"`
}

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := handlers.DecodeJSON(r, &req); err != nil {
		handlers.WriteError(w, r, handlers.CodeValidationError, "request body must be {amount, currency}")
		return
	}
	if req.Amount <= 0 || req.Currency == "" {
		handlers.WriteError(w, r, handlers.CodeValidationError, "amount must be positive and currency set")
		return
	}

	tok := TokenFrom(r.Context())
	p := &payment{
		ID:        uuid.NewString(),
		ClientID:  tok.ClientID,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Reference: req.Reference,
		Status:    "accepted",
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.payments[p.ID] = p
	s.mu.Unlock()

	s.logger.Info("payment accepted", "payment_id", p.ID, "client_id", p.ClientID, "currency", p.Currency)
	handlers.WriteJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	p := s.payments[id]
	s.mu.Unlock()

	// Vendors see only their own payments.
	tok := TokenFrom(r.Context())
	if p == nil || p.ClientID != tok.ClientID {
		handlers.WriteErrorStatus(w, r, handlers.CodeValidationError, http.StatusNotFound, "payment not found")
		return
	}
	handlers.WriteJSON(w, http.StatusOK, p)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	tok := TokenFrom(r.Context())

	s.mu.Lock()
	p := s.payments[id]
	if p != nil && p.ClientID == tok.ClientID {
		p.Status = "refunded"
	}
	s.mu.Unlock()

	if p == nil || p.ClientID != tok.ClientID {
		handlers.WriteErrorStatus(w, r, handlers.CodeValidationError, http.StatusNotFound, "payment not found")
		return
	}
	handlers.WriteJSON(w, http.StatusOK, p)
}

type validateResponse struct {
	Valid             bool   `json:"valid"`
	Status            string `json:"status"`
	Subject           string `json:"subject,omitempty"`
	ExpiresAt         string `json:"expiresAt,omitempty"`
	MissingPermission string `json:"missingPermission,omitempty"`
}

// handleValidate verifies a token without running any business logic. Other
// internal services call this instead of linking the engine themselves.
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

	resp := validateResponse{Valid: out.Valid(), Status: out.Status.String()}
	switch out.Status {
	case token.StatusValid:
		resp.Subject = out.Token.ClientID
		resp.ExpiresAt = out.Token.ExpiresAt.UTC().Format(time.RFC3339)
		handlers.WriteJSON(w, http.StatusOK, resp)
	case token.StatusForbidden:
		resp.MissingPermission = out.MissingPermission
		handlers.WriteJSON(w, http.StatusOK, resp)
	default:
		handlers.WriteJSON(w, http.StatusOK, resp)
	}
}

// handleRenew trades a token through the façade on behalf of an internal
// caller.
func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	raw := handlers.BearerOrBody(r)
	if raw == "" {
		handlers.WriteError(w, r, handlers.CodeValidationError, "request must carry a token")
		return
	}
	if s.renewer == nil {
		handlers.WriteError(w, r, handlers.CodeUpstreamUnavailable, "renewal not configured")
		return
	}

	newRaw, expiresAt, err := s.renewer.Renew(r.Context(), raw)
	if err != nil {
		handlers.WriteError(w, r, handlers.CodeInvalidToken, "token is not renewable")
		return
	}
	resp := map[string]string{"token": newRaw, "tokenType": "Bearer"}
	if !expiresAt.IsZero() {
		resp["expiresAt"] = expiresAt.UTC().Format(time.RFC3339)
	}
	handlers.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	handlers.WriteJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": "trustplane-processor",
	})
}
