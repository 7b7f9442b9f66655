package rotation

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/paygrid/trustplane/internal/handlers"
	"github.com/paygrid/trustplane/internal/metrics"
	"github.com/paygrid/trustplane/internal/middleware"
)

// Server is the operator-facing admin API for rotations. It binds on the
// internal network only; there is no vendor-reachable route to it.
type Server struct {
	controller *Controller
	metrics    *metrics.Metrics
	probes     []func(ctx context.Context) (string, bool, any)
	logger     *slog.Logger
}

// NewServer wires the admin surface around the controller.
func NewServer(controller *Controller, m *metrics.Metrics,
	probes []func(ctx context.Context) (string, bool, any), logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		controller: controller,
		metrics:    m,
		probes:     probes,
		logger:     logger.With("component", "rotation-http"),
	}
}

// Router builds the admin router.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(s.logger, s.metrics, "rotation-admin"))

	r.HandleFunc("/rotations/initiate", s.handleInitiate).Methods(http.MethodPost)
	r.HandleFunc("/rotations/client/{clientId}", s.handleByClient).Methods(http.MethodGet)
	r.HandleFunc("/rotations/{rotationId}", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/rotations/{rotationId}/complete", s.handleComplete).Methods(http.MethodPut)
	r.HandleFunc("/rotations/{rotationId}/cancel", s.handleCancel).Methods(http.MethodPut)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

type initiateRequest struct {
	ClientID          string `json:"clientId"`
	Reason            string `json:"reason"`
	TransitionSeconds int    `json:"transitionSeconds,omitempty"`
	Force             bool   `json:"force,omitempty"`
}

type initiateResponse struct {
	Rotation *recordView `json:"rotation"`
	// NewSecret is shown exactly once. It is never persisted in plaintext and
	// never appears in logs or audit events.
	NewSecret string `json:"newSecret"`
}

// recordView is the wire shape of a rotation record.
type recordView struct {
	RotationID       string `json:"rotationId"`
	ClientID         string `json:"clientId"`
	State            string `json:"state"`
	OldVersion       int    `json:"oldVersion"`
	NewVersion       int    `json:"newVersion"`
	StartedAt        string `json:"startedAt"`
	CompletedAt      string `json:"completedAt,omitempty"`
	TransitionWindow string `json:"transitionWindow"`
	Reason           string `json:"reason,omitempty"`
	Forced           bool   `json:"forced,omitempty"`
	Message          string `json:"message,omitempty"`
	SupersededBy     string `json:"supersededBy,omitempty"`
}

func viewOf(rec *Record) *recordView {
	v := &recordView{
		RotationID:       rec.RotationID,
		ClientID:         rec.ClientID,
		State:            rec.State.String(),
		OldVersion:       rec.OldVersion,
		NewVersion:       rec.NewVersion,
		StartedAt:        rec.StartedAt.UTC().Format(time.RFC3339),
		TransitionWindow: rec.TransitionWindow.String(),
		Reason:           rec.Reason,
		Forced:           rec.Forced,
		Message:          rec.Message,
		SupersededBy:     rec.SupersededBy,
	}
	if rec.CompletedAt != nil {
		v.CompletedAt = rec.CompletedAt.UTC().Format(time.RFC3339)
	}
	return v
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := handlers.DecodeJSON(r, &req); err != nil {
		handlers.WriteError(w, r, handlers.CodeValidationError, "request body must be {clientId, reason}")
		return
	}
	if req.ClientID == "" || req.Reason == "" {
		handlers.WriteError(w, r, handlers.CodeValidationError, "clientId and reason are required")
		return
	}

	window := time.Duration(req.TransitionSeconds) * time.Second
	rec, secret, err := s.controller.Initiate(r.Context(), req.ClientID, req.Reason, window, req.Force)
	if err != nil {
		s.writeControllerError(w, r, err)
		return
	}
	handlers.WriteJSON(w, http.StatusCreated, initiateResponse{
		Rotation:  viewOf(rec),
		NewSecret: secret,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.controller.Get(mux.Vars(r)["rotationId"])
	if err != nil {
		s.writeControllerError(w, r, err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, viewOf(rec))
}

func (s *Server) handleByClient(w http.ResponseWriter, r *http.Request) {
	recs := s.controller.ByClient(mux.Vars(r)["clientId"])
	views := make([]*recordView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, viewOf(rec))
	}
	handlers.WriteJSON(w, http.StatusOK, map[string]any{"rotations": views})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	rec, err := s.controller.Complete(r.Context(), mux.Vars(r)["rotationId"])
	if err != nil {
		s.writeControllerError(w, r, err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, viewOf(rec))
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := handlers.DecodeJSON(r, &req); err != nil {
		handlers.WriteError(w, r, handlers.CodeValidationError, "request body must be {reason}")
		return
	}
	rec, err := s.controller.Cancel(r.Context(), mux.Vars(r)["rotationId"], req.Reason)
	if err != nil {
		s.writeControllerError(w, r, err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, viewOf(rec))
}

func (s *Server) writeControllerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrActiveRotationExists):
		handlers.WriteErrorStatus(w, r, handlers.CodeValidationError, http.StatusConflict,
			"client already has an active rotation; pass force to supersede it")
	case errors.Is(err, ErrRotationNotFound):
		handlers.WriteErrorStatus(w, r, handlers.CodeValidationError, http.StatusNotFound,
			"rotation not found")
	case errors.Is(err, ErrNotReady):
		handlers.WriteErrorStatus(w, r, handlers.CodeValidationError, http.StatusConflict,
			"transition conditions not met yet")
	case errors.Is(err, ErrTerminal):
		handlers.WriteErrorStatus(w, r, handlers.CodeValidationError, http.StatusConflict,
			"rotation already finished")
	case errors.Is(err, ErrInvalidTransition):
		handlers.WriteErrorStatus(w, r, handlers.CodeValidationError, http.StatusConflict,
			err.Error())
	case errors.Is(err, ErrReasonRequired):
		handlers.WriteError(w, r, handlers.CodeValidationError, "cancellation reason is required")
	default:
		s.logger.Error("rotation operation failed", "error", err)
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
		"service": "trustplane-rotation",
		"checks":  checks,
	})
}
