// Package processor is the internal payment-processing service. It sits
// behind the façade and trusts nothing: every request is re-verified against
// the shared signing key before any business handler runs.
package processor

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/paygrid/trustplane/internal/audit"
	"github.com/paygrid/trustplane/internal/handlers"
	"github.com/paygrid/trustplane/internal/metrics"
	"github.com/paygrid/trustplane/internal/token"
)

// RenewedTokenHeader carries a proactively renewed bearer token back to the
// caller alongside the business response.
const RenewedTokenHeader = "X-Renewed-Token"

// Engine is the verification surface the validator needs.
type Engine interface {
	Verify(ctx context.Context, raw string, opts token.VerifyOptions) token.Outcome
	ShouldRenew(t *token.Token) bool
	RenewableAfterExpiry(v *token.View) bool
}

// Renewer trades a token for a fresh one at the façade.
type Renewer interface {
	Renew(ctx context.Context, raw string) (newRaw string, expiresAt time.Time, err error)
}

type ctxKey int

const tokenKey ctxKey = iota

// TokenFrom returns the verified token attached to a request that passed the
// validator.
func TokenFrom(ctx context.Context) *token.Token {
	t, _ := ctx.Value(tokenKey).(*token.Token)
	return t
}

// Validator gates business handlers on token verification. Verification runs
// exactly once per request.
type Validator struct {
	engine  Engine
	renewer Renewer
	emitter audit.Emitter
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewValidator wires the gate. renewer may be nil to disable renewal-on-use.
func NewValidator(engine Engine, renewer Renewer, emitter audit.Emitter,
	m *metrics.Metrics, logger *slog.Logger) *Validator {
	if emitter == nil {
		emitter = audit.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		engine:  engine,
		renewer: renewer,
		emitter: emitter,
		metrics: m,
		logger:  logger.With("component", "validator"),
	}
}

// Require wraps next so it only runs for a bearer token carrying permission.
//
// A valid token inside its renewal window triggers a proactive renewal: the
// request proceeds on the presented token and the fresh one rides back in
// RenewedTokenHeader. A token just past expiry gets one renewal attempt
// before rejection; if it succeeds the request proceeds on the renewed token.
func (v *Validator) Require(permission string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := handlers.Bearer(r)
		if raw == "" {
			handlers.WriteError(w, r, handlers.CodeAuthError, "bearer token required")
			return
		}

		out := v.engine.Verify(r.Context(), raw, token.VerifyOptions{
			RequiredPermission: permission,
		})
		if v.metrics != nil {
			v.metrics.Validations.WithLabelValues(out.Status.String()).Inc()
		}

		switch out.Status {
		case token.StatusValid:
			if v.renewer != nil && v.engine.ShouldRenew(out.Token) {
				v.renewAside(r.Context(), w, raw, "near_expiry")
			}
			v.emitter.Emit(r.Context(), audit.TokenValidated, out.Token.ClientID, out.Token.JTI,
				map[string]any{"permission": permission})
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tokenKey, out.Token)))

		case token.StatusExpired:
			tok, ok := v.renewExpired(r.Context(), w, raw, permission, out.View)
			if !ok {
				v.reject(w, r, out, permission)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tokenKey, tok)))

		case token.StatusForbidden:
			v.emitter.Emit(r.Context(), audit.TokenRejected, out.Token.ClientID, out.Token.JTI,
				map[string]any{"missing_permission": out.MissingPermission})
			handlers.WriteError(w, r, handlers.CodeInsufficientPermissions,
				"token lacks required permission "+out.MissingPermission)

		default:
			v.reject(w, r, out, permission)
		}
	})
}

// renewAside renews a still-valid token without blocking the request on the
// outcome. A failed renewal is logged, not surfaced: the presented token
// carries the request either way.
func (v *Validator) renewAside(ctx context.Context, w http.ResponseWriter, raw, trigger string) {
	newRaw, _, err := v.renewer.Renew(ctx, raw)
	if err != nil {
		v.logger.Warn("proactive renewal failed", "error", err)
		return
	}
	if v.metrics != nil {
		v.metrics.Renewals.WithLabelValues(trigger).Inc()
	}
	w.Header().Set(RenewedTokenHeader, newRaw)
}

// renewExpired gives a just-expired token one renewal attempt. The renewed
// token must itself verify before the request proceeds on it.
func (v *Validator) renewExpired(ctx context.Context, w http.ResponseWriter, raw, permission string, view *token.View) (*token.Token, bool) {
	if v.renewer == nil || view == nil || !v.engine.RenewableAfterExpiry(view) {
		return nil, false
	}
	newRaw, _, err := v.renewer.Renew(ctx, raw)
	if err != nil {
		v.logger.Warn("post-expiry renewal failed", "client_id", view.Subject, "error", err)
		return nil, false
	}
	out := v.engine.Verify(ctx, newRaw, token.VerifyOptions{RequiredPermission: permission})
	if out.Status != token.StatusValid {
		return nil, false
	}
	if v.metrics != nil {
		v.metrics.Renewals.WithLabelValues("post_expiry").Inc()
	}
	w.Header().Set(RenewedTokenHeader, newRaw)
	v.emitter.Emit(ctx, audit.TokenRenewed, out.Token.ClientID, out.Token.JTI,
		map[string]any{"trigger": "post_expiry"})
	return out.Token, true
}

func (v *Validator) reject(w http.ResponseWriter, r *http.Request, out token.Outcome, permission string) {
	subject, jti := "", ""
	if out.View != nil {
		subject, jti = out.View.Subject, out.View.JTI
	}
	v.emitter.Emit(r.Context(), audit.TokenRejected, subject, jti, map[string]any{
		"status":     out.Status.String(),
		"permission": permission,
	})
	handlers.WriteError(w, r, handlers.CodeInvalidToken, "token rejected: "+out.Status.String())
}
