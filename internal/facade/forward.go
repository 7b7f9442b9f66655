package facade

import (
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/paygrid/trustplane/internal/audit"
	"github.com/paygrid/trustplane/internal/circuitbreaker"
	"github.com/paygrid/trustplane/internal/config"
	"github.com/paygrid/trustplane/internal/handlers"
	"github.com/paygrid/trustplane/internal/middleware"
)

// Forwarder relays business-path traffic to the downstream processing
// service. A request arriving with a bearer token passes through; one
// arriving with the legacy credential headers is exchanged for a token first,
// so vendors that never migrated keep working.
type Forwarder struct {
	auth    *Authenticator
	proxy   *httputil.ReverseProxy
	breaker *circuitbreaker.CircuitBreaker
	compat  config.CompatConfig
	logger  *slog.Logger
}

// NewForwarder builds a reverse proxy to target. breaker guards the
// downstream hop; compat controls the header-auth exchange.
func NewForwarder(target string, auth *Authenticator, breaker *circuitbreaker.CircuitBreaker,
	compat config.CompatConfig, logger *slog.Logger) (*Forwarder, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	f := &Forwarder{
		auth:    auth,
		breaker: breaker,
		compat:  compat,
		logger:  logger.With("component", "forwarder"),
	}

	proxy := httputil.NewSingleHostReverseProxy(u)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		f.breaker.RecordFailure()
		f.logger.Warn("downstream forward failed", "path", r.URL.Path, "error", err)
		handlers.WriteError(w, r, handlers.CodeUpstreamUnavailable, "processing service unavailable")
	}
	proxy.ModifyResponse = func(*http.Response) error {
		f.breaker.RecordSuccess()
		return nil
	}
	f.proxy = proxy
	return f, nil
}

// ServeHTTP authenticates the request one way or the other, then relays it
// with the bearer token and correlation id attached.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	bearer := handlers.Bearer(r)
	if bearer == "" {
		if !f.compat.Enabled {
			handlers.WriteError(w, r, handlers.CodeAuthError, "bearer token required")
			return
		}
		clientID := r.Header.Get(f.compat.ClientIDHeader)
		secret := r.Header.Get(f.compat.ClientSecretHeader)
		if clientID == "" || secret == "" {
			handlers.WriteError(w, r, handlers.CodeAuthError, "credentials required")
			return
		}
		tok, err := f.auth.Authenticate(r.Context(), clientID, secret)
		if err != nil {
			f.writeAuthError(w, r, err)
			return
		}
		bearer = tok.Raw
		// The exchanged secret must not travel further.
		r.Header.Del(f.compat.ClientIDHeader)
		r.Header.Del(f.compat.ClientSecretHeader)
	}

	if err := f.breaker.Allow(); err != nil {
		handlers.WriteError(w, r, handlers.CodeUpstreamUnavailable, "processing service unavailable")
		return
	}

	r.Header.Set("Authorization", "Bearer "+bearer)
	if scope := audit.ScopeFrom(r.Context()); scope != nil {
		r.Header.Set(middleware.RequestIDHeader, scope.RequestID)
	}
	f.proxy.ServeHTTP(w, r)
}

func (f *Forwarder) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		handlers.WriteError(w, r, handlers.CodeAuthError, "invalid client credentials")
	case errors.Is(err, ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		handlers.WriteError(w, r, handlers.CodeRateLimited, "authentication rate limit exceeded")
	case errors.Is(err, ErrUnavailable):
		handlers.WriteError(w, r, handlers.CodeUpstreamUnavailable, "authentication backend unavailable")
	default:
		handlers.WriteError(w, r, handlers.CodeInternalError, "internal error")
	}
}
