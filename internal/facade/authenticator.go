// Package facade implements the vendor-facing authentication façade: it
// validates the legacy Client-ID/Client-Secret pair against vault-stored
// credentials, mints internal capability tokens, and forwards business
// traffic to the processing service with the token attached. Vendors keep
// their existing contract; only the trust model behind it changes.
package facade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/paygrid/trustplane/internal/audit"
	"github.com/paygrid/trustplane/internal/cache"
	"github.com/paygrid/trustplane/internal/credential"
	"github.com/paygrid/trustplane/internal/metrics"
	"github.com/paygrid/trustplane/internal/middleware"
	"github.com/paygrid/trustplane/internal/token"
)

// Sentinel errors mapped by the HTTP layer onto the error taxonomy.
var (
	ErrInvalidCredentials = errors.New("facade: invalid credentials")
	ErrRateLimited        = errors.New("facade: rate limited")
	ErrInvalidToken       = errors.New("facade: invalid token")
	ErrUnavailable        = errors.New("facade: upstream unavailable")
)

// TokenEngine is the slice of the token engine the authenticator uses.
type TokenEngine interface {
	Mint(ctx context.Context, subject string, permissions []string, ttl time.Duration) (*token.Token, error)
	Verify(ctx context.Context, raw string, opts token.VerifyOptions) token.Outcome
	RenewableAfterExpiry(v *token.View) bool
}

// CredentialSource resolves acceptable credential versions for a client.
// The bool result reports degraded mode (metadata served from the freshness
// cache while the store is unreachable).
type CredentialSource interface {
	Resolve(ctx context.Context, clientID string) (*credential.Metadata, bool, error)
}

// Authenticator validates vendor credentials and exchanges them for tokens.
type Authenticator struct {
	engine    TokenEngine
	creds     CredentialSource
	cache     cache.TokenCache
	locks     *credential.LockTable
	limiter   *middleware.RateLimiter
	emitter   audit.Emitter
	metrics   *metrics.Metrics
	clock     clockwork.Clock
	freshness time.Duration
	logger    *slog.Logger
}

// NewAuthenticator wires the authenticator. Nil emitter and metrics are
// tolerated for tests.
func NewAuthenticator(engine TokenEngine, creds CredentialSource, tc cache.TokenCache,
	limiter *middleware.RateLimiter, emitter audit.Emitter, m *metrics.Metrics,
	freshness time.Duration, clock clockwork.Clock, logger *slog.Logger) *Authenticator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if emitter == nil {
		emitter = audit.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		engine:    engine,
		creds:     creds,
		cache:     tc,
		locks:     credential.NewLockTable(),
		limiter:   limiter,
		emitter:   emitter,
		metrics:   m,
		clock:     clock,
		freshness: freshness,
		logger:    logger.With("component", "facade"),
	}
}

// Authenticate validates the presented secret against every acceptable
// credential version and returns a token for the matched version. Concurrent
// calls that authenticate the same way collapse onto one minted token: the
// per-fingerprint lock serializes the in-process race and the cache's
// put-if-absent settles the cross-process one.
func (a *Authenticator) Authenticate(ctx context.Context, clientID, secret string) (*token.Token, error) {
	if a.limiter != nil && !a.limiter.Allow(clientID) {
		a.emitter.Emit(ctx, audit.RateLimited, clientID, "", nil)
		a.count("rate_limited")
		if a.metrics != nil {
			a.metrics.RateLimited.Inc()
		}
		return nil, ErrRateLimited
	}

	meta, degraded, err := a.resolveCredential(ctx, clientID)
	if err != nil {
		if errors.Is(err, credential.ErrUnknownClient) {
			a.emitter.Emit(ctx, audit.AuthFailure, clientID, "", map[string]any{"reason": "unknown client"})
			a.count("invalid_credentials")
			return nil, ErrInvalidCredentials
		}
		a.count("unavailable")
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if degraded {
		a.emitter.Emit(ctx, audit.VaultDegraded, clientID, "", map[string]any{
			"age_seconds": int(a.clock.Now().Sub(meta.FetchedAt).Seconds()),
		})
	}

	ver, ok := meta.VerifySecret(secret)
	if !ok {
		a.emitter.Emit(ctx, audit.AuthFailure, clientID, "", map[string]any{"reason": "secret mismatch"})
		a.count("invalid_credentials")
		return nil, ErrInvalidCredentials
	}

	fp := credential.Fingerprint(clientID, ver.Number)
	unlock := a.locks.Lock(fp)
	defer unlock()

	if cached, err := a.cache.GetByFingerprint(ctx, fp); err == nil {
		a.cacheLookup("fingerprint", "hit")
		a.emitter.Emit(ctx, audit.AuthSuccess, clientID, cached.JTI, map[string]any{"cached": true})
		a.count("success")
		return cached, nil
	}
	a.cacheLookup("fingerprint", "miss")

	minted, err := a.engine.Mint(ctx, clientID, credential.PermissionsForRole(ver.Role), 0)
	if err != nil {
		// Signing key unreachable: never authenticate without a signed token.
		a.count("unavailable")
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	minted.Fingerprint = fp
	minted.Version = ver.Number
	if a.metrics != nil {
		a.metrics.TokensMinted.Inc()
	}

	final, inserted, err := a.cache.PutIfAbsent(ctx, minted)
	if err != nil {
		// Cache is not the source of truth; the signed token is still good.
		a.logger.Warn("token cache insert failed", "client_id", audit.Mask(clientID), "error", err)
		final, inserted = minted, true
	}
	if !inserted {
		a.emitter.Emit(ctx, audit.AuthSuccess, clientID, final.JTI, map[string]any{"cached": true})
		a.count("success")
		return final, nil
	}

	a.emitter.Emit(ctx, audit.TokenIssued, clientID, final.JTI, map[string]any{
		"version":    ver.Number,
		"expires_at": final.ExpiresAt.UTC().Format(time.RFC3339),
	})
	a.emitter.Emit(ctx, audit.AuthSuccess, clientID, final.JTI, nil)
	a.count("success")
	return final, nil
}

// resolveCredential consults the cluster cache first, then the store-backed
// resolver, writing resolved metadata back with the freshness window as TTL.
func (a *Authenticator) resolveCredential(ctx context.Context, clientID string) (*credential.Metadata, bool, error) {
	if meta, err := a.cache.GetCredential(ctx, clientID); err == nil {
		a.cacheLookup("credential", "hit")
		return meta, false, nil
	}
	a.cacheLookup("credential", "miss")

	meta, degraded, err := a.creds.Resolve(ctx, clientID)
	if err != nil {
		return nil, false, err
	}
	if !degraded {
		if err := a.cache.PutCredential(ctx, meta, a.freshness); err != nil {
			a.logger.Warn("credential cache write failed", "client_id", audit.Mask(clientID), "error", err)
		}
	}
	return meta, degraded, nil
}

// Refresh trades a valid or freshly expired token for a new one with the
// same subject and permissions. The renewal threshold bounds how long after
// expiry a token is still exchangeable.
func (a *Authenticator) Refresh(ctx context.Context, raw string) (*token.Token, error) {
	out := a.engine.Verify(ctx, raw, token.VerifyOptions{})

	var subject string
	var permissions []string
	var oldJTI string
	trigger := "near_expiry"

	switch out.Status {
	case token.StatusValid:
		subject = out.Token.ClientID
		permissions = out.Token.Permissions
		oldJTI = out.Token.JTI
	case token.StatusExpired:
		if out.View == nil || !a.engine.RenewableAfterExpiry(out.View) {
			return nil, ErrInvalidToken
		}
		subject = out.View.Subject
		permissions = out.View.Permissions
		oldJTI = out.View.JTI
		trigger = "post_expiry"
	default:
		return nil, ErrInvalidToken
	}

	minted, err := a.engine.Mint(ctx, subject, permissions, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// Carry the credential-version linkage forward so rotation evidence
	// keeps seeing renewed tokens.
	if old, err := a.cache.GetToken(ctx, oldJTI); err == nil {
		minted.Fingerprint = old.Fingerprint
		minted.Version = old.Version
	}
	if err := a.cache.PutToken(ctx, minted); err != nil {
		a.logger.Warn("renewed token cache write failed", "error", err)
	}

	a.emitter.Emit(ctx, audit.TokenRenewed, subject, minted.JTI, map[string]any{
		"replaces": audit.Mask(oldJTI),
		"trigger":  trigger,
	})
	if a.metrics != nil {
		a.metrics.Renewals.WithLabelValues(trigger).Inc()
	}
	return minted, nil
}

func (a *Authenticator) count(outcome string) {
	if a.metrics != nil {
		a.metrics.AuthAttempts.WithLabelValues(outcome).Inc()
	}
}

func (a *Authenticator) cacheLookup(lookup, result string) {
	if a.metrics != nil {
		a.metrics.TokenCacheHit.WithLabelValues(lookup, result).Inc()
	}
}
