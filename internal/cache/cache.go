// Package cache implements the shared token cache: minted tokens keyed by
// jti and by credential fingerprint, credential metadata keyed by client id,
// and the secondary indexes the rotation controller reads for retirement
// evidence. The cache is never the source of truth — a miss falls through to
// the secret store and token verification.
package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/paygrid/trustplane/internal/credential"
	"github.com/paygrid/trustplane/internal/token"
)

// ErrMiss is returned on any lookup that finds no live entry.
var ErrMiss = errors.New("cache: miss")

// TokenCache is the surface shared by the façade and the rotation
// controller. Redis backs it in cluster deployments; the in-memory
// implementation backs tests and single-node runs.
type TokenCache interface {
	// PutToken stores t under its jti, fingerprint, and client indexes with
	// TTL equal to its remaining lifetime, capped at the configured maximum.
	PutToken(ctx context.Context, t *token.Token) error

	// PutIfAbsent stores t only when no live token exists for its
	// fingerprint. It returns the token now cached under the fingerprint and
	// whether t was the one inserted.
	PutIfAbsent(ctx context.Context, t *token.Token) (*token.Token, bool, error)

	// GetToken returns the live token with the given jti, or ErrMiss.
	GetToken(ctx context.Context, jti string) (*token.Token, error)

	// GetByFingerprint returns the live token minted under fingerprint, or
	// ErrMiss.
	GetByFingerprint(ctx context.Context, fingerprint string) (*token.Token, error)

	// InvalidateByClient removes every cached token whose subject is
	// clientID and returns how many were removed. Best-effort but monotonic:
	// a token removed by this call is never resurrected by it.
	InvalidateByClient(ctx context.Context, clientID string) (int, error)

	// TokensByVersion returns the live tokens minted for clientID under the
	// given credential version. The rotation controller reads this as
	// retirement evidence.
	TokensByVersion(ctx context.Context, clientID string, version int) ([]*token.Token, error)

	// PutCredential caches resolved credential metadata for its client.
	PutCredential(ctx context.Context, meta *credential.Metadata, ttl time.Duration) error

	// GetCredential returns cached credential metadata, or ErrMiss.
	GetCredential(ctx context.Context, clientID string) (*credential.Metadata, error)

	// InvalidateCredential drops the cached metadata for clientID.
	InvalidateCredential(ctx context.Context, clientID string) error

	// Ping reports backend connectivity for health checks.
	Ping(ctx context.Context) error
}

// Key layout. Every key is namespaced under the prefix so one Redis can be
// shared with other services.
const (
	defaultPrefix = "trustplane:"
)

func tokenKey(prefix, jti string) string {
	return prefix + "token:" + jti
}

func fingerprintKey(prefix, fp string) string {
	return prefix + "fp:" + fp
}

func clientTokensKey(prefix, clientID string) string {
	return prefix + "client:" + clientID + ":tokens"
}

func clientVersionKey(prefix, clientID string, version int) string {
	return prefix + "client:" + clientID + ":ver:" + strconv.Itoa(version)
}

func credentialKey(prefix, clientID string) string {
	return prefix + "cred:" + clientID
}

// entryTTL caps a token's remaining lifetime at max. Zero means the token is
// already dead and must not be cached.
func entryTTL(t *token.Token, now time.Time, max time.Duration) time.Duration {
	ttl := t.TTL(now)
	if ttl <= 0 {
		return 0
	}
	if max > 0 && ttl > max {
		ttl = max
	}
	return ttl
}
