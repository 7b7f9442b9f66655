// Package token implements the service-token engine: minting, signing,
// verification, and renewal of compact HS256 tokens whose keys live in the
// secret store. Verification returns a tagged outcome rather than a bare
// boolean so callers can map each failure mode to its own error code.
package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the full claim set carried by a service token.
type Claims struct {
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// Token is a minted token together with the metadata the trust plane tracks
// for it. Fingerprint and Version tie the token to the credential version it
// was minted under; they travel in the cache record, never in the token
// itself.
type Token struct {
	JTI         string    `json:"jti"`
	Raw         string    `json:"raw"`
	ClientID    string    `json:"client_id"`
	KeyID       string    `json:"key_id"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Version     int       `json:"version,omitempty"`
	Permissions []string  `json:"permissions"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// TTL returns the remaining lifetime at now, never negative.
func (t *Token) TTL(now time.Time) time.Duration {
	if t == nil || !now.Before(t.ExpiresAt) {
		return 0
	}
	return t.ExpiresAt.Sub(now)
}

// HasPermission reports whether the token carries perm.
func (t *Token) HasPermission(perm string) bool {
	for _, p := range t.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// View is the unverified projection of a token used on error and audit
// paths. A View proves nothing about the signature.
type View struct {
	JTI         string
	Subject     string
	Issuer      string
	Audience    []string
	Permissions []string
	KeyID       string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

func viewFromClaims(kid string, c *Claims) *View {
	v := &View{
		JTI:         c.ID,
		Subject:     c.Subject,
		Issuer:      c.Issuer,
		Audience:    c.Audience,
		Permissions: c.Permissions,
		KeyID:       kid,
	}
	if c.IssuedAt != nil {
		v.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		v.ExpiresAt = c.ExpiresAt.Time
	}
	return v
}
