package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Config tunes the engine. Skew is symmetric: a token is accepted while the
// verifier's clock is within [issuedAt-skew, expiresAt+skew).
type Config struct {
	Issuer           string
	Audience         string
	AcceptedIssuers  []string
	TTL              time.Duration
	Skew             time.Duration
	RenewalEnabled   bool
	RenewalThreshold time.Duration
}

// Engine mints and verifies HS256 service tokens.
type Engine struct {
	cfg   Config
	keys  Resolver
	clock clockwork.Clock
}

// NewEngine builds an engine. A nil clock means the wall clock.
func NewEngine(cfg Config, keys Resolver, clock clockwork.Clock) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if len(cfg.AcceptedIssuers) == 0 {
		cfg.AcceptedIssuers = []string{cfg.Issuer}
	}
	return &Engine{cfg: cfg, keys: keys, clock: clock}
}

// Mint issues a token for subject with the given permissions. ttl <= 0 uses
// the configured default.
func (e *Engine) Mint(ctx context.Context, subject string, permissions []string, ttl time.Duration) (*Token, error) {
	if ttl <= 0 {
		ttl = e.cfg.TTL
	}
	km, err := e.keys.SigningKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("mint: %w", err)
	}

	now := e.clock.Now()
	jti := uuid.NewString()
	claims := &Claims{
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   subject,
			Issuer:    e.cfg.Issuer,
			Audience:  jwt.ClaimStrings{e.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = km.KeyID

	raw, err := tok.SignedString(km.Secret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}

	return &Token{
		JTI:         jti,
		Raw:         raw,
		ClientID:    subject,
		KeyID:       km.KeyID,
		Permissions: permissions,
		IssuedAt:    now,
		ExpiresAt:   now.Add(ttl),
	}, nil
}

// Sign computes the HS256 signature over signingInput with the named key.
func (e *Engine) Sign(ctx context.Context, signingInput string, keyID string) ([]byte, error) {
	secret, err := e.keys.VerificationKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	return jwt.SigningMethodHS256.Sign(signingInput, secret)
}

// VerifyOptions narrow a single verification. Zero values fall back to the
// engine configuration.
type VerifyOptions struct {
	Audience           string
	AcceptedIssuers    []string
	RequiredPermission string
}

// Verify checks raw against signature, lifetime, audience, issuer, and the
// optionally required permission, in that order of severity. The returned
// outcome carries exactly one tag.
func (e *Engine) Verify(ctx context.Context, raw string, opts VerifyOptions) Outcome {
	audience := opts.Audience
	if audience == "" {
		audience = e.cfg.Audience
	}
	issuers := opts.AcceptedIssuers
	if len(issuers) == 0 {
		issuers = e.cfg.AcceptedIssuers
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: token has no kid header", ErrUnknownKeyID)
		}
		return e.keys.VerificationKey(ctx, kid)
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(e.cfg.Skew),
		jwt.WithTimeFunc(e.clock.Now),
		jwt.WithIssuedAt(),
		jwt.WithAudience(audience),
	)

	if err != nil {
		return e.mapParseError(parsed, claims, err)
	}

	if !issuerAccepted(claims.Issuer, issuers) {
		return Outcome{Status: StatusUntrustedIssuer, View: viewFromKidClaims(parsed, claims)}
	}

	tok := e.tokenFromClaims(raw, parsed, claims)
	if opts.RequiredPermission != "" && !tok.HasPermission(opts.RequiredPermission) {
		return forbidden(tok, opts.RequiredPermission)
	}
	return valid(tok)
}

func (e *Engine) mapParseError(parsed *jwt.Token, claims *Claims, err error) Outcome {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return malformed("token is not a structurally valid JWT")
	case errors.Is(err, ErrUnknownKeyID):
		return Outcome{Status: StatusSignatureMismatch, Reason: "signed by an unknown key"}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return Outcome{Status: StatusSignatureMismatch, Reason: "signature verification failed"}
	case errors.Is(err, jwt.ErrTokenExpired):
		return expired(viewFromKidClaims(parsed, claims))
	case errors.Is(err, jwt.ErrTokenUsedBeforeIssued), errors.Is(err, jwt.ErrTokenNotValidYet):
		return malformed("token issued in the future beyond skew tolerance")
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return Outcome{Status: StatusUntrustedAudience, View: viewFromKidClaims(parsed, claims)}
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return Outcome{Status: StatusUntrustedIssuer, View: viewFromKidClaims(parsed, claims)}
	default:
		return malformed(err.Error())
	}
}

func viewFromKidClaims(parsed *jwt.Token, claims *Claims) *View {
	kid := ""
	if parsed != nil {
		kid, _ = parsed.Header["kid"].(string)
	}
	return viewFromClaims(kid, claims)
}

func (e *Engine) tokenFromClaims(raw string, parsed *jwt.Token, claims *Claims) *Token {
	kid, _ := parsed.Header["kid"].(string)
	t := &Token{
		JTI:         claims.ID,
		Raw:         raw,
		ClientID:    claims.Subject,
		KeyID:       kid,
		Permissions: claims.Permissions,
	}
	if claims.IssuedAt != nil {
		t.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		t.ExpiresAt = claims.ExpiresAt.Time
	}
	return t
}

// Parse decodes raw without verifying the signature. The view is only good
// for audit masking and renewal decisions, never for authorization.
func (e *Engine) Parse(raw string) (*View, error) {
	claims := &Claims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	parsed, _, err := parser.ParseUnverified(raw, claims)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return viewFromKidClaims(parsed, claims), nil
}

// IsExpired reports whether t is past its expiry on the engine clock,
// ignoring skew.
func (e *Engine) IsExpired(t *Token) bool {
	return !e.clock.Now().Before(t.ExpiresAt)
}

// ShouldRenew reports whether t is inside the renewal window: still valid
// but within the configured threshold of expiry.
func (e *Engine) ShouldRenew(t *Token) bool {
	if !e.cfg.RenewalEnabled || t == nil {
		return false
	}
	remaining := t.TTL(e.clock.Now())
	return remaining > 0 && remaining <= e.cfg.RenewalThreshold
}

// RenewableAfterExpiry reports whether an expired token is still close
// enough to its expiry to be traded for a fresh one.
func (e *Engine) RenewableAfterExpiry(v *View) bool {
	if !e.cfg.RenewalEnabled || v == nil || v.ExpiresAt.IsZero() {
		return false
	}
	lateness := e.clock.Now().Sub(v.ExpiresAt)
	return lateness >= 0 && lateness <= e.cfg.RenewalThreshold
}

// Renew mints a fresh token with the same subject and permissions.
func (e *Engine) Renew(ctx context.Context, t *Token) (*Token, error) {
	return e.Mint(ctx, t.ClientID, t.Permissions, 0)
}

func issuerAccepted(issuer string, accepted []string) bool {
	for _, a := range accepted {
		if issuer == a {
			return true
		}
	}
	return false
}
