package token

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/paygrid/trustplane/internal/vault"
)

// ErrUnknownKeyID is returned when a token names a key the store does not
// hold, neither as current nor as the previous key in its grace window.
var ErrUnknownKeyID = errors.New("token: unknown key id")

// KeyMaterial is the active signing key plus the previous key, kept valid for
// verification until the rotation grace window closes.
type KeyMaterial struct {
	KeyID      string
	Secret     []byte
	PrevKeyID  string
	PrevSecret []byte
}

// Resolver supplies signing and verification keys by id.
type Resolver interface {
	SigningKey(ctx context.Context) (*KeyMaterial, error)
	VerificationKey(ctx context.Context, keyID string) ([]byte, error)
}

// VaultResolver reads key material from the signing-key document and caches
// it for a freshness window so verification does not hit the store per
// request.
type VaultResolver struct {
	store     vault.Store
	freshness time.Duration
	clock     clockwork.Clock

	mu        sync.RWMutex
	material  *KeyMaterial
	fetchedAt time.Time
}

// NewVaultResolver builds a resolver over the secret store. freshness bounds
// how stale the cached material may be before the next call refreshes it.
func NewVaultResolver(store vault.Store, freshness time.Duration, clock clockwork.Clock) *VaultResolver {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &VaultResolver{store: store, freshness: freshness, clock: clock}
}

func (r *VaultResolver) SigningKey(ctx context.Context) (*KeyMaterial, error) {
	km, err := r.current(ctx, false)
	if err != nil {
		return nil, err
	}
	return km, nil
}

func (r *VaultResolver) VerificationKey(ctx context.Context, keyID string) ([]byte, error) {
	km, err := r.current(ctx, false)
	if err != nil {
		return nil, err
	}
	if secret := km.lookup(keyID); secret != nil {
		return secret, nil
	}

	// Unknown kid may mean the key rotated since the last fetch. Refresh
	// once before giving up.
	km, err = r.current(ctx, true)
	if err != nil {
		return nil, err
	}
	if secret := km.lookup(keyID); secret != nil {
		return secret, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownKeyID, keyID)
}

func (km *KeyMaterial) lookup(keyID string) []byte {
	if km.KeyID == keyID {
		return km.Secret
	}
	if km.PrevKeyID == keyID && len(km.PrevSecret) > 0 {
		return km.PrevSecret
	}
	return nil
}

func (r *VaultResolver) current(ctx context.Context, force bool) (*KeyMaterial, error) {
	r.mu.RLock()
	km := r.material
	fresh := !force && km != nil && r.clock.Now().Sub(r.fetchedAt) < r.freshness
	r.mu.RUnlock()
	if fresh {
		return km, nil
	}

	doc, err := r.store.ReadSecret(ctx, vault.SigningKeyPath())
	if err != nil {
		// Serve stale material rather than fail closed on a store blip.
		if km != nil && !force {
			return km, nil
		}
		return nil, fmt.Errorf("fetch signing key: %w", err)
	}

	loaded, err := materialFromDoc(doc)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.material = loaded
	r.fetchedAt = r.clock.Now()
	r.mu.Unlock()
	return loaded, nil
}

func materialFromDoc(doc *vault.SecretDocument) (*KeyMaterial, error) {
	kid, _ := doc.Data["kid"].(string)
	encoded, _ := doc.Data["key"].(string)
	if kid == "" || encoded == "" {
		return nil, errors.New("signing-key document missing kid or key")
	}
	secret, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode signing key: %w", err)
	}

	km := &KeyMaterial{KeyID: kid, Secret: secret}
	if prevKid, ok := doc.Data["previous_kid"].(string); ok && prevKid != "" {
		if prevEncoded, ok := doc.Data["previous_key"].(string); ok && prevEncoded != "" {
			prev, err := base64.StdEncoding.DecodeString(prevEncoded)
			if err != nil {
				return nil, fmt.Errorf("decode previous signing key: %w", err)
			}
			km.PrevKeyID = prevKid
			km.PrevSecret = prev
		}
	}
	return km, nil
}

// StaticResolver serves fixed key material. Used in tests and single-node
// development setups.
type StaticResolver struct {
	Material KeyMaterial
}

func (s *StaticResolver) SigningKey(context.Context) (*KeyMaterial, error) {
	return &s.Material, nil
}

func (s *StaticResolver) VerificationKey(_ context.Context, keyID string) ([]byte, error) {
	if secret := s.Material.lookup(keyID); secret != nil {
		return secret, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownKeyID, keyID)
}
