package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/paygrid/trustplane/internal/vault"
)

// ErrUnknownClient is returned when no credential document exists for the
// client id.
var ErrUnknownClient = errors.New("credential: unknown client")

// maxAcceptableVersions bounds how many enabled versions a resolve admits.
// The rotation controller keeps at most two enabled at any time; anything
// beyond that is treated as operator error and ignored oldest-first.
const maxAcceptableVersions = 2

// Resolver fetches credential metadata from the secret store and keeps the
// last known good copy per client so authentication can ride out short store
// outages.
type Resolver struct {
	store     vault.Store
	freshness time.Duration
	clock     clockwork.Clock
	logger    *slog.Logger

	mu    sync.RWMutex
	cache map[string]*Metadata
}

// NewResolver builds a resolver. freshness bounds how old cached metadata
// may be and still serve a degraded resolve.
func NewResolver(store vault.Store, freshness time.Duration, clock clockwork.Clock, logger *slog.Logger) *Resolver {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Resolver{
		store:     store,
		freshness: freshness,
		clock:     clock,
		logger:    logger.With("component", "credential"),
		cache:     make(map[string]*Metadata),
	}
}

// Resolve returns the acceptable credential versions for clientID. The bool
// result reports degraded mode: true means the store was unreachable and the
// metadata came from the freshness cache.
func (r *Resolver) Resolve(ctx context.Context, clientID string) (*Metadata, bool, error) {
	meta, err := r.fetch(ctx, clientID)
	if err == nil {
		r.mu.Lock()
		r.cache[clientID] = meta
		r.mu.Unlock()
		return meta, false, nil
	}

	if errors.Is(err, vault.ErrNotFound) {
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}

	// Store unreachable: serve the cached copy while it is fresh.
	r.mu.RLock()
	cached := r.cache[clientID]
	r.mu.RUnlock()
	if cached.Fresh(r.clock.Now(), r.freshness) {
		r.logger.Warn("serving cached credential metadata, store unreachable",
			"client_id", clientID, "fetched_at", cached.FetchedAt)
		return cached, true, nil
	}
	return nil, false, err
}

// Invalidate drops the cached metadata for clientID. The rotation controller
// calls this on every transition so the next resolve observes the new
// version set immediately.
func (r *Resolver) Invalidate(clientID string) {
	r.mu.Lock()
	delete(r.cache, clientID)
	r.mu.Unlock()
}

func (r *Resolver) fetch(ctx context.Context, clientID string) (*Metadata, error) {
	path := vault.CredentialPath(clientID)

	history, err := r.store.ListVersions(ctx, path)
	if err != nil {
		return nil, err
	}

	enabled := make([]vault.VersionInfo, 0, len(history))
	for _, v := range history {
		if !v.Disabled && !v.Destroyed {
			enabled = append(enabled, v)
		}
	}
	if len(enabled) == 0 {
		return nil, fmt.Errorf("%w: %s has no enabled credential versions", ErrUnknownClient, clientID)
	}

	sort.Slice(enabled, func(i, j int) bool { return enabled[i].Version > enabled[j].Version })
	if len(enabled) > maxAcceptableVersions {
		r.logger.Warn("more enabled credential versions than a rotation allows",
			"client_id", clientID, "enabled", len(enabled))
		enabled = enabled[:maxAcceptableVersions]
	}

	meta := &Metadata{ClientID: clientID, FetchedAt: r.clock.Now()}
	for _, info := range enabled {
		doc, err := r.store.ReadSecretVersion(ctx, path, info.Version)
		if err != nil {
			return nil, err
		}
		ver, err := versionFromDoc(doc)
		if err != nil {
			return nil, fmt.Errorf("credential %s@%d: %w", clientID, info.Version, err)
		}
		meta.Versions = append(meta.Versions, ver)
	}
	return meta, nil
}

func versionFromDoc(doc *vault.SecretDocument) (Version, error) {
	hash, _ := doc.Data["secret_hash"].(string)
	role, _ := doc.Data["role"].(string)
	if hash == "" || role == "" {
		return Version{}, errors.New("document missing secret_hash or role")
	}
	return Version{
		Number:     doc.Version,
		SecretHash: hash,
		Role:       role,
		CreatedAt:  doc.CreatedAt,
	}, nil
}

// Document renders the KV payload for a credential version.
func Document(secretHash, role string) map[string]interface{} {
	return map[string]interface{}{
		"secret_hash": secretHash,
		"role":        role,
	}
}
