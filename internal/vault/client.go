// Package vault wraps the HashiCorp Vault KV v2 API behind the narrow
// surface the trust plane needs: versioned credential documents, signing-key
// material, and a health probe. Every call runs a bounded retry inside a
// named circuit breaker so a struggling vault degrades requests instead of
// hanging them.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/vault/api"

	"github.com/paygrid/trustplane/internal/audit"
	"github.com/paygrid/trustplane/internal/circuitbreaker"
	"github.com/paygrid/trustplane/internal/config"
)

// Sentinel errors callers branch on. Everything else coming out of this
// package wraps ErrUnavailable.
var (
	ErrNotFound    = errors.New("vault: secret not found")
	ErrPermission  = errors.New("vault: permission denied")
	ErrUnavailable = errors.New("vault: unavailable")
)

// SecretDocument is one version of a KV v2 secret.
type SecretDocument struct {
	Path      string
	Version   int
	Data      map[string]interface{}
	Disabled  bool // soft-deleted: version exists but serves no data
	Destroyed bool
	CreatedAt time.Time
}

// VersionInfo describes one version in a secret's history.
type VersionInfo struct {
	Version   int
	CreatedAt time.Time
	Disabled  bool
	Destroyed bool
}

// Store is the secret-store surface consumed by the credential resolver, the
// token engine, and the rotation controller.
type Store interface {
	ReadSecret(ctx context.Context, path string) (*SecretDocument, error)
	ReadSecretVersion(ctx context.Context, path string, version int) (*SecretDocument, error)
	WriteSecret(ctx context.Context, path string, data map[string]interface{}) (int, error)
	SetVersionState(ctx context.Context, path string, version int, enabled bool) error
	DestroyVersion(ctx context.Context, path string, version int) error
	DeletePath(ctx context.Context, path string) error
	ListVersions(ctx context.Context, path string) ([]VersionInfo, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// kvAPI is the slice of *api.KVv2 the client uses. Tests substitute a fake.
type kvAPI interface {
	Get(ctx context.Context, secretPath string) (*api.KVSecret, error)
	GetVersion(ctx context.Context, secretPath string, version int) (*api.KVSecret, error)
	GetVersionsAsList(ctx context.Context, secretPath string) ([]api.KVVersionMetadata, error)
	Put(ctx context.Context, secretPath string, data map[string]interface{}, opts ...api.KVOption) (*api.KVSecret, error)
	DeleteVersions(ctx context.Context, secretPath string, versions []int) error
	Undelete(ctx context.Context, secretPath string, versions []int) error
	Destroy(ctx context.Context, secretPath string, versions []int) error
	DeleteMetadata(ctx context.Context, secretPath string) error
}

type logicalAPI interface {
	ListWithContext(ctx context.Context, path string) (*api.Secret, error)
}

type healthAPI interface {
	HealthWithContext(ctx context.Context) (*api.HealthResponse, error)
}

var _ kvAPI = (*api.KVv2)(nil)

// Client talks to one vault mount.
type Client struct {
	api     *api.Client
	kv      kvAPI
	logical logicalAPI
	sys     healthAPI

	mount   string
	cfg     config.VaultConfig
	breaker *circuitbreaker.CircuitBreaker
	emitter audit.Emitter
	logger  *slog.Logger

	degraded atomic.Bool

	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	closeCert func() error
}

// New builds a Client from configuration and authenticates it. The breaker
// is shared with whoever owns the breaker registry so health reporting sees
// the same instance.
func New(cfg config.VaultConfig, breaker *circuitbreaker.CircuitBreaker, emitter audit.Emitter, logger *slog.Logger) (*Client, error) {
	apiCfg := api.DefaultConfig()
	apiCfg.Address = cfg.URL
	if cfg.ConnectTimeoutMs > 0 {
		apiCfg.Timeout = time.Duration(cfg.ConnectTimeoutMs+cfg.ReadTimeoutMs) * time.Millisecond
	}

	c := &Client{
		mount:   cfg.Mount,
		cfg:     cfg,
		breaker: breaker,
		emitter: emitter,
		logger:  logger.With("component", "vault"),
		stopCh:  make(chan struct{}),
	}
	if c.emitter == nil {
		c.emitter = audit.Nop{}
	}

	if cfg.Identity == identitySpiffe {
		tlsConf, closer, err := spiffeTLSConfig(cfg.SpiffeSocket)
		if err != nil {
			return nil, fmt.Errorf("spiffe identity: %w", err)
		}
		c.closeCert = closer
		transport := apiCfg.HttpClient.Transport.(*http.Transport)
		transport.TLSClientConfig = tlsConf
	}

	apiClient, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	c.api = apiClient
	c.kv = apiClient.KVv2(cfg.Mount)
	c.logical = apiClient.Logical()
	c.sys = apiClient.Sys()

	if err := c.login(context.Background()); err != nil {
		return nil, err
	}
	return c, nil
}

// newWithAPI wires fakes in for tests.
func newWithAPI(kv kvAPI, logical logicalAPI, sys healthAPI, cfg config.VaultConfig, breaker *circuitbreaker.CircuitBreaker, emitter audit.Emitter, logger *slog.Logger) *Client {
	c := &Client{
		kv:      kv,
		logical: logical,
		sys:     sys,
		mount:   cfg.Mount,
		cfg:     cfg,
		breaker: breaker,
		emitter: emitter,
		logger:  logger.With("component", "vault"),
		stopCh:  make(chan struct{}),
	}
	if c.emitter == nil {
		c.emitter = audit.Nop{}
	}
	return c
}

// Degraded reports whether the client's own identity is unusable. Breaker
// state is reported separately through the breaker registry.
func (c *Client) Degraded() bool {
	return c.degraded.Load()
}

// Close stops the identity renewal loop and releases the SVID source.
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	if c.closeCert != nil {
		return c.closeCert()
	}
	return nil
}

// classify maps raw vault errors onto the package sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, api.ErrSecretNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	var respErr *api.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case 401, 403:
			return fmt.Errorf("%w: %v", ErrPermission, err)
		case 404:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func retryable(err error) bool {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrPermission) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// execute runs one logical vault operation: bounded retry inside the
// breaker. The retried operation counts once against the breaker, on its
// final outcome. Not-found and permission results are valid answers from a
// healthy vault and do not count as breaker failures.
func (c *Client) execute(ctx context.Context, op string, fn func(context.Context) error) error {
	if err := c.breaker.Allow(); err != nil {
		return fmt.Errorf("vault %s: %w", op, ErrUnavailable)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(c.cfg.Retry.BackoffBaseMs) * time.Millisecond
	bo.Multiplier = c.cfg.Retry.BackoffMultiplier
	bo.RandomizationFactor = 0.2

	attempts := uint64(c.cfg.Retry.Count)
	if attempts == 0 {
		attempts = 1
	}

	err := backoff.Retry(func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		err = classify(err)
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, attempts-1), ctx))

	switch {
	case err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrPermission):
		c.breaker.RecordSuccess()
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// caller gave up; says nothing about vault health
	default:
		c.breaker.RecordFailure()
	}
	if err != nil {
		return fmt.Errorf("vault %s: %w", op, err)
	}
	return nil
}

func docFromSecret(path string, sec *api.KVSecret) *SecretDocument {
	doc := &SecretDocument{Path: path, Data: sec.Data}
	if sec.VersionMetadata != nil {
		doc.Version = sec.VersionMetadata.Version
		doc.CreatedAt = sec.VersionMetadata.CreatedTime
		doc.Disabled = !sec.VersionMetadata.DeletionTime.IsZero()
		doc.Destroyed = sec.VersionMetadata.Destroyed
	}
	return doc
}

// ReadSecret returns the current version of the secret at path.
func (c *Client) ReadSecret(ctx context.Context, path string) (*SecretDocument, error) {
	var doc *SecretDocument
	err := c.execute(ctx, "read "+path, func(ctx context.Context) error {
		sec, err := c.kv.Get(ctx, path)
		if err != nil {
			return err
		}
		doc = docFromSecret(path, sec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// ReadSecretVersion returns one specific version, including soft-deleted
// versions (Data nil, Disabled true).
func (c *Client) ReadSecretVersion(ctx context.Context, path string, version int) (*SecretDocument, error) {
	var doc *SecretDocument
	err := c.execute(ctx, fmt.Sprintf("read %s@%d", path, version), func(ctx context.Context) error {
		sec, err := c.kv.GetVersion(ctx, path, version)
		if err != nil {
			return err
		}
		doc = docFromSecret(path, sec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// WriteSecret writes data as a new version of path and returns the version
// number vault assigned.
func (c *Client) WriteSecret(ctx context.Context, path string, data map[string]interface{}) (int, error) {
	var version int
	err := c.execute(ctx, "write "+path, func(ctx context.Context) error {
		sec, err := c.kv.Put(ctx, path, data)
		if err != nil {
			return err
		}
		if sec != nil && sec.VersionMetadata != nil {
			version = sec.VersionMetadata.Version
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}

// SetVersionState soft-deletes (enabled=false) or undeletes (enabled=true)
// one version. A disabled version stays in the history and can be re-enabled
// until it is destroyed.
func (c *Client) SetVersionState(ctx context.Context, path string, version int, enabled bool) error {
	op := fmt.Sprintf("disable %s@%d", path, version)
	if enabled {
		op = fmt.Sprintf("enable %s@%d", path, version)
	}
	return c.execute(ctx, op, func(ctx context.Context) error {
		if enabled {
			return c.kv.Undelete(ctx, path, []int{version})
		}
		return c.kv.DeleteVersions(ctx, path, []int{version})
	})
}

// DestroyVersion permanently removes one version's data.
func (c *Client) DestroyVersion(ctx context.Context, path string, version int) error {
	return c.execute(ctx, fmt.Sprintf("destroy %s@%d", path, version), func(ctx context.Context) error {
		return c.kv.Destroy(ctx, path, []int{version})
	})
}

// DeletePath removes the secret's metadata and every version under it.
func (c *Client) DeletePath(ctx context.Context, path string) error {
	return c.execute(ctx, "delete "+path, func(ctx context.Context) error {
		return c.kv.DeleteMetadata(ctx, path)
	})
}

// ListVersions returns the version history of path, oldest first.
func (c *Client) ListVersions(ctx context.Context, path string) ([]VersionInfo, error) {
	var out []VersionInfo
	err := c.execute(ctx, "versions "+path, func(ctx context.Context) error {
		metas, err := c.kv.GetVersionsAsList(ctx, path)
		if err != nil {
			return err
		}
		out = out[:0]
		for _, m := range metas {
			out = append(out, VersionInfo{
				Version:   m.Version,
				CreatedAt: m.CreatedTime,
				Disabled:  !m.DeletionTime.IsZero(),
				Destroyed: m.Destroyed,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// List returns the child keys under prefix. Directory entries keep their
// trailing slash, as vault reports them.
func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	listPath := c.mount + "/metadata/" + strings.Trim(prefix, "/")
	err := c.execute(ctx, "list "+prefix, func(ctx context.Context) error {
		sec, err := c.logical.ListWithContext(ctx, listPath)
		if err != nil {
			return err
		}
		out = out[:0]
		if sec == nil || sec.Data == nil {
			return nil
		}
		raw, ok := sec.Data["keys"].([]interface{})
		if !ok {
			return nil
		}
		for _, k := range raw {
			if s, ok := k.(string); ok {
				out = append(out, s)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// HealthStatus is the result of a vault health probe.
type HealthStatus struct {
	Reachable bool   `json:"reachable"`
	Sealed    bool   `json:"sealed"`
	Degraded  bool   `json:"degraded"`
	Breaker   string `json:"breaker"`
	Error     string `json:"error,omitempty"`
}

// Health probes vault directly, bypassing the breaker so recovery is
// observable while the breaker is still open.
func (c *Client) Health(ctx context.Context) HealthStatus {
	st := HealthStatus{
		Degraded: c.degraded.Load(),
		Breaker:  c.breaker.State().String(),
	}
	resp, err := c.sys.HealthWithContext(ctx)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	st.Reachable = true
	st.Sealed = resp.Sealed
	return st
}
