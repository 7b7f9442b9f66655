package vault

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/vault/api"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"

	"github.com/paygrid/trustplane/internal/audit"
)

const (
	identityToken   = "token"
	identityAppRole = "approle"
	identitySpiffe  = "spiffe"
)

// login authenticates the API client according to the configured identity
// mode and starts the renewal loop for renewable tokens.
func (c *Client) login(ctx context.Context) error {
	switch c.cfg.Identity {
	case identityToken, "":
		if c.cfg.Token == "" {
			return fmt.Errorf("vault login: token identity requires a token")
		}
		c.api.SetToken(c.cfg.Token)
		return nil

	case identityAppRole:
		secret, err := c.logicalWrite(ctx, "auth/approle/login", map[string]interface{}{
			"role_id":   c.cfg.RoleID,
			"secret_id": c.cfg.SecretID,
		})
		if err != nil {
			return fmt.Errorf("vault login (approle): %w", err)
		}
		return c.adoptAuth(secret)

	case identitySpiffe:
		// TLS client cert is already wired into the transport; the cert
		// auth backend maps the SVID to a vault role.
		secret, err := c.logicalWrite(ctx, "auth/cert/login", map[string]interface{}{
			"name": c.cfg.Account,
		})
		if err != nil {
			return fmt.Errorf("vault login (cert): %w", err)
		}
		return c.adoptAuth(secret)

	default:
		return fmt.Errorf("vault login: unknown identity mode %q", c.cfg.Identity)
	}
}

func (c *Client) logicalWrite(ctx context.Context, path string, data map[string]interface{}) (*api.Secret, error) {
	return c.api.Logical().WriteWithContext(ctx, path, data)
}

func (c *Client) adoptAuth(secret *api.Secret) error {
	if secret == nil || secret.Auth == nil {
		return fmt.Errorf("vault login returned no auth info")
	}
	c.api.SetToken(secret.Auth.ClientToken)
	c.degraded.Store(false)

	if secret.Auth.Renewable {
		c.wg.Add(1)
		go c.renewLoop(secret.Auth)
	}
	return nil
}

// renewLoop keeps the auth token alive. When renewal stops working the
// client flips to degraded, emits an identity-expired audit event, and
// re-authenticates with backoff until it succeeds or the client closes.
func (c *Client) renewLoop(auth *api.SecretAuth) {
	defer c.wg.Done()

	watcher, err := c.api.NewLifetimeWatcher(&api.LifetimeWatcherInput{
		Secret: &api.Secret{Auth: auth},
	})
	if err != nil {
		c.logger.Error("identity watcher setup failed", "error", err)
		c.markExpired(err)
		return
	}

	go watcher.Start()
	defer watcher.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case err := <-watcher.DoneCh():
			c.markExpired(err)
			c.relogin()
			return
		case renewal := <-watcher.RenewCh():
			c.logger.Debug("vault identity renewed",
				"lease_duration", renewal.Secret.LeaseDuration)
		}
	}
}

func (c *Client) markExpired(err error) {
	c.degraded.Store(true)
	c.logger.Warn("vault identity expired", "error", err)
	c.emitter.Emit(context.Background(), audit.VaultIdentityExpired, "", "", map[string]any{
		"identity": c.cfg.Identity,
	})
}

// relogin retries authentication until it succeeds. Each successful login
// starts a fresh renewal loop, so this goroutine hands off and exits.
func (c *Client) relogin() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = c.cfg.IdentityRefresh
	bo.MaxElapsedTime = 0 // retry until closed

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		err := c.login(context.Background())
		if err == nil {
			c.logger.Info("vault identity re-established")
			return
		}
		c.logger.Warn("vault re-login failed", "error", err)

		select {
		case <-c.stopCh:
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// spiffeTLSConfig connects to the SPIRE agent and returns a client TLS
// config that presents the workload SVID.
func spiffeTLSConfig(socketPath string) (*tls.Config, func() error, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	source, err := workloadapi.NewX509Source(
		ctx,
		workloadapi.WithClientOptions(workloadapi.WithAddr(socketPath)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to SPIRE agent: %w", err)
	}

	tlsConf := tlsconfig.MTLSClientConfig(source, source, tlsconfig.AuthorizeAny())
	return tlsConf, source.Close, nil
}
