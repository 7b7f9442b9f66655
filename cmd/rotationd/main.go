// The rotationd binary runs the credential rotation controller: the admin
// API, the reconciliation loop, and recovery of in-flight rotations after a
// restart. With -bootstrap it seeds a client credential and the token signing
// key instead of serving.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/paygrid/trustplane/internal/audit"
	"github.com/paygrid/trustplane/internal/cache"
	"github.com/paygrid/trustplane/internal/circuitbreaker"
	"github.com/paygrid/trustplane/internal/config"
	"github.com/paygrid/trustplane/internal/credential"
	"github.com/paygrid/trustplane/internal/metrics"
	"github.com/paygrid/trustplane/internal/rotation"
	"github.com/paygrid/trustplane/internal/vault"
)

func main() {
	configPath := flag.String("config", os.Getenv("TRUSTPLANE_CONFIG"), "path to YAML configuration")
	bootstrap := flag.String("bootstrap", "", "seed a credential for this client id and the signing key, then exit")
	bootstrapRole := flag.String("bootstrap-role", credential.RoleMerchant, "role for the bootstrapped client")
	flag.Parse()

	godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "trustplane-rotation")
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := audit.NewBus(logger)
	vaultBreaker := circuitbreaker.New(circuitbreaker.FromSettings("vault", cfg.Breakers.Vault))
	vc, err := vault.New(cfg.Vault, vaultBreaker, bus, logger)
	if err != nil {
		logger.Error("vault client failed", "error", err)
		os.Exit(1)
	}
	defer vc.Close()

	if *bootstrap != "" {
		if err := runBootstrap(ctx, vc, *bootstrap, *bootstrapRole); err != nil {
			logger.Error("bootstrap failed", "error", err)
			os.Exit(1)
		}
		return
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	tc, err := cache.NewRedis(cfg.Cache, nil, logger)
	if err != nil {
		logger.Error("redis unavailable", "error", err)
		os.Exit(1)
	}

	var history rotation.HistorySink
	var probes []func(ctx context.Context) (string, bool, any)
	if cfg.Audit.DatabaseURL != "" {
		store, err := audit.NewStore(cfg.Audit.DatabaseURL, logger)
		if err != nil {
			logger.Error("audit store unavailable", "error", err)
			os.Exit(1)
		}
		defer store.Close()
		store.Attach(bus)
		history = store
		probes = append(probes, func(ctx context.Context) (string, bool, any) {
			err := store.Ping(ctx)
			return "audit_store", err == nil, map[string]any{"connected": err == nil}
		})
	}
	probes = append(probes, func(ctx context.Context) (string, bool, any) {
		st := vc.Health(ctx)
		return "vault", st.Reachable && !st.Sealed, st
	})

	resolver := credential.NewResolver(vc, cfg.Freshness(), nil, logger)
	controller := rotation.NewController(vc, tc, resolver, bus, history, m,
		cfg.Rotation, nil, logger)

	if err := controller.Recover(ctx); err != nil {
		logger.Error("rotation recovery failed", "error", err)
		os.Exit(1)
	}
	go controller.Run(ctx)

	srv := rotation.NewServer(controller, m, probes, logger)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	logger.Info("rotation admin listening", "port", cfg.Server.Port, "env", cfg.Server.Env)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("rotation controller stopped")
}

// runBootstrap seeds the signing key (if absent) and a first credential
// version for clientID. The plaintext secret is printed to stdout once; only
// its hash reaches the store.
func runBootstrap(ctx context.Context, vc *vault.Client, clientID, role string) error {
	if credential.PermissionsForRole(role) == nil {
		return fmt.Errorf("unknown role %q", role)
	}

	if _, err := vc.ReadSecret(ctx, vault.SigningKeyPath()); err != nil {
		if !errors.Is(err, vault.ErrNotFound) {
			return fmt.Errorf("check signing key: %w", err)
		}
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return fmt.Errorf("generate signing key: %w", err)
		}
		_, err = vc.WriteSecret(ctx, vault.SigningKeyPath(), map[string]interface{}{
			"kid": "k1",
			"key": base64.StdEncoding.EncodeToString(key),
		})
		if err != nil {
			return fmt.Errorf("write signing key: %w", err)
		}
		fmt.Println("signing key created: kid=k1")
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("generate secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(raw)
	hash, err := credential.HashSecret(secret)
	if err != nil {
		return fmt.Errorf("hash secret: %w", err)
	}
	version, err := vc.WriteSecret(ctx, vault.CredentialPath(clientID), credential.Document(hash, role))
	if err != nil {
		return fmt.Errorf("write credential: %w", err)
	}

	fmt.Printf("client %s seeded: version=%d role=%s\n", clientID, version, role)
	fmt.Printf("client secret (store it now, it is not retrievable): %s\n", secret)
	return nil
}
