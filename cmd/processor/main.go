// The processor binary is the internal payment-processing service. It
// re-verifies every token against the shared signing key and renews
// near-expiry tokens through the façade as a side effect of use.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/paygrid/trustplane/internal/audit"
	"github.com/paygrid/trustplane/internal/circuitbreaker"
	"github.com/paygrid/trustplane/internal/config"
	"github.com/paygrid/trustplane/internal/metrics"
	"github.com/paygrid/trustplane/internal/processor"
	"github.com/paygrid/trustplane/internal/token"
	"github.com/paygrid/trustplane/internal/vault"
)

func main() {
	configPath := flag.String("config", os.Getenv("TRUSTPLANE_CONFIG"), "path to YAML configuration")
	flag.Parse()

	godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "trustplane-processor")
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)
	bus := audit.NewBus(logger)

	// The processor reads only the signing key from vault; credentials and
	// rotation state stay out of its reach.
	vaultBreaker := circuitbreaker.New(circuitbreaker.FromSettings("vault", cfg.Breakers.Vault))
	vc, err := vault.New(cfg.Vault, vaultBreaker, bus, logger)
	if err != nil {
		logger.Error("vault client failed", "error", err)
		os.Exit(1)
	}
	defer vc.Close()

	engine := token.NewEngine(token.Config{
		Issuer:           cfg.Token.Issuer,
		Audience:         cfg.Token.Audience,
		AcceptedIssuers:  cfg.Token.AcceptedIssuers,
		TTL:              cfg.TokenTTL(),
		Skew:             cfg.ClockSkew(),
		RenewalEnabled:   cfg.Token.RenewalEnabled,
		RenewalThreshold: cfg.RenewalThreshold(),
	}, token.NewVaultResolver(vc, cfg.Freshness(), nil), nil)

	var renewer processor.Renewer
	if cfg.Token.RenewalEnabled && cfg.Upstream.FacadeURL != "" {
		renewer = processor.NewFacadeRenewer(cfg.Upstream.FacadeURL, nil)
	}

	validator := processor.NewValidator(engine, renewer, bus, m, logger)
	srv := processor.NewServer(validator, engine, renewer, m, logger)

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

	logger.Info("processor listening", "port", cfg.Server.Port, "env", cfg.Server.Env)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("processor stopped")
}
