// The facade binary is the vendor-facing entry point: credential
// authentication, token issuance and refresh, and the reverse proxy to the
// internal processing service.
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
	"github.com/paygrid/trustplane/internal/cache"
	"github.com/paygrid/trustplane/internal/circuitbreaker"
	"github.com/paygrid/trustplane/internal/config"
	"github.com/paygrid/trustplane/internal/credential"
	"github.com/paygrid/trustplane/internal/facade"
	"github.com/paygrid/trustplane/internal/metrics"
	"github.com/paygrid/trustplane/internal/middleware"
	"github.com/paygrid/trustplane/internal/token"
	"github.com/paygrid/trustplane/internal/vault"
)

func main() {
	configPath := flag.String("config", os.Getenv("TRUSTPLANE_CONFIG"), "path to YAML configuration")
	flag.Parse()

	godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "trustplane-facade")
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)

	// Audit fan-out: Pub/Sub when configured, otherwise in-memory only. The
	// Postgres store subscribes to whichever bus carries the events.
	var bus *audit.Bus
	var emitter audit.Emitter
	if cfg.Audit.PubSubProject != "" && cfg.Audit.PubSubTopic != "" {
		psBus, err := audit.NewPubSubBus(ctx, cfg.Audit.PubSubProject, cfg.Audit.PubSubTopic, logger)
		if err != nil {
			logger.Error("pub/sub audit bus unavailable", "error", err)
			os.Exit(1)
		}
		defer psBus.Close()
		bus, emitter = psBus.Bus, psBus
	} else {
		bus = audit.NewBus(logger)
		emitter = bus
	}

	var probes []facade.HealthProber
	if cfg.Audit.DatabaseURL != "" {
		store, err := audit.NewStore(cfg.Audit.DatabaseURL, logger)
		if err != nil {
			logger.Error("audit store unavailable", "error", err)
			os.Exit(1)
		}
		defer store.Close()
		store.Attach(bus)
		probes = append(probes, func(ctx context.Context) (string, bool, any) {
			err := store.Ping(ctx)
			return "audit_store", err == nil, map[string]any{"connected": err == nil}
		})
	}

	vaultBreaker := circuitbreaker.New(circuitbreaker.FromSettings("vault", cfg.Breakers.Vault))
	vc, err := vault.New(cfg.Vault, vaultBreaker, emitter, logger)
	if err != nil {
		logger.Error("vault client failed", "error", err)
		os.Exit(1)
	}
	defer vc.Close()
	probes = append(probes, func(ctx context.Context) (string, bool, any) {
		st := vc.Health(ctx)
		return "vault", st.Reachable && !st.Sealed, st
	})

	tc, err := cache.NewRedis(cfg.Cache, nil, logger)
	if err != nil {
		logger.Error("redis unavailable", "error", err)
		os.Exit(1)
	}
	probes = append(probes, func(ctx context.Context) (string, bool, any) {
		err := tc.Ping(ctx)
		return "cache", err == nil, map[string]any{"connected": err == nil}
	})

	engine := token.NewEngine(token.Config{
		Issuer:           cfg.Token.Issuer,
		Audience:         cfg.Token.Audience,
		AcceptedIssuers:  cfg.Token.AcceptedIssuers,
		TTL:              cfg.TokenTTL(),
		Skew:             cfg.ClockSkew(),
		RenewalEnabled:   cfg.Token.RenewalEnabled,
		RenewalThreshold: cfg.RenewalThreshold(),
	}, token.NewVaultResolver(vc, cfg.Freshness(), nil), nil)

	resolver := credential.NewResolver(vc, cfg.Freshness(), nil, logger)
	limiter := middleware.NewRateLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst, nil)
	go sweepLimiter(ctx, limiter)

	auth := facade.NewAuthenticator(engine, resolver, tc, limiter, emitter, m,
		cfg.Freshness(), nil, logger)

	downBreaker := circuitbreaker.New(circuitbreaker.FromSettings("downstream", cfg.Breakers.Downstream))
	forwarder, err := facade.NewForwarder(cfg.Upstream.ProcessorURL, auth, downBreaker, cfg.Compat, logger)
	if err != nil {
		logger.Error("forwarder target invalid", "error", err)
		os.Exit(1)
	}

	srv := facade.NewServer(auth, forwarder, engine, tc, bus, emitter, m,
		cfg.Compat, cfg.Audit.StreamEnabled, probes, logger)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // the SSE stream holds its response open
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

	logger.Info("facade listening", "port", cfg.Server.Port, "env", cfg.Server.Env)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("facade stopped")
}

// sweepLimiter prunes idle rate-limit windows so the map does not grow with
// every client id ever seen.
func sweepLimiter(ctx context.Context, limiter *middleware.RateLimiter) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Sweep()
		}
	}
}
