package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/giantswarm/oauth-grants/instrumentation"
	"github.com/giantswarm/oauth-grants/security"
	"github.com/giantswarm/oauth-grants/server"
	"github.com/giantswarm/oauth-grants/signer"
	"github.com/giantswarm/oauth-grants/storage"
	"github.com/giantswarm/oauth-grants/storage/cached"
	"github.com/giantswarm/oauth-grants/storage/memory"
	"github.com/giantswarm/oauth-grants/storage/postgres"
	"github.com/giantswarm/oauth-grants/storage/valkey"
)

// backend is a store that holds both authorizations and clients
type backend interface {
	storage.AuthorizationStore
	storage.ClientStore
}

// app is the engine wired from a Config for the duration of one command
type app struct {
	cfg      *Config
	logger   *slog.Logger
	store    backend
	postgres *postgres.Store
	srv      *server.Server
	inst     *instrumentation.Instrumentation
	metrics  *http.Server
	closers  []func()
}

func newApp(ctx context.Context, cfg *Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	instCfg := instrumentation.Config{ServiceName: "grantctl"}
	if cfg.Metrics.Address != "" {
		instCfg.Enabled = true
		instCfg.MetricsExporter = instrumentation.MetricsExporterPrometheus
	}
	a.inst, err = instrumentation.New(instCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
	}

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	now := time.Now()
	for _, cc := range cfg.Clients {
		client, err := cc.toClient(now)
		if err != nil {
			return nil, err
		}
		if err := a.store.SaveClient(ctx, client); err != nil {
			return nil, fmt.Errorf("failed to register client %s: %w", cc.ClientID, err)
		}
	}

	registry := cached.New(a.store, cached.Config{
		TTL:         cfg.Registry.CacheTTL,
		NegativeTTL: cfg.Registry.NegativeCacheTTL,
		Logger:      logger,
	})
	registry.SetInstrumentation(a.inst)

	tokenSigner, err := loadSigner(cfg.Signing)
	if err != nil {
		return nil, err
	}

	serverConfig := cfg.Server
	a.srv, err = server.New(a.store, registry, tokenSigner, &serverConfig, logger)
	if err != nil {
		return nil, err
	}

	auditor := security.NewAuditor(logger, true)
	auditor.SetInstrumentation(a.inst)
	a.srv.SetAuditor(auditor)
	a.srv.SetInstrumentation(a.inst)

	pacer := security.NewPollRateLimiter(0, logger)
	a.closers = append(a.closers, pacer.Stop)
	a.srv.SetPollPacer(pacer)

	limiter := security.NewClientAuthLimiter(logger)
	a.closers = append(a.closers, limiter.Stop)
	a.srv.SetAuthLimiter(limiter)

	if handler := a.inst.MetricsHandler(); handler != nil {
		a.serveMetrics(handler)
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	var enc *security.Encryptor
	if a.cfg.Storage.EncryptionKey != "" {
		key, err := security.KeyFromBase64(a.cfg.Storage.EncryptionKey)
		if err != nil {
			return fmt.Errorf("invalid storage.encryption_key: %w", err)
		}
		if enc, err = security.NewEncryptor(key); err != nil {
			return err
		}
	}

	switch a.cfg.Storage.Driver {
	case driverMemory:
		s := memory.New()
		s.SetLogger(a.logger)
		s.SetInstrumentation(a.inst)
		if a.cfg.Storage.Retention > 0 {
			s.SetRetention(a.cfg.Storage.Retention)
		}
		a.closers = append(a.closers, s.Stop)
		a.store = s

	case driverValkey:
		vc := a.cfg.Storage.Valkey
		s, err := valkey.New(valkey.Config{
			Address:   vc.Address,
			Password:  vc.Password,
			DB:        vc.DB,
			KeyPrefix: vc.KeyPrefix,
			Logger:    a.logger,
			Retention: a.cfg.Storage.Retention,
		})
		if err != nil {
			return err
		}
		s.SetInstrumentation(a.inst)
		if enc != nil {
			s.SetEncryptor(enc)
		}
		a.closers = append(a.closers, s.Close)
		a.store = s

	case driverPostgres:
		pc := a.cfg.Storage.Postgres
		s, err := postgres.New(ctx, postgres.Config{
			DSN:             pc.DSN,
			MaxConns:        pc.MaxConns,
			MaxConnLifetime: pc.MaxConnLifetime,
			Logger:          a.logger,
		})
		if err != nil {
			return err
		}
		s.SetInstrumentation(a.inst)
		if enc != nil {
			s.SetEncryptor(enc)
		}
		a.closers = append(a.closers, s.Close)
		a.store = s
		a.postgres = s

	default:
		return fmt.Errorf("unknown storage driver %q", a.cfg.Storage.Driver)
	}
	return nil
}

func (a *app) serveMetrics(handler http.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	a.metrics = &http.Server{
		Addr:              a.cfg.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("Prometheus metrics endpoint enabled", "addr", a.cfg.Metrics.Address)
		if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server error", "error", err)
		}
	}()
}

// Close releases everything newApp opened, in reverse order
func (a *app) Close(ctx context.Context) {
	if a.metrics != nil {
		if err := a.metrics.Shutdown(ctx); err != nil {
			a.logger.Error("Metrics server shutdown error", "error", err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	if a.inst != nil {
		if err := a.inst.Shutdown(ctx); err != nil {
			a.logger.Error("Instrumentation shutdown error", "error", err)
		}
	}
}

func loadSigner(cfg SigningConfig) (signer.Signer, error) {
	switch cfg.Algorithm {
	case algHMAC:
		return signer.NewHMACSigner(cfg.KeyID, []byte(cfg.Secret))
	case algEd25519, algRS256:
		data, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read signing key: %w", err)
		}
		if cfg.Algorithm == algRS256 {
			key, err := signer.ParseRSAPrivateKeyPEM(data)
			if err != nil {
				return nil, err
			}
			return signer.NewRSASigner(cfg.KeyID, key)
		}
		key, err := signer.ParseEd25519PrivateKeyPEM(data)
		if err != nil {
			return nil, err
		}
		return signer.NewEd25519Signer(cfg.KeyID, key)
	default:
		return nil, fmt.Errorf("unknown signing algorithm %q", cfg.Algorithm)
	}
}
