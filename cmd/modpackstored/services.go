package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/yanquisalexander/modpackstore/pkg/access"
	"github.com/yanquisalexander/modpackstore/pkg/api"
	"github.com/yanquisalexander/modpackstore/pkg/auth"
	"github.com/yanquisalexander/modpackstore/pkg/blob"
	"github.com/yanquisalexander/modpackstore/pkg/catalog"
	"github.com/yanquisalexander/modpackstore/pkg/config"
	"github.com/yanquisalexander/modpackstore/pkg/importer"
	"github.com/yanquisalexander/modpackstore/pkg/modclient"
	"github.com/yanquisalexander/modpackstore/pkg/observability"
	"github.com/yanquisalexander/modpackstore/pkg/payment"
	"github.com/yanquisalexander/modpackstore/pkg/perm"
	"github.com/yanquisalexander/modpackstore/pkg/wallet"
)

// Services holds every initialized subsystem of the server.
type Services struct {
	Config  *config.Config
	Tracing *observability.Tracing
	Metrics *observability.Metrics

	Store    *catalog.Store
	Perms    *perm.Engine
	Catalog  *catalog.Service
	Blobs    *blob.Store
	Sweeper  *blob.Sweeper
	Mods     *modclient.Client
	Importer *importer.Importer
	Payments *payment.Orchestrator
	Wallets  *wallet.Service
	Access   *access.Resolver
	Verifier *auth.Verifier

	Server *api.Server
}

// NewServices wires the subsystems bottom-up: storage first, then the
// domain services, then the HTTP surface.
func NewServices(ctx context.Context, cfg *config.Config, db *sql.DB, log *slog.Logger) (*Services, error) {
	s := &Services{Config: cfg}

	tracing, err := observability.NewTracing(ctx, cfg.OTLPEndpoint, version, log)
	if err != nil {
		return nil, err
	}
	s.Tracing = tracing
	s.Metrics = observability.NewMetrics()

	s.Store = catalog.NewStore(db)
	s.Perms = perm.NewEngine(s.Store, cfg.MembershipCacheTTL)
	s.Catalog = catalog.NewService(s.Store, s.Perms, log)
	log.Info("subsystem ready", "component", "catalog")

	s.Blobs, err = blob.NewStore(cfg.ObjectRoot)
	if err != nil {
		return nil, fmt.Errorf("blob store: %w", err)
	}
	s.Sweeper = blob.NewSweeper(s.Blobs, s.Store, cfg.GCGrace, log)
	log.Info("subsystem ready", "component", "blob store", "root", cfg.ObjectRoot)

	s.Mods = modclient.New(modclient.Options{
		BaseURL:           cfg.ModCatalogBaseURL,
		APIKey:            cfg.ModCatalogAPIKey,
		RequestsPerSecond: cfg.ModCatalogRate,
	})
	s.Importer = importer.New(s.Blobs, s.Mods, s.Store, s.Perms, log, importer.Config{
		DefaultParallelism: cfg.ParallelDownloadDefault,
		WallClockMax:       cfg.ImportWallClockMax,
	})
	log.Info("subsystem ready", "component", "importer")

	commission, err := cfg.Commission()
	if err != nil {
		return nil, err
	}
	registry := payment.NewRegistry(
		payment.NewGatewayA(payment.ConfigA{
			ClientID:      cfg.GatewayAClientID,
			ClientSecret:  cfg.GatewayASecret,
			BaseURL:       cfg.GatewayABaseURL,
			WebhookSecret: cfg.WebhookSigningSecretA,
		}),
		payment.NewGatewayB(payment.ConfigB{
			AccessToken:   cfg.GatewayBAccessToken,
			BaseURL:       cfg.GatewayBBaseURL,
			WebhookSecret: cfg.WebhookSigningSecretB,
		}),
		cfg.GatewayBRegions)
	s.Payments = payment.NewOrchestrator(db, payment.NewStore(db), s.Store, registry, commission, log)
	log.Info("subsystem ready", "component", "payments")

	minWithdrawal, err := cfg.MinWithdrawal()
	if err != nil {
		return nil, err
	}
	s.Wallets = wallet.New(db, s.Perms, s.Store, minWithdrawal, log)

	s.Access = access.NewResolverTTL(s.Store, s.Perms, nil, cfg.AccessCacheTTL, log)
	// Both grant paths flush the cached access decision so a fresh
	// purchase or revocation is visible immediately.
	s.Catalog.OnAcquisitionChange(s.Access.Invalidate)
	s.Payments.SetListener(func(ev payment.GrantEvent) {
		s.Access.Invalidate(ev.UserID, ev.ModpackID)
	})
	log.Info("subsystem ready", "component", "access resolver")

	s.Verifier = auth.NewVerifier(cfg.AuthSigningSecret, s.Store, log)

	var replay api.ReplayStore
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis url: %w", err)
		}
		replay = api.NewRedisReplayStore(redis.NewClient(opts))
		log.Info("subsystem ready", "component", "idempotency store", "backend", "redis")
	} else {
		replay = api.NewMemoryReplayStore()
		log.Info("subsystem ready", "component", "idempotency store", "backend", "memory")
	}

	s.Server = api.NewServer(api.Options{
		Log:      log,
		Metrics:  s.Metrics,
		Verifier: s.Verifier,
		Catalog:  s.Catalog,
		Importer: s.Importer,
		Payments: s.Payments,
		Wallets:  s.Wallets,
		Access:   s.Access,
		Blobs:    s.Blobs,
		Replay:   replay,
	})
	return s, nil
}
