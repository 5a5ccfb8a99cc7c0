package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/disputekit/tiergate/internal/cache"
	"github.com/disputekit/tiergate/internal/checkout"
	"github.com/disputekit/tiergate/internal/config"
	"github.com/disputekit/tiergate/internal/logging"
	"github.com/disputekit/tiergate/internal/metrics"
	"github.com/disputekit/tiergate/internal/remote"
	"github.com/disputekit/tiergate/internal/resolver"
)

// app bundles one resolver and the store it owns for the duration of a
// command.
type app struct {
	cfg      *config.Config
	store    cache.Store
	resolver *resolver.Resolver
}

func openApp(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.envFile)
	if err != nil {
		return nil, err
	}
	if opts.metricsAddr != "" {
		cfg.MetricsAddr = opts.metricsAddr
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "tierctl",
		Output:    os.Stderr,
	})

	store, err := cache.Open(ctx, cfg.CacheOptions())
	if err != nil {
		return nil, fmt.Errorf("open %s cache: %w", cfg.CacheBackend, err)
	}

	deps := resolver.Deps{
		Store:    store,
		Identity: cfg.Identity,
		Observer: metrics.NewObserver(),
	}
	if cfg.SignedIn() {
		client, err := remote.NewClient(remote.Options{
			BaseURL:         cfg.BaseURL,
			EntitlementPath: cfg.EntitlementPath,
			SyncPath:        cfg.SyncPath,
			UsagePath:       cfg.UsagePath,
			Token:           cfg.SessionToken,
			HTTPClient:      remote.NewHTTPClient(cfg.HTTPTimeout),
		})
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		syncer, err := checkout.NewStripeVerifier(cfg.StripeAPIKey, client)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		deps.Source = client
		deps.Syncer = syncer
		deps.Usage = client
	}

	res, err := resolver.New(cfg.ResolverConfig(), deps)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	log.Debug().
		Str("backend", cfg.CacheBackend).
		Bool("signed_in", cfg.SignedIn()).
		Msg("Entitlement resolver ready")
	return &app{cfg: cfg, store: store, resolver: res}, nil
}

func (a *app) Close() error {
	return errors.Join(a.resolver.Close(), a.store.Close())
}
