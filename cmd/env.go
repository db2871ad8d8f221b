package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/grassroots-hq/decision-engine/internal/brain"
	"github.com/grassroots-hq/decision-engine/internal/budget"
	"github.com/grassroots-hq/decision-engine/internal/cache"
	"github.com/grassroots-hq/decision-engine/internal/grading"
	"github.com/grassroots-hq/decision-engine/internal/metrics"
	"github.com/grassroots-hq/decision-engine/internal/resilience"
	"github.com/grassroots-hq/decision-engine/internal/scope"
	"github.com/grassroots-hq/decision-engine/internal/store"
	"github.com/grassroots-hq/decision-engine/internal/waterfall"
	"github.com/grassroots-hq/decision-engine/internal/waterfall/source"
)

// engineEnv holds the wired engine components for a command invocation.
type engineEnv struct {
	Store   store.Store
	Grading *grading.Engine
	Ledger  *budget.Ledger
	Cache   *cache.Cache
	Runner  *waterfall.Runner
	Brain   *brain.Brain
	Metrics *metrics.Metrics
}

func (e *engineEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "engine.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		if err := cfg.Validate("store"); err != nil {
			return nil, err
		}
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEnv wires the full engine. Commands that only need the store use
// initStore directly.
func initEnv(ctx context.Context) (*engineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	resolver := scope.NewResolver(cfg.Scope)
	eng := grading.New(st, resolver)
	ledger := budget.NewLedger(st, cfg.Budget, m)
	artifacts := cache.New(st, cfg.Cache, m)

	cascade, err := waterfall.LoadConfig(cfg.Waterfall.ConfigPath)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	retry := resilience.FromRetryConfig(
		cfg.Waterfall.RetryMaxAttempts,
		cfg.Waterfall.RetryInitialBackoffMs,
		cfg.Waterfall.RetryMaxBackoffMs)
	breakers := resilience.NewServiceBreakers(resilience.FromCircuitConfig(
		cfg.Waterfall.BreakerFailures,
		cfg.Waterfall.BreakerResetSecs))

	registry := source.NewRegistry()
	registry.Register(source.NewInternalMatch(st))
	for id, endpoint := range cfg.Waterfall.Sources {
		adapter := source.NewHTTPAdapter(source.HTTPAdapterOptions{
			ID:       id,
			URL:      endpoint.URL,
			APIKey:   endpoint.APIKey,
			RatePerS: cfg.Waterfall.SourceRatePerS,
			Burst:    cfg.Waterfall.SourceBurst,
			Retry:    &retry,
			Breaker:  breakers.Get(id),
		})
		// External lookups cost money; the internal match does not.
		registry.Register(source.WithCache(adapter, artifacts))
	}
	runner := waterfall.NewRunner(cascade, registry, st, m, cfg.Waterfall)

	return &engineEnv{
		Store:   st,
		Grading: eng,
		Ledger:  ledger,
		Cache:   artifacts,
		Runner:  runner,
		Brain:   brain.New(st, eng, ledger, nil, m),
		Metrics: m,
	}, nil
}
