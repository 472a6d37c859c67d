package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/portal-connector/internal/db"
	"github.com/sells-group/portal-connector/internal/ingest"
	"github.com/sells-group/portal-connector/internal/monitoring"
	"github.com/sells-group/portal-connector/internal/phone"
	"github.com/sells-group/portal-connector/internal/relay"
	"github.com/sells-group/portal-connector/internal/resilience"
	"github.com/sells-group/portal-connector/internal/scrape"
	"github.com/sells-group/portal-connector/internal/store"
	"github.com/sells-group/portal-connector/pkg/browseruse"
	"github.com/sells-group/portal-connector/pkg/github"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "portal.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, db.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// app holds the wired services for a command.
type app struct {
	store      store.Store
	orch       *scrape.Orchestrator
	ingest     *ingest.Service
	reconciler *ingest.Reconciler
	relay      *relay.Relay        // nil unless the store is postgres
	dispatcher *relay.Dispatcher   // nil unless dispatch is enabled
	checker    *monitoring.Checker // nil unless monitoring is enabled
}

// initApp validates the config for mode, opens and migrates the store, and
// wires the services.
func initApp(ctx context.Context, mode string) (*app, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}

	breakers := resilience.NewServiceBreakers(
		resilience.NewCircuitBreakerConfig(cfg.Circuit.FailureThreshold, cfg.Circuit.ResetTimeout))
	bu := browseruse.NewClient(cfg.BrowserUse.Key, browseruse.WithBaseURL(cfg.BrowserUse.BaseURL))
	orch := scrape.New(bu, st, breakers, scrape.Config{
		PollInitial:     cfg.Scrape.PollInitial,
		PollCap:         cfg.Scrape.PollCap,
		PollTimeout:     cfg.Scrape.PollTimeout,
		SaveBrowserData: cfg.BrowserUse.SaveBrowserData,
		Retry:           resilience.NewRetryConfig(cfg.Retry.MaxAttempts, cfg.Retry.InitialBackoff, cfg.Retry.MaxBackoff),
	})
	svc := ingest.NewService(st, orch, phone.New(cfg.Phone.DefaultCountryCode))

	a := &app{
		store:  st,
		orch:   orch,
		ingest: svc,
		reconciler: ingest.NewReconciler(svc, orch, ingest.ReconcileConfig{
			Grace: cfg.Reconcile.Grace,
			Limit: cfg.Reconcile.Limit,
		}),
	}

	if cfg.Monitoring.Enabled {
		a.checker = monitoring.NewChecker(
			monitoring.NewCollector(st),
			monitoring.NewAlerter(cfg.Monitoring),
			cfg.Monitoring,
		)
	}

	if pg, ok := st.(*store.PostgresStore); ok {
		rs := relay.NewPostgresStore(pg.Pool())
		a.relay = relay.New(rs)
		if cfg.GitHub.Repository != "" {
			if err := rs.SetRepository(ctx, cfg.GitHub.Repository); err != nil {
				a.Close()
				return nil, err
			}
		}
		if cfg.DispatchEnabled() {
			gh := github.NewClient(cfg.GitHub.Token,
				github.WithBaseURL(cfg.GitHub.BaseURL),
				github.WithRateLimit(cfg.GitHub.RateLimit, max(cfg.GitHub.DispatchConcurrency, 1)),
			)
			a.dispatcher = relay.NewDispatcher(rs, gh, relay.DispatchConfig{
				Batch:       cfg.GitHub.DispatchBatch,
				Concurrency: cfg.GitHub.DispatchConcurrency,
				MaxAttempts: cfg.GitHub.MaxAttempts,
			})
		}
	}

	zap.L().Debug("app initialized",
		zap.String("mode", mode),
		zap.String("store", cfg.Store.Driver),
		zap.Bool("relay", a.relay != nil),
		zap.Bool("dispatch", a.dispatcher != nil),
		zap.Bool("monitoring", a.checker != nil),
	)
	return a, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}
