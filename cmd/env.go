package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/dredd-labs/modelmarket/internal/market"
	"github.com/dredd-labs/modelmarket/internal/monitoring"
	"github.com/dredd-labs/modelmarket/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "modelmarket.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// marketEnv bundles the wired market with its store and telemetry.
type marketEnv struct {
	store    store.Store
	market   *market.Market
	recorder *monitoring.Recorder
}

func (e *marketEnv) Close() {
	_ = e.store.Close()
}

// initMarket opens the store, migrates it, and wires the market from
// config.
func initMarket(ctx context.Context) (*marketEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	recorder := monitoring.NewRecorder()
	m, err := market.FromConfig(cfg, st, recorder)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &marketEnv{store: st, market: m, recorder: recorder}, nil
}
