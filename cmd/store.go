package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/roll-cli/internal/config"
	"github.com/sells-group/roll-cli/internal/mapping"
	"github.com/sells-group/roll-cli/internal/store"
)

// loadCodes returns the built-in code tables merged with mapping.file.
func loadCodes() (*mapping.Table, error) {
	codes, err := mapping.Load(cfg.Mapping.File)
	if err != nil {
		return nil, eris.Wrap(err, "load code tables")
	}
	return codes, nil
}

// initStore opens the configured store. poolCfg only applies to Postgres.
func initStore(ctx context.Context, codes *mapping.Table, poolCfg *store.PoolConfig) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverSQLite:
		st, err := store.NewSQLite(cfg.Store.DatabaseURL, cfg.Tables)
		if err != nil {
			return nil, err
		}
		return st.WithCodes(codes), nil
	case config.DriverPostgres:
		st, err := store.NewPostgres(ctx, cfg.DSN(), cfg.Tables, poolCfg)
		if err != nil {
			return nil, err
		}
		return st.WithCodes(codes), nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openConfigured validates the store and table settings, then opens the
// store with the configured code tables.
func openConfigured(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate(config.ScopeStore, config.ScopeTables); err != nil {
		return nil, err
	}
	codes, err := loadCodes()
	if err != nil {
		return nil, err
	}
	return initStore(ctx, codes, nil)
}
