package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/fieldsight/pattern-cli/internal/config"
	"github.com/fieldsight/pattern-cli/internal/db"
	"github.com/fieldsight/pattern-cli/internal/engine"
	"github.com/fieldsight/pattern-cli/internal/pattern"
	"github.com/fieldsight/pattern-cli/internal/report"
	"github.com/fieldsight/pattern-cli/pkg/narrative"
)

// env bundles the stores a command operates on. Both stores share one
// database connection.
type env struct {
	patterns pattern.Store
	reports  report.Store
	close    func()
}

func (e *env) Close() {
	if e.close != nil {
		e.close()
	}
}

func initEnv(ctx context.Context) (*env, error) {
	switch cfg.Store.Driver {
	case "postgres":
		pool, err := db.NewPool(ctx, cfg.Store.DatabaseURL, &cfg.Store.Pool)
		if err != nil {
			return nil, err
		}
		return &env{
			patterns: pattern.NewPostgresStore(pool),
			reports:  report.NewPostgresStore(pool),
			close:    pool.Close,
		}, nil
	case "sqlite":
		st, err := pattern.NewSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &env{
			patterns: st,
			reports:  report.NewSQLiteStore(st.DB()),
			close:    func() { _ = st.Close() },
		}, nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initGenerator builds the narrative generator, or nil when no API key is
// configured so insights fall back to deterministic text.
func initGenerator() narrative.Generator {
	if cfg.Anthropic.Key == "" {
		return nil
	}
	return narrative.NewClient(cfg.Anthropic.Key, cfg.Anthropic.Model, cfg.Anthropic.RequestsPerMin)
}

// detectParams resolves the effective detector parameters, applying any
// tuning-file overrides.
func detectParams() (engine.Params, error) {
	tuning, err := config.LoadTuning(cfg.Detect.TuningFile)
	if err != nil {
		return engine.Params{}, err
	}
	return engine.ResolveParams(cfg.Detect, tuning), nil
}
