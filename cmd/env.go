package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/synthesis-cli/internal/pipeline"
	"github.com/sells-group/synthesis-cli/internal/store"
	"github.com/sells-group/synthesis-cli/internal/strategy"
)

// analysisEnv holds the store, strategy selector and orchestrator needed by
// the analyze/serve/worker commands.
type analysisEnv struct {
	Store        store.Store
	Selector     *strategy.Selector
	Orchestrator *pipeline.Orchestrator
}

// Close waits for background runs and releases the store.
func (e *analysisEnv) Close() {
	if e.Orchestrator != nil {
		e.Orchestrator.Wait()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initAnalysis validates config for mode, opens the store and builds the
// orchestrator. Callers should defer env.Close().
func initAnalysis(ctx context.Context, mode string) (*analysisEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	sel := strategy.NewSelector(cfg)
	o, err := pipeline.New(cfg, st, sel)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "init orchestrator")
	}

	return &analysisEnv{Store: st, Selector: sel, Orchestrator: o}, nil
}

// initStore opens and migrates the configured store.
func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	return st, nil
}
