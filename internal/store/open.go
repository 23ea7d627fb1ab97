package store

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/synthesis-cli/internal/config"
)

// Open builds the Store named by cfg.Driver and runs its migrations.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	var (
		st  Store
		err error
	)
	switch cfg.Driver {
	case "memory":
		st = NewMemory()
	case "file":
		st = NewOSFile(cfg.Dir)
	case "sqlite":
		dsn := cfg.DatabaseURL
		if dsn == "" {
			dsn = filepath.Join(cfg.Dir, "synthesis.db")
		}
		if !strings.HasPrefix(dsn, ":memory:") && !strings.HasPrefix(dsn, "file:") {
			if err := NewOSFile(filepath.Dir(dsn)).Migrate(ctx); err != nil {
				return nil, err
			}
		}
		st, err = NewSQLite(dsn)
	case "postgres":
		st, err = NewPostgres(ctx, cfg.DatabaseURL, &PoolConfig{MaxConns: cfg.MaxConns, MinConns: cfg.MinConns})
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}
