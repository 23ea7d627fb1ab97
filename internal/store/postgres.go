package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/synthesis-cli/internal/db"
	"github.com/sells-group/synthesis-cli/internal/model"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

var saveArtifactSQL = mustUpsert(db.UpsertConfig{
	Table:        "artifacts",
	Columns:      []string{"run_id", "key", "data", "updated_at"},
	ConflictKeys: []string{"run_id", "key"},
})

func mustUpsert(cfg db.UpsertConfig) string {
	q, err := db.UpsertSQL(cfg)
	if err != nil {
		panic(err)
	}
	return q
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return eris.Wrap(db.Migrate(ctx, s.pool, migrationFS, "migrations"), "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, run *model.AnalysisRun) error {
	stagesJSON, err := json.Marshal(run.Stages)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal stages")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO analysis_runs (id, input_ref, strategy, status, stages, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (id) DO NOTHING`,
		run.ID, run.InputRef, run.Strategy, string(run.DeriveStatus()), stagesJSON, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert run %s", run.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrExists, "postgres: %s", run.ID)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, runID string, stage model.StageName, status model.StageState, message string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin update")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	run, err := scanPgRun(tx.QueryRow(ctx, selectRunSQL+` WHERE id = $1 FOR UPDATE`, runID))
	if err != nil {
		return err
	}
	if err := applyUpdate(run, stage, status, message, now()); err != nil {
		return err
	}
	stagesJSON, err := json.Marshal(run.Stages)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal stages")
	}
	if _, err := tx.Exec(ctx,
		`UPDATE analysis_runs SET stages = $1, status = $2, updated_at = $3 WHERE id = $4`,
		stagesJSON, string(run.Status), run.UpdatedAt, runID,
	); err != nil {
		return eris.Wrapf(err, "postgres: update run %s", runID)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit update")
}

func (s *PostgresStore) SetResult(ctx context.Context, runID, ref string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE analysis_runs SET result_ref = $1, updated_at = $2 WHERE id = $3`,
		ref, now(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set result %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: run %s", runID)
	}
	return nil
}

func (s *PostgresStore) Read(ctx context.Context, runID string) (*model.AnalysisRun, error) {
	return scanPgRun(s.pool.QueryRow(ctx, selectRunSQL+` WHERE id = $1`, runID))
}

func (s *PostgresStore) Save(ctx context.Context, runID, key string, data []byte) error {
	if err := validateKey(runID, key); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, saveArtifactSQL, runID, key, data, now())
	return eris.Wrapf(err, "postgres: save %s/%s", runID, key)
}

func (s *PostgresStore) Load(ctx context.Context, runID, key string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM artifacts WHERE run_id = $1 AND key = $2`, runID, key,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: %s/%s", runID, key)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load %s/%s", runID, key)
	}
	return data, nil
}

func (s *PostgresStore) Keys(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key FROM artifacts WHERE run_id = $1 ORDER BY key`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: keys %s", runID)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, eris.Wrap(err, "postgres: scan key")
		}
		keys = append(keys, k)
	}
	return keys, eris.Wrap(rows.Err(), "postgres: keys iterate")
}

func (s *PostgresStore) List(ctx context.Context, filter RunFilter) ([]model.RunSummary, error) {
	query := selectRunSQL + ` WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Strategy != "" {
		query += fmt.Sprintf(` AND strategy = $%d`, argIdx)
		args = append(args, filter.Strategy)
		argIdx++
	}
	query += ` ORDER BY created_at DESC, id DESC`

	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, filter.limit())
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	out := []model.RunSummary{}
	for rows.Next() {
		run, err := scanPgRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run.Summarize())
	}
	return out, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) Delete(ctx context.Context, runID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin delete")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	runs, err := tx.Exec(ctx, `DELETE FROM analysis_runs WHERE id = $1`, runID)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete run %s", runID)
	}
	arts, err := tx.Exec(ctx, `DELETE FROM artifacts WHERE run_id = $1`, runID)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete artifacts %s", runID)
	}
	if runs.RowsAffected()+arts.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: run %s", runID)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit delete")
}

func scanPgRun(row pgx.Row) (*model.AnalysisRun, error) {
	var r model.AnalysisRun
	var stagesJSON []byte
	var resultRef *string

	err := row.Scan(&r.ID, &r.InputRef, &r.Strategy, &stagesJSON, &resultRef, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "postgres: run")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan run")
	}
	if err := json.Unmarshal(stagesJSON, &r.Stages); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal stages")
	}
	if resultRef != nil {
		r.ResultRef = *resultRef
	}
	r.Status = r.DeriveStatus()
	return &r, nil
}
