package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/synthesis-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection: SQLite has a single writer, and ":memory:" databases
	// are per connection.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS analysis_runs (
	id         TEXT PRIMARY KEY,
	input_ref  TEXT NOT NULL,
	strategy   TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'processing',
	stages     TEXT NOT NULL,
	result_ref TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS artifacts (
	run_id     TEXT NOT NULL,
	key        TEXT NOT NULL,
	data       BLOB NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (run_id, key)
);

CREATE INDEX IF NOT EXISTS idx_analysis_runs_status ON analysis_runs(status);
CREATE INDEX IF NOT EXISTS idx_analysis_runs_strategy ON analysis_runs(strategy);
CREATE INDEX IF NOT EXISTS idx_analysis_runs_created_at ON analysis_runs(created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, run *model.AnalysisRun) error {
	stagesJSON, err := json.Marshal(run.Stages)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal stages")
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO analysis_runs (id, input_ref, strategy, status, stages, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		run.ID, run.InputRef, run.Strategy, string(run.DeriveStatus()), string(stagesJSON), run.CreatedAt.UTC(), run.UpdatedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert run %s", run.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(ErrExists, "sqlite: %s", run.ID)
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, runID string, stage model.StageName, status model.StageState, message string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin update")
	}
	defer tx.Rollback() //nolint:errcheck

	run, err := scanRun(tx.QueryRowContext(ctx, selectRunSQL+` WHERE id = ?`, runID))
	if err != nil {
		return err
	}
	if err := applyUpdate(run, stage, status, message, now()); err != nil {
		return err
	}
	stagesJSON, err := json.Marshal(run.Stages)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal stages")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE analysis_runs SET stages = ?, status = ?, updated_at = ? WHERE id = ?`,
		string(stagesJSON), string(run.Status), run.UpdatedAt, runID,
	); err != nil {
		return eris.Wrapf(err, "sqlite: update run %s", runID)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit update")
}

func (s *SQLiteStore) SetResult(ctx context.Context, runID, ref string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE analysis_runs SET result_ref = ?, updated_at = ? WHERE id = ?`,
		ref, now(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set result %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) Read(ctx context.Context, runID string) (*model.AnalysisRun, error) {
	return scanRun(s.db.QueryRowContext(ctx, selectRunSQL+` WHERE id = ?`, runID))
}

func (s *SQLiteStore) Save(ctx context.Context, runID, key string, data []byte) error {
	if err := validateKey(runID, key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (run_id, key, data, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(run_id, key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		runID, key, data, now(),
	)
	return eris.Wrapf(err, "sqlite: save %s/%s", runID, key)
}

func (s *SQLiteStore) Load(ctx context.Context, runID, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM artifacts WHERE run_id = ? AND key = ?`, runID, key,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: %s/%s", runID, key)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load %s/%s", runID, key)
	}
	return data, nil
}

func (s *SQLiteStore) Keys(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM artifacts WHERE run_id = ? ORDER BY key`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: keys %s", runID)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan key")
		}
		keys = append(keys, k)
	}
	return keys, eris.Wrap(rows.Err(), "sqlite: keys iterate")
}

func (s *SQLiteStore) List(ctx context.Context, filter RunFilter) ([]model.RunSummary, error) {
	query := selectRunSQL + ` WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Strategy != "" {
		query += ` AND strategy = ?`
		args = append(args, filter.Strategy)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, filter.limit())

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	out := []model.RunSummary{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run.Summarize())
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) Delete(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin delete")
	}
	defer tx.Rollback() //nolint:errcheck

	runs, err := tx.ExecContext(ctx, `DELETE FROM analysis_runs WHERE id = ?`, runID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete run %s", runID)
	}
	arts, err := tx.ExecContext(ctx, `DELETE FROM artifacts WHERE run_id = ?`, runID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete artifacts %s", runID)
	}
	nRuns, _ := runs.RowsAffected()
	nArts, _ := arts.RowsAffected()
	if nRuns+nArts == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: run %s", runID)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit delete")
}

// helpers

const selectRunSQL = `SELECT id, input_ref, strategy, stages, result_ref, created_at, updated_at FROM analysis_runs`

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.AnalysisRun, error) {
	var r model.AnalysisRun
	var stagesJSON string
	var resultRef sql.NullString
	var createdAt, updatedAt time.Time

	err := row.Scan(&r.ID, &r.InputRef, &r.Strategy, &stagesJSON, &resultRef, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "sqlite: run")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	if err := json.Unmarshal([]byte(stagesJSON), &r.Stages); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal stages")
	}
	r.ResultRef = resultRef.String
	r.CreatedAt = createdAt.UTC()
	r.UpdatedAt = updatedAt.UTC()
	r.Status = r.DeriveStatus()
	return &r, nil
}
