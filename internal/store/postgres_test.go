package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/synthesis-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

var runColumns = []string{"id", "input_ref", "strategy", "stages", "result_ref", "created_at", "updated_at"}

func stagesJSON(t *testing.T, run *model.AnalysisRun) []byte {
	t.Helper()
	data, err := json.Marshal(run.Stages)
	require.NoError(t, err)
	return data
}

func TestPostgresStore_Create(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	run := model.NewAnalysisRun("run-1", "run-1/input", "default", time.Now().UTC())

	mock.ExpectExec(`INSERT INTO analysis_runs`).
		WithArgs("run-1", "run-1/input", "default", "processing", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Create(context.Background(), run))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Create_Exists(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	run := model.NewAnalysisRun("run-1", "run-1/input", "default", time.Now().UTC())

	mock.ExpectExec(`INSERT INTO analysis_runs .* ON CONFLICT \(id\) DO NOTHING`).
		WithArgs("run-1", "run-1/input", "default", "processing", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err := s.Create(context.Background(), run)
	assert.True(t, errors.Is(err, ErrExists))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Read(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	run := model.NewAnalysisRun("run-1", "run-1/input", "default", created)
	ref := "run-1/bundle"

	mock.ExpectQuery(`SELECT id, input_ref, strategy, stages, result_ref, created_at, updated_at FROM analysis_runs WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows(runColumns).
			AddRow("run-1", "run-1/input", "default", stagesJSON(t, run), &ref, created, created))

	got, err := s.Read(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.ID)
	assert.Equal(t, "run-1/bundle", got.ResultRef)
	assert.Equal(t, model.RunStatusProcessing, got.Status)
	assert.Len(t, got.Stages, 5)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Read_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM analysis_runs WHERE id = \$1`).
		WithArgs("nonexistent-run").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.Read(context.Background(), "nonexistent-run")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Update(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	run := model.NewAnalysisRun("run-1", "run-1/input", "default", created)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM analysis_runs WHERE id = \$1 FOR UPDATE`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows(runColumns).
			AddRow("run-1", "run-1/input", "default", stagesJSON(t, run), (*string)(nil), created, created))
	mock.ExpectExec(`UPDATE analysis_runs SET stages = \$1, status = \$2, updated_at = \$3 WHERE id = \$4`).
		WithArgs(pgxmock.AnyArg(), "processing", pgxmock.AnyArg(), "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := s.Update(context.Background(), "run-1", model.StageChunk, model.StageProcessing, "Chunking research data")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Update_InvalidTransition(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	run := model.NewAnalysisRun("run-1", "run-1/input", "default", created)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows(runColumns).
			AddRow("run-1", "run-1/input", "default", stagesJSON(t, run), (*string)(nil), created, created))
	mock.ExpectRollback()

	err := s.Update(context.Background(), "run-1", model.StageRelate, model.StageProcessing, "too early")
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetResult_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE analysis_runs SET result_ref`).
		WithArgs("ref", pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.SetResult(context.Background(), "missing", "ref")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Save(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	data := []byte(`[]`)

	mock.ExpectExec(`INSERT INTO "artifacts" .* ON CONFLICT \("run_id", "key"\) DO UPDATE SET`).
		WithArgs("run-1", "chunk", data, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Save(context.Background(), "run-1", "chunk", data))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Save_InvalidKey(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	err := s.Save(context.Background(), "run-1", "Bad Key", nil)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Load(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT data FROM artifacts WHERE run_id = \$1 AND key = \$2`).
		WithArgs("run-1", "chunk").
		WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow([]byte(`[1]`)))
	mock.ExpectQuery(`SELECT data FROM artifacts`).
		WithArgs("run-1", "bundle").
		WillReturnError(pgx.ErrNoRows)

	got, err := s.Load(context.Background(), "run-1", "chunk")
	require.NoError(t, err)
	assert.Equal(t, []byte(`[1]`), got)

	_, err = s.Load(context.Background(), "run-1", "bundle")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Keys(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT key FROM artifacts WHERE run_id = \$1 ORDER BY key`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"key"}).AddRow("chunk").AddRow("input"))

	keys, err := s.Keys(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"chunk", "input"}, keys)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_List(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	run := model.NewAnalysisRun("run-2", "run-2/input", "anthropic", created)

	mock.ExpectQuery(`WHERE true AND status = \$1 AND strategy = \$2 ORDER BY created_at DESC, id DESC LIMIT \$3 OFFSET \$4`).
		WithArgs("processing", "anthropic", 10, 5).
		WillReturnRows(pgxmock.NewRows(runColumns).
			AddRow("run-2", "run-2/input", "anthropic", stagesJSON(t, run), (*string)(nil), created, created))

	got, err := s.List(context.Background(), RunFilter{
		Status:   model.RunStatusProcessing,
		Strategy: "anthropic",
		Limit:    10,
		Offset:   5,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "run-2", got[0].ID)
	assert.Equal(t, "anthropic", got[0].Strategy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_List_DefaultLimit(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`WHERE true ORDER BY created_at DESC, id DESC LIMIT \$1$`).
		WithArgs(DefaultListLimit).
		WillReturnRows(pgxmock.NewRows(runColumns))

	got, err := s.List(context.Background(), RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Delete(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM analysis_runs WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`DELETE FROM artifacts WHERE run_id = \$1`).
		WithArgs("run-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 6))
	mock.ExpectCommit()

	require.NoError(t, s.Delete(context.Background(), "run-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Delete_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM analysis_runs`).
		WithArgs("missing").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`DELETE FROM artifacts`).
		WithArgs("missing").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectRollback()

	err := s.Delete(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}
