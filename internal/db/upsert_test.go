package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertSQL(t *testing.T) {
	got, err := UpsertSQL(UpsertConfig{
		Table:        "artifacts",
		Columns:      []string{"run_id", "key", "data", "updated_at"},
		ConflictKeys: []string{"run_id", "key"},
	})
	require.NoError(t, err)
	assert.Equal(t,
		`INSERT INTO "artifacts" ("run_id", "key", "data", "updated_at") VALUES ($1, $2, $3, $4) `+
			`ON CONFLICT ("run_id", "key") DO UPDATE SET "data" = EXCLUDED."data", "updated_at" = EXCLUDED."updated_at"`,
		got)
}

func TestUpsertSQL_ExplicitUpdateCols(t *testing.T) {
	got, err := UpsertSQL(UpsertConfig{
		Table:        "public.artifacts",
		Columns:      []string{"run_id", "key", "data"},
		ConflictKeys: []string{"run_id", "key"},
		UpdateCols:   []string{"data"},
	})
	require.NoError(t, err)
	assert.Contains(t, got, `INSERT INTO "public"."artifacts"`)
	assert.Contains(t, got, `DO UPDATE SET "data" = EXCLUDED."data"`)
	assert.NotContains(t, got, `"key" = EXCLUDED`)
}

func TestUpsertSQL_OnlyKeys(t *testing.T) {
	got, err := UpsertSQL(UpsertConfig{
		Table:        "seen",
		Columns:      []string{"id"},
		ConflictKeys: []string{"id"},
	})
	require.NoError(t, err)
	assert.Contains(t, got, "DO NOTHING")
}

func TestUpsertSQL_Errors(t *testing.T) {
	_, err := UpsertSQL(UpsertConfig{Columns: []string{"id"}, ConflictKeys: []string{"id"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no table specified")

	_, err = UpsertSQL(UpsertConfig{Table: "t", ConflictKeys: []string{"id"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")

	_, err = UpsertSQL(UpsertConfig{Table: "t", Columns: []string{"id"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"public.artifacts", `"public"."artifacts"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := sanitizeTable(tt.input)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	result := quoteAndJoin([]string{"id", "name", "value"})
	assert.Equal(t, `"id", "name", "value"`, result)
}
