package extract

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain array", `[{"a":1}]`, `[{"a":1}]`},
		{"fenced json", "```json\n[{\"a\":1}]\n```", `[{"a":1}]`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"prose around array", "Here you go:\n[{\"a\":1}]\nDone.", `[{"a":1}]`},
		{"object wrapping array", `Result: {"chunks":[{"a":1}]}`, `{"chunks":[{"a":1}]}`},
		{"no json", "nothing here", "nothing here"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, cleanJSON(tt.in))
		})
	}
}

func TestDecodeRecords(t *testing.T) {
	t.Parallel()

	t.Run("array", func(t *testing.T) {
		t.Parallel()
		recs, err := DecodeRecords(`[{"content":"a"}, null, {"content":"b"}]`)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.JSONEq(t, `{"content":"b"}`, string(recs[1]))
	})

	t.Run("wrapped in named key", func(t *testing.T) {
		t.Parallel()
		recs, err := DecodeRecords("```json\n{\"patterns\": [{\"name\":\"x\"}]}\n```")
		require.NoError(t, err)
		require.Len(t, recs, 1)
	})

	t.Run("records key among others", func(t *testing.T) {
		t.Parallel()
		recs, err := DecodeRecords(`{"note":"ok","records":[{"name":"x"},{"name":"y"}]}`)
		require.NoError(t, err)
		assert.Len(t, recs, 2)
	})

	t.Run("single object", func(t *testing.T) {
		t.Parallel()
		recs, err := DecodeRecords(`{"headline":"H","pattern_id":"P"}`)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		var m map[string]string
		require.NoError(t, json.Unmarshal(recs[0], &m))
		assert.Equal(t, "H", m["headline"])
	})

	t.Run("empty array", func(t *testing.T) {
		t.Parallel()
		recs, err := DecodeRecords(`[]`)
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("malformed is transient", func(t *testing.T) {
		t.Parallel()
		_, err := DecodeRecords(`[{"content": "unterminated`)
		require.Error(t, err)
		assert.True(t, IsTransient(err))
		assert.ErrorIs(t, err, ErrMalformedOutput)
	})

	t.Run("empty answer", func(t *testing.T) {
		t.Parallel()
		_, err := DecodeRecords("   ")
		require.Error(t, err)
		assert.True(t, IsTransient(err))
	})
}
