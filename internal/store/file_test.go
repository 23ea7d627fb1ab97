package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/synthesis-cli/internal/config"
	"github.com/sells-group/synthesis-cli/internal/model"
)

func configFor(driver, dir string) config.StoreConfig {
	return config.StoreConfig{Driver: driver, Dir: dir}
}

func TestFileStore_Layout(t *testing.T) {
	fs := afero.NewMemMapFs()
	st := NewFile(fs, "/data")
	ctx := context.Background()

	require.NoError(t, st.Create(ctx, newRun("run-1", time.Now().UTC())))
	require.NoError(t, st.Save(ctx, "run-1", "chunk", []byte(`[]`)))

	ok, err := afero.Exists(fs, "/data/run-1/run.json")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = afero.Exists(fs, "/data/run-1/chunk.json")
	require.NoError(t, err)
	assert.True(t, ok)
	tmps, err := afero.Glob(fs, "/data/run-1/*.tmp")
	require.NoError(t, err)
	assert.Empty(t, tmps, "temp files are renamed into place")

	keys, err := st.Keys(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"chunk"}, keys, "run.json is not an artifact")
}

func TestFileStore_RejectsUnsafeIDs(t *testing.T) {
	st := NewFile(afero.NewMemMapFs(), "/data")
	ctx := context.Background()

	assert.Error(t, st.Save(ctx, "../etc", "chunk", nil))
	assert.Error(t, st.Save(ctx, "run-1", "run", nil))
	_, err := st.Read(ctx, "a/b")
	assert.Error(t, err)
}

func TestFileStore_ListEmptyRoot(t *testing.T) {
	st := NewFile(afero.NewMemMapFs(), "/nowhere")
	got, err := st.List(context.Background(), RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, got)

	keys, err := st.Keys(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestFileStore_ConcurrentSavesSameKey(t *testing.T) {
	fs := afero.NewMemMapFs()
	st := NewFile(fs, "/data")
	ctx := context.Background()
	require.NoError(t, st.Create(ctx, newRun("run-1", time.Now().UTC())))

	payloads := map[string]bool{}
	var wg sync.WaitGroup
	for i := range 20 {
		body := fmt.Sprintf(`{"writer":%d,"pad":"%0200d"}`, i, i)
		payloads[body] = true
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, st.Save(ctx, "run-1", "chunk", []byte(body)))
		}()
	}
	wg.Wait()

	got, err := st.Load(ctx, "run-1", "chunk")
	require.NoError(t, err)
	assert.True(t, payloads[string(got)], "stored value is one complete write: %s", got)

	tmps, err := afero.Glob(fs, "/data/run-1/*.tmp")
	require.NoError(t, err)
	assert.Empty(t, tmps)
}

func TestFileStore_ConcurrentRunsUpdateIndependently(t *testing.T) {
	st := NewFile(afero.NewMemMapFs(), "/data")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 8 {
		id := fmt.Sprintf("run-%d", i)
		require.NoError(t, st.Create(ctx, newRun(id, time.Now().UTC())))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, name := range model.Stages {
				assert.NoError(t, st.Update(ctx, id, name, model.StageProcessing, "working"))
				assert.NoError(t, st.Update(ctx, id, name, model.StageCompleted, "done"))
			}
		}()
	}
	wg.Wait()

	runs, err := st.List(ctx, RunFilter{Status: model.RunStatusCompleted})
	require.NoError(t, err)
	assert.Len(t, runs, 8)
}
