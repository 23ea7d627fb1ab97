package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/synthesis-cli/internal/config"
	"github.com/sells-group/synthesis-cli/internal/model"
	"github.com/sells-group/synthesis-cli/internal/monitoring"
	"github.com/sells-group/synthesis-cli/internal/pipeline"
	"github.com/sells-group/synthesis-cli/internal/resilience"
	"github.com/sells-group/synthesis-cli/internal/store"
	storemocks "github.com/sells-group/synthesis-cli/internal/store/mocks"
	"github.com/sells-group/synthesis-cli/internal/strategy"
)

const researchText = "User: the app is too complex.\nUser: \"I gave up during setup\"\nObserved: users skip the tutorial."

func testConfig() *config.Config {
	return &config.Config{
		Pipeline: config.PipelineConfig{
			DefaultStrategy:    "default",
			StageTimeoutSecs:   5,
			MinChunkConfidence: 0.5,
			MaxChunks:          100,
			Retry: config.RetryConfig{
				MaxAttempts:      2,
				InitialBackoffMs: 1,
				MaxBackoffMs:     2,
				Multiplier:       1,
			},
			QualityWeights: config.QualityWeights{
				ChunkConfidence:     0.3,
				InferenceConfidence: 0.25,
				PatternStrength:     0.2,
				InsightImpact:       0.15,
				PrinciplePriority:   0.1,
			},
		},
		Batch: config.BatchConfig{MaxConcurrentRuns: 2},
	}
}

type testEnv struct {
	srv   *httptest.Server
	store *store.MemoryStore
	orch  *pipeline.Orchestrator
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	cfg := testConfig()
	st := store.NewMemory()
	o, err := pipeline.New(cfg, st, strategy.NewSelector(cfg))
	require.NoError(t, err)

	s := New(o, st, monitoring.NewCollector(st, nil), opts...)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		o.Wait()
	})
	return &testEnv{srv: srv, store: st, orch: o}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case string:
		rdr = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v))
	return v
}

func (e *testEnv) analyze(t *testing.T, in model.Input) analysisResponse {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/analyses", in)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	return decode[analysisResponse](t, body)
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	resp, body := e.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestStrategies(t *testing.T) {
	e := newTestEnv(t)
	resp, body := e.do(t, http.MethodGet, "/strategies", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := decode[struct {
		Default    string          `json:"default"`
		Strategies []strategy.Info `json:"strategies"`
	}](t, body)
	assert.Equal(t, "default", got.Default)
	var names []string
	for _, s := range got.Strategies {
		names = append(names, s.Name)
	}
	assert.Contains(t, names, "anthropic")
	assert.Contains(t, names, "heuristic")
}

func TestAnalyze_Sync(t *testing.T) {
	e := newTestEnv(t)
	got := e.analyze(t, model.Input{Text: researchText})

	assert.NotEmpty(t, got.RunID)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	require.NotNil(t, got.Bundle)
	assert.Equal(t, got.RunID, got.Bundle.RunID)
	assert.NotEmpty(t, got.Bundle.Chunks)
	assert.Nil(t, got.Bundle.Diagnostics)
}

func TestAnalyze_Metadata(t *testing.T) {
	e := newTestEnv(t)
	got := e.analyze(t, model.Input{Text: researchText, IncludeMetadata: true})
	require.NotNil(t, got.Bundle)
	require.NotNil(t, got.Bundle.Diagnostics)
	assert.Len(t, got.Bundle.Diagnostics.Stages, len(model.Stages))
}

func TestAnalyze_IgnoresClientRunID(t *testing.T) {
	e := newTestEnv(t)
	got := e.analyze(t, model.Input{Text: researchText, RunID: "chosen-by-client"})
	assert.NotEqual(t, "chosen-by-client", got.RunID)
}

func TestAnalyze_BadRequests(t *testing.T) {
	e := newTestEnv(t)
	tests := []struct {
		name string
		body any
		want string
	}{
		{name: "malformed json", body: `{"research_data":`, want: "invalid request body"},
		{name: "empty text", body: model.Input{Text: "   "}, want: "empty"},
		{name: "unknown strategy", body: model.Input{Text: researchText, Strategy: "astrology"}, want: "unknown strategy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := e.do(t, http.MethodPost, "/analyses", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Contains(t, decode[map[string]string](t, body)["error"], tt.want)
		})
	}

	runs, err := e.store.List(context.Background(), store.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestAnalyze_Async(t *testing.T) {
	e := newTestEnv(t)
	resp, body := e.do(t, http.MethodPost, "/analyses?async=true", model.Input{Text: researchText})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	got := decode[analysisResponse](t, body)
	require.NotEmpty(t, got.RunID)
	assert.Equal(t, model.RunStatusProcessing, got.Status)
	assert.Equal(t, "/analyses/"+got.RunID+"/status", got.StatusURL)

	e.orch.Wait()

	resp, body = e.do(t, http.MethodGet, got.StatusURL, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	run := decode[model.AnalysisRun](t, body)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	for _, st := range run.Stages {
		assert.Equal(t, model.StageCompleted, st.Status, st.Stage)
	}
}

func TestGetAnalysis(t *testing.T) {
	e := newTestEnv(t)
	got := e.analyze(t, model.Input{Text: researchText})

	resp, body := e.do(t, http.MethodGet, "/analyses/"+got.RunID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b := decode[model.Bundle](t, body)
	assert.Equal(t, got.RunID, b.RunID)
	assert.Equal(t, len(got.Bundle.Chunks), len(b.Chunks))

	resp, _ = e.do(t, http.MethodGet, "/analyses/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetAnalysis_Processing(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, e.store.Create(ctx, model.NewAnalysisRun("busy", "busy/input", "default", time.Now().UTC())))

	resp, body := e.do(t, http.MethodGet, "/analyses/busy", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	sum := decode[model.RunSummary](t, body)
	assert.Equal(t, model.RunStatusProcessing, sum.Status)

	require.NoError(t, e.store.Update(ctx, "busy", model.StageChunk, model.StageProcessing, "working"))
	require.NoError(t, e.store.Update(ctx, "busy", model.StageChunk, model.StageFailed, "Error: boom"))

	resp, body = e.do(t, http.MethodGet, "/analyses/busy", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	sum = decode[model.RunSummary](t, body)
	assert.Equal(t, model.RunStatusFailed, sum.Status)
	assert.Equal(t, model.StageChunk, sum.FailedStage)
}

func TestArtifacts(t *testing.T) {
	e := newTestEnv(t)
	got := e.analyze(t, model.Input{Text: researchText})

	resp, body := e.do(t, http.MethodGet, "/analyses/"+got.RunID+"/artifacts/chunk", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.True(t, json.Valid(body))

	resp, body = e.do(t, http.MethodGet, "/analyses/"+got.RunID+"/artifacts/input", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	in := decode[model.StoredInput](t, body)
	assert.Equal(t, researchText, in.Text)

	resp, _ = e.do(t, http.MethodGet, "/analyses/"+got.RunID+"/artifacts/secrets", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/analyses/missing/artifacts/bundle", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListAndDelete(t *testing.T) {
	e := newTestEnv(t)
	first := e.analyze(t, model.Input{Text: researchText})
	second := e.analyze(t, model.Input{Text: researchText, Strategy: "heuristic"})

	resp, body := e.do(t, http.MethodGet, "/analyses", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[struct {
		Analyses []model.RunSummary `json:"analyses"`
		Count    int                `json:"count"`
	}](t, body)
	assert.Equal(t, 2, list.Count)

	resp, body = e.do(t, http.MethodGet, "/analyses?strategy=HEURISTIC&status=completed&limit=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list = decode[struct {
		Analyses []model.RunSummary `json:"analyses"`
		Count    int                `json:"count"`
	}](t, body)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, second.RunID, list.Analyses[0].ID)

	resp, _ = e.do(t, http.MethodGet, "/analyses?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, http.MethodDelete, "/analyses/"+first.RunID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/analyses/"+first.RunID+"/status", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = e.do(t, http.MethodDelete, "/analyses/"+first.RunID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListEmpty(t *testing.T) {
	e := newTestEnv(t)
	_, body := e.do(t, http.MethodGet, "/analyses", nil)
	assert.JSONEq(t, `{"analyses":[],"count":0}`, string(body))
}

func TestBatch(t *testing.T) {
	e := newTestEnv(t, WithMaxBatch(3))
	inputs := []model.Input{
		{Text: researchText},
		{Text: ""},
		{Text: researchText, Strategy: "heuristic"},
	}
	resp, body := e.do(t, http.MethodPost, "/analyses/batch", inputs)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	got := decode[struct {
		Results   []analysisResponse `json:"results"`
		Total     int                `json:"total"`
		Failed    int                `json:"failed"`
		Completed int                `json:"completed"`
	}](t, body)
	require.Len(t, got.Results, 3)
	assert.Equal(t, 2, got.Completed)
	assert.Equal(t, 1, got.Failed)
	assert.Equal(t, model.RunStatusCompleted, got.Results[0].Status)
	assert.Equal(t, model.RunStatusFailed, got.Results[1].Status)
	assert.Empty(t, got.Results[1].RunID)
	assert.NotEmpty(t, got.Results[1].Error)
	assert.Equal(t, model.RunStatusCompleted, got.Results[2].Status)
}

func TestBatch_Limits(t *testing.T) {
	e := newTestEnv(t, WithMaxBatch(1))

	resp, _ := e.do(t, http.MethodPost, "/analyses/batch", []model.Input{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := e.do(t, http.MethodPost, "/analyses/batch", []model.Input{{Text: "a"}, {Text: "b"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "exceeds the limit of 1")
}

func TestStats(t *testing.T) {
	e := newTestEnv(t)
	e.analyze(t, model.Input{Text: researchText})

	resp, body := e.do(t, http.MethodGet, "/stats?hours=24", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decode[monitoring.MetricsSnapshot](t, body)
	assert.Equal(t, 1, snap.RunsTotal)
	assert.Equal(t, 1, snap.RunsCompleted)
	assert.Equal(t, 24, snap.LookbackHours)

	resp, _ = e.do(t, http.MethodGet, "/stats?hours=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStats_NotConfigured(t *testing.T) {
	s := New(nil, store.NewMemory(), nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestCORS(t *testing.T) {
	s := New(nil, store.NewMemory(), nil, WithCORSOrigins([]string{"https://research.example.com"}))
	req := httptest.NewRequest(http.MethodOptions, "/analyses", nil)
	req.Header.Set("Origin", "https://research.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "https://research.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

// failingAnalyzer returns a failed run for every call.
type failingAnalyzer struct{}

func (failingAnalyzer) Run(_ context.Context, _ model.Input) (*pipeline.Result, error) {
	err := &pipeline.StageFailure{Stage: model.StageRelate, Attempts: 1, Err: resilience.NewPermanentError(eris.New("model refused"), 0)}
	return &pipeline.Result{RunID: "r1", Status: model.RunStatusFailed, FailedStage: model.StageRelate}, err
}

func (failingAnalyzer) Start(_ context.Context, _ model.Input) (string, error) {
	return "", eris.Wrap(store.ErrExists, "pinned")
}

func (failingAnalyzer) RunBatch(_ context.Context, _ []model.Input) []pipeline.BatchItem {
	return nil
}

func TestAnalyze_FailedRun(t *testing.T) {
	s := New(failingAnalyzer{}, store.NewMemory(), nil)
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/analyses", strings.NewReader(`{"research_data":"x"}`)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	got := decode[analysisResponse](t, rec.Body.Bytes())
	assert.Equal(t, "r1", got.RunID)
	assert.Equal(t, model.StageRelate, got.FailedStage)
	assert.Contains(t, got.Error, "model refused")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/analyses?async=1", strings.NewReader(`{"research_data":"x"}`)))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStoreErrors(t *testing.T) {
	st := storemocks.NewMockStore(t)
	st.On("List", mock.Anything, mock.Anything).Return(nil, eris.New("db down")).Once()
	st.On("Load", mock.Anything, "r1", "chunk").Return(nil, eris.New("db down")).Once()
	st.On("Delete", mock.Anything, "r1").Return(eris.New("db down")).Once()

	h := New(nil, st, nil).Handler()
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/analyses"},
		{http.MethodGet, "/analyses/r1/artifacts/chunk"},
		{http.MethodDelete, "/analyses/r1"},
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code, tc.path)
		assert.Contains(t, rec.Body.String(), "db down", tc.path)
	}
}
