package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/mocks"
	"go.temporal.io/sdk/testsuite"

	"github.com/sells-group/synthesis-cli/internal/config"
	"github.com/sells-group/synthesis-cli/internal/model"
	"github.com/sells-group/synthesis-cli/internal/pipeline"
)

type stubAnalyzer struct {
	res *pipeline.Result
	err error
	got model.Input
}

func (s *stubAnalyzer) Run(_ context.Context, in model.Input) (*pipeline.Result, error) {
	s.got = in
	return s.res, s.err
}

func runWorkflow(t *testing.T, a Analyzer, p Params) (*Outcome, error) {
	t.Helper()
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(AnalysisWorkflow)
	env.RegisterActivity(NewActivities(a))

	env.ExecuteWorkflow(AnalysisWorkflow, p)
	require.True(t, env.IsWorkflowCompleted())
	if err := env.GetWorkflowError(); err != nil {
		return nil, err
	}
	var out Outcome
	require.NoError(t, env.GetWorkflowResult(&out))
	return &out, nil
}

func TestAnalysisWorkflow_Completed(t *testing.T) {
	a := &stubAnalyzer{res: &pipeline.Result{RunID: "run-1", Status: model.RunStatusCompleted}}

	out, err := runWorkflow(t, a, Params{Input: model.Input{Text: "notes", RunID: "run-1"}, Timeout: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, "run-1", out.RunID)
	assert.Equal(t, model.RunStatusCompleted, out.Status)
	assert.Equal(t, "run-1/bundle", out.ResultRef)
	assert.Empty(t, out.Error)
	assert.Equal(t, "notes", a.got.Text)
}

func TestAnalysisWorkflow_FailedRunIsAnOutcome(t *testing.T) {
	a := &stubAnalyzer{
		res: &pipeline.Result{RunID: "run-2", Status: model.RunStatusFailed, FailedStage: model.StageExplain},
		err: &pipeline.StageFailure{Stage: model.StageExplain, Attempts: 3, Err: eris.New("timeout")},
	}

	out, err := runWorkflow(t, a, Params{Input: model.Input{Text: "notes", RunID: "run-2"}})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, out.Status)
	assert.Equal(t, model.StageExplain, out.FailedStage)
	assert.Empty(t, out.ResultRef)
	assert.Contains(t, out.Error, "explain")
}

func TestAnalysisWorkflow_RejectedInputFailsWorkflow(t *testing.T) {
	a := &stubAnalyzer{err: pipeline.ErrEmptyInput}

	_, err := runWorkflow(t, a, Params{Input: model.Input{RunID: "run-3"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "research data is empty")
}

func TestActivities_Analyze(t *testing.T) {
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestActivityEnvironment()
	a := &stubAnalyzer{res: &pipeline.Result{RunID: "run-4", Status: model.RunStatusCompleted}}
	acts := NewActivities(a)
	env.RegisterActivity(acts)

	val, err := env.ExecuteActivity(acts.Analyze, model.Input{Text: "notes", RunID: "run-4"})
	require.NoError(t, err)
	var out Outcome
	require.NoError(t, val.Get(&out))
	assert.Equal(t, "run-4/bundle", out.ResultRef)
}

func TestActivityTimeout(t *testing.T) {
	cfg := &config.Config{}
	cfg.Pipeline.StageTimeoutSecs = 60
	cfg.Pipeline.Retry.MaxAttempts = 3
	cfg.Pipeline.Retry.MaxBackoffMs = 1000

	// 5 stages x (3 x 60s + 2 x 1s) + 1m.
	assert.Equal(t, 5*(182*time.Second)+time.Minute, ActivityTimeout(cfg))

	// Defaults: 2m per call, one attempt.
	assert.Equal(t, 11*time.Minute, ActivityTimeout(&config.Config{}))
}

func TestSubmitter_Submit(t *testing.T) {
	c := &mocks.Client{}
	run := &mocks.WorkflowRun{}
	run.On("GetID").Return("analysis-run-5")

	c.On("ExecuteWorkflow", mock.Anything,
		mock.MatchedBy(func(o client.StartWorkflowOptions) bool {
			return o.ID == "analysis-run-5" && o.TaskQueue == DefaultTaskQueue
		}),
		mock.Anything,
		mock.MatchedBy(func(p Params) bool {
			return p.Input.RunID == "run-5" && p.Timeout > 0
		}),
	).Return(run, nil)

	s := NewSubmitter(c, &config.Config{})
	id, err := s.Submit(context.Background(), model.Input{Text: "notes", RunID: "run-5"})
	require.NoError(t, err)
	assert.Equal(t, "run-5", id)
	c.AssertExpectations(t)
}

func TestSubmitter_AssignsRunID(t *testing.T) {
	c := &mocks.Client{}
	run := &mocks.WorkflowRun{}
	run.On("GetID").Return("wf")
	c.On("ExecuteWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(run, nil)

	cfg := &config.Config{}
	cfg.Temporal.TaskQueue = "custom"
	id, err := NewSubmitter(c, cfg).Submit(context.Background(), model.Input{Text: "notes"})
	require.NoError(t, err)
	assert.Len(t, id, 36)

	opts := c.Calls[0].Arguments.Get(1).(client.StartWorkflowOptions)
	assert.Equal(t, "analysis-"+id, opts.ID)
	assert.Equal(t, "custom", opts.TaskQueue)
}

func TestSubmitter_Error(t *testing.T) {
	c := &mocks.Client{}
	c.On("ExecuteWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, eris.New("connection refused"))

	_, err := NewSubmitter(c, &config.Config{}).Submit(context.Background(), model.Input{Text: "notes"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workflow: start analysis")
}
