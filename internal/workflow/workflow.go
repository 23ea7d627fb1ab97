// Package workflow runs analyses as Temporal workflows so that queued runs
// survive process restarts.
package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/sells-group/synthesis-cli/internal/config"
	"github.com/sells-group/synthesis-cli/internal/model"
	"github.com/sells-group/synthesis-cli/internal/pipeline"
)

// DefaultTaskQueue is used when temporal.task_queue is unset.
const DefaultTaskQueue = "synthesis-analysis"

// Analyzer runs one analysis synchronously.
type Analyzer interface {
	Run(ctx context.Context, in model.Input) (*pipeline.Result, error)
}

// Params is the workflow input.
type Params struct {
	Input   model.Input   `json:"input"`
	Timeout time.Duration `json:"timeout"`
}

// Outcome is the workflow result. The bundle itself stays in the result
// store under ResultRef.
type Outcome struct {
	RunID       string          `json:"run_id"`
	Status      model.RunStatus `json:"status"`
	FailedStage model.StageName `json:"failed_stage,omitempty"`
	ResultRef   string          `json:"result_ref,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// AnalysisWorkflow executes a single Analyze activity. Stage retries happen
// inside the activity, so Temporal retries are disabled.
func AnalysisWorkflow(ctx workflow.Context, p Params) (*Outcome, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})

	workflow.GetLogger(ctx).Info("analysis workflow started", "run_id", p.Input.RunID)

	var a *Activities
	var out Outcome
	if err := workflow.ExecuteActivity(ctx, a.Analyze, p.Input).Get(ctx, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Activities hosts the activity implementations.
type Activities struct {
	analyzer Analyzer
}

// NewActivities creates the activity set.
func NewActivities(a Analyzer) *Activities {
	return &Activities{analyzer: a}
}

// Analyze runs the pipeline. A run that fails inside a stage is an Outcome,
// not an activity error; inputs rejected before a run exists are
// non-retryable errors.
func (a *Activities) Analyze(ctx context.Context, in model.Input) (*Outcome, error) {
	activity.GetLogger(ctx).Info("analyze activity", "run_id", in.RunID)

	res, err := a.analyzer.Run(ctx, in)
	if res == nil {
		if err == nil {
			err = eris.New("workflow: analyzer returned no result")
		}
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), "InvalidInput", err)
	}

	out := &Outcome{
		RunID:       res.RunID,
		Status:      res.Status,
		FailedStage: res.FailedStage,
	}
	if res.Status == model.RunStatusCompleted {
		out.ResultRef = res.RunID + "/" + model.KeyBundle
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out, nil
}

// ActivityTimeout sizes the start-to-close timeout for five stages at the
// configured per-call timeout and attempt budget.
func ActivityTimeout(cfg *config.Config) time.Duration {
	perCall := time.Duration(cfg.Pipeline.StageTimeoutSecs) * time.Second
	if perCall <= 0 {
		perCall = 2 * time.Minute
	}
	attempts := cfg.Pipeline.Retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := time.Duration(cfg.Pipeline.Retry.MaxBackoffMs) * time.Millisecond
	perStage := time.Duration(attempts)*perCall + time.Duration(attempts-1)*backoff
	return time.Duration(len(model.Stages))*perStage + time.Minute
}

// Register adds the workflow and activities to w.
func Register(w worker.Registry, acts *Activities) {
	w.RegisterWorkflow(AnalysisWorkflow)
	w.RegisterActivity(acts)
}

// Submitter starts analysis workflows.
type Submitter struct {
	client    client.Client
	taskQueue string
	timeout   time.Duration
}

// NewSubmitter creates a Submitter for the configured task queue.
func NewSubmitter(c client.Client, cfg *config.Config) *Submitter {
	tq := cfg.Temporal.TaskQueue
	if tq == "" {
		tq = DefaultTaskQueue
	}
	return &Submitter{client: c, taskQueue: tq, timeout: ActivityTimeout(cfg)}
}

// Submit starts a workflow for in and returns the run id, which is pinned
// before the workflow starts so callers can poll the status tracker.
func (s *Submitter) Submit(ctx context.Context, in model.Input) (string, error) {
	if in.RunID == "" {
		in.RunID = uuid.NewString()
	}
	opts := client.StartWorkflowOptions{
		ID:        "analysis-" + in.RunID,
		TaskQueue: s.taskQueue,
	}
	run, err := s.client.ExecuteWorkflow(ctx, opts, AnalysisWorkflow, Params{Input: in, Timeout: s.timeout})
	if err != nil {
		return "", eris.Wrap(err, "workflow: start analysis")
	}
	zap.L().Info("workflow: analysis submitted",
		zap.String("run_id", in.RunID),
		zap.String("workflow_id", run.GetID()),
		zap.String("task_queue", s.taskQueue),
	)
	return in.RunID, nil
}
