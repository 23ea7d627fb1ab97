// Package pipeline drives an analysis run through the five stages in order,
// recording every transition with the status tracker and persisting each
// stage's records before the next stage starts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/synthesis-cli/internal/config"
	"github.com/sells-group/synthesis-cli/internal/cost"
	"github.com/sells-group/synthesis-cli/internal/extract"
	"github.com/sells-group/synthesis-cli/internal/model"
	"github.com/sells-group/synthesis-cli/internal/resilience"
	"github.com/sells-group/synthesis-cli/internal/stage"
	"github.com/sells-group/synthesis-cli/internal/store"
	"github.com/sells-group/synthesis-cli/internal/strategy"
)

// Selector resolves a strategy name to an extractor for one run.
type Selector interface {
	Select(ctx context.Context, name string) (extract.Extractor, error)
}

// Result is what a run produced. Records holds every collection computed
// so far, including those of a failed run.
type Result struct {
	RunID       string
	Status      model.RunStatus
	FailedStage model.StageName
	Records     model.Records
	Bundle      *model.Bundle
}

// now is swapped in tests.
var now = func() time.Time { return time.Now().UTC() }

var processingMessages = map[model.StageName]string{
	model.StageChunk:    "Chunking research data",
	model.StageInfer:    "Inferring meaning from chunks",
	model.StageRelate:   "Identifying patterns across inferences",
	model.StageExplain:  "Explaining patterns as insights",
	model.StageActivate: "Turning insights into design principles",
}

var completedNouns = map[model.StageName]string{
	model.StageChunk:    "Created %d chunks",
	model.StageInfer:    "Generated %d inferences",
	model.StageRelate:   "Identified %d patterns",
	model.StageExplain:  "Generated %d insights",
	model.StageActivate: "Created %d design principles",
}

// Orchestrator sequences the stages of a run.
type Orchestrator struct {
	cfg      *config.Config
	store    store.Store
	selector Selector
	runner   *stage.Runner
	retry    resilience.RetryConfig
	timeout  time.Duration
	costCalc *cost.Calculator

	sem chan struct{}
	wg  sync.WaitGroup
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithRunner replaces the stage runner built from configuration.
func WithRunner(r *stage.Runner) Option {
	return func(o *Orchestrator) { o.runner = r }
}

// New creates an Orchestrator. The prompt catalogue is loaded from
// pipeline.prompts_file when set.
func New(cfg *config.Config, st store.Store, sel Selector, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:      cfg,
		store:    st,
		selector: sel,
		retry: resilience.FromRetrySettings(resilience.RetrySettings{
			MaxAttempts:      cfg.Pipeline.Retry.MaxAttempts,
			InitialBackoffMs: cfg.Pipeline.Retry.InitialBackoffMs,
			MaxBackoffMs:     cfg.Pipeline.Retry.MaxBackoffMs,
			Multiplier:       cfg.Pipeline.Retry.Multiplier,
			JitterFraction:   cfg.Pipeline.Retry.JitterFraction,
		}),
		timeout:  time.Duration(cfg.Pipeline.StageTimeoutSecs) * time.Second,
		costCalc: cost.FromConfig(cfg.Pricing),
	}
	if o.timeout <= 0 {
		o.timeout = 2 * time.Minute
	}
	concurrency := cfg.Batch.MaxConcurrentRuns
	if concurrency <= 0 {
		concurrency = 1
	}
	o.sem = make(chan struct{}, concurrency)

	for _, opt := range opts {
		opt(o)
	}
	if o.runner == nil {
		catalog := stage.DefaultCatalog()
		if cfg.Pipeline.PromptsFile != "" {
			var err error
			if catalog, err = stage.LoadCatalog(cfg.Pipeline.PromptsFile); err != nil {
				return nil, eris.Wrap(err, "pipeline: load prompts")
			}
		}
		o.runner = stage.NewRunner(catalog, stage.Options{
			MinChunkConfidence: cfg.Pipeline.MinChunkConfidence,
			MaxChunks:          cfg.Pipeline.MaxChunks,
		})
	}
	return o, nil
}

// prepared is a run that passed validation and has a tracker record.
type prepared struct {
	run       *model.AnalysisRun
	text      string
	ext       extract.Extractor
	extractor string
	metadata  bool
}

// Run executes a run synchronously. Once a run exists the returned Result
// is non-nil, even when err is a *StageFailure or *StorageError.
func (o *Orchestrator) Run(ctx context.Context, in model.Input) (*Result, error) {
	p, err := o.prepare(ctx, in)
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, p)
}

// Start validates the input, creates the run and returns its id. The stages
// run in the background, bounded by batch.max_concurrent_runs; callers poll
// the status tracker for progress.
func (o *Orchestrator) Start(ctx context.Context, in model.Input) (string, error) {
	p, err := o.prepare(ctx, in)
	if err != nil {
		return "", err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		bg := context.WithoutCancel(ctx)
		o.sem <- struct{}{}
		defer func() { <-o.sem }()
		if _, err := o.execute(bg, p); err != nil {
			zap.L().Error("pipeline: background run failed",
				zap.String("run_id", p.run.ID),
				zap.Error(err),
			)
		}
	}()
	return p.run.ID, nil
}

// Wait blocks until every run started with Start has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// prepare rejects blank input and unknown strategies before anything is
// written, then persists the input and creates the run with every stage
// pending.
func (o *Orchestrator) prepare(ctx context.Context, in model.Input) (*prepared, error) {
	text := stage.NormalizeInput(in.Text)
	if text == "" {
		return nil, resilience.NewPermanentError(ErrEmptyInput, 0)
	}

	name := in.Strategy
	if name == "" {
		name = o.cfg.Pipeline.DefaultStrategy
	}
	name = strategy.Normalize(name)
	ext, err := o.selector.Select(ctx, name)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: select strategy")
	}

	runID := in.RunID
	if runID == "" {
		runID = uuid.NewString()
	} else if _, err := o.store.Read(ctx, runID); err == nil {
		return nil, resilience.NewPermanentError(eris.Wrapf(store.ErrExists, "pipeline: run %s", runID), 0)
	}
	created := now()

	stored := model.StoredInput{
		Text:            text,
		Strategy:        name,
		IncludeMetadata: in.IncludeMetadata,
		ReceivedAt:      created,
	}
	if err := store.SaveJSON(ctx, o.store, runID, model.KeyInput, stored); err != nil {
		return nil, &StorageError{Key: model.KeyInput, Err: err}
	}

	run := model.NewAnalysisRun(runID, runID+"/"+model.KeyInput, name, created)
	if err := o.store.Create(ctx, run); err != nil {
		if errors.Is(err, store.ErrExists) {
			return nil, resilience.NewPermanentError(eris.Wrapf(err, "pipeline: run %s", runID), 0)
		}
		zap.L().Warn("pipeline: failed to create run record",
			zap.String("run_id", runID),
			zap.Error(err),
		)
	}

	zap.L().Info("pipeline: run created",
		zap.String("run_id", runID),
		zap.String("strategy", name),
		zap.String("extractor", ext.Name()),
		zap.Int("input_chars", len(text)),
	)
	return &prepared{run: run, text: text, ext: ext, extractor: ext.Name(), metadata: in.IncludeMetadata}, nil
}

// stageOutcome is the bookkeeping of one stage.
type stageOutcome struct {
	res      *stage.Result
	attempts int
	elapsed  time.Duration
}

func (o *Orchestrator) execute(ctx context.Context, p *prepared) (*Result, error) {
	run := p.run
	log := zap.L().With(zap.String("run_id", run.ID), zap.String("strategy", run.Strategy))
	result := &Result{RunID: run.ID, Status: model.RunStatusProcessing}
	// Status and artifact writes outlive the caller so a cancelled run still
	// ends failed in the tracker.
	wctx := context.WithoutCancel(ctx)

	var diag *model.Diagnostics
	if p.metadata {
		diag = &model.Diagnostics{Strategy: run.Strategy, Backend: p.extractor}
	}

	for _, name := range model.Stages {
		out, err := o.runStage(ctx, log, p, name, result.Records)
		if err != nil {
			return o.fail(wctx, log, result, name, err)
		}
		out.res.MergeInto(&result.Records)
		if diag != nil {
			o.addDiagnostics(diag, name, out)
		}

		key := model.ArtifactKey(name)
		if err := store.SaveJSON(wctx, o.store, run.ID, key, stageArtifact(name, result.Records)); err != nil {
			return o.fail(wctx, log, result, name, &StorageError{Stage: name, Key: key, Err: err})
		}

		// The bundle is written before activate completes so a completed
		// run always has one.
		if name == model.StageActivate {
			bundle := assembleBundle(run, result.Records, o.cfg.Pipeline.QualityWeights, now(), diag)
			if err := store.SaveJSON(wctx, o.store, run.ID, model.KeyBundle, bundle); err != nil {
				return o.fail(wctx, log, result, name, &StorageError{Stage: name, Key: model.KeyBundle, Err: err})
			}
			result.Bundle = bundle
		}

		o.track(wctx, log, run.ID, name, model.StageCompleted, fmt.Sprintf(completedNouns[name], out.res.Count()))
		log.Info("pipeline: stage complete",
			zap.String("stage", string(name)),
			zap.Int("records", out.res.Count()),
			zap.Int("dropped", len(out.res.Dropped)),
			zap.Int("attempts", out.attempts),
			zap.Int64("duration_ms", out.elapsed.Milliseconds()),
		)
	}

	o.setResult(wctx, log, run.ID, run.ID+"/"+model.KeyBundle)
	result.Status = model.RunStatusCompleted
	log.Info("pipeline: run complete",
		zap.Float64("quality_score", result.Bundle.Summary.QualityScore),
		zap.Int64("duration_ms", result.Bundle.DurationMs),
	)
	return result, nil
}

// runStage marks the stage processing and calls the runner until it
// succeeds, fails permanently or runs out of attempts. Each call gets its own
// timeout; a timed-out call is retried like any transient failure.
func (o *Orchestrator) runStage(ctx context.Context, log *zap.Logger, p *prepared, name model.StageName, prior model.Records) (*stageOutcome, error) {
	wctx := context.WithoutCancel(ctx)
	o.track(wctx, log, p.run.ID, name, model.StageProcessing, processingMessages[name])

	retry := o.retry
	retry.OnRetry = func(attempt int, err error) {
		log.Warn("pipeline: retrying stage",
			zap.String("stage", string(name)),
			zap.Int("attempt", attempt),
			zap.String("class", resilience.Classify(err)),
			zap.Error(err),
		)
		msg := fmt.Sprintf("%s (retrying, attempt %d/%d)", processingMessages[name], attempt+1, retry.MaxAttempts)
		o.track(wctx, log, p.run.ID, name, model.StageProcessing, msg)
	}

	start := time.Now()
	res, attempts, err := resilience.Attempt(ctx, retry, func(ctx context.Context) (*stage.Result, error) {
		callCtx, cancel := context.WithTimeout(ctx, o.timeout)
		defer cancel()
		return o.runner.Run(callCtx, p.ext, name, p.text, prior)
	})
	if err != nil {
		return nil, &StageFailure{Stage: name, Attempts: attempts, Err: err}
	}
	return &stageOutcome{res: res, attempts: attempts, elapsed: time.Since(start)}, nil
}

// fail marks the stage failed and leaves later stages pending.
func (o *Orchestrator) fail(ctx context.Context, log *zap.Logger, result *Result, name model.StageName, err error) (*Result, error) {
	o.track(ctx, log, result.RunID, name, model.StageFailed, failureMessage(err))
	log.Error("pipeline: stage failed",
		zap.String("stage", string(name)),
		zap.String("class", resilience.Classify(err)),
		zap.Error(err),
	)
	result.Status = model.RunStatusFailed
	result.FailedStage = name
	return result, err
}

func failureMessage(err error) string {
	var sf *StageFailure
	if errors.As(err, &sf) {
		return fmt.Sprintf("Error after %d attempt(s): %s", sf.Attempts, sf.Err.Error())
	}
	var se *StorageError
	if errors.As(err, &se) {
		return fmt.Sprintf("Error saving %s: %s", se.Key, se.Err.Error())
	}
	return "Error: " + err.Error()
}

// track writes a stage transition. Tracker failures never change the
// outcome of a run.
func (o *Orchestrator) track(ctx context.Context, log *zap.Logger, runID string, name model.StageName, status model.StageState, msg string) {
	if err := o.store.Update(ctx, runID, name, status, msg); err != nil {
		log.Warn("pipeline: failed to update stage status",
			zap.String("stage", string(name)),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) setResult(ctx context.Context, log *zap.Logger, runID, ref string) {
	if err := o.store.SetResult(ctx, runID, ref); err != nil {
		log.Warn("pipeline: failed to record result ref", zap.Error(err))
	}
}

func (o *Orchestrator) addDiagnostics(diag *model.Diagnostics, name model.StageName, out *stageOutcome) {
	res := out.res
	sd := model.StageDiagnostics{
		Stage:      name,
		Attempts:   out.attempts,
		DurationMs: out.elapsed.Milliseconds(),
		Records:    res.Count(),
		TokensIn:   res.Usage.InputTokens,
		TokensOut:  res.Usage.OutputTokens,
	}
	for _, d := range res.Dropped {
		sd.Dropped = append(sd.Dropped, d.String())
	}
	diag.Stages = append(diag.Stages, sd)
	diag.TokensIn += res.Usage.InputTokens
	diag.TokensOut += res.Usage.OutputTokens
	diag.CostUSD += o.costCalc.Usage(res.Backend, res.Model, res.Batch, res.Usage)
	if res.Model != "" {
		diag.Model = res.Model
	}
	if res.Backend != "" {
		diag.Backend = res.Backend
	}
}
