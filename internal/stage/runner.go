package stage

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/synthesis-cli/internal/extract"
	"github.com/sells-group/synthesis-cli/internal/model"
	"github.com/sells-group/synthesis-cli/internal/resilience"
)

// ErrInsufficientRecords is returned when a stage validates fewer records than
// its definition requires. It is transient: a second call may do better.
var ErrInsufficientRecords = eris.New("stage: insufficient records")

// Options tunes validation.
type Options struct {
	// MinChunkConfidence drops chunks scored below it.
	MinChunkConfidence float64
	// MaxChunks caps the number of chunks kept (0 = unlimited).
	MaxChunks int
}

// Result is the validated output of one stage call.
type Result struct {
	Stage   model.StageName
	Records model.Records
	Dropped []Dropped
	Backend string
	Model   string
	Batch   bool
	Usage   extract.Usage
	Elapsed time.Duration
}

// Count returns the number of records the stage kept.
func (r *Result) Count() int {
	return r.Records.Count(r.Stage)
}

// MergeInto copies the stage's records into acc.
func (r *Result) MergeInto(acc *model.Records) {
	switch r.Stage {
	case model.StageChunk:
		acc.Chunks = r.Records.Chunks
	case model.StageInfer:
		acc.Inferences = r.Records.Inferences
	case model.StageRelate:
		acc.Patterns = r.Records.Patterns
	case model.StageExplain:
		acc.Insights = r.Records.Insights
	case model.StageActivate:
		acc.Principles = r.Records.Principles
	}
}

// Runner executes single stages against an extractor.
type Runner struct {
	catalog *Catalog
	opts    Options
}

// NewRunner creates a Runner. A nil catalog uses the built-in prompts.
func NewRunner(catalog *Catalog, opts Options) *Runner {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Runner{catalog: catalog, opts: opts}
}

// Run performs one extraction for the stage and validates the result. prior
// holds the output of earlier stages and is never modified.
func (r *Runner) Run(ctx context.Context, ext extract.Extractor, name model.StageName, input string, prior model.Records) (*Result, error) {
	def, ok := r.catalog.Get(name)
	if !ok {
		return nil, resilience.NewPermanentError(eris.Errorf("stage: no definition for %q", name), 0)
	}

	req, err := r.buildRequest(def, input, &prior)
	if err != nil {
		return nil, resilience.NewPermanentError(err, 0)
	}

	start := time.Now()
	resp, err := ext.Extract(ctx, req)
	if err != nil {
		return nil, eris.Wrapf(err, "stage: %s extraction", name)
	}

	res := &Result{
		Stage:   name,
		Backend: resp.Backend,
		Model:   resp.Model,
		Batch:   resp.Batch,
		Usage:   resp.Usage,
		Elapsed: time.Since(start),
	}
	switch name {
	case model.StageChunk:
		res.Records.Chunks, res.Dropped = r.validateChunks(resp.Records)
	case model.StageInfer:
		res.Records.Inferences, res.Dropped = r.validateInferences(resp.Records, &prior)
	case model.StageRelate:
		res.Records.Patterns, res.Dropped = r.validatePatterns(resp.Records, &prior)
	case model.StageExplain:
		res.Records.Insights, res.Dropped = r.validateInsights(resp.Records, &prior)
	case model.StageActivate:
		res.Records.Principles, res.Dropped = r.validatePrinciples(resp.Records, &prior)
	}

	if len(res.Dropped) > 0 {
		reasons := make([]string, 0, len(res.Dropped))
		for _, d := range res.Dropped {
			reasons = append(reasons, d.String())
		}
		zap.L().Warn("stage: dropped invalid records",
			zap.String("stage", string(name)),
			zap.Int("dropped", len(res.Dropped)),
			zap.Int("kept", res.Count()),
			zap.Strings("reasons", reasons),
		)
	}

	if res.Count() < def.MinRecords {
		return res, resilience.NewTransientError(
			eris.Wrapf(ErrInsufficientRecords, "%s kept %d of %d records, need %d",
				name, res.Count(), len(resp.Records), def.MinRecords), 0)
	}
	return res, nil
}

func (r *Runner) buildRequest(def Definition, input string, prior *model.Records) (extract.Request, error) {
	var contextJSON string
	if ctxRecords := priorContext(def.Name, prior); ctxRecords != nil {
		data, err := json.MarshalIndent(ctxRecords, "", "  ")
		if err != nil {
			return extract.Request{}, eris.Wrapf(err, "stage: marshal %s context", def.Name)
		}
		contextJSON = string(data)
	}

	maxRecords := ""
	limit := 0
	if def.Name == model.StageChunk && r.opts.MaxChunks > 0 {
		limit = r.opts.MaxChunks
		maxRecords = strconv.Itoa(limit)
	}
	if maxRecords == "" {
		maxRecords = "as many as the data supports"
	}

	prompt := strings.NewReplacer(
		"{{input}}", input,
		"{{context}}", contextJSON,
		"{{max_records}}", maxRecords,
	).Replace(def.Prompt)

	return extract.Request{
		Stage:        def.Name,
		Schema:       def.Schema,
		Instructions: def.Instructions,
		Prompt:       prompt,
		Input:        input,
		Records:      prior,
		MaxRecords:   limit,
	}, nil
}

// priorContext picks the earlier output a stage reasons over.
func priorContext(name model.StageName, prior *model.Records) any {
	switch name {
	case model.StageInfer:
		return prior.Chunks
	case model.StageRelate:
		return prior.Inferences
	case model.StageExplain:
		return prior.Patterns
	case model.StageActivate:
		return prior.Insights
	}
	return nil
}

// NormalizeInput prepares raw research text for chunking: Unicode NFC,
// unified line endings and trimmed surrounding whitespace.
func NormalizeInput(text string) string {
	text = norm.NFC.String(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.TrimSpace(text)
}
