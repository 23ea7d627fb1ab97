package extract

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/synthesis-cli/pkg/anthropic"
)

// BatchConfig tunes Message Batches extraction.
type BatchConfig struct {
	ClaudeConfig
	PollInterval time.Duration
	PollCap      time.Duration
}

// BatchExtractor submits each extraction through the Message Batches API and
// polls until it ends. Slower than ClaudeExtractor but billed at the batch
// discount.
type BatchExtractor struct {
	inner *ClaudeExtractor
	cfg   BatchConfig
}

// NewBatchExtractor creates a batch-backed Extractor.
func NewBatchExtractor(client anthropic.Client, cfg BatchConfig) *BatchExtractor {
	return &BatchExtractor{inner: NewClaudeExtractor(client, cfg.ClaudeConfig), cfg: cfg}
}

// Name implements Extractor.
func (b *BatchExtractor) Name() string { return "batch" }

// Extract implements Extractor.
func (b *BatchExtractor) Extract(ctx context.Context, req Request) (*Response, error) {
	client := b.inner.client
	customID := string(req.Stage) + "-" + uuid.NewString()[:8]

	batch, err := client.CreateBatch(ctx, anthropic.BatchRequest{
		Requests: []anthropic.BatchRequestItem{{CustomID: customID, Params: b.inner.messageRequest(req)}},
	})
	if err != nil {
		return nil, classify(eris.Wrapf(err, "batch: create %s", req.Stage), anthropic.StatusCode(err))
	}
	zap.L().Debug("batch: submitted",
		zap.String("stage", string(req.Stage)),
		zap.String("batch_id", batch.ID),
	)

	var opts []anthropic.PollOption
	if b.cfg.PollInterval > 0 {
		opts = append(opts, anthropic.WithPollInterval(b.cfg.PollInterval))
	}
	if b.cfg.PollCap > 0 {
		opts = append(opts, anthropic.WithPollCap(b.cfg.PollCap))
	}
	if _, err := anthropic.PollBatch(ctx, client, batch.ID, opts...); err != nil {
		return nil, Transient(eris.Wrapf(err, "batch: poll %s", req.Stage))
	}

	iter, err := client.GetBatchResults(ctx, batch.ID)
	if err != nil {
		return nil, classify(eris.Wrapf(err, "batch: results %s", req.Stage), anthropic.StatusCode(err))
	}
	results, err := anthropic.CollectBatchResults(iter)
	if err != nil {
		return nil, Transient(eris.Wrapf(err, "batch: collect %s", req.Stage))
	}

	msg, ok := results.Succeeded[customID]
	if !ok {
		return nil, Transient(eris.Errorf("batch: %s item %s did not succeed", req.Stage, customID))
	}

	records, err := DecodeRecords(msg.Text())
	if err != nil {
		return nil, eris.Wrapf(err, "batch: %s", req.Stage)
	}
	return &Response{
		Records: records,
		Backend: b.Name(),
		Model:   msg.Model,
		Batch:   true,
		Usage:   fromClaudeUsage(msg.Usage),
	}, nil
}
