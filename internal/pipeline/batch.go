package pipeline

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/synthesis-cli/internal/model"
)

// BatchItem is the outcome of one input of a batch.
type BatchItem struct {
	Index  int
	Result *Result
	Err    error
}

// RunBatch executes independent runs concurrently, at most
// batch.max_concurrent_runs at a time. One run failing never stops the
// others; items are returned in input order.
func (o *Orchestrator) RunBatch(ctx context.Context, inputs []model.Input) []BatchItem {
	items := make([]BatchItem, len(inputs))
	if len(inputs) == 0 {
		return items
	}

	concurrency := cap(o.sem)
	zap.L().Info("pipeline: processing batch",
		zap.Int("runs", len(inputs)),
		zap.Int("concurrency", concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var succeeded, failed atomic.Int64
	for i, in := range inputs {
		g.Go(func() error {
			res, err := o.Run(gctx, in)
			items[i] = BatchItem{Index: i, Result: res, Err: err}
			if err != nil {
				failed.Add(1)
				return nil // don't abort the batch on one failure
			}
			succeeded.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	zap.L().Info("pipeline: batch complete",
		zap.Int64("succeeded", succeeded.Load()),
		zap.Int64("failed", failed.Load()),
	)
	return items
}
