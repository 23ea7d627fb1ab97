package anthropic

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const (
	defaultPollInitial = 2 * time.Second
	defaultPollCap     = 15 * time.Second
	defaultPollTimeout = 30 * time.Minute
)

// PollOption configures batch polling.
type PollOption func(*pollConfig)

type pollConfig struct {
	initial time.Duration
	cap     time.Duration
	timeout time.Duration
}

// WithPollInterval overrides the initial poll interval.
func WithPollInterval(d time.Duration) PollOption {
	return func(c *pollConfig) { c.initial = d }
}

// WithPollCap overrides the maximum poll interval.
func WithPollCap(d time.Duration) PollOption {
	return func(c *pollConfig) { c.cap = d }
}

// WithPollTimeout bounds polling when ctx has no deadline.
func WithPollTimeout(d time.Duration) PollOption {
	return func(c *pollConfig) { c.timeout = d }
}

// ErrBatchAborted is returned when a batch expires or is canceled.
var ErrBatchAborted = eris.New("anthropic: batch aborted")

// PollBatch polls GetBatch with jittered exponential backoff until the batch
// ends, is aborted, or ctx expires.
func PollBatch(ctx context.Context, client Client, batchID string, opts ...PollOption) (*BatchResponse, error) {
	cfg := pollConfig{initial: defaultPollInitial, cap: defaultPollCap, timeout: defaultPollTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	interval := cfg.initial
	for {
		batch, err := client.GetBatch(ctx, batchID)
		if err != nil {
			return nil, eris.Wrapf(err, "anthropic: poll batch %s", batchID)
		}

		switch batch.ProcessingStatus {
		case "ended":
			return batch, nil
		case "expired", "canceled", "canceling":
			return batch, eris.Wrapf(ErrBatchAborted, "batch %s %s", batchID, batch.ProcessingStatus)
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, eris.Wrapf(ctx.Err(), "anthropic: poll batch %s", batchID)
		case <-timer.C:
		}

		interval *= 2
		if interval > cfg.cap {
			interval = cfg.cap
		}
		if fifth := int64(interval) / 5; fifth > 0 {
			jitter := time.Duration(rand.Int64N(fifth))
			if rand.IntN(2) == 0 {
				interval += jitter
			} else {
				interval -= jitter
			}
		}
	}
}

// BatchFailure records a batch item that did not succeed.
type BatchFailure struct {
	CustomID string
	Type     string
}

// BatchResults holds the outcome of every item of an ended batch.
type BatchResults struct {
	Succeeded map[string]*MessageResponse
	Failures  []BatchFailure
}

// CollectBatchResults drains iter, keying succeeded messages by custom id.
func CollectBatchResults(iter BatchResultIterator) (*BatchResults, error) {
	defer iter.Close() //nolint:errcheck

	out := &BatchResults{Succeeded: make(map[string]*MessageResponse)}
	for iter.Next() {
		item := iter.Item()
		if item.Type == "succeeded" && item.Message != nil {
			out.Succeeded[item.CustomID] = item.Message
			continue
		}
		out.Failures = append(out.Failures, BatchFailure{CustomID: item.CustomID, Type: item.Type})
		zap.L().Warn("anthropic: batch item failed",
			zap.String("custom_id", item.CustomID),
			zap.String("type", item.Type),
		)
	}
	if err := iter.Err(); err != nil {
		return nil, eris.Wrap(err, "anthropic: collect batch results")
	}
	return out, nil
}
