// Package monitoring summarises recent analysis runs and raises webhook
// alerts when they go wrong too often.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/synthesis-cli/internal/model"
	"github.com/sells-group/synthesis-cli/internal/store"
)

// MetricsSnapshot holds a point-in-time view of run health.
type MetricsSnapshot struct {
	RunsTotal      int     `json:"runs_total"`
	RunsCompleted  int     `json:"runs_completed"`
	RunsFailed     int     `json:"runs_failed"`
	RunsProcessing int     `json:"runs_processing"`
	FailureRate    float64 `json:"failure_rate"`

	ByStrategy   map[string]int          `json:"by_strategy"`
	FailedStages map[model.StageName]int `json:"failed_stages"`

	// Breakers maps extractor backends to their circuit state.
	Breakers map[string]string `json:"breakers,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// BreakerStates reports circuit breaker states by name.
type BreakerStates interface {
	States() map[string]string
}

// Collector gathers metrics from the result store.
type Collector struct {
	store    store.ResultStore
	breakers BreakerStates
}

// NewCollector creates a new metrics collector. breakers may be nil.
func NewCollector(st store.ResultStore, breakers BreakerStates) *Collector {
	return &Collector{store: st, breakers: breakers}
}

// Collect gathers a snapshot over the given lookback window. A window of
// zero or less covers every stored run.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	collected := time.Now().UTC()
	snap := &MetricsSnapshot{
		ByStrategy:    map[string]int{},
		FailedStages:  map[model.StageName]int{},
		LookbackHours: lookbackHours,
		CollectedAt:   collected,
	}

	var cutoff time.Time
	if lookbackHours > 0 {
		cutoff = collected.Add(-time.Duration(lookbackHours) * time.Hour)
	}

	// List is newest first, so paging stops at the first run older than
	// the cutoff.
	offset := 0
	for {
		page, err := c.store.List(ctx, store.RunFilter{Limit: store.DefaultListLimit, Offset: offset})
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list runs")
		}
		for _, r := range page {
			if !cutoff.IsZero() && r.CreatedAt.Before(cutoff) {
				return c.finish(snap), nil
			}
			snap.add(r)
		}
		if len(page) < store.DefaultListLimit {
			break
		}
		offset += len(page)
	}
	return c.finish(snap), nil
}

func (s *MetricsSnapshot) add(r model.RunSummary) {
	s.RunsTotal++
	s.ByStrategy[r.Strategy]++
	switch r.Status {
	case model.RunStatusCompleted:
		s.RunsCompleted++
	case model.RunStatusFailed:
		s.RunsFailed++
		if r.FailedStage != "" {
			s.FailedStages[r.FailedStage]++
		}
	default:
		s.RunsProcessing++
	}
}

func (c *Collector) finish(snap *MetricsSnapshot) *MetricsSnapshot {
	if finished := snap.RunsCompleted + snap.RunsFailed; finished > 0 {
		snap.FailureRate = float64(snap.RunsFailed) / float64(finished)
	}
	if c.breakers != nil {
		snap.Breakers = c.breakers.States()
	}
	return snap
}
