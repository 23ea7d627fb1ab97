// Package store persists analysis runs: per-stage status for observers and
// the artifacts each stage produces.
package store

import (
	"context"
	"encoding/json"
	"regexp"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/synthesis-cli/internal/model"
)

var (
	// ErrNotFound is returned for an unknown run or artifact.
	ErrNotFound = eris.New("store: not found")
	// ErrInvalidTransition is returned when a stage update would break the
	// pending → processing → completed|failed order.
	ErrInvalidTransition = eris.New("store: invalid stage transition")
	// ErrExists is returned when creating a run whose id is taken.
	ErrExists = eris.New("store: run already exists")
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status   model.RunStatus `json:"status,omitempty"`
	Strategy string          `json:"strategy,omitempty"`
	Limit    int             `json:"limit,omitempty"`
	Offset   int             `json:"offset,omitempty"`
}

// DefaultListLimit caps List when the filter sets no limit.
const DefaultListLimit = 100

func (f RunFilter) limit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

// ResultStore persists run artifacts keyed by (run id, key).
type ResultStore interface {
	Save(ctx context.Context, runID, key string, data []byte) error
	Load(ctx context.Context, runID, key string) ([]byte, error)
	Keys(ctx context.Context, runID string) ([]string, error)
	List(ctx context.Context, filter RunFilter) ([]model.RunSummary, error)
	Delete(ctx context.Context, runID string) error
}

// StatusTracker records per-stage lifecycle for a run. Writes are durable
// before they return.
type StatusTracker interface {
	Create(ctx context.Context, run *model.AnalysisRun) error
	Update(ctx context.Context, runID string, stage model.StageName, status model.StageState, message string) error
	SetResult(ctx context.Context, runID, ref string) error
	Read(ctx context.Context, runID string) (*model.AnalysisRun, error)
}

// Store is a backend that serves both contracts.
type Store interface {
	ResultStore
	StatusTracker
	Migrate(ctx context.Context) error
	Close() error
}

// now is swapped in tests.
var now = func() time.Time { return time.Now().UTC() }

var keyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,63}$`)

func validateKey(runID, key string) error {
	if runID == "" {
		return eris.New("store: run id is required")
	}
	if !keyPattern.MatchString(key) {
		return eris.Errorf("store: invalid artifact key %q", key)
	}
	return nil
}

// applyUpdate moves one stage of run to status. Same-state writes overwrite
// the message. A stage may not start before every earlier stage completed.
func applyUpdate(run *model.AnalysisRun, stage model.StageName, status model.StageState, message string, at time.Time) error {
	st := run.Stage(stage)
	if st == nil {
		return eris.Wrapf(ErrInvalidTransition, "unknown stage %q", stage)
	}
	if status == model.StageProcessing && st.Status == model.StagePending {
		for _, earlier := range run.Stages[:stage.Index()] {
			if earlier.Status != model.StageCompleted {
				return eris.Wrapf(ErrInvalidTransition, "%s cannot start while %s is %s", stage, earlier.Stage, earlier.Status)
			}
		}
	}
	if !st.Apply(status, message, at) {
		return eris.Wrapf(ErrInvalidTransition, "%s: %s -> %s", stage, st.Status, status)
	}
	run.Status = run.DeriveStatus()
	run.UpdatedAt = at
	return nil
}

// SaveJSON marshals v and saves it under key.
func SaveJSON(ctx context.Context, rs ResultStore, runID, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return eris.Wrapf(err, "store: marshal %s", key)
	}
	return rs.Save(ctx, runID, key, data)
}

// LoadJSON loads key and unmarshals it into v.
func LoadJSON(ctx context.Context, rs ResultStore, runID, key string, v any) error {
	data, err := rs.Load(ctx, runID, key)
	if err != nil {
		return err
	}
	return eris.Wrapf(json.Unmarshal(data, v), "store: unmarshal %s", key)
}

// LoadBundle returns the final bundle of a run.
func LoadBundle(ctx context.Context, rs ResultStore, runID string) (*model.Bundle, error) {
	var b model.Bundle
	if err := LoadJSON(ctx, rs, runID, model.KeyBundle, &b); err != nil {
		return nil, err
	}
	return &b, nil
}
