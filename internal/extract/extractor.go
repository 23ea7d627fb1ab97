// Package extract defines the structured-extraction contract and its
// backends. An Extractor turns one stage request into zero or more raw JSON
// records; validating them against the stage schema is the caller's job.
package extract

import (
	"context"
	"encoding/json"

	"github.com/sells-group/synthesis-cli/internal/model"
	"github.com/sells-group/synthesis-cli/internal/resilience"
)

// Extractor invokes a reasoning backend once for a stage.
type Extractor interface {
	// Name identifies the backend in logs and diagnostics.
	Name() string
	// Extract performs exactly one extraction. Errors are classified with
	// IsTransient; anything not transient is permanent.
	Extract(ctx context.Context, req Request) (*Response, error)
}

// Request is a single extraction call.
type Request struct {
	Stage model.StageName
	// Schema names the record shape the backend must return.
	Schema string
	// Instructions is the stage's fixed system prompt.
	Instructions string
	// Prompt is the rendered per-run context for the stage.
	Prompt string
	// Input is the normalised research text.
	Input string
	// Records holds the output of every earlier stage. Read-only.
	Records *model.Records
	// MaxRecords caps the number of records requested (0 = unlimited).
	MaxRecords int
}

// Usage counts tokens spent on a call.
type Usage struct {
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
	CacheWriteTokens int64 `json:"cache_write_tokens,omitempty"`
	CacheReadTokens  int64 `json:"cache_read_tokens,omitempty"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheWriteTokens += other.CacheWriteTokens
	u.CacheReadTokens += other.CacheReadTokens
}

// Response carries the raw records returned by a backend.
type Response struct {
	Records []json.RawMessage
	Backend string
	Model   string
	Batch   bool
	Usage   Usage
}

// Transient marks err as retryable.
func Transient(err error) error {
	return resilience.NewTransientError(err, 0)
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	return resilience.NewPermanentError(err, 0)
}

// IsTransient reports whether a failed extraction may be retried.
func IsTransient(err error) bool {
	return resilience.IsTransient(err)
}

// IsPermanent reports whether err is explicitly permanent.
func IsPermanent(err error) bool {
	return resilience.IsPermanent(err)
}

// classify attaches a transient/permanent marker based on an HTTP status.
// Errors without a status that are not recognisably transient stay
// unmarked, which callers treat as permanent.
func classify(err error, status int) error {
	return resilience.ClassifyHTTP(err, status)
}
