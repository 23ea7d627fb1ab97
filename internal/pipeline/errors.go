package pipeline

import (
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/synthesis-cli/internal/model"
)

// ErrEmptyInput is returned when the research text is blank after
// normalisation. No run is created.
var ErrEmptyInput = eris.New("pipeline: research data is empty")

// StageFailure is the terminal failure of a stage: the extractor failed
// permanently or the retry ceiling was reached.
type StageFailure struct {
	Stage    model.StageName
	Attempts int
	Err      error
}

func (e *StageFailure) Error() string {
	return fmt.Sprintf("pipeline: stage %s failed after %d attempt(s): %v", e.Stage, e.Attempts, e.Err)
}

func (e *StageFailure) Unwrap() error { return e.Err }

// StorageError reports that a computed stage output could not be persisted.
// The run does not advance past Stage.
type StorageError struct {
	Stage model.StageName
	Key   string
	Err   error
}

func (e *StorageError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("pipeline: persist %s: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("pipeline: stage %s: persist %s: %v", e.Stage, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
