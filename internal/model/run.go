package model

import "time"

// RunStatus is the overall status of an analysis run. It is always derived
// from the stage statuses, never set directly.
type RunStatus string

const (
	RunStatusProcessing RunStatus = "processing"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

// AnalysisRun is one end-to-end execution of the five-stage pipeline.
type AnalysisRun struct {
	ID        string        `json:"run_id"`
	InputRef  string        `json:"input_ref"`
	Strategy  string        `json:"strategy"`
	Stages    []StageStatus `json:"stage_statuses"`
	Status    RunStatus     `json:"overall_status"`
	ResultRef string        `json:"result_ref,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// NewAnalysisRun builds a run with every stage pending.
func NewAnalysisRun(id, inputRef, strategy string, now time.Time) *AnalysisRun {
	run := &AnalysisRun{
		ID:        id,
		InputRef:  inputRef,
		Strategy:  strategy,
		Stages:    make([]StageStatus, len(Stages)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, name := range Stages {
		run.Stages[i] = StageStatus{
			Stage:   name,
			Status:  StagePending,
			Message: PendingMessage(name),
		}
	}
	run.Status = run.DeriveStatus()
	return run
}

// Stage returns a pointer to the status record for name, or nil.
func (r *AnalysisRun) Stage(name StageName) *StageStatus {
	for i := range r.Stages {
		if r.Stages[i].Stage == name {
			return &r.Stages[i]
		}
	}
	return nil
}

// DeriveStatus computes the overall status: completed iff every stage is
// completed; failed iff some stage failed and no later stage is processing or
// completed; processing otherwise.
func (r *AnalysisRun) DeriveStatus() RunStatus {
	return DeriveRunStatus(r.Stages)
}

// DeriveRunStatus applies the overall status rule to an ordered stage list.
func DeriveRunStatus(stages []StageStatus) RunStatus {
	if len(stages) == 0 {
		return RunStatusProcessing
	}
	allDone := true
	for i, s := range stages {
		if s.Status != StageCompleted {
			allDone = false
		}
		if s.Status != StageFailed {
			continue
		}
		advanced := false
		for _, later := range stages[i+1:] {
			if later.Status == StageProcessing || later.Status == StageCompleted {
				advanced = true
				break
			}
		}
		if !advanced {
			return RunStatusFailed
		}
	}
	if allDone && len(stages) == len(Stages) {
		return RunStatusCompleted
	}
	return RunStatusProcessing
}

// FailedStage returns the first failed stage and its message, if any.
func (r *AnalysisRun) FailedStage() (StageName, string, bool) {
	for _, s := range r.Stages {
		if s.Status == StageFailed {
			return s.Stage, s.Message, true
		}
	}
	return "", "", false
}

// Clone returns a deep copy safe to hand to readers.
func (r *AnalysisRun) Clone() *AnalysisRun {
	if r == nil {
		return nil
	}
	out := *r
	out.Stages = make([]StageStatus, len(r.Stages))
	for i, s := range r.Stages {
		cp := s
		if s.StartedAt != nil {
			t := *s.StartedAt
			cp.StartedAt = &t
		}
		if s.CompletedAt != nil {
			t := *s.CompletedAt
			cp.CompletedAt = &t
		}
		out.Stages[i] = cp
	}
	return &out
}

// Input is what a caller submits to start a run.
type Input struct {
	Text            string `json:"research_data"`
	Strategy        string `json:"strategy"`
	IncludeMetadata bool   `json:"include_metadata"`
	// RunID optionally pins the run identifier (used by async submitters
	// that hand out the id before the run starts).
	RunID string `json:"run_id,omitempty"`
}
