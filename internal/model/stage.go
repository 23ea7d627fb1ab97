package model

import "time"

// StageName identifies one of the five analysis stages.
type StageName string

const (
	StageChunk    StageName = "chunk"
	StageInfer    StageName = "infer"
	StageRelate   StageName = "relate"
	StageExplain  StageName = "explain"
	StageActivate StageName = "activate"
)

// Stages lists every stage in execution order.
var Stages = []StageName{StageChunk, StageInfer, StageRelate, StageExplain, StageActivate}

// Index returns the position of s in the execution order, or -1.
func (s StageName) Index() int {
	for i, name := range Stages {
		if name == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known stage.
func (s StageName) Valid() bool {
	return s.Index() >= 0
}

// Next returns the stage after s and false when s is the last stage.
func (s StageName) Next() (StageName, bool) {
	i := s.Index()
	if i < 0 || i+1 >= len(Stages) {
		return "", false
	}
	return Stages[i+1], true
}

// StageState is the lifecycle state of a single stage.
type StageState string

const (
	StagePending    StageState = "pending"
	StageProcessing StageState = "processing"
	StageCompleted  StageState = "completed"
	StageFailed     StageState = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s StageState) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// CanTransition reports whether a stage may move from s to next. Writing the
// same state again is allowed so tracker updates stay idempotent.
func (s StageState) CanTransition(next StageState) bool {
	if s == next {
		return true
	}
	switch s {
	case StagePending:
		return next == StageProcessing
	case StageProcessing:
		return next == StageCompleted || next == StageFailed
	default:
		return false
	}
}

// PreviousStates lists the states from which next may be written.
func PreviousStates(next StageState) []StageState {
	switch next {
	case StageProcessing:
		return []StageState{StagePending, StageProcessing}
	case StageCompleted:
		return []StageState{StageProcessing, StageCompleted}
	case StageFailed:
		return []StageState{StageProcessing, StageFailed}
	default:
		return []StageState{StagePending}
	}
}

// StageStatus is the tracked lifecycle record for one stage of a run.
type StageStatus struct {
	Stage       StageName  `json:"stage_name"`
	Status      StageState `json:"status"`
	Message     string     `json:"message"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Apply moves the status to next, stamping started_at/completed_at. It
// returns false and leaves the status untouched for an illegal transition.
func (s *StageStatus) Apply(next StageState, message string, at time.Time) bool {
	if !s.Status.CanTransition(next) {
		return false
	}
	s.Status = next
	s.Message = message
	switch next {
	case StageProcessing:
		if s.StartedAt == nil {
			t := at
			s.StartedAt = &t
		}
	case StageCompleted, StageFailed:
		t := at
		s.CompletedAt = &t
	}
	return true
}

// pendingMessages holds the initial message for each stage while it waits.
var pendingMessages = map[StageName]string{
	StageChunk:    "Waiting to start chunking",
	StageInfer:    "Waiting for chunking to complete",
	StageRelate:   "Waiting for inference to complete",
	StageExplain:  "Waiting for pattern analysis to complete",
	StageActivate: "Waiting for explanation to complete",
}

// PendingMessage returns the waiting message written when a run is created.
func PendingMessage(s StageName) string {
	return pendingMessages[s]
}
