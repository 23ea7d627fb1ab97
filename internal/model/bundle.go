package model

import "time"

// Artifact keys under which a run's data is persisted.
const (
	KeyInput  = "input"
	KeyBundle = "bundle"
)

// ArtifactKey returns the result-store key for a stage's records.
func ArtifactKey(s StageName) string {
	return string(s)
}

// ArtifactKeys lists every key a completed run writes, in write order.
func ArtifactKeys() []string {
	keys := []string{KeyInput}
	for _, s := range Stages {
		keys = append(keys, ArtifactKey(s))
	}
	return append(keys, KeyBundle)
}

// StoredInput is the persisted form of a run's input.
type StoredInput struct {
	Text            string    `json:"research_data"`
	Strategy        string    `json:"strategy"`
	IncludeMetadata bool      `json:"include_metadata"`
	ReceivedAt      time.Time `json:"received_at"`
}

// Summary carries per-stage counts and aggregate quality indicators.
type Summary struct {
	TotalChunks          int     `json:"total_chunks"`
	TotalInferences      int     `json:"total_inferences"`
	TotalPatterns        int     `json:"total_patterns"`
	TotalInsights        int     `json:"total_insights"`
	TotalPrinciples      int     `json:"total_design_principles"`
	AvgChunkConfidence   float64 `json:"avg_chunk_confidence"`
	AvgInferenceConf     float64 `json:"avg_inference_confidence"`
	AvgPatternStrength   float64 `json:"avg_pattern_strength"`
	AvgInsightImpact     float64 `json:"avg_insight_impact"`
	AvgPrinciplePriority float64 `json:"avg_principle_priority"`
	QualityScore         float64 `json:"quality_score"`
	NonConsensusCount    int     `json:"non_consensus_insights"`
	FirstPrinciplesCount int     `json:"first_principles_insights"`
}

// StageDiagnostics records how a single stage was executed.
type StageDiagnostics struct {
	Stage      StageName `json:"stage"`
	Attempts   int       `json:"attempts"`
	DurationMs int64     `json:"duration_ms"`
	Records    int       `json:"records"`
	Dropped    []string  `json:"dropped,omitempty"`
	TokensIn   int64     `json:"input_tokens,omitempty"`
	TokensOut  int64     `json:"output_tokens,omitempty"`
}

// Diagnostics is attached to a bundle only when the caller asks for it.
type Diagnostics struct {
	Strategy  string             `json:"strategy"`
	Backend   string             `json:"backend"`
	Model     string             `json:"model,omitempty"`
	Stages    []StageDiagnostics `json:"stages"`
	TokensIn  int64              `json:"input_tokens"`
	TokensOut int64              `json:"output_tokens"`
	CostUSD   float64            `json:"estimated_cost_usd"`
}

// Bundle is the final output of a completed run.
type Bundle struct {
	RunID       string            `json:"run_id"`
	Strategy    string            `json:"strategy"`
	Status      RunStatus         `json:"status"`
	Chunks      []Chunk           `json:"chunks"`
	Inferences  []Inference       `json:"inferences"`
	Patterns    []Pattern         `json:"patterns"`
	Insights    []Insight         `json:"insights"`
	Principles  []DesignPrinciple `json:"design_principles"`
	Summary     Summary           `json:"summary"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt time.Time         `json:"completed_at"`
	DurationMs  int64             `json:"duration_ms"`
	Diagnostics *Diagnostics      `json:"diagnostics,omitempty"`
}

// Records returns the bundle's record collections.
func (b *Bundle) Records() Records {
	return Records{
		Chunks:     b.Chunks,
		Inferences: b.Inferences,
		Patterns:   b.Patterns,
		Insights:   b.Insights,
		Principles: b.Principles,
	}
}

// RunSummary is the list view of a run returned by the result store.
type RunSummary struct {
	ID          string    `json:"run_id"`
	Strategy    string    `json:"strategy"`
	Status      RunStatus `json:"overall_status"`
	FailedStage StageName `json:"failed_stage,omitempty"`
	Message     string    `json:"message,omitempty"`
	ResultRef   string    `json:"result_ref,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Summarize builds the list view of a run.
func (r *AnalysisRun) Summarize() RunSummary {
	sum := RunSummary{
		ID:        r.ID,
		Strategy:  r.Strategy,
		Status:    r.DeriveStatus(),
		ResultRef: r.ResultRef,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if stage, msg, ok := r.FailedStage(); ok {
		sum.FailedStage = stage
		sum.Message = msg
	}
	return sum
}
