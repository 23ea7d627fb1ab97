package model

// ChunkType classifies a unit of research evidence.
type ChunkType string

const (
	ChunkQuote       ChunkType = "quote"
	ChunkObservation ChunkType = "observation"
	ChunkFact        ChunkType = "fact"
	ChunkBehavior    ChunkType = "behavior"
	ChunkPainPoint   ChunkType = "pain_point"
)

// Valid reports whether t is one of the known chunk types.
func (t ChunkType) Valid() bool {
	switch t {
	case ChunkQuote, ChunkObservation, ChunkFact, ChunkBehavior, ChunkPainPoint:
		return true
	}
	return false
}

// Chunk is a discrete, immutable unit of research evidence.
type Chunk struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Source     string    `json:"source"`
	Type       ChunkType `json:"chunk_type"`
	Confidence float64   `json:"confidence"`
	Tags       []string  `json:"tags"`
}

// Inference captures what a chunk means. It references exactly one chunk.
type Inference struct {
	ID         string   `json:"id"`
	ChunkID    string   `json:"chunk_id"`
	Meanings   []string `json:"meanings"`
	Importance string   `json:"importance"`
	Context    string   `json:"context"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
}

// Pattern groups related inferences into a theme. Name is unique within a run.
type Pattern struct {
	Name                string   `json:"name"`
	Description         string   `json:"description"`
	RelatedInferenceIDs []string `json:"related_inferences"`
	Themes              []string `json:"themes"`
	Strength            float64  `json:"strength"`
	EvidenceCount       int      `json:"evidence_count"`
}

// Insight explains why a pattern matters. PatternID holds the pattern name.
type Insight struct {
	ID                 string   `json:"id"`
	Headline           string   `json:"headline"`
	Explanation        string   `json:"explanation"`
	PatternID          string   `json:"pattern_id"`
	NonConsensus       bool     `json:"non_consensus"`
	FirstPrinciples    bool     `json:"first_principles"`
	ImpactScore        float64  `json:"impact_score"`
	SupportingEvidence []string `json:"supporting_evidence"`
}

// DesignPrinciple turns an insight into actionable guidance.
type DesignPrinciple struct {
	Principle       string   `json:"principle"`
	InsightID       string   `json:"insight_id"`
	ActionVerbs     []string `json:"action_verbs"`
	DesignDirection string   `json:"design_direction"`
	Priority        float64  `json:"priority"`
	Feasibility     float64  `json:"feasibility"`
}

// Records accumulates the output of every completed stage of a run.
type Records struct {
	Chunks     []Chunk           `json:"chunks"`
	Inferences []Inference       `json:"inferences"`
	Patterns   []Pattern         `json:"patterns"`
	Insights   []Insight         `json:"insights"`
	Principles []DesignPrinciple `json:"design_principles"`
}

// Count returns the number of records produced by the given stage.
func (r *Records) Count(s StageName) int {
	switch s {
	case StageChunk:
		return len(r.Chunks)
	case StageInfer:
		return len(r.Inferences)
	case StageRelate:
		return len(r.Patterns)
	case StageExplain:
		return len(r.Insights)
	case StageActivate:
		return len(r.Principles)
	}
	return 0
}

// StageRecords returns the slice produced by the given stage as an any, for
// persistence under the stage's key.
func (r *Records) StageRecords(s StageName) any {
	switch s {
	case StageChunk:
		return r.Chunks
	case StageInfer:
		return r.Inferences
	case StageRelate:
		return r.Patterns
	case StageExplain:
		return r.Insights
	case StageActivate:
		return r.Principles
	}
	return nil
}
