package pipeline

import (
	"math"
	"time"

	"github.com/sells-group/synthesis-cli/internal/config"
	"github.com/sells-group/synthesis-cli/internal/model"
)

// Summarize computes per-stage counts, score averages and the weighted
// quality score of a record set.
func Summarize(recs model.Records, w config.QualityWeights) model.Summary {
	sum := model.Summary{
		TotalChunks:     len(recs.Chunks),
		TotalInferences: len(recs.Inferences),
		TotalPatterns:   len(recs.Patterns),
		TotalInsights:   len(recs.Insights),
		TotalPrinciples: len(recs.Principles),
	}

	sum.AvgChunkConfidence = average(len(recs.Chunks), func(i int) float64 { return recs.Chunks[i].Confidence })
	sum.AvgInferenceConf = average(len(recs.Inferences), func(i int) float64 { return recs.Inferences[i].Confidence })
	sum.AvgPatternStrength = average(len(recs.Patterns), func(i int) float64 { return recs.Patterns[i].Strength })
	sum.AvgInsightImpact = average(len(recs.Insights), func(i int) float64 { return recs.Insights[i].ImpactScore })
	sum.AvgPrinciplePriority = average(len(recs.Principles), func(i int) float64 { return recs.Principles[i].Priority })

	for _, in := range recs.Insights {
		if in.NonConsensus {
			sum.NonConsensusCount++
		}
		if in.FirstPrinciples {
			sum.FirstPrinciplesCount++
		}
	}

	sum.QualityScore = qualityScore(sum, w)
	return sum
}

// qualityScore is the weighted mean of the stage averages, normalised by
// the total weight so it stays in [0,1].
func qualityScore(sum model.Summary, w config.QualityWeights) float64 {
	total := w.ChunkConfidence + w.InferenceConfidence + w.PatternStrength + w.InsightImpact + w.PrinciplePriority
	if total <= 0 {
		return 0
	}
	score := sum.AvgChunkConfidence*w.ChunkConfidence +
		sum.AvgInferenceConf*w.InferenceConfidence +
		sum.AvgPatternStrength*w.PatternStrength +
		sum.AvgInsightImpact*w.InsightImpact +
		sum.AvgPrinciplePriority*w.PrinciplePriority
	return round3(score / total)
}

func average(n int, at func(int) float64) float64 {
	if n == 0 {
		return 0
	}
	var total float64
	for i := 0; i < n; i++ {
		total += at(i)
	}
	return round3(total / float64(n))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// assembleBundle builds the final output of a completed run.
func assembleBundle(run *model.AnalysisRun, recs model.Records, w config.QualityWeights, completed time.Time, diag *model.Diagnostics) *model.Bundle {
	return &model.Bundle{
		RunID:       run.ID,
		Strategy:    run.Strategy,
		Status:      model.RunStatusCompleted,
		Chunks:      nonNil(recs.Chunks),
		Inferences:  nonNil(recs.Inferences),
		Patterns:    nonNil(recs.Patterns),
		Insights:    nonNil(recs.Insights),
		Principles:  nonNil(recs.Principles),
		Summary:     Summarize(recs, w),
		CreatedAt:   run.CreatedAt,
		CompletedAt: completed,
		DurationMs:  completed.Sub(run.CreatedAt).Milliseconds(),
		Diagnostics: diag,
	}
}

// stageArtifact returns the records persisted under a stage's key. Empty
// collections are stored as [] rather than null.
func stageArtifact(name model.StageName, recs model.Records) any {
	switch name {
	case model.StageChunk:
		return nonNil(recs.Chunks)
	case model.StageInfer:
		return nonNil(recs.Inferences)
	case model.StageRelate:
		return nonNil(recs.Patterns)
	case model.StageExplain:
		return nonNil(recs.Insights)
	case model.StageActivate:
		return nonNil(recs.Principles)
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
