package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/synthesis-cli/internal/model"
)

// Heuristic is a deterministic, rule-based extractor. It needs no network
// access or credentials, which makes it the default strategy and the
// fallback for hybrid runs.
type Heuristic struct{}

// NewHeuristic creates a rule-based Extractor.
func NewHeuristic() *Heuristic { return &Heuristic{} }

// Name implements Extractor.
func (h *Heuristic) Name() string { return "heuristic" }

// Extract implements Extractor.
func (h *Heuristic) Extract(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, Transient(err)
	}

	recs := req.Records
	if recs == nil {
		recs = &model.Records{}
	}

	var out []any
	switch req.Stage {
	case model.StageChunk:
		for _, c := range heuristicChunks(req.Input, req.MaxRecords) {
			out = append(out, c)
		}
	case model.StageInfer:
		for i, c := range recs.Chunks {
			out = append(out, heuristicInference(i, c))
		}
	case model.StageRelate:
		for _, p := range heuristicPatterns(recs.Inferences) {
			out = append(out, p)
		}
	case model.StageExplain:
		for i, p := range recs.Patterns {
			out = append(out, heuristicInsight(i, p, recs))
		}
	case model.StageActivate:
		for _, in := range recs.Insights {
			out = append(out, heuristicPrinciple(in))
		}
	default:
		return nil, Permanent(eris.Errorf("heuristic: unknown stage %q", req.Stage))
	}

	records := make([]json.RawMessage, 0, len(out))
	for _, r := range out {
		b, err := json.Marshal(r)
		if err != nil {
			return nil, Permanent(eris.Wrap(err, "heuristic: marshal record"))
		}
		records = append(records, b)
	}
	return &Response{Records: records, Backend: h.Name()}, nil
}

var (
	observationWords = []string{"observed", "noticed", "saw", "watched"}
	factWords        = []string{"fact", "data", "statistic", "percent", "%"}
	behaviorWords    = []string{"behavior", "behaviour", "action", " did ", "clicked", "usually", "always"}

	complexityWords = []string{"complex", "complicated", "cluttered", "confusing", "confused", "overwhelm"}
	speedWords      = []string{"slow", "fast", "quick", "speed", "wait", "efficien"}
	simplicityWords = []string{"simple", "simplicit", "easy", "intuitive"}
)

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// chunkType classifies a line of research text.
func chunkType(content string) model.ChunkType {
	lower := " " + strings.ToLower(content) + " "
	switch {
	case strings.ContainsAny(content, "\"“”"):
		return model.ChunkQuote
	case containsAny(lower, observationWords):
		return model.ChunkObservation
	case containsAny(lower, factWords):
		return model.ChunkFact
	case containsAny(lower, behaviorWords):
		return model.ChunkBehavior
	default:
		return model.ChunkPainPoint
	}
}

// theme maps text onto one of the heuristic themes.
func theme(text string) string {
	lower := strings.ToLower(text)
	switch {
	case containsAny(lower, complexityWords), strings.Contains(lower, "clear"), strings.Contains(lower, "understand"):
		return "clarity"
	case containsAny(lower, speedWords):
		return "efficiency"
	case containsAny(lower, simplicityWords):
		return "simplicity"
	default:
		return "user_needs"
	}
}

func chunkTags(content string, ct model.ChunkType) []string {
	lower := strings.ToLower(content)
	tags := []string{string(ct)}
	if strings.Contains(lower, "user") {
		tags = append(tags, "user_feedback")
	}
	if containsAny(lower, []string{"frustrat", "angry", "annoy", "hate"}) {
		tags = append(tags, "negative_emotion")
	}
	if containsAny(lower, []string{"happy", "satisf", "pleased", "love"}) {
		tags = append(tags, "positive_emotion")
	}
	if containsAny(lower, []string{"interface", " ui", "design", "screen", "app"}) {
		tags = append(tags, "interface_related")
	}
	if containsAny(lower, complexityWords) {
		tags = append(tags, "complexity")
	}
	if containsAny(lower, speedWords) {
		tags = append(tags, "speed")
	}
	return tags
}

// chunkSource returns the speaker label of a "Speaker: text" line.
func chunkSource(line string) string {
	if idx := strings.Index(line, ":"); idx > 0 && idx <= 24 {
		speaker := strings.TrimSpace(line[:idx])
		if speaker != "" && !strings.ContainsAny(speaker, ".!?\"") {
			return speaker
		}
	}
	return "research_data"
}

func heuristicChunks(input string, limit int) []model.Chunk {
	var chunks []model.Chunk
	for _, line := range strings.Split(input, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		ct := chunkType(line)
		chunks = append(chunks, model.Chunk{
			ID:         "chunk_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
			Content:    line,
			Source:     chunkSource(line),
			Type:       ct,
			Confidence: 0.85,
			Tags:       chunkTags(line, ct),
		})
		if limit > 0 && len(chunks) >= limit {
			break
		}
	}
	return chunks
}

var themeMeanings = map[string][]string{
	"clarity": {
		"Users struggle with complexity",
		"Dense interfaces make it hard to understand what matters",
		"Users need clear information hierarchy",
	},
	"efficiency": {
		"Users prioritize speed and efficiency",
		"Delays break the flow of the task",
		"Every extra step is perceived as a cost",
	},
	"simplicity": {
		"Users prefer simplicity",
		"Ease of use drives continued adoption",
	},
	"user_needs": {
		"Users have an unmet core need",
		"The current experience does not match user expectations",
	},
}

func heuristicInference(i int, c model.Chunk) model.Inference {
	th := theme(c.Content)
	return model.Inference{
		ID:         fmt.Sprintf("inference_%d", i+1),
		ChunkID:    c.ID,
		Meanings:   append([]string(nil), themeMeanings[th]...),
		Importance: "Reveals a user need that directly affects design decisions",
		Context:    fmt.Sprintf("Evidence from %s about %s", c.Source, strings.ReplaceAll(th, "_", " ")),
		Confidence: 0.86,
		Reasoning:  fmt.Sprintf("Derived from the %s %q", strings.ReplaceAll(string(c.Type), "_", " "), c.Content),
	}
}

type themeSpec struct {
	pattern     string
	description string
	strength    float64
	headline    string
	impact      float64
	principle   string
	verbs       []string
	direction   string
	feasibility float64
}

var themeOrder = []string{"efficiency", "clarity", "simplicity", "user_needs"}

var themes = map[string]themeSpec{
	"efficiency": {
		pattern:     "User Efficiency Needs",
		description: "Users consistently value speed and low effort over breadth of features",
		strength:    0.89,
		headline:    "USERS PRIORITIZE SPEED OVER FEATURES",
		impact:      0.93,
		principle:   "The system should prioritize speed and efficiency over feature complexity",
		verbs:       []string{"prioritize", "simplify", "streamline"},
		direction:   "Focus on reducing steps and eliminating unnecessary complexity",
		feasibility: 0.85,
	},
	"clarity": {
		pattern:     "Information Clarity",
		description: "Users consistently struggle when information is dense or complex",
		strength:    0.87,
		headline:    "COMPLEXITY CREATES COGNITIVE BARRIERS",
		impact:      0.91,
		principle:   "The experience must present information with maximum clarity and minimal cognitive load",
		verbs:       []string{"clarify", "simplify", "reduce"},
		direction:   "Use progressive disclosure and clear visual hierarchy",
		feasibility: 0.82,
	},
	"simplicity": {
		pattern:     "Simplicity Preference",
		description: "Users gravitate toward experiences that feel simple and obvious",
		strength:    0.85,
		headline:    "SIMPLICITY DRIVES ADOPTION",
		impact:      0.88,
		principle:   "The system should simplify user workflows and reduce decision fatigue",
		verbs:       []string{"simplify", "reduce", "enable"},
		direction:   "Minimize choices and provide clear defaults",
		feasibility: 0.84,
	},
	"user_needs": {
		pattern:     "Core User Needs",
		description: "Users repeatedly point to essential needs the product does not yet meet",
		strength:    0.84,
		headline:    "CORE NEEDS TRUMP FEATURE RICHNESS",
		impact:      0.86,
		principle:   "The experience must focus on core user needs rather than feature completeness",
		verbs:       []string{"focus", "prioritize", "enable"},
		direction:   "Identify and prioritize the most essential features",
		feasibility: 0.8,
	},
}

func heuristicPatterns(inferences []model.Inference) []model.Pattern {
	groups := make(map[string][]string)
	for _, inf := range inferences {
		th := theme(strings.Join(inf.Meanings, " "))
		groups[th] = append(groups[th], inf.ID)
	}

	var patterns []model.Pattern
	for _, th := range themeOrder {
		ids := groups[th]
		if len(ids) == 0 {
			continue
		}
		tm := themes[th]
		patterns = append(patterns, model.Pattern{
			Name:                tm.pattern,
			Description:         tm.description,
			RelatedInferenceIDs: ids,
			Themes:              []string{th},
			Strength:            tm.strength,
			EvidenceCount:       len(ids),
		})
	}
	return patterns
}

func patternTheme(p model.Pattern) string {
	for _, th := range p.Themes {
		if _, ok := themes[th]; ok {
			return th
		}
	}
	return theme(p.Name + " " + p.Description)
}

func heuristicInsight(i int, p model.Pattern, recs *model.Records) model.Insight {
	tm := themes[patternTheme(p)]

	related := make(map[string]bool, len(p.RelatedInferenceIDs))
	for _, id := range p.RelatedInferenceIDs {
		related[id] = true
	}
	chunkContent := make(map[string]string, len(recs.Chunks))
	for _, c := range recs.Chunks {
		chunkContent[c.ID] = c.Content
	}
	var evidence []string
	for _, inf := range recs.Inferences {
		if related[inf.ID] || related[inf.ChunkID] {
			if content, ok := chunkContent[inf.ChunkID]; ok {
				evidence = append(evidence, content)
			}
		}
	}

	return model.Insight{
		ID:                 fmt.Sprintf("insight_%d", i+1),
		Headline:           tm.headline,
		Explanation:        fmt.Sprintf("%s, which points to a fundamental truth about how people use the product", tm.description),
		PatternID:          p.Name,
		NonConsensus:       p.Strength > 0.88,
		FirstPrinciples:    true,
		ImpactScore:        tm.impact,
		SupportingEvidence: evidence,
	}
}

func heuristicPrinciple(in model.Insight) model.DesignPrinciple {
	for _, th := range themeOrder {
		tm := themes[th]
		if strings.EqualFold(tm.headline, in.Headline) {
			return model.DesignPrinciple{
				Principle:       tm.principle,
				InsightID:       in.ID,
				ActionVerbs:     append([]string(nil), tm.verbs...),
				DesignDirection: tm.direction,
				Priority:        in.ImpactScore,
				Feasibility:     tm.feasibility,
			}
		}
	}
	return model.DesignPrinciple{
		Principle:       "The system should address " + strings.ToLower(in.Headline),
		InsightID:       in.ID,
		ActionVerbs:     []string{"improve", "enable", "reduce"},
		DesignDirection: "Address the core user need identified in the insight",
		Priority:        in.ImpactScore,
		Feasibility:     0.8,
	}
}
