package stage

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/sells-group/synthesis-cli/internal/model"
)

// Dropped records why a raw record was rejected.
type Dropped struct {
	Index   int      `json:"index"`
	Reasons []string `json:"reasons"`
}

func (d Dropped) String() string {
	return fmt.Sprintf("record %d: %s", d.Index, strings.Join(d.Reasons, "; "))
}

// reasons accumulates field problems for one record.
type reasons []string

func (r *reasons) add(format string, args ...any) {
	*r = append(*r, fmt.Sprintf(format, args...))
}

// score validates and clamps a 0..1 score. A missing or NaN score is a
// reason to reject the record.
func score(field string, v *float64, errs *reasons) float64 {
	if v == nil {
		errs.add("%s is required", field)
		return 0
	}
	if math.IsNaN(*v) || math.IsInf(*v, 0) {
		errs.add("%s is not a number", field)
		return 0
	}
	return clamp(*v)
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// uniqueStrings trims, drops empties and removes duplicates, preserving order.
func uniqueStrings(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		key := strings.ToLower(s)
		if s == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}

// ids hands out identifiers, keeping backend-supplied ones when unique.
type ids struct {
	prefix string
	seen   map[string]bool
	next   int
}

func newIDs(prefix string) *ids {
	return &ids{prefix: prefix, seen: make(map[string]bool)}
}

func (g *ids) assign(candidate string) string {
	candidate = strings.TrimSpace(candidate)
	if candidate != "" && !g.seen[candidate] {
		g.seen[candidate] = true
		return candidate
	}
	for {
		g.next++
		id := fmt.Sprintf("%s_%d", g.prefix, g.next)
		if !g.seen[id] {
			g.seen[id] = true
			return id
		}
	}
}

type chunkWire struct {
	ID         string   `json:"id"`
	Content    string   `json:"content"`
	Source     string   `json:"source"`
	Type       string   `json:"chunk_type"`
	AltType    string   `json:"type"`
	Confidence *float64 `json:"confidence"`
	Tags       []string `json:"tags"`
}

func normalizeChunkType(s string) model.ChunkType {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
	return model.ChunkType(s)
}

func (r *Runner) validateChunks(raw []json.RawMessage) ([]model.Chunk, []Dropped) {
	var (
		out     []model.Chunk
		dropped []Dropped
		gen     = newIDs("chunk")
	)
	for i, msg := range raw {
		var w chunkWire
		if err := json.Unmarshal(msg, &w); err != nil {
			dropped = append(dropped, Dropped{Index: i, Reasons: []string{"not a chunk object: " + err.Error()}})
			continue
		}
		var errs reasons
		content := strings.TrimSpace(w.Content)
		if content == "" {
			errs.add("content is required")
		}
		kind := w.Type
		if kind == "" {
			kind = w.AltType
		}
		ct := normalizeChunkType(kind)
		if !ct.Valid() {
			errs.add("chunk_type %q is not recognised", kind)
		}
		conf := score("confidence", w.Confidence, &errs)
		if len(errs) == 0 && conf < r.opts.MinChunkConfidence {
			errs.add("confidence %.2f below minimum %.2f", conf, r.opts.MinChunkConfidence)
		}
		if len(errs) > 0 {
			dropped = append(dropped, Dropped{Index: i, Reasons: errs})
			continue
		}
		if r.opts.MaxChunks > 0 && len(out) >= r.opts.MaxChunks {
			dropped = append(dropped, Dropped{Index: i, Reasons: []string{"exceeds maximum chunk count"}})
			continue
		}
		source := strings.TrimSpace(w.Source)
		if source == "" {
			source = "research_data"
		}
		out = append(out, model.Chunk{
			ID:         gen.assign(w.ID),
			Content:    content,
			Source:     source,
			Type:       ct,
			Confidence: conf,
			Tags:       uniqueStrings(w.Tags),
		})
	}
	return out, dropped
}

type inferenceWire struct {
	ID         string   `json:"id"`
	ChunkID    string   `json:"chunk_id"`
	Meanings   []string `json:"meanings"`
	Importance string   `json:"importance"`
	Context    string   `json:"context"`
	Confidence *float64 `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
}

func (r *Runner) validateInferences(raw []json.RawMessage, prior *model.Records) ([]model.Inference, []Dropped) {
	chunks := make(map[string]bool, len(prior.Chunks))
	for _, c := range prior.Chunks {
		chunks[c.ID] = true
	}

	var (
		out     []model.Inference
		dropped []Dropped
		gen     = newIDs("inference")
	)
	for i, msg := range raw {
		var w inferenceWire
		if err := json.Unmarshal(msg, &w); err != nil {
			dropped = append(dropped, Dropped{Index: i, Reasons: []string{"not an inference object: " + err.Error()}})
			continue
		}
		var errs reasons
		chunkID := strings.TrimSpace(w.ChunkID)
		switch {
		case chunkID == "":
			errs.add("chunk_id is required")
		case !chunks[chunkID]:
			errs.add("chunk_id %q does not match any chunk", chunkID)
		}
		meanings := uniqueStrings(w.Meanings)
		if len(meanings) == 0 {
			errs.add("meanings must not be empty")
		}
		conf := score("confidence", w.Confidence, &errs)
		if len(errs) > 0 {
			dropped = append(dropped, Dropped{Index: i, Reasons: errs})
			continue
		}
		out = append(out, model.Inference{
			ID:         gen.assign(w.ID),
			ChunkID:    chunkID,
			Meanings:   meanings,
			Importance: strings.TrimSpace(w.Importance),
			Context:    strings.TrimSpace(w.Context),
			Confidence: conf,
			Reasoning:  strings.TrimSpace(w.Reasoning),
		})
	}
	return out, dropped
}

type patternWire struct {
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	Related       []string `json:"related_inferences"`
	RelatedIDs    []string `json:"related_inference_ids"`
	Themes        []string `json:"themes"`
	Strength      *float64 `json:"strength"`
	EvidenceCount *int     `json:"evidence_count"`
}

func (r *Runner) validatePatterns(raw []json.RawMessage, prior *model.Records) ([]model.Pattern, []Dropped) {
	inferences := make(map[string]bool, len(prior.Inferences))
	byChunk := make(map[string][]string)
	for _, inf := range prior.Inferences {
		inferences[inf.ID] = true
		byChunk[inf.ChunkID] = append(byChunk[inf.ChunkID], inf.ID)
	}

	var (
		out     []model.Pattern
		dropped []Dropped
		names   = make(map[string]bool)
	)
	for i, msg := range raw {
		var w patternWire
		if err := json.Unmarshal(msg, &w); err != nil {
			dropped = append(dropped, Dropped{Index: i, Reasons: []string{"not a pattern object: " + err.Error()}})
			continue
		}
		var errs reasons
		name := strings.TrimSpace(w.Name)
		switch {
		case name == "":
			errs.add("name is required")
		case names[strings.ToLower(name)]:
			errs.add("duplicate pattern name %q", name)
		}

		// References may name an inference or the chunk it interprets.
		var related []string
		seen := make(map[string]bool)
		for _, ref := range append(w.Related, w.RelatedIDs...) {
			ref = strings.TrimSpace(ref)
			targets := byChunk[ref]
			if inferences[ref] {
				targets = []string{ref}
			}
			for _, id := range targets {
				if !seen[id] {
					seen[id] = true
					related = append(related, id)
				}
			}
		}
		if len(related) == 0 {
			errs.add("related_inferences resolve to no known inference")
		}
		strength := score("strength", w.Strength, &errs)
		if len(errs) > 0 {
			dropped = append(dropped, Dropped{Index: i, Reasons: errs})
			continue
		}
		evidence := len(related)
		if w.EvidenceCount != nil && *w.EvidenceCount >= evidence {
			evidence = *w.EvidenceCount
		}
		names[strings.ToLower(name)] = true
		out = append(out, model.Pattern{
			Name:                name,
			Description:         strings.TrimSpace(w.Description),
			RelatedInferenceIDs: related,
			Themes:              uniqueStrings(w.Themes),
			Strength:            strength,
			EvidenceCount:       evidence,
		})
	}
	return out, dropped
}

type insightWire struct {
	ID                 string   `json:"id"`
	Headline           string   `json:"headline"`
	Explanation        string   `json:"explanation"`
	PatternID          string   `json:"pattern_id"`
	NonConsensus       bool     `json:"non_consensus"`
	FirstPrinciples    bool     `json:"first_principles"`
	ImpactScore        *float64 `json:"impact_score"`
	SupportingEvidence []string `json:"supporting_evidence"`
}

func (r *Runner) validateInsights(raw []json.RawMessage, prior *model.Records) ([]model.Insight, []Dropped) {
	patterns := make(map[string]string, len(prior.Patterns))
	for _, p := range prior.Patterns {
		patterns[strings.ToLower(p.Name)] = p.Name
	}

	var (
		out     []model.Insight
		dropped []Dropped
		gen     = newIDs("insight")
	)
	for i, msg := range raw {
		var w insightWire
		if err := json.Unmarshal(msg, &w); err != nil {
			dropped = append(dropped, Dropped{Index: i, Reasons: []string{"not an insight object: " + err.Error()}})
			continue
		}
		var errs reasons
		headline := strings.TrimSpace(w.Headline)
		if headline == "" {
			errs.add("headline is required")
		}
		ref := strings.TrimSpace(w.PatternID)
		pattern, ok := patterns[strings.ToLower(ref)]
		if !ok {
			errs.add("pattern_id %q does not match any pattern", ref)
		}
		impact := score("impact_score", w.ImpactScore, &errs)
		if len(errs) > 0 {
			dropped = append(dropped, Dropped{Index: i, Reasons: errs})
			continue
		}
		out = append(out, model.Insight{
			ID:                 gen.assign(w.ID),
			Headline:           headline,
			Explanation:        strings.TrimSpace(w.Explanation),
			PatternID:          pattern,
			NonConsensus:       w.NonConsensus,
			FirstPrinciples:    w.FirstPrinciples,
			ImpactScore:        impact,
			SupportingEvidence: uniqueStrings(w.SupportingEvidence),
		})
	}
	return out, dropped
}

type principleWire struct {
	Principle       string   `json:"principle"`
	InsightID       string   `json:"insight_id"`
	ActionVerbs     []string `json:"action_verbs"`
	DesignDirection string   `json:"design_direction"`
	Priority        *float64 `json:"priority"`
	Feasibility     *float64 `json:"feasibility"`
}

func (r *Runner) validatePrinciples(raw []json.RawMessage, prior *model.Records) ([]model.DesignPrinciple, []Dropped) {
	insights := make(map[string]string, len(prior.Insights)*2)
	for _, in := range prior.Insights {
		insights[strings.ToLower(in.ID)] = in.ID
		if _, taken := insights[strings.ToLower(in.Headline)]; !taken {
			insights[strings.ToLower(in.Headline)] = in.ID
		}
	}

	var (
		out     []model.DesignPrinciple
		dropped []Dropped
	)
	for i, msg := range raw {
		var w principleWire
		if err := json.Unmarshal(msg, &w); err != nil {
			dropped = append(dropped, Dropped{Index: i, Reasons: []string{"not a design principle object: " + err.Error()}})
			continue
		}
		var errs reasons
		text := strings.TrimSpace(w.Principle)
		if text == "" {
			errs.add("principle is required")
		}
		ref := strings.TrimSpace(w.InsightID)
		insightID, ok := insights[strings.ToLower(ref)]
		if !ok {
			errs.add("insight_id %q does not match any insight", ref)
		}
		priority := score("priority", w.Priority, &errs)
		feasibility := priority
		if w.Feasibility != nil {
			feasibility = score("feasibility", w.Feasibility, &errs)
		}
		if len(errs) > 0 {
			dropped = append(dropped, Dropped{Index: i, Reasons: errs})
			continue
		}
		verbs := uniqueStrings(w.ActionVerbs)
		for j := range verbs {
			verbs[j] = strings.ToLower(verbs[j])
		}
		out = append(out, model.DesignPrinciple{
			Principle:       text,
			InsightID:       insightID,
			ActionVerbs:     verbs,
			DesignDirection: strings.TrimSpace(w.DesignDirection),
			Priority:        priority,
			Feasibility:     feasibility,
		})
	}
	return out, dropped
}
