package main

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Anonymizer is a bijection from opaque labels ("Response A", "Response B",
// ...) to model ids, scoped to one turn. Labels are assigned in Stage 1
// completion order, which QueryModelsParallel already randomizes by network
// timing, so position never reveals identity. Within a turn the mapping is
// fixed: the same model always gets the same label.
type Anonymizer struct {
	order        []string // model ids in label-assignment order
	labelToModel map[string]string
	modelToLabel map[string]string
}

// NewAnonymizer assigns labels to the given Stage 1 responses in slice
// order (completion order).
func NewAnonymizer(stage1 []Stage1Response) *Anonymizer {
	a := &Anonymizer{
		labelToModel: make(map[string]string, len(stage1)),
		modelToLabel: make(map[string]string, len(stage1)),
	}
	for i, result := range stage1 {
		label := fmt.Sprintf("Response %c", rune('A'+i))
		a.order = append(a.order, result.Model)
		a.labelToModel[label] = result.Model
		a.modelToLabel[result.Model] = label
	}
	return a
}

// LabelFor returns the label assigned to a model.
func (a *Anonymizer) LabelFor(model string) (string, bool) {
	label, ok := a.modelToLabel[model]
	return label, ok
}

// ModelFor resolves a label back to its model id.
func (a *Anonymizer) ModelFor(label string) (string, bool) {
	model, ok := a.labelToModel[label]
	return model, ok
}

// LabelToModel returns a copy of the label→model map for turn metadata.
func (a *Anonymizer) LabelToModel() map[string]string {
	out := make(map[string]string, len(a.labelToModel))
	for label, model := range a.labelToModel {
		out[label] = model
	}
	return out
}

// Order returns model ids in label-assignment order.
func (a *Anonymizer) Order() []string {
	out := make([]string, len(a.order))
	copy(out, a.order)
	return out
}

// Len returns the number of anonymized responses.
func (a *Anonymizer) Len() int {
	return len(a.order)
}

// ParseRankingFromText extracts the ranking from a model's response text.
// Looks for a "FINAL RANKING:" section and parses numbered entries (e.g.
// "1. Response A"), falling back to any "Response X" patterns in order.
// Malformed or partial rankings degrade to whatever parsed; never errors.
func ParseRankingFromText(rankingText string) []string {
	if strings.Contains(rankingText, "FINAL RANKING:") {
		parts := strings.Split(rankingText, "FINAL RANKING:")
		if len(parts) >= 2 {
			rankingSection := parts[1]

			// Try the numbered list format first (e.g., "1. Response A")
			numberedPattern := regexp.MustCompile(`\d+\.\s*Response [A-Z]`)
			numberedMatches := numberedPattern.FindAllString(rankingSection, -1)
			if len(numberedMatches) > 0 {
				responsePattern := regexp.MustCompile(`Response [A-Z]`)
				var results []string
				for _, match := range numberedMatches {
					if resp := responsePattern.FindString(match); resp != "" {
						results = append(results, resp)
					}
				}
				return results
			}

			// Fallback: all "Response X" patterns in the section, in order
			responsePattern := regexp.MustCompile(`Response [A-Z]`)
			matches := responsePattern.FindAllString(rankingSection, -1)
			if len(matches) > 0 {
				return matches
			}
		}
	}

	// Fallback: any "Response X" patterns anywhere, in order
	responsePattern := regexp.MustCompile(`Response [A-Z]`)
	return responsePattern.FindAllString(rankingText, -1)
}

// positionsByModel collects each model's 1-based positions across all
// rankings. Labels that resolve to no model are skipped.
func positionsByModel(stage2Results []Stage2Ranking, anon *Anonymizer) map[string][]int {
	positions := make(map[string][]int)
	for _, ranking := range stage2Results {
		for i, label := range ranking.ParsedRanking {
			if model, ok := anon.ModelFor(label); ok {
				positions[model] = append(positions[model], i+1)
			}
		}
	}
	return positions
}

// CalculateAggregateRankings computes the aggregate ranking across all
// evaluators: mean position per model, sorted best first. The reduction is
// order-independent in its inputs. Models with zero valid mentions are
// appended after every ranked model in label-assignment order, flagged
// unranked instead of being given a synthetic average.
func CalculateAggregateRankings(stage2Results []Stage2Ranking, anon *Anonymizer) []AggregateRanking {
	positions := positionsByModel(stage2Results, anon)

	orderIndex := make(map[string]int, anon.Len())
	for i, model := range anon.Order() {
		orderIndex[model] = i
	}

	var ranked []AggregateRanking
	for model, pos := range positions {
		sum := 0
		for _, p := range pos {
			sum += p
		}
		ranked = append(ranked, AggregateRanking{
			Model:         model,
			AverageRank:   float64(sum) / float64(len(pos)),
			RankingsCount: len(pos),
		})
	}

	// Ties resolve by label-assignment order so the result is reproducible
	// within a turn.
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].AverageRank != ranked[j].AverageRank {
			return ranked[i].AverageRank < ranked[j].AverageRank
		}
		return orderIndex[ranked[i].Model] < orderIndex[ranked[j].Model]
	})

	for _, model := range anon.Order() {
		if _, ok := positions[model]; !ok {
			ranked = append(ranked, AggregateRanking{
				Model:    model,
				Unranked: true,
			})
		}
	}

	return ranked
}

// CalculateQualityMetrics computes per-model average rank and a consensus
// score from position variance: 1/(1+variance), so perfect agreement
// scores 1.0 and wide disagreement approaches 0.
func CalculateQualityMetrics(stage2Results []Stage2Ranking, anon *Anonymizer) map[string]QualityMetrics {
	positions := positionsByModel(stage2Results, anon)

	metrics := make(map[string]QualityMetrics, len(positions))
	for model, pos := range positions {
		sum := 0
		for _, p := range pos {
			sum += p
		}
		avg := float64(sum) / float64(len(pos))

		variance := 0.0
		for _, p := range pos {
			d := float64(p) - avg
			variance += d * d
		}
		variance /= float64(len(pos))

		metrics[model] = QualityMetrics{
			AvgRank:        avg,
			ConsensusScore: 1.0 / (1.0 + variance),
			NumRankings:    len(pos),
		}
	}
	return metrics
}

// ComputeOverallConfidence maps average consensus across models to a
// confidence label. Strictly higher agreement never yields a lower label.
func ComputeOverallConfidence(metrics map[string]QualityMetrics) (string, float64) {
	if len(metrics) == 0 {
		return "UNKNOWN", 0.0
	}

	total := 0.0
	for _, m := range metrics {
		total += m.ConsensusScore
	}
	avgConsensus := total / float64(len(metrics))

	switch {
	case avgConsensus > 0.75:
		return "HIGH", avgConsensus
	case avgConsensus > 0.5:
		return "MEDIUM", avgConsensus
	default:
		return "LOW", avgConsensus
	}
}

// FormatConsensusDetails renders quality metrics for the chairman prompt,
// best average rank first.
func FormatConsensusDetails(metrics map[string]QualityMetrics) string {
	if len(metrics) == 0 {
		return ""
	}

	models := make([]string, 0, len(metrics))
	for model := range metrics {
		models = append(models, model)
	}
	sort.Slice(models, func(i, j int) bool {
		if metrics[models[i]].AvgRank != metrics[models[j]].AvgRank {
			return metrics[models[i]].AvgRank < metrics[models[j]].AvgRank
		}
		return models[i] < models[j]
	})

	var b strings.Builder
	for _, model := range models {
		m := metrics[model]
		fmt.Fprintf(&b, "- %s: avg rank %.2f, consensus %.2f\n", model, m.AvgRank, m.ConsensusScore)
	}
	return strings.TrimRight(b.String(), "\n")
}
