package arbitration

import (
	"math"
	"time"

	"github.com/arbiterhq/arbiter/internal/compliance"
	"github.com/arbiterhq/arbiter/internal/stats"
)

const (
	// defaultPerformance is assumed for models with no observed history.
	defaultPerformance = 50
	// defaultReliability is assumed for models with no 7-day history.
	defaultReliability = 95
	// minCostForValue guards the value ratio against near-free models.
	minCostForValue = 0.001

	performanceLookback = 24 * time.Hour
)

// scoreCandidate fills a candidate's dimension scores from observed
// performance and tenant compliance rules. The cost score is filled later by
// normalizeCostScores once every candidate's expected cost is known.
func scoreCandidate(c *Candidate, perf stats.ModelPerformance, hasReliability bool, reliability float64, violations []compliance.Violation, inputTokens, outputTokens int) {
	c.ExpectedCostUSD = c.Model.CostFor(inputTokens, outputTokens)

	if perf.SampleCount == 0 {
		c.Performance = defaultPerformance
		c.ExpectedLatencyMs = 0
	} else {
		c.Performance = 0.4*latencyScore(perf.AvgLatencyMs) +
			0.4*(perf.SuccessRate*100) +
			0.2*throughputScore(perf.TokensPerSec)
		c.ExpectedLatencyMs = perf.AvgLatencyMs
	}

	c.Compliance = complianceScore(violations)

	if hasReliability {
		c.Reliability = reliability * 100
	} else {
		c.Reliability = defaultReliability
	}

	c.Value = c.Model.Intelligence / math.Max(c.ExpectedCostUSD, minCostForValue)
}

// complianceScore penalizes residency and encryption violations, floored
// at 0.
func complianceScore(violations []compliance.Violation) float64 {
	score := 100.0
	for _, v := range violations {
		switch v.Rule {
		case "data_residency":
			score -= 40
		case "encryption_at_rest":
			score -= 30
		}
	}
	return math.Max(0, score)
}

// normalizeCostScores assigns cost scores relative to the most expensive
// candidate in the set: the cheapest option approaches 100, the priciest
// gets 0. A uniform or all-free set scores 100 across the board.
func normalizeCostScores(candidates []Candidate) {
	if len(candidates) == 0 {
		return
	}
	minCost, maxCost := candidates[0].ExpectedCostUSD, candidates[0].ExpectedCostUSD
	for i := range candidates {
		c := candidates[i].ExpectedCostUSD
		if c > maxCost {
			maxCost = c
		}
		if c < minCost {
			minCost = c
		}
	}
	for i := range candidates {
		if maxCost <= 0 || maxCost == minCost {
			candidates[i].Cost = 100
			continue
		}
		score := 100 * (1 - candidates[i].ExpectedCostUSD/maxCost)
		candidates[i].Cost = math.Max(0, math.Min(100, score))
	}
}

// finalizeScores computes weighted final scores for all candidates.
func finalizeScores(candidates []Candidate, w Weights) {
	for i := range candidates {
		c := &candidates[i]
		c.FinalScore = w.Performance*c.Performance +
			w.Cost*c.Cost +
			w.Compliance*c.Compliance +
			w.Reliability*c.Reliability
	}
}
