// Package scheduler scores candidate upstreams and picks one, honoring
// session stickiness and dynamic weights. Ported from the distilled
// reference implementation's pure scoring function, restated as an explicit
// Go type rather than free functions over dataclasses.
package scheduler

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/nulpointcorp/aperture-gateway/internal/domain"
)

// CandidateScore pairs a physical model with its metrics and computed score.
type CandidateScore struct {
	Upstream domain.PhysicalModel
	Metrics  *domain.RoutingMetrics
	Score    float64
}

const latencyCapMs = 4000.0

func normalizeLatency(ms float64) float64 {
	if ms <= 0 {
		return 0
	}
	if ms >= latencyCapMs {
		return 1
	}
	return ms / latencyCapMs
}

func statusPenalty(m *domain.RoutingMetrics) float64 {
	if m == nil {
		return 0
	}
	switch m.Status {
	case domain.StatusDown:
		return 1.0
	case domain.StatusDegraded:
		return 0.5
	default:
		return 0
	}
}

// Score computes CandidateScore for every upstream, dropping any whose score
// falls below strategy.MinScore, sorted by score descending.
func Score(
	upstreams []domain.PhysicalModel,
	metricsByProvider map[string]*domain.RoutingMetrics,
	strategy domain.SchedulingStrategy,
	dynamicWeights map[string]float64,
) []CandidateScore {
	results := make([]CandidateScore, 0, len(upstreams))
	for _, up := range upstreams {
		metrics := metricsByProvider[up.ProviderID]

		base := up.BaseWeight
		if dynamicWeights != nil {
			if w, ok := dynamicWeights[up.ProviderID]; ok {
				base = w
			}
		}

		var normLat, errRate float64
		if metrics != nil {
			normLat = normalizeLatency(metrics.LatencyP95Ms)
			errRate = metrics.ErrorRate()
		} else {
			normLat = 0.5
			errRate = 0
		}

		const costScore = 0.0
		penalty := statusPenalty(metrics)

		score := base - strategy.Alpha*normLat - strategy.Beta*errRate - strategy.Gamma*costScore - strategy.Delta*penalty
		if score < strategy.MinScore {
			continue
		}
		results = append(results, CandidateScore{Upstream: up, Metrics: metrics, Score: score})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results
}

// weightedChoice picks one candidate using max(score,0) as weight, falling
// back to a uniform pick when every weight is zero or negative.
func weightedChoice(candidates []CandidateScore) CandidateScore {
	weights := make([]float64, len(candidates))
	var total float64
	for i, c := range candidates {
		w := c.Score
		if w < 0 {
			w = 0
		}
		weights[i] = w
		total += w
	}

	if total <= 0 {
		return candidates[rand.Intn(len(candidates))]
	}

	r := rand.Float64() * total
	var acc float64
	for i, w := range weights {
		acc += w
		if r <= acc {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}

// ErrNoEligibleCandidates is returned when every upstream scored below MinScore.
var ErrNoEligibleCandidates = fmt.Errorf("scheduler: no eligible upstream candidates")

// Choose scores upstreams and selects one, honoring stickiness when the
// session's (provider, model) survives scoring. Returns the selected
// candidate first, followed by the rest of the sorted list, so the proxy
// engine can iterate for failover.
func Choose(
	upstreams []domain.PhysicalModel,
	metricsByProvider map[string]*domain.RoutingMetrics,
	strategy domain.SchedulingStrategy,
	session *domain.Session,
	dynamicWeights map[string]float64,
) (ordered []CandidateScore, err error) {
	scored := Score(upstreams, metricsByProvider, strategy, dynamicWeights)
	if len(scored) == 0 {
		return nil, ErrNoEligibleCandidates
	}

	if strategy.EnableStickiness && session != nil {
		for i, c := range scored {
			if c.Upstream.ProviderID == session.ProviderID && c.Upstream.ModelID == session.ModelID {
				return reorder(scored, i), nil
			}
		}
	}

	selected := weightedChoice(scored)
	for i, c := range scored {
		if c.Upstream.ProviderID == selected.Upstream.ProviderID && c.Upstream.ModelID == selected.Upstream.ModelID {
			return reorder(scored, i), nil
		}
	}
	return scored, nil
}

// reorder returns scored with the element at selectedIdx moved to the front,
// preserving the relative order of the rest.
func reorder(scored []CandidateScore, selectedIdx int) []CandidateScore {
	out := make([]CandidateScore, 0, len(scored))
	out = append(out, scored[selectedIdx])
	for i, c := range scored {
		if i != selectedIdx {
			out = append(out, c)
		}
	}
	return out
}
