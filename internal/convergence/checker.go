// Package convergence computes per-round metrics and decides when a run
// stops.
package convergence

import (
	"sort"

	"curricula/internal/domain"
)

const tolerance = 1e-9

// Checker holds the stop parameters. Weights map stakeholder ids to their
// share of the aggregate; stakeholders without a weight do not count.
type Checker struct {
	Weights   map[string]float64
	Threshold float64
	Epsilon   float64
	MaxRounds int
}

// Observation is what the orchestrator knows about a round before metrics
// are derived from it.
type Observation struct {
	Round            int
	Satisfaction     map[string]float64
	SuggestionVolume int
	ConflictCount    int
	Delta            int
	Pending          int
	Consensus        float64
}

// Measure derives the metrics of a round from the observation and the
// metrics of the earlier rounds.
func (c Checker) Measure(history []domain.Metrics, o Observation) domain.Metrics {
	sat := make(map[string]float64, len(o.Satisfaction))
	for id, v := range o.Satisfaction {
		sat[id] = clamp(v)
	}
	m := domain.Metrics{
		Round:            o.Round,
		Satisfaction:     sat,
		Aggregate:        c.Aggregate(sat),
		SuggestionVolume: o.SuggestionVolume,
		ConflictCount:    o.ConflictCount,
		Delta:            o.Delta,
		Pending:          o.Pending,
		Consensus:        o.Consensus,
	}
	if len(history) > 0 {
		imp := m.Aggregate - history[len(history)-1].Aggregate
		m.Improvement = &imp
	}
	return m
}

// Aggregate is the weighted sum of satisfaction, summed in stakeholder id
// order so the result does not depend on map iteration.
func (c Checker) Aggregate(sat map[string]float64) float64 {
	ids := make([]string, 0, len(c.Weights))
	for id := range c.Weights {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	total := 0.0
	for _, id := range ids {
		total += c.Weights[id] * clamp(sat[id])
	}
	return total
}

// Check decides on the last entry of history. Converged conditions are tried
// before the round budget: threshold, zero delta, stagnation, then max
// rounds.
func (c Checker) Check(history []domain.Metrics) domain.Decision {
	if len(history) == 0 {
		return domain.Decision{}
	}
	last := history[len(history)-1]
	switch {
	case last.Aggregate >= c.Threshold-tolerance:
		return domain.Decision{Stop: true, Reason: domain.StopThreshold, Outcome: domain.OutcomeConverged}
	case last.Delta == 0 && last.Pending == 0:
		return domain.Decision{Stop: true, Reason: domain.StopZeroDelta, Outcome: domain.OutcomeConverged}
	case c.stagnated(history):
		return domain.Decision{Stop: true, Reason: domain.StopStagnation, Outcome: domain.OutcomeConverged}
	case c.MaxRounds > 0 && last.Round >= c.MaxRounds:
		return domain.Decision{Stop: true, Reason: domain.StopMaxRounds, Outcome: domain.OutcomeExhausted}
	}
	return domain.Decision{}
}

func (c Checker) stagnated(history []domain.Metrics) bool {
	if len(history) < 3 {
		return false
	}
	for _, m := range history[len(history)-2:] {
		if m.Improvement == nil || *m.Improvement >= c.Epsilon {
			return false
		}
	}
	return true
}

func clamp(v float64) float64 {
	switch {
	case v != v || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
