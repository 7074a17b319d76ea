package conflict

import (
	"slices"
	"sort"

	"curricula/internal/domain"
)

// PairAlignment is the agreement score of two stakeholders.
type PairAlignment struct {
	A, B  string
	Score float64
}

// Alignment scores how much each pair of proposing stakeholders agree:
// target overlap (Jaccard) weighted 0.6 plus kind consistency weighted 0.4.
// Overall is the mean over pairs, or 1 when fewer than two stakeholders
// proposed anything.
func Alignment(suggestions []domain.Suggestion) (overall float64, pairs []PairAlignment) {
	byStakeholder := map[string][]domain.Suggestion{}
	for _, s := range suggestions {
		byStakeholder[s.StakeholderID] = append(byStakeholder[s.StakeholderID], s)
	}
	ids := make([]string, 0, len(byStakeholder))
	for id := range byStakeholder {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) < 2 {
		return 1, nil
	}
	sum := 0.0
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			score := pairScore(byStakeholder[ids[i]], byStakeholder[ids[j]])
			pairs = append(pairs, PairAlignment{A: ids[i], B: ids[j], Score: score})
			sum += score
		}
	}
	return sum / float64(len(pairs)), pairs
}

func pairScore(a, b []domain.Suggestion) float64 {
	ta := map[domain.ComponentRef]bool{}
	tb := map[domain.ComponentRef]bool{}
	for _, s := range a {
		ta[s.Target] = true
	}
	for _, s := range b {
		tb[s.Target] = true
	}
	inter, union := 0, len(tb)
	for t := range ta {
		if tb[t] {
			inter++
		} else {
			union++
		}
	}
	overlap := 0.0
	if union > 0 {
		overlap = float64(inter) / float64(union)
	}

	kindsB := make([]domain.Kind, len(b))
	for i, s := range b {
		kindsB[i] = s.Kind
	}
	shared := 0
	for _, s := range a {
		if slices.Contains(kindsB, s.Kind) {
			shared++
		}
	}
	consistency := float64(shared) / float64(max(len(a), len(b)))
	return overlap*0.6 + consistency*0.4
}
