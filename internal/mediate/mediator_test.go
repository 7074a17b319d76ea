package mediate_test

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"curricula/internal/config"
	"curricula/internal/conflict"
	"curricula/internal/constraint"
	"curricula/internal/domain"
	"curricula/internal/mediate"
	fx "curricula/internal/testfixture"
)

var standard = mediate.Mediator{FeasibilityMargin: mediate.DefaultFeasibilityMargin}

func mediateAll(t *testing.T, m mediate.Mediator, doc domain.Document, s []domain.Suggestion) (domain.Solution, []domain.Conflict) {
	t.Helper()
	conflicts := conflict.Detector{Constraints: m.Constraints}.Detect(doc, s)
	sol, err := m.Mediate(doc, s, conflicts)
	require.NoError(t, err)
	return sol, conflicts
}

func TestDirectSuggestionsAreRanked(t *testing.T) {
	doc := fx.Baseline()
	sol, conflicts := mediateAll(t, standard, doc, []domain.Suggestion{
		fx.Remove("r1", "student_representative", "SE401", 2, 0.9),
		fx.Add("a1", "industry_expert", domain.Course{ID: "CL401", Name: "Cloud", Credits: 3, Category: domain.CategoryElective}, 4, 0.5),
		fx.Rename("m1", "academic_affairs", "GE101", "Technical Writing", 2, 0.9),
	})
	require.Empty(t, conflicts)
	require.Len(t, sol.Actions, 3)
	assert.Equal(t, []string{"a1"}, sol.Actions[0].SourceIDs)
	assert.Equal(t, []string{"m1"}, sol.Actions[1].SourceIDs, "equal priority and feasibility fall back to stakeholder id")
	assert.Equal(t, []string{"r1"}, sol.Actions[2].SourceIDs)
	for i, a := range sol.Actions {
		assert.Equal(t, i+1, a.Seq)
	}
	assert.Empty(t, sol.Superseded)
}

func TestFeasibilityMarginDecides(t *testing.T) {
	doc := fx.Baseline()
	sol, conflicts := mediateAll(t, standard, doc, []domain.Suggestion{
		fx.SetCredits("m1", "academic_affairs", "CS302", 4, 5, 0.5),
		fx.Remove("r1", "hr_recruiter", "CS302", 2, 0.9),
	})
	require.Len(t, conflicts, 1)
	require.Len(t, sol.Actions, 1)
	assert.Equal(t, domain.KindRemove, sol.Actions[0].Kind)
	require.Len(t, sol.Superseded, 1)
	assert.Equal(t, domain.Supersession{
		SuggestionID: "m1", StakeholderID: "academic_affairs", ConflictID: conflicts[0].ID,
		Reason: domain.ReasonFeasibility, By: "r1",
	}, sol.Superseded[0])
}

func TestZeroMarginLetsAnyFeasibilityLeadDecide(t *testing.T) {
	doc := fx.Baseline()
	suggestions := []domain.Suggestion{
		fx.Rename("m1", "academic_affairs", "CS302", "Systems Programming", 3, 0.8),
		fx.Rename("m2", "hr_recruiter", "CS302", "Operating Systems", 3, 0.7),
	}

	sol, _ := mediateAll(t, standard, doc, suggestions)
	assert.Empty(t, sol.Actions)
	assert.Len(t, sol.Deferred, 2)

	sol, conflicts := mediateAll(t, mediate.Mediator{FeasibilityMargin: 0}, doc, suggestions)
	require.Len(t, conflicts, 1)
	require.Len(t, sol.Actions, 1)
	assert.Equal(t, []string{"m1"}, sol.Actions[0].SourceIDs)
	assert.Empty(t, sol.Deferred)
	require.Len(t, sol.Resolutions, 1)
	assert.Equal(t, mediate.RuleFeasibility, sol.Resolutions[0].Rule)
	require.Len(t, sol.Superseded, 1)
	assert.Equal(t, "m2", sol.Superseded[0].SuggestionID)
}

func TestPriorityDecidesWithinMargin(t *testing.T) {
	doc := fx.Baseline()
	sol, _ := mediateAll(t, standard, doc, []domain.Suggestion{
		fx.SetCredits("m1", "academic_affairs", "CS302", 4, 4, 0.7),
		fx.Remove("r1", "hr_recruiter", "CS302", 3, 0.8),
	})
	require.Len(t, sol.Actions, 1)
	assert.Equal(t, domain.KindModify, sol.Actions[0].Kind)
	require.Len(t, sol.Superseded, 1)
	assert.Equal(t, domain.ReasonPriority, sol.Superseded[0].Reason)
	assert.Equal(t, "r1", sol.Superseded[0].SuggestionID)
	require.Len(t, sol.Resolutions, 1)
	assert.Equal(t, mediate.RulePriority, sol.Resolutions[0].Rule)
}

func TestCompromiseSynthesizesMidpoint(t *testing.T) {
	doc := fx.Baseline()
	sol, conflicts := mediateAll(t, standard, doc, []domain.Suggestion{
		fx.SetCredits("m1", "academic_affairs", "CS302", 5, 3, 0.6),
		fx.SetCredits("m2", "hr_recruiter", "CS302", 2, 3, 0.7),
	})
	require.Len(t, conflicts, 1)
	require.Len(t, sol.Actions, 1)
	a := sol.Actions[0]
	assert.True(t, a.Synthesized)
	assert.Equal(t, 3.5, *a.Change.Patch.Credits)
	assert.Equal(t, []string{"m1", "m2"}, a.SourceIDs)
	assert.Equal(t, 0.6, a.Feasibility)
	require.Len(t, sol.Superseded, 2)
	assert.Equal(t, domain.ReasonCompromise, sol.Superseded[0].Reason)
}

func TestUnresolvableConflictIsDeferred(t *testing.T) {
	doc := fx.Baseline()
	sol, conflicts := mediateAll(t, standard, doc, []domain.Suggestion{
		fx.Rename("m1", "academic_affairs", "CS302", "Systems", 3, 0.6),
		fx.Remove("r1", "hr_recruiter", "CS302", 3, 0.6),
		fx.Remove("r2", "hr_recruiter", "PR402", 1, 0.6),
	})
	require.Len(t, conflicts, 1)
	require.Len(t, sol.Actions, 1)
	assert.Equal(t, domain.ComponentRef("PR402"), sol.Actions[0].Target)
	require.Len(t, sol.Deferred, 2)
	assert.Equal(t, conflicts[0].ID, sol.Deferred[0].ConflictID)
	assert.Empty(t, sol.Superseded)
	assert.Contains(t, sol.Rationale, "2 deferred")
}

func TestAlliesOfTheWinnerAreAccepted(t *testing.T) {
	doc := fx.Baseline()
	sol, _ := mediateAll(t, standard, doc, []domain.Suggestion{
		fx.SetCredits("m1", "academic_affairs", "CS302", 4, 5, 0.7),
		fx.SetCredits("m2", "faculty_representative", "CS302", 4, 2, 0.7),
		fx.Remove("r1", "hr_recruiter", "CS302", 2, 0.7),
	})
	require.Len(t, sol.Actions, 2)
	assert.Equal(t, []string{"m1"}, sol.Actions[0].SourceIDs)
	assert.Equal(t, []string{"m2"}, sol.Actions[1].SourceIDs)
	require.Len(t, sol.Superseded, 1)
	assert.Equal(t, "r1", sol.Superseded[0].SuggestionID)
}

func TestDuplicateRemovesCollapse(t *testing.T) {
	doc := fx.Baseline()
	sol, _ := mediateAll(t, standard, doc, []domain.Suggestion{
		fx.Remove("r1", "student_representative", "PR402", 2, 0.7),
		fx.Remove("r2", "hr_recruiter", "PR402", 3, 0.7),
	})
	require.Len(t, sol.Actions, 1)
	assert.Equal(t, []string{"r2"}, sol.Actions[0].SourceIDs)
	require.Len(t, sol.Superseded, 1)
	assert.Equal(t, domain.ReasonDuplicate, sol.Superseded[0].Reason)
	assert.Equal(t, "r2", sol.Superseded[0].By)
}

func TestResourceContentionGreedyFit(t *testing.T) {
	set, err := constraint.Compile(config.Constraints{MaxTotalCredits: 44})
	require.NoError(t, err)
	doc := fx.Baseline()
	m := mediate.Mediator{FeasibilityMargin: mediate.DefaultFeasibilityMargin, Constraints: set}
	sol, conflicts := mediateAll(t, m, doc, []domain.Suggestion{
		fx.Add("a1", "industry_expert", domain.Course{ID: "NEW1", Name: "Cloud", Credits: 3, Category: domain.CategoryElective}, 4, 0.8),
		fx.Add("a2", "hr_recruiter", domain.Course{ID: "NEW2", Name: "DevOps", Credits: 3, Category: domain.CategoryPractical}, 2, 0.8),
	})
	require.Len(t, conflicts, 1)
	require.Len(t, sol.Actions, 1)
	assert.Equal(t, []string{"a1"}, sol.Actions[0].SourceIDs)
	require.Len(t, sol.Superseded, 1)
	assert.Equal(t, domain.ReasonResource, sol.Superseded[0].Reason)
	assert.Equal(t, conflicts[0].ID, sol.Superseded[0].ConflictID)
	assert.Equal(t, string(domain.RefTotalCredits), sol.Superseded[0].By)
}

func TestMediateRejectsContradictoryInput(t *testing.T) {
	doc := fx.Baseline()
	_, err := standard.Mediate(doc, []domain.Suggestion{
		fx.SetCredits("m1", "academic_affairs", "CS302", 4, 5, 0.7),
		fx.Remove("r1", "hr_recruiter", "CS302", 2, 0.7),
	}, nil)
	assert.True(t, errors.Is(err, mediate.ErrContradictoryPlan))
}

func TestMediatedPlansAreNeverContradictory(t *testing.T) {
	set, err := constraint.Compile(config.Constraints{MaxTotalCredits: 43, CategoryCaps: map[string]float64{domain.CategoryCore: 20}})
	require.NoError(t, err)
	doc := fx.Baseline()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("accepted actions are pairwise compatible per target", prop.ForAll(
		func(seed int64, n int, constrained bool) bool {
			m := standard
			if constrained {
				m.Constraints = set
			}
			suggestions := fx.RandomSuggestions(rand.New(rand.NewSource(seed)), doc, n)
			conflicts := conflict.Detector{Constraints: m.Constraints}.Detect(doc, suggestions)
			sol, err := m.Mediate(doc, suggestions, conflicts)
			if err != nil {
				return false
			}
			seen := map[domain.ComponentRef][]domain.Action{}
			for _, a := range sol.Actions {
				for _, prev := range seen[a.Target] {
					if !domain.Compatible(prev.Kind, prev.Change, a.Kind, a.Change) {
						return false
					}
				}
				seen[a.Target] = append(seen[a.Target], a)
			}
			accounted := map[string]bool{}
			for _, a := range sol.Actions {
				for _, id := range a.SourceIDs {
					accounted[id] = true
				}
			}
			for _, s := range sol.Superseded {
				accounted[s.SuggestionID] = true
			}
			for _, d := range sol.Deferred {
				accounted[d.Suggestion.ID] = true
			}
			return len(accounted) == len(suggestions)
		},
		gen.Int64(),
		gen.IntRange(0, 25),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
