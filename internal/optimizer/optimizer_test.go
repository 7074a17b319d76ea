package optimizer_test

import (
	"errors"
	"math/rand"
	"reflect"
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
	"curricula/internal/optimizer"
	fx "curricula/internal/testfixture"
)

func solutionFor(t *testing.T, doc domain.Document, s ...domain.Suggestion) domain.Solution {
	t.Helper()
	sol, err := mediate.Mediator{FeasibilityMargin: mediate.DefaultFeasibilityMargin}.Mediate(doc, s, conflict.Detector{}.Detect(doc, s))
	require.NoError(t, err)
	return sol
}

func TestEmptySolutionIsIdentity(t *testing.T) {
	doc := fx.Baseline()
	got, err := optimizer.Optimizer{}.Apply(doc, domain.Solution{})
	require.NoError(t, err)
	assert.Equal(t, doc, got)
	got.Courses[0].Name = "changed"
	assert.NotEqual(t, "changed", doc.Courses[0].Name)
}

func TestAddAndRemoveKeepTotal(t *testing.T) {
	doc := fx.Baseline()
	require.Equal(t, 40.0, doc.TotalCredits)
	sol := solutionFor(t, doc,
		fx.Add("a1", "industry_expert", domain.Course{ID: "CL401", Name: "Cloud", Credits: 3, Category: domain.CategoryElective}, 3, 0.8),
		fx.Remove("r1", "student_representative", "SE401", 3, 0.8),
	)
	got, err := optimizer.Optimizer{}.Apply(doc, sol)
	require.NoError(t, err)
	assert.Equal(t, 40.0, got.TotalCredits)
	assert.Equal(t, 6.0, got.CreditDistribution[domain.CategoryElective])
	_, ok := got.Course("SE401")
	assert.False(t, ok)
	assert.Equal(t, doc.Version, got.Version)
}

func TestModifyPatchesCourse(t *testing.T) {
	doc := fx.Baseline()
	got, err := optimizer.Optimizer{}.Apply(doc, solutionFor(t, doc, fx.SetCredits("m1", "academic_affairs", "CS302", 4, 3, 0.7)))
	require.NoError(t, err)
	c, _ := got.Course("CS302")
	assert.Equal(t, 4.0, c.Credits)
	assert.Equal(t, 41.0, got.TotalCredits)
}

func TestRemovingPrerequisiteFailsAtomically(t *testing.T) {
	doc := fx.Baseline()
	before := doc.Clone()
	sol := solutionFor(t, doc,
		fx.Rename("m1", "academic_affairs", "GE101", "Writing", 5, 0.9),
		fx.Remove("r1", "hr_recruiter", "CS202", 3, 0.8),
	)
	got, err := optimizer.Optimizer{}.Apply(doc, sol)

	var inc *optimizer.InconsistentDocumentError
	require.True(t, errors.As(err, &inc))
	require.NotNil(t, inc.Action)
	assert.Equal(t, domain.ComponentRef("CS202"), inc.Action.Target)
	assert.Equal(t, "dangling_prerequisite", inc.Violations[0].Rule)
	assert.Equal(t, before, doc, "input untouched")
	assert.Equal(t, before, got, "caller gets the prior version back")
}

func TestUnknownTargetFails(t *testing.T) {
	doc := fx.Baseline()
	_, err := optimizer.Optimizer{}.Apply(doc, domain.Solution{Actions: []domain.Action{
		{Seq: 1, Kind: domain.KindRemove, Target: "NOPE"},
	}})
	var inc *optimizer.InconsistentDocumentError
	require.True(t, errors.As(err, &inc))
	assert.Equal(t, domain.ComponentRef("NOPE"), inc.Action.Target)
}

func TestNewConstraintViolationFails(t *testing.T) {
	set, err := constraint.Compile(config.Constraints{Rules: []config.Rule{{Name: "floor", Expr: "total_credits >= 38.0"}}})
	require.NoError(t, err)
	doc := fx.Baseline()
	_, err = optimizer.Optimizer{Constraints: set}.Apply(doc, solutionFor(t, doc,
		fx.Remove("r1", "student_representative", "SE401", 3, 0.8),
	))
	var inc *optimizer.InconsistentDocumentError
	require.True(t, errors.As(err, &inc))
	assert.Equal(t, "constraint", inc.Violations[0].Rule)
}

func TestApplyKeepsInvariantsOrFails(t *testing.T) {
	doc := fx.Baseline()
	opt := optimizer.Optimizer{}
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("applied documents satisfy every invariant", prop.ForAll(
		func(seed int64, n int) bool {
			input := doc.Clone()
			suggestions := fx.RandomSuggestions(rand.New(rand.NewSource(seed)), input, n)
			sol, err := mediate.Mediator{FeasibilityMargin: mediate.DefaultFeasibilityMargin}.Mediate(input, suggestions, conflict.Detector{}.Detect(input, suggestions))
			if err != nil {
				return false
			}
			got, err := opt.Apply(input, sol)
			if !reflect.DeepEqual(input, doc) {
				return false
			}
			if err != nil {
				var inc *optimizer.InconsistentDocumentError
				return errors.As(err, &inc) && inc.Action != nil && reflect.DeepEqual(got, doc)
			}
			if got.Validate() != nil {
				return false
			}
			for _, c := range got.Courses {
				if c.Credits < 0 {
					return false
				}
			}
			return true
		},
		gen.Int64(),
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}
