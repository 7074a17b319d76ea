package constraint_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"curricula/internal/config"
	"curricula/internal/constraint"
	"curricula/internal/domain"
)

func doc() domain.Document {
	d := domain.Document{Courses: []domain.Course{
		{ID: "A", Credits: 4, Category: "core"},
		{ID: "B", Credits: 3, Category: "elective"},
	}}
	d.Recompute()
	return d
}

func TestEffect(t *testing.T) {
	d := doc()
	five := 5.0
	core := "core"

	add := constraint.Effect(d, domain.KindAdd, "C", domain.Change{Course: &domain.Course{ID: "C", Credits: 2, Category: "core"}})
	assert.Equal(t, 2.0, add.Total)
	assert.Equal(t, 1, add.Courses)

	rm := constraint.Effect(d, domain.KindRemove, "B", domain.Change{})
	assert.Equal(t, -3.0, rm.Total)
	assert.Equal(t, -3.0, rm.ByCategory["elective"])

	mv := constraint.Effect(d, domain.KindModify, "B", domain.Change{Patch: &domain.CoursePatch{Credits: &five, Category: &core}})
	assert.Equal(t, 2.0, mv.Total)
	assert.Equal(t, -3.0, mv.ByCategory["elective"])
	assert.Equal(t, 5.0, mv.ByCategory["core"])

	missing := constraint.Effect(d, domain.KindRemove, "Z", domain.Change{})
	assert.False(t, missing.Increases())
}

func TestCheckCapsAndRules(t *testing.T) {
	set, err := constraint.Compile(config.Constraints{
		MaxTotalCredits: 8,
		CategoryCaps:    map[string]float64{"core": 4},
		Rules: []config.Rule{
			{Name: "min-courses", Expr: "course_count >= 2"},
			{Name: "electives", Expr: `!("elective" in credits) || credits["elective"] <= 3.0`, Message: "too many electives"},
		},
	})
	require.NoError(t, err)

	base := constraint.Of(doc())
	assert.Empty(t, set.Check(base))

	over := base.Plus(constraint.Totals{Total: 3, ByCategory: map[string]float64{"core": 1, "elective": 2}, Courses: -1})
	v := set.Check(over)
	require.Len(t, v, 4)
	assert.Equal(t, domain.RefTotalCredits, v[0].Ref)
	assert.Equal(t, domain.CategoryRef("core"), v[1].Ref)
	assert.Equal(t, domain.ConstraintRef("min-courses"), v[2].Ref)
	assert.Equal(t, "too many electives", v[3].Message)
}

func TestCompileRejectsBadRules(t *testing.T) {
	for _, expr := range []string{"total_credits >", "total_credits + 1.0"} {
		_, err := constraint.Compile(config.Constraints{Rules: []config.Rule{{Name: "r", Expr: expr}}})
		var cfgErr *config.Error
		require.True(t, errors.As(err, &cfgErr), expr)
		assert.Equal(t, "constraints.rules[0].expr", cfgErr.Field)
	}
}

func TestNilSetIsEmpty(t *testing.T) {
	var set *constraint.Set
	assert.True(t, set.Empty())
	assert.Nil(t, set.Check(constraint.Totals{Total: 1e9}))
}
