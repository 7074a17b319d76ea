package report_test

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"curricula/internal/domain"
	"curricula/internal/report"
	fx "curricula/internal/testfixture"
)

var now = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func twoRoundState(t *testing.T) *domain.State {
	t.Helper()
	base := fx.Baseline()
	digest, err := base.Digest()
	require.NoError(t, err)
	state := domain.NewState("run-1", base, digest, now.Format(time.RFC3339))

	next := base.Clone()
	require.NoError(t, next.RemoveCourse("PR402"))
	require.NoError(t, next.AddCourse(domain.Course{ID: "DS301", Name: "Data Science", Credits: 3, Category: domain.CategoryElective}))
	c, _ := next.Course("SE401")
	c.Credits = 4
	require.NoError(t, next.ReplaceCourse(c))
	next.Recompute()
	next.Version = 1

	state = state.Next()
	state.Round = 1
	state.Versions = append(state.Versions, next)
	state.Digests = append(state.Digests, "d1")
	state.Rounds = append(state.Rounds, domain.Round{
		Number: 1,
		Stakeholders: []domain.StakeholderResult{
			{StakeholderID: "a", Status: domain.EvaluationOK, Satisfaction: 0.5},
			{StakeholderID: "b", Status: domain.EvaluationTimeout, Carried: true},
		},
		Conflicts: []domain.Conflict{{ID: "c1", Kind: domain.ConflictSameTarget, Severity: domain.SeverityHigh}},
		Solution:  domain.Solution{Deferred: []domain.Deferral{{Suggestion: fx.Remove("r1-a-001", "a", "GE101", 4, 0.5), ConflictID: "c1"}}},
		Metrics:   domain.Metrics{Round: 1, Aggregate: 0.4, Consensus: 0.3, Delta: 3},
	})
	state.Terminated = true
	state.Outcome = domain.OutcomeExhausted
	state.StopReason = domain.StopMaxRounds
	return state
}

func TestBuildComparesBaselineWithFinal(t *testing.T) {
	rep := report.Build(twoRoundState(t), now)
	assert.Equal(t, "run-1", rep.RunID)
	assert.Equal(t, "d1", rep.FinalDigest)
	assert.Equal(t, 1, rep.Rounds)
	c := rep.Comparison
	assert.Equal(t, 12, c.CoursesBefore)
	assert.Equal(t, 12, c.CoursesAfter)
	assert.Equal(t, 40.0, c.CreditsBefore)
	assert.Equal(t, 42.0, c.CreditsAfter)
	assert.Equal(t, []string{"DS301"}, c.Added)
	assert.Equal(t, []string{"PR402"}, c.Removed)
	assert.Equal(t, []string{"SE401"}, c.Modified)
	assert.Equal(t, 0.4, c.SatisfactionAfter)
}

func TestRecommendationsForUnconvergedRun(t *testing.T) {
	rep := report.Build(twoRoundState(t), now)
	require.Len(t, rep.Recommendations, 4)
	assert.Contains(t, rep.Recommendations[0], "1 high-severity")
	assert.Contains(t, rep.Recommendations[1], "0.40")
	assert.Contains(t, rep.Recommendations[2], "consensus")
	assert.Contains(t, rep.Recommendations[3], "b")
}

func TestConvergedRunHasNoRecommendations(t *testing.T) {
	state := twoRoundState(t)
	state.Outcome = domain.OutcomeConverged
	assert.Empty(t, report.Build(state, now).Recommendations)
}

func TestRenderers(t *testing.T) {
	rep := report.Build(twoRoundState(t), now)
	var text bytes.Buffer
	require.NoError(t, report.RenderText(&text, rep))
	out := text.String()
	assert.Contains(t, out, "exhausted (max-rounds) after 1 rounds")
	assert.Contains(t, out, "removed: PR402")
	assert.Contains(t, out, "Recommendations:")

	var js bytes.Buffer
	require.NoError(t, report.RenderJSON(&js, rep))
	var decoded domain.Report
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	assert.Equal(t, rep.FinalDigest, decoded.FinalDigest)
	assert.Equal(t, domain.OutcomeExhausted, decoded.Outcome)
}
