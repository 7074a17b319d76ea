// Package report builds and renders the final value of a run.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"curricula/internal/domain"
)

const (
	lowSatisfaction = 0.6
	lowConsensus    = 0.5
)

// Build summarises a state. It does not require the state to be terminated.
func Build(state *domain.State, now time.Time) domain.Report {
	final := state.Current()
	rep := domain.Report{
		RunID:         state.RunID,
		Outcome:       state.Outcome,
		StopReason:    state.StopReason,
		Rounds:        state.Round,
		FinalDocument: final,
		FinalDigest:   state.Digests[len(state.Digests)-1],
		Baseline:      state.Baseline(),
		History:       state.Rounds,
		Failure:       state.Failure,
		Comparison:    Compare(state),
		GeneratedAt:   now.UTC().Format(time.RFC3339),
	}
	if state.Outcome != domain.OutcomeConverged {
		rep.Recommendations = Recommend(state)
	}
	return rep
}

// Compare contrasts the baseline with the last committed version.
// Satisfaction is compared between the first and last committed rounds.
func Compare(state *domain.State) domain.Comparison {
	before, after := state.Baseline(), state.Current()
	c := domain.Comparison{
		CoursesBefore:  len(before.Courses),
		CoursesAfter:   len(after.Courses),
		CreditsBefore:  before.TotalCredits,
		CreditsAfter:   after.TotalCredits,
		CategoryBefore: before.CreditDistribution,
		CategoryAfter:  after.CreditDistribution,
	}
	if len(state.Rounds) > 0 {
		c.SatisfactionBefore = state.Rounds[0].Metrics.Aggregate
		c.SatisfactionAfter = state.Rounds[len(state.Rounds)-1].Metrics.Aggregate
	}
	for _, course := range after.Courses {
		old, ok := before.Course(course.ID)
		switch {
		case !ok:
			c.Added = append(c.Added, course.ID)
		case !old.Equal(course):
			c.Modified = append(c.Modified, course.ID)
		}
	}
	for _, course := range before.Courses {
		if _, ok := after.Course(course.ID); !ok {
			c.Removed = append(c.Removed, course.ID)
		}
	}
	sort.Strings(c.Added)
	sort.Strings(c.Modified)
	sort.Strings(c.Removed)
	return c
}

// Recommend lists follow-ups for a run that did not converge.
func Recommend(state *domain.State) []string {
	var out []string
	switch state.Outcome {
	case domain.OutcomeFailed:
		if f := state.Failure; f != nil && f.Action != nil {
			out = append(out, fmt.Sprintf("Round %d failed applying %s %s; review the prerequisites that reference it.", f.Round, f.Action.Kind, f.Action.Target))
		} else {
			out = append(out, "The last round could not be applied; review the failure record.")
		}
	case domain.OutcomeCancelled:
		out = append(out, "The run was cancelled; restart it from the final document to continue.")
	}
	if len(state.Rounds) == 0 {
		return out
	}
	last := state.Rounds[len(state.Rounds)-1]
	if n := unresolvedHigh(last); n > 0 {
		out = append(out, fmt.Sprintf("%d high-severity conflicts remain unresolved; settle them with the stakeholders involved.", n))
	}
	if last.Metrics.Aggregate < lowSatisfaction {
		out = append(out, fmt.Sprintf("Aggregate satisfaction is %.2f; revisit the weakest stakeholder concerns.", last.Metrics.Aggregate))
	}
	if last.Metrics.Consensus < lowConsensus {
		out = append(out, fmt.Sprintf("Stakeholder consensus is %.2f; align the stakeholders on shared targets.", last.Metrics.Consensus))
	}
	var failing []string
	for _, r := range last.Stakeholders {
		if r.Status != domain.EvaluationOK {
			failing = append(failing, r.StakeholderID)
		}
	}
	if len(failing) > 0 {
		out = append(out, "Stakeholder evaluations failed in the last round: "+strings.Join(failing, ", ")+".")
	}
	if len(last.Expired) > 0 {
		out = append(out, fmt.Sprintf("%d suggestions expired after repeated deferral.", len(last.Expired)))
	}
	return out
}

// unresolvedHigh counts high-severity conflicts whose suggestions were
// deferred rather than resolved.
func unresolvedHigh(r domain.Round) int {
	deferred := map[string]bool{}
	for _, d := range r.Solution.Deferred {
		deferred[d.ConflictID] = true
	}
	n := 0
	for _, c := range r.Conflicts {
		if c.Severity == domain.SeverityHigh && deferred[c.ID] {
			n++
		}
	}
	return n
}

// RenderJSON writes the report as indented JSON.
func RenderJSON(w io.Writer, rep domain.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

// RenderText writes a human-readable summary with per-round tables.
func RenderText(w io.Writer, rep domain.Report) error {
	fmt.Fprintf(w, "Run %s: %s (%s) after %d rounds\n", rep.RunID, outcomeOf(rep), rep.StopReason, rep.Rounds)
	fmt.Fprintf(w, "Final digest: %s\n\n", rep.FinalDigest)

	rounds := table.NewWriter()
	rounds.SetOutputMirror(w)
	rounds.SetTitle("Rounds")
	rounds.AppendHeader(table.Row{"Round", "Suggestions", "Conflicts", "Actions", "Deferred", "Aggregate", "Consensus", "Decision"})
	for _, r := range rep.History {
		decision := "continue"
		if r.Decision.Stop {
			decision = string(r.Decision.Outcome) + "/" + string(r.Decision.Reason)
		}
		rounds.AppendRow(table.Row{
			r.Number,
			r.Metrics.SuggestionVolume,
			r.Metrics.ConflictCount,
			r.Metrics.Delta,
			r.Metrics.Pending,
			fmt.Sprintf("%.3f", r.Metrics.Aggregate),
			fmt.Sprintf("%.2f", r.Metrics.Consensus),
			decision,
		})
	}
	rounds.Render()
	fmt.Fprintln(w)

	c := rep.Comparison
	cmp := table.NewWriter()
	cmp.SetOutputMirror(w)
	cmp.SetTitle("Before / after")
	cmp.AppendHeader(table.Row{"Measure", "Before", "After"})
	cmp.AppendRow(table.Row{"courses", c.CoursesBefore, c.CoursesAfter})
	cmp.AppendRow(table.Row{"credits", c.CreditsBefore, c.CreditsAfter})
	for _, cat := range categories(c) {
		cmp.AppendRow(table.Row{"credits:" + cat, c.CategoryBefore[cat], c.CategoryAfter[cat]})
	}
	cmp.AppendRow(table.Row{"satisfaction", fmt.Sprintf("%.3f", c.SatisfactionBefore), fmt.Sprintf("%.3f", c.SatisfactionAfter)})
	cmp.Render()

	if len(c.Added)+len(c.Removed)+len(c.Modified) > 0 {
		fmt.Fprintf(w, "\nadded: %s\nremoved: %s\nmodified: %s\n", list(c.Added), list(c.Removed), list(c.Modified))
	}
	if f := rep.Failure; f != nil {
		fmt.Fprintf(w, "\nround %d failed: %s\n", f.Round, f.Error)
	}
	if len(rep.Recommendations) > 0 {
		fmt.Fprintln(w, "\nRecommendations:")
		for _, r := range rep.Recommendations {
			fmt.Fprintf(w, "  - %s\n", r)
		}
	}
	return nil
}

func outcomeOf(rep domain.Report) string {
	if rep.Outcome == "" {
		return "running"
	}
	return string(rep.Outcome)
}

func categories(c domain.Comparison) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range []map[string]float64{c.CategoryBefore, c.CategoryAfter} {
		for cat := range m {
			if !seen[cat] {
				seen[cat] = true
				out = append(out, cat)
			}
		}
	}
	sort.Strings(out)
	return out
}

func list(ids []string) string {
	if len(ids) == 0 {
		return "-"
	}
	return strings.Join(ids, ", ")
}
