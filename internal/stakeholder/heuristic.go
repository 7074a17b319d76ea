package stakeholder

import (
	"context"
	"fmt"
	"math"
	"strings"

	"curricula/internal/config"
	"curricula/internal/domain"
)

// Profile is what a heuristic critic cares about: the share of total credits
// its focus category should hold.
type Profile struct {
	Focus       string
	TargetShare float64
	Rationale   string
}

// Profiles are the built-in roles.
var Profiles = map[string]Profile{
	"academic_affairs":       {Focus: domain.CategoryCore, TargetShare: 0.35, Rationale: "core courses carry the accreditation requirements"},
	"hr_recruiter":           {Focus: domain.CategoryPractical, TargetShare: 0.20, Rationale: "employers look for hands-on project experience"},
	"industry_expert":        {Focus: domain.CategoryElective, TargetShare: 0.20, Rationale: "electives track current industry technology"},
	"student_representative": {Focus: domain.CategoryElective, TargetShare: 0.15, Rationale: "elective load should stay manageable"},
	"faculty_representative": {Focus: domain.CategoryBasic, TargetShare: 0.25, Rationale: "foundations must be taught before specialisation"},
}

const shareTolerance = 0.02

// Heuristic is an offline, deterministic critic. It reports how close the
// focus category is to its target share and proposes at most one nudge per
// round toward it.
type Heuristic struct {
	ID      string
	Profile Profile
}

// NewHeuristic resolves the profile of a configured stakeholder. Focus and
// target share in the configuration override the built-in profile.
func NewHeuristic(s config.Stakeholder) (*Heuristic, error) {
	name := s.Profile
	if name == "" {
		name = s.ID
	}
	p, ok := Profiles[name]
	if s.Focus != "" {
		p.Focus = s.Focus
	}
	if s.TargetShare > 0 {
		p.TargetShare = s.TargetShare
	}
	if !ok && (s.Focus == "" || s.TargetShare == 0) {
		return nil, &config.Error{
			Field:   "stakeholders." + s.ID + ".profile",
			Message: fmt.Sprintf("no built-in profile %q; set focus and target_share", name),
		}
	}
	return &Heuristic{ID: s.ID, Profile: p}, nil
}

func (h *Heuristic) Evaluate(ctx context.Context, doc domain.Document, ec Context) (Evaluation, error) {
	if err := ctx.Err(); err != nil {
		return Evaluation{}, err
	}
	share := 0.0
	if doc.TotalCredits > 0 {
		share = doc.CreditDistribution[h.Profile.Focus] / doc.TotalCredits
	}
	target := h.Profile.TargetShare
	gap := share - target
	sat := 1 - math.Abs(gap)/math.Max(target, 1-target)
	sat = math.Max(0, math.Min(1, sat))

	ev := Evaluation{Satisfaction: sat}
	if math.Abs(gap) <= shareTolerance {
		return ev, nil
	}
	if s, ok := h.nudge(doc, ec, gap); ok {
		ev.Suggestions = append(ev.Suggestions, s)
	}
	return ev, nil
}

func (h *Heuristic) nudge(doc domain.Document, ec Context, gap float64) (domain.Suggestion, bool) {
	priority := 2
	switch {
	case math.Abs(gap) > 0.15:
		priority = 4
	case math.Abs(gap) > 0.05:
		priority = 3
	}
	focus := h.Profile.Focus
	var pick *domain.Course
	for i := range doc.Courses {
		c := doc.Courses[i]
		if c.Category != focus {
			continue
		}
		switch {
		case pick == nil:
			pick = &c
		case gap < 0 && (c.Credits < pick.Credits || (c.Credits == pick.Credits && c.ID < pick.ID)):
			pick = &c
		case gap > 0 && (c.Credits > pick.Credits || (c.Credits == pick.Credits && c.ID < pick.ID)):
			pick = &c
		}
	}

	base := domain.Suggestion{
		Priority:      priority,
		Justification: h.Profile.Rationale,
		Risks:         []string{"shifts credit balance between categories"},
	}
	if gap < 0 {
		if pick == nil {
			c := domain.Course{
				ID:       placeholderID(h.ID, focus, ec.Round),
				Name:     "New " + focus + " course",
				Credits:  2,
				Category: focus,
			}
			base.Kind = domain.KindAdd
			base.Target = domain.ComponentRef(c.ID)
			base.Change = domain.Change{Course: &c}
			base.Feasibility = 0.6
			base.Description = fmt.Sprintf("introduce a %s course", focus)
			base.ExpectedBenefit = fmt.Sprintf("%s share rises toward %.0f%%", focus, h.Profile.TargetShare*100)
			return base, true
		}
		credits := pick.Credits + 1
		base.Kind = domain.KindModify
		base.Target = domain.ComponentRef(pick.ID)
		base.Change = domain.Change{Patch: &domain.CoursePatch{Credits: &credits}}
		base.Feasibility = 0.8
		base.Description = fmt.Sprintf("raise %s to %g credits", pick.ID, credits)
		base.ExpectedBenefit = fmt.Sprintf("%s share rises toward %.0f%%", focus, h.Profile.TargetShare*100)
		return base, true
	}
	if pick == nil || pick.Credits <= 1 {
		return domain.Suggestion{}, false
	}
	credits := pick.Credits - 1
	base.Kind = domain.KindModify
	base.Target = domain.ComponentRef(pick.ID)
	base.Change = domain.Change{Patch: &domain.CoursePatch{Credits: &credits}}
	base.Feasibility = 0.8
	base.Description = fmt.Sprintf("reduce %s to %g credits", pick.ID, credits)
	base.ExpectedBenefit = fmt.Sprintf("%s share falls toward %.0f%%", focus, h.Profile.TargetShare*100)
	return base, true
}

func placeholderID(stakeholder, category string, round int) string {
	prefix := strings.ToUpper(stakeholder)
	if len(prefix) > 3 {
		prefix = prefix[:3]
	}
	return fmt.Sprintf("%s-%s-%d", prefix, strings.ToUpper(category), round)
}
