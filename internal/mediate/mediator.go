// Package mediate turns a round's suggestions and conflicts into a single
// ordered change-set.
package mediate

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"curricula/internal/constraint"
	"curricula/internal/domain"
	"curricula/internal/optimizer"
)

// ErrContradictoryPlan is returned when the accepted actions would include two
// incompatible changes on one target.
var ErrContradictoryPlan = errors.New("mediated plan contains incompatible actions")

// Resolution rules, in the order they are tried.
const (
	RuleFeasibility = "feasibility"
	RulePriority    = "priority"
	RuleCompromise  = "compromise"
	RuleDeferred    = "deferred"
	RuleResource    = "resource"
)

// DefaultFeasibilityMargin matches optimization.feasibility_margin in the
// default configuration.
const DefaultFeasibilityMargin = 0.2

// Mediator resolves conflicts into a change-set. FeasibilityMargin is used as
// given; a zero margin lets any feasibility lead decide.
type Mediator struct {
	FeasibilityMargin float64
	Constraints       *constraint.Set
}

// candidate is an accepted action together with the suggestion that ranks it.
type candidate struct {
	action domain.Action
	rank   domain.Suggestion
}

type plan struct {
	accepted    []candidate
	superseded  []domain.Supersession
	deferred    []domain.Deferral
	resolutions []domain.Resolution
	synthesized int
}

// Mediate resolves conflicts in order, accepts everything else directly,
// orders the result and checks it for internal contradictions.
func (m Mediator) Mediate(doc domain.Document, suggestions []domain.Suggestion, conflicts []domain.Conflict) (domain.Solution, error) {
	byID := make(map[string]domain.Suggestion, len(suggestions))
	for _, s := range suggestions {
		byID[s.ID] = s
	}

	var p plan
	handled := map[string]bool{}
	var resource []domain.Conflict
	for _, c := range conflicts {
		if c.Kind == domain.ConflictResource {
			resource = append(resource, c)
			continue
		}
		var members []domain.Suggestion
		for _, id := range c.SuggestionIDs {
			if s, ok := byID[id]; ok && !handled[id] {
				members = append(members, s)
			}
		}
		if len(members) < 2 {
			continue
		}
		for _, s := range members {
			handled[s.ID] = true
		}
		m.resolve(&p, c, members)
	}

	for _, s := range suggestions {
		if !handled[s.ID] {
			p.accept(s)
		}
	}

	sort.SliceStable(p.accepted, func(i, j int) bool {
		return domain.RankLess(p.accepted[i].rank, p.accepted[j].rank)
	})
	p.collapseDuplicates()
	if !m.Constraints.Empty() {
		p.fit(doc, m.Constraints, resource)
	}

	actions := make([]domain.Action, len(p.accepted))
	for i, c := range p.accepted {
		actions[i] = c.action
		actions[i].Seq = i + 1
	}
	if err := checkConsistent(actions); err != nil {
		return domain.Solution{}, err
	}
	sortSuperseded(p.superseded)
	return domain.Solution{
		Actions:     actions,
		Rationale:   p.rationale(len(conflicts)),
		Superseded:  p.superseded,
		Deferred:    p.deferred,
		Resolutions: p.resolutions,
	}, nil
}

func (m Mediator) resolve(p *plan, c domain.Conflict, members []domain.Suggestion) {
	if w, ok := leader(members, byFeasibility); ok && w.Feasibility-strongestRival(members, w, feasibilityOf) > m.FeasibilityMargin {
		p.settle(c, members, w, RuleFeasibility)
		return
	}
	if w, ok := leader(members, domain.RankLess); ok && float64(w.Priority) > strongestRival(members, w, priorityOf) {
		p.settle(c, members, w, RulePriority)
		return
	}
	if action, ok := compromise(c, members); ok {
		p.accepted = append(p.accepted, candidate{action: action, rank: rankOf(action, members)})
		p.synthesized++
		ref := synthesizedRef(c)
		for _, s := range members {
			p.superseded = append(p.superseded, domain.Supersession{
				SuggestionID: s.ID, StakeholderID: s.StakeholderID, ConflictID: c.ID,
				Reason: domain.ReasonCompromise, By: ref,
			})
		}
		p.resolutions = append(p.resolutions, domain.Resolution{ConflictID: c.ID, Rule: RuleCompromise, Accepted: []string{ref}})
		return
	}
	for _, s := range members {
		p.deferred = append(p.deferred, domain.Deferral{Suggestion: s, ConflictID: c.ID})
	}
	p.resolutions = append(p.resolutions, domain.Resolution{ConflictID: c.ID, Rule: RuleDeferred})
}

// settle accepts the winner plus every member compatible with everything
// accepted so far, taken in rank order, and supersedes the rest.
func (p *plan) settle(c domain.Conflict, members []domain.Suggestion, winner domain.Suggestion, rule string) {
	ranked := append([]domain.Suggestion(nil), members...)
	sort.SliceStable(ranked, func(i, j int) bool { return domain.RankLess(ranked[i], ranked[j]) })
	kept := []domain.Suggestion{winner}
	for _, s := range ranked {
		if s.ID == winner.ID {
			continue
		}
		if compatibleWithAll(s, kept) {
			kept = append(kept, s)
			continue
		}
		p.superseded = append(p.superseded, domain.Supersession{
			SuggestionID: s.ID, StakeholderID: s.StakeholderID, ConflictID: c.ID,
			Reason: rule, By: winner.ID,
		})
	}
	ids := make([]string, len(kept))
	for i, s := range kept {
		p.accept(s)
		ids[i] = s.ID
	}
	p.resolutions = append(p.resolutions, domain.Resolution{ConflictID: c.ID, Rule: rule, Accepted: ids})
}

func (p *plan) accept(s domain.Suggestion) {
	p.accepted = append(p.accepted, candidate{action: actionOf(s), rank: s})
}

// collapseDuplicates keeps the first-ranked of several identical adds or
// removes on one target.
func (p *plan) collapseDuplicates() {
	first := map[string]string{}
	kept := p.accepted[:0:0]
	for _, c := range p.accepted {
		a := c.action
		if a.Kind == domain.KindModify {
			kept = append(kept, c)
			continue
		}
		key := a.Kind.String() + "|" + string(a.Target)
		if by, dup := first[key]; dup {
			p.superseded = append(p.superseded, domain.Supersession{
				SuggestionID: c.rank.ID, StakeholderID: c.rank.StakeholderID,
				Reason: domain.ReasonDuplicate, By: by,
			})
			continue
		}
		first[key] = c.rank.ID
		kept = append(kept, c)
	}
	p.accepted = kept
}

// fit admits actions against a scratch copy of the document, non-increasing
// ones first then increasing ones, each in rank order. An action that would
// break a constraint the document currently satisfies is superseded.
func (p *plan) fit(doc domain.Document, set *constraint.Set, resource []domain.Conflict) {
	had := map[domain.ComponentRef]bool{}
	for _, v := range set.Check(constraint.Of(doc)) {
		had[v.Ref] = true
	}
	scratch := doc.Clone()
	admitted := make([]bool, len(p.accepted))
	for _, increasing := range []bool{false, true} {
		for i, c := range p.accepted {
			effect := constraint.Effect(scratch, c.action.Kind, c.action.Target, c.action.Change)
			if effect.Increases() != increasing {
				continue
			}
			next := scratch.Clone()
			if err := optimizer.Step(&next, c.action); err != nil {
				admitted[i] = true
				continue
			}
			broken := ""
			for _, v := range set.Check(constraint.Of(next)) {
				if !had[v.Ref] {
					broken = string(v.Ref)
					break
				}
			}
			if broken != "" {
				for _, id := range c.action.SourceIDs {
					p.superseded = append(p.superseded, domain.Supersession{
						SuggestionID: id, StakeholderID: stakeholderOf(c, id),
						ConflictID: resourceConflict(resource, id), Reason: domain.ReasonResource, By: broken,
					})
				}
				continue
			}
			admitted[i] = true
			scratch = next
		}
	}
	kept := p.accepted[:0:0]
	for i, c := range p.accepted {
		if admitted[i] {
			kept = append(kept, c)
		}
	}
	p.accepted = kept
	for _, rc := range resource {
		var ids []string
		for _, c := range kept {
			for _, id := range c.action.SourceIDs {
				if containsString(rc.SuggestionIDs, id) {
					ids = append(ids, id)
				}
			}
		}
		p.resolutions = append(p.resolutions, domain.Resolution{ConflictID: rc.ID, Rule: RuleResource, Accepted: ids})
	}
}

func (p *plan) rationale(conflicts int) string {
	direct := len(p.accepted) - p.synthesized
	parts := []string{
		fmt.Sprintf("%d actions accepted (%d from suggestions, %d synthesized)", len(p.accepted), direct, p.synthesized),
		fmt.Sprintf("%d conflicts", conflicts),
	}
	if n := len(p.superseded); n > 0 {
		parts = append(parts, fmt.Sprintf("%d superseded", n))
	}
	if n := len(p.deferred); n > 0 {
		parts = append(parts, fmt.Sprintf("%d deferred", n))
	}
	for _, r := range p.resolutions {
		parts = append(parts, fmt.Sprintf("conflict %s resolved by %s", shortID(r.ConflictID), r.Rule))
	}
	return strings.Join(parts, "; ")
}

// compromise synthesizes midpoint credits when every member is a modify that
// sets credits and the members agree on every other field.
func compromise(c domain.Conflict, members []domain.Suggestion) (domain.Action, bool) {
	var merged domain.CoursePatch
	lo, hi := 0.0, 0.0
	for i, s := range members {
		if s.Kind != domain.KindModify || s.Change.Patch == nil || s.Change.Patch.Credits == nil {
			return domain.Action{}, false
		}
		rest := *s.Change.Patch
		rest.Credits = nil
		if merged.Clashes(rest) {
			return domain.Action{}, false
		}
		merged = merged.Merge(rest)
		v := *s.Change.Patch.Credits
		if i == 0 || v < lo {
			lo = v
		}
		if i == 0 || v > hi {
			hi = v
		}
	}
	mid := (lo + hi) / 2
	merged.Credits = &mid

	a := domain.Action{
		Kind:        domain.KindModify,
		Target:      c.Target,
		Change:      domain.Change{Patch: &merged},
		Synthesized: true,
		Note:        fmt.Sprintf("compromise: credits %g (range %g-%g)", mid, lo, hi),
	}
	for i, s := range members {
		a.SourceIDs = append(a.SourceIDs, s.ID)
		a.StakeholderIDs = append(a.StakeholderIDs, s.StakeholderID)
		if i == 0 || s.Priority > a.Priority {
			a.Priority = s.Priority
		}
		if i == 0 || s.Feasibility < a.Feasibility {
			a.Feasibility = s.Feasibility
		}
	}
	return a, true
}

func rankOf(a domain.Action, members []domain.Suggestion) domain.Suggestion {
	first := members[0]
	for _, s := range members[1:] {
		if s.StakeholderID < first.StakeholderID || (s.StakeholderID == first.StakeholderID && s.ID < first.ID) {
			first = s
		}
	}
	return domain.Suggestion{
		ID:            first.ID,
		StakeholderID: first.StakeholderID,
		Priority:      a.Priority,
		Feasibility:   a.Feasibility,
	}
}

func synthesizedRef(c domain.Conflict) string {
	return "synthesized:" + shortID(c.ID)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func actionOf(s domain.Suggestion) domain.Action {
	return domain.Action{
		Kind:           s.Kind,
		Target:         s.Target,
		Change:         s.Change,
		SourceIDs:      []string{s.ID},
		StakeholderIDs: []string{s.StakeholderID},
		Priority:       s.Priority,
		Feasibility:    s.Feasibility,
		Note:           s.Description,
	}
}

func byFeasibility(a, b domain.Suggestion) bool {
	if a.Feasibility != b.Feasibility {
		return a.Feasibility > b.Feasibility
	}
	return domain.RankLess(a, b)
}

func feasibilityOf(s domain.Suggestion) float64 { return s.Feasibility }

func priorityOf(s domain.Suggestion) float64 { return float64(s.Priority) }

func leader(members []domain.Suggestion, less func(a, b domain.Suggestion) bool) (domain.Suggestion, bool) {
	if len(members) == 0 {
		return domain.Suggestion{}, false
	}
	best := members[0]
	for _, s := range members[1:] {
		if less(s, best) {
			best = s
		}
	}
	return best, true
}

// strongestRival returns the highest score among members incompatible with w.
func strongestRival(members []domain.Suggestion, w domain.Suggestion, score func(domain.Suggestion) float64) float64 {
	best := -1.0
	for _, s := range members {
		if s.ID == w.ID || domain.Compatible(s.Kind, s.Change, w.Kind, w.Change) {
			continue
		}
		if v := score(s); v > best {
			best = v
		}
	}
	return best
}

func compatibleWithAll(s domain.Suggestion, kept []domain.Suggestion) bool {
	for _, k := range kept {
		if !domain.Compatible(s.Kind, s.Change, k.Kind, k.Change) {
			return false
		}
	}
	return true
}

// checkConsistent verifies that no two actions on one target are incompatible.
func checkConsistent(actions []domain.Action) error {
	byTarget := map[domain.ComponentRef][]domain.Action{}
	for _, a := range actions {
		for _, prev := range byTarget[a.Target] {
			if !domain.Compatible(prev.Kind, prev.Change, a.Kind, a.Change) {
				return fmt.Errorf("%w: %s %s and %s %s on %s", ErrContradictoryPlan,
					prev.Kind, strings.Join(prev.SourceIDs, ","), a.Kind, strings.Join(a.SourceIDs, ","), a.Target)
			}
		}
		byTarget[a.Target] = append(byTarget[a.Target], a)
	}
	return nil
}

func sortSuperseded(s []domain.Supersession) {
	sort.SliceStable(s, func(i, j int) bool { return s[i].SuggestionID < s[j].SuggestionID })
}

func stakeholderOf(c candidate, id string) string {
	for i, src := range c.action.SourceIDs {
		if src == id && i < len(c.action.StakeholderIDs) {
			return c.action.StakeholderIDs[i]
		}
	}
	return c.rank.StakeholderID
}

func resourceConflict(resource []domain.Conflict, id string) string {
	for _, c := range resource {
		if containsString(c.SuggestionIDs, id) {
			return c.ID
		}
	}
	return ""
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
