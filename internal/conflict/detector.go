// Package conflict finds suggestions that cannot all be applied together.
package conflict

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/google/uuid"

	"curricula/internal/constraint"
	"curricula/internal/domain"
)

// Detector classifies conflicts between the suggestions of one round. It is a
// pure function of its inputs.
type Detector struct {
	Constraints *constraint.Set
}

// Detect groups suggestions by target and reports every group holding an
// incompatible pair, then checks the combined credit effect of all
// suggestions against the aggregate constraints. The input order does not
// affect the result.
func (d Detector) Detect(doc domain.Document, suggestions []domain.Suggestion) []domain.Conflict {
	sorted := slices.Clone(suggestions)
	domain.SortCanonical(sorted)

	groups := map[domain.ComponentRef][]domain.Suggestion{}
	var targets []domain.ComponentRef
	for _, s := range sorted {
		if _, ok := groups[s.Target]; !ok {
			targets = append(targets, s.Target)
		}
		groups[s.Target] = append(groups[s.Target], s)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })

	var out []domain.Conflict
	for _, target := range targets {
		if c, ok := sameTarget(target, groups[target]); ok {
			out = append(out, c)
		}
	}
	return append(out, d.resource(doc, sorted)...)
}

func sameTarget(target domain.ComponentRef, group []domain.Suggestion) (domain.Conflict, bool) {
	if len(group) < 2 {
		return domain.Conflict{}, false
	}
	involved := make([]bool, len(group))
	crossKind := false
	found := false
	for i := 0; i < len(group); i++ {
		for j := i + 1; j < len(group); j++ {
			a, b := group[i], group[j]
			if domain.Compatible(a.Kind, a.Change, b.Kind, b.Change) {
				continue
			}
			involved[i], involved[j] = true, true
			found = true
			if a.Kind != b.Kind {
				crossKind = true
			}
		}
	}
	if !found {
		return domain.Conflict{}, false
	}
	var members []domain.Suggestion
	for i, s := range group {
		if involved[i] {
			members = append(members, s)
		}
	}
	kind := domain.ConflictContradictory
	desc := fmt.Sprintf("%d suggestions propose different content for %s", len(members), target)
	if crossKind {
		kind = domain.ConflictSameTarget
		desc = fmt.Sprintf("%d suggestions propose different actions on %s (%s)", len(members), target, kindList(members))
	}
	return record(kind, target, members, desc), true
}

func (d Detector) resource(doc domain.Document, sorted []domain.Suggestion) []domain.Conflict {
	if d.Constraints.Empty() || len(sorted) == 0 {
		return nil
	}
	effects := make([]constraint.Totals, len(sorted))
	projected := constraint.Of(doc)
	for i, s := range sorted {
		effects[i] = constraint.SuggestionEffect(doc, s)
		projected = projected.Plus(effects[i])
	}
	var out []domain.Conflict
	for _, v := range d.Constraints.Check(projected) {
		var members []domain.Suggestion
		for i, s := range sorted {
			if contributes(v.Ref, effects[i]) {
				members = append(members, s)
			}
		}
		if len(members) == 0 {
			continue
		}
		out = append(out, record(domain.ConflictResource, v.Ref, members, v.Message))
	}
	return out
}

// contributes reports whether an effect pushes toward the violated reference.
// Rules are opaque, so any credit change counts toward them.
func contributes(ref domain.ComponentRef, e constraint.Totals) bool {
	r := string(ref)
	switch {
	case ref == domain.RefTotalCredits:
		return e.Total > 0
	case strings.HasPrefix(r, "credits:"):
		return e.ByCategory[strings.TrimPrefix(r, "credits:")] > 0
	default:
		if e.Total != 0 || e.Courses != 0 {
			return true
		}
		for _, v := range e.ByCategory {
			if v != 0 {
				return true
			}
		}
		return false
	}
}

func record(kind domain.ConflictKind, target domain.ComponentRef, members []domain.Suggestion, desc string) domain.Conflict {
	ids := make([]string, len(members))
	for i, s := range members {
		ids[i] = s.ID
	}
	key := string(kind) + "|" + string(target) + "|" + strings.Join(ids, ",")
	return domain.Conflict{
		ID:            uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String(),
		Kind:          kind,
		Severity:      Severity(members),
		Target:        target,
		SuggestionIDs: ids,
		Description:   desc,
	}
}

// Severity is high if any suggestion has priority >= 4, medium if the mean
// feasibility is below 0.5, and low otherwise.
func Severity(members []domain.Suggestion) domain.Severity {
	if len(members) == 0 {
		return domain.SeverityLow
	}
	sum := 0.0
	for _, s := range members {
		if s.Priority >= 4 {
			return domain.SeverityHigh
		}
		sum += s.Feasibility
	}
	if sum/float64(len(members)) < 0.5 {
		return domain.SeverityMedium
	}
	return domain.SeverityLow
}

func kindList(members []domain.Suggestion) string {
	seen := map[domain.Kind]bool{}
	var names []string
	for _, s := range members {
		if !seen[s.Kind] {
			seen[s.Kind] = true
			names = append(names, s.Kind.String())
		}
	}
	sort.Strings(names)
	return strings.Join(names, "/")
}
