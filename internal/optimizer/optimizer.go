// Package optimizer applies a mediated change-set to a curriculum document.
package optimizer

import (
	"errors"
	"fmt"
	"strings"

	"curricula/internal/constraint"
	"curricula/internal/domain"
)

// InconsistentDocumentError reports a change-set that would leave the document
// broken. Action is the step held responsible.
type InconsistentDocumentError struct {
	Action     *domain.Action
	Violations []domain.Violation
	Err        error
}

func (e *InconsistentDocumentError) Error() string {
	var b strings.Builder
	b.WriteString("inconsistent document")
	if e.Action != nil {
		fmt.Fprintf(&b, " after action %d (%s %s)", e.Action.Seq, e.Action.Kind, e.Action.Target)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	for i, v := range e.Violations {
		if i == 0 && e.Err == nil {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		b.WriteString(v.Rule + " " + v.Detail)
	}
	return b.String()
}

func (e *InconsistentDocumentError) Unwrap() error { return e.Err }

// Optimizer applies solutions. Constraints are optional; when set, a
// change-set may not break a constraint the input document satisfies.
type Optimizer struct {
	Constraints *constraint.Set
}

// Apply returns a new document with every action applied in order, or an
// *InconsistentDocumentError. The input document is never modified and the
// version number is left for the caller to stamp.
func (o Optimizer) Apply(doc domain.Document, sol domain.Solution) (domain.Document, error) {
	if len(sol.Actions) == 0 {
		return doc.Clone(), nil
	}
	next := doc.Clone()
	for i := range sol.Actions {
		a := sol.Actions[i]
		if err := Step(&next, a); err != nil {
			return doc, &InconsistentDocumentError{Action: &a, Err: err}
		}
	}
	next.Recompute()

	if err := next.Validate(); err != nil {
		var inv *domain.InvariantError
		if !errors.As(err, &inv) {
			return doc, err
		}
		return doc, &InconsistentDocumentError{
			Action:     blame(sol.Actions, inv.Violations[0]),
			Violations: inv.Violations,
		}
	}
	if vs := o.newViolations(doc, next); len(vs) > 0 {
		return doc, &InconsistentDocumentError{
			Action:     blame(sol.Actions, vs[0]),
			Violations: vs,
		}
	}
	return next, nil
}

func (o Optimizer) newViolations(before, after domain.Document) []domain.Violation {
	if o.Constraints.Empty() {
		return nil
	}
	had := map[domain.ComponentRef]bool{}
	for _, v := range o.Constraints.Check(constraint.Of(before)) {
		had[v.Ref] = true
	}
	var out []domain.Violation
	for _, v := range o.Constraints.Check(constraint.Of(after)) {
		if !had[v.Ref] {
			out = append(out, domain.Violation{Rule: "constraint", Ref: string(v.Ref), Detail: v.Message})
		}
	}
	return out
}

// Step applies a single action in place. Aggregates are not recomputed.
func Step(doc *domain.Document, a domain.Action) error {
	target := string(a.Target)
	switch a.Kind {
	case domain.KindAdd:
		if a.Change.Course == nil {
			return fmt.Errorf("add %s carries no course", target)
		}
		return doc.AddCourse(*a.Change.Course)
	case domain.KindModify:
		c, ok := doc.Course(target)
		if !ok {
			return fmt.Errorf("modify: course %s not found", target)
		}
		if a.Change.Patch == nil {
			return fmt.Errorf("modify %s carries no patch", target)
		}
		return doc.ReplaceCourse(a.Change.Patch.ApplyTo(c))
	case domain.KindRemove:
		return doc.RemoveCourse(target)
	}
	return fmt.Errorf("unknown action kind %s", a.Kind)
}

// blame picks the action responsible for a violation: the one touching the
// missing reference, else the one touching the broken course, else the last
// increasing or final action.
func blame(actions []domain.Action, v domain.Violation) *domain.Action {
	find := func(id string) *domain.Action {
		if id == "" {
			return nil
		}
		for i := len(actions) - 1; i >= 0; i-- {
			if string(actions[i].Target) == id {
				a := actions[i]
				return &a
			}
		}
		return nil
	}
	if a := find(v.Ref); a != nil {
		return a
	}
	if a := find(v.Course); a != nil {
		return a
	}
	if v.Rule == "constraint" {
		for i := len(actions) - 1; i >= 0; i-- {
			if actions[i].Kind == domain.KindAdd {
				a := actions[i]
				return &a
			}
		}
	}
	a := actions[len(actions)-1]
	return &a
}
