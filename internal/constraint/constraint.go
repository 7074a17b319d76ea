// Package constraint evaluates aggregate limits on a curriculum: a total
// credit cap, per-category caps and named CEL rules over projected totals.
package constraint

import (
	"fmt"
	"sort"

	"github.com/google/cel-go/cel"

	"curricula/internal/config"
	"curricula/internal/domain"
)

// Totals are the aggregate figures constraints are checked against.
type Totals struct {
	Total      float64
	ByCategory map[string]float64
	Courses    int
}

// Of returns the totals of a document.
func Of(doc domain.Document) Totals {
	t := Totals{ByCategory: map[string]float64{}, Courses: len(doc.Courses)}
	for _, c := range doc.Courses {
		t.Total += c.Credits
		t.ByCategory[c.Category] += c.Credits
	}
	return t
}

func (t Totals) Clone() Totals {
	out := Totals{Total: t.Total, Courses: t.Courses, ByCategory: make(map[string]float64, len(t.ByCategory))}
	for k, v := range t.ByCategory {
		out.ByCategory[k] = v
	}
	return out
}

// Plus returns t with delta added.
func (t Totals) Plus(delta Totals) Totals {
	out := t.Clone()
	out.Total += delta.Total
	out.Courses += delta.Courses
	for k, v := range delta.ByCategory {
		out.ByCategory[k] += v
	}
	return out
}

// Increases reports whether the delta adds credits anywhere.
func (t Totals) Increases() bool {
	if t.Total > 0 || t.Courses > 0 {
		return true
	}
	for _, v := range t.ByCategory {
		if v > 0 {
			return true
		}
	}
	return false
}

// Effect is the credit delta a single change would have on doc. Removing or
// modifying an unknown course has no effect.
func Effect(doc domain.Document, kind domain.Kind, target domain.ComponentRef, change domain.Change) Totals {
	d := Totals{ByCategory: map[string]float64{}}
	switch kind {
	case domain.KindAdd:
		if change.Course == nil {
			return d
		}
		if _, exists := doc.Course(change.Course.ID); exists {
			return d
		}
		d.Total = change.Course.Credits
		d.ByCategory[change.Course.Category] = change.Course.Credits
		d.Courses = 1
	case domain.KindRemove:
		c, ok := doc.Course(string(target))
		if !ok {
			return d
		}
		d.Total = -c.Credits
		d.ByCategory[c.Category] = -c.Credits
		d.Courses = -1
	case domain.KindModify:
		c, ok := doc.Course(string(target))
		if !ok || change.Patch == nil {
			return d
		}
		next := change.Patch.ApplyTo(c)
		d.Total = next.Credits - c.Credits
		d.ByCategory[c.Category] -= c.Credits
		d.ByCategory[next.Category] += next.Credits
	}
	return d
}

// SuggestionEffect is Effect for a suggestion.
func SuggestionEffect(doc domain.Document, s domain.Suggestion) Totals {
	return Effect(doc, s.Kind, s.Target, s.Change)
}

// Violation is one broken aggregate constraint.
type Violation struct {
	Ref     domain.ComponentRef
	Message string
}

type rule struct {
	name    string
	message string
	prg     cel.Program
}

// Set is a compiled constraint configuration. A nil Set has no constraints.
type Set struct {
	maxTotal float64
	caps     map[string]float64
	rules    []rule
}

// Compile builds a Set, rejecting rules that do not compile to a boolean.
func Compile(c config.Constraints) (*Set, error) {
	env, err := cel.NewEnv(
		cel.Variable("total_credits", cel.DoubleType),
		cel.Variable("credits", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("course_count", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	s := &Set{maxTotal: c.MaxTotalCredits, caps: map[string]float64{}}
	for k, v := range c.CategoryCaps {
		s.caps[k] = v
	}
	for i, r := range c.Rules {
		field := fmt.Sprintf("constraints.rules[%d].expr", i)
		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, &config.Error{Field: field, Message: issues.Err().Error()}
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, &config.Error{Field: field, Message: "expression must evaluate to bool"}
		}
		prg, err := env.Program(ast, cel.CostLimit(10000))
		if err != nil {
			return nil, &config.Error{Field: field, Message: err.Error()}
		}
		s.rules = append(s.rules, rule{name: r.Name, message: r.Message, prg: prg})
	}
	return s, nil
}

// Empty reports whether the set has nothing to check.
func (s *Set) Empty() bool {
	return s == nil || (s.maxTotal == 0 && len(s.caps) == 0 && len(s.rules) == 0)
}

// Check returns the violations of t in a stable order: total cap, category
// caps by name, then rules in configuration order. A rule that fails to
// evaluate counts as violated.
func (s *Set) Check(t Totals) []Violation {
	if s.Empty() {
		return nil
	}
	var out []Violation
	if s.maxTotal > 0 && t.Total > s.maxTotal+1e-9 {
		out = append(out, Violation{
			Ref:     domain.RefTotalCredits,
			Message: fmt.Sprintf("total credits %.1f exceed cap %.1f", t.Total, s.maxTotal),
		})
	}
	cats := make([]string, 0, len(s.caps))
	for cat := range s.caps {
		cats = append(cats, cat)
	}
	sort.Strings(cats)
	for _, cat := range cats {
		if t.ByCategory[cat] > s.caps[cat]+1e-9 {
			out = append(out, Violation{
				Ref:     domain.CategoryRef(cat),
				Message: fmt.Sprintf("%s credits %.1f exceed cap %.1f", cat, t.ByCategory[cat], s.caps[cat]),
			})
		}
	}
	if len(s.rules) == 0 {
		return out
	}
	credits := make(map[string]float64, len(t.ByCategory))
	for k, v := range t.ByCategory {
		credits[k] = v
	}
	input := map[string]any{
		"total_credits": t.Total,
		"credits":       credits,
		"course_count":  int64(t.Courses),
	}
	for _, r := range s.rules {
		ok, err := eval(r.prg, input)
		if err == nil && ok {
			continue
		}
		msg := r.message
		if msg == "" {
			msg = "rule " + r.name + " violated"
		}
		if err != nil {
			msg = fmt.Sprintf("rule %s: %v", r.name, err)
		}
		out = append(out, Violation{Ref: domain.ConstraintRef(r.name), Message: msg})
	}
	return out
}

// Satisfied reports whether t breaks nothing.
func (s *Set) Satisfied(t Totals) bool {
	return len(s.Check(t)) == 0
}

func eval(prg cel.Program, input map[string]any) (bool, error) {
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}
