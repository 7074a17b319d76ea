package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/gowebpki/jcs"
)

// Course categories used by the default stakeholder profiles. Documents may
// carry any other category name.
const (
	CategoryGeneral    = "general"
	CategoryBasic      = "basic"
	CategoryCore       = "core"
	CategoryElective   = "elective"
	CategoryPractical  = "practical"
	CategoryGraduation = "graduation"
)

const creditTolerance = 1e-9

type Metadata struct {
	Major            string   `json:"major" yaml:"major"`
	Degree           string   `json:"degree,omitempty" yaml:"degree,omitempty"`
	Duration         string   `json:"duration,omitempty" yaml:"duration,omitempty"`
	TargetPositions  []string `json:"target_positions,omitempty" yaml:"target_positions,omitempty"`
	LearningOutcomes []string `json:"learning_outcomes,omitempty" yaml:"learning_outcomes,omitempty"`
}

type Course struct {
	ID            string   `json:"id" yaml:"id"`
	Name          string   `json:"name" yaml:"name"`
	Credits       float64  `json:"credits" yaml:"credits"`
	Hours         int      `json:"hours,omitempty" yaml:"hours,omitempty"`
	Category      string   `json:"category" yaml:"category"`
	Semester      int      `json:"semester,omitempty" yaml:"semester,omitempty"`
	Prerequisites []string `json:"prerequisites,omitempty" yaml:"prerequisites,omitempty"`
	Skills        []string `json:"skills,omitempty" yaml:"skills,omitempty"`
}

func (c Course) clone() Course {
	c.Prerequisites = cloneStrings(c.Prerequisites)
	c.Skills = cloneStrings(c.Skills)
	return c
}

// Equal reports whether two courses carry the same content.
func (c Course) Equal(o Course) bool {
	return c.ID == o.ID &&
		c.Name == o.Name &&
		math.Abs(c.Credits-o.Credits) < creditTolerance &&
		c.Hours == o.Hours &&
		c.Category == o.Category &&
		c.Semester == o.Semester &&
		equalStrings(c.Prerequisites, o.Prerequisites) &&
		equalStrings(c.Skills, o.Skills)
}

// Document is one version of a structured curriculum. Values are treated as
// immutable once committed to a State; use Clone before changing anything.
type Document struct {
	Metadata           Metadata            `json:"metadata" yaml:"metadata"`
	Version            int                 `json:"version" yaml:"version"`
	Courses            []Course            `json:"courses" yaml:"courses"`
	SkillMap           map[string][]string `json:"skill_map,omitempty" yaml:"skill_map,omitempty"`
	CreditDistribution map[string]float64  `json:"credit_distribution" yaml:"credit_distribution,omitempty"`
	TotalCredits       float64             `json:"total_credits" yaml:"total_credits,omitempty"`
}

func validCredits(v float64) bool {
	return v >= 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Clone returns a deep copy.
func (d Document) Clone() Document {
	out := d
	out.Metadata.TargetPositions = cloneStrings(d.Metadata.TargetPositions)
	out.Metadata.LearningOutcomes = cloneStrings(d.Metadata.LearningOutcomes)
	if d.Courses != nil {
		out.Courses = make([]Course, len(d.Courses))
		for i, c := range d.Courses {
			out.Courses[i] = c.clone()
		}
	}
	if d.SkillMap != nil {
		out.SkillMap = make(map[string][]string, len(d.SkillMap))
		for k, v := range d.SkillMap {
			out.SkillMap[k] = cloneStrings(v)
		}
	}
	if d.CreditDistribution != nil {
		out.CreditDistribution = make(map[string]float64, len(d.CreditDistribution))
		for k, v := range d.CreditDistribution {
			out.CreditDistribution[k] = v
		}
	}
	return out
}

// Course looks up a course by id.
func (d Document) Course(id string) (Course, bool) {
	i := d.indexOf(id)
	if i < 0 {
		return Course{}, false
	}
	return d.Courses[i], true
}

func (d Document) indexOf(id string) int {
	for i, c := range d.Courses {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// Recompute refreshes the aggregate credit distribution and total from the
// course list.
func (d *Document) Recompute() {
	dist := make(map[string]float64)
	total := 0.0
	for _, c := range d.Courses {
		dist[c.Category] += c.Credits
		total += c.Credits
	}
	d.CreditDistribution = dist
	d.TotalCredits = total
}

// AddCourse appends a course. The caller validates the result.
func (d *Document) AddCourse(c Course) error {
	if d.indexOf(c.ID) >= 0 {
		return fmt.Errorf("course %s already exists", c.ID)
	}
	d.Courses = append(d.Courses, c.clone())
	return nil
}

// ReplaceCourse swaps the course with the same id.
func (d *Document) ReplaceCourse(c Course) error {
	i := d.indexOf(c.ID)
	if i < 0 {
		return fmt.Errorf("course %s not found", c.ID)
	}
	d.Courses[i] = c.clone()
	return nil
}

// RemoveCourse drops a course and its skill-map targets. Prerequisite lists of
// other courses are left untouched.
func (d *Document) RemoveCourse(id string) error {
	i := d.indexOf(id)
	if i < 0 {
		return fmt.Errorf("course %s not found", id)
	}
	d.Courses = append(d.Courses[:i:i], d.Courses[i+1:]...)
	for skill, targets := range d.SkillMap {
		kept := targets[:0:0]
		for _, t := range targets {
			if t != id {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(d.SkillMap, skill)
			continue
		}
		d.SkillMap[skill] = kept
	}
	return nil
}

// Violation names one broken document invariant.
type Violation struct {
	Rule   string `json:"rule"`
	Course string `json:"course,omitempty"`
	// Ref is the missing course a dangling reference points at.
	Ref    string `json:"ref,omitempty"`
	Detail string `json:"detail"`
}

// InvariantError lists every invariant a document breaks.
type InvariantError struct {
	Violations []Violation
}

func (e *InvariantError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.Rule+": "+v.Detail)
	}
	return "document invariants violated: " + strings.Join(parts, "; ")
}

// Validate checks the document model invariants: unique non-empty course ids,
// non-negative credits, prerequisites and skill-map targets that reference
// existing courses, an acyclic prerequisite graph, and aggregates that match
// the course list.
func (d Document) Validate() error {
	var out []Violation
	ids := make(map[string]bool, len(d.Courses))
	for _, c := range d.Courses {
		switch {
		case strings.TrimSpace(c.ID) == "":
			out = append(out, Violation{Rule: "empty_id", Detail: fmt.Sprintf("course %q has no id", c.Name)})
			continue
		case ids[c.ID]:
			out = append(out, Violation{Rule: "duplicate_id", Course: c.ID, Detail: "course id " + c.ID + " appears twice"})
		}
		ids[c.ID] = true
		if !validCredits(c.Credits) {
			out = append(out, Violation{Rule: "negative_credits", Course: c.ID, Detail: fmt.Sprintf("course %s has %.2f credits", c.ID, c.Credits)})
		}
	}
	for _, c := range d.Courses {
		for _, p := range c.Prerequisites {
			switch {
			case p == c.ID:
				out = append(out, Violation{Rule: "self_prerequisite", Course: c.ID, Detail: "course " + c.ID + " requires itself"})
			case !ids[p]:
				out = append(out, Violation{Rule: "dangling_prerequisite", Course: c.ID, Ref: p, Detail: "course " + c.ID + " requires missing course " + p})
			}
		}
	}
	skills := make([]string, 0, len(d.SkillMap))
	for s := range d.SkillMap {
		skills = append(skills, s)
	}
	sort.Strings(skills)
	for _, s := range skills {
		for _, target := range d.SkillMap[s] {
			if !ids[target] {
				out = append(out, Violation{Rule: "dangling_skill_target", Ref: target, Detail: "skill " + s + " maps to missing course " + target})
			}
		}
	}
	if cycle := d.prerequisiteCycle(); cycle != "" {
		out = append(out, Violation{Rule: "prerequisite_cycle", Course: cycle, Detail: "prerequisite cycle through " + cycle})
	}
	sum := 0.0
	dist := make(map[string]float64)
	for _, c := range d.Courses {
		sum += c.Credits
		dist[c.Category] += c.Credits
	}
	if math.Abs(sum-d.TotalCredits) > 1e-6 {
		out = append(out, Violation{Rule: "total_mismatch", Detail: fmt.Sprintf("total credits %.2f != course sum %.2f", d.TotalCredits, sum)})
	}
	for cat, v := range dist {
		if math.Abs(d.CreditDistribution[cat]-v) > 1e-6 {
			out = append(out, Violation{Rule: "distribution_mismatch", Detail: fmt.Sprintf("category %s records %.2f, courses sum to %.2f", cat, d.CreditDistribution[cat], v)})
		}
	}
	if len(out) > 0 {
		return &InvariantError{Violations: out}
	}
	return nil
}

func (d Document) prerequisiteCycle() string {
	const (
		unseen = iota
		active
		done
	)
	state := make(map[string]int, len(d.Courses))
	prereqs := make(map[string][]string, len(d.Courses))
	for _, c := range d.Courses {
		prereqs[c.ID] = c.Prerequisites
	}
	var visit func(id string) string
	visit = func(id string) string {
		state[id] = active
		for _, p := range prereqs[id] {
			if _, ok := prereqs[p]; !ok || p == id {
				continue
			}
			switch state[p] {
			case active:
				return p
			case unseen:
				if c := visit(p); c != "" {
					return c
				}
			}
		}
		state[id] = done
		return ""
	}
	for _, c := range d.Courses {
		if state[c.ID] == unseen {
			if cyc := visit(c.ID); cyc != "" {
				return cyc
			}
		}
	}
	return ""
}

// Digest returns the SHA-256 of the canonical (RFC 8785) JSON form of the
// document content. The version number is excluded so equal content yields
// equal digests across rounds.
func (d Document) Digest() (string, error) {
	content := d
	content.Version = 0
	raw, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("marshal document: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize document: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
