package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Kind is the closed set of change actions a suggestion may propose.
type Kind int

const (
	KindAdd Kind = iota + 1
	KindModify
	KindRemove
)

var kindNames = [...]string{KindAdd: "add", KindModify: "modify", KindRemove: "remove"}

func (k Kind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

func (k Kind) Valid() bool {
	return k >= KindAdd && k <= KindRemove
}

// ParseKind maps the textual form back to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "add":
		return KindAdd, nil
	case "modify":
		return KindModify, nil
	case "remove":
		return KindRemove, nil
	}
	return 0, fmt.Errorf("unknown suggestion kind %q", s)
}

func (k Kind) MarshalJSON() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("cannot marshal %s", k)
	}
	return json.Marshal(k.String())
}

func (k *Kind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// MarshalText lets YAML output and API schemas treat Kind as a string.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("cannot marshal %s", k)
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ComponentRef identifies the document component a suggestion targets. Course
// operations use the course id; aggregate references use the credits: and
// constraint: prefixes.
type ComponentRef string

const (
	RefTotalCredits ComponentRef = "credits:total"
)

func CategoryRef(category string) ComponentRef {
	return ComponentRef("credits:" + category)
}

func ConstraintRef(name string) ComponentRef {
	return ComponentRef("constraint:" + name)
}

// CoursePatch lists the course fields a modify suggestion sets. Nil fields are
// left unchanged.
type CoursePatch struct {
	Name          *string   `json:"name,omitempty"`
	Credits       *float64  `json:"credits,omitempty"`
	Hours         *int      `json:"hours,omitempty"`
	Category      *string   `json:"category,omitempty"`
	Semester      *int      `json:"semester,omitempty"`
	Prerequisites *[]string `json:"prerequisites,omitempty"`
	Skills        *[]string `json:"skills,omitempty"`
}

// Fields returns the names of the set fields in a fixed order.
func (p CoursePatch) Fields() []string {
	var out []string
	if p.Name != nil {
		out = append(out, "name")
	}
	if p.Credits != nil {
		out = append(out, "credits")
	}
	if p.Hours != nil {
		out = append(out, "hours")
	}
	if p.Category != nil {
		out = append(out, "category")
	}
	if p.Semester != nil {
		out = append(out, "semester")
	}
	if p.Prerequisites != nil {
		out = append(out, "prerequisites")
	}
	if p.Skills != nil {
		out = append(out, "skills")
	}
	return out
}

// Clashes reports whether both patches set a common field to different values.
func (p CoursePatch) Clashes(q CoursePatch) bool {
	switch {
	case p.Name != nil && q.Name != nil && *p.Name != *q.Name:
		return true
	case p.Credits != nil && q.Credits != nil && math.Abs(*p.Credits-*q.Credits) >= creditTolerance:
		return true
	case p.Hours != nil && q.Hours != nil && *p.Hours != *q.Hours:
		return true
	case p.Category != nil && q.Category != nil && *p.Category != *q.Category:
		return true
	case p.Semester != nil && q.Semester != nil && *p.Semester != *q.Semester:
		return true
	case p.Prerequisites != nil && q.Prerequisites != nil && !equalStrings(*p.Prerequisites, *q.Prerequisites):
		return true
	case p.Skills != nil && q.Skills != nil && !equalStrings(*p.Skills, *q.Skills):
		return true
	}
	return false
}

// Merge overlays the set fields of q onto p.
func (p CoursePatch) Merge(q CoursePatch) CoursePatch {
	if q.Name != nil {
		p.Name = q.Name
	}
	if q.Credits != nil {
		p.Credits = q.Credits
	}
	if q.Hours != nil {
		p.Hours = q.Hours
	}
	if q.Category != nil {
		p.Category = q.Category
	}
	if q.Semester != nil {
		p.Semester = q.Semester
	}
	if q.Prerequisites != nil {
		p.Prerequisites = q.Prerequisites
	}
	if q.Skills != nil {
		p.Skills = q.Skills
	}
	return p
}

// ApplyTo returns c with the patch applied.
func (p CoursePatch) ApplyTo(c Course) Course {
	c = c.clone()
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Credits != nil {
		c.Credits = *p.Credits
	}
	if p.Hours != nil {
		c.Hours = *p.Hours
	}
	if p.Category != nil {
		c.Category = *p.Category
	}
	if p.Semester != nil {
		c.Semester = *p.Semester
	}
	if p.Prerequisites != nil {
		c.Prerequisites = cloneStrings(*p.Prerequisites)
	}
	if p.Skills != nil {
		c.Skills = cloneStrings(*p.Skills)
	}
	return c
}

// Change is the structured payload of a suggestion or action. Add carries the
// full course, modify carries a patch and remove carries nothing.
type Change struct {
	Course *Course      `json:"course,omitempty"`
	Patch  *CoursePatch `json:"patch,omitempty"`
}

// Suggestion is one atomic change proposal from one stakeholder.
type Suggestion struct {
	ID              string       `json:"id"`
	StakeholderID   string       `json:"stakeholder_id"`
	Kind            Kind         `json:"kind"`
	Target          ComponentRef `json:"target"`
	Description     string       `json:"description,omitempty"`
	Justification   string       `json:"justification,omitempty"`
	Priority        int          `json:"priority"`
	Feasibility     float64      `json:"feasibility"`
	ExpectedBenefit string       `json:"expected_benefit,omitempty"`
	Risks           []string     `json:"risks,omitempty"`
	Change          Change       `json:"change"`
	// Deferrals counts how many rounds the suggestion has been carried over
	// unresolved.
	Deferrals int `json:"deferrals,omitempty"`
}

// Validate checks the suggestion shape. It does not look at any document.
func (s Suggestion) Validate() error {
	var errs []error
	if !s.Kind.Valid() {
		errs = append(errs, fmt.Errorf("invalid kind %d", int(s.Kind)))
	}
	if strings.TrimSpace(string(s.Target)) == "" {
		errs = append(errs, errors.New("target is required"))
	}
	if s.Priority < 1 || s.Priority > 5 {
		errs = append(errs, fmt.Errorf("priority %d outside [1,5]", s.Priority))
	}
	if math.IsNaN(s.Feasibility) || s.Feasibility < 0 || s.Feasibility > 1 {
		errs = append(errs, fmt.Errorf("feasibility %v outside [0,1]", s.Feasibility))
	}
	switch s.Kind {
	case KindAdd:
		switch {
		case s.Change.Course == nil:
			errs = append(errs, errors.New("add requires a course"))
		case s.Change.Course.ID != string(s.Target):
			errs = append(errs, fmt.Errorf("add course id %q differs from target %q", s.Change.Course.ID, s.Target))
		case !validCredits(s.Change.Course.Credits):
			errs = append(errs, fmt.Errorf("add course credits %v must be finite and non-negative", s.Change.Course.Credits))
		}
	case KindModify:
		switch {
		case s.Change.Patch == nil || len(s.Change.Patch.Fields()) == 0:
			errs = append(errs, errors.New("modify requires at least one patched field"))
		case s.Change.Patch.Credits != nil && !validCredits(*s.Change.Patch.Credits):
			errs = append(errs, fmt.Errorf("modify credits %v must be finite and non-negative", *s.Change.Patch.Credits))
		}
	case KindRemove:
		if s.Change.Course != nil || s.Change.Patch != nil {
			errs = append(errs, errors.New("remove carries no payload"))
		}
	}
	return errors.Join(errs...)
}

// Compatible reports whether two changes on the same target can both be
// applied: kinds must match, adds must carry identical courses and modifies
// must not set a shared field to different values.
func Compatible(ak Kind, ac Change, bk Kind, bc Change) bool {
	if ak != bk {
		return false
	}
	switch ak {
	case KindAdd:
		if ac.Course == nil || bc.Course == nil {
			return ac.Course == bc.Course
		}
		return ac.Course.Equal(*bc.Course)
	case KindModify:
		if ac.Patch == nil || bc.Patch == nil {
			return true
		}
		return !ac.Patch.Clashes(*bc.Patch)
	default:
		return true
	}
}

// SortCanonical orders suggestions by stakeholder id, then suggestion id.
func SortCanonical(s []Suggestion) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].StakeholderID != s[j].StakeholderID {
			return s[i].StakeholderID < s[j].StakeholderID
		}
		return s[i].ID < s[j].ID
	})
}

// RankLess orders by descending priority, descending feasibility, then
// stakeholder id and suggestion id.
func RankLess(a, b Suggestion) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.Feasibility != b.Feasibility {
		return a.Feasibility > b.Feasibility
	}
	if a.StakeholderID != b.StakeholderID {
		return a.StakeholderID < b.StakeholderID
	}
	return a.ID < b.ID
}
