// Package testfixture holds shared documents and suggestion generators for
// package tests.
package testfixture

import (
	"fmt"
	"math/rand"

	"curricula/internal/domain"
)

// Baseline returns a twelve-course curriculum worth 40 credits.
func Baseline() domain.Document {
	doc := domain.Document{
		Metadata: domain.Metadata{
			Major:           "Software Engineering",
			Degree:          "Bachelor of Engineering",
			TargetPositions: []string{"backend engineer", "data engineer"},
		},
		Courses: []domain.Course{
			{ID: "GE101", Name: "Academic Writing", Credits: 4, Category: domain.CategoryGeneral, Semester: 1},
			{ID: "MA101", Name: "Calculus", Credits: 4, Category: domain.CategoryBasic, Semester: 1},
			{ID: "CS101", Name: "Programming I", Credits: 4, Category: domain.CategoryBasic, Semester: 1, Skills: []string{"programming"}},
			{ID: "CS201", Name: "Data Structures", Credits: 4, Category: domain.CategoryCore, Semester: 2, Prerequisites: []string{"CS101"}},
			{ID: "CS202", Name: "Algorithms", Credits: 4, Category: domain.CategoryCore, Semester: 3, Prerequisites: []string{"CS201"}},
			{ID: "CS301", Name: "Databases", Credits: 3, Category: domain.CategoryCore, Semester: 4, Prerequisites: []string{"CS202"}},
			{ID: "CS302", Name: "Operating Systems", Credits: 3, Category: domain.CategoryCore, Semester: 4, Prerequisites: []string{"CS201"}},
			{ID: "SE401", Name: "Software Architecture", Credits: 3, Category: domain.CategoryElective, Semester: 5},
			{ID: "AI402", Name: "Machine Learning", Credits: 3, Category: domain.CategoryElective, Semester: 6},
			{ID: "PR301", Name: "Team Project", Credits: 3, Category: domain.CategoryPractical, Semester: 5},
			{ID: "PR402", Name: "Internship", Credits: 2, Category: domain.CategoryPractical, Semester: 7},
			{ID: "GR499", Name: "Thesis", Credits: 3, Category: domain.CategoryGraduation, Semester: 8, Prerequisites: []string{"CS301"}},
		},
		SkillMap: map[string][]string{
			"programming": {"CS101", "CS201"},
			"databases":   {"CS301"},
			"ml":          {"AI402"},
		},
	}
	doc.Recompute()
	return doc
}

// Add builds an add suggestion for a new course.
func Add(id, stakeholder string, c domain.Course, priority int, feasibility float64) domain.Suggestion {
	return domain.Suggestion{
		ID: id, StakeholderID: stakeholder, Kind: domain.KindAdd, Target: domain.ComponentRef(c.ID),
		Description: "add " + c.ID, Priority: priority, Feasibility: feasibility,
		Change: domain.Change{Course: &c},
	}
}

// Remove builds a remove suggestion.
func Remove(id, stakeholder, target string, priority int, feasibility float64) domain.Suggestion {
	return domain.Suggestion{
		ID: id, StakeholderID: stakeholder, Kind: domain.KindRemove, Target: domain.ComponentRef(target),
		Description: "remove " + target, Priority: priority, Feasibility: feasibility,
	}
}

// SetCredits builds a modify suggestion changing a course's credits.
func SetCredits(id, stakeholder, target string, credits float64, priority int, feasibility float64) domain.Suggestion {
	return domain.Suggestion{
		ID: id, StakeholderID: stakeholder, Kind: domain.KindModify, Target: domain.ComponentRef(target),
		Description: fmt.Sprintf("set %s credits to %g", target, credits), Priority: priority, Feasibility: feasibility,
		Change: domain.Change{Patch: &domain.CoursePatch{Credits: &credits}},
	}
}

// Rename builds a modify suggestion changing a course's name.
func Rename(id, stakeholder, target, name string, priority int, feasibility float64) domain.Suggestion {
	return domain.Suggestion{
		ID: id, StakeholderID: stakeholder, Kind: domain.KindModify, Target: domain.ComponentRef(target),
		Description: "rename " + target, Priority: priority, Feasibility: feasibility,
		Change: domain.Change{Patch: &domain.CoursePatch{Name: &name}},
	}
}

var stakeholders = []string{"academic_affairs", "faculty_representative", "hr_recruiter", "industry_expert", "student_representative"}

// RandomSuggestions draws up to n well-formed suggestions against doc. Targets
// mix existing courses, a few new course slots and one unknown id. Ids are
// unique.
func RandomSuggestions(r *rand.Rand, doc domain.Document, n int) []domain.Suggestion {
	existing := make([]string, 0, len(doc.Courses)+1)
	for _, c := range doc.Courses {
		existing = append(existing, c.ID)
	}
	existing = append(existing, "GHOST1")
	fresh := []string{"NEW1", "NEW2", "NEW3"}
	categories := []string{domain.CategoryCore, domain.CategoryElective, domain.CategoryPractical}

	out := make([]domain.Suggestion, 0, n)
	for i := 0; i < n; i++ {
		sh := stakeholders[r.Intn(len(stakeholders))]
		id := fmt.Sprintf("%s-%03d", sh, i)
		priority := 1 + r.Intn(5)
		feasibility := float64(r.Intn(11)) / 10
		switch r.Intn(3) {
		case 0:
			target := fresh[r.Intn(len(fresh))]
			c := domain.Course{
				ID:       target,
				Name:     "Course " + target,
				Credits:  float64(1 + r.Intn(4)),
				Category: categories[r.Intn(len(categories))],
			}
			if r.Intn(3) == 0 {
				c.Prerequisites = []string{existing[r.Intn(len(existing)-1)]}
			}
			out = append(out, Add(id, sh, c, priority, feasibility))
		case 1:
			target := existing[r.Intn(len(existing))]
			if r.Intn(2) == 0 {
				out = append(out, SetCredits(id, sh, target, float64(1+r.Intn(5)), priority, feasibility))
			} else {
				out = append(out, Rename(id, sh, target, fmt.Sprintf("Revised %d", r.Intn(3)), priority, feasibility))
			}
		default:
			out = append(out, Remove(id, sh, existing[r.Intn(len(existing))], priority, feasibility))
		}
	}
	return out
}
