package engine

import (
	"github.com/periop-risk-server/internal/domain"
)

// GradedEvidence is one contribution to the overall grade: a grade and the
// number of studies supporting it.
type GradedEvidence struct {
	Grade   domain.EvidenceGrade
	Studies int
}

// Grader derives one overall letter grade for an assessment from the grades
// and study counts of all contributing evidence.
type Grader struct {
	minStudies int
}

// NewGrader creates a grader with the minimum study count a grade needs to be
// considered well supported.
func NewGrader(minStudies int) *Grader {
	return &Grader{minStudies: minStudies}
}

// Overall returns the best grade supported by at least the study threshold,
// accumulated across contributions at that grade or better. When no grade
// meets the threshold it falls back to the lowest observed grade, so an
// outcome with only single-study D evidence is still gradeable, just graded
// D. Empty input grades D.
func (g *Grader) Overall(contributions []GradedEvidence) domain.EvidenceGrade {
	if len(contributions) == 0 {
		return domain.GradeD
	}

	studiesAtOrAbove := make(map[int]int) // grade rank -> cumulative studies
	lowest := domain.GradeA
	for _, c := range contributions {
		grade := c.Grade
		if !grade.Valid() {
			grade = domain.GradeD
		}
		for rank := grade.Rank(); rank <= domain.GradeD.Rank(); rank++ {
			studiesAtOrAbove[rank] += c.Studies
		}
		if lowest.BetterThan(grade) {
			lowest = grade
		}
	}

	for _, grade := range []domain.EvidenceGrade{domain.GradeA, domain.GradeB, domain.GradeC, domain.GradeD} {
		if studiesAtOrAbove[grade.Rank()] >= g.minStudies {
			return grade
		}
	}
	return lowest
}
