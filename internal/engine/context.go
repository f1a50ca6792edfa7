// Package engine implements the evidence-weighted risk calculation engine:
// context resolution, baseline and modifier resolution, meta-analytic
// pooling, log-odds risk combination, evidence grading, and per-case summary
// assembly.
package engine

import (
	"strings"

	"github.com/periop-risk-server/internal/domain"
)

// ContextResolver maps case demographics into an ordered fallback sequence of
// context labels, most to least specific. It is a pure function holder with
// no failure modes; missing demographics resolve to the generic mixed
// context.
type ContextResolver struct{}

// NewContextResolver creates a new context resolver.
func NewContextResolver() *ContextResolver {
	return &ContextResolver{}
}

// Resolve returns the fallback sequence for the given demographics, e.g.
// pediatric ENT emergency -> ["pediatric_ent_emergency", "pediatric_ent",
// "pediatric", "mixed"]. The sequence always ends with the mixed context and
// contains no duplicates.
func (r *ContextResolver) Resolve(d domain.Demographics) []string {
	segment := normalizeToken(string(d.AgeCategory))
	procedure := normalizeToken(d.Procedure)
	urgency := normalizeToken(string(d.Urgency))

	if segment == "" {
		return []string{domain.MixedContext}
	}

	var seq []string
	if procedure != "" && urgency == string(domain.UrgencyEmergency) {
		seq = append(seq, segment+"_"+procedure+"_"+urgency)
	}
	if procedure != "" {
		seq = append(seq, segment+"_"+procedure)
	}
	seq = append(seq, segment, domain.MixedContext)
	return seq
}

// Label builds the single most specific context label for the demographics,
// used when tagging which context a baseline was resolved from.
func (r *ContextResolver) Label(d domain.Demographics) string {
	return r.Resolve(d)[0]
}

// normalizeToken lowercases and underscores a free-form demographic value so
// it can serve as a stable lookup key component.
func normalizeToken(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "-", "_")
	return s
}
