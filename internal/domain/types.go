// Package domain contains the core entities and types of the evidence-weighted
// perioperative risk engine: literature-derived evidence records, pooled
// aggregates, resolved effect sizes, and the per-case risk summary returned to
// callers.
package domain

// EvidenceGrade is the coarse A-D quality label summarizing the study design
// and rigor behind an estimate. A is the strongest.
type EvidenceGrade string

const (
	GradeA EvidenceGrade = "A"
	GradeB EvidenceGrade = "B"
	GradeC EvidenceGrade = "C"
	GradeD EvidenceGrade = "D"
)

// Rank orders grades for comparison; lower is better. Unknown grades rank
// below GradeD.
func (g EvidenceGrade) Rank() int {
	switch g {
	case GradeA:
		return 0
	case GradeB:
		return 1
	case GradeC:
		return 2
	case GradeD:
		return 3
	}
	return 4
}

// Valid reports whether g is one of the four recognized grades.
func (g EvidenceGrade) Valid() bool {
	return g == GradeA || g == GradeB || g == GradeC || g == GradeD
}

// BetterThan reports whether g is a strictly higher-quality grade than other.
func (g EvidenceGrade) BetterThan(other EvidenceGrade) bool {
	return g.Rank() < other.Rank()
}

// EstimateKind distinguishes how a numeric estimate is interpreted and pooled.
// Incidences pool in linear space; multiplicative effects pool in log space.
type EstimateKind string

const (
	KindIncidence EstimateKind = "incidence"
	KindOddsRatio EstimateKind = "odds_ratio"
	KindRiskRatio EstimateKind = "risk_ratio"
)

// Multiplicative reports whether the kind is an odds-ratio-like effect size.
func (k EstimateKind) Multiplicative() bool {
	return k == KindOddsRatio || k == KindRiskRatio
}

// CalculationMode selects between pooled/offline evidence only and an
// attempted live literature lookup that degrades gracefully to pooled-only.
type CalculationMode string

const (
	ModePooled CalculationMode = "pooled"
	ModeLive   CalculationMode = "live"
)

// RiskBand is the case-level qualitative risk label derived from the maximum
// adjusted risk and the count of elevated outcomes.
type RiskBand string

const (
	BandLow      RiskBand = "low"
	BandModerate RiskBand = "moderate"
	BandHigh     RiskBand = "high"
	BandVeryHigh RiskBand = "very_high"
)

// AgeCategory is the population segment of a case context.
type AgeCategory string

const (
	AgeNeonate   AgeCategory = "neonate"
	AgePediatric AgeCategory = "pediatric"
	AgeAdult     AgeCategory = "adult"
	AgeElderly   AgeCategory = "elderly"
	AgeObstetric AgeCategory = "obstetric"
)

// Urgency is the scheduling urgency of the planned procedure.
type Urgency string

const (
	UrgencyElective  Urgency = "elective"
	UrgencyUrgent    Urgency = "urgent"
	UrgencyEmergency Urgency = "emergency"
)

// MixedContext is the generic population label used when no structured
// demographic data exists or no more specific context has evidence.
const MixedContext = "mixed"

// EffectProvenance records which lookup path produced a resolved effect size.
type EffectProvenance string

const (
	ProvenancePooledContext EffectProvenance = "pooled_context"
	ProvenancePooledAny     EffectProvenance = "pooled_any"
	ProvenanceLivePooled    EffectProvenance = "live_pooled"
)
