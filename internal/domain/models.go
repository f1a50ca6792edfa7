package domain

import (
	"time"
)

// EvidenceEstimate is one literature-derived data point harvested from a
// study, guideline, or registry. Immutable once harvested; owned by the
// evidence store.
type EvidenceEstimate struct {
	ID            int64         `json:"id,omitempty"`
	Outcome       string        `json:"outcome"`
	Modifier      string        `json:"modifier,omitempty"` // empty for baseline incidence rows
	Context       string        `json:"context,omitempty"`
	Kind          EstimateKind  `json:"kind"`
	Estimate      float64       `json:"estimate"`
	CILower       *float64      `json:"ci_lower,omitempty"`
	CIUpper       *float64      `json:"ci_upper,omitempty"`
	SampleSize    *int          `json:"sample_size,omitempty"`
	PubYear       *int          `json:"pub_year,omitempty"`
	Grade         EvidenceGrade `json:"grade"`
	QualityWeight float64       `json:"quality_weight"`
	Guideline     bool          `json:"guideline"` // consensus statement or practice guideline
	SourceID      string        `json:"source_id"`
}

// Validate checks structural invariants common to every estimate. Sanity-band
// checks on the value itself belong to the pooling layer, which knows the
// configured bands.
func (e *EvidenceEstimate) Validate() error {
	if e.Outcome == "" {
		return NewValidationError("outcome", "outcome token is required", e.Outcome)
	}
	if !e.Grade.Valid() {
		return NewValidationError("grade", "grade must be one of A, B, C, D", string(e.Grade))
	}
	if e.QualityWeight < 0 {
		return NewValidationError("quality_weight", "quality weight must be >= 0", e.QualityWeight)
	}
	if e.Estimate <= 0 {
		return NewValidationError("estimate", "estimate must be positive", e.Estimate)
	}
	if e.CILower != nil && e.CIUpper != nil && *e.CILower > *e.CIUpper {
		return NewValidationError("ci_lower", "CI lower bound exceeds upper bound", *e.CILower)
	}
	if e.SampleSize != nil && *e.SampleSize < 1 {
		return NewValidationError("sample_size", "sample size must be >= 1", *e.SampleSize)
	}
	return nil
}

// HasCI reports whether both confidence bounds are present and usable.
func (e *EvidenceEstimate) HasCI() bool {
	return e.CILower != nil && e.CIUpper != nil && *e.CILower > 0 && *e.CIUpper >= *e.CILower
}

// PooledEstimate is the derived aggregate over one or more EvidenceEstimates
// sharing an (outcome, modifier, context) key. Recomputed by the repooling
// job when new raw estimates arrive; otherwise read-only.
type PooledEstimate struct {
	Outcome         string        `json:"outcome"`
	Modifier        string        `json:"modifier,omitempty"`
	Context         string        `json:"context"`
	Kind            EstimateKind  `json:"kind"`
	Value           float64       `json:"value"`
	StandardError   float64       `json:"standard_error"`
	CILower         float64       `json:"ci_lower"`
	CIUpper         float64       `json:"ci_upper"`
	StudiesCount    int           `json:"studies_count"`
	TotalSampleSize int           `json:"total_sample_size"`
	Heterogeneity   *float64      `json:"heterogeneity,omitempty"`
	Grade           EvidenceGrade `json:"grade"`
	Sources         []string      `json:"sources"`
	ComputedAt      time.Time     `json:"computed_at"`
}

// Validate enforces the pooled-row invariants: at least one contributing
// study, and the point estimate bracketed by its interval.
func (p *PooledEstimate) Validate() error {
	if p.Outcome == "" {
		return NewValidationError("outcome", "outcome token is required", p.Outcome)
	}
	if p.StudiesCount < 1 {
		return NewValidationError("studies_count", "pooled row requires at least one study", p.StudiesCount)
	}
	if !p.Grade.Valid() {
		return NewValidationError("grade", "grade must be one of A, B, C, D", string(p.Grade))
	}
	if p.CILower > p.Value || p.Value > p.CIUpper {
		return NewValidationError("value", "pooled value outside its confidence interval", p.Value)
	}
	return nil
}

// EffectEstimate is the resolved multiplicative effect of one risk factor on
// one outcome, ready for log-odds combination.
type EffectEstimate struct {
	Factor       string           `json:"factor"`
	EffectSize   float64          `json:"effect_size"`
	CILower      float64          `json:"ci_lower,omitempty"`
	CIUpper      float64          `json:"ci_upper,omitempty"`
	Grade        EvidenceGrade    `json:"grade"`
	StudiesCount int              `json:"studies_count"`
	Sources      []string         `json:"sources,omitempty"`
	Provenance   EffectProvenance `json:"provenance"`
}

// HasCI reports whether the effect carries a usable confidence interval for
// variance propagation.
func (e *EffectEstimate) HasCI() bool {
	return e.CILower > 0 && e.CIUpper >= e.CILower
}

// RiskFactor is a patient attribute token supplied by the external
// factor-extraction collaborator. Not owned by this engine.
type RiskFactor struct {
	Token    string `json:"token"`
	Label    string `json:"label,omitempty"`
	Category string `json:"category,omitempty"`
}

// Demographics is the structured case context used to select evidence.
type Demographics struct {
	AgeCategory AgeCategory `json:"age_category,omitempty"`
	Procedure   string      `json:"procedure,omitempty"`
	Urgency     Urgency     `json:"urgency,omitempty"`
}

// ContextLabel is the composite lookup key for context-specific evidence. It
// is never persisted as an entity with its own lifecycle.
type ContextLabel struct {
	Segment   AgeCategory `json:"segment"`
	Procedure string      `json:"procedure,omitempty"`
	Urgency   Urgency     `json:"urgency,omitempty"`
}

// ContributingFactor is the per-factor line item inside a RiskAssessment.
type ContributingFactor struct {
	Token      string        `json:"token"`
	Label      string        `json:"label,omitempty"`
	EffectSize float64       `json:"effect_size"`
	CILower    float64       `json:"ci_lower,omitempty"`
	CIUpper    float64       `json:"ci_upper,omitempty"`
	Grade      EvidenceGrade `json:"grade"`
}

// RiskAssessment is the engine's output for one outcome. Created fresh on
// every calculation request and never mutated after assembly; callers may
// persist it verbatim for audit.
type RiskAssessment struct {
	Outcome         string               `json:"outcome"`
	Label           string               `json:"label"`
	Category        string               `json:"category,omitempty"`
	BaselineRisk    float64              `json:"baseline_risk"`
	BaselineContext string               `json:"baseline_context"`
	AdjustedRisk    float64              `json:"adjusted_risk"`
	CILower         float64              `json:"ci_lower"`
	CIUpper         float64              `json:"ci_upper"`
	RiskRatio       float64              `json:"risk_ratio"`
	RiskDifference  float64              `json:"risk_difference"`
	Grade           EvidenceGrade        `json:"evidence_grade"`
	StudiesCount    int                  `json:"studies_count"`
	Factors         []ContributingFactor `json:"contributing_factors"`
	Citations       []string             `json:"citations"`
	BaselineOnly    bool                 `json:"no_modifier_evidence"`
	ComputedAt      time.Time            `json:"computed_at"`
}

// SummaryStats are the case-level aggregates over all assessments.
type SummaryStats struct {
	TopAbsoluteRisks     []string `json:"top_absolute_risks"`
	TopRelativeIncreases []string `json:"top_relative_increases"`
	MaxAdjustedRisk      float64  `json:"max_adjusted_risk"`
	ElevatedOutcomes     int      `json:"elevated_outcomes"`
	OverallBand          RiskBand `json:"overall_band"`
}

// RiskSummary is the full engine response for one patient case.
type RiskSummary struct {
	SessionID       string           `json:"session_id"`
	EvidenceVersion string           `json:"evidence_version"`
	Mode            CalculationMode  `json:"calculation_mode"`
	ModeDegraded    bool             `json:"mode_degraded,omitempty"` // live lookup requested but unavailable
	Assessments     []RiskAssessment `json:"assessments"`
	Stats           SummaryStats     `json:"summary_stats"`
	Truncated       bool             `json:"truncated,omitempty"` // deadline hit before all outcomes were computed
	TotalAssessed   int              `json:"total_outcomes_assessed"`
	GeneratedAt     time.Time        `json:"generated_at"`
}

// EvidenceKey identifies one pooling unit in the store.
type EvidenceKey struct {
	Outcome  string `json:"outcome"`
	Modifier string `json:"modifier,omitempty"`
	Context  string `json:"context"`
}

// String renders the key in the canonical outcome/modifier/context form used
// for single-writer serialization during repooling.
func (k EvidenceKey) String() string {
	return k.Outcome + "/" + k.Modifier + "/" + k.Context
}
