package engine

import (
	"math"

	"github.com/periop-risk-server/internal/domain"
)

// CombineResult is the output of combining one baseline with the resolved
// modifier effects.
type CombineResult struct {
	AdjustedRisk float64
	CILower      float64
	CIUpper      float64
	RiskRatio    float64
	RiskDiff     float64
	BaselineOnly bool
	Citations    []string
}

// Combiner converts a baseline risk to odds, multiplies in the modifier
// effects in log-odds space, converts back to a probability, and propagates
// uncertainty from the modifiers' confidence intervals.
type Combiner struct {
	cfg *domain.EngineConfig
}

// NewCombiner creates a new risk combiner.
func NewCombiner(cfg *domain.EngineConfig) *Combiner {
	return &Combiner{cfg: cfg}
}

// Combine applies the modifiers to the baseline. An empty modifier list
// returns the baseline unchanged, flagged baseline-only: "no known factors
// affect this outcome" is a legitimate result, not an error.
func (c *Combiner) Combine(baseline *Baseline, modifiers []domain.EffectEstimate) CombineResult {
	p0 := baseline.Risk

	if len(modifiers) == 0 {
		lo, hi := baseline.CILower, baseline.CIUpper
		if !baseline.HasCI {
			lo, hi = c.fallbackBand(p0)
		}
		return CombineResult{
			AdjustedRisk: p0,
			CILower:      lo,
			CIUpper:      hi,
			RiskRatio:    1.0,
			RiskDiff:     0.0,
			BaselineOnly: true,
			Citations:    dedupe(baseline.Sources),
		}
	}

	o0 := p0 / (1 - p0)
	m := combinedOddsMultiplier(modifiers)
	o1 := o0 * m
	p1 := clamp(o1/(1+o1), c.cfg.MinBaselineRisk, c.cfg.MaxBaselineRisk)

	lo, hi, hasCI := c.propagate(o0, m, modifiers)
	if !hasCI {
		lo, hi = c.fallbackBand(p1)
	}
	// Keep the interval bracketing the point estimate after clamping.
	lo = math.Min(lo, p1)
	hi = math.Max(hi, p1)

	// The baseline is shared across concurrent cases via the resolver cache;
	// never append into its backing array.
	citations := make([]string, 0, len(baseline.Sources)+len(modifiers))
	citations = append(citations, baseline.Sources...)
	for _, mod := range modifiers {
		citations = append(citations, mod.Sources...)
	}

	return CombineResult{
		AdjustedRisk: p1,
		CILower:      lo,
		CIUpper:      hi,
		RiskRatio:    p1 / p0,
		RiskDiff:     p1 - p0,
		Citations:    dedupe(citations),
	}
}

// combinedOddsMultiplier is the single place the multiplicative-independence
// assumption lives: modifier effects are treated as independent odds-ratio
// multipliers. A future interaction-aware model replaces this function
// without touching callers.
func combinedOddsMultiplier(modifiers []domain.EffectEstimate) float64 {
	m := 1.0
	for _, mod := range modifiers {
		m *= mod.EffectSize
	}
	return m
}

// propagate accumulates log-odds variance from the modifiers' confidence
// intervals and converts the resulting interval on the combined odds back to
// a probability interval. Reports hasCI=false when no modifier carries a
// usable interval.
func (c *Combiner) propagate(o0, m float64, modifiers []domain.EffectEstimate) (lo, hi float64, hasCI bool) {
	z := c.cfg.ConfidenceZ
	varLnM := 0.0
	for _, mod := range modifiers {
		if !mod.HasCI() {
			continue
		}
		halfWidth := (math.Log(mod.CIUpper) - math.Log(mod.CILower)) / (2 * z)
		varLnM += halfWidth * halfWidth
		hasCI = true
	}
	if !hasCI {
		return 0, 0, false
	}
	se := math.Sqrt(varLnM)
	lnM := math.Log(m)
	oLow := o0 * math.Exp(lnM-z*se)
	oHigh := o0 * math.Exp(lnM+z*se)
	return oLow / (1 + oLow), oHigh / (1 + oHigh), true
}

// fallbackBand emits the fixed-width uncertainty band used when no modifier
// interval is available, instead of a false-precision point estimate.
func (c *Combiner) fallbackBand(p float64) (lo, hi float64) {
	delta := c.cfg.FallbackCIBand * p
	return math.Max(0, p-delta), math.Min(1, p+delta)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// dedupe removes duplicate citation identifiers preserving first-seen order.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
