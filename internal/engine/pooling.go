package engine

import (
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/periop-risk-server/internal/domain"
)

// Pooler combines raw evidence estimates into a single pooled value with a
// propagated confidence interval, using quality-, sample-size-, and
// temporally-weighted inverse-variance averaging. It is used offline by the
// repooling job and online as the resolvers' fallback when no precomputed
// pooled row exists.
//
// The weighting deliberately avoids random-effects heterogeneity modeling:
// the synthesis stays transparent and reproducible while still rewarding
// larger, higher-grade, and more recent studies.
type Pooler struct {
	logger *logrus.Logger
	cfg    *domain.EngineConfig
	// now is injectable for deterministic temporal-weight tests.
	now func() time.Time
}

// NewPooler creates a new pooling module.
func NewPooler(logger *logrus.Logger, cfg *domain.EngineConfig) *Pooler {
	return &Pooler{logger: logger, cfg: cfg, now: time.Now}
}

// Pool aggregates the given estimates for one (outcome, modifier, context)
// key. Multiplicative effect sizes pool in log space, incidences in linear
// space. Estimates failing validation or falling outside the configured
// sanity band are excluded and logged with provenance; they never fail the
// pooling of the remaining estimates. Returns ErrNoEvidence when nothing
// usable remains.
func (p *Pooler) Pool(key domain.EvidenceKey, kind domain.EstimateKind, estimates []domain.EvidenceEstimate) (*domain.PooledEstimate, error) {
	usable := make([]domain.EvidenceEstimate, 0, len(estimates))
	for _, e := range estimates {
		if err := p.screen(&e, kind); err != nil {
			p.logger.WithFields(logrus.Fields{
				"outcome":  key.Outcome,
				"modifier": key.Modifier,
				"source":   e.SourceID,
				"estimate": e.Estimate,
			}).WithError(err).Warn("Excluding invalid evidence estimate from pooling")
			continue
		}
		usable = append(usable, e)
	}
	if len(usable) == 0 {
		return nil, fmt.Errorf("pooling %s: %w", key.String(), domain.ErrNoEvidence)
	}

	var sumW, sumWX float64
	totalN := 0
	grade := domain.GradeD
	sources := make([]string, 0, len(usable))
	for _, e := range usable {
		w := p.Weight(&e)
		x := e.Estimate
		if kind.Multiplicative() {
			x = math.Log(e.Estimate)
		}
		sumW += w
		sumWX += w * x
		if e.SampleSize != nil {
			totalN += *e.SampleSize
		}
		if e.Grade.BetterThan(grade) {
			grade = e.Grade
		}
		if e.SourceID != "" {
			sources = append(sources, e.SourceID)
		}
	}

	if sumW <= 0 {
		return nil, fmt.Errorf("pooling %s: total evidence weight is zero: %w", key.String(), domain.ErrNoEvidence)
	}

	mean := sumWX / sumW
	se := 1.0 / math.Sqrt(sumW)
	z := p.cfg.ConfidenceZ

	pooled := &domain.PooledEstimate{
		Outcome:         key.Outcome,
		Modifier:        key.Modifier,
		Context:         key.Context,
		Kind:            kind,
		StandardError:   se,
		StudiesCount:    len(usable),
		TotalSampleSize: totalN,
		Grade:           grade,
		Sources:         sources,
		ComputedAt:      p.now().UTC(),
	}

	if kind.Multiplicative() {
		pooled.Value = math.Exp(mean)
		pooled.CILower = math.Exp(mean - z*se)
		pooled.CIUpper = math.Exp(mean + z*se)
	} else {
		pooled.Value = mean
		pooled.CILower = math.Max(0, mean-z*se)
		pooled.CIUpper = mean + z*se
	}

	if h := p.heterogeneity(usable, kind, mean); h != nil {
		pooled.Heterogeneity = h
	}

	if err := pooled.Validate(); err != nil {
		return nil, fmt.Errorf("pooled estimate for %s failed validation: %w", key.String(), err)
	}
	return pooled, nil
}

// Weight computes the combined evidence weight of one estimate:
// quality x grade multiplier x capped sqrt(sample size) x temporal decay,
// with the modern-practice and guideline boosts applied on top.
func (p *Pooler) Weight(e *domain.EvidenceEstimate) float64 {
	w := e.QualityWeight
	if w == 0 {
		w = 1
	}
	w *= p.cfg.GradeMultiplier(e.Grade)

	sizeFactor := 1.0
	if e.SampleSize != nil {
		sizeFactor = math.Min(math.Sqrt(float64(*e.SampleSize)), p.cfg.SampleSizeCap)
	}
	w *= sizeFactor

	w *= p.TemporalWeight(e.PubYear)

	if e.PubYear != nil && *e.PubYear >= p.cfg.ModernCutoffYear {
		w *= p.cfg.ModernBoost
	}
	if e.Guideline {
		w *= p.cfg.GuidelineBoost
	}
	return w
}

// TemporalWeight applies exponential half-life decay to evidence age, bounded
// below by the configured floor. A missing publication year is treated as
// maximally stale rather than fresh.
func (p *Pooler) TemporalWeight(pubYear *int) float64 {
	if pubYear == nil {
		return p.cfg.TemporalFloor
	}
	age := float64(p.now().Year() - *pubYear)
	if age < 0 {
		age = 0
	}
	decay := math.Exp(-math.Ln2 * age / p.cfg.HalfLifeYears)
	return math.Max(p.cfg.TemporalFloor, decay)
}

// screen rejects estimates that are structurally invalid or outside the
// sanity band for their kind. Out-of-band values indicate extraction error
// rather than true clinical signal.
func (p *Pooler) screen(e *domain.EvidenceEstimate, kind domain.EstimateKind) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if kind.Multiplicative() {
		if e.Estimate < p.cfg.MinEffectSize || e.Estimate > p.cfg.MaxEffectSize {
			return domain.NewInvalidEvidenceError("effect_size", e.Estimate,
				p.cfg.MinEffectSize, p.cfg.MaxEffectSize, []string{e.SourceID})
		}
		return nil
	}
	if e.Estimate < p.cfg.MinBaselineRisk || e.Estimate > p.cfg.MaxBaselineRisk {
		return domain.NewInvalidEvidenceError("incidence", e.Estimate,
			p.cfg.MinBaselineRisk, p.cfg.MaxBaselineRisk, []string{e.SourceID})
	}
	return nil
}

// heterogeneity reports the weighted standard deviation of the contributing
// estimates around the pooled mean (in log space for multiplicative effects).
// Single-study pools have no dispersion to report.
func (p *Pooler) heterogeneity(estimates []domain.EvidenceEstimate, kind domain.EstimateKind, mean float64) *float64 {
	if len(estimates) < 2 {
		return nil
	}
	var sumW, sumWD float64
	for _, e := range estimates {
		x := e.Estimate
		if kind.Multiplicative() {
			x = math.Log(e.Estimate)
		}
		w := p.Weight(&e)
		d := x - mean
		sumW += w
		sumWD += w * d * d
	}
	h := math.Sqrt(sumWD / sumW)
	return &h
}
