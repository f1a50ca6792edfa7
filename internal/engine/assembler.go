package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/periop-risk-server/internal/domain"
)

// CaseRequest is one patient case submitted for assessment: the extracted
// risk-factor tokens, the structured demographics, and the calculation mode.
type CaseRequest struct {
	Factors      []domain.RiskFactor    `json:"factors"`
	Demographics domain.Demographics    `json:"demographics"`
	Mode         domain.CalculationMode `json:"mode,omitempty"`
}

// Assembler runs the full per-case calculation: context resolution, baseline
// and modifier resolution, risk combination, grading, and summary assembly
// across the outcome catalog. It is stateless per invocation; concurrent
// cases share only the read-mostly evidence store.
type Assembler struct {
	catalog   *domain.Catalog
	contexts  *ContextResolver
	baselines *BaselineResolver
	modifiers *ModifierResolver
	combiner  *Combiner
	grader    *Grader
	cfg       *domain.EngineConfig
	logger    *logrus.Logger
	now       func() time.Time
}

// NewAssembler wires the engine components into a case-level assembler.
func NewAssembler(catalog *domain.Catalog, contexts *ContextResolver, baselines *BaselineResolver,
	modifiers *ModifierResolver, combiner *Combiner, grader *Grader,
	cfg *domain.EngineConfig, logger *logrus.Logger) *Assembler {
	return &Assembler{
		catalog:   catalog,
		contexts:  contexts,
		baselines: baselines,
		modifiers: modifiers,
		combiner:  combiner,
		grader:    grader,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Assess computes a RiskSummary for the case. Outcomes are independent and
// computed in parallel up to the configured width. Outcomes with no
// resolvable baseline are silently excluded. When the caller's deadline
// expires mid-case, the already-computed assessments are returned with the
// truncated flag set rather than discarding the work. A store failure is
// fatal and surfaced distinctly from "no evidence found".
func (a *Assembler) Assess(ctx context.Context, req CaseRequest) (*domain.RiskSummary, error) {
	start := a.now()
	mode := req.Mode
	if mode == "" {
		mode = domain.ModePooled
	}

	contextSeq := a.contexts.Resolve(req.Demographics)
	outcomes := a.catalog.Outcomes()

	a.logger.WithFields(logrus.Fields{
		"factors":  len(req.Factors),
		"outcomes": len(outcomes),
		"context":  contextSeq[0],
		"mode":     mode,
	}).Info("Starting case risk assessment")

	var (
		mu          sync.Mutex
		assessments []domain.RiskAssessment
		degraded    bool
		truncated   bool
		fatal       error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.MaxParallelOutcomes)

	for _, outcome := range outcomes {
		if gctx.Err() != nil {
			truncated = true
			break
		}
		outcome := outcome
		g.Go(func() error {
			assessment, wasDegraded, err := a.assessOutcome(gctx, outcome, req.Factors, contextSeq, mode)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && assessment != nil:
				assessments = append(assessments, *assessment)
			case err == nil:
				// No baseline evidence: legitimately excluded.
			case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
				truncated = true
			default:
				// Store-level failure: abort the remaining outcomes but keep
				// what was already computed.
				if fatal == nil {
					fatal = err
				}
				return err
			}
			if wasDegraded {
				degraded = true
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			truncated = true
		} else if fatal != nil {
			return nil, fmt.Errorf("case assessment aborted: %w", fatal)
		}
	}
	if ctx.Err() != nil {
		truncated = true
	}

	summary := a.assemble(assessments, mode, degraded, truncated)

	a.logger.WithFields(logrus.Fields{
		"session_id":  summary.SessionID,
		"assessed":    summary.TotalAssessed,
		"band":        summary.Stats.OverallBand,
		"truncated":   summary.Truncated,
		"duration_ms": a.now().Sub(start).Milliseconds(),
	}).Info("Case risk assessment completed")

	return summary, nil
}

// assessOutcome computes the RiskAssessment for one outcome, or (nil, nil)
// when the outcome has no resolvable baseline.
func (a *Assembler) assessOutcome(ctx context.Context, outcome domain.Outcome,
	factors []domain.RiskFactor, contextSeq []string, mode domain.CalculationMode) (*domain.RiskAssessment, bool, error) {

	baseline, err := a.baselines.Resolve(ctx, outcome.Token, contextSeq)
	if err != nil {
		if errors.Is(err, domain.ErrNoBaselineEvidence) {
			a.logger.WithField("outcome", outcome.Token).Debug("Skipping outcome with no baseline evidence")
			return nil, false, nil
		}
		var invalid *domain.InvalidEvidenceError
		if errors.As(err, &invalid) {
			// Data-quality defect already logged with provenance; the outcome
			// drops out of this summary like a missing baseline.
			return nil, false, nil
		}
		return nil, false, err
	}

	effects := make([]domain.EffectEstimate, 0, len(factors))
	contributing := make([]domain.ContributingFactor, 0, len(factors))
	degraded := false
	for _, factor := range factors {
		effect, wasDegraded, err := a.modifiers.Resolve(ctx, outcome.Token, factor.Token, contextSeq[0], mode)
		if wasDegraded {
			degraded = true
		}
		if err != nil {
			return nil, degraded, err
		}
		if effect == nil {
			continue
		}
		effects = append(effects, *effect)
		contributing = append(contributing, domain.ContributingFactor{
			Token:      factor.Token,
			Label:      factor.Label,
			EffectSize: effect.EffectSize,
			CILower:    effect.CILower,
			CIUpper:    effect.CIUpper,
			Grade:      effect.Grade,
		})
	}

	// Strongest effects first in the factor breakdown shown to clinicians.
	sort.SliceStable(contributing, func(i, j int) bool {
		return contributing[i].EffectSize > contributing[j].EffectSize
	})

	combined := a.combiner.Combine(baseline, effects)

	graded := make([]GradedEvidence, 0, len(effects)+1)
	graded = append(graded, GradedEvidence{Grade: baseline.Grade, Studies: baseline.StudiesCount})
	totalStudies := baseline.StudiesCount
	for _, e := range effects {
		graded = append(graded, GradedEvidence{Grade: e.Grade, Studies: e.StudiesCount})
		totalStudies += e.StudiesCount
	}

	return &domain.RiskAssessment{
		Outcome:         outcome.Token,
		Label:           outcome.Label,
		Category:        outcome.Category,
		BaselineRisk:    baseline.Risk,
		BaselineContext: baseline.ContextUsed,
		AdjustedRisk:    combined.AdjustedRisk,
		CILower:         combined.CILower,
		CIUpper:         combined.CIUpper,
		RiskRatio:       combined.RiskRatio,
		RiskDifference:  combined.RiskDiff,
		Grade:           a.grader.Overall(graded),
		StudiesCount:    totalStudies,
		Factors:         contributing,
		Citations:       combined.Citations,
		BaselineOnly:    combined.BaselineOnly,
		ComputedAt:      a.now().UTC(),
	}, degraded, nil
}

// assemble orders and annotates the computed assessments into the summary
// returned to the caller.
func (a *Assembler) assemble(assessments []domain.RiskAssessment, mode domain.CalculationMode,
	degraded, truncated bool) *domain.RiskSummary {

	sort.SliceStable(assessments, func(i, j int) bool {
		return assessments[i].AdjustedRisk > assessments[j].AdjustedRisk
	})

	return &domain.RiskSummary{
		SessionID:       uuid.NewString(),
		EvidenceVersion: a.cfg.EvidenceVersion,
		Mode:            mode,
		ModeDegraded:    degraded,
		Assessments:     assessments,
		Stats:           a.summarize(assessments),
		Truncated:       truncated,
		TotalAssessed:   len(assessments),
		GeneratedAt:     a.now().UTC(),
	}
}

// summarize computes the case-level aggregate statistics.
func (a *Assembler) summarize(assessments []domain.RiskAssessment) domain.SummaryStats {
	stats := domain.SummaryStats{OverallBand: domain.BandLow}
	if len(assessments) == 0 {
		return stats
	}

	topN := a.cfg.TopListSize
	if topN > len(assessments) {
		topN = len(assessments)
	}
	for i := 0; i < topN; i++ {
		stats.TopAbsoluteRisks = append(stats.TopAbsoluteRisks, assessments[i].Outcome)
	}

	byRatio := make([]domain.RiskAssessment, len(assessments))
	copy(byRatio, assessments)
	sort.SliceStable(byRatio, func(i, j int) bool {
		return byRatio[i].RiskRatio > byRatio[j].RiskRatio
	})
	for i := 0; i < topN; i++ {
		if byRatio[i].RiskRatio <= 1.0 {
			break
		}
		stats.TopRelativeIncreases = append(stats.TopRelativeIncreases, byRatio[i].Outcome)
	}

	for _, assessment := range assessments {
		if assessment.AdjustedRisk > stats.MaxAdjustedRisk {
			stats.MaxAdjustedRisk = assessment.AdjustedRisk
		}
		if assessment.RiskRatio >= a.cfg.ElevatedRiskRatio {
			stats.ElevatedOutcomes++
		}
	}

	stats.OverallBand = a.band(stats.MaxAdjustedRisk, stats.ElevatedOutcomes)
	return stats
}

// band derives the qualitative case-level risk band from the maximum adjusted
// risk and the count of elevated outcomes.
func (a *Assembler) band(maxRisk float64, elevated int) domain.RiskBand {
	switch {
	case maxRisk >= a.cfg.VeryHighRiskThreshold:
		return domain.BandVeryHigh
	case maxRisk >= a.cfg.HighRiskThreshold || elevated >= 3:
		return domain.BandHigh
	case maxRisk >= a.cfg.ModerateRiskThreshold || elevated >= 1:
		return domain.BandModerate
	default:
		return domain.BandLow
	}
}
