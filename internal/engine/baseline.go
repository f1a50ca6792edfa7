package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/periop-risk-server/internal/domain"
)

const (
	baselineCacheSize = 512
	baselineCacheTTL  = 15 * time.Minute
)

// Baseline is a resolved baseline incidence for one outcome in the most
// appropriate available context.
type Baseline struct {
	Risk         float64
	CILower      float64
	CIUpper      float64
	HasCI        bool
	ContextUsed  string
	Grade        domain.EvidenceGrade
	StudiesCount int
	Sources      []string
}

// BaselineResolver resolves the background incidence of an outcome against a
// context fallback sequence, preferring precomputed pooled rows and falling
// back to on-the-fly pooling of raw incidence estimates.
type BaselineResolver struct {
	store  domain.EvidenceStore
	pooler *Pooler
	cfg    *domain.EngineConfig
	logger *logrus.Logger
	// Hot baselines expire so a repooling run becomes visible within the TTL.
	cache *expirable.LRU[string, *Baseline]
}

// NewBaselineResolver creates a new baseline resolver.
func NewBaselineResolver(store domain.EvidenceStore, pooler *Pooler, cfg *domain.EngineConfig, logger *logrus.Logger) *BaselineResolver {
	return &BaselineResolver{
		store:  store,
		pooler: pooler,
		cfg:    cfg,
		logger: logger,
		cache:  expirable.NewLRU[string, *Baseline](baselineCacheSize, nil, baselineCacheTTL),
	}
}

// Resolve returns the baseline for the outcome using the canonical
// precedence: for each context in sequence, an exact pooled match; among
// candidates at the same specificity, higher grade first, then higher study
// count. Only when no pooled row exists at any context does it pool raw
// incidence estimates for the best-matching context. Returns
// ErrNoBaselineEvidence when nothing is found anywhere.
func (r *BaselineResolver) Resolve(ctx context.Context, outcome string, contextSeq []string) (*Baseline, error) {
	if len(contextSeq) == 0 {
		contextSeq = []string{domain.MixedContext}
	}

	cacheKey := outcome + "|" + strings.Join(contextSeq, ",")
	if cached, ok := r.cache.Get(cacheKey); ok {
		return cached, nil
	}

	var best *domain.PooledEstimate
	for _, label := range contextSeq {
		pooled, err := r.store.GetPooledBaseline(ctx, outcome, label)
		if err != nil {
			return nil, fmt.Errorf("reading pooled baseline for %s/%s: %w", outcome, label, err)
		}
		if pooled == nil {
			continue
		}
		// Context specificity dominates: the first context with any pooled
		// row wins, and later (less specific) rows only displace it on
		// strictly better grade, or equal grade with more studies.
		if best == nil {
			best = pooled
			continue
		}
		if pooled.Grade.BetterThan(best.Grade) ||
			(pooled.Grade == best.Grade && pooled.StudiesCount > best.StudiesCount) {
			best = pooled
		}
	}
	var baseline *Baseline
	var err error
	if best != nil {
		baseline, err = r.fromPooled(best)
	} else {
		baseline, err = r.resolveFromRaw(ctx, outcome, contextSeq)
	}
	if err != nil {
		return nil, err
	}
	r.cache.Add(cacheKey, baseline)
	return baseline, nil
}

// fromPooled converts a pooled row into a Baseline, rejecting out-of-band
// values as data-quality failures rather than clamping them.
func (r *BaselineResolver) fromPooled(pooled *domain.PooledEstimate) (*Baseline, error) {
	if pooled.Value < r.cfg.MinBaselineRisk || pooled.Value > r.cfg.MaxBaselineRisk {
		err := domain.NewInvalidEvidenceError("baseline_risk", pooled.Value,
			r.cfg.MinBaselineRisk, r.cfg.MaxBaselineRisk, pooled.Sources)
		r.logger.WithFields(logrus.Fields{
			"outcome": pooled.Outcome,
			"context": pooled.Context,
			"value":   pooled.Value,
			"sources": pooled.Sources,
		}).Error("Rejecting out-of-band pooled baseline")
		return nil, err
	}
	return &Baseline{
		Risk:         pooled.Value,
		CILower:      pooled.CILower,
		CIUpper:      pooled.CIUpper,
		HasCI:        pooled.CILower > 0 && pooled.CIUpper >= pooled.CILower,
		ContextUsed:  pooled.Context,
		Grade:        pooled.Grade,
		StudiesCount: pooled.StudiesCount,
		Sources:      pooled.Sources,
	}, nil
}

// resolveFromRaw pools raw incidence estimates on the fly, restricted to the
// best-matching context that has any. Estimates without a context tag count
// toward the generic mixed context.
func (r *BaselineResolver) resolveFromRaw(ctx context.Context, outcome string, contextSeq []string) (*Baseline, error) {
	raw, err := r.store.GetRawEstimates(ctx, outcome, "")
	if err != nil {
		return nil, fmt.Errorf("reading raw baseline estimates for %s: %w", outcome, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("outcome %s: %w", outcome, domain.ErrNoBaselineEvidence)
	}

	for _, label := range contextSeq {
		subset := filterByContext(raw, label)
		if len(subset) == 0 {
			continue
		}
		key := domain.EvidenceKey{Outcome: outcome, Context: label}
		pooled, err := r.pooler.Pool(key, domain.KindIncidence, subset)
		if err != nil {
			// Every estimate at this context was rejected; try the next one.
			r.logger.WithFields(logrus.Fields{
				"outcome": outcome,
				"context": label,
			}).WithError(err).Warn("On-the-fly baseline pooling produced no usable estimate")
			continue
		}
		return r.fromPooled(pooled)
	}
	return nil, fmt.Errorf("outcome %s: %w", outcome, domain.ErrNoBaselineEvidence)
}

// filterByContext selects estimates tagged with the given context label. The
// mixed context additionally accepts untagged estimates.
func filterByContext(estimates []domain.EvidenceEstimate, label string) []domain.EvidenceEstimate {
	out := make([]domain.EvidenceEstimate, 0, len(estimates))
	for _, e := range estimates {
		if e.Context == label || (label == domain.MixedContext && e.Context == "") {
			out = append(out, e)
		}
	}
	return out
}
