package engine

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/periop-risk-server/internal/domain"
)

const modifierCacheSize = 2048

// ModifierResolver resolves one multiplicative effect size per patient risk
// factor for an outcome. Lookup order: precomputed pooled row for the exact
// (outcome, modifier, context), then a pooled row ignoring context, then
// on-the-fly pooling over raw estimates, then nil when no evidence exists.
// In live mode a remote literature source is tried before giving up, and any
// live failure degrades silently to the pooled result.
type ModifierResolver struct {
	store  domain.EvidenceStore
	pooler *Pooler
	live   domain.LiveEvidenceSource // nil when live lookup is not configured
	cfg    *domain.EngineConfig
	logger *logrus.Logger
	cache  *lru.Cache // hot (outcome, modifier, context) resolutions
}

// NewModifierResolver creates a new modifier resolver.
func NewModifierResolver(store domain.EvidenceStore, pooler *Pooler, live domain.LiveEvidenceSource,
	cfg *domain.EngineConfig, logger *logrus.Logger) (*ModifierResolver, error) {
	cache, err := lru.New(modifierCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create modifier cache: %w", err)
	}
	return &ModifierResolver{
		store:  store,
		pooler: pooler,
		live:   live,
		cfg:    cfg,
		logger: logger,
		cache:  cache,
	}, nil
}

// Resolve returns the effect estimate for one factor, or nil when no evidence
// exists at all. The degraded return reports that a requested live lookup
// failed and the result came from pooled evidence only.
func (r *ModifierResolver) Resolve(ctx context.Context, outcome, factor, contextLabel string,
	mode domain.CalculationMode) (effect *domain.EffectEstimate, degraded bool, err error) {

	cacheKey := outcome + "/" + factor + "/" + contextLabel
	if mode != domain.ModeLive {
		if v, ok := r.cache.Get(cacheKey); ok {
			return v.(*domain.EffectEstimate), false, nil
		}
	}

	effect, err = r.resolvePooled(ctx, outcome, factor, contextLabel)
	if err != nil {
		return nil, false, err
	}

	if effect == nil && mode == domain.ModeLive && r.live != nil {
		liveEffect, liveErr := r.resolveLive(ctx, outcome, factor, contextLabel)
		if liveErr != nil {
			r.logger.WithFields(logrus.Fields{
				"outcome": outcome,
				"factor":  factor,
			}).WithError(liveErr).Warn("Live evidence lookup failed, continuing with pooled evidence only")
			degraded = true
		} else {
			effect = liveEffect
		}
	}

	if effect != nil && mode != domain.ModeLive {
		r.cache.Add(cacheKey, effect)
	}
	return effect, degraded, nil
}

// resolvePooled walks the store-backed lookup chain.
func (r *ModifierResolver) resolvePooled(ctx context.Context, outcome, factor, contextLabel string) (*domain.EffectEstimate, error) {
	pooled, err := r.store.GetPooledModifier(ctx, outcome, factor, contextLabel)
	if err != nil {
		return nil, fmt.Errorf("reading pooled modifier %s/%s/%s: %w", outcome, factor, contextLabel, err)
	}
	provenance := domain.ProvenancePooledContext
	if pooled == nil && contextLabel != "" {
		pooled, err = r.store.GetPooledModifier(ctx, outcome, factor, "")
		if err != nil {
			return nil, fmt.Errorf("reading context-free pooled modifier %s/%s: %w", outcome, factor, err)
		}
		provenance = domain.ProvenancePooledAny
	}
	if pooled != nil {
		return r.fromPooled(pooled, factor, provenance)
	}

	raw, err := r.store.GetRawEstimates(ctx, outcome, factor)
	if err != nil {
		return nil, fmt.Errorf("reading raw modifier estimates %s/%s: %w", outcome, factor, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return r.poolRaw(raw, outcome, factor, contextLabel, domain.ProvenancePooledAny)
}

// resolveLive pools fresh estimates fetched from the remote literature
// service.
func (r *ModifierResolver) resolveLive(ctx context.Context, outcome, factor, contextLabel string) (*domain.EffectEstimate, error) {
	raw, err := r.live.SearchEstimates(ctx, outcome, factor)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return r.poolRaw(raw, outcome, factor, contextLabel, domain.ProvenanceLivePooled)
}

// poolRaw runs on-the-fly pooling over raw effect estimates.
func (r *ModifierResolver) poolRaw(raw []domain.EvidenceEstimate, outcome, factor, contextLabel string,
	provenance domain.EffectProvenance) (*domain.EffectEstimate, error) {
	key := domain.EvidenceKey{Outcome: outcome, Modifier: factor, Context: contextLabel}
	pooled, err := r.pooler.Pool(key, domain.KindOddsRatio, raw)
	if err != nil {
		if errors.Is(err, domain.ErrNoEvidence) {
			return nil, nil
		}
		return nil, err
	}
	return r.fromPooled(pooled, factor, provenance)
}

// fromPooled converts a pooled effect row into an EffectEstimate, rejecting
// effect sizes outside the sanity band so extraction artifacts cannot
// dominate the log-odds combination. A rejected effect resolves to nil (no
// usable evidence), not an error.
func (r *ModifierResolver) fromPooled(pooled *domain.PooledEstimate, factor string,
	provenance domain.EffectProvenance) (*domain.EffectEstimate, error) {
	if pooled.Value < r.cfg.MinEffectSize || pooled.Value > r.cfg.MaxEffectSize {
		r.logger.WithFields(logrus.Fields{
			"outcome": pooled.Outcome,
			"factor":  factor,
			"value":   pooled.Value,
			"sources": pooled.Sources,
		}).Error("Rejecting out-of-band pooled effect size")
		return nil, nil
	}
	return &domain.EffectEstimate{
		Factor:       factor,
		EffectSize:   pooled.Value,
		CILower:      pooled.CILower,
		CIUpper:      pooled.CIUpper,
		Grade:        pooled.Grade,
		StudiesCount: pooled.StudiesCount,
		Sources:      pooled.Sources,
		Provenance:   provenance,
	}, nil
}
