package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/periop-risk-server/internal/domain"
)

// RepoolStats summarizes one repooling run.
type RepoolStats struct {
	KeysSeen int           `json:"keys_seen"`
	Repooled int           `json:"repooled"`
	Skipped  int           `json:"skipped"` // keys whose evidence was entirely unusable
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// Repooler is the offline writer path: it re-aggregates the pooled estimate
// for every (outcome, modifier, context) key that has raw evidence. Writes
// are serialized per key with singleflight so concurrent triggers never
// recompute the same pooled row simultaneously; the store's upsert replaces
// rows atomically so readers never observe a partial write.
type Repooler struct {
	store       domain.EvidenceStore
	pooler      *Pooler
	logger      *logrus.Logger
	group       singleflight.Group
	concurrency int
}

// NewRepooler creates a new repooling job runner.
func NewRepooler(store domain.EvidenceStore, pooler *Pooler, concurrency int, logger *logrus.Logger) *Repooler {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Repooler{
		store:       store,
		pooler:      pooler,
		logger:      logger,
		concurrency: concurrency,
	}
}

// RepoolAll re-aggregates every evidence key in the store.
func (r *Repooler) RepoolAll(ctx context.Context) (RepoolStats, error) {
	start := time.Now()
	stats := RepoolStats{}

	keys, err := r.store.ListEvidenceKeys(ctx)
	if err != nil {
		return stats, fmt.Errorf("listing evidence keys: %w", err)
	}
	stats.KeysSeen = len(keys)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for _, key := range keys {
		key := key
		g.Go(func() error {
			err := r.RepoolKey(gctx, key)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				stats.Repooled++
			case errors.Is(err, domain.ErrNoEvidence):
				stats.Skipped++
			default:
				stats.Failed++
				r.logger.WithFields(logrus.Fields{
					"outcome":  key.Outcome,
					"modifier": key.Modifier,
					"context":  key.Context,
				}).WithError(err).Error("Failed to repool evidence key")
			}
			// Individual key failures never abort the run.
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	stats.Duration = time.Since(start)
	r.logger.WithFields(logrus.Fields{
		"keys":     stats.KeysSeen,
		"repooled": stats.Repooled,
		"skipped":  stats.Skipped,
		"failed":   stats.Failed,
		"duration": stats.Duration,
	}).Info("Repooling run completed")
	return stats, nil
}

// RepoolKey recomputes the pooled row for one key under single-writer
// discipline: concurrent calls for the same key coalesce into one
// computation and share its result.
func (r *Repooler) RepoolKey(ctx context.Context, key domain.EvidenceKey) error {
	_, err, _ := r.group.Do(key.String(), func() (interface{}, error) {
		return nil, r.repoolOne(ctx, key)
	})
	return err
}

func (r *Repooler) repoolOne(ctx context.Context, key domain.EvidenceKey) error {
	raw, err := r.store.GetRawEstimates(ctx, key.Outcome, key.Modifier)
	if err != nil {
		return fmt.Errorf("reading raw estimates for %s: %w", key.String(), err)
	}

	subset := filterByContext(raw, key.Context)
	if len(subset) == 0 {
		return fmt.Errorf("key %s: %w", key.String(), domain.ErrNoEvidence)
	}

	kind := domain.KindIncidence
	if key.Modifier != "" {
		kind = domain.KindOddsRatio
	}

	pooled, err := r.pooler.Pool(key, kind, subset)
	if err != nil {
		return err
	}

	if err := r.store.UpsertPooled(ctx, pooled); err != nil {
		return fmt.Errorf("upserting pooled row for %s: %w", key.String(), err)
	}

	r.logger.WithFields(logrus.Fields{
		"outcome":  key.Outcome,
		"modifier": key.Modifier,
		"context":  key.Context,
		"value":    pooled.Value,
		"studies":  pooled.StudiesCount,
	}).Debug("Repooled evidence key")
	return nil
}
