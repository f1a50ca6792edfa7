package domain

import (
	"context"
)

// EvidenceStore is the abstract evidence repository the engine reads and
// writes. Lookups return (nil, nil) on a miss; errors are reserved for store
// failures. Implementations must never expose a partially written pooled row:
// UpsertPooled replaces the row atomically.
type EvidenceStore interface {
	// GetPooledBaseline returns the precomputed baseline incidence row for
	// (outcome, context), or nil when none exists.
	GetPooledBaseline(ctx context.Context, outcome, contextLabel string) (*PooledEstimate, error)

	// GetPooledModifier returns the precomputed effect-size row for
	// (outcome, modifier, context), or nil when none exists. An empty
	// contextLabel matches rows pooled without context restriction.
	GetPooledModifier(ctx context.Context, outcome, modifier, contextLabel string) (*PooledEstimate, error)

	// GetRawEstimates returns all raw estimates for an outcome, optionally
	// restricted to one modifier (empty modifier selects baseline incidence
	// rows). Context filtering is done by the caller.
	GetRawEstimates(ctx context.Context, outcome, modifier string) ([]EvidenceEstimate, error)

	// UpsertPooled atomically replaces the pooled row for the estimate's
	// (outcome, modifier, context) key.
	UpsertPooled(ctx context.Context, pooled *PooledEstimate) error

	// ListEvidenceKeys enumerates every (outcome, modifier, context) key with
	// raw evidence, for the offline repooling job.
	ListEvidenceKeys(ctx context.Context) ([]EvidenceKey, error)

	// Ping verifies the store is reachable, distinguishing
	// ErrStoreUnavailable from ordinary evidence misses.
	Ping(ctx context.Context) error

	Close() error
}

// LiveEvidenceSource is an optional remote literature-evidence service used
// in ModeLive. Failures must degrade gracefully to pooled-only evidence.
type LiveEvidenceSource interface {
	// SearchEstimates returns fresh raw estimates for (outcome, modifier),
	// or an empty slice when the service has nothing.
	SearchEstimates(ctx context.Context, outcome, modifier string) ([]EvidenceEstimate, error)
}
