package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/periop-risk-server/internal/domain"
)

func newTestBaselineResolver(t *testing.T, store domain.EvidenceStore) *BaselineResolver {
	t.Helper()
	return NewBaselineResolver(store, newTestPooler(t), testConfig(), testLogger())
}

func TestBaselinePrefersMostSpecificContext(t *testing.T) {
	store := newFakeStore()
	store.baselines["LARYNGOSPASM|pediatric_ent"] = pooledRow("LARYNGOSPASM", "", "pediatric_ent", 0.02, domain.GradeC, 2)
	store.baselines["LARYNGOSPASM|pediatric"] = pooledRow("LARYNGOSPASM", "", "pediatric", 0.015, domain.GradeC, 5)
	r := newTestBaselineResolver(t, store)

	baseline, err := r.Resolve(context.Background(), "LARYNGOSPASM",
		[]string{"pediatric_ent", "pediatric", "mixed"})
	require.NoError(t, err)

	// Same grade: specificity wins even though the broader row has more studies.
	assert.Equal(t, "pediatric_ent", baseline.ContextUsed)
	assert.InDelta(t, 0.02, baseline.Risk, 1e-12)
}

func TestBaselineBetterGradeDisplacesSpecificity(t *testing.T) {
	store := newFakeStore()
	store.baselines["LARYNGOSPASM|pediatric_ent"] = pooledRow("LARYNGOSPASM", "", "pediatric_ent", 0.02, domain.GradeD, 1)
	store.baselines["LARYNGOSPASM|mixed"] = pooledRow("LARYNGOSPASM", "", "mixed", 0.01, domain.GradeA, 8)
	r := newTestBaselineResolver(t, store)

	baseline, err := r.Resolve(context.Background(), "LARYNGOSPASM",
		[]string{"pediatric_ent", "pediatric", "mixed"})
	require.NoError(t, err)

	assert.Equal(t, "mixed", baseline.ContextUsed)
	assert.Equal(t, domain.GradeA, baseline.Grade)
}

func TestBaselineFallsBackToRawPooling(t *testing.T) {
	store := newFakeStore()
	e1 := incidenceEstimate(0.01, domain.GradeB, "pmid:1")
	e1.Context = "pediatric"
	e2 := incidenceEstimate(0.03, domain.GradeB, "pmid:2")
	e2.Context = "pediatric"
	store.raw["LARYNGOSPASM|"] = []domain.EvidenceEstimate{e1, e2}
	r := newTestBaselineResolver(t, store)

	baseline, err := r.Resolve(context.Background(), "LARYNGOSPASM", []string{"pediatric", "mixed"})
	require.NoError(t, err)

	assert.InDelta(t, 0.02, baseline.Risk, 1e-12)
	assert.Equal(t, "pediatric", baseline.ContextUsed)
	assert.Equal(t, 2, baseline.StudiesCount)
}

func TestBaselineRawFallbackAcceptsUntaggedAsMixed(t *testing.T) {
	store := newFakeStore()
	untagged := incidenceEstimate(0.04, domain.GradeC, "pmid:1")
	store.raw["PONV|"] = []domain.EvidenceEstimate{untagged}
	r := newTestBaselineResolver(t, store)

	baseline, err := r.Resolve(context.Background(), "PONV", []string{"pediatric", "mixed"})
	require.NoError(t, err)

	assert.Equal(t, domain.MixedContext, baseline.ContextUsed)
	assert.InDelta(t, 0.04, baseline.Risk, 1e-12)
}

func TestBaselineNoEvidence(t *testing.T) {
	store := newFakeStore()
	r := newTestBaselineResolver(t, store)

	_, err := r.Resolve(context.Background(), "LARYNGOSPASM", []string{"pediatric", "mixed"})
	assert.ErrorIs(t, err, domain.ErrNoBaselineEvidence)
}

func TestBaselineRejectsOutOfBandPooledRow(t *testing.T) {
	store := newFakeStore()
	bad := pooledRow("LARYNGOSPASM", "", "mixed", 0.9, domain.GradeB, 3)
	bad.CIUpper = 1.1
	store.baselines["LARYNGOSPASM|mixed"] = bad
	r := newTestBaselineResolver(t, store)

	_, err := r.Resolve(context.Background(), "LARYNGOSPASM", []string{"mixed"})

	var invalid *domain.InvalidEvidenceError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "baseline_risk", invalid.Field)
	assert.Equal(t, 0.9, invalid.Value)
	assert.NotEmpty(t, invalid.Sources, "rejection carries provenance")
}

func TestBaselineStoreFailurePropagates(t *testing.T) {
	store := newFakeStore()
	store.failWith = fmt.Errorf("%w: connection refused", domain.ErrStoreUnavailable)
	r := newTestBaselineResolver(t, store)

	_, err := r.Resolve(context.Background(), "LARYNGOSPASM", []string{"mixed"})
	assert.True(t, domain.IsStoreUnavailable(err))
}

func TestBaselineCachesResolutions(t *testing.T) {
	store := newFakeStore()
	store.baselines["LARYNGOSPASM|mixed"] = pooledRow("LARYNGOSPASM", "", "mixed", 0.015, domain.GradeB, 4)
	r := newTestBaselineResolver(t, store)

	first, err := r.Resolve(context.Background(), "LARYNGOSPASM", []string{"mixed"})
	require.NoError(t, err)
	callsAfterFirst := store.baselineCalls

	second, err := r.Resolve(context.Background(), "LARYNGOSPASM", []string{"mixed"})
	require.NoError(t, err)

	assert.Equal(t, callsAfterFirst, store.baselineCalls, "second resolution served from cache")
	assert.Equal(t, first, second)
}

func TestBaselineEmptyContextSequenceDefaultsToMixed(t *testing.T) {
	store := newFakeStore()
	store.baselines["PONV|mixed"] = pooledRow("PONV", "", "mixed", 0.25, domain.GradeA, 6)
	r := newTestBaselineResolver(t, store)

	baseline, err := r.Resolve(context.Background(), "PONV", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.MixedContext, baseline.ContextUsed)
}

func TestBaselineDoesNotCacheFailures(t *testing.T) {
	store := newFakeStore()
	r := newTestBaselineResolver(t, store)

	_, err := r.Resolve(context.Background(), "LARYNGOSPASM", []string{"mixed"})
	require.Error(t, err)

	// Evidence arrives later; the miss must not be pinned.
	store.baselines["LARYNGOSPASM|mixed"] = pooledRow("LARYNGOSPASM", "", "mixed", 0.015, domain.GradeB, 4)
	baseline, err := r.Resolve(context.Background(), "LARYNGOSPASM", []string{"mixed"})
	require.NoError(t, err)
	assert.InDelta(t, 0.015, baseline.Risk, 1e-12)
}
