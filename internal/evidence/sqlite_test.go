package evidence

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/periop-risk-server/internal/domain"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "evidence.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleEstimate() *domain.EvidenceEstimate {
	n := 420
	year := 2019
	lo, hi := 1.8, 4.1
	return &domain.EvidenceEstimate{
		Outcome:       "LARYNGOSPASM",
		Modifier:      "ASTHMA",
		Context:       "pediatric",
		Kind:          domain.KindOddsRatio,
		Estimate:      2.8,
		CILower:       &lo,
		CIUpper:       &hi,
		SampleSize:    &n,
		PubYear:       &year,
		Grade:         domain.GradeB,
		QualityWeight: 1.0,
		SourceID:      "pmid:12345",
	}
}

func samplePooled() *domain.PooledEstimate {
	h := 0.12
	return &domain.PooledEstimate{
		Outcome:         "LARYNGOSPASM",
		Modifier:        "ASTHMA",
		Context:         "pediatric",
		Kind:            domain.KindOddsRatio,
		Value:           2.8,
		StandardError:   0.15,
		CILower:         2.1,
		CIUpper:         3.7,
		StudiesCount:    4,
		TotalSampleSize: 1800,
		Heterogeneity:   &h,
		Grade:           domain.GradeB,
		Sources:         []string{"pmid:1", "pmid:2"},
	}
}

func TestSQLiteInsertAndGetRawEstimates(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	e := sampleEstimate()
	require.NoError(t, store.InsertRawEstimate(ctx, e))
	assert.NotZero(t, e.ID, "insert assigns the row ID")

	got, err := store.GetRawEstimates(ctx, "LARYNGOSPASM", "ASTHMA")
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, e.Outcome, got[0].Outcome)
	assert.Equal(t, e.Modifier, got[0].Modifier)
	assert.Equal(t, e.Context, got[0].Context)
	assert.Equal(t, e.Kind, got[0].Kind)
	assert.Equal(t, e.Estimate, got[0].Estimate)
	require.NotNil(t, got[0].CILower)
	assert.Equal(t, *e.CILower, *got[0].CILower)
	require.NotNil(t, got[0].SampleSize)
	assert.Equal(t, *e.SampleSize, *got[0].SampleSize)
	require.NotNil(t, got[0].PubYear)
	assert.Equal(t, *e.PubYear, *got[0].PubYear)
	assert.Equal(t, e.Grade, got[0].Grade)
	assert.Equal(t, e.SourceID, got[0].SourceID)
}

func TestSQLiteInsertRejectsInvalidEstimate(t *testing.T) {
	store := newTestSQLiteStore(t)

	bad := sampleEstimate()
	bad.Estimate = -1

	err := store.InsertRawEstimate(context.Background(), bad)
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestSQLiteGetRawEstimatesEmptyModifierSelectsBaselines(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	baseline := sampleEstimate()
	baseline.Modifier = ""
	baseline.Kind = domain.KindIncidence
	baseline.Estimate = 0.015
	require.NoError(t, store.InsertRawEstimate(ctx, baseline))
	require.NoError(t, store.InsertRawEstimate(ctx, sampleEstimate()))

	baselines, err := store.GetRawEstimates(ctx, "LARYNGOSPASM", "")
	require.NoError(t, err)
	require.Len(t, baselines, 1)
	assert.Equal(t, domain.KindIncidence, baselines[0].Kind)
}

func TestSQLitePooledRoundTrip(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	p := samplePooled()
	require.NoError(t, store.UpsertPooled(ctx, p))

	got, err := store.GetPooledModifier(ctx, "LARYNGOSPASM", "ASTHMA", "pediatric")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, p.Value, got.Value)
	assert.Equal(t, p.StandardError, got.StandardError)
	assert.Equal(t, p.CILower, got.CILower)
	assert.Equal(t, p.CIUpper, got.CIUpper)
	assert.Equal(t, p.StudiesCount, got.StudiesCount)
	assert.Equal(t, p.TotalSampleSize, got.TotalSampleSize)
	require.NotNil(t, got.Heterogeneity)
	assert.Equal(t, *p.Heterogeneity, *got.Heterogeneity)
	assert.Equal(t, p.Grade, got.Grade)
	assert.Equal(t, p.Sources, got.Sources)
	assert.False(t, got.ComputedAt.IsZero())
}

func TestSQLiteUpsertReplacesRow(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	p := samplePooled()
	require.NoError(t, store.UpsertPooled(ctx, p))

	updated := samplePooled()
	updated.Value = 3.1
	updated.CILower = 2.4
	updated.CIUpper = 4.0
	updated.StudiesCount = 5
	require.NoError(t, store.UpsertPooled(ctx, updated))

	got, err := store.GetPooledModifier(ctx, "LARYNGOSPASM", "ASTHMA", "pediatric")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 3.1, got.Value)
	assert.Equal(t, 5, got.StudiesCount)
}

func TestSQLitePooledMissReturnsNil(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	baseline, err := store.GetPooledBaseline(ctx, "NOPE", "mixed")
	require.NoError(t, err, "a miss is not an error")
	assert.Nil(t, baseline)

	modifier, err := store.GetPooledModifier(ctx, "NOPE", "NOPE", "mixed")
	require.NoError(t, err)
	assert.Nil(t, modifier)
}

func TestSQLiteBaselineLookupIgnoresModifierRows(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertPooled(ctx, samplePooled()))

	got, err := store.GetPooledBaseline(ctx, "LARYNGOSPASM", "pediatric")
	require.NoError(t, err)
	assert.Nil(t, got, "modifier rows must not satisfy baseline lookups")
}

func TestSQLiteListEvidenceKeys(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertRawEstimate(ctx, sampleEstimate()))
	untagged := sampleEstimate()
	untagged.Modifier = ""
	untagged.Context = ""
	untagged.Kind = domain.KindIncidence
	untagged.Estimate = 0.015
	require.NoError(t, store.InsertRawEstimate(ctx, untagged))

	keys, err := store.ListEvidenceKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)

	assert.Contains(t, keys, domain.EvidenceKey{Outcome: "LARYNGOSPASM", Modifier: "ASTHMA", Context: "pediatric"})
	// Untagged contexts surface under the generic mixed label.
	assert.Contains(t, keys, domain.EvidenceKey{Outcome: "LARYNGOSPASM", Modifier: "", Context: "mixed"})
}

func TestSQLitePing(t *testing.T) {
	store := newTestSQLiteStore(t)
	assert.NoError(t, store.Ping(context.Background()))
}
