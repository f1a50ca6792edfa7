package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/periop-risk-server/internal/domain"
)

func testCatalog(t *testing.T) *domain.Catalog {
	t.Helper()
	catalog, err := domain.NewCatalog([]domain.Outcome{
		{Token: "LARYNGOSPASM", Label: "Laryngospasm", Category: "airway"},
		{Token: "BRONCHOSPASM", Label: "Bronchospasm", Category: "airway"},
		{Token: "PONV", Label: "Postoperative nausea and vomiting", Category: "recovery"},
	})
	require.NoError(t, err)
	return catalog
}

func newTestAssembler(t *testing.T, store domain.EvidenceStore, live domain.LiveEvidenceSource) *Assembler {
	t.Helper()
	cfg := testConfig()
	logger := testLogger()
	pooler := newTestPooler(t)
	return NewAssembler(
		testCatalog(t),
		NewContextResolver(),
		NewBaselineResolver(store, pooler, cfg, logger),
		newTestModifierResolver(t, store, live),
		NewCombiner(cfg),
		NewGrader(cfg.MinStudiesForGrade),
		cfg,
		logger,
	)
}

func pediatricCase(factors ...string) CaseRequest {
	req := CaseRequest{
		Demographics: domain.Demographics{AgeCategory: domain.AgePediatric},
	}
	for _, f := range factors {
		req.Factors = append(req.Factors, domain.RiskFactor{Token: f})
	}
	return req
}

func TestAssessExcludesOutcomesWithoutBaseline(t *testing.T) {
	store := newFakeStore()
	store.baselines["LARYNGOSPASM|pediatric"] = pooledRow("LARYNGOSPASM", "", "pediatric", 0.015, domain.GradeB, 4)
	// BRONCHOSPASM and PONV have no evidence at all.
	a := newTestAssembler(t, store, nil)

	summary, err := a.Assess(context.Background(), pediatricCase())
	require.NoError(t, err)

	require.Len(t, summary.Assessments, 1)
	assert.Equal(t, "LARYNGOSPASM", summary.Assessments[0].Outcome)
	assert.Equal(t, 1, summary.TotalAssessed)
	assert.False(t, summary.Truncated)
}

func TestAssessBaselineOnlyOutcome(t *testing.T) {
	store := newFakeStore()
	store.baselines["PONV|pediatric"] = pooledRow("PONV", "", "pediatric", 0.25, domain.GradeA, 6)
	a := newTestAssembler(t, store, nil)

	summary, err := a.Assess(context.Background(), pediatricCase("ASTHMA"))
	require.NoError(t, err)

	require.Len(t, summary.Assessments, 1)
	got := summary.Assessments[0]
	assert.True(t, got.BaselineOnly)
	assert.Equal(t, got.BaselineRisk, got.AdjustedRisk)
	assert.Equal(t, 1.0, got.RiskRatio)
	assert.Empty(t, got.Factors)
}

func TestAssessAppliesModifiers(t *testing.T) {
	store := newFakeStore()
	store.baselines["LARYNGOSPASM|pediatric"] = pooledRow("LARYNGOSPASM", "", "pediatric", 0.015, domain.GradeB, 4)
	store.modifiers["LARYNGOSPASM|ASTHMA|pediatric"] = pooledRow("LARYNGOSPASM", "ASTHMA", "pediatric", 2.8, domain.GradeB, 3)
	store.modifiers["LARYNGOSPASM|URI_RECENT|pediatric"] = pooledRow("LARYNGOSPASM", "URI_RECENT", "pediatric", 1.9, domain.GradeC, 2)
	a := newTestAssembler(t, store, nil)

	summary, err := a.Assess(context.Background(), pediatricCase("ASTHMA", "URI_RECENT"))
	require.NoError(t, err)

	require.Len(t, summary.Assessments, 1)
	got := summary.Assessments[0]

	assert.InDelta(t, 0.0749, got.AdjustedRisk, 0.0005)
	assert.False(t, got.BaselineOnly)
	require.Len(t, got.Factors, 2)
	// Contributing factors are ordered strongest first.
	assert.Equal(t, "ASTHMA", got.Factors[0].Token)
	assert.Equal(t, "URI_RECENT", got.Factors[1].Token)
	assert.Equal(t, 9, got.StudiesCount, "baseline and modifier studies all counted")
	assert.NotEmpty(t, got.Citations)
}

func TestAssessSortsByAdjustedRiskDescending(t *testing.T) {
	store := newFakeStore()
	store.baselines["LARYNGOSPASM|pediatric"] = pooledRow("LARYNGOSPASM", "", "pediatric", 0.015, domain.GradeB, 4)
	store.baselines["PONV|pediatric"] = pooledRow("PONV", "", "pediatric", 0.25, domain.GradeA, 6)
	store.baselines["BRONCHOSPASM|pediatric"] = pooledRow("BRONCHOSPASM", "", "pediatric", 0.04, domain.GradeC, 2)
	a := newTestAssembler(t, store, nil)

	summary, err := a.Assess(context.Background(), pediatricCase())
	require.NoError(t, err)

	require.Len(t, summary.Assessments, 3)
	assert.Equal(t, "PONV", summary.Assessments[0].Outcome)
	assert.Equal(t, "BRONCHOSPASM", summary.Assessments[1].Outcome)
	assert.Equal(t, "LARYNGOSPASM", summary.Assessments[2].Outcome)
	assert.Equal(t, []string{"PONV", "BRONCHOSPASM", "LARYNGOSPASM"}, summary.Stats.TopAbsoluteRisks)
}

func TestAssessSummaryStats(t *testing.T) {
	store := newFakeStore()
	store.baselines["LARYNGOSPASM|pediatric"] = pooledRow("LARYNGOSPASM", "", "pediatric", 0.015, domain.GradeB, 4)
	store.modifiers["LARYNGOSPASM|ASTHMA|pediatric"] = pooledRow("LARYNGOSPASM", "ASTHMA", "pediatric", 2.8, domain.GradeB, 3)
	store.modifiers["LARYNGOSPASM|URI_RECENT|pediatric"] = pooledRow("LARYNGOSPASM", "URI_RECENT", "pediatric", 1.9, domain.GradeC, 2)
	store.baselines["PONV|pediatric"] = pooledRow("PONV", "", "pediatric", 0.05, domain.GradeA, 6)
	a := newTestAssembler(t, store, nil)

	summary, err := a.Assess(context.Background(), pediatricCase("ASTHMA", "URI_RECENT"))
	require.NoError(t, err)

	stats := summary.Stats
	assert.InDelta(t, 0.0749, stats.MaxAdjustedRisk, 0.0005)
	assert.Equal(t, 1, stats.ElevatedOutcomes, "laryngospasm risk ratio is about 5")
	assert.Equal(t, domain.BandModerate, stats.OverallBand)
	// Relative-increase list only admits outcomes whose risk actually rose.
	assert.Equal(t, []string{"LARYNGOSPASM"}, stats.TopRelativeIncreases)
}

func TestAssessStoreFailureIsFatal(t *testing.T) {
	store := newFakeStore()
	store.failWith = fmt.Errorf("%w: connection reset", domain.ErrStoreUnavailable)
	a := newTestAssembler(t, store, nil)

	_, err := a.Assess(context.Background(), pediatricCase())
	require.Error(t, err)
	assert.True(t, domain.IsStoreUnavailable(err))
}

func TestAssessCancelledContextTruncates(t *testing.T) {
	store := newFakeStore()
	store.baselines["LARYNGOSPASM|pediatric"] = pooledRow("LARYNGOSPASM", "", "pediatric", 0.015, domain.GradeB, 4)
	a := newTestAssembler(t, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := a.Assess(ctx, pediatricCase())
	require.NoError(t, err, "partial results are returned, not discarded")
	assert.True(t, summary.Truncated)
}

func TestAssessLiveDegradationFlagged(t *testing.T) {
	store := newFakeStore()
	store.baselines["LARYNGOSPASM|pediatric"] = pooledRow("LARYNGOSPASM", "", "pediatric", 0.015, domain.GradeB, 4)
	live := &fakeLiveSource{err: errors.New("remote unavailable")}
	a := newTestAssembler(t, store, live)

	req := pediatricCase("ASTHMA")
	req.Mode = domain.ModeLive

	summary, err := a.Assess(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, domain.ModeLive, summary.Mode)
	assert.True(t, summary.ModeDegraded)
}

func TestAssessDefaultsToPooledMode(t *testing.T) {
	store := newFakeStore()
	store.baselines["PONV|pediatric"] = pooledRow("PONV", "", "pediatric", 0.25, domain.GradeA, 6)
	a := newTestAssembler(t, store, nil)

	summary, err := a.Assess(context.Background(), pediatricCase())
	require.NoError(t, err)

	assert.Equal(t, domain.ModePooled, summary.Mode)
	assert.NotEmpty(t, summary.SessionID)
	assert.Equal(t, "test", summary.EvidenceVersion)
	assert.False(t, summary.GeneratedAt.IsZero())
}

func TestAssessOutOfBandBaselineExcludesOutcome(t *testing.T) {
	store := newFakeStore()
	bad := pooledRow("LARYNGOSPASM", "", "pediatric", 0.9, domain.GradeB, 3)
	bad.CIUpper = 1.1
	store.baselines["LARYNGOSPASM|pediatric"] = bad
	store.baselines["PONV|pediatric"] = pooledRow("PONV", "", "pediatric", 0.25, domain.GradeA, 6)
	a := newTestAssembler(t, store, nil)

	summary, err := a.Assess(context.Background(), pediatricCase())
	require.NoError(t, err, "a data-quality defect in one outcome never fails the case")

	require.Len(t, summary.Assessments, 1)
	assert.Equal(t, "PONV", summary.Assessments[0].Outcome)
}
