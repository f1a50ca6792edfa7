package engine

import (
	"context"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/periop-risk-server/internal/domain"
)

// fakeStore is the in-memory EvidenceStore used across the engine tests.
type fakeStore struct {
	mu sync.Mutex

	baselines map[string]*domain.PooledEstimate // outcome|context
	modifiers map[string]*domain.PooledEstimate // outcome|modifier|context
	raw       map[string][]domain.EvidenceEstimate
	keys      []domain.EvidenceKey

	upserts []domain.PooledEstimate

	failWith error // returned by every read when set

	baselineCalls int
	modifierCalls int
	rawCalls      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		baselines: make(map[string]*domain.PooledEstimate),
		modifiers: make(map[string]*domain.PooledEstimate),
		raw:       make(map[string][]domain.EvidenceEstimate),
	}
}

func (f *fakeStore) GetPooledBaseline(_ context.Context, outcome, contextLabel string) (*domain.PooledEstimate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.baselineCalls++
	if f.failWith != nil {
		return nil, f.failWith
	}
	return f.baselines[outcome+"|"+contextLabel], nil
}

func (f *fakeStore) GetPooledModifier(_ context.Context, outcome, modifier, contextLabel string) (*domain.PooledEstimate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modifierCalls++
	if f.failWith != nil {
		return nil, f.failWith
	}
	return f.modifiers[outcome+"|"+modifier+"|"+contextLabel], nil
}

func (f *fakeStore) GetRawEstimates(_ context.Context, outcome, modifier string) ([]domain.EvidenceEstimate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rawCalls++
	if f.failWith != nil {
		return nil, f.failWith
	}
	return f.raw[outcome+"|"+modifier], nil
}

func (f *fakeStore) UpsertPooled(_ context.Context, p *domain.PooledEstimate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.upserts = append(f.upserts, *p)
	return nil
}

func (f *fakeStore) ListEvidenceKeys(_ context.Context) ([]domain.EvidenceKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	return f.keys, nil
}

func (f *fakeStore) Ping(context.Context) error { return f.failWith }

func (f *fakeStore) Close() error { return nil }

// fakeLiveSource is a canned LiveEvidenceSource.
type fakeLiveSource struct {
	estimates []domain.EvidenceEstimate
	err       error
	calls     int
}

func (f *fakeLiveSource) SearchEstimates(context.Context, string, string) ([]domain.EvidenceEstimate, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.estimates, nil
}

func testConfig() *domain.EngineConfig {
	return &domain.EngineConfig{
		MinBaselineRisk:       0.0001,
		MaxBaselineRisk:       0.5,
		MinEffectSize:         0.1,
		MaxEffectSize:         50.0,
		HalfLifeYears:         10.0,
		TemporalFloor:         0.2,
		ModernCutoffYear:      2010,
		ModernBoost:           1.25,
		GuidelineBoost:        1.5,
		SampleSizeCap:         100.0,
		GradeWeightA:          4.0,
		GradeWeightB:          3.0,
		GradeWeightC:          2.0,
		GradeWeightD:          1.0,
		ConfidenceZ:           1.96,
		FallbackCIBand:        0.30,
		MinStudiesForGrade:    3,
		ElevatedRiskRatio:     2.0,
		ModerateRiskThreshold: 0.03,
		HighRiskThreshold:     0.10,
		VeryHighRiskThreshold: 0.25,
		TopListSize:           3,
		MaxParallelOutcomes:   4,
		EvidenceVersion:       "test",
	}
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

// pooledRow builds a minimal valid pooled estimate for fixtures.
func pooledRow(outcome, modifier, contextLabel string, value float64, grade domain.EvidenceGrade, studies int) *domain.PooledEstimate {
	kind := domain.KindIncidence
	if modifier != "" {
		kind = domain.KindOddsRatio
	}
	return &domain.PooledEstimate{
		Outcome:      outcome,
		Modifier:     modifier,
		Context:      contextLabel,
		Kind:         kind,
		Value:        value,
		CILower:      value * 0.8,
		CIUpper:      value * 1.2,
		StudiesCount: studies,
		Grade:        grade,
		Sources:      []string{"pmid:" + outcome + modifier},
	}
}
