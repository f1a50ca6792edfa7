package evidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/periop-risk-server/internal/domain"
)

// PostgresStore implements domain.EvidenceStore using PostgreSQL. The schema
// is owned by the migrations under migrations/; the store expects it to
// exist.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing database handle.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromURL opens a connection from a postgres URL.
func NewPostgresStoreFromURL(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return NewPostgresStore(db)
}

const pgPooledColumns = `outcome, modifier, context, kind, value, standard_error,
	ci_lower, ci_upper, studies_count, total_sample_size, heterogeneity,
	grade, sources, computed_at`

// GetPooledBaseline returns the pooled baseline row for (outcome, context),
// or nil when none exists.
func (s *PostgresStore) GetPooledBaseline(ctx context.Context, outcome, contextLabel string) (*domain.PooledEstimate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+pgPooledColumns+`
		FROM pooled_estimates
		WHERE outcome = $1 AND modifier = '' AND context = $2
		LIMIT 1
	`, outcome, contextLabel)

	p, err := scanPooled(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan pooled baseline: %w", err)
	}
	return p, nil
}

// GetPooledModifier returns the pooled effect row for (outcome, modifier,
// context), or nil when none exists.
func (s *PostgresStore) GetPooledModifier(ctx context.Context, outcome, modifier, contextLabel string) (*domain.PooledEstimate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+pgPooledColumns+`
		FROM pooled_estimates
		WHERE outcome = $1 AND modifier = $2 AND context = $3
		LIMIT 1
	`, outcome, modifier, contextLabel)

	p, err := scanPooled(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan pooled modifier: %w", err)
	}
	return p, nil
}

// GetRawEstimates returns all raw estimates for (outcome, modifier).
func (s *PostgresStore) GetRawEstimates(ctx context.Context, outcome, modifier string) ([]domain.EvidenceEstimate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, outcome, modifier, context, kind, estimate, ci_lower, ci_upper,
			sample_size, pub_year, grade, quality_weight, guideline, source_id
		FROM evidence_estimates
		WHERE outcome = $1 AND modifier = $2
		ORDER BY id
	`, outcome, modifier)
	if err != nil {
		return nil, fmt.Errorf("failed to query raw estimates: %w", err)
	}
	defer rows.Close()

	var result []domain.EvidenceEstimate
	for rows.Next() {
		e, err := scanPgEstimate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan estimate row: %w", err)
		}
		result = append(result, *e)
	}
	return result, rows.Err()
}

// scanPgEstimate scans a postgres row into an EvidenceEstimate. Postgres
// stores guideline as a boolean, unlike the SQLite integer column.
func scanPgEstimate(s scanner) (*domain.EvidenceEstimate, error) {
	e := &domain.EvidenceEstimate{}
	var kind, grade string
	var ciLower, ciUpper sql.NullFloat64
	var sampleSize, pubYear sql.NullInt64

	err := s.Scan(
		&e.ID, &e.Outcome, &e.Modifier, &e.Context, &kind,
		&e.Estimate, &ciLower, &ciUpper, &sampleSize, &pubYear,
		&grade, &e.QualityWeight, &e.Guideline, &e.SourceID,
	)
	if err != nil {
		return nil, err
	}

	e.Kind = domain.EstimateKind(kind)
	e.Grade = domain.EvidenceGrade(grade)
	if ciLower.Valid {
		v := ciLower.Float64
		e.CILower = &v
	}
	if ciUpper.Valid {
		v := ciUpper.Float64
		e.CIUpper = &v
	}
	if sampleSize.Valid {
		v := int(sampleSize.Int64)
		e.SampleSize = &v
	}
	if pubYear.Valid {
		v := int(pubYear.Int64)
		e.PubYear = &v
	}
	return e, nil
}

// InsertRawEstimate stores one harvested estimate.
func (s *PostgresStore) InsertRawEstimate(ctx context.Context, e *domain.EvidenceEstimate) error {
	if err := e.Validate(); err != nil {
		return err
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO evidence_estimates (
			outcome, modifier, context, kind, estimate, ci_lower, ci_upper,
			sample_size, pub_year, grade, quality_weight, guideline, source_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`,
		e.Outcome, e.Modifier, e.Context, string(e.Kind), e.Estimate,
		nullableFloat(e.CILower), nullableFloat(e.CIUpper),
		nullableInt(e.SampleSize), nullableInt(e.PubYear),
		string(e.Grade), e.QualityWeight, e.Guideline, e.SourceID,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to insert estimate: %w", err)
	}
	return nil
}

// UpsertPooled replaces the pooled row for the estimate's key atomically via
// ON CONFLICT, so readers never observe a partially written row.
func (s *PostgresStore) UpsertPooled(ctx context.Context, p *domain.PooledEstimate) error {
	if err := p.Validate(); err != nil {
		return err
	}
	sources, err := json.Marshal(p.Sources)
	if err != nil {
		return fmt.Errorf("failed to encode sources: %w", err)
	}
	if p.ComputedAt.IsZero() {
		p.ComputedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pooled_estimates (
			outcome, modifier, context, kind, value, standard_error,
			ci_lower, ci_upper, studies_count, total_sample_size,
			heterogeneity, grade, sources, computed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (outcome, modifier, context) DO UPDATE SET
			kind = EXCLUDED.kind,
			value = EXCLUDED.value,
			standard_error = EXCLUDED.standard_error,
			ci_lower = EXCLUDED.ci_lower,
			ci_upper = EXCLUDED.ci_upper,
			studies_count = EXCLUDED.studies_count,
			total_sample_size = EXCLUDED.total_sample_size,
			heterogeneity = EXCLUDED.heterogeneity,
			grade = EXCLUDED.grade,
			sources = EXCLUDED.sources,
			computed_at = EXCLUDED.computed_at
	`,
		p.Outcome, p.Modifier, p.Context, string(p.Kind), p.Value, p.StandardError,
		p.CILower, p.CIUpper, p.StudiesCount, p.TotalSampleSize,
		nullableFloat(p.Heterogeneity), string(p.Grade), string(sources), p.ComputedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert pooled estimate: %w", err)
	}
	return nil
}

// ListEvidenceKeys enumerates the distinct (outcome, modifier, context) keys
// with raw evidence.
func (s *PostgresStore) ListEvidenceKeys(ctx context.Context) ([]domain.EvidenceKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT outcome, modifier, context
		FROM evidence_estimates
		ORDER BY outcome, modifier, context
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query evidence keys: %w", err)
	}
	defer rows.Close()

	var keys []domain.EvidenceKey
	for rows.Next() {
		var k domain.EvidenceKey
		if err := rows.Scan(&k.Outcome, &k.Modifier, &k.Context); err != nil {
			return nil, fmt.Errorf("failed to scan key row: %w", err)
		}
		if k.Context == "" {
			k.Context = domain.MixedContext
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Ping verifies the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// Close closes the store and releases resources.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
