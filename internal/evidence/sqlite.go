// Package evidence provides the concrete evidence store implementations
// behind the engine's abstract EvidenceStore interface: an embedded SQLite
// store, a PostgreSQL store, and a Redis read-through cache decorator.
package evidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/periop-risk-server/internal/domain"
)

// SQLiteStore implements domain.EvidenceStore using an embedded SQLite
// database. This is the default deployment: the evidence set is small enough
// to ship as a single file.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore opens (and if necessary creates) the evidence database at
// dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode lets the repooling writer proceed without blocking readers.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db, dbPath: dbPath}, nil
}

// createSchema creates the evidence tables and indexes.
func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS evidence_estimates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		outcome TEXT NOT NULL,
		modifier TEXT NOT NULL DEFAULT '',
		context TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		estimate REAL NOT NULL,
		ci_lower REAL,
		ci_upper REAL,
		sample_size INTEGER,
		pub_year INTEGER,
		grade TEXT NOT NULL,
		quality_weight REAL NOT NULL DEFAULT 1.0,
		guideline INTEGER NOT NULL DEFAULT 0,
		source_id TEXT NOT NULL DEFAULT '',
		harvested_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS pooled_estimates (
		outcome TEXT NOT NULL,
		modifier TEXT NOT NULL DEFAULT '',
		context TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		value REAL NOT NULL,
		standard_error REAL NOT NULL,
		ci_lower REAL NOT NULL,
		ci_upper REAL NOT NULL,
		studies_count INTEGER NOT NULL,
		total_sample_size INTEGER NOT NULL DEFAULT 0,
		heterogeneity REAL,
		grade TEXT NOT NULL,
		sources TEXT NOT NULL DEFAULT '[]',
		computed_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (outcome, modifier, context)
	);

	CREATE INDEX IF NOT EXISTS idx_estimates_outcome ON evidence_estimates(outcome, modifier);
	CREATE INDEX IF NOT EXISTS idx_estimates_context ON evidence_estimates(context);
	`
	_, err := db.Exec(schema)
	return err
}

// scanner is an interface for sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanPooled scans a row into a PooledEstimate.
func scanPooled(s scanner) (*domain.PooledEstimate, error) {
	p := &domain.PooledEstimate{}
	var kind, grade, sources string
	var heterogeneity sql.NullFloat64

	err := s.Scan(
		&p.Outcome, &p.Modifier, &p.Context, &kind,
		&p.Value, &p.StandardError, &p.CILower, &p.CIUpper,
		&p.StudiesCount, &p.TotalSampleSize, &heterogeneity,
		&grade, &sources, &p.ComputedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Kind = domain.EstimateKind(kind)
	p.Grade = domain.EvidenceGrade(grade)
	if heterogeneity.Valid {
		h := heterogeneity.Float64
		p.Heterogeneity = &h
	}
	if err := json.Unmarshal([]byte(sources), &p.Sources); err != nil {
		return nil, fmt.Errorf("failed to decode sources: %w", err)
	}
	return p, nil
}

// scanEstimate scans a row into an EvidenceEstimate.
func scanEstimate(s scanner) (*domain.EvidenceEstimate, error) {
	e := &domain.EvidenceEstimate{}
	var kind, grade string
	var ciLower, ciUpper sql.NullFloat64
	var sampleSize, pubYear sql.NullInt64
	var guideline int

	err := s.Scan(
		&e.ID, &e.Outcome, &e.Modifier, &e.Context, &kind,
		&e.Estimate, &ciLower, &ciUpper, &sampleSize, &pubYear,
		&grade, &e.QualityWeight, &guideline, &e.SourceID,
	)
	if err != nil {
		return nil, err
	}

	e.Kind = domain.EstimateKind(kind)
	e.Grade = domain.EvidenceGrade(grade)
	e.Guideline = guideline != 0
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

const pooledColumns = `outcome, modifier, context, kind, value, standard_error,
	ci_lower, ci_upper, studies_count, total_sample_size, heterogeneity,
	grade, sources, computed_at`

// GetPooledBaseline returns the pooled baseline incidence row for
// (outcome, context), or nil when none exists.
func (s *SQLiteStore) GetPooledBaseline(ctx context.Context, outcome, contextLabel string) (*domain.PooledEstimate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+pooledColumns+`
		FROM pooled_estimates
		WHERE outcome = ? AND modifier = '' AND context = ?
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
func (s *SQLiteStore) GetPooledModifier(ctx context.Context, outcome, modifier, contextLabel string) (*domain.PooledEstimate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+pooledColumns+`
		FROM pooled_estimates
		WHERE outcome = ? AND modifier = ? AND context = ?
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

// GetRawEstimates returns all raw estimates for (outcome, modifier); an empty
// modifier selects baseline incidence rows.
func (s *SQLiteStore) GetRawEstimates(ctx context.Context, outcome, modifier string) ([]domain.EvidenceEstimate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, outcome, modifier, context, kind, estimate, ci_lower, ci_upper,
			sample_size, pub_year, grade, quality_weight, guideline, source_id
		FROM evidence_estimates
		WHERE outcome = ? AND modifier = ?
		ORDER BY id
	`, outcome, modifier)
	if err != nil {
		return nil, fmt.Errorf("failed to query raw estimates: %w", err)
	}
	defer rows.Close()

	var result []domain.EvidenceEstimate
	for rows.Next() {
		e, err := scanEstimate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan estimate row: %w", err)
		}
		result = append(result, *e)
	}
	return result, rows.Err()
}

// InsertRawEstimate stores one harvested estimate. Used by the harvesting
// pipeline and test fixtures.
func (s *SQLiteStore) InsertRawEstimate(ctx context.Context, e *domain.EvidenceEstimate) error {
	if err := e.Validate(); err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO evidence_estimates (
			outcome, modifier, context, kind, estimate, ci_lower, ci_upper,
			sample_size, pub_year, grade, quality_weight, guideline, source_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.Outcome, e.Modifier, e.Context, string(e.Kind), e.Estimate,
		nullableFloat(e.CILower), nullableFloat(e.CIUpper),
		nullableInt(e.SampleSize), nullableInt(e.PubYear),
		string(e.Grade), e.QualityWeight, boolToInt(e.Guideline), e.SourceID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert estimate: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get insert ID: %w", err)
	}
	e.ID = id
	return nil
}

// UpsertPooled replaces the pooled row for the estimate's key in a single
// statement, so readers never observe a partially written row.
func (s *SQLiteStore) UpsertPooled(ctx context.Context, p *domain.PooledEstimate) error {
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
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(outcome, modifier, context) DO UPDATE SET
			kind = excluded.kind,
			value = excluded.value,
			standard_error = excluded.standard_error,
			ci_lower = excluded.ci_lower,
			ci_upper = excluded.ci_upper,
			studies_count = excluded.studies_count,
			total_sample_size = excluded.total_sample_size,
			heterogeneity = excluded.heterogeneity,
			grade = excluded.grade,
			sources = excluded.sources,
			computed_at = excluded.computed_at
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
// with raw evidence, for the repooling job.
func (s *SQLiteStore) ListEvidenceKeys(ctx context.Context) ([]domain.EvidenceKey, error) {
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
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// Close closes the store and releases resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullableFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
