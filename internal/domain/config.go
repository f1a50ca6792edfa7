package domain

import (
	"time"
)

// Config is the main application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Engine    EngineConfig    `mapstructure:"engine"`
	LitSearch LitSearchConfig `mapstructure:"litsearch"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"` // per-case calculation deadline
}

// DatabaseConfig holds evidence store configuration. Driver selects the
// backing engine: "sqlite" (embedded, default) or "postgres".
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// CacheConfig holds Redis cache configuration for pooled-row reads.
type CacheConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	RedisURL    string        `mapstructure:"redis_url"`
	DefaultTTL  time.Duration `mapstructure:"default_ttl"`
	MaxRetries  int           `mapstructure:"max_retries"`
	PoolSize    int           `mapstructure:"pool_size"`
	PoolTimeout time.Duration `mapstructure:"pool_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// LitSearchConfig holds configuration for the optional live literature
// evidence service used in ModeLive.
type LitSearchConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RateLimit  int           `mapstructure:"rate_limit"` // requests per second
	RetryCount int           `mapstructure:"retry_count"`
}

// EngineConfig carries every numeric tunable of the risk engine. Loaded once
// at startup and passed explicitly into resolvers and the combiner; there are
// no mutable package-level defaults.
type EngineConfig struct {
	// Valid probability band for baseline and adjusted risks. Values outside
	// the band are rejected as data-quality failures, never clamped on read.
	MinBaselineRisk float64 `mapstructure:"min_baseline_risk"`
	MaxBaselineRisk float64 `mapstructure:"max_baseline_risk"`

	// Sanity band for odds-ratio-like effect sizes.
	MinEffectSize float64 `mapstructure:"min_effect_size"`
	MaxEffectSize float64 `mapstructure:"max_effect_size"`

	// Temporal decay of evidence recency.
	HalfLifeYears    float64 `mapstructure:"half_life_years"`
	TemporalFloor    float64 `mapstructure:"temporal_floor"`
	ModernCutoffYear int     `mapstructure:"modern_cutoff_year"`
	ModernBoost      float64 `mapstructure:"modern_boost"`
	GuidelineBoost   float64 `mapstructure:"guideline_boost"`

	// Inverse-variance weighting inputs.
	SampleSizeCap  float64 `mapstructure:"sample_size_cap"` // cap on sqrt(sample_size)
	GradeWeightA   float64 `mapstructure:"grade_weight_a"`
	GradeWeightB   float64 `mapstructure:"grade_weight_b"`
	GradeWeightC   float64 `mapstructure:"grade_weight_c"`
	GradeWeightD   float64 `mapstructure:"grade_weight_d"`
	ConfidenceZ    float64 `mapstructure:"confidence_z"` // 1.96 for 95% intervals
	FallbackCIBand float64 `mapstructure:"fallback_ci_band"`

	// Grading and summary thresholds.
	MinStudiesForGrade    int     `mapstructure:"min_studies_for_grade"`
	ElevatedRiskRatio     float64 `mapstructure:"elevated_risk_ratio"`
	HighRiskThreshold     float64 `mapstructure:"high_risk_threshold"`
	VeryHighRiskThreshold float64 `mapstructure:"very_high_risk_threshold"`
	ModerateRiskThreshold float64 `mapstructure:"moderate_risk_threshold"`
	TopListSize           int     `mapstructure:"top_list_size"`

	// Per-case outcome fan-out width.
	MaxParallelOutcomes int `mapstructure:"max_parallel_outcomes"`

	// Evidence version tag reported on every summary.
	EvidenceVersion string `mapstructure:"evidence_version"`

	// Catalog file path; empty selects the compiled-in default catalog.
	CatalogPath string `mapstructure:"catalog_path"`
}

// GradeMultiplier returns the fixed descending weight multiplier for a grade.
func (c *EngineConfig) GradeMultiplier(g EvidenceGrade) float64 {
	switch g {
	case GradeA:
		return c.GradeWeightA
	case GradeB:
		return c.GradeWeightB
	case GradeC:
		return c.GradeWeightC
	default:
		return c.GradeWeightD
	}
}
