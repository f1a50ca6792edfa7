// Package config loads application configuration from config.yaml, the
// environment, and built-in defaults using Viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/periop-risk-server/internal/domain"
)

// Manager loads and validates the application configuration.
type Manager struct {
	config *domain.Config
}

// NewManager creates a new configuration manager.
func NewManager() (*Manager, error) {
	m := &Manager{}
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

// loadConfig loads configuration from file, environment, and defaults.
func (m *Manager) loadConfig() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/periop-risk-server/")

	viper.SetEnvPrefix("PERIOP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	m.setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; defaults and environment variables apply.
	}

	config := &domain.Config{}
	if err := viper.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.config = config
	return nil
}

// setDefaults sets default configuration values.
func (m *Manager) setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.request_timeout", "10s")

	// Evidence store defaults: embedded SQLite unless postgres is selected.
	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.sqlite_path", "data/evidence.db")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.database", "periop_risk")
	viper.SetDefault("database.username", "postgres")
	viper.SetDefault("database.password", "")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("database.migrations_path", "migrations")

	// Cache defaults
	viper.SetDefault("cache.enabled", false)
	viper.SetDefault("cache.redis_url", "redis://localhost:6379")
	viper.SetDefault("cache.default_ttl", "1h")
	viper.SetDefault("cache.max_retries", 3)
	viper.SetDefault("cache.pool_size", 10)
	viper.SetDefault("cache.pool_timeout", "4s")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")

	// Live literature search defaults
	viper.SetDefault("litsearch.enabled", false)
	viper.SetDefault("litsearch.base_url", "https://evidence.example.org/api/v1")
	viper.SetDefault("litsearch.timeout", "10s")
	viper.SetDefault("litsearch.rate_limit", 5)
	viper.SetDefault("litsearch.retry_count", 2)

	// Engine defaults
	viper.SetDefault("engine.min_baseline_risk", 0.0001)
	viper.SetDefault("engine.max_baseline_risk", 0.5)
	viper.SetDefault("engine.min_effect_size", 0.1)
	viper.SetDefault("engine.max_effect_size", 50.0)
	viper.SetDefault("engine.half_life_years", 10.0)
	viper.SetDefault("engine.temporal_floor", 0.2)
	viper.SetDefault("engine.modern_cutoff_year", 2010)
	viper.SetDefault("engine.modern_boost", 1.25)
	viper.SetDefault("engine.guideline_boost", 1.5)
	viper.SetDefault("engine.sample_size_cap", 100.0)
	viper.SetDefault("engine.grade_weight_a", 4.0)
	viper.SetDefault("engine.grade_weight_b", 3.0)
	viper.SetDefault("engine.grade_weight_c", 2.0)
	viper.SetDefault("engine.grade_weight_d", 1.0)
	viper.SetDefault("engine.confidence_z", 1.96)
	viper.SetDefault("engine.fallback_ci_band", 0.30)
	viper.SetDefault("engine.min_studies_for_grade", 3)
	viper.SetDefault("engine.elevated_risk_ratio", 2.0)
	viper.SetDefault("engine.moderate_risk_threshold", 0.03)
	viper.SetDefault("engine.high_risk_threshold", 0.10)
	viper.SetDefault("engine.very_high_risk_threshold", 0.25)
	viper.SetDefault("engine.top_list_size", 3)
	viper.SetDefault("engine.max_parallel_outcomes", 4)
	viper.SetDefault("engine.evidence_version", "dev")
	viper.SetDefault("engine.catalog_path", "")
}

// GetConfig returns the complete configuration.
func (m *Manager) GetConfig() *domain.Config {
	return m.config
}

// GetEngineConfig returns the engine tunables.
func (m *Manager) GetEngineConfig() *domain.EngineConfig {
	return &m.config.Engine
}

// GetDatabaseConfig returns the evidence store configuration.
func (m *Manager) GetDatabaseConfig() *domain.DatabaseConfig {
	return &m.config.Database
}

// GetServerConfig returns the server configuration.
func (m *Manager) GetServerConfig() *domain.ServerConfig {
	return &m.config.Server
}

// Reload reloads the configuration.
func (m *Manager) Reload() error {
	return m.loadConfig()
}

// Validate validates the configuration.
func (m *Manager) Validate() error {
	config := m.config

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	switch config.Database.Driver {
	case "sqlite":
		if config.Database.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for the sqlite driver")
		}
	case "postgres":
		if config.Database.Host == "" {
			return fmt.Errorf("database host is required for the postgres driver")
		}
		if config.Database.Database == "" {
			return fmt.Errorf("database name is required for the postgres driver")
		}
		if config.Database.Username == "" {
			return fmt.Errorf("database username is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown database driver: %s", config.Database.Driver)
	}

	if config.Cache.Enabled && config.Cache.RedisURL == "" {
		return fmt.Errorf("redis URL is required when the cache is enabled")
	}
	if config.LitSearch.Enabled && config.LitSearch.BaseURL == "" {
		return fmt.Errorf("litsearch base URL is required when live lookup is enabled")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}

	return m.validateEngine(&config.Engine)
}

// validateEngine rejects engine tunables that would make the arithmetic
// meaningless.
func (m *Manager) validateEngine(e *domain.EngineConfig) error {
	if e.MinBaselineRisk <= 0 || e.MaxBaselineRisk >= 1 || e.MinBaselineRisk >= e.MaxBaselineRisk {
		return fmt.Errorf("baseline risk band [%g, %g] must satisfy 0 < min < max < 1",
			e.MinBaselineRisk, e.MaxBaselineRisk)
	}
	if e.MinEffectSize <= 0 || e.MinEffectSize >= e.MaxEffectSize {
		return fmt.Errorf("effect size band [%g, %g] must satisfy 0 < min < max",
			e.MinEffectSize, e.MaxEffectSize)
	}
	if e.HalfLifeYears <= 0 {
		return fmt.Errorf("half life must be positive: %g", e.HalfLifeYears)
	}
	if e.TemporalFloor <= 0 || e.TemporalFloor > 1 {
		return fmt.Errorf("temporal floor must be in (0, 1]: %g", e.TemporalFloor)
	}
	if e.SampleSizeCap < 1 {
		return fmt.Errorf("sample size cap must be >= 1: %g", e.SampleSizeCap)
	}
	if e.ConfidenceZ <= 0 {
		return fmt.Errorf("confidence z must be positive: %g", e.ConfidenceZ)
	}
	if e.GradeWeightA < e.GradeWeightB || e.GradeWeightB < e.GradeWeightC || e.GradeWeightC < e.GradeWeightD || e.GradeWeightD <= 0 {
		return fmt.Errorf("grade weights must be positive and descending A >= B >= C >= D")
	}
	if e.MaxParallelOutcomes < 1 {
		return fmt.Errorf("max parallel outcomes must be >= 1: %d", e.MaxParallelOutcomes)
	}
	return nil
}

// GetDatabaseConnectionString returns a formatted postgres connection string.
func (m *Manager) GetDatabaseConnectionString() string {
	db := m.config.Database
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		db.Host, db.Port, db.Username, db.Password, db.Database, db.SSLMode)
}

// GetDatabaseURL returns the postgres URL form used by migrations.
func (m *Manager) GetDatabaseURL() string {
	db := m.config.Database
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		db.Username, db.Password, db.Host, db.Port, db.Database, db.SSLMode)
}

// IsProduction returns true if running in production mode.
func (m *Manager) IsProduction() bool {
	return strings.ToLower(viper.GetString("environment")) == "production"
}
