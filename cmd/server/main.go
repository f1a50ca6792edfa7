package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/periop-risk-server/internal/api"
	"github.com/periop-risk-server/internal/config"
	"github.com/periop-risk-server/internal/domain"
	"github.com/periop-risk-server/internal/engine"
	"github.com/periop-risk-server/internal/evidence"
	"github.com/periop-risk-server/pkg/external"
)

func main() {
	configManager, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}
	cfg := configManager.GetConfig()

	logger := buildLogger(cfg.Logging)
	logger.WithFields(logrus.Fields{
		"host":   cfg.Server.Host,
		"port":   cfg.Server.Port,
		"driver": cfg.Database.Driver,
	}).Info("Starting periop risk server")

	catalog, err := loadCatalog(cfg.Engine.CatalogPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load outcome catalog")
	}

	store, err := openStore(configManager, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open evidence store")
	}
	defer store.Close()

	var live domain.LiveEvidenceSource
	if cfg.LitSearch.Enabled {
		live = external.NewLitSearchClient(cfg.LitSearch, logger)
		logger.WithField("base_url", cfg.LitSearch.BaseURL).Info("Live evidence lookup enabled")
	}

	assembler, err := buildEngine(catalog, store, live, &cfg.Engine, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build risk engine")
	}

	server := api.NewServer(cfg, assembler, catalog, store, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, gracefully shutting down")
		cancel()
	}()

	if err := server.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}
	logger.Info("Server stopped")
}

// buildLogger configures logrus from the logging section.
func buildLogger(cfg domain.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if cfg.Output == "stderr" {
		logger.SetOutput(os.Stderr)
	} else {
		logger.SetOutput(os.Stdout)
	}
	return logger
}

// loadCatalog loads the outcome catalog from disk, or the compiled-in default
// when no path is configured.
func loadCatalog(path string) (*domain.Catalog, error) {
	if path == "" {
		return domain.DefaultCatalog()
	}
	return domain.LoadCatalogFile(path)
}

// openStore selects the evidence store backend and optionally wraps it with
// the Redis read-through cache.
func openStore(manager *config.Manager, logger *logrus.Logger) (domain.EvidenceStore, error) {
	cfg := manager.GetConfig()

	var store domain.EvidenceStore
	var err error
	switch cfg.Database.Driver {
	case "postgres":
		store, err = evidence.NewPostgresStoreFromURL(manager.GetDatabaseURL())
	default:
		store, err = evidence.NewSQLiteStore(cfg.Database.SQLitePath)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Cache.Enabled {
		cached, err := evidence.NewCachedStore(store, cfg.Cache, logger)
		if err != nil {
			// The cache is an accelerator, not a dependency.
			logger.WithError(err).Warn("Redis cache unavailable, serving from the store directly")
			return store, nil
		}
		logger.Info("Redis pooled-row cache enabled")
		return cached, nil
	}
	return store, nil
}

// buildEngine wires the calculation components into a case assembler.
func buildEngine(catalog *domain.Catalog, store domain.EvidenceStore, live domain.LiveEvidenceSource,
	cfg *domain.EngineConfig, logger *logrus.Logger) (*engine.Assembler, error) {

	pooler := engine.NewPooler(logger, cfg)
	baselines := engine.NewBaselineResolver(store, pooler, cfg, logger)
	modifiers, err := engine.NewModifierResolver(store, pooler, live, cfg, logger)
	if err != nil {
		return nil, err
	}
	combiner := engine.NewCombiner(cfg)
	grader := engine.NewGrader(cfg.MinStudiesForGrade)
	contexts := engine.NewContextResolver()

	return engine.NewAssembler(catalog, contexts, baselines, modifiers, combiner, grader, cfg, logger), nil
}
