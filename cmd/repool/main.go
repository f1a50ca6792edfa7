// Command repool re-aggregates every pooled estimate from the raw evidence
// tables. Run it after an evidence harvest or a weighting-parameter change.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/periop-risk-server/internal/config"
	"github.com/periop-risk-server/internal/domain"
	"github.com/periop-risk-server/internal/engine"
	"github.com/periop-risk-server/internal/evidence"
)

func main() {
	timeout := flag.Duration("timeout", 30*time.Minute, "overall run deadline")
	concurrency := flag.Int("concurrency", 0, "parallel keys (0 uses engine.max_parallel_outcomes)")
	flag.Parse()

	configManager, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}
	cfg := configManager.GetConfig()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(strings.ToLower(cfg.Logging.Level)); err == nil {
		logger.SetLevel(level)
	}

	var store domain.EvidenceStore
	switch cfg.Database.Driver {
	case "postgres":
		store, err = evidence.NewPostgresStoreFromURL(configManager.GetDatabaseURL())
	default:
		store, err = evidence.NewSQLiteStore(cfg.Database.SQLitePath)
	}
	if err != nil {
		logger.WithError(err).Fatal("Failed to open evidence store")
	}
	defer store.Close()

	workers := *concurrency
	if workers < 1 {
		workers = cfg.Engine.MaxParallelOutcomes
	}

	pooler := engine.NewPooler(logger, &cfg.Engine)
	repooler := engine.NewRepooler(store, pooler, workers, logger)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	stats, err := repooler.RepoolAll(ctx)
	if err != nil {
		logger.WithError(err).Fatal("Repooling run failed")
	}
	logger.WithFields(logrus.Fields{
		"keys":     stats.KeysSeen,
		"repooled": stats.Repooled,
		"skipped":  stats.Skipped,
		"failed":   stats.Failed,
	}).Info("Repooling finished")

	if stats.Failed > 0 {
		os.Exit(1)
	}
}
