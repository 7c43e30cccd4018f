package main

import (
	"flag"
	"log/slog"
	"os"

	"github.com/mahaj/messaging-core/pkg/config"
	"github.com/mahaj/messaging-core/pkg/db"
	"github.com/mahaj/messaging-core/pkg/logger"
)

// Creates the scylla keyspace and message tables. Safe to run repeatedly.
func main() {
	reset := flag.Bool("reset", false, "drop the message tables before creating them")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	log := logger.New(logger.Config{
		Service: "messaging-migrate",
		Version: cfg.ServiceVersion,
		Level:   logger.ParseLevel(cfg.LogLevel),
		Env:     logger.ParseEnv(cfg.AppEnv),
	})

	if *reset {
		log.Warn("dropping message tables", "keyspace", cfg.ScyllaKeyspace)
		if err := db.DropSchema(cfg.Scylla(), cfg.ScyllaKeyspace); err != nil {
			log.Error("drop failed", "err", err)
			os.Exit(1)
		}
	}
	if err := db.EnsureSchema(cfg.Scylla(), cfg.ScyllaKeyspace, cfg.ScyllaRF); err != nil {
		log.Error("migration failed", "err", err)
		os.Exit(1)
	}
	log.Info("schema ready", "keyspace", cfg.ScyllaKeyspace)
}
