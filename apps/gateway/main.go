package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/mahaj/messaging-core/pkg/accounts"
	"github.com/mahaj/messaging-core/pkg/auth"
	"github.com/mahaj/messaging-core/pkg/config"
	"github.com/mahaj/messaging-core/pkg/db"
	"github.com/mahaj/messaging-core/pkg/delivery"
	"github.com/mahaj/messaging-core/pkg/fanout"
	"github.com/mahaj/messaging-core/pkg/gateway"
	"github.com/mahaj/messaging-core/pkg/logger"
	"github.com/mahaj/messaging-core/pkg/membership"
	"github.com/mahaj/messaging-core/pkg/presence"
	"github.com/mahaj/messaging-core/pkg/registry"
	"github.com/mahaj/messaging-core/pkg/snowflake"
	"github.com/mahaj/messaging-core/pkg/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("gateway stopped", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(logger.Config{
		Service: "messaging-gateway",
		Version: cfg.ServiceVersion,
		Level:   logger.ParseLevel(cfg.LogLevel),
		Env:     logger.ParseEnv(cfg.AppEnv),
		Backend: logger.Backend(cfg.LogBackend),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return fmt.Errorf("snowflake node: %w", err)
	}
	issuer, err := auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return err
	}

	// Accounts and groups live in badger unless redis is set, messages only when
	// it is the storage backend.
	bdb, err := db.OpenBadger(cfg.BadgerPath)
	if err != nil {
		return fmt.Errorf("open badger: %w", err)
	}
	defer bdb.Close()

	var backend store.Backend
	switch cfg.StorageBackend {
	case config.BackendScylla:
		session, err := db.NewSession(cfg.Scylla(), cfg.ScyllaKeyspace)
		if err != nil {
			return fmt.Errorf("connect scylla: %w", err)
		}
		backend = store.NewScyllaBackend(session.Session)
		defer backend.Close()
	default:
		backend = store.NewBadgerBackend(bdb)
	}
	st := store.New(backend, node, log)

	var (
		groups       gateway.Groups = membership.NewBadger(bdb)
		online       gateway.RemotePresence
		presenceSink registry.Presence
		leases       *presence.Redis
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		groups = membership.NewRedis(rdb)
		p := presence.NewRedis(rdb, strconv.FormatInt(cfg.NodeID, 10), cfg.PresenceTTL)
		online, presenceSink, leases = p, p, p
		log.Info("redis enabled", "addr", cfg.RedisAddr)
	}

	reg := registry.New(log, registry.Options{IdleTimeout: cfg.IdleTimeout, Presence: presenceSink})
	tracker := delivery.NewTracker(st, log)

	opts := fanout.Options{Shards: cfg.FanoutShards, QueueSize: cfg.FanoutQueueSize}
	if brokers := cfg.Kafka(); len(brokers) > 0 {
		opts.Bus = fanout.NewKafkaBus(brokers, cfg.KafkaTopic, strconv.FormatInt(cfg.NodeID, 10), log)
		log.Info("kafka fanout enabled", "brokers", brokers, "topic", cfg.KafkaTopic)
	}
	router := fanout.NewRouter(reg, tracker, groups, log, opts)
	st.Observe(router.MessageAppended)

	reg.Start(ctx)
	router.Start(ctx)
	if leases != nil {
		go leases.Run(ctx, reg.Users, log)
	}

	svc := gateway.NewService(gateway.Deps{
		Verifier:    issuer,
		Store:       st,
		Tracker:     tracker,
		Connections: reg,
		Publisher:   router,
		Groups:      groups,
		Accounts:    accounts.NewService(accounts.NewBadgerRepository(bdb), issuer, cfg.BcryptCost, log),
		Presence:    online,
		ReadOnly:    !cfg.AcceptWrites,
	}, log)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: gateway.NewHandler(svc, log, gateway.HTTPOptions{AllowedOrigins: cfg.Origins()}),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway listening", "addr", cfg.HTTPAddr, "node_id", cfg.NodeID, "storage", cfg.StorageBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "err", err)
	}
	// Closing connections first lets the router drain without pushing to them.
	reg.Stop()
	router.Stop()
	log.Info("gateway stopped", "dropped_events", router.Dropped())
	return nil
}
