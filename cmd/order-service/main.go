package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"promotion-shop/internal/client"
	"promotion-shop/internal/config"
	"promotion-shop/internal/consumer"
	"promotion-shop/internal/database"
	"promotion-shop/internal/handler"
	"promotion-shop/internal/idempotency"
	"promotion-shop/internal/monitor"
	"promotion-shop/internal/outbox"
	"promotion-shop/internal/redis"
	"promotion-shop/internal/saga"
	"promotion-shop/internal/server"
	"promotion-shop/pkg/degrade"
	"promotion-shop/pkg/log"
	"promotion-shop/pkg/snowflake"
)

const serviceName = "order-service"

func main() {
	configPath := flag.String("config", "", "path to the config file")
	flag.Parse()

	cfg, err := server.Setup(*configPath, serviceName)
	if err != nil {
		log.WithError(err).Fatal("Failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = serviceName
	}
	tracer, err := monitor.NewTracer(cfg.Tracing, server.Version)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize tracer")
	}
	metrics := monitor.NewMetricsCollector(cfg.Metrics.Namespace)

	// storage
	store, err := database.NewStore(&cfg.Database, database.OrderServiceModels()...)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize database")
	}
	rdb, err := redis.Open(ctx, cfg.Redis)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize redis")
	}
	bus, err := server.OpenBus(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect message bus")
	}
	registry, err := idempotency.NewRegistry(rdb, cfg.Idempotency)
	if err != nil {
		log.WithError(err).Fatal("Failed to create idempotency registry")
	}

	nodeID, err := strconv.ParseInt(config.GetEnv("PROMOTION_NODE_ID", "1"), 10, 64)
	if err != nil {
		log.WithError(err).Fatal("Invalid PROMOTION_NODE_ID")
	}
	ids, err := snowflake.NewGenerator(nodeID)
	if err != nil {
		log.WithError(err).Fatal("Failed to create ID generator")
	}

	// orchestrator
	degraded := degrade.NewRegistry(rdb, 2*cfg.CircuitBreak.Timeout)
	breakers := server.NewBreakers(cfg.CircuitBreak, degraded, metrics)
	opts := []saga.Option{saga.WithDegradeRegistry(degraded), saga.WithMetrics(metrics)}
	for kind, ep := range cfg.Saga.Participants {
		if ep.Mode != config.ModeSync {
			continue
		}
		opts = append(opts, saga.WithParticipant(client.NewHTTPParticipant(kind, ep, breakers, metrics)))
		log.WithFields(map[string]interface{}{
			"participant": kind,
			"base_url":    ep.BaseURL,
		}).Info("Participant called synchronously")
	}
	orchestrator := saga.New(store, ids, cfg.Saga, opts...)

	results := consumer.New(serviceName, bus, consumer.WithRegistry(registry), consumer.WithMetrics(metrics))
	consumer.RouteOrchestrator(results, orchestrator)
	relay := outbox.NewRelay(store, bus, cfg.Outbox, outbox.WithMetrics(metrics))

	// http
	health := handler.NewHealthHandler(server.Version, map[string]handler.Check{
		"database": store.Health,
		"redis":    func(ctx context.Context) error { return redis.Health(ctx, rdb) },
		"bus":      func(context.Context) error { return bus.Health() },
	}, breakers, degraded)
	router, api := server.NewRouter(cfg, metrics, health)
	handler.NewOrderHandler(orchestrator).Register(api)

	g, gctx := errgroup.WithContext(ctx)
	if err := relay.Start(gctx); err != nil {
		log.WithError(err).Fatal("Failed to start outbox relay")
	}
	if err := results.Start(gctx); err != nil {
		log.WithError(err).Fatal("Failed to start result consumer")
	}
	g.Go(func() error {
		orchestrator.WatchStalled(gctx, cfg.Saga.WatchInterval, cfg.Saga.StallAfter)
		return nil
	})
	g.Go(func() error {
		metrics.StartSystemMetricsCollection(gctx, 15*time.Second)
		return nil
	})
	g.Go(func() error {
		return server.Serve(gctx, cfg.Server, router)
	})

	runErr := g.Wait()
	if runErr != nil {
		log.WithError(runErr).Error("Service stopped with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := relay.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Outbox relay did not stop in time")
	}
	if err := bus.Close(); err != nil {
		log.WithError(err).Warn("Failed to close message bus")
	}
	if err := registry.Close(); err != nil {
		log.WithError(err).Warn("Failed to close idempotency registry")
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Failed to flush traces")
	}
	if err := store.Close(); err != nil {
		log.WithError(err).Warn("Failed to close database")
	}

	log.Info("Server exited")
	if runErr != nil {
		os.Exit(1)
	}
}
