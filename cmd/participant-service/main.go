package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"promotion-shop/internal/compensation"
	"promotion-shop/internal/consumer"
	"promotion-shop/internal/database"
	"promotion-shop/internal/handler"
	"promotion-shop/internal/idempotency"
	"promotion-shop/internal/monitor"
	"promotion-shop/internal/outbox"
	"promotion-shop/internal/reaper"
	"promotion-shop/internal/redis"
	"promotion-shop/internal/reservation"
	"promotion-shop/internal/server"
	"promotion-shop/pkg/lock"
	"promotion-shop/pkg/log"
)

func main() {
	configPath := flag.String("config", "", "path to the config file")
	kindFlag := flag.String("kind", "", "participant kind: stock, coupon or point (overrides participant.kind)")
	flag.Parse()

	cfg, err := server.Setup(*configPath, "participant-service")
	if err != nil {
		log.WithError(err).Fatal("Failed to load config")
	}
	kind := cfg.Participant.Kind
	if *kindFlag != "" {
		kind = *kindFlag
	}
	serviceName := kind + "-service"

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
	models, err := database.ParticipantModels(kind)
	if err != nil {
		log.WithError(err).Fatal("Invalid participant kind")
	}
	store, err := database.NewStore(&cfg.Database, models...)
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

	// protocol
	var locker lock.Locker = lock.NewLocalLocker()
	if rdb != nil {
		locker = lock.NewRedisLocker(rdb, "lock:"+kind+":", cfg.Lock.TTL, cfg.Lock.MaxRetries, cfg.Lock.RetryDelay)
	}
	svc, err := reservation.New(kind, store, locker, cfg.Participant.VersionRetries, reservation.WithMetrics(metrics))
	if err != nil {
		log.WithError(err).Fatal("Failed to create reservation service")
	}
	dispatcher := compensation.NewDispatcher(svc, store)

	commands := consumer.New(serviceName, bus, consumer.WithRegistry(registry), consumer.WithMetrics(metrics))
	if err := consumer.RouteParticipant(commands, svc, dispatcher); err != nil {
		log.WithError(err).Fatal("Failed to route participant topics")
	}
	relay := outbox.NewRelay(store, bus, cfg.Outbox, outbox.WithMetrics(metrics))

	// http
	health := handler.NewHealthHandler(server.Version, map[string]handler.Check{
		"database": store.Health,
		"redis":    func(ctx context.Context) error { return redis.Health(ctx, rdb) },
		"bus":      func(context.Context) error { return bus.Health() },
	}, nil, nil)
	router, api := server.NewRouter(cfg, metrics, health)
	handler.NewReservationHandler(svc).Register(api)

	g, gctx := errgroup.WithContext(ctx)
	if err := relay.Start(gctx); err != nil {
		log.WithError(err).Fatal("Failed to start outbox relay")
	}
	if err := commands.Start(gctx); err != nil {
		log.WithError(err).Fatal("Failed to start command consumer")
	}
	if cfg.Reaper.Enabled {
		r := reaper.New(svc, store, cfg.Reaper, reaper.WithMetrics(metrics))
		g.Go(func() error {
			r.Start(gctx)
			return nil
		})
	}
	g.Go(func() error {
		metrics.StartSystemMetricsCollection(gctx, 15*time.Second)
		return nil
	})
	g.Go(func() error {
		return server.Serve(gctx, cfg.Server, router)
	})

	log.WithField("kind", kind).Info("Participant service started")
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
