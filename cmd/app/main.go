package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Domenick1991/paysession/api"
	"github.com/Domenick1991/paysession/config"
	"github.com/Domenick1991/paysession/internal/bootstrap"
	"github.com/Domenick1991/paysession/internal/cache"
	"github.com/Domenick1991/paysession/internal/kafka"
	"github.com/Domenick1991/paysession/internal/logger"
	"github.com/Domenick1991/paysession/internal/metrics"
	"github.com/Domenick1991/paysession/internal/repository"
	"github.com/Domenick1991/paysession/internal/service/payment"
	"github.com/Domenick1991/paysession/internal/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := logger.Init(cfg.Log.Level, cfg.Telemetry.ServiceName)
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		log.Error("init tracer", "error", err)
		os.Exit(1)
	}
	defer shutdownTracer(context.Background())

	sessions, closeStore, err := openSessionStore(ctx, cfg, log)
	if err != nil {
		log.Error("open session store", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry)

	opts := []payment.PaymentServiceOption{
		payment.WithMetrics(m),
		payment.WithLogger(log),
	}
	if len(cfg.Kafka.Brokers) > 0 {
		producer := kafka.NewProducer(cfg.Kafka.Brokers)
		defer producer.Close()
		if err := producer.CheckConnection(ctx); err != nil {
			log.Warn("kafka unreachable, payment events will be dropped until it recovers", "error", err)
		}
		opts = append(opts,
			payment.WithProducer(producer, cfg.Kafka.PaymentTopic),
			payment.WithNotificationsTopic(cfg.Kafka.NotificationsTopic),
		)
	}

	paymentService := payment.NewPaymentService(sessions, cfg.Session.PendingTTL(), opts...)
	router := api.NewRouter(api.NewPaymentHandler(paymentService, cfg.Payment), log, m)

	if err := bootstrap.Run(ctx, cfg, router, registry, log); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}

func openSessionStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (repository.SessionRepository, func(), error) {
	switch cfg.Store.Driver {
	case config.StoreDriverRedis:
		store := cache.NewRedisSessionStore(cfg.Redis)
		if err := store.Ping(ctx); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("ping redis %s: %w", cfg.Redis.Addr, err)
		}
		log.Info("using redis session store", "addr", cfg.Redis.Addr)
		return store, func() { store.Close() }, nil

	case config.StoreDriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.Database.DSN())
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		repo := repository.NewSessionRepository(pool)
		if err := repo.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info("using postgres session store")
		return repo, pool.Close, nil

	default:
		store := repository.NewMemorySessionStore(repository.WithCleanupInterval(cfg.Worker.SweepInterval()))
		store.StartCleanup(ctx)
		log.Info("using in-memory session store")
		return store, store.Stop, nil
	}
}
