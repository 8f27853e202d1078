package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Domenick1991/paysession/config"
	"github.com/Domenick1991/paysession/internal/email"
	"github.com/Domenick1991/paysession/internal/kafka"
	"github.com/Domenick1991/paysession/internal/logger"
	"github.com/Domenick1991/paysession/internal/repository"
	"github.com/Domenick1991/paysession/internal/service/payment"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

// The worker sweeps expired pending sessions out of postgres and turns
// terminal payment events into buyer notifications.
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

	log := logger.Init(cfg.Log.Level, cfg.Telemetry.ServiceName+"-worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var paymentService *payment.PaymentService
	if cfg.Store.Driver == config.StoreDriverPostgres {
		pool, err := pgxpool.New(ctx, cfg.Database.DSN())
		if err != nil {
			log.Error("connect postgres", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		paymentService = payment.NewPaymentService(repository.NewSessionRepository(pool), cfg.Session.PendingTTL(), payment.WithLogger(log))
	}

	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.NotificationsTopic != "" {
		consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.NotificationsTopic)
		defer consumer.Close()

		emailSender := email.NewSender(log)
		go func() {
			if err := consumer.Consume(ctx, kafka.PaymentEventHandler(emailSender.Send)); err != nil {
				log.Error("consumer stopped", "error", err)
			}
		}()
	}

	expireTicker := time.NewTicker(cfg.Worker.SweepInterval())
	defer expireTicker.Stop()

	for {
		select {
		case <-expireTicker.C:
			if paymentService == nil {
				continue
			}
			expired, err := paymentService.ExpirePendingSessions(ctx)
			if err != nil {
				log.Error("expire sessions", "error", err)
				continue
			}
			if expired > 0 {
				log.Info("expired pending sessions", "count", expired)
			}
		case <-ctx.Done():
			log.Info("shutting down worker")
			return
		}
	}
}
