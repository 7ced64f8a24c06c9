package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	appconfig "github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/config"
	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/email"
	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/events"
	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/logging"
	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/reservation"
	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/secrets"
)

func main() {
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		panic(err)
	}
	logger, err := logging.New("email-worker", cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("email worker starting")
	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("email worker stopped", zap.Error(err))
	}
	logger.Info("email worker stopped")
}

// loadConfig pulls secrets from OpenBao, when configured, before reading the environment.
func loadConfig() (appconfig.Config, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := secrets.BootstrapFromOpenBao(ctx, secrets.OpenBaoConfigFromEnv(), nil); err != nil {
		return appconfig.Config{}, fmt.Errorf("bootstrap secrets: %w", err)
	}
	return appconfig.LoadEmailWorker()
}

func run(ctx context.Context, cfg appconfig.Config, logger *zap.Logger) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Kafka.Brokers,
		GroupTopics: []string{cfg.Kafka.ReservationsTopic},
		GroupID:     cfg.Kafka.EmailGroup,
		MinBytes:    1e3,
		MaxBytes:    10e6,
	})
	defer reader.Close()

	worker := &email.Worker{
		Sender:        pickSender(cfg.Email, logger),
		DemoRecipient: cfg.Email.DemoRecipient,
		Logger:        logger,
	}
	if cfg.Supabase.URL != "" && cfg.Supabase.ServiceKey != "" {
		worker.Recipients = reservation.NewSupabaseStore(cfg.Supabase.URL, cfg.Supabase.ServiceKey, cfg.Supabase.ReservationsTable, nil, nil)
	} else {
		logger.Info("no Supabase credentials, all mail goes to the demo recipient")
	}

	logger.Info("consuming", zap.String("topic", cfg.Kafka.ReservationsTopic), zap.String("group", cfg.Kafka.EmailGroup))
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			return err
		}

		evt, err := events.Decode(msg.Value)
		if err != nil {
			logger.Warn("bad event payload", zap.Error(err), zap.ByteString("payload", msg.Value))
			continue
		}
		if err := worker.HandleEnvelope(ctx, evt); err != nil {
			logger.Error("event handling failed",
				zap.String("event_type", evt.EventType),
				zap.String("event_id", evt.EventID),
				zap.Error(err),
			)
		}
	}
}

func pickSender(cfg appconfig.EmailConfig, logger *zap.Logger) email.Sender {
	if cfg.SMTPHost == "" {
		logger.Info("SMTP_HOST not set, logging emails instead of sending")
		return email.LogSender{Logger: logger.Named("mail")}
	}
	return email.NewSMTPSender(email.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		From:     cfg.SMTPFrom,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
	})
}
