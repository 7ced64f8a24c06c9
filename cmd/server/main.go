package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/restatedev/sdk-go/server"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	internalapi "github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/api"
	appconfig "github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/config"
	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/confirmation"
	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/events"
	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/logging"
	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/metrics"
	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/paypal"
	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/relay"
	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/reservation"
	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/secrets"
	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/storage/postgres"
	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/telemetry"
)

var version = "dev"

// loadConfig pulls secrets from OpenBao, when configured, before reading the environment.
func loadConfig() (appconfig.Config, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := secrets.BootstrapFromOpenBao(ctx, secrets.OpenBaoConfigFromEnv(), nil); err != nil {
		return appconfig.Config{}, fmt.Errorf("bootstrap secrets: %w", err)
	}
	return appconfig.Load()
}

func newLogger(lc fx.Lifecycle, cfg appconfig.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			_ = logger.Sync()
			return nil
		},
	})
	return logger, nil
}

func setupTelemetry(lc fx.Lifecycle, cfg appconfig.Config, logger *zap.Logger) {
	if !cfg.Telemetry.Enabled {
		logger.Info("tracing disabled")
		return
	}
	var shutdown func(context.Context) error
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			var err error
			shutdown, err = telemetry.InitTracer(ctx, telemetry.Config{
				ServiceName:    cfg.ServiceName,
				ServiceVersion: version,
				Endpoint:       cfg.Telemetry.Endpoint,
				SampleRatio:    cfg.Telemetry.SampleRatio,
			}, logger)
			return err
		},
		OnStop: func(ctx context.Context) error {
			if shutdown != nil {
				return shutdown(ctx)
			}
			return nil
		},
	})
}

func newRegistry() (*prometheus.Registry, prometheus.Registerer, prometheus.Gatherer) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, reg, reg
}

// newSQLDB connects to the booking database. Without one the relay keeps
// running with a no-op ledger, unless reservations themselves live there.
func newSQLDB(lc fx.Lifecycle, cfg appconfig.Config, logger *zap.Logger) (*sql.DB, error) {
	logger.Info("connecting to PostgreSQL",
		zap.String("database", cfg.Database.Database),
		zap.String("host", cfg.Database.Host),
		zap.Int("port", cfg.Database.Port),
	)
	db, err := postgres.OpenDatabase(context.Background(), cfg.Database)
	if err != nil {
		if cfg.Store.Backend == appconfig.StoreBackendPostgres {
			return nil, err
		}
		logger.Warn("database unavailable, redelivery detection disabled", zap.Error(err))
		return nil, nil
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return db.Close()
		},
	})
	return db, nil
}

func newLedger(db *sql.DB, cfg appconfig.Config) relay.Ledger {
	if db == nil {
		return relay.NoopLedger{}
	}
	return postgres.NewConfirmationLedger(db, cfg.Store.IdempotencyLease)
}

func newReservationStore(cfg appconfig.Config, db *sql.DB, m *metrics.Metrics) (reservation.Store, error) {
	switch cfg.Store.Backend {
	case appconfig.StoreBackendPostgres:
		return postgres.NewReservationStore(db), nil
	default:
		if cfg.Supabase.URL == "" || cfg.Supabase.ServiceKey == "" {
			return nil, errors.New("SUPABASE_URL and SUPABASE_SERVICE_KEY are required for the supabase reservation store")
		}
		return reservation.NewSupabaseStore(cfg.Supabase.URL, cfg.Supabase.ServiceKey, cfg.Supabase.ReservationsTable, nil, m), nil
	}
}

func newPayPalClient(cfg appconfig.Config, m *metrics.Metrics) *paypal.Client {
	return paypal.NewClient(paypal.Config{
		ClientID:   cfg.PayPal.ClientID,
		Secret:     cfg.PayPal.Secret,
		APIBase:    cfg.PayPal.APIBase,
		WebhookID:  cfg.PayPal.WebhookID,
		CacheToken: cfg.PayPal.CacheToken,
		Timeout:    cfg.PayPal.Timeout,
	}, nil, m)
}

// newKafkaProducer constructs a shared Kafka producer and binds its lifecycle to Fx.
func newKafkaProducer(cfg appconfig.Config, lc fx.Lifecycle) *events.Producer {
	prod := events.NewProducerWithBrokers(cfg.Kafka.Brokers)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return prod.Close()
		},
	})
	return prod
}

func newRelay(cfg appconfig.Config, pp *paypal.Client, ledger relay.Ledger, store reservation.Store, prod *events.Producer, m *metrics.Metrics, logger *zap.Logger) *relay.Relay {
	rcfg := relay.Config{
		Orders:       pp,
		Ledger:       ledger,
		Store:        store,
		Publisher:    prod,
		EventsTopic:  cfg.Kafka.ReservationsTopic,
		RequireMatch: cfg.Store.RequireMatch,
		Metrics:      m,
		Logger:       logger.Named("relay"),
	}
	if cfg.PayPal.VerifyWebhook {
		rcfg.Verifier = pp
	} else {
		logger.Warn("PayPal webhook signature verification is disabled")
	}
	return relay.New(rcfg)
}

func buildRestateServer(r *relay.Relay, logger *zap.Logger) *server.Restate {
	return server.NewRestate().
		Bind(confirmation.NewObject(r, logger.Named("confirmation")).Definition())
}

func registerRestateServer(lc fx.Lifecycle, cfg appconfig.Config, logger *zap.Logger, shutdowner fx.Shutdowner, srv *server.Restate) {
	if !cfg.Restate.Confirmations {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			displayAddr := cfg.Restate.ListenAddr
			if strings.HasPrefix(displayAddr, ":") {
				displayAddr = "localhost" + displayAddr
			}
			logger.Info("Restate endpoint listening",
				zap.String("addr", cfg.Restate.ListenAddr),
				zap.String("service", confirmation.ServiceName),
				zap.String("register", "restate deployments register http://"+displayAddr),
			)
			go func() {
				defer close(done)
				if err := srv.Start(ctx, cfg.Restate.ListenAddr); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("Restate server error", zap.Error(err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			<-done
			return nil
		},
	})
}

func newWebServer(cfg appconfig.Config, r *relay.Relay, gatherer prometheus.Gatherer, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()

	var durable internalapi.DurableConfirmer
	if cfg.Restate.Confirmations {
		durable = confirmation.NewIngressClient(cfg.Restate.RuntimeURL, nil)
	}
	internalapi.RegisterWebhookRoutes(mux, r, durable, logger)
	internalapi.RegisterCaptureRoutes(mux, r, logger)
	internalapi.RegisterOpsRoutes(mux, gatherer)
	if !internalapi.RegisterSPA(mux, cfg.HTTP.WebDir) {
		logger.Info("web directory not found, SPA not served", zap.String("web_dir", cfg.HTTP.WebDir))
	}

	return &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           internalapi.WithCORS(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func registerWebServer(lc fx.Lifecycle, cfg appconfig.Config, logger *zap.Logger, shutdowner fx.Shutdowner, httpServer *http.Server) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				logger.Info("HTTP server listening", zap.String("addr", cfg.HTTP.Addr), zap.String("web_dir", cfg.HTTP.WebDir))
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("HTTP server error", zap.Error(err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	})
}

func main() {
	_ = godotenv.Load()

	app := fx.New(
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
		fx.Provide(
			loadConfig,
			newLogger,
			newRegistry,
			metrics.New,
			newPayPalClient,
			newSQLDB,
			newLedger,
			newReservationStore,
			newKafkaProducer,
			newRelay,
			buildRestateServer,
			newWebServer,
		),
		fx.Invoke(
			func(logger *zap.Logger, cfg appconfig.Config) {
				logger.Info("starting", zap.String("version", version), zap.String("store", cfg.Store.Backend))
			},
			setupTelemetry,
			registerWebServer,
			registerRestateServer,
		),
	)

	app.Run()
}
