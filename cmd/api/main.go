package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nganga-moses/overwatch-cloud/internal/api"
	"github.com/nganga-moses/overwatch-cloud/internal/auth"
	"github.com/nganga-moses/overwatch-cloud/internal/config"
	"github.com/nganga-moses/overwatch-cloud/internal/observability"
	"github.com/nganga-moses/overwatch-cloud/internal/outbox"
	"github.com/nganga-moses/overwatch-cloud/internal/persistence/postgres"
	"github.com/nganga-moses/overwatch-cloud/internal/syncengine"
	httptransport "github.com/nganga-moses/overwatch-cloud/internal/transport/http"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	logger := observability.NewLogger(cfg.Environment, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("sync api stopped with error")
		os.Exit(1)
	}
	logger.Info("sync api stopped")
}

func run(ctx context.Context, cfg config.Config, logger *logrus.Logger) error {
	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresURL)
	if err != nil {
		return err
	}
	poolCfg.MaxConns = cfg.PostgresMaxConns
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := postgres.NewStore(pool)
	engine := syncengine.NewService(store,
		syncengine.WithWorkstations(store),
		syncengine.WithAuditor(store),
		syncengine.WithLogger(logger.WithField("component", "syncengine")),
		syncengine.WithRetryPolicy(uint64(cfg.MergeMaxRetries), 0, 0),
		syncengine.WithPullLimits(cfg.PullDefaultLimit, cfg.PullMaxLimit),
		syncengine.WithMaxPushItems(cfg.PushMaxItems),
	)

	mux := http.NewServeMux()
	api.NewHandler(engine, logger.WithField("component", "api"), cfg.StoreTimeout).RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	var handler http.Handler = auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}).Wrap(mux)
	if len(cfg.CORSOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
		}).Handler(handler)
	}
	handler = api.RequestLogger(logger.WithField("component", "http"))(handler)

	server := httptransport.NewServer(httptransport.DefaultServerConfig(cfg.HTTPAddress), handler)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("address", server.Addr()).Info("sync api listening")
		return server.Run(gctx)
	})

	if cfg.OutboxEnabled {
		producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
		defer producer.Close()

		dispatcher := outbox.NewDispatcher(pool, producer,
			outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL),
			cfg.OutboxPollInterval, cfg.OutboxBatchSize,
			outbox.WithLogger(logger.WithField("component", "outbox")),
		)
		g.Go(func() error {
			logger.WithField("interval", cfg.OutboxPollInterval).Info("outbox dispatcher started")
			return dispatcher.Run(gctx)
		})
	}

	return g.Wait()
}
