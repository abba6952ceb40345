package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nganga-moses/overwatch-cloud/internal/config"
	"github.com/nganga-moses/overwatch-cloud/internal/observability"
	"github.com/nganga-moses/overwatch-cloud/internal/outbox"
	httptransport "github.com/nganga-moses/overwatch-cloud/internal/transport/http"
)

const defaultDLQBatchSize = 50

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	logger := observability.NewLogger(cfg.Environment, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		logger.WithError(err).Fatal("connect to postgres")
	}
	defer pool.Close()

	manager := outbox.NewDLQManager(pool, cfg.DLQMaxRetries, cfg.DLQBaseDelay, logger.WithField("component", "dlq"))
	metrics := httptransport.NewServer(httptransport.DefaultServerConfig(cfg.MetricsAddress), promhttp.Handler())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("address", metrics.Addr()).Info("dlq manager metrics listening")
		return metrics.Run(gctx)
	})
	g.Go(func() error {
		logger.WithFields(logrus.Fields{
			"interval":    cfg.DLQPollInterval,
			"max_retries": cfg.DLQMaxRetries,
		}).Info("dlq manager started")
		return manager.Run(gctx, cfg.DLQPollInterval, defaultDLQBatchSize)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("dlq manager stopped with error")
		os.Exit(1)
	}
}
