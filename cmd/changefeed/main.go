package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nganga-moses/overwatch-cloud/internal/config"
	"github.com/nganga-moses/overwatch-cloud/internal/consumer"
	"github.com/nganga-moses/overwatch-cloud/internal/events"
	"github.com/nganga-moses/overwatch-cloud/internal/observability"
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

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		logger.WithError(err).Fatal("connect to postgres")
	}
	defer pool.Close()

	topic := events.Catalog[events.ChangeCommittedType].Topic
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:         cfg.KafkaBrokers,
		GroupID:         cfg.ChangeFeedGroupID,
		Topic:           topic,
		MinBytes:        1e3,
		MaxBytes:        10e6,
		CommitInterval:  time.Second,
		RetentionTime:   24 * time.Hour,
		ReadLagInterval: -1,
	})
	defer reader.Close()

	proc := consumer.NewProcessor(reader, consumer.NewReceiptHandler(pool),
		consumer.WithLogger(logger.WithFields(logrus.Fields{"component": "changefeed", "topic": topic})),
	)
	metrics := httptransport.NewServer(httptransport.DefaultServerConfig(cfg.MetricsAddress), promhttp.Handler())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("address", metrics.Addr()).Info("changefeed metrics listening")
		return metrics.Run(gctx)
	})
	g.Go(func() error {
		logger.WithFields(logrus.Fields{"topic": topic, "group": cfg.ChangeFeedGroupID}).Info("changefeed consumer started")
		return proc.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("changefeed consumer stopped with error")
		os.Exit(1)
	}
}
