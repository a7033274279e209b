package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"example.com/healthsync/internal/config"
	"example.com/healthsync/internal/consumer"
	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/outbox"
	"example.com/healthsync/internal/persistence/memory"
	pgstore "example.com/healthsync/internal/persistence/postgres"
	"example.com/healthsync/internal/persistence/sqlite"
	"example.com/healthsync/internal/realtime"
)

// storage is the configured gateway plus whatever has to run alongside it.
type storage struct {
	gateway domain.Gateway
	start   func(ctx context.Context, wg *sync.WaitGroup)
	close   func()
}

func openStorage(ctx context.Context, cfg config.Config, hub *realtime.Hub, log *zap.Logger) (storage, error) {
	noop := func(context.Context, *sync.WaitGroup) {}

	switch cfg.StorageDriver {
	case config.StorageMemory:
		return storage{gateway: memory.NewGateway(), start: noop, close: func() {}}, nil

	case config.StorageSQLite:
		gw, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return storage{}, err
		}
		return storage{
			gateway: gw,
			start:   noop,
			close: func() {
				if err := gw.Close(); err != nil {
					log.Warn("sqlite close failed", zap.Error(err))
				}
			},
		}, nil

	case config.StoragePostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return storage{}, fmt.Errorf("connect to postgres: %w", err)
		}

		producer := outbox.NewKafkaProducer(cfg.KafkaBrokers, log)
		registry := outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL)
		dispatcher := outbox.NewDispatcher(pool, producer, registry, cfg.OutboxPollInterval, cfg.OutboxBatchSize, log)

		// every api instance needs every change, so each joins its own group
		host, _ := os.Hostname()
		group := consumer.GroupConfig{
			Brokers:     cfg.KafkaBrokers,
			GroupID:     fmt.Sprintf("%s-%s-%d", cfg.ChangeFeedGroupID, host, os.Getpid()),
			StartOffset: kafka.LastOffset,
		}
		feed := consumer.NewChangeFeedHandler(hub)

		return storage{
			gateway: pgstore.NewGateway(pool),
			start: func(ctx context.Context, wg *sync.WaitGroup) {
				wg.Add(2)
				go func() {
					defer wg.Done()
					dispatcher.Run(ctx)
				}()
				go func() {
					defer wg.Done()
					consumer.RunTopics(ctx, group, []string{
						pgstore.EventCatalog[pgstore.EventActivityChanged].Topic,
						pgstore.EventCatalog[pgstore.EventSnapshotAppended].Topic,
					}, feed, log.Named("change_feed"))
				}()
			},
			close: func() {
				if err := producer.Close(); err != nil {
					log.Warn("kafka producer close failed", zap.Error(err))
				}
				pool.Close()
			},
		}, nil
	}
	return storage{}, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
}
