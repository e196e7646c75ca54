package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/mahaj/panchakarma-chat/pkg/config"
	"github.com/mahaj/panchakarma-chat/pkg/db"
	"github.com/mahaj/panchakarma-chat/pkg/logging"
)

func main() {
	cfg, err := config.Load[config.Messaging]()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.Must(cfg.LogLevel, cfg.Environment)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := db.EnsureKeyspace(cfg.Hosts, cfg.Keyspace, cfg.ReplicationFactor, logger); err != nil {
		logger.Fatal("ensure keyspace", zap.Error(err))
	}
	session, err := db.NewSession(cfg.Hosts, cfg.Keyspace, logger)
	if err != nil {
		logger.Fatal("connect to scylla", zap.Error(err))
	}
	defer session.Close()

	if err := db.Migrate(session, logger); err != nil {
		logger.Fatal("migrate schema", zap.Error(err))
	}

	reader := NewKafkaReader(cfg.Brokers, cfg.Topic, cfg.GroupID)
	consumer := NewConsumer(reader, db.NewRepository(session), logger, cfg.MaxRetries, cfg.RetryDelay)
	defer consumer.Close()

	logger.Info("messaging worker starting", zap.Strings("brokers", cfg.Brokers), zap.String("topic", cfg.Topic), zap.String("group_id", cfg.GroupID))
	if err := consumer.Consume(ctx); err != nil {
		logger.Fatal("consume", zap.Error(err))
	}
	logger.Info("messaging worker stopped")
}
