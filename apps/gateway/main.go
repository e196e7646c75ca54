package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mahaj/panchakarma-chat/pkg/auth"
	"github.com/mahaj/panchakarma-chat/pkg/config"
	"github.com/mahaj/panchakarma-chat/pkg/logging"
	"github.com/mahaj/panchakarma-chat/pkg/snowflake"
)

func main() {
	cfg, err := config.Load[config.Gateway]()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.Must(cfg.LogLevel, cfg.Environment)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ids, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		logger.Fatal("init snowflake node", zap.Int64("node_id", cfg.NodeID), zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not reachable yet", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}

	bus := newKafkaPublisher(cfg.Brokers, cfg.Topic)
	defer bus.Close()

	typing := &redisTyping{rdb: rdb, channel: cfg.TypingChannel}
	presence := &redisPresence{rdb: rdb, key: cfg.PresenceKey}
	hub := NewHub(ids, bus, typing, presence, logger.Named("hub"))

	groupID := fmt.Sprintf("gateway-fanout-%d", cfg.NodeID)
	go consumeFanout(ctx, cfg.Brokers, cfg.Topic, groupID, hub, logger.Named("fanout"))
	go typing.Subscribe(ctx, hub, logger.Named("typing"))

	issuer := auth.NewIssuer(cfg.JWTSecret, 0)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWs(ctx, hub, issuer, logger.Named("ws"), w, r)
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
	}()

	logger.Info("gateway starting", zap.String("addr", cfg.Addr), zap.Int64("node_id", cfg.NodeID))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("listen", zap.Error(err))
	}
	logger.Info("gateway stopped")
}
