package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mahaj/panchakarma-chat/pkg/auth"
	"github.com/mahaj/panchakarma-chat/pkg/config"
	"github.com/mahaj/panchakarma-chat/pkg/db"
	"github.com/mahaj/panchakarma-chat/pkg/logging"
)

func main() {
	cfg, err := config.Load[config.API]()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.Must(cfg.LogLevel, cfg.Environment)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session, err := db.NewSession(cfg.Hosts, cfg.Keyspace, logger)
	if err != nil {
		logger.Fatal("connect to scylla", zap.Error(err))
	}
	defer session.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	defer rdb.Close()

	s := &server{
		store:        db.NewRepository(session),
		presence:     &redisPresence{rdb: rdb, key: cfg.PresenceKey},
		issuer:       auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL),
		log:          logger,
		historyLimit: cfg.HistoryLimit,
	}
	srv := &http.Server{Addr: cfg.Addr, Handler: newRouter(s, cfg.CORSOrigins)}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
	}()

	logger.Info("api starting", zap.String("addr", cfg.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("listen", zap.Error(err))
	}
	logger.Info("api stopped")
}
