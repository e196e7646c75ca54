package main

import (
	"context"
	"net/http"
	"slices"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// redisPresence reads the online set the gateways maintain.
type redisPresence struct {
	rdb *redis.Client
	key string
}

func (p *redisPresence) Online(ctx context.Context) ([]string, error) {
	users, err := p.rdb.SMembers(ctx, p.key).Result()
	if err != nil {
		return nil, err
	}
	slices.Sort(users)
	return users, nil
}

func (s *server) handlePresence(w http.ResponseWriter, r *http.Request) {
	users, err := s.presence.Online(r.Context())
	if err != nil {
		s.log.Error("fetch presence", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch presence")
		return
	}
	if users == nil {
		users = []string{}
	}
	writeJSON(w, http.StatusOK, users)
}
