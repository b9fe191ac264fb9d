// Package registry tracks which charge points hold a live websocket
// connection, shared across server instances through redis. Records are a
// hint only: an abrupt network loss can leave an entry behind, so readers
// must cross-check the last heartbeat time before trusting one.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"evcharge/internal"
	"evcharge/internal/config"
)

const connectionsKey = "connections"

type ConnectionRegistry interface {
	Register(chargePointId string, connectedAt time.Time)
	Unregister(chargePointId string)
	IsRegistered(chargePointId string) bool
	Snapshot() map[string]time.Time
}

// RedisRegistry keeps all connection records in a single hash so that a
// full snapshot is one round trip.
type RedisRegistry struct {
	client *redis.Client
	ctx    context.Context
	logger internal.LogHandler
}

func NewRedisRegistry(conf *config.Config, logger internal.LogHandler) *RedisRegistry {
	if !conf.Redis.Enabled {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     conf.Redis.Address,
		Password: conf.Redis.Password,
		DB:       conf.Redis.DB,
	})
	return &RedisRegistry{
		client: client,
		ctx:    context.Background(),
		logger: logger,
	}
}

func (r *RedisRegistry) Register(chargePointId string, connectedAt time.Time) {
	err := r.client.HSet(r.ctx, connectionsKey, chargePointId, connectedAt.UTC().Format(time.RFC3339)).Err()
	if err != nil {
		r.logger.Error(fmt.Sprintf("registry: register %s", chargePointId), err)
	}
}

func (r *RedisRegistry) Unregister(chargePointId string) {
	err := r.client.HDel(r.ctx, connectionsKey, chargePointId).Err()
	if err != nil {
		r.logger.Error(fmt.Sprintf("registry: unregister %s", chargePointId), err)
	}
}

// IsRegistered degrades to false when redis is unreachable; a registry
// outage must never take down session handling.
func (r *RedisRegistry) IsRegistered(chargePointId string) bool {
	ok, err := r.client.HExists(r.ctx, connectionsKey, chargePointId).Result()
	if err != nil {
		r.logger.Error(fmt.Sprintf("registry: lookup %s", chargePointId), err)
		return false
	}
	return ok
}

func (r *RedisRegistry) Snapshot() map[string]time.Time {
	records, err := r.client.HGetAll(r.ctx, connectionsKey).Result()
	if err != nil {
		r.logger.Error("registry: snapshot", err)
		return map[string]time.Time{}
	}
	snapshot := make(map[string]time.Time, len(records))
	for id, value := range records {
		connectedAt, err := time.Parse(time.RFC3339, value)
		if err != nil {
			r.logger.Warn(fmt.Sprintf("registry: invalid timestamp for %s: %s", id, value))
			continue
		}
		snapshot[id] = connectedAt
	}
	return snapshot
}
