// Package redis provides the Redis connection backing worker heartbeats & the job status cache.
package redis

import (
	"context"
	"time"

	config "github.com/crabzie/gpu-dispatcher/config/utils"

	"github.com/gofiber/storage/redis/v3"
	redigo "github.com/redis/go-redis/v9"
)

// Redis holds the key/value storage used for cached statuses and the raw client used for heartbeats
type Redis struct {
	Client *redis.Storage
	Conn   redigo.UniversalClient
}

// New creates a new instance of Redis
func New(ctx context.Context, config *config.Redis) (*Redis, error) {
	addr := config.Addr
	if addr == "" && config.Host != "" {
		addr = config.Host + ":" + config.Port
	}

	client := redigo.NewUniversalClient(&redigo.UniversalOptions{
		Addrs:           []string{addr},
		Password:        config.Password,
		DB:              0,
		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 1 * time.Second,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		PoolSize:        10,
		MinIdleConns:    2,
		ConnMaxIdleTime: 5 * time.Minute,
	})

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, err
	}

	storage := redis.NewFromConnection(client)

	return &Redis{Client: storage, Conn: client}, nil
}

// Close releases the shared connection
func (r *Redis) Close() error {
	return r.Client.Close()
}
