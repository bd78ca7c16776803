// Package redis provides the Redis heartbeat store & job status cache.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crabzie/gpu-dispatcher/internal/core/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	workerKeyPrefix = "dispatch:worker:"
	podKeyPrefix    = "dispatch:pod:"
	defaultTTL      = 30 * time.Second
)

// HealthStore keeps the latest probe outcome of each worker and pod under a TTL,
// so records of endpoints that stop being probed expire on their own
type HealthStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	log    *zap.Logger
}

// NewHealthStore creates a new Redis heartbeat adapter
func NewHealthStore(client redis.UniversalClient, ttl time.Duration, log *zap.Logger) *HealthStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &HealthStore{
		client: client,
		ttl:    ttl,
		log:    log,
	}
}

// RecordWorker saves the worker state and extends its TTL (heartbeat)
func (s *HealthStore) RecordWorker(ctx context.Context, worker *domain.LocalWorker) error {
	data, err := json.Marshal(worker)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, workerKeyPrefix+worker.ID, data, s.ttl).Err()
}

func (s *HealthStore) RecordPod(ctx context.Context, pod *domain.CloudPod) error {
	data, err := json.Marshal(pod)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, podKeyPrefix+pod.ID, data, s.ttl).Err()
}

// ListWorkers returns the workers whose heartbeat has not expired
func (s *HealthStore) ListWorkers(ctx context.Context) ([]*domain.LocalWorker, error) {
	var workers []*domain.LocalWorker
	iter := s.client.Scan(ctx, 0, workerKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		val, err := s.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue // expired between scan and get
		}

		var w domain.LocalWorker
		if err := json.Unmarshal([]byte(val), &w); err != nil {
			s.log.Warn("Skipping malformed worker record", zap.String("key", iter.Val()), zap.Error(err))
			continue
		}
		workers = append(workers, &w)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning worker heartbeats: %w", err)
	}
	return workers, nil
}
