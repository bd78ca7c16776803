package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/crabzie/gpu-dispatcher/internal/core/domain"
	"github.com/gofiber/storage/redis/v3"
)

const statusKeyPrefix = "dispatch:status:"

// StatusCache keeps recent job statuses so status reads survive a restart
type StatusCache struct {
	storage *redis.Storage
	ttl     time.Duration
}

func NewStatusCache(storage *redis.Storage, ttl time.Duration) *StatusCache {
	return &StatusCache{storage: storage, ttl: ttl}
}

func (c *StatusCache) Put(_ context.Context, status domain.JobStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return c.storage.Set(statusKeyPrefix+status.JobID, data, c.ttl)
}

// Get returns nil without error when the status is not cached
func (c *StatusCache) Get(_ context.Context, id string) (*domain.JobStatus, error) {
	data, err := c.storage.Get(statusKeyPrefix + id)
	if err != nil || data == nil {
		return nil, err
	}
	var status domain.JobStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, err
	}
	return &status, nil
}
