// Package app opens the adapters named by the loaded config; each binary under cmd composes them.
package app

import (
	"context"
	"fmt"

	mongoConfig "github.com/crabzie/gpu-dispatcher/config/storage/mongodb"
	postgresConfig "github.com/crabzie/gpu-dispatcher/config/storage/postgresql"
	redisConfig "github.com/crabzie/gpu-dispatcher/config/storage/redis"
	config "github.com/crabzie/gpu-dispatcher/config/utils"
	"github.com/crabzie/gpu-dispatcher/internal/adapter/cloud/kubernetes"
	"github.com/crabzie/gpu-dispatcher/internal/adapter/cloud/runpod"
	"github.com/crabzie/gpu-dispatcher/internal/adapter/queue/rabbitmq"
	mongoRepo "github.com/crabzie/gpu-dispatcher/internal/adapter/storage/mongo"
	"github.com/crabzie/gpu-dispatcher/internal/adapter/storage/postgres"
	redisAdapter "github.com/crabzie/gpu-dispatcher/internal/adapter/storage/redis"
	"github.com/crabzie/gpu-dispatcher/internal/adapter/storage/sqlite"
	"github.com/crabzie/gpu-dispatcher/internal/core/domain"
	"github.com/crabzie/gpu-dispatcher/internal/core/port"
	"go.uber.org/zap"
)

// Closer releases a connection opened during startup
type Closer func(ctx context.Context)

// OpenJobStore connects the job store named by persistence.driver; "none" keeps jobs in memory only
func OpenJobStore(ctx context.Context, cfg *config.AppConfig, log *zap.Logger) (port.JobRepository, Closer, error) {
	switch cfg.Persistence.Driver {
	case "mongo", "mongodb":
		m, err := mongoConfig.New(ctx, cfg.Mongo)
		if err != nil {
			return nil, nil, err
		}
		repo := mongoRepo.NewJobRepository(m.Jobs, log)
		if err := repo.EnsureIndexes(ctx); err != nil {
			log.Warn("Failed to create job indexes", zap.Error(err))
		}
		return repo, func(ctx context.Context) { _ = m.Close(ctx) }, nil

	case "postgres", "postgresql":
		db, err := postgresConfig.New(ctx, cfg.DB, log.Named("pgx"))
		if err != nil {
			return nil, nil, err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return postgres.NewJobRepository(db.Pool, db.QueryBuilder, log), func(context.Context) { db.Close() }, nil

	case "sqlite":
		repo, err := sqlite.New(cfg.SQLite.Path, log)
		if err != nil {
			return nil, nil, err
		}
		return repo, func(context.Context) { _ = repo.Close() }, nil

	case "", "none":
		return nil, func(context.Context) {}, nil
	}
	return nil, nil, fmt.Errorf("unknown persistence driver %q", cfg.Persistence.Driver)
}

// OpenRedis returns the heartbeat store and status cache, or nils when Redis is not configured
func OpenRedis(ctx context.Context, cfg *config.Redis, log *zap.Logger) (port.HealthStore, port.StatusCache, Closer, error) {
	if cfg.Addr == "" && cfg.Host == "" {
		return nil, nil, func(context.Context) {}, nil
	}
	r, err := redisConfig.New(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	return redisAdapter.NewHealthStore(r.Conn, cfg.TTL, log),
		redisAdapter.NewStatusCache(r.Client, cfg.StatusTTL),
		func(context.Context) { _ = r.Close() },
		nil
}

// OpenProvider builds the pod control plane named by cloud.provider
func OpenProvider(ctx context.Context, cfg *config.Cloud, log *zap.Logger) (port.CloudProvider, error) {
	switch cfg.Provider {
	case "runpod":
		return runpod.NewProvider(runpod.Config{
			APIKey:          cfg.RunPod.APIKey,
			GraphQLURL:      cfg.RunPod.GraphQLURL,
			CloudType:       cfg.RunPod.CloudType,
			VolumeGB:        cfg.RunPod.VolumeGB,
			ContainerDiskGB: cfg.RunPod.ContainerDiskGB,
			ProxyDomain:     cfg.RunPod.ProxyDomain,
			Port:            cfg.Port,
		}, log), nil

	case "kubernetes", "k8s":
		clientset, err := kubernetes.NewClientset(cfg.Kubernetes.Kubeconfig)
		if err != nil {
			return nil, err
		}
		provider := kubernetes.NewProvider(clientset, kubernetes.Config{
			Namespace:    cfg.Kubernetes.Namespace,
			GPUResource:  cfg.Kubernetes.GPUResource,
			NodeSelector: cfg.Kubernetes.NodeSelector,
			Port:         cfg.Port,
		}, log)
		reapOrphans(ctx, provider, log)
		return provider, nil

	case "", "none":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown cloud provider %q", cfg.Provider)
}

// reapOrphans terminates pods left behind by a previous run; the pool starts empty
func reapOrphans(ctx context.Context, provider *kubernetes.Provider, log *zap.Logger) {
	orphans, err := provider.Orphans(ctx)
	if err != nil {
		log.Warn("Failed to list orphaned pods", zap.Error(err))
		return
	}
	for _, h := range orphans {
		if err := provider.Terminate(ctx, h); err != nil {
			log.Warn("Failed to reap orphaned pod", zap.String("pod_id", h.ID), zap.Error(err))
			continue
		}
		log.Info("Reaped orphaned pod", zap.String("pod_id", h.ID))
	}
}

// PodSpec is the template every rented pod starts from
func PodSpec(cfg *config.Cloud) domain.PodSpec {
	return domain.PodSpec{
		GPUType:     cfg.GPUType,
		Image:       cfg.Image,
		Port:        cfg.Port,
		CostPerHour: cfg.CostPerHour,
	}
}

// OpenBroker dials RabbitMQ; it returns nil when no url is configured
func OpenBroker(ctx context.Context, cfg *config.RabbitMQ, log *zap.Logger) (*rabbitmq.Broker, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	return rabbitmq.New(ctx, cfg, log)
}

// Serverless builds the per-second serverless invoker; it reports disabled without an endpoint id
func Serverless(cfg *config.Cloud, log *zap.Logger) *runpod.Serverless {
	return runpod.NewServerless(runpod.ServerlessConfig{
		APIKey:       cfg.RunPod.APIKey,
		EndpointID:   cfg.Serverless.EndpointID,
		BaseURL:      cfg.Serverless.BaseURL,
		PollInterval: cfg.Serverless.PollInterval,
		Timeout:      cfg.Serverless.Timeout,
	}, log)
}
