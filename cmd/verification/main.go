package main

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/crabzie/gpu-dispatcher/config/logger"
	config "github.com/crabzie/gpu-dispatcher/config/utils"
	"github.com/crabzie/gpu-dispatcher/internal/adapter/dispatch/comfyui"
	"github.com/crabzie/gpu-dispatcher/internal/adapter/fallback/hosted"
	"github.com/crabzie/gpu-dispatcher/internal/adapter/monitoring/prometheus"
	"github.com/crabzie/gpu-dispatcher/internal/app"
	"github.com/crabzie/gpu-dispatcher/internal/core/domain"
	"go.uber.org/zap"
)

// verification checks every configured dependency once and reports what is reachable
func main() {
	// 1. Setup Logger & Config
	appConfig := config.New()
	log := logger.Build(appConfig.Logger)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	log.Info("Starting Verification...")

	// 2. Test job store
	log.Info("--- Testing Job Store ---", zap.String("driver", appConfig.Persistence.Driver))
	repo, closeStore, err := app.OpenJobStore(ctx, appConfig, log)
	if err != nil {
		log.Error("X Job Store: Connection Failed", zap.Error(err))
	} else if repo != nil {
		defer closeStore(context.Background())

		now := time.Now()
		job := &domain.Job{
			ID:          fmt.Sprintf("verify-%d", now.Unix()),
			Kind:        domain.JobKindImage,
			State:       domain.JobStateQueued,
			Priority:    5,
			Payload:     map[string]any{"prompt": "verification"},
			Preferences: domain.DefaultPreferences(),
			CreatedAt:   now,
			UpdatedAt:   now,
		}

		if err := repo.Save(ctx, job); err != nil {
			log.Error("X Job Store: Save Job Failed", zap.Error(err))
		} else {
			log.Info("✓ Job Store: Save Job Success")
		}

		if fetched, err := repo.GetByID(ctx, job.ID); err != nil {
			log.Error("X Job Store: Get Job Failed", zap.Error(err))
		} else {
			log.Info("✓ Job Store: Get Job Success", zap.String("FetchedID", fetched.ID))
		}
	}

	// 3. Test Redis
	log.Info("--- Testing Redis ---")
	healthStore, statusCache, closeRedis, err := app.OpenRedis(ctx, appConfig.Redis, log)
	switch {
	case err != nil:
		log.Error("X Redis: Connection Failed", zap.Error(err))
	case healthStore == nil:
		log.Warn("! Redis: not configured")
	default:
		defer closeRedis(context.Background())

		worker := &domain.LocalWorker{ID: "verify-worker", Endpoint: "http://localhost:8188", Status: domain.WorkerStatusHealthy}
		if err := healthStore.RecordWorker(ctx, worker); err != nil {
			log.Error("X Redis: Record Worker Failed", zap.Error(err))
		} else {
			log.Info("✓ Redis: Record Worker Success")
		}
		if workers, err := healthStore.ListWorkers(ctx); err != nil {
			log.Error("X Redis: List Workers Failed", zap.Error(err))
		} else {
			log.Info("✓ Redis: List Workers Success", zap.Int("Count", len(workers)))
		}
		if err := statusCache.Put(ctx, domain.JobStatus{JobID: "verify-status", State: domain.JobStateCompleted}); err != nil {
			log.Error("X Redis: Cache Status Failed", zap.Error(err))
		} else {
			log.Info("✓ Redis: Cache Status Success")
		}
	}

	// 4. Test RabbitMQ
	log.Info("--- Testing RabbitMQ ---")
	if appConfig.RabbitMQ.URL == "" {
		log.Warn("! RabbitMQ: not configured")
	} else if broker, err := app.OpenBroker(ctx, appConfig.RabbitMQ, log); err != nil {
		log.Error("X RabbitMQ: Connection Failed", zap.Error(err))
	} else {
		defer broker.Close()
		event := domain.Event{Type: domain.EventJobQueued, JobID: "verify-event", At: time.Now()}
		if err := broker.Publish(ctx, event); err != nil {
			log.Error("X RabbitMQ: Publish Failed", zap.Error(err))
		} else {
			log.Info("✓ RabbitMQ: Publish Success")
		}
	}

	// 5. Test Prometheus
	log.Info("--- Testing Prometheus ---")
	promClient := prometheus.NewGPUMetrics(appConfig.Prometheus.URL, appConfig.Prometheus.GPUQuery, log)

	// 6. Test local workers
	log.Info("--- Testing Local Workers ---")
	client := comfyui.New(comfyui.Config{ProbeTimeout: appConfig.Local.ProbeTimeout}, log)
	for _, ep := range appConfig.Local.Workers {
		probe, err := client.Probe(ctx, ep)
		if err != nil {
			log.Error("X Worker: Probe Failed", zap.String("endpoint", ep), zap.Error(err))
			continue
		}
		log.Info("✓ Worker: Probe Success", zap.String("endpoint", ep), zap.Int64("latency_ms", probe.LatencyMs), zap.Int("queue", probe.QueueDepth))

		if appConfig.Prometheus.URL == "" {
			continue
		}
		if util, err := promClient.GetGPUUtilization(ctx, host(ep)); err != nil {
			log.Warn("! Prometheus: Query Failed (Expected if bad connection or no data)", zap.Error(err))
		} else {
			log.Info("✓ Prometheus: Query Success", zap.Float64("GPU", util))
		}
	}

	// 7. Test cloud provider
	log.Info("--- Testing Cloud Provider ---", zap.String("provider", appConfig.Cloud.Provider))
	if _, err := app.OpenProvider(ctx, appConfig.Cloud, log); err != nil {
		log.Error("X Cloud Provider: Init Failed", zap.Error(err))
	} else {
		log.Info("✓ Cloud Provider: Init Success")
	}

	// 8. Fallback
	fallback := hosted.New(hosted.Config{URL: appConfig.Fallback.URL, APIKey: appConfig.Fallback.APIKey}, log)
	if fallback.Available() {
		log.Info("✓ Fallback: configured", zap.String("url", appConfig.Fallback.URL))
	} else {
		log.Warn("! Fallback: not configured")
	}

	log.Info("Verification Complete.")
}

// host returns the exporter instance label for a worker endpoint
func host(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return endpoint
	}
	return u.Host
}
