package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crabzie/gpu-dispatcher/config/logger"
	config "github.com/crabzie/gpu-dispatcher/config/utils"
	"github.com/crabzie/gpu-dispatcher/internal/adapter/dispatch/comfyui"
	"github.com/crabzie/gpu-dispatcher/internal/adapter/fallback/hosted"
	handler "github.com/crabzie/gpu-dispatcher/internal/adapter/handler/http"
	"github.com/crabzie/gpu-dispatcher/internal/adapter/monitoring/prometheus"
	"github.com/crabzie/gpu-dispatcher/internal/app"
	"github.com/crabzie/gpu-dispatcher/internal/core/domain"
	"github.com/crabzie/gpu-dispatcher/internal/core/port"
	"github.com/crabzie/gpu-dispatcher/internal/core/service"
	"go.uber.org/zap"
)

// _shutdownPeriod is time to wait for in-flight jobs & requests before giving up
// _readinessDrainDelay is time to sleep while context shutdown message propagate
const (
	_shutdownPeriod      = 30 * time.Second
	_readinessDrainDelay = 2 * time.Second
)

func main() {
	rootCtx, rootCtxCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCtxCancel()

	// Init config
	appConfig := config.New()
	baseLogger := logger.Build(appConfig.Logger)
	zap.L().Debug("Logger Builded successfully")

	zap.L().Info("Starting the application", zap.String("app", appConfig.App.Name), zap.String("env", appConfig.App.Env), zap.String("owner", appConfig.App.Owner))

	// Init job store
	repo, closeStore, err := app.OpenJobStore(rootCtx, appConfig, logger.Component(baseLogger, "Store"))
	if err != nil {
		zap.L().Error("Error initializing job store", zap.String("driver", appConfig.Persistence.Driver), zap.Error(err))
		os.Exit(1)
	}
	defer closeStore(context.Background())
	zap.L().Info("Job store ready", zap.String("driver", appConfig.Persistence.Driver))

	// Init heartbeat store & status cache
	healthStore, statusCache, closeRedis, err := app.OpenRedis(rootCtx, appConfig.Redis, logger.Component(baseLogger, "Redis"))
	if err != nil {
		zap.L().Error("Error initializing cache connection", zap.Error(err))
		os.Exit(1)
	}
	defer closeRedis(context.Background())

	// Init event broker
	var publisher port.EventPublisher
	broker, err := app.OpenBroker(rootCtx, appConfig.RabbitMQ, logger.Component(baseLogger, "AMQP"))
	if err != nil {
		zap.L().Error("Error initializing RabbitMQ", zap.Error(err))
		os.Exit(1)
	}
	if broker != nil {
		defer broker.Close()
		publisher = broker
		zap.L().Info("Successfully connected to the broker", zap.String("exchange", appConfig.RabbitMQ.EventsExchange))
	}

	// Init metrics
	metrics := prometheus.NewMetrics()
	var gpu port.GPUMetrics
	if appConfig.Prometheus.URL != "" {
		gpu = prometheus.NewGPUMetrics(appConfig.Prometheus.URL, appConfig.Prometheus.GPUQuery, logger.Component(baseLogger, "Prometheus"))
	}

	// Init backends
	local := service.NewLocalWorkerPool(
		service.LocalPoolConfig{
			ProbeTimeout:     appConfig.Local.ProbeTimeout,
			FailureThreshold: appConfig.Local.FailureThreshold,
			CostPerJob:       appConfig.Local.CostPerJob,
			AvgSpeedSeconds:  appConfig.Local.AvgSpeedSeconds,
		},
		comfyui.New(comfyui.Config{
			Backend:      domain.BackendLocal,
			ProbeTimeout: appConfig.Local.ProbeTimeout,
			PushGrace:    appConfig.Local.PushGrace,
			PollInterval: appConfig.Local.PollInterval,
		}, logger.Component(baseLogger, "ComfyUI")),
		healthStore, gpu, publisher, metrics,
		logger.Component(baseLogger, "Local"),
	)

	provider, err := app.OpenProvider(rootCtx, appConfig.Cloud, logger.Component(baseLogger, "Provider"))
	if err != nil {
		zap.L().Error("Error initializing cloud provider", zap.String("provider", appConfig.Cloud.Provider), zap.Error(err))
		os.Exit(1)
	}
	serverless := app.Serverless(appConfig.Cloud, logger.Component(baseLogger, "Serverless"))

	cloud := service.NewCloudPoolManager(
		service.CloudPoolConfig{
			MaxPods:                 appConfig.Cloud.MaxPods,
			ScaleThreshold:          appConfig.Cloud.ScaleThreshold,
			IdleTimeout:             appConfig.Cloud.IdleTimeout,
			IdleCheckInterval:       appConfig.Cloud.IdleCheckInterval,
			AcquireTimeout:          appConfig.Cloud.AcquireTimeout,
			ReadyTimeout:            appConfig.Cloud.ReadyTimeout,
			ProvisionAttempts:       appConfig.Cloud.ProvisionAttempts,
			Pod:                     app.PodSpec(appConfig.Cloud),
			JobCostEstimate:         appConfig.Cloud.JobCostEstimate,
			AvgSpeedSeconds:         appConfig.Cloud.AvgSpeedSeconds,
			PreferServerless:        appConfig.Cloud.PreferServerless,
			ServerlessCostPerSecond: appConfig.Cloud.Serverless.CostPerSecond,
		},
		provider,
		comfyui.New(comfyui.Config{Backend: domain.BackendCloud}, logger.Component(baseLogger, "ComfyUI")),
		serverless, healthStore, publisher, metrics,
		logger.Component(baseLogger, "Cloud"),
	)

	fallback := service.NewFallbackBackend(
		service.FallbackConfig{
			CostPerJob:      appConfig.Fallback.CostPerJob,
			AvgSpeedSeconds: appConfig.Fallback.AvgSpeedSeconds,
		},
		hosted.New(hosted.Config{
			URL:          appConfig.Fallback.URL,
			APIKey:       appConfig.Fallback.APIKey,
			Model:        appConfig.Fallback.Model,
			PollInterval: appConfig.Fallback.PollInterval,
			Timeout:      appConfig.Fallback.Timeout,
		}, logger.Component(baseLogger, "Fallback")),
		metrics,
		logger.Component(baseLogger, "Fallback"),
	)

	orchestrator := service.NewOrchestrator(
		service.OrchestratorConfig{
			LocalEndpoints: appConfig.Local.Workers,
			HealthInterval: appConfig.Local.HealthInterval,
			AutoscaleSpec:  appConfig.Cloud.AutoscaleSchedule,
			RetentionSpec:  appConfig.Queue.RetentionSchedule,
			Retention:      appConfig.Queue.Retention,
		},
		service.QueueConfig{
			Concurrency:     appConfig.Queue.Concurrency,
			MaxAttempts:     appConfig.Queue.MaxAttempts,
			BackoffBase:     appConfig.Queue.BackoffBase,
			JobTimeout:      appConfig.Queue.JobTimeout,
			VideoJobTimeout: appConfig.Queue.VideoJobTimeout,
			PersistBuffer:   appConfig.Queue.PersistBuffer,
		},
		service.Dependencies{
			Local:     local,
			Cloud:     cloud,
			Fallback:  fallback,
			Selector:  service.NewBackendSelector(weights(appConfig.Selector.Balanced), weights(appConfig.Selector.Speed)),
			Repo:      repo,
			Cache:     statusCache,
			Publisher: publisher,
			Metrics:   metrics,
		},
		logger.Component(baseLogger, "Dispatcher"),
	)

	if err := orchestrator.Start(rootCtx); err != nil {
		zap.L().Error("Error starting dispatcher", zap.Error(err))
		os.Exit(1)
	}

	// Broker intake
	if broker != nil && appConfig.RabbitMQ.ConsumeEnabled {
		intake := service.NewIntakeService(broker, orchestrator, logger.Component(baseLogger, "Intake"))
		go func() {
			if err := intake.StartIntake(rootCtx); err != nil {
				zap.L().Error("Submission intake stopped", zap.Error(err))
			}
		}()
	}

	// HTTP server
	server := &http.Server{
		Addr:         appConfig.HTTP.Addr,
		Handler:      handler.NewRouter(orchestrator, metrics.Handler(), logger.Component(baseLogger, "HTTP")),
		ReadTimeout:  appConfig.HTTP.ReadTimeout,
		WriteTimeout: appConfig.HTTP.WriteTimeout,
	}
	go func() {
		zap.L().Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Error("HTTP server failed", zap.Error(err))
			rootCtxCancel()
		}
	}()

	// Wait for ctx cancelation
	<-rootCtx.Done()
	rootCtxCancel()

	// Wait for signal propagation
	time.Sleep(_readinessDrainDelay)
	zap.L().Info("Readiness check propagated, now waiting for ongoing requests to finish")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), _shutdownPeriod)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zap.L().Warn("HTTP server shutdown incomplete", zap.Error(err))
	}
	if err := orchestrator.Stop(shutdownCtx); err != nil {
		zap.L().Warn("Dispatcher shutdown incomplete", zap.Error(err))
	}

	zap.L().Info("Graceful shutdown complete.")
}

func weights(w config.Weights) service.SelectorWeights {
	return service.SelectorWeights{
		Cost:        w.Cost,
		Speed:       w.Speed,
		Queue:       w.Queue,
		HealthBonus: w.HealthBonus,
	}
}
