package service

import (
	"context"
	"fmt"
	"time"

	"github.com/crabzie/gpu-dispatcher/internal/core/domain"
	"github.com/crabzie/gpu-dispatcher/internal/core/port"
	"go.uber.org/zap"
)

type FallbackConfig struct {
	CostPerJob      float64
	AvgSpeedSeconds float64
}

// FallbackBackend is the metered external API used when nothing else can run a job
type FallbackBackend struct {
	cfg     FallbackConfig
	api     port.FallbackAPI
	metrics port.Metrics
	log     *zap.Logger
	now     func() time.Time
	stats   *backendStats
}

func NewFallbackBackend(cfg FallbackConfig, api port.FallbackAPI, metrics port.Metrics, log *zap.Logger) *FallbackBackend {
	if cfg.CostPerJob <= 0 {
		cfg.CostPerJob = 0.08
	}
	if cfg.AvgSpeedSeconds <= 0 {
		cfg.AvgSpeedSeconds = 5
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &FallbackBackend{
		cfg:     cfg,
		api:     api,
		metrics: metrics,
		log:     log,
		now:     time.Now,
		stats:   newBackendStats(cfg.AvgSpeedSeconds),
	}
}

func (f *FallbackBackend) Kind() domain.BackendKind { return domain.BackendFallback }

func (f *FallbackBackend) Execute(ctx context.Context, job *domain.Job, report port.ProgressFunc) (*domain.ExecutionResult, error) {
	if f.api == nil || !f.api.Available() {
		return nil, fmt.Errorf("fallback api: %w", domain.ErrBackendUnavailable)
	}

	start := f.now()
	output, err := f.api.Generate(ctx, domain.DispatchRequest{JobID: job.ID, Kind: job.Kind, Payload: job.Payload}, report)
	if err != nil {
		f.stats.recordFailure()
		return nil, err
	}

	elapsed := f.now().Sub(start)
	f.stats.recordSuccess(elapsed, f.cfg.CostPerJob)
	f.metrics.CostAccrued(domain.BackendFallback, f.cfg.CostPerJob)
	f.log.Info("Fallback generation complete", zap.String("job_id", job.ID), zap.Duration("elapsed", elapsed))

	return &domain.ExecutionResult{
		Backend:  domain.BackendFallback,
		Output:   output,
		Cost:     f.cfg.CostPerJob,
		Duration: elapsed,
	}, nil
}

func (f *FallbackBackend) Snapshot() domain.BackendSnapshot {
	available := f.api != nil && f.api.Available()
	jobs, failures, cost, avg := f.stats.read()
	return domain.BackendSnapshot{
		Backend:               domain.BackendFallback,
		Available:             available,
		Healthy:               available,
		EstimatedCostPerJob:   f.cfg.CostPerJob,
		EstimatedSpeedSeconds: avg,
		LifetimeJobs:          jobs,
		LifetimeCost:          cost,
		LifetimeFailures:      failures,
	}
}
