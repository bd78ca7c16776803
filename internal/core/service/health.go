package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// BackendHealthMonitor periodically refreshes the health of both pools
type BackendHealthMonitor struct {
	local    *LocalWorkerPool
	cloud    *CloudPoolManager
	interval time.Duration
	log      *zap.Logger
}

func NewBackendHealthMonitor(local *LocalWorkerPool, cloud *CloudPoolManager, interval time.Duration, log *zap.Logger) *BackendHealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &BackendHealthMonitor{
		local:    local,
		cloud:    cloud,
		interval: interval,
		log:      log,
	}
}

// Start runs the check loop until ctx is done
func (h *BackendHealthMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	count := 0
	for {
		select {
		case <-ctx.Done():
			h.log.Info("Stopping health monitor loop")
			return
		case <-ticker.C:
			count++
			healthy, total, pods := h.CheckOnce(ctx)
			if count%10 == 0 {
				h.log.Info("Health monitor heartbeat",
					zap.Int("healthy_workers", healthy),
					zap.Int("total_workers", total),
					zap.Int("active_pods", pods),
					zap.Duration("interval", h.interval))
			}
		}
	}
}

// CheckOnce runs a single round over local workers and ready pods
func (h *BackendHealthMonitor) CheckOnce(ctx context.Context) (healthy, total, pods int) {
	if h.local != nil {
		report := h.local.HealthCheck(ctx)
		healthy, total = report.Healthy, report.Total
		if report.Total > 0 && report.Healthy == 0 {
			h.log.Warn("No healthy local workers")
		}
	}
	if h.cloud != nil {
		h.cloud.ProbePods(ctx)
		pods = h.cloud.Stats().ActivePods
	}
	return healthy, total, pods
}
