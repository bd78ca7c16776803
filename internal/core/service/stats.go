package service

import (
	"context"
	"sync"
	"time"

	"github.com/crabzie/gpu-dispatcher/internal/core/domain"
	"github.com/crabzie/gpu-dispatcher/internal/core/port"
	"go.uber.org/zap"
)

const emaAlpha = 0.2 // smoothing factor for rolling execution time

// backendStats tracks lifetime totals, failures and a rolling execution time for one backend
type backendStats struct {
	mu         sync.Mutex
	jobs       int64
	cost       float64
	avgSeconds float64
	failures   int64
}

func newBackendStats(initialSeconds float64) *backendStats {
	return &backendStats{avgSeconds: initialSeconds}
}

func (s *backendStats) recordSuccess(d time.Duration, cost float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	secs := d.Seconds()
	if s.jobs == 0 && s.avgSeconds == 0 {
		s.avgSeconds = secs
	} else {
		s.avgSeconds = emaAlpha*secs + (1-emaAlpha)*s.avgSeconds
	}
	s.jobs++
	s.cost += cost
}

func (s *backendStats) recordFailure() {
	s.mu.Lock()
	s.failures++
	s.mu.Unlock()
}

func (s *backendStats) read() (jobs, failures int64, cost, avgSeconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs, s.failures, s.cost, s.avgSeconds
}

type nopMetrics struct{}

func (nopMetrics) JobFinished(domain.BackendKind, domain.JobState, time.Duration) {}
func (nopMetrics) JobRetried()                                                    {}
func (nopMetrics) Failover(domain.BackendKind)                                    {}
func (nopMetrics) QueueDepth(int, int)                                            {}
func (nopMetrics) WorkerHealth(int, int)                                          {}
func (nopMetrics) PodCount(domain.PodStatus, int)                                 {}
func (nopMetrics) CostAccrued(domain.BackendKind, float64)                        {}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, domain.Event) error { return nil }

// publishAsync hands an event to the publisher without blocking the caller
func publishAsync(pub port.EventPublisher, log *zap.Logger, evt domain.Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := pub.Publish(ctx, evt); err != nil {
			log.Debug("Event publish failed", zap.String("type", string(evt.Type)), zap.Error(err))
		}
	}()
}
