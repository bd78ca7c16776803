package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/crabzie/gpu-dispatcher/internal/core/domain"
	"github.com/crabzie/gpu-dispatcher/internal/core/port"
	"go.uber.org/zap"
)

const (
	defaultHeadMargin = 5
	defaultTailMargin = 5
)

// FailoverExecutor walks an ordered candidate list until one backend succeeds
type FailoverExecutor struct {
	backends   map[domain.BackendKind]port.Backend
	publisher  port.EventPublisher
	metrics    port.Metrics
	log        *zap.Logger
	headMargin int
	tailMargin int
}

func NewFailoverExecutor(backends []port.Backend, publisher port.EventPublisher, metrics port.Metrics, log *zap.Logger) *FailoverExecutor {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	byKind := make(map[domain.BackendKind]port.Backend, len(backends))
	for _, b := range backends {
		if b != nil {
			byKind[b.Kind()] = b
		}
	}
	return &FailoverExecutor{
		backends:   byKind,
		publisher:  publisher,
		metrics:    metrics,
		log:        log,
		headMargin: defaultHeadMargin,
		tailMargin: defaultTailMargin,
	}
}

// Execute tries candidates strictly in order. Progress from the running backend is rescaled
// into [head, 100-tail] and written to progress, which may be nil.
func (f *FailoverExecutor) Execute(ctx context.Context, job *domain.Job, candidates []domain.Candidate, progress chan<- int) (*domain.ExecutionResult, error) {
	var (
		failures []domain.AttemptFailure
		lastErr  error
		failed   = make(map[domain.BackendKind]bool, len(candidates))
	)

	for _, cand := range candidates {
		if failed[cand.Backend] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, f.stopped(err, lastErr)
		}

		backend, ok := f.backends[cand.Backend]
		if !ok {
			err := fmt.Errorf("%s: %w", cand.Backend, domain.ErrBackendUnavailable)
			failed[cand.Backend] = true
			failures = append(failures, domain.AttemptFailure{Backend: cand.Backend, Error: err.Error()})
			lastErr = err
			continue
		}

		f.log.Info("Executing job",
			zap.String("job_id", job.ID),
			zap.String("backend", string(cand.Backend)),
			zap.Float64("score", cand.Score))

		result, err := backend.Execute(ctx, job, f.reporter(ctx, progress))
		if err == nil {
			result.Backend = cand.Backend
			result.FailedAttempts = failures
			if len(failures) > 0 {
				f.metrics.Failover(cand.Backend)
				publishAsync(f.publisher, f.log, domain.Event{
					Type:    domain.EventFailover,
					JobID:   job.ID,
					Backend: cand.Backend,
					Message: fmt.Sprintf("succeeded after %d failed backend(s)", len(failures)),
				})
			}
			return result, nil
		}

		if ctx.Err() != nil {
			return nil, f.stopped(ctx.Err(), err)
		}

		f.log.Warn("Backend failed, trying next candidate",
			zap.String("job_id", job.ID),
			zap.String("backend", string(cand.Backend)),
			zap.Error(err))
		failed[cand.Backend] = true
		failures = append(failures, domain.AttemptFailure{Backend: cand.Backend, Error: err.Error()})
		lastErr = err
	}

	if lastErr == nil {
		lastErr = domain.ErrNoHealthyWorkers
	}
	f.log.Error("All backends failed", zap.String("job_id", job.ID), zap.Int("attempted", len(failures)), zap.Error(lastErr))
	return nil, &domain.ExhaustedError{Failures: failures, Last: lastErr}
}

func (f *FailoverExecutor) stopped(ctxErr, last error) error {
	if last != nil && !errors.Is(last, ctxErr) {
		return fmt.Errorf("%w (last backend error: %v)", ctxErr, last)
	}
	return ctxErr
}

// reporter scales backend-native progress into the executor's window
func (f *FailoverExecutor) reporter(ctx context.Context, progress chan<- int) port.ProgressFunc {
	if progress == nil {
		return func(int) {}
	}
	span := 100 - f.headMargin - f.tailMargin
	return func(p int) {
		p = min(max(p, 0), 100)
		select {
		case progress <- f.headMargin + p*span/100:
		case <-ctx.Done():
		}
	}
}
