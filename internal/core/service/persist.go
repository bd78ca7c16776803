package service

import (
	"context"
	"sync"
	"time"

	"github.com/crabzie/gpu-dispatcher/internal/core/domain"
	"github.com/crabzie/gpu-dispatcher/internal/core/port"
	"go.uber.org/zap"
)

type persistOp struct {
	save   *domain.Job
	id     string
	update domain.StatusUpdate
	status domain.JobStatus
	event  domain.Event
}

// persister serialises writes to the job store so updates for a job land in order.
// Failures are logged and never reach the queue.
type persister struct {
	repo      port.JobRepository
	cache     port.StatusCache
	publisher port.EventPublisher
	log       *zap.Logger
	timeout   time.Duration
	// how long a state transition waits for buffer room; progress ticks never wait
	blockFor time.Duration

	mu     sync.RWMutex
	closed bool
	ops    chan persistOp
	done   chan struct{}
}

func newPersister(repo port.JobRepository, cache port.StatusCache, pub port.EventPublisher, log *zap.Logger, buffer int) *persister {
	if buffer <= 0 {
		buffer = 1024
	}
	if pub == nil {
		pub = nopPublisher{}
	}
	p := &persister{
		repo:      repo,
		cache:     cache,
		publisher: pub,
		log:       log,
		timeout:   5 * time.Second,
		blockFor:  5 * time.Second,
		ops:       make(chan persistOp, buffer),
		done:      make(chan struct{}),
	}
	go p.loop()
	return p
}

func (p *persister) loop() {
	defer close(p.done)
	for op := range p.ops {
		p.apply(op)
	}
}

func (p *persister) apply(op persistOp) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if p.repo != nil {
		var err error
		if op.save != nil {
			err = p.repo.Save(ctx, op.save)
		} else {
			err = p.repo.UpdateStatus(ctx, op.id, op.update)
		}
		if err != nil {
			p.log.Warn("Job persistence failed", zap.String("job_id", op.status.JobID), zap.Error(err))
		}
	}
	if p.cache != nil {
		if err := p.cache.Put(ctx, op.status); err != nil {
			p.log.Debug("Status cache write failed", zap.String("job_id", op.status.JobID), zap.Error(err))
		}
	}
	if op.event.Type != "" {
		if err := p.publisher.Publish(ctx, op.event); err != nil {
			p.log.Debug("Event publish failed", zap.String("type", string(op.event.Type)), zap.Error(err))
		}
	}
}

func (p *persister) enqueue(op persistOp) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.ops <- op:
		return
	default:
	}
	if op.event.Type == domain.EventJobProgress {
		p.log.Debug("Persistence buffer full, dropping progress update", zap.String("job_id", op.status.JobID))
		return
	}

	timer := time.NewTimer(p.blockFor)
	defer timer.Stop()
	select {
	case p.ops <- op:
	case <-timer.C:
		p.log.Error("Persistence buffer full, dropping update",
			zap.String("job_id", op.status.JobID),
			zap.String("event", string(op.event.Type)))
	}
}

// saved records a freshly enqueued job
func (p *persister) saved(job *domain.Job, evt domain.EventType) {
	c := job.Clone()
	p.enqueue(persistOp{save: c, status: c.Status(), event: jobEvent(c, evt)})
}

// transitioned records a state or progress change
func (p *persister) transitioned(job *domain.Job, evt domain.EventType) {
	p.enqueue(persistOp{id: job.ID, update: job.Update(), status: job.Status(), event: jobEvent(job, evt)})
}

func (p *persister) close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.ops)
	}
	p.mu.Unlock()
	<-p.done
}

func jobEvent(job *domain.Job, t domain.EventType) domain.Event {
	return domain.Event{
		Type:     t,
		JobID:    job.ID,
		Backend:  job.Backend,
		State:    job.State,
		Progress: job.Progress,
		Cost:     job.Cost,
		Message:  job.FailureReason,
		At:       job.UpdatedAt,
	}
}
