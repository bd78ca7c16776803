package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crabzie/gpu-dispatcher/internal/core/domain"
	"github.com/crabzie/gpu-dispatcher/internal/core/port"
)

const (
	eventually = 2 * time.Second
	tick       = 5 * time.Millisecond
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeGenClient answers probes per endpoint and runs generate through an optional hook
type fakeGenClient struct {
	mu       sync.Mutex
	down     map[string]bool
	generate func(ctx context.Context, endpoint string, req domain.DispatchRequest, report port.ProgressFunc) (map[string]any, error)
	probes   atomic.Int64
}

func newFakeGenClient() *fakeGenClient {
	return &fakeGenClient{down: make(map[string]bool)}
}

func (c *fakeGenClient) setDown(endpoint string, down bool) {
	c.mu.Lock()
	c.down[endpoint] = down
	c.mu.Unlock()
}

func (c *fakeGenClient) Probe(_ context.Context, endpoint string) (domain.ProbeResult, error) {
	c.probes.Add(1)
	c.mu.Lock()
	down := c.down[endpoint]
	c.mu.Unlock()
	if down {
		return domain.ProbeResult{}, fmt.Errorf("dial %s: connection refused", endpoint)
	}
	return domain.ProbeResult{LatencyMs: 12, QueueDepth: 1, Devices: []string{"cuda:0"}}, nil
}

func (c *fakeGenClient) Generate(ctx context.Context, endpoint string, req domain.DispatchRequest, report port.ProgressFunc) (map[string]any, error) {
	if c.generate != nil {
		return c.generate(ctx, endpoint, req, report)
	}
	report(100)
	return map[string]any{"endpoint": endpoint, "job_id": req.JobID}, nil
}

// fakeProvider hands out sequential pod handles that are ready on the first status query
type fakeProvider struct {
	mu           sync.Mutex
	provisioned  int
	terminated   []string
	provisionErr error
	terminateErr error
	phase        domain.ProviderPhase
	delay        time.Duration
}

func (p *fakeProvider) Provision(ctx context.Context, spec domain.PodSpec) (domain.PodHandle, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return domain.PodHandle{}, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.provisionErr != nil {
		return domain.PodHandle{}, p.provisionErr
	}
	p.provisioned++
	return domain.PodHandle{ID: fmt.Sprintf("rp-%d", p.provisioned), CostPerHour: spec.CostPerHour}, nil
}

func (p *fakeProvider) Status(_ context.Context, h domain.PodHandle) (domain.ProviderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	phase := p.phase
	if phase == "" {
		phase = domain.ProviderPhaseReady
	}
	return domain.ProviderStatus{Phase: phase, Endpoint: "http://" + h.ID + ":8188", Message: "boom"}, nil
}

func (p *fakeProvider) Terminate(_ context.Context, h domain.PodHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminateErr != nil {
		return p.terminateErr
	}
	p.terminated = append(p.terminated, h.ID)
	return nil
}

func (p *fakeProvider) provisionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.provisioned
}

func (p *fakeProvider) terminatedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.terminated...)
}

type fakeServerless struct {
	enabled bool
	err     error
	calls   atomic.Int64
	onCall  func()
}

func (s *fakeServerless) Enabled() bool { return s.enabled }

func (s *fakeServerless) Invoke(_ context.Context, req domain.DispatchRequest, report port.ProgressFunc) (map[string]any, error) {
	s.calls.Add(1)
	if s.onCall != nil {
		s.onCall()
	}
	if s.err != nil {
		return nil, s.err
	}
	report(100)
	return map[string]any{"serverless": true, "job_id": req.JobID}, nil
}

type fakeFallbackAPI struct {
	available bool
	err       error
	calls     atomic.Int64
}

func (f *fakeFallbackAPI) Available() bool { return f.available }

func (f *fakeFallbackAPI) Generate(_ context.Context, req domain.DispatchRequest, report port.ProgressFunc) (map[string]any, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	report(100)
	return map[string]any{"fallback": true, "job_id": req.JobID}, nil
}

// stubBackend is a port.Backend driven entirely by the test
type stubBackend struct {
	kind     domain.BackendKind
	err      error
	progress []int
	calls    atomic.Int64
	snapshot domain.BackendSnapshot
}

func (b *stubBackend) Kind() domain.BackendKind { return b.kind }

func (b *stubBackend) Execute(ctx context.Context, job *domain.Job, report port.ProgressFunc) (*domain.ExecutionResult, error) {
	b.calls.Add(1)
	for _, p := range b.progress {
		report(p)
	}
	if b.err != nil {
		return nil, b.err
	}
	return &domain.ExecutionResult{Output: map[string]any{"by": string(b.kind)}, Cost: 0.01}, nil
}

func (b *stubBackend) Snapshot() domain.BackendSnapshot { return b.snapshot }

// memRepo records every write the queue hands to the persistence collaborator
type memRepo struct {
	mu      sync.Mutex
	saved   map[string]*domain.Job
	updates map[string][]domain.StatusUpdate
	fail    bool
}

func newMemRepo() *memRepo {
	return &memRepo{saved: make(map[string]*domain.Job), updates: make(map[string][]domain.StatusUpdate)}
}

func (r *memRepo) Save(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("db down")
	}
	r.saved[job.ID] = job
	return nil
}

func (r *memRepo) UpdateStatus(_ context.Context, id string, u domain.StatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("db down")
	}
	r.updates[id] = append(r.updates[id], u)
	return nil
}

func (r *memRepo) GetByID(_ context.Context, id string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.saved[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return job, nil
}

func (r *memRepo) lastState(id string) domain.JobState {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.updates[id]
	if len(u) == 0 {
		return ""
	}
	return u[len(u)-1].State
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e domain.Event) error {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) count(t domain.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == t {
			n++
		}
	}
	return n
}
