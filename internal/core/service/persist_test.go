package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/crabzie/gpu-dispatcher/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// blockingRepo holds every write until release is closed
type blockingRepo struct {
	*memRepo
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingRepo() *blockingRepo {
	return &blockingRepo{memRepo: newMemRepo(), entered: make(chan struct{}), release: make(chan struct{})}
}

func (r *blockingRepo) Save(ctx context.Context, job *domain.Job) error {
	r.once.Do(func() { close(r.entered) })
	<-r.release
	return r.memRepo.Save(ctx, job)
}

func (r *blockingRepo) UpdateStatus(ctx context.Context, id string, u domain.StatusUpdate) error {
	<-r.release
	return r.memRepo.UpdateStatus(ctx, id, u)
}

func TestPersister_FullBufferDropsOnlyProgress(t *testing.T) {
	repo := newBlockingRepo()
	p := newPersister(repo, nil, nil, zap.NewNop(), 1)
	p.blockFor = 2 * time.Second

	job := &domain.Job{ID: "j1", Kind: domain.JobKindImage, State: domain.JobStateQueued}
	p.saved(job, domain.EventJobQueued)
	select {
	case <-repo.entered:
	case <-time.After(eventually):
		t.Fatal("persister never picked up the save")
	}

	job.State = domain.JobStateActive
	job.Progress = 40
	p.transitioned(job, domain.EventJobProgress)

	// the buffer is full: a second progress tick is dropped without waiting
	job.Progress = 60
	start := time.Now()
	p.transitioned(job, domain.EventJobProgress)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		terminal := job.Clone()
		terminal.State = domain.JobStateCompleted
		terminal.Progress = 100
		p.transitioned(terminal, domain.EventJobCompleted)
	}()
	require.Never(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, tick)

	close(repo.release)
	<-done
	p.close()

	repo.mu.Lock()
	updates := append([]domain.StatusUpdate(nil), repo.updates["j1"]...)
	repo.mu.Unlock()
	require.Len(t, updates, 2)
	assert.Equal(t, 40, updates[0].Progress)
	assert.Equal(t, domain.JobStateCompleted, updates[1].State)
}

func TestPersister_TransitionGivesUpAfterBlockFor(t *testing.T) {
	repo := newBlockingRepo()
	p := newPersister(repo, nil, nil, zap.NewNop(), 1)
	p.blockFor = 20 * time.Millisecond
	t.Cleanup(func() {
		close(repo.release)
		p.close()
	})

	job := &domain.Job{ID: "j1", Kind: domain.JobKindImage, State: domain.JobStateQueued}
	p.saved(job, domain.EventJobQueued)
	<-repo.entered
	p.transitioned(job, domain.EventJobActive)

	job.State = domain.JobStateFailed
	start := time.Now()
	p.transitioned(job, domain.EventJobFailed)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}
