package service

import (
	"context"
	"errors"
	"testing"

	"github.com/crabzie/gpu-dispatcher/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type sliceSource struct {
	subs    []domain.Submission
	results []error
}

func (s *sliceSource) ConsumeSubmissions(_ context.Context, handler func(domain.Submission) error) error {
	for _, sub := range s.subs {
		s.results = append(s.results, handler(sub))
	}
	return nil
}

type flakySubmitter struct {
	q   *JobQueue
	err error
}

func (f *flakySubmitter) Submit(ctx context.Context, sub domain.Submission) (domain.EnqueueResult, error) {
	if f.err != nil {
		return domain.EnqueueResult{}, f.err
	}
	return f.q.Enqueue(ctx, sub)
}

func TestIntake_AcceptsAndDropsInvalid(t *testing.T) {
	q := newTestQueue(t, QueueConfig{}, okExecutor(), nil)
	src := &sliceSource{subs: []domain.Submission{imageJob("ok", 3), {ID: "bad", Kind: "audio"}}}

	intake := NewIntakeService(src, &flakySubmitter{q: q}, zap.NewNop())
	require.NoError(t, intake.StartIntake(context.Background()))

	assert.Equal(t, []error{nil, nil}, src.results)
	assert.Equal(t, 1, q.Depth())
}

func TestIntake_TransientErrorsAreReturned(t *testing.T) {
	src := &sliceSource{subs: []domain.Submission{imageJob("ok", 3)}}
	boom := errors.New("queue unavailable")

	intake := NewIntakeService(src, &flakySubmitter{err: boom}, zap.NewNop())
	require.NoError(t, intake.StartIntake(context.Background()))

	require.Len(t, src.results, 1)
	assert.ErrorIs(t, src.results[0], boom)
}
