package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/crabzie/gpu-dispatcher/internal/core/domain"
	"github.com/crabzie/gpu-dispatcher/internal/core/port"
	"go.uber.org/zap"
)

// Submitter accepts jobs; the orchestrator is the production implementation
type Submitter interface {
	Submit(ctx context.Context, sub domain.Submission) (domain.EnqueueResult, error)
}

// IntakeService feeds broker submissions into the dispatcher
type IntakeService struct {
	source    port.SubmissionSource
	submitter Submitter
	log       *zap.Logger
}

// NewIntakeService builds an intake over source
func NewIntakeService(source port.SubmissionSource, submitter Submitter, log *zap.Logger) *IntakeService {
	return &IntakeService{
		source:    source,
		submitter: submitter,
		log:       log,
	}
}

// StartIntake consumes until ctx is done or the source fails
func (i *IntakeService) StartIntake(ctx context.Context) error {
	i.log.Info("Starting submission intake")

	err := i.source.ConsumeSubmissions(ctx, func(sub domain.Submission) error {
		return i.accept(ctx, sub)
	})
	if err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}
	return nil
}

// accept returns nil for rejected submissions so the broker drops them instead of redelivering
func (i *IntakeService) accept(ctx context.Context, sub domain.Submission) error {
	res, err := i.submitter.Submit(ctx, sub)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidJob) {
			i.log.Warn("Rejected submission", zap.String("job_id", sub.ID), zap.Error(err))
			return nil
		}
		return err
	}

	i.log.Info("Submission accepted",
		zap.String("job_id", res.JobID),
		zap.Int("position", res.QueuePosition))
	return nil
}
