// Package mongo provides the MongoDB job repository.
package mongo

import (
	"context"
	"errors"
	"fmt"

	"github.com/crabzie/gpu-dispatcher/internal/core/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

type JobRepository struct {
	jobs *mongo.Collection
	log  *zap.Logger
}

func NewJobRepository(jobs *mongo.Collection, log *zap.Logger) *JobRepository {
	return &JobRepository{jobs: jobs, log: log}
}

// EnsureIndexes creates the state and user lookups used by operators
func (r *JobRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.jobs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "state", Value: 1}, {Key: "priority", Value: 1}}},
		{Keys: bson.D{{Key: "user_id", Value: 1}}},
	})
	return err
}

// Save upserts the whole document
func (r *JobRepository) Save(ctx context.Context, job *domain.Job) error {
	_, err := r.jobs.ReplaceOne(ctx, bson.M{"_id": job.ID}, job, options.Replace().SetUpsert(true))
	if err != nil {
		r.log.Error("Failed to save job", zap.String("job_id", job.ID), zap.Error(err))
	}
	return err
}

func (r *JobRepository) UpdateStatus(ctx context.Context, id string, update domain.StatusUpdate) error {
	set := bson.M{
		"state":      update.State,
		"attempts":   update.Attempts,
		"progress":   update.Progress,
		"cost":       update.Cost,
		"updated_at": update.UpdatedAt,
	}
	if update.Result != nil {
		set["result"] = update.Result
	}
	if update.FailureReason != "" {
		set["failure_reason"] = update.FailureReason
	}
	if update.Backend != "" {
		set["backend"] = update.Backend
	}
	if len(update.FailedAttempts) > 0 {
		set["failed_attempts"] = update.FailedAttempts
	}
	if update.StartedAt != nil {
		set["started_at"] = update.StartedAt
	}
	if update.CompletedAt != nil {
		set["completed_at"] = update.CompletedAt
	}

	res, err := r.jobs.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	var job domain.Job
	err := r.jobs.FindOne(ctx, bson.M{"_id": id}).Decode(&job)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListByState returns jobs in the given state, most urgent first
func (r *JobRepository) ListByState(ctx context.Context, state domain.JobState) ([]*domain.Job, error) {
	opts := options.Find().SetSort(bson.D{{Key: "priority", Value: 1}, {Key: "created_at", Value: 1}})
	cur, err := r.jobs.Find(ctx, bson.M{"state": state}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var jobs []*domain.Job
	if err := cur.All(ctx, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}
