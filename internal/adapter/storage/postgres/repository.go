// Package postgres provides the PostgreSQL job repository.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/crabzie/gpu-dispatcher/internal/core/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const jobsTable = "jobs"

var jobColumns = []string{
	"id", "kind", "priority", "payload", "user_id", "preferences", "state", "attempts",
	"progress", "result", "failure_reason", "backend", "cost", "failed_attempts",
	"created_at", "started_at", "completed_at", "updated_at",
}

type JobRepository struct {
	db  *pgxpool.Pool
	qb  squirrel.StatementBuilderType
	log *zap.Logger
}

// NewJobRepository creates a new postgres repository
func NewJobRepository(db *pgxpool.Pool, qb *squirrel.StatementBuilderType, log *zap.Logger) *JobRepository {
	builder := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
	if qb != nil {
		builder = *qb
	}
	return &JobRepository{
		db:  db,
		qb:  builder,
		log: log,
	}
}

// Save upserts the full job row
func (r *JobRepository) Save(ctx context.Context, job *domain.Job) error {
	query, args, err := r.qb.Insert(jobsTable).
		Columns(jobColumns...).
		Values(
			job.ID, job.Kind, job.Priority, job.Payload, job.UserID, job.Preferences, job.State, job.Attempts,
			job.Progress, job.Result, job.FailureReason, job.Backend, job.Cost, attemptsOrEmpty(job.FailedAttempts),
			job.CreatedAt, job.StartedAt, job.CompletedAt, job.UpdatedAt,
		).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state, attempts = EXCLUDED.attempts, progress = EXCLUDED.progress,
			result = EXCLUDED.result, failure_reason = EXCLUDED.failure_reason, backend = EXCLUDED.backend,
			cost = EXCLUDED.cost, failed_attempts = EXCLUDED.failed_attempts, started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at, updated_at = EXCLUDED.updated_at`).
		ToSql()
	if err != nil {
		return err
	}

	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		r.log.Error("Failed to save job", zap.String("job_id", job.ID), zap.Error(err))
		return err
	}
	return nil
}

// UpdateStatus writes a state transition and the fields that travel with it
func (r *JobRepository) UpdateStatus(ctx context.Context, id string, update domain.StatusUpdate) error {
	query, args, err := r.qb.Update(jobsTable).
		SetMap(map[string]any{
			"state":           update.State,
			"attempts":        update.Attempts,
			"progress":        update.Progress,
			"result":          update.Result,
			"failure_reason":  update.FailureReason,
			"backend":         update.Backend,
			"cost":            update.Cost,
			"failed_attempts": attemptsOrEmpty(update.FailedAttempts),
			"started_at":      update.StartedAt,
			"completed_at":    update.CompletedAt,
			"updated_at":      update.UpdatedAt,
		}).
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return err
	}

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	query, args, err := r.qb.Select(jobColumns...).
		From(jobsTable).
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, err
	}

	var job domain.Job
	err = r.db.QueryRow(ctx, query, args...).Scan(
		&job.ID, &job.Kind, &job.Priority, &job.Payload, &job.UserID, &job.Preferences, &job.State, &job.Attempts,
		&job.Progress, &job.Result, &job.FailureReason, &job.Backend, &job.Cost, &job.FailedAttempts,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListByState returns jobs in the given state, most urgent first
func (r *JobRepository) ListByState(ctx context.Context, state domain.JobState) ([]*domain.Job, error) {
	query, args, err := r.qb.Select(jobColumns...).
		From(jobsTable).
		Where(squirrel.Eq{"state": state}).
		OrderBy("priority ASC", "created_at ASC").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		var j domain.Job
		if err := rows.Scan(
			&j.ID, &j.Kind, &j.Priority, &j.Payload, &j.UserID, &j.Preferences, &j.State, &j.Attempts,
			&j.Progress, &j.Result, &j.FailureReason, &j.Backend, &j.Cost, &j.FailedAttempts,
			&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.UpdatedAt,
		); err != nil {
			return nil, err
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

func attemptsOrEmpty(in []domain.AttemptFailure) []domain.AttemptFailure {
	if in == nil {
		return []domain.AttemptFailure{}
	}
	return in
}
