// Package sqlite provides an embedded job repository for single-host deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/crabzie/gpu-dispatcher/internal/core/domain"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	state TEXT NOT NULL,
	priority INTEGER NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	data TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
`

// JobRepository keeps each job as a JSON document next to the columns it is filtered by
type JobRepository struct {
	db  *sql.DB
	qb  squirrel.StatementBuilderType
	log *zap.Logger
}

// New opens (or creates) the database file at path and initialises the schema
func New(path string, log *zap.Logger) (*JobRepository, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// writes are serialised by sqlite anyway
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &JobRepository{
		db:  db,
		qb:  squirrel.StatementBuilder.RunWith(db),
		log: log,
	}, nil
}

func (r *JobRepository) Close() error {
	return r.db.Close()
}

func (r *JobRepository) Save(ctx context.Context, job *domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = r.qb.Insert("jobs").
		Options("OR REPLACE").
		Columns("id", "kind", "state", "priority", "user_id", "created_at", "updated_at", "data").
		Values(job.ID, string(job.Kind), string(job.State), job.Priority, job.UserID, job.CreatedAt.UTC(), job.UpdatedAt.UTC(), string(data)).
		ExecContext(ctx)
	if err != nil {
		r.log.Error("Failed to save job", zap.String("job_id", job.ID), zap.Error(err))
	}
	return err
}

// UpdateStatus reads, patches and rewrites the document inside one transaction
func (r *JobRepository) UpdateStatus(ctx context.Context, id string, update domain.StatusUpdate) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	job, err := r.get(ctx, tx, id)
	if err != nil {
		return err
	}
	job.Apply(update)

	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = squirrel.Update("jobs").
		SetMap(map[string]any{
			"state":      string(job.State),
			"updated_at": job.UpdatedAt.UTC(),
			"data":       string(data),
		}).
		Where(squirrel.Eq{"id": id}).
		RunWith(tx).
		ExecContext(ctx)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	return r.get(ctx, r.db, id)
}

// ListByState returns jobs in the given state, most urgent first
func (r *JobRepository) ListByState(ctx context.Context, state domain.JobState) ([]*domain.Job, error) {
	rows, err := r.qb.Select("data").
		From("jobs").
		Where(squirrel.Eq{"state": string(state)}).
		OrderBy("priority ASC", "created_at ASC").
		QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var j domain.Job
		if err := json.Unmarshal([]byte(data), &j); err != nil {
			return nil, err
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

func (r *JobRepository) get(ctx context.Context, runner squirrel.BaseRunner, id string) (*domain.Job, error) {
	var data string
	err := squirrel.Select("data").
		From("jobs").
		Where(squirrel.Eq{"id": id}).
		RunWith(runner).
		QueryRowContext(ctx).
		Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	var job domain.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("decoding job %s: %w", id, err)
	}
	return &job, nil
}
