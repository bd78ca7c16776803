package domain

import (
	"time"
)

type JobKind string

const (
	JobKindImage JobKind = "image"
	JobKindVideo JobKind = "video"
)

// Valid reports whether k is one of the supported generation kinds
func (k JobKind) Valid() bool {
	return k == JobKindImage || k == JobKindVideo
}

type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// Terminal reports whether no further transition is possible from s
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed || s == JobStateCancelled
}

const (
	DefaultPriority = 5
	MinPriority     = 1
	MaxPriority     = 10
)

// Job represents a unit of generation work owned by the queue while in memory
type Job struct {
	ID             string           `json:"id" bson:"_id"`
	Kind           JobKind          `json:"kind" bson:"kind"`
	Priority       int              `json:"priority" bson:"priority"` // 1 (urgent) to 10 (background)
	Payload        map[string]any   `json:"payload" bson:"payload"`   // execution-graph parameters, opaque to the core
	UserID         string           `json:"user_id,omitempty" bson:"user_id,omitempty"`
	Preferences    UserPreferences  `json:"preferences" bson:"preferences"`
	State          JobState         `json:"state" bson:"state"`
	Attempts       int              `json:"attempts" bson:"attempts"`
	Progress       int              `json:"progress" bson:"progress"`
	Result         map[string]any   `json:"result,omitempty" bson:"result,omitempty"`
	FailureReason  string           `json:"failure_reason,omitempty" bson:"failure_reason,omitempty"`
	Backend        BackendKind      `json:"backend,omitempty" bson:"backend,omitempty"`
	Cost           float64          `json:"cost" bson:"cost"`
	FailedAttempts []AttemptFailure `json:"failed_attempts,omitempty" bson:"failed_attempts,omitempty"`
	CreatedAt      time.Time        `json:"created_at" bson:"created_at"`
	StartedAt      *time.Time       `json:"started_at,omitempty" bson:"started_at,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
	UpdatedAt      time.Time        `json:"updated_at" bson:"updated_at"`
}

// Clone returns a copy that shares no mutable slices with j. Payload and Result are
// treated as immutable once set and are shared.
func (j *Job) Clone() *Job {
	c := *j
	if j.FailedAttempts != nil {
		c.FailedAttempts = append([]AttemptFailure(nil), j.FailedAttempts...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Preferences.MaxCostPerJob != nil {
		v := *j.Preferences.MaxCostPerJob
		c.Preferences.MaxCostPerJob = &v
	}
	return &c
}

// Status projects the job into the caller-facing status view
func (j *Job) Status() JobStatus {
	return JobStatus{
		JobID:          j.ID,
		Kind:           j.Kind,
		State:          j.State,
		Priority:       j.Priority,
		Attempts:       j.Attempts,
		Progress:       j.Progress,
		Result:         j.Result,
		FailureReason:  j.FailureReason,
		Backend:        j.Backend,
		Cost:           j.Cost,
		FailedAttempts: append([]AttemptFailure(nil), j.FailedAttempts...),
		CreatedAt:      j.CreatedAt,
		StartedAt:      j.StartedAt,
		CompletedAt:    j.CompletedAt,
		UpdatedAt:      j.UpdatedAt,
	}
}

// Submission is what the route layer (or the AMQP inlet) hands to the queue
type Submission struct {
	ID          string           `json:"job_id,omitempty"`
	Kind        JobKind          `json:"kind"`
	Payload     map[string]any   `json:"payload"`
	Priority    int              `json:"priority,omitempty"`
	UserID      string           `json:"user_id,omitempty"`
	Preferences *UserPreferences `json:"preferences,omitempty"`
}

type EnqueueResult struct {
	JobID         string   `json:"job_id"`
	QueuePosition int      `json:"queue_position"`
	Status        JobState `json:"status"`
}

// JobStatus is the read model returned by status queries
type JobStatus struct {
	JobID          string           `json:"job_id"`
	Kind           JobKind          `json:"kind"`
	State          JobState         `json:"state"`
	Priority       int              `json:"priority"`
	Attempts       int              `json:"attempts"`
	Progress       int              `json:"progress"`
	Result         map[string]any   `json:"result,omitempty"`
	FailureReason  string           `json:"failure_reason,omitempty"`
	Backend        BackendKind      `json:"backend,omitempty"`
	Cost           float64          `json:"cost"`
	FailedAttempts []AttemptFailure `json:"failed_attempts,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// StatusUpdate carries the fields that changed alongside a state transition
type StatusUpdate struct {
	State          JobState
	Attempts       int
	Progress       int
	Result         map[string]any
	FailureReason  string
	Backend        BackendKind
	Cost           float64
	FailedAttempts []AttemptFailure
	StartedAt      *time.Time
	CompletedAt    *time.Time
	UpdatedAt      time.Time
}

// Update builds the StatusUpdate describing the job's current state
func (j *Job) Update() StatusUpdate {
	return StatusUpdate{
		State:          j.State,
		Attempts:       j.Attempts,
		Progress:       j.Progress,
		Result:         j.Result,
		FailureReason:  j.FailureReason,
		Backend:        j.Backend,
		Cost:           j.Cost,
		FailedAttempts: append([]AttemptFailure(nil), j.FailedAttempts...),
		StartedAt:      j.StartedAt,
		CompletedAt:    j.CompletedAt,
		UpdatedAt:      j.UpdatedAt,
	}
}

// QueueStats mirrors the counters the route layer exposes for the queue
type QueueStats struct {
	Waiting   int `json:"waiting"`
	Delayed   int `json:"delayed"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Total     int `json:"total"`
}

// Apply copies the fields carried by u onto j
func (j *Job) Apply(u StatusUpdate) {
	j.State = u.State
	j.Attempts = u.Attempts
	j.Progress = u.Progress
	j.Result = u.Result
	j.FailureReason = u.FailureReason
	j.Backend = u.Backend
	j.Cost = u.Cost
	j.FailedAttempts = append([]AttemptFailure(nil), u.FailedAttempts...)
	j.StartedAt = u.StartedAt
	j.CompletedAt = u.CompletedAt
	j.UpdatedAt = u.UpdatedAt
}
