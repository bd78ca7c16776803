package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type BackendKind string

const (
	BackendAuto     BackendKind = "auto"
	BackendLocal    BackendKind = "local"
	BackendCloud    BackendKind = "cloud"
	BackendFallback BackendKind = "fallback"
)

// Rank is the tie-break order: local is free and closest, the metered API is the last resort
func (b BackendKind) Rank() int {
	switch b {
	case BackendLocal:
		return 0
	case BackendCloud:
		return 1
	case BackendFallback:
		return 2
	default:
		return 3
	}
}

// Valid reports whether b names a concrete backend
func (b BackendKind) Valid() bool {
	return b == BackendLocal || b == BackendCloud || b == BackendFallback
}

// UserPreferences drive candidate filtering and ordering for one job
type UserPreferences struct {
	PreferredBackend   BackendKind `json:"preferred_backend" bson:"preferred_backend"`
	MaxCostPerJob      *float64    `json:"max_cost_per_job,omitempty" bson:"max_cost_per_job,omitempty"`
	PrioritizeSpeed    bool        `json:"prioritize_speed" bson:"prioritize_speed"`
	AllowCloudFallback bool        `json:"allow_cloud_fallback" bson:"allow_cloud_fallback"`
}

func DefaultPreferences() UserPreferences {
	return UserPreferences{
		PreferredBackend:   BackendAuto,
		AllowCloudFallback: true,
	}
}

// UnmarshalJSON decodes on top of DefaultPreferences so omitted fields keep their defaults
func (p *UserPreferences) UnmarshalJSON(data []byte) error {
	type plain UserPreferences
	v := plain(DefaultPreferences())
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = UserPreferences(v)
	return nil
}

// Normalize maps an empty preferred backend to auto and rejects values the selector cannot honour
func (p *UserPreferences) Normalize() error {
	if p.PreferredBackend == "" {
		p.PreferredBackend = BackendAuto
	}
	if p.PreferredBackend != BackendAuto && !p.PreferredBackend.Valid() {
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidJob, p.PreferredBackend)
	}
	if p.MaxCostPerJob != nil && *p.MaxCostPerJob < 0 {
		return fmt.Errorf("%w: max cost must not be negative", ErrInvalidJob)
	}
	return nil
}

// BackendSnapshot is computed on demand for scoring and never stored
type BackendSnapshot struct {
	Backend               BackendKind `json:"backend"`
	Available             bool        `json:"available"`
	Healthy               bool        `json:"healthy"`
	EstimatedCostPerJob   float64     `json:"estimated_cost_per_job"`
	EstimatedSpeedSeconds float64     `json:"estimated_speed_seconds"`
	CurrentQueueDepth     int         `json:"current_queue_depth"`
	LifetimeJobs          int64       `json:"lifetime_jobs"`
	LifetimeCost          float64     `json:"lifetime_cost"`
	LifetimeFailures      int64       `json:"lifetime_failures"`
}

// Candidate is one scored entry of the selector's ordered output
type Candidate struct {
	Backend        BackendKind `json:"backend"`
	EstimatedCost  float64     `json:"estimated_cost"`
	EstimatedSpeed float64     `json:"estimated_speed_seconds"`
	Score          float64     `json:"score"`
	Reason         string      `json:"reason"`
}

// Estimate is a cost/time projection for running jobCount jobs on one backend
type Estimate struct {
	Backend      BackendKind `json:"backend"`
	JobCount     int         `json:"job_count"`
	CostPerJob   float64     `json:"cost_per_job"`
	TotalCost    float64     `json:"total_cost"`
	AvgSeconds   float64     `json:"avg_seconds"`
	TotalSeconds float64     `json:"total_seconds"`
	Recommended  bool        `json:"recommended"`
}

// DispatchRequest is the shape sent to a local worker or a cloud pod
type DispatchRequest struct {
	JobID   string         `json:"job_id"`
	Kind    JobKind        `json:"kind"`
	Payload map[string]any `json:"payload"`
}

// ExecutionResult is what a successful backend execution yields
type ExecutionResult struct {
	Backend        BackendKind      `json:"backend"`
	Output         map[string]any   `json:"output"`
	Cost           float64          `json:"cost"`
	Duration       time.Duration    `json:"duration"`
	ExecutorID     string           `json:"executor_id,omitempty"` // worker or pod that ran it
	FailedAttempts []AttemptFailure `json:"failed_attempts,omitempty"`
}

// AttemptFailure records one failed candidate during a failover walk
type AttemptFailure struct {
	Backend BackendKind `json:"backend" bson:"backend"`
	Error   string      `json:"error" bson:"error"`
}
