package domain

import "time"

type EventType string

const (
	EventJobQueued     EventType = "job.queued"
	EventJobActive     EventType = "job.active"
	EventJobProgress   EventType = "job.progress"
	EventJobRetry      EventType = "job.retry"
	EventJobCompleted  EventType = "job.completed"
	EventJobFailed     EventType = "job.failed"
	EventJobCancelled  EventType = "job.cancelled"
	EventFailover      EventType = "backend.failover"
	EventHealthChecked EventType = "health.checked"
	EventPodReady      EventType = "pod.ready"
	EventPodTerminated EventType = "pod.terminated"
	EventCostUpdated   EventType = "cost.updated"
)

// Event is published for observability; consumers must not rely on delivery
type Event struct {
	Type     EventType   `json:"type"`
	JobID    string      `json:"job_id,omitempty"`
	Backend  BackendKind `json:"backend,omitempty"`
	PodID    string      `json:"pod_id,omitempty"`
	State    JobState    `json:"state,omitempty"`
	Progress int         `json:"progress,omitempty"`
	Healthy  int         `json:"healthy,omitempty"`
	Total    int         `json:"total,omitempty"`
	Cost     float64     `json:"cost,omitempty"`
	Message  string      `json:"message,omitempty"`
	At       time.Time   `json:"at"`
}
