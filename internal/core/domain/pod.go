package domain

import "time"

type PodStatus string

const (
	PodStatusProvisioning PodStatus = "provisioning"
	PodStatusReady        PodStatus = "ready"
	PodStatusBusy         PodStatus = "busy"
	PodStatusTerminating  PodStatus = "terminating"
)

// CloudPod represents a rented cloud GPU instance
type CloudPod struct {
	ID                  string    `json:"id"`
	ProviderID          string    `json:"provider_id"`
	Status              PodStatus `json:"status"`
	Endpoint            string    `json:"endpoint,omitempty"`
	CostPerHour         float64   `json:"cost_per_hour"`
	CreatedAt           time.Time `json:"created_at"`
	LastActivityAt      time.Time `json:"last_activity_at"`
	JobsProcessed       int       `json:"jobs_processed"`
	AccruedCost         float64   `json:"accrued_cost"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// IdleFor returns how long the pod has gone without activity
func (p *CloudPod) IdleFor(now time.Time) time.Duration {
	last := p.LastActivityAt
	if last.IsZero() {
		last = p.CreatedAt
	}
	return now.Sub(last)
}

// CostFor converts a wall-clock duration into spend at the given hourly rate
func CostFor(elapsed time.Duration, costPerHour float64) float64 {
	if elapsed <= 0 {
		return 0
	}
	return elapsed.Hours() * costPerHour
}

// PodSpec is what the pool asks a provider to start
type PodSpec struct {
	Name        string            `json:"name"`
	GPUType     string            `json:"gpu_type"`
	Image       string            `json:"image"`
	Port        int               `json:"port"`
	Env         map[string]string `json:"env,omitempty"`
	CostPerHour float64           `json:"cost_per_hour"`
}

// PodHandle identifies a provider-side instance
type PodHandle struct {
	ID          string  `json:"id"`
	CostPerHour float64 `json:"cost_per_hour"`
}

type ProviderPhase string

const (
	ProviderPhasePending ProviderPhase = "pending"
	ProviderPhaseReady   ProviderPhase = "ready"
	ProviderPhaseError   ProviderPhase = "error"
)

// ProviderStatus is the provider's view of an instance
type ProviderStatus struct {
	Phase    ProviderPhase `json:"phase"`
	Endpoint string        `json:"endpoint,omitempty"`
	Message  string        `json:"message,omitempty"`
}

// PoolStats is the aggregate view the cloud pool exposes
type PoolStats struct {
	ActivePods         int                `json:"active_pods"`
	BusyPods           int                `json:"busy_pods"`
	ProvisioningPods   int                `json:"provisioning_pods"`
	TotalJobsProcessed int                `json:"total_jobs_processed"`
	TotalCost          float64            `json:"total_cost"`
	CostByPod          map[string]float64 `json:"cost_by_pod"`
	Pods               []CloudPod         `json:"pods"`
}

// PoolSettings are the cloud pool knobs an operator may change at runtime
type PoolSettings struct {
	MaxPods            int  `json:"max_pods"`
	ScaleThreshold     int  `json:"scale_threshold"`
	IdleTimeoutSeconds int  `json:"idle_timeout_seconds"`
	PreferServerless   bool `json:"prefer_serverless"`
}

// PoolSettingsUpdate carries only the fields to change
type PoolSettingsUpdate struct {
	MaxPods            *int  `json:"max_pods,omitempty"`
	ScaleThreshold     *int  `json:"scale_threshold,omitempty"`
	IdleTimeoutSeconds *int  `json:"idle_timeout_seconds,omitempty"`
	PreferServerless   *bool `json:"prefer_serverless,omitempty"`
}
