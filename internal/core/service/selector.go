package service

import (
	"fmt"
	"math"
	"sort"

	"github.com/crabzie/gpu-dispatcher/internal/core/domain"
)

// SelectorWeights are the score coefficients; lower scores win
type SelectorWeights struct {
	Cost        float64 `mapstructure:"cost"`
	Speed       float64 `mapstructure:"speed"`
	Queue       float64 `mapstructure:"queue"`
	HealthBonus float64 `mapstructure:"healthBonus"`
}

var (
	DefaultWeights = SelectorWeights{Cost: 0.5, Speed: 0.3, Queue: 0.2, HealthBonus: 0.1}
	SpeedWeights   = SelectorWeights{Cost: 0.2, Speed: 0.6, Queue: 0.2, HealthBonus: 0.1}
)

// BackendSelector ranks backends for one job. It holds no state besides its weights.
type BackendSelector struct {
	balanced SelectorWeights
	speed    SelectorWeights
}

func NewBackendSelector(balanced, speed SelectorWeights) *BackendSelector {
	if balanced == (SelectorWeights{}) {
		balanced = DefaultWeights
	}
	if speed == (SelectorWeights{}) {
		speed = SpeedWeights
	}
	return &BackendSelector{balanced: balanced, speed: speed}
}

// Select filters and scores snapshots into an ordered candidate list. The output is a pure
// function of its inputs; an empty list means nothing can run the job.
func (s *BackendSelector) Select(job *domain.Job, prefs domain.UserPreferences, snapshots []domain.BackendSnapshot) []domain.Candidate {
	pool := make([]domain.BackendSnapshot, 0, len(snapshots))
	for _, snap := range snapshots {
		if !snap.Available {
			continue
		}
		if snap.Backend == domain.BackendCloud && !prefs.AllowCloudFallback {
			continue
		}
		pool = append(pool, snap)
	}
	if len(pool) == 0 {
		return nil
	}

	if prefs.MaxCostPerJob != nil {
		limit := *prefs.MaxCostPerJob
		within := make([]domain.BackendSnapshot, 0, len(pool))
		for _, snap := range pool {
			// an explicit preference is exempt from the ceiling
			if snap.EstimatedCostPerJob <= limit || snap.Backend == prefs.PreferredBackend {
				within = append(within, snap)
			}
		}
		if len(within) == 0 {
			within = append(within, cheapest(pool))
		}
		pool = within
	}

	w := s.balanced
	mode := "balanced"
	if prefs.PrioritizeSpeed {
		w = s.speed
		mode = "speed"
	}

	costN := normalizer(pool, func(b domain.BackendSnapshot) float64 { return b.EstimatedCostPerJob })
	speedN := normalizer(pool, func(b domain.BackendSnapshot) float64 { return b.EstimatedSpeedSeconds })
	queueN := normalizer(pool, func(b domain.BackendSnapshot) float64 { return float64(b.CurrentQueueDepth) })

	candidates := make([]domain.Candidate, 0, len(pool))
	for _, snap := range pool {
		score := w.Cost*costN(snap.EstimatedCostPerJob) +
			w.Speed*speedN(snap.EstimatedSpeedSeconds) +
			w.Queue*queueN(float64(snap.CurrentQueueDepth))
		if snap.Healthy {
			score -= w.HealthBonus
		}
		candidates = append(candidates, domain.Candidate{
			Backend:        snap.Backend,
			EstimatedCost:  snap.EstimatedCostPerJob,
			EstimatedSpeed: snap.EstimatedSpeedSeconds,
			Score:          round4(score),
			Reason: fmt.Sprintf("%s: $%.4f/job, ~%.1fs, queue %d",
				mode, snap.EstimatedCostPerJob, snap.EstimatedSpeedSeconds, snap.CurrentQueueDepth),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score < candidates[j].Score
		}
		return candidates[i].Backend.Rank() < candidates[j].Backend.Rank()
	})

	if prefs.PreferredBackend.Valid() {
		for i, c := range candidates {
			if c.Backend == prefs.PreferredBackend {
				if i > 0 {
					c.Reason = "preferred backend; " + c.Reason
					copy(candidates[1:i+1], candidates[:i])
					candidates[0] = c
				}
				break
			}
		}
	}
	return candidates
}

// Estimate projects cost and time for jobCount jobs on every available backend
func (s *BackendSelector) Estimate(jobCount int, snapshots []domain.BackendSnapshot) []domain.Estimate {
	if jobCount <= 0 {
		jobCount = 1
	}
	out := make([]domain.Estimate, 0, len(snapshots))
	for _, snap := range snapshots {
		if !snap.Available {
			continue
		}
		out = append(out, domain.Estimate{
			Backend:      snap.Backend,
			JobCount:     jobCount,
			CostPerJob:   snap.EstimatedCostPerJob,
			TotalCost:    round4(snap.EstimatedCostPerJob * float64(jobCount)),
			AvgSeconds:   snap.EstimatedSpeedSeconds,
			TotalSeconds: snap.EstimatedSpeedSeconds * float64(jobCount),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Backend.Rank() < out[j].Backend.Rank() })
	return out
}

// Recommend orders the estimates by total cost, or by total time when speed matters more,
// and flags the winner
func (s *BackendSelector) Recommend(jobCount int, prioritizeSpeed bool, snapshots []domain.BackendSnapshot) []domain.Estimate {
	est := s.Estimate(jobCount, snapshots)
	sort.SliceStable(est, func(i, j int) bool {
		if prioritizeSpeed {
			if est[i].TotalSeconds != est[j].TotalSeconds {
				return est[i].TotalSeconds < est[j].TotalSeconds
			}
		} else if est[i].TotalCost != est[j].TotalCost {
			return est[i].TotalCost < est[j].TotalCost
		}
		return est[i].Backend.Rank() < est[j].Backend.Rank()
	})
	if len(est) > 0 {
		est[0].Recommended = true
	}
	return est
}

func cheapest(pool []domain.BackendSnapshot) domain.BackendSnapshot {
	best := pool[0]
	for _, snap := range pool[1:] {
		if snap.EstimatedCostPerJob < best.EstimatedCostPerJob ||
			(snap.EstimatedCostPerJob == best.EstimatedCostPerJob && snap.Backend.Rank() < best.Backend.Rank()) {
			best = snap
		}
	}
	return best
}

// normalizer returns a min-max scaler over the pool; a flat dimension scales to 0
func normalizer(pool []domain.BackendSnapshot, field func(domain.BackendSnapshot) float64) func(float64) float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, snap := range pool {
		v := field(snap)
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	span := hi - lo
	return func(v float64) float64 {
		if span <= 0 {
			return 0
		}
		return (v - lo) / span
	}
}

// round4 keeps scores stable across float noise so ties resolve by rank
func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
