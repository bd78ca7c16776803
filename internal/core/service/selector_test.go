package service

import (
	"testing"

	"github.com/crabzie/gpu-dispatcher/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threeBackends() []domain.BackendSnapshot {
	return []domain.BackendSnapshot{
		{Backend: domain.BackendLocal, Available: true, Healthy: true, EstimatedCostPerJob: 0, EstimatedSpeedSeconds: 10},
		{Backend: domain.BackendCloud, Available: true, Healthy: true, EstimatedCostPerJob: 0.007, EstimatedSpeedSeconds: 20},
		{Backend: domain.BackendFallback, Available: true, Healthy: true, EstimatedCostPerJob: 0.08, EstimatedSpeedSeconds: 5},
	}
}

func backendsOf(cands []domain.Candidate) []domain.BackendKind {
	out := make([]domain.BackendKind, len(cands))
	for i, c := range cands {
		out[i] = c.Backend
	}
	return out
}

func TestSelect_DefaultOrderingFavoursCost(t *testing.T) {
	s := NewBackendSelector(DefaultWeights, SpeedWeights)
	job := &domain.Job{Kind: domain.JobKindImage}

	cands := s.Select(job, domain.DefaultPreferences(), threeBackends())

	require.Len(t, cands, 3)
	assert.Equal(t, []domain.BackendKind{domain.BackendLocal, domain.BackendCloud, domain.BackendFallback}, backendsOf(cands))
	assert.LessOrEqual(t, cands[0].Score, cands[1].Score)
	assert.NotEmpty(t, cands[0].Reason)
}

func TestSelect_SpeedModeTieBreaksByRank(t *testing.T) {
	s := NewBackendSelector(DefaultWeights, SpeedWeights)
	prefs := domain.DefaultPreferences()
	prefs.PrioritizeSpeed = true

	cands := s.Select(&domain.Job{}, prefs, threeBackends())

	// local and fallback score the same in speed mode; local wins the tie
	require.Len(t, cands, 3)
	assert.Equal(t, cands[0].Score, cands[1].Score)
	assert.Equal(t, []domain.BackendKind{domain.BackendLocal, domain.BackendFallback, domain.BackendCloud}, backendsOf(cands))
}

func TestSelect_Deterministic(t *testing.T) {
	s := NewBackendSelector(DefaultWeights, SpeedWeights)
	prefs := domain.DefaultPreferences()

	first := s.Select(&domain.Job{}, prefs, threeBackends())
	for range 20 {
		assert.Equal(t, first, s.Select(&domain.Job{}, prefs, threeBackends()))
	}
}

func TestSelect_SkipsUnavailable(t *testing.T) {
	s := NewBackendSelector(DefaultWeights, SpeedWeights)
	snaps := threeBackends()
	snaps[0].Available = false

	cands := s.Select(&domain.Job{}, domain.DefaultPreferences(), snaps)

	assert.Equal(t, []domain.BackendKind{domain.BackendCloud, domain.BackendFallback}, backendsOf(cands))
}

func TestSelect_CloudExcludedWhenFallbackDisallowed(t *testing.T) {
	s := NewBackendSelector(DefaultWeights, SpeedWeights)
	prefs := domain.DefaultPreferences()
	prefs.AllowCloudFallback = false

	cands := s.Select(&domain.Job{}, prefs, threeBackends())
	assert.NotContains(t, backendsOf(cands), domain.BackendCloud)

	snaps := threeBackends()
	snaps[0].Available = false
	snaps[2].Available = false
	assert.Empty(t, s.Select(&domain.Job{}, prefs, snaps))
}

func TestSelect_CostCeiling(t *testing.T) {
	s := NewBackendSelector(DefaultWeights, SpeedWeights)

	t.Run("drops expensive backends", func(t *testing.T) {
		limit := 0.01
		prefs := domain.DefaultPreferences()
		prefs.MaxCostPerJob = &limit

		cands := s.Select(&domain.Job{}, prefs, threeBackends())
		assert.Equal(t, []domain.BackendKind{domain.BackendLocal, domain.BackendCloud}, backendsOf(cands))
	})

	t.Run("keeps the cheapest when nothing fits", func(t *testing.T) {
		limit := 0.001
		prefs := domain.DefaultPreferences()
		prefs.MaxCostPerJob = &limit
		snaps := threeBackends()[1:]

		cands := s.Select(&domain.Job{}, prefs, snaps)
		assert.Equal(t, []domain.BackendKind{domain.BackendCloud}, backendsOf(cands))
	})
}

func TestSelect_PreferredBackendFirst(t *testing.T) {
	s := NewBackendSelector(DefaultWeights, SpeedWeights)
	prefs := domain.DefaultPreferences()
	prefs.PreferredBackend = domain.BackendFallback

	cands := s.Select(&domain.Job{}, prefs, threeBackends())

	assert.Equal(t, []domain.BackendKind{domain.BackendFallback, domain.BackendLocal, domain.BackendCloud}, backendsOf(cands))
	assert.Contains(t, cands[0].Reason, "preferred")

	// an unavailable preference changes nothing
	snaps := threeBackends()
	snaps[2].Available = false
	cands = s.Select(&domain.Job{}, prefs, snaps)
	assert.Equal(t, []domain.BackendKind{domain.BackendLocal, domain.BackendCloud}, backendsOf(cands))
}

func TestSelect_PreferredBackendBypassesCostCeiling(t *testing.T) {
	s := NewBackendSelector(DefaultWeights, SpeedWeights)
	limit := 0.05
	prefs := domain.DefaultPreferences()
	prefs.PreferredBackend = domain.BackendFallback
	prefs.MaxCostPerJob = &limit

	cands := s.Select(&domain.Job{}, prefs, threeBackends())

	require.Len(t, cands, 3)
	assert.Equal(t, []domain.BackendKind{domain.BackendFallback, domain.BackendLocal, domain.BackendCloud}, backendsOf(cands))
	assert.Contains(t, cands[0].Reason, "preferred")

	// the ceiling still applies to everything else
	prefs.PreferredBackend = domain.BackendLocal
	cands = s.Select(&domain.Job{}, prefs, threeBackends())
	assert.Equal(t, []domain.BackendKind{domain.BackendLocal, domain.BackendCloud}, backendsOf(cands))
}

func TestSelect_HealthBonus(t *testing.T) {
	s := NewBackendSelector(DefaultWeights, SpeedWeights)
	snaps := []domain.BackendSnapshot{
		{Backend: domain.BackendLocal, Available: true, Healthy: false, EstimatedSpeedSeconds: 10},
		{Backend: domain.BackendCloud, Available: true, Healthy: true, EstimatedSpeedSeconds: 10},
	}

	cands := s.Select(&domain.Job{}, domain.DefaultPreferences(), snaps)
	assert.Equal(t, domain.BackendCloud, cands[0].Backend)
}

func TestRecommend(t *testing.T) {
	s := NewBackendSelector(DefaultWeights, SpeedWeights)

	byCost := s.Recommend(10, false, threeBackends())
	require.Len(t, byCost, 3)
	assert.Equal(t, domain.BackendLocal, byCost[0].Backend)
	assert.True(t, byCost[0].Recommended)
	assert.False(t, byCost[1].Recommended)

	bySpeed := s.Recommend(10, true, threeBackends())
	assert.Equal(t, domain.BackendFallback, bySpeed[0].Backend)
	assert.InDelta(t, 0.8, bySpeed[0].TotalCost, 1e-9)
	assert.InDelta(t, 50, bySpeed[0].TotalSeconds, 1e-9)
}
