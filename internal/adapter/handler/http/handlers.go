package http

import (
	"net/http"
	"time"

	"github.com/crabzie/gpu-dispatcher/internal/core/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *Handler) submit(c *gin.Context) {
	var sub domain.Submission
	if err := c.ShouldBindJSON(&sub); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	res, err := h.d.Submit(c.Request.Context(), sub)
	if err != nil {
		writeError(c, err)
		return
	}
	h.log.Info("Job submitted", zap.String("job_id", res.JobID), zap.Int("position", res.QueuePosition))
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) status(c *gin.Context) {
	st, err := h.d.Lookup(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) cancel(c *gin.Context) {
	id := c.Param("id")
	if err := h.d.Cancel(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": id, "status": domain.JobStateCancelled})
}

func (h *Handler) backends(c *gin.Context) {
	kind := domain.JobKind(c.DefaultQuery("kind", string(domain.JobKindImage)))
	if !kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be 'image' or 'video'"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"backends":   h.d.Snapshots(),
		"ranking":    h.d.Rank(kind, nil),
		"workers":    h.d.Workers(),
		"cloud_pool": h.d.PoolStats(),
	})
}

func (h *Handler) stats(c *gin.Context) {
	pool := h.d.PoolStats()
	c.JSON(http.StatusOK, gin.H{
		"queue": h.d.QueueStats(),
		"cloud": gin.H{
			"active_pods":          pool.ActivePods,
			"busy_pods":            pool.BusyPods,
			"provisioning_pods":    pool.ProvisioningPods,
			"total_jobs_processed": pool.TotalJobsProcessed,
			"total_cost":           pool.TotalCost,
		},
	})
}

type estimateRequest struct {
	JobCount        int  `json:"job_count" binding:"required,min=1"`
	PrioritizeSpeed bool `json:"prioritize_speed"`
}

func (h *Handler) estimate(c *gin.Context) {
	var req estimateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"estimates": h.d.Estimate(req.JobCount, req.PrioritizeSpeed)})
}

func (h *Handler) preferences(c *gin.Context) {
	c.JSON(http.StatusOK, h.d.DefaultPreferences())
}

func (h *Handler) setPreferences(c *gin.Context) {
	var prefs domain.UserPreferences
	if err := c.ShouldBindJSON(&prefs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	if err := h.d.SetDefaultPreferences(prefs); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.d.DefaultPreferences())
}

func (h *Handler) spawnPod(c *gin.Context) {
	pod, err := h.d.SpawnPod(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	h.log.Info("Pod spawned on request", zap.String("pod_id", pod.ID))
	c.JSON(http.StatusCreated, pod)
}

func (h *Handler) terminatePod(c *gin.Context) {
	id := c.Param("podId")
	if err := h.d.TerminatePod(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	h.log.Info("Pod terminated on request", zap.String("pod_id", id))
	c.JSON(http.StatusOK, gin.H{"pod_id": id, "status": "terminated"})
}

// drainPods terminates every ready pod; busy pods finish their job and are reaped once idle
func (h *Handler) drainPods(c *gin.Context) {
	terminated, busy := h.d.DrainPods(c.Request.Context())
	h.log.Warn("Cloud pods drained on request", zap.Int("terminated", terminated), zap.Int("busy", busy))
	c.JSON(http.StatusOK, gin.H{"terminated": terminated, "busy": busy})
}

func (h *Handler) configurePool(c *gin.Context) {
	var u domain.PoolSettingsUpdate
	if err := c.ShouldBindJSON(&u); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	st, err := h.d.ConfigurePool(u)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

type cleanRequest struct {
	OlderThanSeconds int `json:"older_than_seconds" binding:"min=0"`
}

// cleanQueue purges finished jobs; an empty body purges all of them
func (h *Handler) cleanQueue(c *gin.Context) {
	var req cleanRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid request body",
				"details": err.Error(),
			})
			return
		}
	}
	purged := h.d.PurgeFinished(time.Duration(req.OlderThanSeconds) * time.Second)
	c.JSON(http.StatusOK, gin.H{"purged": purged})
}

// health is 200 while any backend can take work, 503 otherwise
func (h *Handler) health(c *gin.Context) {
	available := 0
	for _, s := range h.d.Snapshots() {
		if s.Available {
			available++
		}
	}
	healthy := 0
	workers := h.d.Workers()
	for _, w := range workers {
		if w.Healthy() {
			healthy++
		}
	}

	status := http.StatusOK
	state := "ok"
	if available == 0 {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	c.JSON(status, gin.H{
		"status":             state,
		"available_backends": available,
		"healthy_workers":    healthy,
		"total_workers":      len(workers),
	})
}
