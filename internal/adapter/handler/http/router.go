// Package http provides the gin REST API in front of the dispatcher.
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/crabzie/gpu-dispatcher/internal/core/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Dispatcher is what the routes need from the orchestrator
type Dispatcher interface {
	Submit(ctx context.Context, sub domain.Submission) (domain.EnqueueResult, error)
	Lookup(ctx context.Context, id string) (domain.JobStatus, error)
	Cancel(ctx context.Context, id string) error
	QueueStats() domain.QueueStats
	Snapshots() []domain.BackendSnapshot
	Rank(kind domain.JobKind, prefs *domain.UserPreferences) []domain.Candidate
	Estimate(jobCount int, prioritizeSpeed bool) []domain.Estimate
	Workers() []domain.LocalWorker
	PoolStats() domain.PoolStats
	SetDefaultPreferences(p domain.UserPreferences) error
	DefaultPreferences() domain.UserPreferences

	SpawnPod(ctx context.Context) (domain.CloudPod, error)
	TerminatePod(ctx context.Context, podID string) error
	DrainPods(ctx context.Context) (terminated, busy int)
	ConfigurePool(u domain.PoolSettingsUpdate) (domain.PoolSettings, error)
	PurgeFinished(olderThan time.Duration) int
}

type Handler struct {
	d   Dispatcher
	log *zap.Logger
}

// NewRouter registers every route; metrics may be nil
func NewRouter(d Dispatcher, metrics http.Handler, log *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log))

	h := &Handler{d: d, log: log}

	router.POST("/jobs", h.submit)
	router.GET("/jobs/:id", h.status)
	router.DELETE("/jobs/:id", h.cancel)

	router.GET("/backends", h.backends)
	router.GET("/stats", h.stats)
	router.POST("/estimate", h.estimate)
	router.GET("/preferences", h.preferences)
	router.PUT("/preferences", h.setPreferences)

	cloud := router.Group("/cloud")
	cloud.POST("/spawn", h.spawnPod)
	cloud.POST("/terminate/:podId", h.terminatePod)
	cloud.POST("/shutdown-all", h.drainPods)
	cloud.PUT("/config", h.configurePool)
	router.POST("/queue/clean", h.cleanQueue)

	router.GET("/health", h.health)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}
	return router
}

// requestLogger logs one line per request at debug, failures at warn
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Warn("Request failed", fields...)
			return
		}
		log.Debug("Request served", fields...)
	}
}

// writeError maps caller errors onto 4xx and missing capacity onto 503; everything else is a 500
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidJob), errors.Is(err, domain.ErrInvalidSettings):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrNoCapacity), errors.Is(err, domain.ErrBackendUnavailable):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
