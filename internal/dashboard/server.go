// Package dashboard is a read-only HTTP status server for an in-flight
// training run, bound to the configured dashboard_port. Grounded on
// internal/server/routes.go's gin.Default() + route-group shape, trimmed
// to the handful of read-only endpoints a run's external observers need.
package dashboard

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"retrotrain/internal/training"
)

// StatusSource is the subset of Coordinator the dashboard reads from. A
// run in progress is polled safely: GetResultsSummary is callable while
// training is still underway.
type StatusSource interface {
	GetResultsSummary() training.ResultsSummary
	Batches() []training.Batch
}

// Server is the dashboard's gin wiring.
type Server struct {
	coordinator StatusSource
	startedAt   time.Time
}

// New builds a dashboard over coordinator.
func New(coordinator StatusSource) *Server {
	return &Server{coordinator: coordinator, startedAt: time.Now()}
}

// RegisterRoutes mirrors the teacher's RegisterRoutes: a plain gin.Default()
// engine with liveness probes and two status endpoints, no auth middleware —
// the dashboard is read-only and carries no sensitive data.
func (s *Server) RegisterRoutes() http.Handler {
	r := gin.Default()

	r.GET("/ready", s.readyHandler)
	r.GET("/online", s.onlineHandler)
	r.GET("/status", s.statusHandler)
	r.GET("/batches", s.batchesHandler)

	return r
}

func (s *Server) readyHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

func (s *Server) onlineHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"uptime_seconds": time.Since(s.startedAt).Seconds()})
}

func (s *Server) statusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.coordinator.GetResultsSummary())
}

func (s *Server) batchesHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.coordinator.Batches())
}
