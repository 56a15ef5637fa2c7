package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/pbateman/ggufserve/api"
	"github.com/pbateman/ggufserve/scheduler"
)

// StatsProvider exposes scheduler introspection.
type StatsProvider interface {
	Stats() scheduler.Stats
}

// StatsHandler serves GET /api/v1/stats.
type StatsHandler struct {
	scheduler StatsProvider
	backend   ModelInfoProvider
	logger    *zap.Logger
}

// NewStatsHandler creates a stats handler.
func NewStatsHandler(sched StatsProvider, backend ModelInfoProvider, logger *zap.Logger) *StatsHandler {
	return &StatsHandler{scheduler: sched, backend: backend, logger: logger}
}

func (h *StatsHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats := h.scheduler.Stats()
	WriteJSON(w, http.StatusOK, api.StatsResponse{
		State:          stats.State,
		QueueDepth:     stats.QueueDepth,
		MaxBatchSize:   stats.MaxBatchSize,
		BatchTimeoutMS: stats.BatchTimeout.Milliseconds(),
		Submitted:      stats.Submitted,
		Completed:      stats.Completed,
		Failed:         stats.Failed,
		Batches:        stats.Batches,
		Model:          h.backend.Info().Name,
	})
}
