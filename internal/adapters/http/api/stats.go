package api

import (
	"math"
	"net/http"
	"time"
)

// StatsProvider reports engine counters for GET /stats.
type StatsProvider interface {
	GetStats() map[string]interface{}
}

// StatsHandler serves provider stats plus process uptime.
type StatsHandler struct {
	statsProvider StatsProvider
	startedAt     time.Time
}

// NewStatsHandler creates a stats handler; uptime counts from this call.
func NewStatsHandler(statsProvider StatsProvider) *StatsHandler {
	return &StatsHandler{statsProvider: statsProvider, startedAt: time.Now()}
}

// HandleStats handles GET /stats.
func (h *StatsHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	stats := h.statsProvider.GetStats()
	out := make(map[string]interface{}, len(stats)+1)
	for k, v := range stats {
		out[k] = v
	}
	out["uptimeSeconds"] = math.Floor(time.Since(h.startedAt).Seconds())
	writeJSON(w, http.StatusOK, out)
}
