package handlers

import (
	"net/http"

	"github.com/backlogman/notifier/internal/models"
	"github.com/backlogman/notifier/internal/registry"
)

// StatsSource reports registry occupancy.
type StatsSource interface {
	Stats() (registry.Stats, error)
}

// OpsHandler serves health and occupancy endpoints.
type OpsHandler struct {
	stats StatsSource
}

func NewOpsHandler(stats StatsSource) *OpsHandler {
	return &OpsHandler{stats: stats}
}

// Health reports the process is serving.
func (h *OpsHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Stats reports the number of non-empty rooms and open connections.
func (h *OpsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	s, err := h.stats.Stats()
	if err != nil {
		writeErrorWithCause(r.Context(), w, http.StatusServiceUnavailable, "registry unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, models.StatsResponse{Rooms: s.Rooms, Clients: s.Clients})
}
