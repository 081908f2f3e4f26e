package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/backlogman/notifier/internal/logging"
	"github.com/backlogman/notifier/internal/models"
	"github.com/backlogman/notifier/internal/notify"
)

// NotifyHandler lets the main application publish change events over HTTP.
type NotifyHandler struct {
	publisher *notify.Publisher
}

func NewNotifyHandler(p *notify.Publisher) *NotifyHandler {
	return &NotifyHandler{publisher: p}
}

// Notify accepts {"type","id","data"} and queues the event for publishing.
// It answers 202 without waiting for the broker. Any JSON value, null
// included, is accepted as data.
func (h *NotifyHandler) Notify(w http.ResponseWriter, r *http.Request) {
	var req models.NotifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := req.ObjectID()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	key, err := models.NewRoomKey(req.Type, id)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Data) == 0 {
		writeError(w, http.StatusBadRequest, "missing data")
		return
	}

	if !h.enqueue(w, r, []models.RoomKey{key}, req.Data) {
		return
	}
	writeJSON(w, http.StatusAccepted, models.NotifyResponse{Key: key, Queued: true})
}

// Events accepts a typed change event, works out which rooms watch it and
// queues one publish per room.
func (h *NotifyHandler) Events(w http.ResponseWriter, r *http.Request) {
	var req models.EventRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	targets, payload, err := notify.BuildEvent(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	keys := make([]models.RoomKey, 0, len(targets))
	for _, t := range targets {
		key, err := models.NewRoomKey(t.Type, t.ID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		keys = append(keys, key)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		writeErrorWithCause(r.Context(), w, http.StatusInternalServerError, "failed to encode event", err)
		return
	}

	if !h.enqueue(w, r, keys, data) {
		return
	}
	writeJSON(w, http.StatusAccepted, models.EventResponse{Keys: keys, Queued: true})
}

func (h *NotifyHandler) enqueue(w http.ResponseWriter, r *http.Request, keys []models.RoomKey, data json.RawMessage) bool {
	var caller string
	if attrs := logging.GetRequestAttrs(r.Context()); attrs != nil {
		caller = attrs.UserID
	}
	ctx := logging.UpdateRequestAttrs(r.Context(), keys[0].String(), caller)

	if err := h.publisher.Enqueue(ctx, keys, data); err != nil {
		slog.WarnContext(ctx, "notification refused", slog.String("error", err.Error()))
		if errors.Is(err, notify.ErrQueueFull) {
			w.Header().Set("Retry-After", "1")
		}
		writeError(w, http.StatusServiceUnavailable, "notification queue unavailable")
		return false
	}
	slog.DebugContext(ctx, "notification queued", slog.Int("rooms", len(keys)))
	return true
}
