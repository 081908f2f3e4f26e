package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/backlogman/notifier/internal/logging"
	"github.com/backlogman/notifier/internal/models"
	"github.com/backlogman/notifier/internal/services"
	"github.com/backlogman/notifier/internal/socket"
)

// Authenticator resolves the user behind a handshake request.
type Authenticator interface {
	Resolve(r *http.Request) (services.Identity, bool)
}

// WSHandler upgrades authenticated requests into room sockets.
type WSHandler struct {
	auth     Authenticator
	registry socket.Registry
	upgrader websocket.Upgrader
	opts     socket.Options
}

// NewWSHandler creates a WSHandler. checkOrigin may be nil to accept every
// origin.
func NewWSHandler(auth Authenticator, reg socket.Registry, checkOrigin func(*http.Request) bool, opts socket.Options) *WSHandler {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &WSHandler{
		auth:     auth,
		registry: reg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		opts: opts,
	}
}

// Room serves /ws/{object}/{object_id} and the compact /ws/{object} form
// where object is "<type>:<id>". The user is authenticated before the
// upgrade so a rejected handshake gets a plain 401.
func (h *WSHandler) Room(w http.ResponseWriter, r *http.Request) {
	room, err := roomFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid room")
		return
	}

	identity, ok := h.auth.Resolve(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	ctx := logging.UpdateRequestAttrs(r.Context(), room.String(), identity.User.UserID())

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		slog.DebugContext(ctx, "websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	s := socket.New(ws, room, identity.User.DisplayName(), h.registry, h.opts)
	if err := s.Open(); err != nil {
		logging.LogErrorWithStatus(ctx, http.StatusServiceUnavailable, "socket open failed", logging.WrapError(err, "open socket"))
		return
	}
	ctx = logging.WithConn(ctx, s.ID())
	slog.InfoContext(ctx, "socket opened", slog.String("auth_method", string(identity.Method)))

	s.Serve()

	slog.InfoContext(ctx, "socket closed")
}

func roomFromRequest(r *http.Request) (models.RoomKey, error) {
	object := chi.URLParam(r, "object")
	if id := chi.URLParam(r, "object_id"); id != "" {
		return models.RoomKeyFromPath(object, id)
	}
	return models.ParseRoomKey(object)
}
