package router

import (
	"net/http"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/backlogman/notifier/internal/config"
	"github.com/backlogman/notifier/internal/handlers"
	"github.com/backlogman/notifier/internal/middleware"
	"github.com/backlogman/notifier/internal/notify"
	"github.com/backlogman/notifier/internal/registry"
	"github.com/backlogman/notifier/internal/services"
	"github.com/backlogman/notifier/internal/socket"
)

// Deps are the long-lived components the routes serve.
type Deps struct {
	Registry  *registry.Registry
	Bridge    handlers.Authenticator
	Publisher *notify.Publisher
	Socket    socket.Options
}

// New builds the route table. The returned stop func releases background
// resources held by middleware.
func New(cfg *config.Config, deps Deps) (http.Handler, func()) {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Recoverer)
	if cfg.SentryDSN != "" {
		r.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)
	}
	r.Use(middleware.NewRealIPMiddleware(cfg.TrustedProxies).Handler)
	r.Use(middleware.RequestContextMiddleware)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.StripSlashes)
	r.Use(middleware.CORSMiddleware(cfg.CORSAllowedOrigins))

	notifyAuth := services.NewAuthService(cfg.NotifySecret)

	wsHandler := handlers.NewWSHandler(deps.Bridge, deps.Registry, middleware.CheckOrigin(cfg.CORSAllowedOrigins), deps.Socket)
	notifyHandler := handlers.NewNotifyHandler(deps.Publisher)
	opsHandler := handlers.NewOpsHandler(deps.Registry)

	handshakeLimiter := middleware.NewRateLimiter(cfg.HandshakeRatePerMinute)

	// Websocket rooms: /ws/{type}/{id}/ and the compact /ws/{type}:{id}/
	r.Route("/ws", func(r chi.Router) {
		r.Use(handshakeLimiter.Middleware)
		r.Get("/{object}", wsHandler.Room)
		r.Get("/{object}/{object_id}", wsHandler.Room)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", opsHandler.Health)
		r.Get("/stats", opsHandler.Stats)

		r.Group(func(r chi.Router) {
			r.Use(middleware.ServiceAuthMiddleware(notifyAuth))
			r.Post("/notify", notifyHandler.Notify)
			r.Post("/events", notifyHandler.Events)
		})
	})

	return r, handshakeLimiter.Stop
}
