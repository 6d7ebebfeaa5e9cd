package http

import (
	"net/http"
	"time"

	"messaging/internal/authz"
	obsmw "messaging/internal/observability/middleware"
	"messaging/internal/realtime"
	"messaging/internal/service"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Config struct {
	Validator       authz.Validator
	AllowQueryToken bool
	CORSOrigins     []string
	RateLimit       int // requests per minute per IP
	RequestTimeout  time.Duration
}

type Handler struct {
	svc      *service.Service
	hub      *realtime.Hub
	upgrader *websocket.Upgrader
}

func NewRouter(svc *service.Service, hub *realtime.Hub, cfg Config) http.Handler {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 300
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	h := &Handler{svc: svc, hub: hub, upgrader: realtime.NewUpgrader(cfg.CORSOrigins)}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(obsmw.WithMetrics)
	r.Use(httprate.LimitByIP(cfg.RateLimit, time.Minute))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   originsOrAny(cfg.CORSOrigins),
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id", "X-Trace-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		// Long-lived websocket; kept out of the request timeout.
		r.With(authz.Middleware(cfg.Validator, authz.Options{AllowQueryToken: cfg.AllowQueryToken})).
			Get("/chats/{chatID}/realtime", h.handleRealtime)

		r.Group(func(r chi.Router) {
			r.Use(chimw.Timeout(cfg.RequestTimeout))
			r.Use(authz.Middleware(cfg.Validator, authz.Options{}))

			r.Post("/messages", h.handleSend)
			r.Patch("/messages/{messageID}", h.handleTag)
			r.Delete("/messages/{messageID}", h.handleDelete)

			r.Get("/chats", h.handleListChats)
			r.Get("/chats/{chatID}/messages", h.handleFetch)
			r.Post("/chats/{chatID}/read", h.handleMarkRead)

			r.Post("/presence", h.handleHeartbeat)
			r.Delete("/presence", h.handleClearPresence)

			r.Post("/push/subscriptions", h.handleSubscribe)
			r.Delete("/push/subscriptions", h.handleUnsubscribe)

			r.Get("/notifications", h.handleNotifications)
			r.Post("/notifications/{notificationID}/read", h.handleNotificationRead)
		})
	})
	return r
}

func originsOrAny(in []string) []string {
	if len(in) == 0 {
		return []string{"*"}
	}
	return in
}
