package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/calkiosk/kiosk-sentinel/internal/api/handlers"
	"github.com/calkiosk/kiosk-sentinel/internal/report"
	"github.com/calkiosk/kiosk-sentinel/internal/services"
	ws "github.com/calkiosk/kiosk-sentinel/internal/websocket"
)

// NewRouter creates and configures a new Chi router for the local status
// surface. metricsHandler serves the prometheus exposition.
func NewRouter(hub *ws.Hub, source handlers.StatusSource, history services.EventHistoryProvider, aggregator *report.Aggregator, metricsHandler http.Handler) *chi.Mux {
	r := chi.NewRouter()

	// Basic middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// The settings panel is served from the kiosk's own origin.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:8080", "http://127.0.0.1:8080"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	// Initialize handlers
	statusHandler := handlers.NewStatusHandler(source, history, aggregator)
	wsHandler := handlers.NewWebSocketHandler(hub)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", statusHandler.GetStatus)
		r.Get("/events/recent", statusHandler.GetRecentEvents)
		r.Route("/reports", func(r chi.Router) {
			r.Get("/daily/{date}", statusHandler.GetDailyReport)
			r.Get("/weekly/{date}", statusHandler.GetWeeklyReport)
		})
		r.Get("/ws", wsHandler.Serve)
	})

	r.Method(http.MethodGet, "/metrics", metricsHandler)

	return r
}
