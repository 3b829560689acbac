// Package httpapi serves the stateless request/response surface: cold
// fetches of current status/snapshot/changes/history, a health aggregate,
// a plain descriptor endpoint for clients that fail multicast discovery,
// and the WebSocket upgrade endpoint itself.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sickradar/radar-server/internal/hub"
)

// Info is static server metadata surfaced by /info and /api/discover.
type Info struct {
	Name    string
	Version string
	Addr    string
	WSPath  string
	APIPath string
}

// NewRouter builds the chi router implementing every documented endpoint.
// hub serves the WebSocket upgrade directly; everything else is handled by
// Handlers.
func NewRouter(h *Handlers, wsHub *hub.Hub, snapshot hub.SnapshotFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Timeout(10 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)
	r.Get("/info", h.Info)
	r.Get("/api/discover", h.Discover)
	r.Get("/api/status", h.Status)
	r.Get("/api/current", h.Current)
	r.Get("/api/velocity-changes", h.VelocityChanges)
	r.Get("/api/velocity-history/{n}", h.VelocityHistory)
	r.Get("/api/latest-update", h.LatestUpdate)
	r.HandleFunc("/ws", wsHub.ServeHTTP(snapshot))

	return r
}
