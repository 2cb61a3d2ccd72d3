package routers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"pairprog/internal/api"
	"pairprog/internal/metrics"
	"pairprog/internal/middleware"
	"pairprog/internal/models"
)

const requestTimeout = 30 * time.Second

func New(h *api.Handlers, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
		AllowCredentials: !allowsAnyOrigin(allowedOrigins),
	}))
	r.Use(metrics.Middleware)

	r.Get("/", h.Root)
	r.Get("/healthz", h.Health)
	r.Get("/readyz", h.Ready)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// The relay socket is long lived and must stay outside the request timeout.
	r.Get("/ws/{id}", h.RoomWS)

	r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(requestTimeout))

		r.Post("/rooms", h.CreateRoom)
		r.Get("/rooms/{id}", h.GetRoom)
		r.With(middleware.ValidateRequest[*models.SaveRequest]()).Put("/rooms/{id}/save", h.SaveRoom)
		r.With(middleware.ValidateRequest[*models.AutocompleteRequest]()).Post("/autocomplete", h.Autocomplete)
	})

	return r
}

func allowsAnyOrigin(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
