package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/coldtrail/taskboard/pkg/capability"
)

// NewRouter wires the capability-URL routes behind the middleware chain:
// request id, structured logging, panic recovery, metrics, tracing, then
// CORS, in that order, ahead of every route.
func NewRouter(h *Handlers, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(requestLogging(h.Logger))
	r.Use(chimw.Recoverer)
	r.Use(recordMetrics)
	r.Use(tracingSpan)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders:   []string{"Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Content-Size-Limit"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Post("/a/{key}/append", h.PostAppendByBody)
	r.Post("/a/{key}/*", h.PostAppendTier(capability.PermissionAppend))
	r.Post("/w/{key}/*", h.PostAppendTier(capability.PermissionWrite))
	r.Get("/r/{key}/*", h.GetFile)
	r.Put("/w/{key}/*", h.PutFile)
	r.Delete("/w/{key}/*", h.DeleteFile)

	return r
}
