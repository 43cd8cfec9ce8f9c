package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/pixelforge/studio/internal/api/middleware"
	"github.com/pixelforge/studio/internal/api/response"
)

// Dependencies holds all handler dependencies for the router. Nil entries
// answer 501 so partial wiring in tests stays predictable.
type Dependencies struct {
	HealthHandler     http.HandlerFunc
	SubmitHandler     http.HandlerFunc
	ListJobsHandler   http.HandlerFunc
	GetJobHandler     http.HandlerFunc
	CancelHandler     http.HandlerFunc
	DeleteHandler     http.HandlerFunc
	RespondHandler    http.HandlerFunc
	StreamHandler     http.HandlerFunc
	QueueStatsHandler http.HandlerFunc
	MetricsHandler    http.Handler
}

// NewRouter builds the Chi router with the middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	r.Route("/api/v1/jobs", func(r chi.Router) {
		r.Post("/", orNotImplemented(deps.SubmitHandler))
		r.Get("/", orNotImplemented(deps.ListJobsHandler))
		r.Get("/stream", orNotImplemented(deps.StreamHandler))
		r.Get("/{jobID}", orNotImplemented(deps.GetJobHandler))
		r.Post("/{jobID}/cancel", orNotImplemented(deps.CancelHandler))
		r.Post("/{jobID}/respond", orNotImplemented(deps.RespondHandler))
		r.Delete("/{jobID}", orNotImplemented(deps.DeleteHandler))
	})

	r.Get("/api/v1/queue/stats", orNotImplemented(deps.QueueStatsHandler))

	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
