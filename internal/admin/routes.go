package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

const requestTimeout = 60 * time.Second

// mountRoutes registers middleware in order: Recoverer outermost, then
// request id, logging and the request deadline.
func (s *Server) mountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(RequestIDMiddleware)
	s.router.Use(RequestLogger(s.logger))
	s.router.Use(contextTimeout(requestTimeout))

	s.router.Get("/health", s.HandleHealth)
	if s.metricsHandler != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metricsHandler)
	}

	s.router.Route("/v1/admin", func(r chi.Router) {
		r.Use(s.RequireAdminKey)

		r.Get("/status", s.handleStatus)
		r.Post("/digests/test", s.handleTestDigest)
		r.Post("/sweeps/grace-period", s.handleGraceSweep)
		r.Post("/ticks", s.handleTick)
		r.Post("/jobs/{id}/cancel", s.handleCancelJob)
		r.Post("/subscriptions/{user_id}/reactivate", s.handleReactivate)
	})
}

func contextTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
