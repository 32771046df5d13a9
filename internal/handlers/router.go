package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"captchify/internal/middleware"
)

// NewRouter mounts the gate endpoints. The /captcha routes are rate limited
// per client.
func NewRouter(g *Gate, mw *middleware.Middleware, version string) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(mw.RequestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/health", HealthHandler(version))
	r.Route("/captcha", func(r chi.Router) {
		r.Use(mw.RateLimiter)
		r.Get("/init", g.Init)
		r.Post("/verify", g.Verify)
		r.With(g.RequireToken).Get("/session", g.Session)
	})
	return r
}
