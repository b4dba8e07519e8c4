package httpapi

import (
	stdhttp "net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"reelforge/internal/http/handlers"
	"reelforge/internal/middleware"
)

// Options configures the cross-cutting middleware and the auxiliary routes.
type Options struct {
	Logger          zerolog.Logger
	Observer        middleware.RequestObserver
	MetricsHandler  stdhttp.Handler
	CORSOrigins     []string
	RateLimitPerMin int
	DefaultLocale   string
	Country         middleware.CountryLookup
	// StaticDir is served under /static/ so generated artifacts and uploaded
	// photos are reachable by the provider and the chat front end.
	StaticDir string
}

func NewRouter(app *handlers.App, opts Options) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP, chimw.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(opts.Logger, opts.Observer))
	r.Use(middleware.CORS(opts.CORSOrigins))
	r.Use(middleware.I18N(opts.DefaultLocale, opts.Country))

	r.Get("/v1/healthz", app.Health)
	r.Get("/v1/openapi.json", app.OpenAPIJSON)
	r.Get("/v1/docs", app.OpenAPIDocs)
	if opts.MetricsHandler != nil {
		r.Method(stdhttp.MethodGet, "/metrics", opts.MetricsHandler)
	}
	if opts.StaticDir != "" {
		fs := stdhttp.StripPrefix("/static/", stdhttp.FileServer(stdhttp.Dir(opts.StaticDir)))
		r.Method(stdhttp.MethodGet, "/static/*", fs)
		r.Method(stdhttp.MethodHead, "/static/*", fs)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthJWT(app.JWTSecret))

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(middleware.RoleService))
			r.Post("/v1/users", app.EnsureUser)
			r.Post("/v1/users/{user_id}/credits", app.GrantCredits)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(middleware.RoleUser))
			r.Get("/v1/me", app.Me)
			r.Get("/v1/jobs", app.ListJobs)
			r.Get("/v1/jobs/{job_id}", app.GetJob)
			r.With(middleware.RateLimit(opts.RateLimitPerMin, time.Minute)).Post("/v1/jobs", app.SubmitJob)
		})
	})

	return r
}
