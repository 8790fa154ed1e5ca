// Package api wires the HTTP surface: the user facing rental API, the
// internal workflow API and the optional browser login.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/bcnelson/instance-rental/internal/api/handler"
	"github.com/bcnelson/instance-rental/internal/api/middleware"
	"github.com/bcnelson/instance-rental/internal/auth"
	"github.com/bcnelson/instance-rental/internal/logging"
	"github.com/bcnelson/instance-rental/internal/metrics"
	"github.com/bcnelson/instance-rental/internal/service"
)

// Options holds the collaborators of the router.
type Options struct {
	Rentals   *service.Rentals
	Sweeper   *service.Sweeper
	Extractor auth.Extractor

	// InternalKey enables the internal workflow API when set.
	InternalKey string
	// Tasks answers state machine task tokens on the internal API.
	Tasks middleware.TaskReporter

	// Login enables the browser login routes when set.
	Login *handler.LoginHandler

	Metrics        *metrics.Metrics
	Logger         *slog.Logger
	RequestTimeout time.Duration
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(opts Options) http.Handler {
	logger := logging.Ensure(opts.Logger)
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Audit(logger.With("component", "http"), opts.Metrics))
	r.Use(chimw.Recoverer)
	if opts.RequestTimeout > 0 {
		r.Use(chimw.Timeout(opts.RequestTimeout))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler())
	}

	if opts.Login != nil {
		r.Route("/auth", func(r chi.Router) {
			r.Get("/login", opts.Login.Login)
			r.Get("/callback", opts.Login.Callback)
			r.Post("/logout", opts.Login.Logout)
		})
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.ContentType)
		r.Use(middleware.Identity(opts.Extractor))

		instances := handler.NewInstanceHandler(opts.Rentals, logger.With("component", "instances"))
		r.Get("/param", instances.Params)
		r.Get("/instance", instances.List)
		r.Post("/instance", instances.Create)
		r.Route("/instance/{id}", func(r chi.Router) {
			r.Get("/", instances.Get)
			r.Patch("/", instances.Update)
			r.Delete("/", instances.Delete)
			r.Post("/start", instances.Start)
			r.Post("/stop", instances.Stop)
			r.Post("/extend", instances.Extend)
		})
	})

	if opts.InternalKey != "" {
		r.Route("/internal/v1", func(r chi.Router) {
			r.Use(middleware.ContentType)
			r.Use(middleware.InternalKey(opts.InternalKey))
			r.Use(middleware.TaskToken(opts.Tasks, logger.With("component", "tasks")))

			steps := handler.NewWorkflowHandler(opts.Rentals, opts.Sweeper, logger.With("component", "workflow"))
			r.Get("/wait", steps.Wait)
			r.Get("/waitForUpdateCompletion", steps.WaitForUpdate)
			r.Post("/notifySuccess", steps.NotifySuccess)
			r.Post("/notifyFailure", steps.NotifyFailure)
			r.Post("/updateComplete", steps.UpdateComplete)
			r.Post("/updateFailure", steps.UpdateFailure)
			r.Post("/cleanupStart", steps.CleanupStart)
			r.Post("/cleanupComplete", steps.CleanupComplete)
			r.Post("/cleanupSchedule", steps.CleanupSchedule)
		})
	}

	return r
}
