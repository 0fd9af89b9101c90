package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/phrazzld/taskhive/internal/api"
	apiMiddleware "github.com/phrazzld/taskhive/internal/api/middleware"
)

// setupRouter creates the application router with all routes and middleware.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.Trace)

	taskHandler := api.NewTaskHandler(app.client, app.logger)
	opsHandler := api.NewOpsHandler(app.client, app.manager, app.reporter, app.logger)

	r.Route("/api", func(r chi.Router) {
		// Task submission and lifecycle
		r.Post("/tasks", taskHandler.SubmitTask)
		r.Get("/tasks/{id}", taskHandler.GetTaskStatus)
		r.Delete("/tasks/{id}", taskHandler.CancelTask)
		r.Post("/tasks/{id}/retry", taskHandler.RetryTask)

		// Operational surface
		r.Get("/queue/stats", opsHandler.GetQueueStats)
		r.Get("/workers", opsHandler.GetWorkers)
		r.Post("/workers/scale", opsHandler.ScaleWorkers)
		r.Get("/health", opsHandler.GetHealth)
	})

	// Liveness probe, independent of broker availability.
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			app.logger.Error("failed to write health check response", "error", err)
		}
	})

	return r
}
