package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	if s.cfg.Server.RateLimit.Enabled {
		r.Use(s.rateLimitMiddleware(s.cfg.Server.RateLimit))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			// Projects.
			r.Get("/projects", s.handleListProjects)
			r.Post("/projects", s.requireRole("admin", s.handleCreateProject))

			// Device model catalog.
			r.Get("/device-models", s.handleListDeviceModels)
			r.Post("/device-models", s.requireRole("admin", s.handleCreateDeviceModel))

			// Case group tree.
			r.Get("/case-groups", s.handleListCaseGroups)
			r.Post("/case-groups", s.handleCreateCaseGroup)

			// Test cases.
			r.Get("/test-cases", s.handleListTestCases)
			r.Post("/test-cases", s.handleCreateTestCase)
			r.Get("/test-cases/{id}", s.handleGetTestCase)
			r.Put("/test-cases/{id}", s.handleUpdateTestCase)
			r.Delete("/test-cases/{id}", s.handleDeleteTestCase)
			r.Get("/test-cases/{id}/history", s.handleListCaseHistory)
			r.Post("/test-cases/{id}/restore", s.handleRestoreTestCase)

			// Test plans and snapshots.
			r.Get("/test-plans", s.handleListPlans)
			r.Post("/test-plans", s.handleCreatePlan)
			r.Get("/test-plans/{id}", s.handleGetPlan)
			r.Put("/test-plans/{id}", s.handleUpdatePlan)
			r.Delete("/test-plans/{id}", s.handleDeletePlan)
			r.Get("/test-plans/{id}/cases", s.handleListPlanCases)
			r.Post("/test-plans/{id}/cases", s.handleLinkPlanCases)
			r.Patch("/test-plans/{id}/cases/{caseID}", s.handleSetPlanCaseInclude)

			// Execution runs and results.
			r.Get("/test-plans/{id}/runs", s.handleListRuns)
			r.Post("/test-plans/{id}/runs", s.handleOpenRun)
			r.Post("/test-plans/{id}/runs/{runID}/results", s.handleRecordResult)
			r.Get("/runs/{id}", s.handleGetRun)
			r.Post("/runs/{id}/finish", s.handleFinishRun)
			r.Post("/runs/{id}/abort", s.handleAbortRun)
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the server config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods:   []string{"GET", "HEAD", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           300,
	}

	origins := s.cfg.Server.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		// Reflect the requesting origin so credentials work from any origin.
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
