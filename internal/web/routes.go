package web

import (
	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-linker/internal/web/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) setupRoutes() {
	d := s.deps
	identitiesHandler := handlers.NewIdentitiesHandler(d.Registrar, d.Identities, s.logger)
	photosHandler := handlers.NewPhotosHandler(d.Photos, d.PhotoReader, s.logger)
	usersHandler := handlers.NewUsersHandler(d.Records, d.Notifications, s.logger)
	tasksHandler := handlers.NewTasksHandler(d.Tasks, s.logger)
	healthHandler := handlers.NewHealthHandler(d.HealthChecks)

	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", healthHandler.Health)

		// Identities
		r.Post("/identities", identitiesHandler.Register)
		r.Get("/identities/{userId}", identitiesHandler.Get)

		// Photos
		r.Post("/photos", photosHandler.Upload)
		r.Get("/photos/{photoId}", photosHandler.Get)
		r.Post("/photos/{photoId}/rematch", photosHandler.Rematch)

		// Users
		r.Get("/users/{userId}/matches", usersHandler.Matches)
		r.Get("/users/{userId}/notifications", usersHandler.Notifications)
		r.Post("/users/{userId}/notifications/{id}/read", usersHandler.MarkRead)

		// Background tasks
		r.Get("/tasks", tasksHandler.List)
		r.Get("/tasks/{taskId}", tasksHandler.Get)
	})
}
