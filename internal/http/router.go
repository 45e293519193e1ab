package http

import (
	"github.com/echochat/server/internal/auth"
	"github.com/echochat/server/internal/http/handlers"
	"github.com/echochat/server/internal/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(authHandler *handlers.AuthHandler, tm *auth.TokenManager, users middleware.UserLoader) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	healthHandler := handlers.NewHealthHandler()
	r.Get("/health", healthHandler.ServeHTTP)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/request_otp", authHandler.HandleRequestOTP)
		r.Post("/verify_otp", authHandler.HandleVerifyOTP)
		r.Post("/refresh", authHandler.HandleRefresh)
	})

	// Protected routes (require valid JWT for the active session)
	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(tm, users))
		r.Post("/auth/logout", authHandler.HandleLogout)
		r.Get("/me", authHandler.HandleMe)
	})

	return r
}
