package api

import (
	"log/slog"

	"brewlog/internal/middleware"

	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler, logger *slog.Logger) *mux.Router {
	r := mux.NewRouter()

	// Apply global middleware
	// Learning: Middleware runs in order - tracing first, then recovery, then CORS
	r.Use(middleware.TracingMiddleware(logger))
	r.Use(middleware.ErrorRecoveryMiddleware(logger))
	r.Use(middleware.CORSMiddleware)

	// API routes
	api := r.PathPrefix("/api").Subrouter()

	// Brew endpoints
	// Learning: by-key is registered before {id} so mux never reads "by-key" as an id
	api.HandleFunc("/brews", h.CreateBrew).Methods("POST")
	api.HandleFunc("/brews", h.ListBrews).Methods("GET")
	api.HandleFunc("/brews/by-key/{key}", h.GetBrewByKey).Methods("GET")
	api.HandleFunc("/brews/{id}", h.GetBrew).Methods("GET")

	// Catalog endpoints used for display names
	api.HandleFunc("/baristas/{id}", h.GetBarista).Methods("GET")
	api.HandleFunc("/bags/{id}", h.GetBag).Methods("GET")

	// Health and presence
	api.HandleFunc("/health", h.Health).Methods("GET")
	api.HandleFunc("/agents", h.ListAgents).Methods("GET")

	// WebSocket routes
	r.HandleFunc("/ws/connectivity", h.HandleConnectivityWebSocket)

	return r
}
