package agentapi

import (
	"log/slog"

	"brewlog/internal/middleware"

	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler, logger *slog.Logger) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.TracingMiddleware(logger))
	r.Use(middleware.ErrorRecoveryMiddleware(logger))
	r.Use(middleware.CORSMiddleware)

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/brews", h.SubmitBrew).Methods("POST")

	// Draft endpoints
	api.HandleFunc("/drafts", h.ListDrafts).Methods("GET")
	api.HandleFunc("/drafts/{id}", h.GetDraft).Methods("GET")
	api.HandleFunc("/drafts/{id}", h.EditDraft).Methods("PATCH")
	api.HandleFunc("/drafts/{id}/complete", h.CompleteDraft).Methods("POST")
	api.HandleFunc("/drafts/{id}/retry", h.RetryDraft).Methods("POST")

	// Sync and status
	api.HandleFunc("/sync", h.Sync).Methods("POST")
	api.HandleFunc("/status", h.Status).Methods("GET")

	// Display names
	api.HandleFunc("/names", h.ListTemplates).Methods("GET")
	api.HandleFunc("/names/{template}", h.ResolveName).Methods("POST")

	return r
}
