package api

import (
	"drive-collab/internal/middleware"

	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler) *mux.Router {
	r := mux.NewRouter()

	// Apply global middleware
	// Learning: Middleware runs in order - tracing first, then recovery, then CORS
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware)

	// API routes
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", h.Health).Methods("GET")
	api.HandleFunc("/rooms/{id}", h.GetRoom).Methods("GET")
	api.HandleFunc("/documents/{id}", h.GetDocument).Methods("GET")
	api.HandleFunc("/documents/{id}/revisions", h.ListRevisions).Methods("GET")

	if h.metrics != nil {
		r.Handle("/metrics", h.metrics).Methods("GET")
	}

	// WebSocket routes
	r.HandleFunc("/ws", h.HandleWebSocket)
	r.HandleFunc("/ws/document/{id}", h.HandleDocumentWebSocket)

	return r
}
