package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"drive-collab/internal/logging"
	"drive-collab/internal/services/collaboration"
)

const (
	defaultRevisionLimit = 20
	maxRevisionLimit     = 100
)

// Handler handles HTTP requests
// Learning: Uses INTERFACES defined in this package (consumer-driven)
type Handler struct {
	rooms     RoomService
	docs      DocumentReader
	revisions RevisionLister // nil when the store keeps no history
	wsHandler *collaboration.WebSocketHandler
	metrics   http.Handler
}

// NewHandler wires the HTTP handlers. revisions and metrics may be nil.
func NewHandler(
	rooms RoomService,
	docs DocumentReader,
	revisions RevisionLister,
	wsHandler *collaboration.WebSocketHandler,
	metrics http.Handler,
) *Handler {
	return &Handler{
		rooms:     rooms,
		docs:      docs,
		revisions: revisions,
		wsHandler: wsHandler,
		metrics:   metrics,
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.From(r.Context()).Warnw("failed to write response", "error", err)
	}
}

// Health reports that the server is up.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// GetRoom returns the live state of a room.
func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	stats, ok := h.rooms.RoomStats(id)
	if !ok {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}

// GetDocument returns the stored copy of a document.
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	doc, err := h.docs.Load(r.Context(), id)
	if err != nil {
		logging.From(r.Context()).Errorw("failed to load document", "document", id, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if doc == nil {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}
	writeJSON(w, r, http.StatusOK, doc)
}

// ListRevisions returns the newest saved revisions of a document.
func (h *Handler) ListRevisions(w http.ResponseWriter, r *http.Request) {
	if h.revisions == nil {
		http.Error(w, "revisions are not kept by this store", http.StatusNotImplemented)
		return
	}
	id := mux.Vars(r)["id"]

	limit := defaultRevisionLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	if limit > maxRevisionLimit {
		limit = maxRevisionLimit
	}

	revisions, err := h.revisions.Revisions(r.Context(), id, limit)
	if err != nil {
		logging.From(r.Context()).Errorw("failed to list revisions", "document", id, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"documentId": id,
		"revisions":  revisions,
		"limit":      limit,
	})
}
