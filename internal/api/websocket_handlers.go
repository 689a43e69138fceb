package api

import (
	"net/http"
)

// WebSocket endpoints

// HandleDocumentWebSocket accepts a connection that joins the document in the path
func (h *Handler) HandleDocumentWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHandler.HandleDocumentConnection(w, r)
}

// HandleWebSocket accepts a connection that joins documents with join-document events
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHandler.HandleConnection(w, r)
}
