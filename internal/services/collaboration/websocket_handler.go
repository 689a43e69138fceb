package collaboration

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"

	"drive-collab/internal/logging"
	"drive-collab/internal/middleware"
)

/*
LEARNING: WEBSOCKET UPGRADER

The upgrader converts HTTP connections to WebSocket connections.

Key settings:
- ReadBufferSize/WriteBufferSize: Memory for I/O operations
- CheckOrigin: CORS validation for WebSocket connections
*/

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// the gateway in front of the server enforces allowed origins
		return true
	},
}

// WebSocketHandler handles WebSocket connections for document collaboration
type WebSocketHandler struct {
	sessionManager *SessionManager
	auth           Authenticator
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(sessionManager *SessionManager, auth Authenticator) *WebSocketHandler {
	if auth == nil {
		auth = HeaderAuthenticator{}
	}
	return &WebSocketHandler{
		sessionManager: sessionManager,
		auth:           auth,
	}
}

// HandleConnection accepts a connection that joins documents with
// join-document events.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "")
}

// HandleDocumentConnection accepts a connection and joins the document named
// in the path right away.
func (h *WebSocketHandler) HandleDocumentConnection(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, mux.Vars(r)["id"])
}

func (h *WebSocketHandler) serve(w http.ResponseWriter, r *http.Request, documentID string) {
	logger := logging.From(r.Context())

	identity, err := h.auth.Authenticate(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	ctx, span := middleware.StartSpan(r.Context(), "WebSocket.Connect",
		attribute.String("document.id", documentID),
		attribute.String("user.id", identity.UserID),
		attribute.String("request.id", middleware.GetRequestID(r.Context())),
	)
	defer span.End()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied to the client
		logger.Warnw("failed to upgrade websocket", "error", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	session := h.sessionManager.Connect(identity, conn)

	// the request context ends when this handler returns, the pumps outlive it
	pumpCtx := context.WithoutCancel(ctx)
	go session.WritePump(pumpCtx)

	if documentID != "" {
		if err := h.sessionManager.Join(ctx, session, documentID); err != nil {
			middleware.AddSpanError(ctx, err)
			session.sendError(documentID, err.Error())
		} else {
			middleware.AddSpanEvent(ctx, "session.joined", attribute.String("session.id", session.ID))
		}
	}

	go session.ReadPump(pumpCtx)

	logger.Infow("websocket connection established",
		"session", session.ID,
		"user", identity.UserID,
		"document", documentID,
	)
}
