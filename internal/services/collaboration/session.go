package collaboration

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"

	"drive-collab/internal/logging"
	"drive-collab/internal/middleware"
	"drive-collab/internal/models"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

// Session represents an active WebSocket connection
// Learning: Send is never closed. Producers select on done instead, so a
// broadcast racing with a disconnect cannot panic.
type Session struct {
	*models.Session
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	manager *SessionManager
	logger  logging.Logger

	closeOnce  sync.Once
	lastActive atomic.Int64

	mu         sync.Mutex
	documentID string
}

func newSession(id Identity, conn *websocket.Conn, bufferSize int, manager *SessionManager) *Session {
	s := &Session{
		Session: models.NewSession(id.UserID, id.UserName),
		conn:    conn,
		send:    make(chan []byte, bufferSize),
		done:    make(chan struct{}),
		manager: manager,
	}
	s.logger = logging.New("session", "session", s.ID, "user", s.UserID)
	s.markActive()
	return s
}

// DocumentID returns the document the session has joined, or "".
func (s *Session) DocumentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.documentID
}

func (s *Session) setDocumentID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documentID = id
}

// enqueue queues msg without blocking. It returns false when the buffer is
// full and the session must be disconnected.
func (s *Session) enqueue(msg []byte) bool {
	select {
	case <-s.done:
		return true
	default:
	}

	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

// kick disconnects a session that cannot keep up.
func (s *Session) kick() {
	s.logger.Warnw("send buffer full, closing connection", "buffered", len(s.send))
	s.close()
}

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) sendError(documentID, message string) {
	if !s.enqueue(mustEncodeEvent(EventError, documentID, ErrorPayload{Message: message})) {
		s.kick()
	}
}

func (s *Session) markActive() {
	s.lastActive.Store(time.Now().UnixNano())
}

// activeWithin reports whether a frame or pong arrived within d.
func (s *Session) activeWithin(d time.Duration) bool {
	return time.Since(time.Unix(0, s.lastActive.Load())) <= d
}

// ReadPump reads messages from the WebSocket connection
// Learning: Each session has its own goroutine reading from the WebSocket
func (s *Session) ReadPump(ctx context.Context) {
	defer func() {
		s.manager.Disconnect(s)
		s.conn.Close()
	}()

	readWait := s.manager.cfg.PresenceStaleAfter + s.manager.cfg.HeartbeatInterval
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(readWait))
	s.conn.SetPongHandler(func(string) error {
		s.markActive()
		return s.conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warnw("websocket read failed", "error", err)
			}
			return
		}

		s.markActive()
		_ = s.conn.SetReadDeadline(time.Now().Add(readWait))

		msgCtx, span := middleware.StartSpan(ctx, "WebSocket.ProcessMessage",
			attribute.String("session.id", s.ID),
			attribute.Int("message.size", len(message)),
		)
		s.manager.HandleMessage(msgCtx, s, message)
		span.End()
	}
}

// WritePump writes messages to the WebSocket connection
// Learning: Separate goroutine for writing prevents blocking on slow clients.
// It also drives the heartbeat: every tick pings the client and refreshes the
// user's presence if the connection is still alive.
func (s *Session) WritePump(ctx context.Context) {
	ticker := time.NewTicker(s.manager.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ctx.Done():
			return

		case message := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Debugw("websocket write failed", "error", err)
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			if s.activeWithin(s.manager.cfg.PresenceStaleAfter) {
				s.manager.Heartbeat(ctx, s)
			}
		}
	}
}
