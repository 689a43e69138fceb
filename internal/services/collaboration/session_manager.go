package collaboration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"drive-collab/internal/config"
	"drive-collab/internal/crdt"
	"drive-collab/internal/logging"
	"drive-collab/internal/metrics"
	"drive-collab/internal/models"
	"drive-collab/internal/pubsub"
)

/*
LEARNING: WEBSOCKET SESSION MANAGER

The manager is the entry point of everything a connection does:
1. **Dispatch**: decoded events are routed to the registry and rooms
2. **Housekeeping**: a ticker sweeps stale presence records
3. **Relay**: accepted changes are published to other instances
4. **Shutdown**: sessions are closed and every room is flushed concurrently
*/

// SessionManager manages all active WebSocket sessions
type SessionManager struct {
	cfg        config.CollabConfig
	registry   *Registry
	relay      Relay
	metrics    *metrics.Metrics
	instanceID string
	logger     logging.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// Option configures a SessionManager.
type Option func(*SessionManager)

// WithRelay publishes changes to other instances through relay.
func WithRelay(relay Relay) Option {
	return func(m *SessionManager) { m.relay = relay }
}

// WithMetrics records metrics on m instead of a private registry.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *SessionManager) { m.metrics = mt }
}

// WithInstanceID overrides the generated instance id.
func WithInstanceID(id string) Option {
	return func(m *SessionManager) { m.instanceID = id }
}

// WithClock sets the clock of presence timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *SessionManager) { m.registry.now = now }
}

// NewSessionManager creates a new session manager
func NewSessionManager(cfg config.CollabConfig, store DocumentStore, opts ...Option) *SessionManager {
	m := &SessionManager{
		cfg:        cfg,
		instanceID: uuid.NewString(),
		sessions:   make(map[string]*Session),
		done:       make(chan struct{}),
	}
	m.registry = NewRegistry(cfg, store, nil)
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = metrics.NewMetrics()
	}
	m.registry.metrics = m.metrics
	m.logger = logging.New("collaboration", "instance", m.instanceID)
	if m.relay != nil {
		m.registry.subscribe = m.subscribe
	}
	return m
}

// Registry returns the room registry.
func (m *SessionManager) Registry() *Registry {
	return m.registry
}

// InstanceID returns the id this instance publishes relay messages with.
func (m *SessionManager) InstanceID() string {
	return m.instanceID
}

// Start begins the housekeeping loop
func (m *SessionManager) Start() {
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.housekeeping()
		m.logger.Infow("session manager started",
			"sweep_interval", m.cfg.PresenceSweepInterval,
			"stale_after", m.cfg.PresenceStaleAfter,
			"save_debounce", m.cfg.SaveDebounce,
		)
	})
}

func (m *SessionManager) housekeeping() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PresenceSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.SweepPresence()
		}
	}
}

// SweepPresence evicts presence records older than the staleness window in
// every room and returns how many were evicted.
func (m *SessionManager) SweepPresence() int {
	total := 0
	for _, room := range m.registry.Rooms() {
		evicted := room.sweepPresence(m.cfg.PresenceStaleAfter)
		if len(evicted) > 0 {
			room.logger.Infow("stale presence evicted", "users", evicted)
		}
		total += len(evicted)
	}
	if total > 0 {
		m.metrics.AddPresenceEvicted(total)
	}
	return total
}

// Connect registers a new session for conn. conn may be nil for sessions
// driven without a socket.
func (m *SessionManager) Connect(id Identity, conn *websocket.Conn) *Session {
	s := newSession(id, conn, m.cfg.SendBufferSize, m)

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.metrics.AddSessions(1)
	s.logger.Debugw("session connected")
	return s
}

// Disconnect leaves the joined document, if any, and forgets s. An abrupt
// disconnect goes through the same path as an explicit leave.
func (m *SessionManager) Disconnect(s *Session) {
	m.mu.Lock()
	_, ok := m.sessions[s.ID]
	delete(m.sessions, s.ID)
	m.mu.Unlock()
	if !ok {
		return
	}

	if s.DocumentID() != "" {
		if err := m.Leave(context.Background(), s); err != nil && !errors.Is(err, ErrNotJoined) {
			s.logger.Warnw("leave on disconnect failed", "error", err)
		}
	}
	s.close()
	m.metrics.AddSessions(-1)
	s.logger.Debugw("session disconnected")
}

// Sessions returns the number of connected sessions.
func (m *SessionManager) Sessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// HandleMessage decodes one frame of s and dispatches it. Errors are reported
// to the sender only.
func (m *SessionManager) HandleMessage(ctx context.Context, s *Session, raw []byte) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		s.sendError("", err.Error())
		return
	}

	if err := m.dispatch(ctx, s, env); err != nil {
		documentID := env.DocumentID
		if documentID == "" {
			documentID = s.DocumentID()
		}
		s.logger.Debugw("event rejected", "type", env.Type, "document", documentID, "error", err)
		s.sendError(documentID, err.Error())
	}
}

func (m *SessionManager) dispatch(ctx context.Context, s *Session, env Envelope) error {
	if env.Type != EventJoinDocument && env.DocumentID != "" && env.DocumentID != s.DocumentID() {
		return fmt.Errorf("%s for %s: %w", env.Type, env.DocumentID, ErrNotJoined)
	}

	switch env.Type {
	case EventJoinDocument:
		var p JoinPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		if env.DocumentID == "" {
			return fmt.Errorf("%w: join-document requires documentId", errMalformedMessage)
		}
		if p.UserID != "" && p.UserID != s.UserID {
			return fmt.Errorf("join-document: user %s does not match the connection", p.UserID)
		}
		return m.Join(ctx, s, env.DocumentID)

	case EventSendChanges:
		var p ChangesPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		return m.ApplyChanges(ctx, s, p.Update)

	case EventTitleChange:
		var p TitlePayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		return m.ChangeTitle(ctx, s, p.Title)

	case EventPresenceUpdate:
		var p PresencePayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		return m.UpdatePresence(ctx, s, p.Cursor)

	case EventLeaveDocument:
		return m.Leave(ctx, s)

	case EventHeartbeat:
		m.Heartbeat(ctx, s)
		return nil

	default:
		return fmt.Errorf("%w: unknown event type %q", errMalformedMessage, env.Type)
	}
}

// Join adds s to the room of documentID. A session joined to another
// document leaves it first.
func (m *SessionManager) Join(ctx context.Context, s *Session, documentID string) error {
	switch cur := s.DocumentID(); cur {
	case documentID:
		return nil
	case "":
	default:
		if err := m.Leave(ctx, s); err != nil && !errors.Is(err, ErrNotJoined) {
			return err
		}
	}

	room, err := m.registry.Join(ctx, documentID, s)
	if err != nil {
		return err
	}
	s.setDocumentID(documentID)

	if rec, ok := room.presence.Get(s.UserID); ok {
		m.publish(ctx, pubsub.Message{DocumentID: documentID, Kind: pubsub.KindPresence, Presence: &rec})
	}
	return nil
}

// Leave removes s from its document.
func (m *SessionManager) Leave(ctx context.Context, s *Session) error {
	documentID := s.DocumentID()
	if documentID == "" {
		return ErrNotJoined
	}
	s.setDocumentID("")

	removed, err := m.registry.Leave(documentID, s)
	if err != nil {
		return err
	}
	if removed {
		m.publish(ctx, pubsub.Message{DocumentID: documentID, Kind: pubsub.KindPresenceRemove, UserID: s.UserID})
	}
	return nil
}

func (m *SessionManager) joinedRoom(s *Session) (*Room, error) {
	documentID := s.DocumentID()
	if documentID == "" {
		return nil, ErrNotJoined
	}
	room, ok := m.registry.Room(documentID)
	if !ok {
		return nil, ErrRoomClosed
	}
	return room, nil
}

// ApplyChanges merges an update sent by s into its room and relays it.
func (m *SessionManager) ApplyChanges(ctx context.Context, s *Session, update []byte) error {
	room, err := m.joinedRoom(s)
	if err != nil {
		return err
	}

	fresh, err := room.applyUpdate(s, update)
	if err != nil {
		if errors.Is(err, crdt.ErrInvalidUpdate) {
			m.metrics.IncUpdatesRejected()
			room.logger.Warnw("rejected update", "session", s.ID, "error", err)
		}
		return err
	}
	if !fresh {
		return nil
	}
	m.metrics.IncUpdatesApplied()
	m.publish(ctx, pubsub.Message{DocumentID: room.id, Kind: pubsub.KindUpdate, Update: update})
	return nil
}

// ChangeTitle renames the document of s.
func (m *SessionManager) ChangeTitle(ctx context.Context, s *Session, title string) error {
	room, err := m.joinedRoom(s)
	if err != nil {
		return err
	}

	update, err := room.changeTitle(s, title)
	if err != nil {
		return err
	}
	m.metrics.IncUpdatesApplied()
	m.publish(ctx, pubsub.Message{DocumentID: room.id, Kind: pubsub.KindUpdate, Update: update})
	return nil
}

// UpdatePresence records the cursor of s.
func (m *SessionManager) UpdatePresence(ctx context.Context, s *Session, cursor *models.Cursor) error {
	room, err := m.joinedRoom(s)
	if err != nil {
		return err
	}

	rec, err := room.updatePresence(s, cursor)
	if err != nil {
		return err
	}
	m.publish(ctx, pubsub.Message{DocumentID: room.id, Kind: pubsub.KindPresence, Presence: &rec})
	return nil
}

// Heartbeat refreshes the presence of s. Sessions that have not joined a
// document only prove liveness.
func (m *SessionManager) Heartbeat(ctx context.Context, s *Session) {
	s.markActive()

	room, err := m.joinedRoom(s)
	if err != nil {
		return
	}
	if rec, ok := room.touchPresence(s); ok {
		m.publish(ctx, pubsub.Message{DocumentID: room.id, Kind: pubsub.KindPresence, Presence: &rec})
	}
}

// RoomStats returns the stats of the room of documentID.
func (m *SessionManager) RoomStats(documentID string) (Stats, bool) {
	room, ok := m.registry.Room(documentID)
	if !ok {
		return Stats{}, false
	}
	return room.Stats(), true
}

func (m *SessionManager) publish(ctx context.Context, msg pubsub.Message) {
	if m.relay == nil {
		return
	}
	msg.Origin = m.instanceID
	if err := m.relay.Publish(ctx, msg); err != nil {
		m.logger.Warnw("failed to publish relay message", "document", msg.DocumentID, "kind", msg.Kind, "error", err)
		return
	}
	m.metrics.IncRelay("out")
}

func (m *SessionManager) subscribe(ctx context.Context, room *Room) (func(), error) {
	return m.relay.Subscribe(ctx, room.id, func(msg pubsub.Message) {
		if msg.Origin == m.instanceID {
			return
		}
		m.metrics.IncRelay("in")
		room.applyRelayed(msg)
	})
}

// Shutdown gracefully closes all connections and flushes every room.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		m.logger.Info("shutting down session manager")
		close(m.done)
		m.wg.Wait()

		m.mu.RLock()
		for _, s := range m.sessions {
			s.close()
		}
		m.mu.RUnlock()

		if err = m.registry.FlushAll(ctx); err != nil {
			m.logger.Errorw("failed to flush rooms on shutdown", "error", err)
		}
		m.registry.Close()
		m.logger.Info("session manager shutdown complete")
	})
	return err
}
