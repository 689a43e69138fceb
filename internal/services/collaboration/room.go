package collaboration

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"drive-collab/internal/crdt"
	"drive-collab/internal/logging"
	"drive-collab/internal/models"
	"drive-collab/internal/presence"
	"drive-collab/internal/pubsub"
)

// RoomState is the lifecycle state of a room.
type RoomState int

const (
	// RoomEmpty is a room that is being created and has no member yet.
	RoomEmpty RoomState = iota
	// RoomActive has at least one member.
	RoomActive
	// RoomDraining lost its last member and is flushing before teardown.
	RoomDraining
	// RoomDestroyed has been removed from the registry.
	RoomDestroyed
)

func (s RoomState) String() string {
	switch s {
	case RoomEmpty:
		return "empty"
	case RoomActive:
		return "active"
	case RoomDraining:
		return "draining"
	case RoomDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("RoomState(%d)", int(s))
	}
}

// Room is the in-memory meeting point of every session editing one document.
// mu guards everything below it and is only held for in-memory work.
type Room struct {
	id        string
	scheduler *Scheduler
	logger    logging.Logger

	mu          sync.Mutex
	state       RoomState
	doc         *crdt.Doc
	presence    *presence.Store
	sessions    map[string]*Session
	joining     int
	seeded      bool
	drainGen    uint64
	backlog     []pubsub.Message
	unsubscribe func()
}

func newRoom(id string, now func() time.Time) *Room {
	return &Room{
		id:       id,
		logger:   logging.New("room", "document", id),
		state:    RoomEmpty,
		doc:      crdt.New(uuid.NewString()),
		presence: presence.NewStore(now),
		sessions: make(map[string]*Session),
	}
}

// ID returns the document id of the room.
func (r *Room) ID() string {
	return r.id
}

// State returns the lifecycle state.
func (r *Room) State() RoomState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Members returns the number of joined sessions.
func (r *Room) Members() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Content returns the materialized document.
func (r *Room) Content() crdt.Content {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Materialize()
}

// Version returns the version of the document replica.
func (r *Room) Version() crdt.Version {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Version()
}

// Presence returns the presence records of the room.
func (r *Room) Presence() []models.Presence {
	return r.presence.List()
}

// Stats describes a room for the HTTP API.
type Stats struct {
	DocumentID  string            `json:"documentId"`
	State       string            `json:"state"`
	Members     int               `json:"members"`
	Title       string            `json:"title"`
	Version     string            `json:"version"`
	PendingSave bool              `json:"pendingSave"`
	Presence    []models.Presence `json:"presence"`
}

// Stats returns a snapshot of the room.
func (r *Room) Stats() Stats {
	r.mu.Lock()
	stats := Stats{
		DocumentID: r.id,
		State:      r.state.String(),
		Members:    len(r.sessions),
		Title:      r.doc.Title(),
		Version:    r.doc.Version().String(),
	}
	r.mu.Unlock()

	stats.PendingSave = r.scheduler.Pending()
	stats.Presence = r.presence.List()
	return stats
}

// snapshot captures what the scheduler saves.
func (r *Room) snapshot() (models.DocumentSnapshot, crdt.Version) {
	r.mu.Lock()
	defer r.mu.Unlock()

	content := r.doc.Materialize()
	version := r.doc.Version()
	state, err := r.doc.EncodeState()
	if err != nil {
		// State is rebuilt from text on the next load.
		r.logger.Errorw("failed to encode document state", "error", err)
	}
	return models.DocumentSnapshot{
		Title:   content.Title,
		Content: content.Text,
		State:   state,
		Version: version.String(),
	}, version
}

// seedLocked initializes the replica from the stored document. doc may be
// nil for a document that was never saved.
func (r *Room) seedLocked(doc *models.Document) {
	if doc != nil && len(doc.State) > 0 {
		ok, err := r.doc.SeedState(doc.State)
		if err == nil && ok {
			return
		}
		if err != nil {
			r.logger.Errorw("stored state is unreadable, seeding from content", "error", err)
		}
	}
	if doc != nil {
		r.doc.Seed(crdt.Content{Title: doc.Title, Text: doc.Content})
	}
}

// savedLocked reports whether the last saved version is the current one.
func (r *Room) savedLocked() bool {
	saved, ok := r.scheduler.LastSaved()
	return ok && saved.Equal(r.doc.Version())
}

func (r *Room) isMemberLocked(s *Session) bool {
	return s != nil && r.sessions[s.ID] == s
}

// hasUserLocked reports whether another session of userID is still joined.
func (r *Room) hasUserLocked(userID string) bool {
	for _, s := range r.sessions {
		if s.UserID == userID {
			return true
		}
	}
	return false
}

// broadcastLocked enqueues msg on every member except sender.
func (r *Room) broadcastLocked(msg []byte, sender *Session) {
	for _, s := range r.sessions {
		if s == sender {
			continue
		}
		if !s.enqueue(msg) {
			s.kick()
		}
	}
}

func (r *Room) loadDocumentLocked() []byte {
	content := r.doc.Materialize()
	state, err := r.doc.EncodeState()
	if err != nil {
		r.logger.Errorw("failed to encode document state", "error", err)
	}
	return mustEncodeEvent(EventLoadDocument, r.id, LoadDocumentPayload{
		Title:   content.Title,
		Content: content.Text,
		State:   state,
		Version: r.doc.Version().String(),
	})
}

func (r *Room) presenceStateLocked() []byte {
	return mustEncodeEvent(EventPresenceState, r.id, PresenceStatePayload{
		Presences: presenceEntries(r.presence.List()),
	})
}

func (r *Room) userCountLocked() []byte {
	return mustEncodeEvent(EventUserCount, r.id, UserCountPayload{Count: len(r.sessions)})
}

// applyUpdate merges an update sent by sender, or relayed from another
// instance when sender is nil, and fans it out. It reports whether the
// update was new.
func (r *Room) applyUpdate(sender *Session, update []byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sender != nil && !r.isMemberLocked(sender) {
		return false, ErrNotJoined
	}
	if r.state == RoomDestroyed {
		return false, ErrRoomClosed
	}
	return r.applyUpdateLocked(sender, update)
}

func (r *Room) applyUpdateLocked(sender *Session, update []byte) (bool, error) {
	title := r.doc.Title()
	pending := r.doc.PendingLen()

	applied, err := r.doc.ApplyRemote(update)
	if err != nil {
		return false, err
	}
	if !applied && r.doc.PendingLen() == pending {
		return false, nil
	}

	r.broadcastLocked(mustEncodeEvent(EventReceiveChanges, r.id, ChangesPayload{Update: update}), sender)
	if r.doc.Title() != title {
		r.broadcastLocked(mustEncodeEvent(EventTitleUpdated, r.id, TitlePayload{Title: r.doc.Title()}), sender)
	}
	if applied {
		r.scheduler.Touch()
	}
	return true, nil
}

// changeTitle sets the title on behalf of sender and returns the update to
// relay. The sender receives the update so its replica stays in sync.
func (r *Room) changeTitle(sender *Session, title string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isMemberLocked(sender) {
		return nil, ErrNotJoined
	}

	update, _, err := r.doc.ApplyLocal(crdt.SetTitle(title))
	if err != nil {
		return nil, err
	}
	r.broadcastLocked(mustEncodeEvent(EventReceiveChanges, r.id, ChangesPayload{Update: update}), nil)
	r.broadcastLocked(mustEncodeEvent(EventTitleUpdated, r.id, TitlePayload{Title: r.doc.Title()}), sender)
	r.scheduler.Touch()
	return update, nil
}

// updatePresence records the cursor of sender and shows it to the others.
func (r *Room) updatePresence(sender *Session, cursor *models.Cursor) (models.Presence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isMemberLocked(sender) {
		return models.Presence{}, ErrNotJoined
	}
	rec := r.presence.Upsert(sender.UserID, sender.ID, sender.UserName, cursor)
	r.broadcastLocked(r.presenceStateLocked(), sender)
	return rec, nil
}

// touchPresence refreshes the presence of s. It recreates a record that the
// sweep evicted while the connection was still alive.
func (r *Room) touchPresence(s *Session) (models.Presence, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isMemberLocked(s) {
		return models.Presence{}, false
	}
	if r.presence.Touch(s.UserID, s.ID) {
		rec, _ := r.presence.Get(s.UserID)
		return rec, true
	}
	rec := r.presence.Upsert(s.UserID, s.ID, s.UserName, nil)
	r.broadcastLocked(r.presenceStateLocked(), nil)
	return rec, true
}

// sweepPresence evicts stale records and returns their user ids.
func (r *Room) sweepPresence(staleAfter time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := r.presence.Sweep(staleAfter)
	if len(evicted) > 0 {
		r.broadcastLocked(r.presenceStateLocked(), nil)
	}
	return evicted
}

// applyRelayed merges a message published by another instance. Messages
// that arrive before the room is seeded are replayed after seeding.
func (r *Room) applyRelayed(msg pubsub.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == RoomDestroyed {
		return
	}
	if !r.seeded {
		r.backlog = append(r.backlog, msg)
		return
	}
	r.applyRelayedLocked(msg)
}

func (r *Room) applyRelayedLocked(msg pubsub.Message) {
	switch msg.Kind {
	case pubsub.KindUpdate:
		if _, err := r.applyUpdateLocked(nil, msg.Update); err != nil {
			r.logger.Warnw("dropping relayed update", "origin", msg.Origin, "error", err)
		}
	case pubsub.KindPresence:
		if msg.Presence == nil {
			return
		}
		if r.presence.Merge(*msg.Presence) {
			r.broadcastLocked(r.presenceStateLocked(), nil)
		}
	case pubsub.KindPresenceRemove:
		// a user connected here as well keeps their record
		if r.hasUserLocked(msg.UserID) {
			return
		}
		if r.presence.Remove(msg.UserID) {
			r.broadcastLocked(r.presenceStateLocked(), nil)
		}
	default:
		r.logger.Warnw("unknown relay message", "kind", msg.Kind, "origin", msg.Origin)
	}
}

func (r *Room) replayBacklogLocked() {
	backlog := r.backlog
	r.backlog = nil
	for _, msg := range backlog {
		r.applyRelayedLocked(msg)
	}
}
