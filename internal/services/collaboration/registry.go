package collaboration

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"drive-collab/internal/config"
	"drive-collab/internal/logging"
	"drive-collab/internal/metrics"
	"drive-collab/internal/middleware"
	"drive-collab/internal/models"
)

/*
LEARNING: ROOM LIFECYCLE

	EMPTY --first join--> ACTIVE --last leave--> DRAINING --flushed--> DESTROYED
	                        ^                        |
	                        +-------- join ----------+

Lock order is registry.mu, then room.mu, then the scheduler's lock. Store
loads, saves and relay calls happen with no lock held.
*/

// subscribeFunc attaches a room to the cross-instance relay.
type subscribeFunc func(ctx context.Context, room *Room) (func(), error)

// Registry maps document ids to live rooms.
type Registry struct {
	cfg       config.CollabConfig
	store     DocumentStore
	metrics   *metrics.Metrics
	subscribe subscribeFunc
	now       func() time.Time
	logger    logging.Logger

	seeds singleflight.Group

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg config.CollabConfig, store DocumentStore, m *metrics.Metrics) *Registry {
	return &Registry{
		cfg:     cfg,
		store:   store,
		metrics: m,
		now:     time.Now,
		logger:  logging.New("registry"),
		rooms:   make(map[string]*Room),
	}
}

// Room returns the live room of documentID.
func (r *Registry) Room(documentID string) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[documentID]
	return room, ok
}

// Rooms returns the live rooms ordered by document id.
func (r *Registry) Rooms() []*Room {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].id < rooms[j].id })
	return rooms
}

// Len returns the number of live rooms.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Join adds s to the room of documentID, creating and seeding the room on
// first use. The joining session receives the document snapshot before any
// later change.
func (r *Registry) Join(ctx context.Context, documentID string, s *Session) (*Room, error) {
	ctx, span := middleware.StartSpan(ctx, "Registry.Join",
		attribute.String("document.id", documentID),
		attribute.String("session.id", s.ID),
	)
	defer span.End()

	room, err := r.acquire(documentID)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, err
	}

	if err := r.seed(ctx, room); err != nil {
		middleware.AddSpanError(ctx, err)
		r.release(room)
		return nil, err
	}

	room.mu.Lock()
	room.joining--
	room.sessions[s.ID] = s
	room.state = RoomActive
	room.presence.Upsert(s.UserID, s.ID, s.UserName, nil)

	// snapshot first so no delta can overtake it
	if !s.enqueue(room.loadDocumentLocked()) || !s.enqueue(room.presenceStateLocked()) {
		s.kick()
	}
	room.broadcastLocked(room.presenceStateLocked(), s)
	room.broadcastLocked(room.userCountLocked(), nil)
	members := len(room.sessions)
	room.mu.Unlock()

	r.logger.Infow("session joined", "document", documentID, "session", s.ID, "user", s.UserID, "members", members)
	return room, nil
}

// acquire returns the room of documentID, creating it if needed, and marks a
// join in progress so the room cannot be torn down underneath it.
func (r *Registry) acquire(documentID string) (*Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[documentID]
	if !ok {
		if r.cfg.MaxRooms > 0 && len(r.rooms) >= r.cfg.MaxRooms {
			return nil, fmt.Errorf("join %s: %w", documentID, ErrRegistryFull)
		}
		room = newRoom(documentID, r.now)
		room.scheduler = NewScheduler(documentID, r.cfg.SaveDebounce, r.cfg.SaveTimeout,
			room.snapshot, r.saveFunc(documentID), r.metrics)
		r.rooms[documentID] = room
		r.metrics.SetRoomsActive(len(r.rooms))
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	room.joining++
	if room.state == RoomDraining {
		// cancels the teardown in flight
		room.state = RoomActive
		room.drainGen++
		r.logger.Infow("teardown cancelled by join", "document", documentID)
	}
	return room, nil
}

// release undoes acquire after a failed join.
func (r *Registry) release(room *Room) {
	r.mu.Lock()
	room.mu.Lock()
	room.joining--
	if room.joining > 0 || len(room.sessions) > 0 || room.state != RoomEmpty {
		room.mu.Unlock()
		r.mu.Unlock()
		return
	}
	unsubscribe := r.destroyLocked(room)
	room.mu.Unlock()
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (r *Registry) saveFunc(documentID string) SaveFunc {
	return func(ctx context.Context, snap models.DocumentSnapshot) error {
		if err := r.store.Save(ctx, documentID, snap); err != nil {
			return fmt.Errorf("save document %s: %w", documentID, err)
		}
		return nil
	}
}

// seed loads the stored document into the room exactly once. Concurrent
// joins of a new room share one load.
func (r *Registry) seed(ctx context.Context, room *Room) error {
	room.mu.Lock()
	seeded := room.seeded
	room.mu.Unlock()
	if seeded {
		return nil
	}

	_, err, _ := r.seeds.Do(room.id, func() (interface{}, error) {
		room.mu.Lock()
		seeded, subscribed := room.seeded, room.unsubscribe != nil
		room.mu.Unlock()
		if seeded {
			return nil, nil
		}

		// the load outlives a joiner that gives up; the others still wait on it
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.SeedTimeout)
		defer cancel()

		if r.subscribe != nil && !subscribed {
			unsubscribe, err := r.subscribe(loadCtx, room)
			if err != nil {
				r.logger.Warnw("relay unavailable, room stays local", "document", room.id, "error", err)
			} else {
				room.mu.Lock()
				room.unsubscribe = unsubscribe
				room.mu.Unlock()
			}
		}

		loadCtx, span := middleware.StartSpan(loadCtx, "Registry.LoadDocument",
			attribute.String("document.id", room.id))
		doc, err := r.store.Load(loadCtx, room.id)
		if err != nil {
			middleware.AddSpanError(loadCtx, err)
			span.End()
			return nil, fmt.Errorf("load document %s: %w", room.id, err)
		}
		span.End()

		room.mu.Lock()
		defer room.mu.Unlock()
		if room.seeded {
			return nil, nil
		}
		room.seedLocked(doc)
		room.seeded = true
		room.scheduler.MarkSaved(room.doc.Version())
		room.replayBacklogLocked()
		return nil, nil
	})
	if err != nil {
		r.logger.Errorw("failed to seed room", "document", room.id, "error", err)
	}
	return err
}

// Leave removes s from the room of documentID. When the last member leaves
// the room is flushed and torn down before Leave returns, unless another
// session joins meanwhile. It reports whether the presence record of the
// user was removed.
func (r *Registry) Leave(documentID string, s *Session) (bool, error) {
	room, ok := r.Room(documentID)
	if !ok {
		return false, ErrNotJoined
	}

	room.mu.Lock()
	if !room.isMemberLocked(s) {
		room.mu.Unlock()
		return false, ErrNotJoined
	}
	delete(room.sessions, s.ID)

	removed := false
	if !room.hasUserLocked(s.UserID) {
		removed = room.presence.Remove(s.UserID)
	}
	members := len(room.sessions)
	room.broadcastLocked(room.presenceStateLocked(), nil)
	room.broadcastLocked(room.userCountLocked(), nil)

	drain := members == 0 && room.joining == 0
	var gen uint64
	if drain {
		room.state = RoomDraining
		room.drainGen++
		gen = room.drainGen
	}
	room.mu.Unlock()

	r.logger.Infow("session left", "document", documentID, "session", s.ID, "user", s.UserID, "members", members)

	if drain {
		r.drain(room, gen)
	}
	return removed, nil
}

// drain flushes a room that lost its last member and destroys it. A failed
// flush is retried once; if that fails too the unsaved changes are lost.
// Relayed updates can still land while the room drains, so the room is only
// destroyed once its saved version matches the document.
func (r *Registry) drain(room *Room, gen uint64) {
	ctx, span := middleware.StartSpan(context.Background(), "Registry.Drain",
		attribute.String("document.id", room.id))
	defer span.End()

	flush := func() error {
		flushCtx, cancel := context.WithTimeout(ctx, r.cfg.SaveTimeout)
		defer cancel()
		return room.scheduler.Flush(flushCtx)
	}

	for {
		err := backoff.Retry(flush, backoff.WithMaxRetries(backoff.NewConstantBackOff(r.cfg.DrainRetryDelay), 1))

		r.mu.Lock()
		room.mu.Lock()
		if room.state != RoomDraining || room.drainGen != gen {
			room.mu.Unlock()
			r.mu.Unlock()
			middleware.AddSpanEvent(ctx, "teardown.cancelled")
			if err != nil {
				// the room is alive again, keep trying on the debounce
				room.scheduler.Touch()
			}
			return
		}
		if err == nil && !room.savedLocked() {
			room.mu.Unlock()
			r.mu.Unlock()
			middleware.AddSpanEvent(ctx, "teardown.reflush")
			r.logger.Infow("changes arrived while draining, flushing again", "document", room.id)
			continue
		}
		if err != nil {
			middleware.AddSpanError(ctx, err)
			middleware.AddSpanEvent(ctx, "room.abandoned",
				attribute.String("document.version", room.doc.Version().String()))
			r.metrics.ObserveSave(metrics.SaveAbandoned, 0)
			r.logger.Errorw("data loss: unsaved changes dropped with room",
				"document", room.id, "version", room.doc.Version().String(), "error", err)
		}
		unsubscribe := r.destroyLocked(room)
		room.mu.Unlock()
		r.mu.Unlock()

		if unsubscribe != nil {
			unsubscribe()
		}
		r.logger.Infow("room destroyed", "document", room.id)
		return
	}
}

// destroyLocked removes room from the registry. Both r.mu and room.mu must
// be held. The returned function detaches the relay and must be called
// after the locks are released.
func (r *Registry) destroyLocked(room *Room) func() {
	if cur, ok := r.rooms[room.id]; ok && cur == room {
		delete(r.rooms, room.id)
	}
	room.state = RoomDestroyed
	room.scheduler.Stop()
	unsubscribe := room.unsubscribe
	room.unsubscribe = nil
	r.metrics.SetRoomsActive(len(r.rooms))
	return unsubscribe
}

// Broadcast sends msg to every member of the room except sender.
func (r *Registry) Broadcast(documentID string, sender *Session, msg []byte) {
	room, ok := r.Room(documentID)
	if !ok {
		return
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	room.broadcastLocked(msg, sender)
}

// FlushAll saves every room concurrently. Every room is attempted even when
// some fail; the first error is returned.
func (r *Registry) FlushAll(ctx context.Context) error {
	var g errgroup.Group
	for _, room := range r.Rooms() {
		room := room
		g.Go(func() error {
			return room.scheduler.Flush(ctx)
		})
	}
	return g.Wait()
}

// Close stops every room and detaches it from the relay. Call FlushAll
// first.
func (r *Registry) Close() {
	r.mu.Lock()
	var unsubscribes []func()
	for _, room := range r.rooms {
		room.mu.Lock()
		if unsubscribe := r.destroyLocked(room); unsubscribe != nil {
			unsubscribes = append(unsubscribes, unsubscribe)
		}
		room.mu.Unlock()
	}
	r.mu.Unlock()

	for _, unsubscribe := range unsubscribes {
		unsubscribe()
	}
}
