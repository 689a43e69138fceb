// Package presence keeps the ephemeral awareness records of one document:
// who is connected and where their cursor is. Records are never persisted.
package presence

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"drive-collab/internal/models"
)

// palette holds the cursor colors handed out to users.
var palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231",
	"#911eb4", "#42d4f4", "#f032e6", "#469990",
	"#9a6324", "#800000", "#808000", "#000075",
}

// ColorFor returns the cursor color of userID. The same user always gets the
// same color.
func ColorFor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return palette[h.Sum32()%uint32(len(palette))]
}

// Store holds at most one record per user.
type Store struct {
	mu      sync.RWMutex
	records map[string]*models.Presence
	now     func() time.Time
	last    int64
}

// NewStore creates an empty store. now defaults to time.Now.
func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		records: make(map[string]*models.Presence),
		now:     now,
	}
}

// stamp returns a timestamp greater than every timestamp issued before.
func (s *Store) stamp() int64 {
	ts := s.now().UnixNano()
	if ts <= s.last {
		ts = s.last + 1
	}
	s.last = ts
	return ts
}

// Upsert records the cursor of userID as reported by sessionID. A nil cursor
// keeps the previously known cursor.
func (s *Store) Upsert(userID, sessionID, name string, cursor *models.Cursor) models.Presence {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[userID]
	if !ok {
		rec = &models.Presence{UserID: userID, Color: ColorFor(userID)}
		s.records[userID] = rec
	}
	rec.SessionID = sessionID
	rec.Name = name
	if cursor != nil {
		c := *cursor
		rec.Cursor = &c
	}
	rec.Timestamp = s.stamp()
	return *rec
}

// Merge folds in a record produced elsewhere. The record with the greatest
// timestamp wins; equal timestamps are decided by the greater session id.
// It reports whether the store changed.
func (s *Store) Merge(rec models.Presence) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.records[rec.UserID]; ok {
		if rec.Timestamp < cur.Timestamp {
			return false
		}
		if rec.Timestamp == cur.Timestamp && rec.SessionID <= cur.SessionID {
			return false
		}
	}
	if rec.Color == "" {
		rec.Color = ColorFor(rec.UserID)
	}
	if rec.Cursor != nil {
		c := *rec.Cursor
		rec.Cursor = &c
	}
	if rec.Timestamp > s.last {
		s.last = rec.Timestamp
	}
	s.records[rec.UserID] = &rec
	return true
}

// Touch refreshes the timestamp of userID without moving the cursor. It
// reports whether a record existed.
func (s *Store) Touch(userID, sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[userID]
	if !ok {
		return false
	}
	rec.SessionID = sessionID
	rec.Timestamp = s.stamp()
	return true
}

// Remove drops the record of userID.
func (s *Store) Remove(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[userID]; !ok {
		return false
	}
	delete(s.records, userID)
	return true
}

// Sweep drops every record not refreshed within staleAfter and returns the
// evicted user ids.
func (s *Store) Sweep(staleAfter time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-staleAfter).UnixNano()
	var evicted []string
	for userID, rec := range s.records {
		if rec.Timestamp < cutoff {
			delete(s.records, userID)
			evicted = append(evicted, userID)
		}
	}
	sort.Strings(evicted)
	return evicted
}

// Get returns the record of userID.
func (s *Store) Get(userID string) (models.Presence, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[userID]
	if !ok {
		return models.Presence{}, false
	}
	return *rec, true
}

// List returns a copy of every record ordered by user id.
func (s *Store) List() []models.Presence {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]models.Presence, 0, len(s.records))
	for _, rec := range s.records {
		list = append(list, *rec)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].UserID < list[j].UserID
	})
	return list
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
