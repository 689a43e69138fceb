package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"drive-collab/internal/config"
	"drive-collab/internal/metrics"
	"drive-collab/internal/models"
)

var errStoreDown = errors.New("store unavailable")

// fakeStore is an in-memory DocumentStore that counts calls and can be made
// to fail or block.
type fakeStore struct {
	mu       sync.Mutex
	docs     map[string]*models.Document
	saves    []models.DocumentSnapshot
	loads    int
	loadErr  error
	saveErr  error
	loadGate chan struct{}
	saveGate chan struct{}
	saving   chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: make(map[string]*models.Document)}
}

func (f *fakeStore) put(id, title, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[id] = &models.Document{ID: id, Title: title, Content: content}
}

func (f *fakeStore) Load(ctx context.Context, id string) (*models.Document, error) {
	f.mu.Lock()
	f.loads++
	gate, err := f.loadGate, f.loadErr
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return nil, nil
	}
	cp := *doc
	return &cp, nil
}

func (f *fakeStore) Save(ctx context.Context, id string, snap models.DocumentSnapshot) error {
	f.mu.Lock()
	gate, saving := f.saveGate, f.saving
	f.mu.Unlock()

	if saving != nil {
		saving <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, snap)
	if f.saveErr != nil {
		return f.saveErr
	}
	f.docs[id] = &models.Document{
		ID:      id,
		Title:   snap.Title,
		Content: snap.Content,
		State:   snap.State,
		Version: snap.Version,
	}
	return nil
}

func (f *fakeStore) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saves)
}

func (f *fakeStore) lastSave() models.DocumentSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves[len(f.saves)-1]
}

func (f *fakeStore) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() config.CollabConfig {
	cfg := config.DefaultCollabConfig()
	cfg.SaveDebounce = time.Hour
	cfg.PresenceSweepInterval = time.Hour
	cfg.SeedTimeout = time.Second
	cfg.DrainRetryDelay = 10 * time.Millisecond
	cfg.SaveTimeout = time.Second
	cfg.SendBufferSize = 64
	return cfg
}

func newTestManager(t *testing.T, cfg config.CollabConfig, store DocumentStore, opts ...Option) *SessionManager {
	t.Helper()
	opts = append([]Option{WithMetrics(metrics.NewMetrics())}, opts...)
	return NewSessionManager(cfg, store, opts...)
}

func connect(m *SessionManager, userID string) *Session {
	return m.Connect(Identity{UserID: userID, UserName: userID}, nil)
}

// events takes every queued message of s.
func events(t *testing.T, s *Session) []Envelope {
	t.Helper()
	var out []Envelope
	for {
		select {
		case raw := <-s.send:
			var env Envelope
			require.NoError(t, json.Unmarshal(raw, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

func eventsOfType(all []Envelope, eventType string) []Envelope {
	var out []Envelope
	for _, env := range all {
		if env.Type == eventType {
			out = append(out, env)
		}
	}
	return out
}

func payload[T any](t *testing.T, env Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Payload, &v))
	return v
}

func frame(t *testing.T, eventType, documentID string, p interface{}) []byte {
	t.Helper()
	raw, err := encodeEvent(eventType, documentID, p)
	require.NoError(t, err)
	return raw
}
