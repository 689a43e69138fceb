package api_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drive-collab/internal/api"
	"drive-collab/internal/config"
	"drive-collab/internal/metrics"
	"drive-collab/internal/models"
	"drive-collab/internal/repository"
	"drive-collab/internal/services/collaboration"
)

type fakeRevisions struct {
	mu        sync.Mutex
	revisions []*models.DocumentRevision
	limit     int
}

func (f *fakeRevisions) Revisions(_ context.Context, _ string, limit int) ([]*models.DocumentRevision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limit = limit
	return f.revisions, nil
}

func (f *fakeRevisions) lastLimit() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.limit
}

func newServer(t *testing.T, revisions api.RevisionLister) (*httptest.Server, *repository.MemoryRepositoryImpl) {
	t.Helper()
	store := repository.NewMemoryRepository()
	m := metrics.NewMetrics()
	manager := collaboration.NewSessionManager(config.DefaultCollabConfig(), store, collaboration.WithMetrics(m))
	ws := collaboration.NewWebSocketHandler(manager, collaboration.HeaderAuthenticator{})

	h := api.NewHandler(manager, store, revisions, ws, m.Handler())
	srv := httptest.NewServer(api.SetupRoutes(h))
	t.Cleanup(func() {
		srv.Close()
		_ = manager.Shutdown(context.Background())
	})
	return srv, store
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestHTTPRoutes(t *testing.T) {
	revisions := &fakeRevisions{revisions: []*models.DocumentRevision{{ID: "r1", DocumentID: "doc-1", Content: "v1"}}}
	srv, store := newServer(t, revisions)

	t.Run("health", func(t *testing.T) {
		status, body := get(t, srv.URL+"/api/health")
		assert.Equal(t, http.StatusOK, status)
		assert.JSONEq(t, `{"status":"ok"}`, body)
	})

	t.Run("stored document", func(t *testing.T) {
		status, _ := get(t, srv.URL+"/api/documents/doc-1")
		assert.Equal(t, http.StatusNotFound, status)

		require.NoError(t, store.Save(context.Background(), "doc-1", models.DocumentSnapshot{Title: "T", Content: "body"}))
		status, body := get(t, srv.URL+"/api/documents/doc-1")
		assert.Equal(t, http.StatusOK, status)

		var doc models.Document
		require.NoError(t, json.Unmarshal([]byte(body), &doc))
		assert.Equal(t, "body", doc.Content)
	})

	t.Run("revisions", func(t *testing.T) {
		status, body := get(t, srv.URL+"/api/documents/doc-1/revisions?limit=500")
		assert.Equal(t, http.StatusOK, status)
		assert.Contains(t, body, `"r1"`)
		assert.Equal(t, 100, revisions.lastLimit())

		status, _ = get(t, srv.URL+"/api/documents/doc-1/revisions?limit=x")
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("unknown room", func(t *testing.T) {
		status, _ := get(t, srv.URL+"/api/rooms/nope")
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("metrics", func(t *testing.T) {
		status, body := get(t, srv.URL+"/metrics")
		assert.Equal(t, http.StatusOK, status)
		assert.Contains(t, body, "collab_rooms_active")
	})
}

func TestRevisionsWithoutHistory(t *testing.T) {
	srv, _ := newServer(t, nil)
	status, _ := get(t, srv.URL+"/api/documents/doc-1/revisions")
	assert.Equal(t, http.StatusNotImplemented, status)
}

func TestWebSocketThroughMiddleware(t *testing.T) {
	srv, _ := newServer(t, nil)

	header := http.Header{}
	header.Set("X-User-ID", "alice")
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/document/doc-9"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env collaboration.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, collaboration.EventLoadDocument, env.Type)
	assert.Equal(t, "doc-9", env.DocumentID)

	status, body := get(t, srv.URL+"/api/rooms/doc-9")
	assert.Equal(t, http.StatusOK, status)
	var stats collaboration.Stats
	require.NoError(t, json.Unmarshal([]byte(body), &stats))
	assert.Equal(t, "active", stats.State)
	assert.Equal(t, 1, stats.Members)
}
