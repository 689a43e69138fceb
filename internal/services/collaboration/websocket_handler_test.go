package collaboration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drive-collab/internal/crdt"
)

func TestWebSocketEndToEnd(t *testing.T) {
	store := newFakeStore()
	store.put("doc-1", "Plan", "abc")
	m := newTestManager(t, testConfig(), store)
	h := NewWebSocketHandler(m, nil)

	r := mux.NewRouter()
	r.HandleFunc("/ws", h.HandleConnection)
	r.HandleFunc("/ws/document/{id}", h.HandleDocumentConnection)
	srv := httptest.NewServer(r)
	defer srv.Close()

	base := "ws" + strings.TrimPrefix(srv.URL, "http")
	dial := func(path, user string) *websocket.Conn {
		header := http.Header{}
		if user != "" {
			header.Set("X-User-ID", user)
		}
		conn, resp, err := websocket.DefaultDialer.Dial(base+path, header)
		require.NoError(t, err)
		resp.Body.Close()
		return conn
	}
	read := func(conn *websocket.Conn, eventType string) Envelope {
		t.Helper()
		for {
			require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
			_, raw, err := conn.ReadMessage()
			require.NoError(t, err)
			var env Envelope
			require.NoError(t, json.Unmarshal(raw, &env))
			if env.Type == eventType {
				return env
			}
		}
	}

	t.Run("missing identity is rejected", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(base+"/ws", nil)
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	a := dial("/ws/document/doc-1", "alice")
	defer a.Close()
	snap := payload[LoadDocumentPayload](t, read(a, EventLoadDocument))
	assert.Equal(t, "abc", snap.Content)
	assert.Equal(t, "Plan", snap.Title)

	b := dial("/ws", "bob")
	defer b.Close()
	require.NoError(t, b.WriteMessage(websocket.TextMessage, frame(t, EventJoinDocument, "doc-1", JoinPayload{UserID: "bob"})))
	read(b, EventLoadDocument)
	// A first sees the count of its own join
	assert.Equal(t, 1, payload[UserCountPayload](t, read(a, EventUserCount)).Count)
	assert.Equal(t, 2, payload[UserCountPayload](t, read(a, EventUserCount)).Count)

	doc := crdt.New("alice")
	_, err := doc.SeedState(snap.State)
	require.NoError(t, err)
	update, _, err := doc.ApplyLocal(crdt.InsertText(3, "d"))
	require.NoError(t, err)
	require.NoError(t, a.WriteMessage(websocket.TextMessage, frame(t, EventSendChanges, "doc-1", ChangesPayload{Update: update})))

	got := payload[ChangesPayload](t, read(b, EventReceiveChanges))
	assert.Equal(t, update, got.Update)

	require.NoError(t, b.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.NotEmpty(t, payload[ErrorPayload](t, read(b, EventError)).Message)

	a.Close()
	b.Close()
	require.Eventually(t, func() bool {
		return m.Registry().Len() == 0 && m.Sessions() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "abcd", store.lastSave().Content)
}
