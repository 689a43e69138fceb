package collaboration

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"drive-collab/internal/models"
)

// Event names of the wire protocol.
const (
	// client -> server
	EventJoinDocument   = "join-document"
	EventSendChanges    = "send-changes"
	EventTitleChange    = "title-change"
	EventPresenceUpdate = "presence-update"
	EventLeaveDocument  = "leave-document"
	EventHeartbeat      = "heartbeat"

	// server -> client
	EventLoadDocument   = "load-document"
	EventReceiveChanges = "receive-changes"
	EventTitleUpdated   = "title-updated"
	EventUserCount      = "user-count"
	EventPresenceState  = "presence-state"
	EventError          = "error"
)

var (
	errMalformedMessage = errors.New("malformed message")
	validate            = validator.New()
)

// Envelope is a single JSON text frame.
type Envelope struct {
	Type       string          `json:"type" validate:"required"`
	DocumentID string          `json:"documentId,omitempty" validate:"max=128"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// JoinPayload is the payload of join-document.
type JoinPayload struct {
	UserID string `json:"userId,omitempty"`
}

// ChangesPayload carries an encoded update. Update is base64 on the wire.
type ChangesPayload struct {
	Update []byte `json:"update" validate:"required"`
}

// TitlePayload is the payload of title-change and title-updated.
type TitlePayload struct {
	Title string `json:"title" validate:"max=512"`
}

// PresencePayload is the payload of presence-update.
type PresencePayload struct {
	Cursor *models.Cursor `json:"cursor" validate:"required"`
}

// LoadDocumentPayload is the snapshot sent to a joining session.
type LoadDocumentPayload struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	State   []byte `json:"state"`
	Version string `json:"version"`
}

// UserCountPayload is the payload of user-count.
type UserCountPayload struct {
	Count int `json:"count"`
}

// PresenceEntry describes one connected user in presence-state.
type PresenceEntry struct {
	ClientID string          `json:"clientId"`
	Cursor   *models.Cursor  `json:"cursor"`
	User     models.UserInfo `json:"user"`
}

// PresenceStatePayload is the payload of presence-state.
type PresenceStatePayload struct {
	Presences []PresenceEntry `json:"presences"`
}

// ErrorPayload is the payload of error.
type ErrorPayload struct {
	Message string `json:"message"`
}

func encodeEvent(eventType, documentID string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", eventType, err)
	}
	return json.Marshal(Envelope{Type: eventType, DocumentID: documentID, Payload: raw})
}

// mustEncodeEvent encodes payloads built by the server itself, which always
// marshal.
func mustEncodeEvent(eventType, documentID string, payload interface{}) []byte {
	raw, err := encodeEvent(eventType, documentID, payload)
	if err != nil {
		panic(err)
	}
	return raw
}

func decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", errMalformedMessage, err)
	}
	if err := validate.Struct(env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", errMalformedMessage, err)
	}
	return env, nil
}

// decodePayload unmarshals and validates the payload of env into v. An
// absent payload decodes as the zero value.
func decodePayload(env Envelope, v interface{}) error {
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, v); err != nil {
			return fmt.Errorf("%w: invalid %s payload: %v", errMalformedMessage, env.Type, err)
		}
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: invalid %s payload: %v", errMalformedMessage, env.Type, err)
	}
	return nil
}

func presenceEntries(records []models.Presence) []PresenceEntry {
	entries := make([]PresenceEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, PresenceEntry{
			ClientID: rec.SessionID,
			Cursor:   rec.Cursor,
			User: models.UserInfo{
				ID:    rec.UserID,
				Name:  rec.Name,
				Color: rec.Color,
			},
		})
	}
	return entries
}
