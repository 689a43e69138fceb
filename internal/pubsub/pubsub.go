// Package pubsub relays document changes between server instances that host
// the same room.
package pubsub

import (
	"encoding/json"
	"fmt"

	"drive-collab/internal/models"
)

// Kind is the type of a relayed message.
type Kind string

const (
	// KindUpdate carries an encoded CRDT update.
	KindUpdate Kind = "update"
	// KindPresence carries a presence record.
	KindPresence Kind = "presence"
	// KindPresenceRemove announces that a user left the document.
	KindPresenceRemove Kind = "presence-remove"
)

// Message is one relayed change. Origin is the id of the publishing instance;
// subscribers drop their own messages.
type Message struct {
	Origin     string           `json:"origin"`
	DocumentID string           `json:"documentId"`
	Kind       Kind             `json:"kind"`
	Update     []byte           `json:"update,omitempty"`
	Presence   *models.Presence `json:"presence,omitempty"`
	UserID     string           `json:"userId,omitempty"`
}

// Handler receives relayed messages of one document.
type Handler func(Message)

// Channel returns the name of the channel of documentID.
func Channel(documentID string) string {
	return "collab:doc:" + documentID
}

func encode(msg Message) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode relay message: %w", err)
	}
	return raw, nil
}

func decode(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("failed to decode relay message: %w", err)
	}
	return msg, nil
}
