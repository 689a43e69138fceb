package collaboration

import (
	"context"
	"errors"
	"net/http"

	"drive-collab/internal/models"
	"drive-collab/internal/pubsub"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES

The collaboration package declares only what it needs from its collaborators.
repository.DocumentRepositoryImpl, BoltRepositoryImpl and MemoryRepositoryImpl
satisfy DocumentStore without knowing about it; pubsub.RedisRelay and
pubsub.MemoryRelay satisfy Relay.
*/

var (
	// ErrRegistryFull is returned by Join when the room limit is reached.
	ErrRegistryFull = errors.New("room registry is full")
	// ErrNotJoined is returned for document events of a session that is not a
	// member of the document's room.
	ErrNotJoined = errors.New("session has not joined the document")
	// ErrRoomClosed is returned when a room was torn down while it was used.
	ErrRoomClosed = errors.New("room is closed")
	// ErrUnauthenticated is returned when a request carries no identity.
	ErrUnauthenticated = errors.New("missing user identity")
)

// DocumentStore is the durable store of documents. Load returns nil, nil
// when the document does not exist.
type DocumentStore interface {
	Load(ctx context.Context, id string) (*models.Document, error)
	Save(ctx context.Context, id string, snap models.DocumentSnapshot) error
}

// Relay forwards changes to other server instances hosting the same room.
type Relay interface {
	Publish(ctx context.Context, msg pubsub.Message) error
	Subscribe(ctx context.Context, documentID string, handler pubsub.Handler) (func(), error)
}

// Identity is the verified user behind a connection.
type Identity struct {
	UserID   string
	UserName string
}

// Authenticator extracts the identity of a websocket upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// HeaderAuthenticator trusts the identity headers set by the gateway in front
// of the server, falling back to query parameters for local development.
type HeaderAuthenticator struct{}

// Authenticate implements Authenticator.
func (HeaderAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	id := Identity{
		UserID:   r.Header.Get("X-User-ID"),
		UserName: r.Header.Get("X-User-Name"),
	}
	if id.UserID == "" {
		id.UserID = r.URL.Query().Get("user_id")
	}
	if id.UserName == "" {
		id.UserName = r.URL.Query().Get("user_name")
	}
	if id.UserID == "" {
		return Identity{}, ErrUnauthenticated
	}
	if id.UserName == "" {
		id.UserName = id.UserID
	}
	return id, nil
}
