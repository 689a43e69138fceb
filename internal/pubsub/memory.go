package pubsub

import (
	"context"
	"sync"
)

// MemoryRelay relays messages between managers of the same process. Messages
// pass through the same encoding as the Redis relay.
type MemoryRelay struct {
	mu     sync.RWMutex
	subs   map[string]map[int]Handler
	nextID int
}

// NewMemoryRelay creates an empty relay.
func NewMemoryRelay() *MemoryRelay {
	return &MemoryRelay{subs: make(map[string]map[int]Handler)}
}

// Publish delivers msg synchronously to every subscriber of its document.
func (r *MemoryRelay) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := encode(msg)
	if err != nil {
		return err
	}

	r.mu.RLock()
	handlers := make([]Handler, 0, len(r.subs[msg.DocumentID]))
	for _, h := range r.subs[msg.DocumentID] {
		handlers = append(handlers, h)
	}
	r.mu.RUnlock()

	for _, h := range handlers {
		decoded, err := decode(raw)
		if err != nil {
			return err
		}
		h(decoded)
	}
	return nil
}

// Subscribe registers handler for documentID.
func (r *MemoryRelay) Subscribe(ctx context.Context, documentID string, handler Handler) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	if r.subs[documentID] == nil {
		r.subs[documentID] = make(map[int]Handler)
	}
	r.subs[documentID][id] = handler
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs[documentID], id)
		if len(r.subs[documentID]) == 0 {
			delete(r.subs, documentID)
		}
	}, nil
}

// Subscribers returns the number of handlers registered for documentID.
func (r *MemoryRelay) Subscribers(documentID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[documentID])
}
