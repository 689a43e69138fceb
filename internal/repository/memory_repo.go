package repository

import (
	"context"
	"sync"
	"time"

	"drive-collab/internal/models"
)

// MemoryRepositoryImpl keeps documents in process memory. Content is lost on
// restart; it backs development setups and tests.
type MemoryRepositoryImpl struct {
	mu   sync.RWMutex
	docs map[string]models.Document
}

// NewMemoryRepository creates an empty in-memory store.
func NewMemoryRepository() *MemoryRepositoryImpl {
	return &MemoryRepositoryImpl{docs: make(map[string]models.Document)}
}

// Load returns a copy of the stored document, or nil, nil when absent.
func (r *MemoryRepositoryImpl) Load(ctx context.Context, id string) (*models.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	doc, ok := r.docs[id]
	if !ok {
		return nil, nil
	}
	doc.State = append([]byte(nil), doc.State...)
	return &doc, nil
}

// Save stores a copy of the snapshot.
func (r *MemoryRepositoryImpl) Save(ctx context.Context, id string, snap models.DocumentSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	doc, ok := r.docs[id]
	if !ok {
		doc = models.Document{ID: id, CreatedAt: now}
	}
	doc.Title = snap.Title
	doc.Content = snap.Content
	doc.State = append([]byte(nil), snap.State...)
	doc.Version = snap.Version
	doc.UpdatedAt = now
	r.docs[id] = doc
	return nil
}
