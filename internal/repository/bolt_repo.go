package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"drive-collab/internal/models"

	bolt "go.etcd.io/bbolt"
)

var documentsBucket = []byte("documents")

// BoltRepositoryImpl is an embedded document store for single-node
// deployments. Each document is one JSON value keyed by its id.
type BoltRepositoryImpl struct {
	db *bolt.DB
}

// boltDocument is the stored form; models.Document hides State from JSON.
type boltDocument struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	State     []byte    `json:"state"`
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OpenBoltRepository opens (or creates) the database file at path.
func OpenBoltRepository(path string) (*BoltRepositoryImpl, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database %s: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(documentsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create documents bucket: %w", err)
	}

	return &BoltRepositoryImpl{db: db}, nil
}

// Load retrieves a document by id. It returns nil, nil when the document
// does not exist yet.
func (r *BoltRepositoryImpl) Load(ctx context.Context, id string) (*models.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var stored *boltDocument
	err := r.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(documentsBucket).Get([]byte(id))
		if raw == nil {
			return nil
		}
		stored = &boltDocument{}
		return json.Unmarshal(raw, stored)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load document %s: %w", id, err)
	}
	if stored == nil {
		return nil, nil
	}

	return &models.Document{
		ID:        stored.ID,
		Title:     stored.Title,
		Content:   stored.Content,
		State:     stored.State,
		Version:   stored.Version,
		CreatedAt: stored.CreatedAt,
		UpdatedAt: stored.UpdatedAt,
	}, nil
}

// Save writes the snapshot of a document.
func (r *BoltRepositoryImpl) Save(ctx context.Context, id string, snap models.DocumentSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := r.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(documentsBucket)
		now := time.Now()

		doc := boltDocument{ID: id, CreatedAt: now}
		if raw := bucket.Get([]byte(id)); raw != nil {
			if err := json.Unmarshal(raw, &doc); err != nil {
				return err
			}
		}
		doc.Title = snap.Title
		doc.Content = snap.Content
		doc.State = snap.State
		doc.Version = snap.Version
		doc.UpdatedAt = now

		raw, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(id), raw)
	})
	if err != nil {
		return fmt.Errorf("failed to save document %s: %w", id, err)
	}

	return nil
}

// Close closes the database file.
func (r *BoltRepositoryImpl) Close() error {
	return r.db.Close()
}
