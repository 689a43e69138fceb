package repository

import (
	"context"
	"errors"
	"fmt"

	"drive-collab/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DocumentRepositoryImpl is the durable document store backed by Postgres
// through GORM.
// Learning: This is the IMPLEMENTATION. It doesn't know about any interface.
// The collaboration package declares the Load/Save interface it needs.
type DocumentRepositoryImpl struct {
	db              *gorm.DB
	revisions       *RevisionRepositoryImpl
	revisionHistory int
}

// NewDocumentRepository creates a new document repository. revisionHistory is
// the number of revisions kept per document; 0 disables the history.
// Returns concrete type - "Accept interfaces, return structs"
func NewDocumentRepository(db *gorm.DB, revisionHistory int) *DocumentRepositoryImpl {
	return &DocumentRepositoryImpl{
		db:              db,
		revisions:       NewRevisionRepository(db),
		revisionHistory: revisionHistory,
	}
}

// Load retrieves a document by id. It returns nil, nil when the document
// does not exist yet. Soft-deleted documents are treated as absent.
func (r *DocumentRepositoryImpl) Load(ctx context.Context, id string) (*models.Document, error) {
	var doc models.Document

	err := r.db.WithContext(ctx).First(&doc, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document %s: %w", id, err)
	}

	return &doc, nil
}

// Save upserts the document and appends a revision in one transaction.
func (r *DocumentRepositoryImpl) Save(ctx context.Context, id string, snap models.DocumentSnapshot) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		doc := &models.Document{
			ID:      id,
			Title:   snap.Title,
			Content: snap.Content,
			State:   snap.State,
			Version: snap.Version,
		}

		// Learning: ON CONFLICT keeps CreatedAt of the first save and revives
		// soft-deleted rows that are being edited again.
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"title", "content", "state", "version", "updated_at", "deleted_at"}),
		}).Create(doc).Error
		if err != nil {
			return fmt.Errorf("failed to save document %s: %w", id, err)
		}

		if r.revisionHistory <= 0 {
			return nil
		}

		revisions := r.revisions.withTx(tx)
		if err := revisions.Append(ctx, id, snap); err != nil {
			return err
		}
		return revisions.Prune(ctx, id, r.revisionHistory)
	})
}

// Revisions returns the newest revisions of a document.
func (r *DocumentRepositoryImpl) Revisions(ctx context.Context, id string, limit int) ([]*models.DocumentRevision, error) {
	return r.revisions.List(ctx, id, limit)
}
