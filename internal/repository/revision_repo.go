package repository

import (
	"context"
	"fmt"

	"drive-collab/internal/models"

	"gorm.io/gorm"
)

/*
LEARNING: REVISION HISTORY

Query patterns:
- Append: one row per successful save (inside the save transaction)
- List: newest first, for operators restoring content
- Prune: keep only the newest N rows so history does not grow without bound
*/

// RevisionRepositoryImpl handles document revision storage
type RevisionRepositoryImpl struct {
	db *gorm.DB
}

// NewRevisionRepository creates a new revision repository
func NewRevisionRepository(db *gorm.DB) *RevisionRepositoryImpl {
	return &RevisionRepositoryImpl{db: db}
}

// withTx returns a repository bound to the given transaction
func (r *RevisionRepositoryImpl) withTx(tx *gorm.DB) *RevisionRepositoryImpl {
	return &RevisionRepositoryImpl{db: tx}
}

// Append stores a revision
func (r *RevisionRepositoryImpl) Append(ctx context.Context, documentID string, snap models.DocumentSnapshot) error {
	revision := &models.DocumentRevision{
		DocumentID: documentID,
		Version:    snap.Version,
		Title:      snap.Title,
		Content:    snap.Content,
	}

	if err := r.db.WithContext(ctx).Create(revision).Error; err != nil {
		return fmt.Errorf("failed to store revision: %w", err)
	}

	return nil
}

// List retrieves the newest revisions of a document
func (r *RevisionRepositoryImpl) List(ctx context.Context, documentID string, limit int) ([]*models.DocumentRevision, error) {
	var revisions []*models.DocumentRevision

	err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("created_at DESC").
		Limit(limit).
		Find(&revisions).Error

	if err != nil {
		return nil, fmt.Errorf("failed to list revisions: %w", err)
	}

	return revisions, nil
}

// Prune removes revisions beyond the newest keepCount
func (r *RevisionRepositoryImpl) Prune(ctx context.Context, documentID string, keepCount int) error {
	if keepCount <= 0 {
		return nil // History disabled or unbounded
	}

	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.DocumentRevision{}).
		Where("document_id = ?", documentID).
		Count(&count).Error; err != nil {
		return fmt.Errorf("failed to count revisions: %w", err)
	}

	if count <= int64(keepCount) {
		return nil // Nothing to delete
	}

	// Oldest revision that survives
	var cutoff models.DocumentRevision
	if err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("created_at ASC").
		Offset(int(count - int64(keepCount))).
		First(&cutoff).Error; err != nil {
		return fmt.Errorf("failed to find revision cutoff: %w", err)
	}

	result := r.db.WithContext(ctx).
		Where("document_id = ? AND created_at < ?", documentID, cutoff.CreatedAt).
		Delete(&models.DocumentRevision{})

	if result.Error != nil {
		return fmt.Errorf("failed to prune revisions: %w", result.Error)
	}

	return nil
}
