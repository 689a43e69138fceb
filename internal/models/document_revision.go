package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

/*
LEARNING: SAVE HISTORY

Every successful flush of a room appends one revision row. Rows are cheap to
write because the persistence scheduler already coalesces bursts of edits, and
they give operators a way to recover content after a bad save.

Only the most recent revisions are kept; older rows are pruned in the same
transaction that writes the new one.
*/

// DocumentRevision is one saved version of a document.
type DocumentRevision struct {
	ID         string    `gorm:"type:varchar(27);primaryKey" json:"id"`
	DocumentID string    `gorm:"type:varchar(128);not null;index:idx_revision_doc_time" json:"document_id"`
	Version    string    `gorm:"type:varchar(64);not null" json:"version"`
	Title      string    `gorm:"type:text;not null;default:''" json:"title"`
	Content    string    `gorm:"type:text;not null;default:''" json:"content"`
	CreatedAt  time.Time `gorm:"index:idx_revision_doc_time" json:"created_at"`
}

// BeforeCreate generates KSUID
func (r *DocumentRevision) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (DocumentRevision) TableName() string {
	return "document_revisions"
}
