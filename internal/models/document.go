package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// Document is the durable form of a collaborative document.
// Learning: Content is the flattened text for readers that do not speak the
// collaboration protocol; State is the encoded operation log the live room is
// seeded from.
type Document struct {
	ID        string         `json:"id" gorm:"type:varchar(128);primaryKey"`
	Title     string         `json:"title" gorm:"type:text;not null;default:''"`
	Content   string         `json:"content" gorm:"type:text;not null;default:''"`
	State     []byte         `json:"-" gorm:"type:bytea"`
	Version   string         `json:"version" gorm:"type:varchar(64);not null;default:''"`
	CreatedAt time.Time      `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"column:deleted_at;index"` // Soft delete support
}

// BeforeCreate hook generates KSUID before inserting
func (d *Document) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = ksuid.New().String()
	}
	return nil
}

// DocumentSnapshot is what the persistence pipeline writes for a document.
type DocumentSnapshot struct {
	Title   string
	Content string
	State   []byte
	Version string
}
