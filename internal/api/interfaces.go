package api

import (
	"context"

	"drive-collab/internal/models"
	"drive-collab/internal/services/collaboration"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES (Go Idiom)

This package (api/handlers) is the CONSUMER of services, so service interfaces live HERE.

The handler doesn't care about service implementation details - it only cares about
the methods it needs to call. Tests can hand in small fakes.
*/

// RoomService defines what handlers need from the session manager
type RoomService interface {
	RoomStats(documentID string) (collaboration.Stats, bool)
}

// DocumentReader reads stored documents
type DocumentReader interface {
	Load(ctx context.Context, id string) (*models.Document, error)
}

// RevisionLister lists the saved revisions of a document. Only the Postgres
// store keeps revisions.
type RevisionLister interface {
	Revisions(ctx context.Context, id string, limit int) ([]*models.DocumentRevision, error)
}
