package repository_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drive-collab/internal/models"
	"drive-collab/internal/repository"
)

type documentStore interface {
	Load(ctx context.Context, id string) (*models.Document, error)
	Save(ctx context.Context, id string, snap models.DocumentSnapshot) error
}

func testStore(t *testing.T, store documentStore) {
	ctx := context.Background()

	t.Run("absent document", func(t *testing.T) {
		doc, err := store.Load(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, doc)
	})

	t.Run("save then load", func(t *testing.T) {
		snap := models.DocumentSnapshot{
			Title:   "Roadmap",
			Content: "ship it",
			State:   []byte(`{"ops":[]}`),
			Version: "3:00000000000000ff",
		}
		require.NoError(t, store.Save(ctx, "doc-1", snap))

		doc, err := store.Load(ctx, "doc-1")
		require.NoError(t, err)
		require.NotNil(t, doc)
		assert.Equal(t, "doc-1", doc.ID)
		assert.Equal(t, snap.Title, doc.Title)
		assert.Equal(t, snap.Content, doc.Content)
		assert.Equal(t, snap.State, doc.State)
		assert.Equal(t, snap.Version, doc.Version)
		created := doc.CreatedAt

		snap.Content = "shipped"
		require.NoError(t, store.Save(ctx, "doc-1", snap))
		doc, err = store.Load(ctx, "doc-1")
		require.NoError(t, err)
		assert.Equal(t, "shipped", doc.Content)
		assert.True(t, created.Equal(doc.CreatedAt))
	})

	t.Run("cancelled context", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		assert.Error(t, store.Save(cancelled, "doc-2", models.DocumentSnapshot{}))
		_, err := store.Load(cancelled, "doc-2")
		assert.Error(t, err)
	})
}

func TestMemoryRepository(t *testing.T) {
	testStore(t, repository.NewMemoryRepository())
}

func TestBoltRepository(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collab.db")
	store, err := repository.OpenBoltRepository(path)
	require.NoError(t, err)
	testStore(t, store)
	require.NoError(t, store.Close())

	reopened, err := repository.OpenBoltRepository(path)
	require.NoError(t, err)
	defer func() { assert.NoError(t, reopened.Close()) }()

	doc, err := reopened.Load(context.Background(), "doc-1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "shipped", doc.Content)
}
