package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/livelink/internal/models"
	"github.com/xaenox/livelink/internal/storage"
	"go.uber.org/zap/zaptest"
)

type flakyStore struct {
	storage.Storage
	fail bool
}

func (s *flakyStore) Query(ctx context.Context, collection string, q storage.Query) ([]*storage.Document, error) {
	if s.fail {
		return nil, errors.New("unavailable")
	}
	return s.Storage.Query(ctx, collection, q)
}

var seed = []models.Channel{
	{Name: "general", Category: "Talk", BackgroundURL: "bg1"},
	{Name: "games", Category: "Hobby"},
	{Name: "flirt", Category: "Talk"},
	{Name: "music", Category: "Hobby"},
}

func TestDirectory_GroupsByCategory(t *testing.T) {
	store := storage.NewMemoryStorage()
	logger := zaptest.NewLogger(t)
	require.NoError(t, Seed(context.Background(), store, seed, logger))

	d := New(store, logger)
	categories, err := d.Categories(context.Background())
	require.NoError(t, err)

	require.Len(t, categories, 2)
	assert.Equal(t, "Hobby", categories[0].Name)
	assert.Equal(t, []models.Channel{seed[1], seed[3]}, categories[0].Channels)
	assert.Equal(t, "Talk", categories[1].Name)
	assert.Equal(t, []models.Channel{seed[0], seed[2]}, categories[1].Channels)
}

func TestDirectory_FetchErrorReturnsCache(t *testing.T) {
	store := &flakyStore{Storage: storage.NewMemoryStorage()}
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	d := New(store, logger)

	store.fail = true
	categories, err := d.Refresh(ctx)
	assert.Error(t, err)
	assert.Empty(t, categories)

	store.fail = false
	require.NoError(t, Seed(ctx, store, seed[:1], logger))
	categories, err = d.Refresh(ctx)
	require.NoError(t, err)
	require.Len(t, categories, 1)

	store.fail = true
	categories, err = d.Refresh(ctx)
	assert.Error(t, err)
	require.Len(t, categories, 1)
	assert.Equal(t, "general", categories[0].Channels[0].Name)

	// served from cache without touching the store
	categories, err = d.Categories(ctx)
	assert.NoError(t, err)
	assert.Len(t, categories, 1)
}

func TestDirectory_Lookup(t *testing.T) {
	store := storage.NewMemoryStorage()
	logger := zaptest.NewLogger(t)
	require.NoError(t, Seed(context.Background(), store, seed, logger))
	d := New(store, logger)

	ch, ok, err := d.Lookup(context.Background(), "games")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Hobby", ch.Category)

	_, ok, err = d.Lookup(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSeed_IsIdempotent(t *testing.T) {
	store := storage.NewMemoryStorage()
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	require.NoError(t, Seed(ctx, store, seed, logger))
	require.NoError(t, store.Update(ctx, "channels/general", storage.Fields{"backgroundUrl": "changed"}))
	require.NoError(t, Seed(ctx, store, seed, logger))

	docs, err := store.Query(ctx, "channels", storage.Query{})
	require.NoError(t, err)
	assert.Len(t, docs, len(seed))

	doc, err := store.Get(ctx, "channels/general")
	require.NoError(t, err)
	assert.Equal(t, "changed", doc.Fields["backgroundUrl"])
}
