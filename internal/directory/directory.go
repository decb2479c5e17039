// Package directory lists the channels a user can join, grouped by category.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/xaenox/livelink/internal/models"
	"github.com/xaenox/livelink/internal/storage"
	"go.uber.org/zap"
)

const channelsCollection = "channels"

// Category is one group of the directory.
type Category struct {
	Name     string
	Channels []models.Channel
}

// Directory caches the channel list; it is fetched once and refreshed on demand.
type Directory struct {
	store  storage.Storage
	logger *zap.Logger

	mu       sync.RWMutex
	channels []models.Channel
	loaded   bool
}

func New(store storage.Storage, logger *zap.Logger) *Directory {
	return &Directory{store: store, logger: logger}
}

// Categories returns the cached grouping, fetching it first if nothing was loaded yet.
func (d *Directory) Categories(ctx context.Context) ([]Category, error) {
	d.mu.RLock()
	loaded := d.loaded
	d.mu.RUnlock()
	if loaded {
		return d.cached(), nil
	}
	return d.Refresh(ctx)
}

// Refresh fetches the channel list. On failure the previous list (or an empty one)
// is returned together with the error.
func (d *Directory) Refresh(ctx context.Context) ([]Category, error) {
	docs, err := d.store.Query(ctx, channelsCollection, storage.Query{})
	if err != nil {
		d.logger.Error("Failed to fetch channels", zap.Error(err))
		return d.cached(), fmt.Errorf("failed to fetch channels: %w", err)
	}

	channels := make([]models.Channel, 0, len(docs))
	for _, doc := range docs {
		var ch models.Channel
		if err := doc.DataTo(&ch); err != nil {
			d.logger.Warn("Skipping malformed channel", zap.Error(err), zap.String("path", doc.Path))
			continue
		}
		if ch.Name == "" {
			ch.Name = doc.ID
		}
		channels = append(channels, ch)
	}

	d.mu.Lock()
	d.channels = channels
	d.loaded = true
	d.mu.Unlock()

	d.logger.Debug("Fetched channels", zap.Int("count", len(channels)))
	return group(channels), nil
}

// Lookup finds a channel by name in the cached list, loading it if needed.
func (d *Directory) Lookup(ctx context.Context, name string) (models.Channel, bool, error) {
	if _, err := d.Categories(ctx); err != nil {
		return models.Channel{}, false, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, ch := range d.channels {
		if ch.Name == name {
			return ch, true, nil
		}
	}
	return models.Channel{}, false, nil
}

func (d *Directory) cached() []Category {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return group(d.channels)
}

// group sorts categories lexicographically and keeps fetch order within each category.
func group(channels []models.Channel) []Category {
	index := make(map[string]int)
	var categories []Category
	for _, ch := range channels {
		i, exists := index[ch.Category]
		if !exists {
			i = len(categories)
			index[ch.Category] = i
			categories = append(categories, Category{Name: ch.Category})
		}
		categories[i].Channels = append(categories[i].Channels, ch)
	}
	sort.SliceStable(categories, func(i, j int) bool {
		return categories[i].Name < categories[j].Name
	})
	if categories == nil {
		categories = []Category{}
	}
	return categories
}

// Seed creates the given channels if they do not exist yet. Existing channels are left untouched.
func Seed(ctx context.Context, store storage.Storage, channels []models.Channel, logger *zap.Logger) error {
	for _, ch := range channels {
		if ch.Name == "" {
			continue
		}
		path := storage.Join(channelsCollection, ch.Name)
		_, err := store.Get(ctx, path)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("failed to check channel %s: %w", ch.Name, err)
		}
		err = store.Set(ctx, path, storage.Fields{
			"name":          ch.Name,
			"backgroundUrl": ch.BackgroundURL,
			"category":      ch.Category,
		}, false)
		if err != nil {
			return fmt.Errorf("failed to seed channel %s: %w", ch.Name, err)
		}
		logger.Info("Channel created", zap.String("channel", ch.Name), zap.String("category", ch.Category))
	}
	return nil
}
