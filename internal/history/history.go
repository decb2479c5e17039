// Package history maintains the bounded most-recent-first lists kept on a user profile.
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xaenox/livelink/internal/models"
	"github.com/xaenox/livelink/internal/profiles"
	"github.com/xaenox/livelink/internal/storage"
	"go.uber.org/zap"
)

const (
	MaxRecentChannels = 10
	MaxRecentVisitors = 30
)

// ErrProfileNotFound is returned when the profile to update does not exist or cannot be decoded.
var ErrProfileNotFound = errors.New("history: profile not found")

// Maintainer updates recent-channel and recent-visitor lists with a plain
// read-modify-write. Concurrent writers to the same profile can lose an update.
type Maintainer struct {
	store  storage.Storage
	logger *zap.Logger
}

func NewMaintainer(store storage.Storage, logger *zap.Logger) *Maintainer {
	return &Maintainer{store: store, logger: logger}
}

// PushFront moves item to the front of list, removing any entry same reports equal,
// and drops entries from the back beyond limit. list is not modified.
func PushFront[T any](list []T, item T, same func(T) bool, limit int) []T {
	out := make([]T, 0, len(list)+1)
	out = append(out, item)
	for _, existing := range list {
		if same(existing) {
			continue
		}
		out = append(out, existing)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *Maintainer) load(ctx context.Context, uid string) (*models.UserProfile, error) {
	doc, err := m.store.Get(ctx, profiles.Path(uid))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("history: load %s: %w", uid, err)
	}
	var profile models.UserProfile
	if err := doc.DataTo(&profile); err != nil {
		m.logger.Warn("Ignoring malformed profile", zap.Error(err), zap.String("uid", uid))
		return nil, ErrProfileNotFound
	}
	profile.ID = uid
	return &profile, nil
}

// RecordChannelVisit puts channel at the front of the user's recent channels.
func (m *Maintainer) RecordChannelVisit(ctx context.Context, uid string, channel models.Channel) error {
	profile, err := m.load(ctx, uid)
	if err != nil {
		return err
	}

	channels := PushFront(profile.LastChannels, channel, func(c models.Channel) bool {
		return c.Name == channel.Name
	}, MaxRecentChannels)

	if err := m.store.Update(ctx, profiles.Path(uid), storage.Fields{"lastChannels": channels}); err != nil {
		return fmt.Errorf("history: save recent channels of %s: %w", uid, err)
	}
	m.logger.Debug("Recorded channel visit",
		zap.String("uid", uid),
		zap.String("channel", channel.Name))
	return nil
}

// RecordProfileVisit puts visitor at the front of the visited user's recent visitors.
// Visits to one's own profile are ignored.
func (m *Maintainer) RecordProfileVisit(ctx context.Context, visitedUID string, visitor models.ProfileVisitor) error {
	profile, err := m.load(ctx, visitedUID)
	if err != nil {
		return err
	}
	if strings.EqualFold(profile.Username, visitor.Username) {
		return nil
	}

	visitors := PushFront(profile.RecentProfileVisitors, visitor, func(v models.ProfileVisitor) bool {
		return v.Username == visitor.Username
	}, MaxRecentVisitors)

	if err := m.store.Update(ctx, profiles.Path(visitedUID), storage.Fields{"recentProfileVisitors": visitors}); err != nil {
		return fmt.Errorf("history: save profile visitors of %s: %w", visitedUID, err)
	}
	return nil
}
