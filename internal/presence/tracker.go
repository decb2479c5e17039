// Package presence tracks who is in a channel. A user counts as present while the
// last heartbeat of their presence record lies within the freshness window, so
// clients that vanish without leaving drop out on their own.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/xaenox/livelink/internal/models"
	"github.com/xaenox/livelink/internal/storage"
	"go.uber.org/zap"
)

const (
	DefaultHeartbeatInterval = 2 * time.Second
	DefaultFreshnessWindow   = 6 * time.Second
)

type Config struct {
	HeartbeatInterval time.Duration
	FreshnessWindow   time.Duration
}

// Validate requires room for at least one missed heartbeat inside the freshness window.
func (c Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %s", c.HeartbeatInterval)
	}
	if c.FreshnessWindow <= 2*c.HeartbeatInterval {
		return fmt.Errorf("freshness window %s must exceed twice the heartbeat interval %s",
			c.FreshnessWindow, c.HeartbeatInterval)
	}
	return nil
}

type Option func(*Tracker)

// WithClock overrides the clock used to compute the freshness cutoff.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) {
		t.clock = clock
	}
}

// Recorder counts channel entries and explicit leaves. *metrics.Metrics satisfies it.
type Recorder interface {
	Joined(channel string)
	Left(channel string)
}

// WithMetrics counts successful Enter and Leave calls.
func WithMetrics(recorder Recorder) Option {
	return func(t *Tracker) {
		t.metrics = recorder
	}
}

// Tracker reads and writes presence records at channels/{channel}/onlineUsers/{username}.
type Tracker struct {
	store   storage.Storage
	cfg     Config
	clock   func() time.Time
	logger  *zap.Logger
	metrics Recorder
}

func NewTracker(store storage.Storage, cfg Config, logger *zap.Logger, opts ...Option) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Tracker{store: store, cfg: cfg, clock: time.Now, logger: logger}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func onlineUsersPath(channel string) string {
	return storage.Join("channels", channel, "onlineUsers")
}

func recordPath(channel, username string) string {
	return storage.Join(onlineUsersPath(channel), username)
}

// Enter creates or overwrites the user's presence record with fresh join and heartbeat timestamps.
func (t *Tracker) Enter(ctx context.Context, channel string, user *models.UserProfile) error {
	err := t.store.Set(ctx, recordPath(channel, user.Username), storage.Fields{
		"username":      user.Username,
		"age":           user.Age,
		"gender":        user.Gender,
		"profilePic":    user.ProfilePicURL,
		"status":        user.Status,
		"joinTimestamp": storage.ServerTimestamp,
		"timestamp":     storage.ServerTimestamp,
	}, false)
	if err != nil {
		t.logger.Error("Failed to write presence",
			zap.Error(err),
			zap.String("channel", channel),
			zap.String("username", user.Username))
		return fmt.Errorf("failed to enter %s: %w", channel, err)
	}
	if t.metrics != nil {
		t.metrics.Joined(channel)
	}
	return nil
}

// Heartbeat refreshes the last-heartbeat timestamp. A missing record is left missing.
func (t *Tracker) Heartbeat(ctx context.Context, channel, username string) error {
	err := t.store.Update(ctx, recordPath(channel, username), storage.Fields{
		"timestamp": storage.ServerTimestamp,
	})
	if errors.Is(err, storage.ErrNotFound) {
		t.logger.Debug("Heartbeat for removed presence ignored",
			zap.String("channel", channel),
			zap.String("username", username))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to refresh presence in %s: %w", channel, err)
	}
	return nil
}

// Leave deletes the user's presence record.
func (t *Tracker) Leave(ctx context.Context, channel, username string) error {
	if err := t.store.Delete(ctx, recordPath(channel, username)); err != nil {
		t.logger.Error("Failed to remove presence",
			zap.Error(err),
			zap.String("channel", channel),
			zap.String("username", username))
		return fmt.Errorf("failed to leave %s: %w", channel, err)
	}
	if t.metrics != nil {
		t.metrics.Left(channel)
	}
	return nil
}

func (t *Tracker) cutoff() int64 {
	return t.clock().Add(-t.cfg.FreshnessWindow).UnixMilli()
}

// ListPresent returns the records whose last heartbeat is strictly newer than now minus the freshness window.
func (t *Tracker) ListPresent(ctx context.Context, channel string) ([]models.PresenceRecord, error) {
	cutoff := t.cutoff()
	docs, err := t.store.Query(ctx, onlineUsersPath(channel), storage.Query{
		Filters: []storage.Filter{storage.Where("timestamp", storage.OpGreater, cutoff)},
	})
	if err != nil {
		t.logger.Error("Failed to list presence", zap.Error(err), zap.String("channel", channel))
		return nil, fmt.Errorf("failed to list users in %s: %w", channel, err)
	}
	return t.decode(docs, cutoff), nil
}

// decode drops undecodable and stale records and orders the rest by join time.
func (t *Tracker) decode(docs []*storage.Document, cutoff int64) []models.PresenceRecord {
	records := make([]models.PresenceRecord, 0, len(docs))
	for _, doc := range docs {
		var rec models.PresenceRecord
		if err := doc.DataTo(&rec); err != nil {
			t.logger.Warn("Skipping malformed presence record", zap.Error(err), zap.String("path", doc.Path))
			continue
		}
		if rec.Timestamp <= cutoff {
			continue
		}
		if rec.Username == "" {
			rec.Username = doc.ID
		}
		records = append(records, rec)
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].JoinTimestamp != records[j].JoinTimestamp {
			return records[i].JoinTimestamp < records[j].JoinTimestamp
		}
		return records[i].Username < records[j].Username
	})
	return records
}

// FindOnline returns the first channel, in store order, holding a fresh presence record for username.
func (t *Tracker) FindOnline(ctx context.Context, username string) (string, bool, error) {
	channels, err := t.store.Query(ctx, "channels", storage.Query{})
	if err != nil {
		return "", false, fmt.Errorf("failed to list channels: %w", err)
	}
	cutoff := t.cutoff()
	for _, ch := range channels {
		doc, err := t.store.Get(ctx, recordPath(ch.ID, username))
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("failed to check %s: %w", ch.ID, err)
		}
		if len(t.decode([]*storage.Document{doc}, cutoff)) == 1 {
			return ch.ID, true, nil
		}
	}
	return "", false, nil
}

// Stream delivers the fresh presence set of a channel after every change to it.
type Stream struct {
	sub *storage.Subscription
	out chan []models.PresenceRecord
}

// Present is closed when the stream is cancelled.
func (s *Stream) Present() <-chan []models.PresenceRecord {
	return s.out
}

func (s *Stream) Cancel() {
	s.sub.Cancel()
}

// Watch streams the presence set of channel. Staleness is evaluated when a snapshot
// is delivered; the regular heartbeats of present users keep snapshots coming.
func (t *Tracker) Watch(ctx context.Context, channel string) (*Stream, error) {
	sub, err := t.store.Subscribe(ctx, onlineUsersPath(channel), storage.Query{})
	if err != nil {
		return nil, fmt.Errorf("failed to watch %s: %w", channel, err)
	}
	stream := &Stream{sub: sub, out: make(chan []models.PresenceRecord, 1)}

	go func() {
		defer close(stream.out)
		for docs := range sub.Snapshots() {
			records := t.decode(docs, t.cutoff())
			select {
			case <-stream.out:
			default:
			}
			stream.out <- records
		}
	}()
	return stream, nil
}
