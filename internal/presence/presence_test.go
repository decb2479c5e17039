package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/livelink/internal/background"
	"github.com/xaenox/livelink/internal/history"
	"github.com/xaenox/livelink/internal/models"
	"github.com/xaenox/livelink/internal/profiles"
	"github.com/xaenox/livelink/internal/storage"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 11, 17, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var defaultConfig = Config{
	HeartbeatInterval: DefaultHeartbeatInterval,
	FreshnessWindow:   DefaultFreshnessWindow,
}

func newTracker(t *testing.T, clock *fakeClock) (*Tracker, storage.Storage) {
	t.Helper()
	store := storage.NewMemoryStorage(storage.WithClock(clock.Now))
	tracker, err := NewTracker(store, defaultConfig, zaptest.NewLogger(t), WithClock(clock.Now))
	require.NoError(t, err)
	return tracker, store
}

func user(name string) *models.UserProfile {
	return &models.UserProfile{ID: "uid-" + name, Username: name, Age: "25", Gender: "f", ProfilePicURL: "pic-" + name}
}

func usernames(records []models.PresenceRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Username
	}
	return out
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", defaultConfig, false},
		{"window too small", Config{HeartbeatInterval: 2 * time.Second, FreshnessWindow: 4 * time.Second}, true},
		{"zero interval", Config{FreshnessWindow: time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTracker_EnterHeartbeatExpire(t *testing.T) {
	clock := newFakeClock()
	tracker, _ := newTracker(t, clock)
	ctx := context.Background()
	joined := clock.Now()

	require.NoError(t, tracker.Enter(ctx, "general", user("alice")))

	clock.Advance(2 * time.Second)
	require.NoError(t, tracker.Heartbeat(ctx, "general", "alice"))
	clock.Advance(2 * time.Second)
	require.NoError(t, tracker.Heartbeat(ctx, "general", "alice"))
	lastBeat := clock.Now()

	present, err := tracker.ListPresent(ctx, "general")
	require.NoError(t, err)
	require.Len(t, present, 1)
	assert.Equal(t, "alice", present[0].Username)
	assert.Equal(t, "pic-alice", present[0].ProfilePic)
	assert.Equal(t, joined.UnixMilli(), present[0].JoinTimestamp)
	assert.Equal(t, lastBeat.UnixMilli(), present[0].Timestamp)

	// no further heartbeats
	clock.Advance(7 * time.Second)
	present, err = tracker.ListPresent(ctx, "general")
	require.NoError(t, err)
	assert.Empty(t, present)
}

func TestTracker_FreshnessBoundaryIsExcluded(t *testing.T) {
	clock := newFakeClock()
	tracker, _ := newTracker(t, clock)
	ctx := context.Background()

	require.NoError(t, tracker.Enter(ctx, "general", user("alice")))

	clock.Advance(DefaultFreshnessWindow - time.Millisecond)
	present, err := tracker.ListPresent(ctx, "general")
	require.NoError(t, err)
	assert.Len(t, present, 1)

	clock.Advance(time.Millisecond)
	present, err = tracker.ListPresent(ctx, "general")
	require.NoError(t, err)
	assert.Empty(t, present)
}

func TestTracker_HeartbeatAfterLeaveIsNoop(t *testing.T) {
	clock := newFakeClock()
	tracker, store := newTracker(t, clock)
	ctx := context.Background()

	require.NoError(t, tracker.Enter(ctx, "general", user("alice")))
	require.NoError(t, tracker.Leave(ctx, "general", "alice"))
	require.NoError(t, tracker.Heartbeat(ctx, "general", "alice"))

	_, err := store.Get(ctx, "channels/general/onlineUsers/alice")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	// leaving twice is fine
	assert.NoError(t, tracker.Leave(ctx, "general", "alice"))
}

func TestTracker_ListPresentOrdersByJoinAndSkipsMalformed(t *testing.T) {
	clock := newFakeClock()
	tracker, store := newTracker(t, clock)
	ctx := context.Background()

	require.NoError(t, tracker.Enter(ctx, "general", user("carol")))
	clock.Advance(time.Second)
	require.NoError(t, tracker.Enter(ctx, "general", user("alice")))
	clock.Advance(time.Second)
	require.NoError(t, tracker.Enter(ctx, "general", user("bob")))
	require.NoError(t, tracker.Enter(ctx, "games", user("dave")))

	require.NoError(t, store.Set(ctx, "channels/general/onlineUsers/broken", storage.Fields{
		"username":  42,
		"timestamp": storage.ServerTimestamp,
	}, false))

	present, err := tracker.ListPresent(ctx, "general")
	require.NoError(t, err)
	assert.Equal(t, []string{"carol", "alice", "bob"}, usernames(present))
}

func TestTracker_FindOnline(t *testing.T) {
	clock := newFakeClock()
	tracker, store := newTracker(t, clock)
	ctx := context.Background()

	for _, name := range []string{"general", "games", "music"} {
		require.NoError(t, store.Set(ctx, storage.Join("channels", name), storage.Fields{"name": name}, false))
	}

	_, found, err := tracker.FindOnline(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, tracker.Enter(ctx, "music", user("alice")))
	channel, found, err := tracker.FindOnline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "music", channel)

	// a stale record elsewhere does not count
	clock.Advance(10 * time.Second)
	require.NoError(t, tracker.Enter(ctx, "games", user("alice")))
	channel, found, err = tracker.FindOnline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "games", channel)

	clock.Advance(10 * time.Second)
	_, found, err = tracker.FindOnline(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTracker_Watch(t *testing.T) {
	clock := newFakeClock()
	tracker, _ := newTracker(t, clock)
	ctx := context.Background()

	stream, err := tracker.Watch(ctx, "general")
	require.NoError(t, err)
	defer stream.Cancel()

	assert.Empty(t, <-stream.Present())

	require.NoError(t, tracker.Enter(ctx, "general", user("alice")))
	assert.Eventually(t, func() bool {
		select {
		case records := <-stream.Present():
			return len(records) == 1 && records[0].Username == "alice"
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func newSession(t *testing.T, cfg Config) (*Session, *Tracker, storage.Storage, *background.Runner) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := storage.NewMemoryStorage()
	tracker, err := NewTracker(store, cfg, logger)
	require.NoError(t, err)

	repo := profiles.NewRepository(store, logger)
	_, err = repo.Register(context.Background(), "uid-alice", "alice", "alice@example.com")
	require.NoError(t, err)

	runner := background.NewRunner(context.Background(), logger)
	return NewSession(tracker, history.NewMaintainer(store, logger), runner, logger), tracker, store, runner
}

type cancelRecorder struct {
	cancelled bool
}

func (c *cancelRecorder) Cancel() {
	c.cancelled = true
}

func TestSession_SwitchReleasesPreviousChannel(t *testing.T) {
	session, tracker, store, runner := newSession(t, defaultConfig)
	ctx := context.Background()
	alice := user("alice")

	membership, err := session.Join(ctx, models.Channel{Name: "general", BackgroundURL: "bg"}, alice)
	require.NoError(t, err)
	assert.Equal(t, "general", membership.ChannelID)
	assert.Equal(t, "bg", membership.BackgroundURL)

	watcher := &cancelRecorder{}
	session.Attach(watcher)

	_, err = session.Join(ctx, models.Channel{Name: "games"}, alice)
	require.NoError(t, err)
	assert.True(t, watcher.cancelled)
	assert.Equal(t, "games", session.Current().ChannelID)

	present, err := tracker.ListPresent(ctx, "general")
	require.NoError(t, err)
	assert.Empty(t, present)
	present, err = tracker.ListPresent(ctx, "games")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, usernames(present))

	require.NoError(t, session.Leave(ctx))
	assert.Nil(t, session.Current())

	runner.Wait()
	doc, err := store.Get(ctx, profiles.Path("uid-alice"))
	require.NoError(t, err)
	var profile models.UserProfile
	require.NoError(t, doc.DataTo(&profile))
	require.Len(t, profile.LastChannels, 2)
	assert.Equal(t, "games", profile.LastChannels[0].Name)
	assert.Equal(t, "general", profile.LastChannels[1].Name)
}

func TestSession_HeartbeatKeepsPresenceFresh(t *testing.T) {
	cfg := Config{HeartbeatInterval: 20 * time.Millisecond, FreshnessWindow: 100 * time.Millisecond}
	session, tracker, store, runner := newSession(t, cfg)
	ctx := context.Background()
	defer runner.Wait()

	_, err := session.Join(ctx, models.Channel{Name: "general"}, user("alice"))
	require.NoError(t, err)

	doc, err := store.Get(ctx, "channels/general/onlineUsers/alice")
	require.NoError(t, err)
	first := doc.Fields["timestamp"]

	assert.Eventually(t, func() bool {
		doc, err := store.Get(ctx, "channels/general/onlineUsers/alice")
		return err == nil && doc.Fields["timestamp"] != first
	}, time.Second, 10*time.Millisecond)

	// outlives several freshness windows
	time.Sleep(250 * time.Millisecond)
	present, err := tracker.ListPresent(ctx, "general")
	require.NoError(t, err)
	assert.Len(t, present, 1)

	require.NoError(t, session.Leave(ctx))
	time.Sleep(60 * time.Millisecond)
	_, err = store.Get(ctx, "channels/general/onlineUsers/alice")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestSession_AttachWithoutMembershipCancels(t *testing.T) {
	session, _, _, _ := newSession(t, defaultConfig)
	watcher := &cancelRecorder{}
	session.Attach(watcher)
	assert.True(t, watcher.cancelled)
	assert.NoError(t, session.Leave(context.Background()))
}

type failingDeleteStore struct {
	storage.Storage
}

func (s failingDeleteStore) Delete(ctx context.Context, path string) error {
	return errors.New("delete rejected")
}

func TestSession_JoinSurvivesFailedRelease(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	logger := zap.New(core)
	store := failingDeleteStore{Storage: storage.NewMemoryStorage()}
	tracker, err := NewTracker(store, defaultConfig, logger)
	require.NoError(t, err)
	runner := background.NewRunner(context.Background(), logger)
	defer runner.Wait()
	session := NewSession(tracker, history.NewMaintainer(store, logger), runner, logger)
	ctx := context.Background()

	_, err = session.Join(ctx, models.Channel{Name: "general"}, user("alice"))
	require.NoError(t, err)
	_, err = session.Join(ctx, models.Channel{Name: "games"}, user("alice"))
	require.NoError(t, err)
	assert.Equal(t, "games", session.Current().ChannelID)

	warnings := logs.FilterMessage("Failed to release previous channel").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, "general", warnings[0].ContextMap()["channel"])

	assert.Error(t, session.Leave(ctx))
	assert.Nil(t, session.Current())
}

type countingRecorder struct {
	mu     sync.Mutex
	joined map[string]int
	left   map[string]int
}

func (r *countingRecorder) Joined(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joined[channel]++
}

func (r *countingRecorder) Left(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.left[channel]++
}

func TestTracker_RecordsMetrics(t *testing.T) {
	clock := newFakeClock()
	recorder := &countingRecorder{joined: map[string]int{}, left: map[string]int{}}
	store := storage.NewMemoryStorage(storage.WithClock(clock.Now))
	tracker, err := NewTracker(store, defaultConfig, zaptest.NewLogger(t), WithClock(clock.Now), WithMetrics(recorder))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, tracker.Enter(ctx, "general", user("alice")))
	require.NoError(t, tracker.Enter(ctx, "general", user("bob")))
	require.NoError(t, tracker.Leave(ctx, "general", "alice"))

	assert.Equal(t, map[string]int{"general": 2}, recorder.joined)
	assert.Equal(t, map[string]int{"general": 1}, recorder.left)
}
