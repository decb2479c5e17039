package presence

import (
	"context"
	"sync"
	"time"

	"github.com/xaenox/livelink/internal/background"
	"github.com/xaenox/livelink/internal/models"
	"go.uber.org/zap"
)

// VisitRecorder keeps the recent-channels list of a profile.
type VisitRecorder interface {
	RecordChannelVisit(ctx context.Context, uid string, channel models.Channel) error
}

// Canceler is a live subscription bound to the current membership.
type Canceler interface {
	Cancel()
}

// Session is the presence of one client. It is in at most one channel at a time.
type Session struct {
	tracker *Tracker
	visits  VisitRecorder
	runner  *background.Runner
	logger  *zap.Logger

	mu            sync.Mutex
	current       *models.ChannelMembership
	username      string
	stopHeartbeat context.CancelFunc
	heartbeatDone chan struct{}
	attached      []Canceler
}

func NewSession(tracker *Tracker, visits VisitRecorder, runner *background.Runner, logger *zap.Logger) *Session {
	return &Session{
		tracker: tracker,
		visits:  visits,
		runner:  runner,
		logger:  logger,
	}
}

// Current returns the active membership, or nil.
func (s *Session) Current() *models.ChannelMembership {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	membership := *s.current
	return &membership
}

// Join leaves the previous channel, if any, writes a fresh presence record, starts
// the heartbeat and records the visit in the background.
func (s *Session) Join(ctx context.Context, channel models.Channel, user *models.UserProfile) (*models.ChannelMembership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		previous := s.current.ChannelID
		// The stale record expires on its own, so a failed delete does not block the join.
		if err := s.leaveLocked(ctx); err != nil {
			s.logger.Warn("Failed to release previous channel",
				zap.Error(err),
				zap.String("channel", previous),
				zap.String("username", user.Username))
		}
	}

	if err := s.tracker.Enter(ctx, channel.Name, user); err != nil {
		return nil, err
	}

	s.current = &models.ChannelMembership{
		ChannelID:     channel.Name,
		BackgroundURL: channel.BackgroundURL,
		JoinedAt:      s.tracker.clock(),
	}
	s.username = user.Username
	s.startHeartbeat(channel.Name, user.Username)

	uid := user.ID
	s.runner.Go("record channel visit", func(ctx context.Context) error {
		return s.visits.RecordChannelVisit(ctx, uid, channel)
	})

	s.logger.Info("Joined channel",
		zap.String("channel", channel.Name),
		zap.String("username", user.Username))
	membership := *s.current
	return &membership, nil
}

// Attach binds a live subscription to the current membership; it is cancelled on leave.
// Without a membership it is cancelled right away.
func (s *Session) Attach(c Canceler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		c.Cancel()
		return
	}
	s.attached = append(s.attached, c)
}

// Leave stops the heartbeat, tears down attached subscriptions and deletes the
// presence record. Leaving without a membership does nothing.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	return s.leaveLocked(ctx)
}

func (s *Session) leaveLocked(ctx context.Context) error {
	channel := s.current.ChannelID
	s.stopHeartbeat()
	<-s.heartbeatDone
	for _, c := range s.attached {
		c.Cancel()
	}
	s.attached = nil
	s.current = nil

	err := s.tracker.Leave(ctx, channel, s.username)
	s.logger.Info("Left channel",
		zap.String("channel", channel),
		zap.String("username", s.username))
	return err
}

func (s *Session) startHeartbeat(channel, username string) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.stopHeartbeat = cancel
	s.heartbeatDone = done

	interval := s.tracker.cfg.HeartbeatInterval
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.tracker.Heartbeat(ctx, channel, username); err != nil {
					s.logger.Warn("Heartbeat failed",
						zap.Error(err),
						zap.String("channel", channel),
						zap.String("username", username))
				}
			}
		}
	}()
}
