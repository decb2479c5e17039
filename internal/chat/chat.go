// Package chat sends and streams the messages of a channel.
package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/xaenox/livelink/internal/models"
	"github.com/xaenox/livelink/internal/storage"
	"go.uber.org/zap"
)

// MessagesPath returns the collection holding the messages of channel.
func MessagesPath(channel string) string {
	return storage.Join("channels", channel, "messages")
}

type Service struct {
	store  storage.Storage
	logger *zap.Logger
}

func NewService(store storage.Storage, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Send appends a message to the channel; the timestamp is assigned by the store.
func (s *Service) Send(ctx context.Context, channel, senderID, content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("message must not be empty")
	}
	id, err := s.store.Add(ctx, MessagesPath(channel), storage.Fields{
		"senderId":  senderID,
		"content":   content,
		"timestamp": storage.ServerTimestamp,
	})
	if err != nil {
		s.logger.Error("Failed to send message",
			zap.Error(err),
			zap.String("channel", channel),
			zap.String("sender", senderID))
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	return id, nil
}

// Stream delivers the ordered message list of a channel after every change.
type Stream struct {
	sub *storage.Subscription
	out chan []models.Message
}

// Messages is closed when the stream is cancelled.
func (s *Stream) Messages() <-chan []models.Message {
	return s.out
}

func (s *Stream) Cancel() {
	s.sub.Cancel()
}

// Watch subscribes to the messages of channel ordered by timestamp.
func (s *Service) Watch(ctx context.Context, channel string) (*Stream, error) {
	sub, err := s.store.Subscribe(ctx, MessagesPath(channel), storage.Query{OrderBy: "timestamp"})
	if err != nil {
		return nil, fmt.Errorf("failed to watch messages of %s: %w", channel, err)
	}
	stream := &Stream{sub: sub, out: make(chan []models.Message, 1)}

	go func() {
		defer close(stream.out)
		for docs := range sub.Snapshots() {
			messages := make([]models.Message, 0, len(docs))
			for _, doc := range docs {
				var msg models.Message
				if err := doc.DataTo(&msg); err != nil {
					s.logger.Warn("Skipping malformed message", zap.Error(err), zap.String("path", doc.Path))
					continue
				}
				msg.ID = doc.ID
				messages = append(messages, msg)
			}
			select {
			case <-stream.out:
			default:
			}
			stream.out <- messages
		}
	}()
	return stream, nil
}
