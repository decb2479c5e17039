package bot

import (
	"context"
	"fmt"

	"github.com/xaenox/livelink/internal/chat"
	"github.com/xaenox/livelink/internal/commands"
	"github.com/xaenox/livelink/internal/models"
	"github.com/xaenox/livelink/internal/presence"
	"go.uber.org/zap"
)

// watchChannel forwards new messages and presence changes of channel to the client
// until the membership ends.
func (b *Bot) watchChannel(c *client, channel, username string) {
	messages, err := b.svc.Chat.Watch(context.Background(), channel)
	if err != nil {
		b.logger.Error("Failed to watch messages", zap.Error(err), zap.String("channel", channel))
	} else {
		c.session.Attach(messages)
		go b.forwardMessages(c, messages)
	}

	present, err := b.svc.Tracker.Watch(context.Background(), channel)
	if err != nil {
		b.logger.Error("Failed to watch presence", zap.Error(err), zap.String("channel", channel))
		return
	}
	c.session.Attach(present)
	go b.announcePresence(c, username, present)
}

func (b *Bot) forwardMessages(c *client, stream *chat.Stream) {
	seen := make(map[string]struct{})
	first := true
	for msgs := range stream.Messages() {
		fresh := unseenMessages(msgs, seen)
		if first {
			first = false
			if len(fresh) > historySize {
				fresh = fresh[len(fresh)-historySize:]
			}
		}
		for _, msg := range fresh {
			if msg.SenderID == c.uid {
				continue
			}
			b.sendMarkdown(c.chatID, formatChatLine(b.senderName(msg.SenderID), msg.Content))
		}
	}
}

func (b *Bot) announcePresence(c *client, username string, stream *presence.Stream) {
	var previous []models.PresenceRecord
	first := true
	for records := range stream.Present() {
		if first {
			first = false
			previous = records
			continue
		}
		joined, left := diffPresence(previous, records)
		previous = records
		for _, name := range joined {
			if name != username {
				b.sendMessage(c.chatID, fmt.Sprintf("→ %s joined", name))
			}
		}
		for _, name := range left {
			if name != username {
				b.sendMessage(c.chatID, fmt.Sprintf("← %s left", name))
			}
		}
	}
}

// senderName resolves a sender id to a username, caching the result.
func (b *Bot) senderName(senderID string) string {
	if senderID == commands.DefaultBotSender {
		return "🤖 bot"
	}
	if name, ok := b.names.Load(senderID); ok {
		return name.(string)
	}
	profile, err := b.svc.Profiles.Get(context.Background(), senderID)
	if err != nil || profile == nil {
		return senderID
	}
	b.names.Store(senderID, profile.Username)
	return profile.Username
}
