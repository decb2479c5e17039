package bot

import (
	"context"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/livelink/internal/background"
	"go.uber.org/zap/zaptest"
)

func TestClientFor_SharesInboxPerUser(t *testing.T) {
	logger := zaptest.NewLogger(t)
	runner := background.NewRunner(context.Background(), logger)
	b := &Bot{
		svc:     Services{Runner: runner},
		logger:  logger,
		clients: make(map[int64]*client),
	}
	message := func(userID int64) *tgbotapi.Message {
		return &tgbotapi.Message{From: &tgbotapi.User{ID: userID}, Chat: &tgbotapi.Chat{ID: userID}}
	}

	first := b.clientFor(message(7))
	again := b.clientFor(message(7))
	other := b.clientFor(message(8))
	require.NotNil(t, first.inbox)
	assert.Same(t, first, again)
	assert.Same(t, first.inbox, again.inbox)
	assert.NotSame(t, first.inbox, other.inbox)
	assert.Equal(t, "tg-7", first.uid)

	var order []string
	for _, text := range []string{"/join general", "hello", "/leave"} {
		text := text
		first.inbox.Push("handle message", func(ctx context.Context) error {
			order = append(order, text)
			return nil
		})
	}
	runner.Wait()
	assert.Equal(t, []string{"/join general", "hello", "/leave"}, order)
}
