package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.Joined("general")
	m.Joined("general")
	m.Left("general")
	m.MessageSent("games")
	m.CommandHandled("/userlock")
	m.BotReplied(false)
	m.BotReplied(true)

	out := scrape(t, m)
	assert.Contains(t, out, `livelink_presence_joins_total{channel="general"} 2`)
	assert.Contains(t, out, `livelink_presence_leaves_total{channel="general"} 1`)
	assert.Contains(t, out, `livelink_messages_sent_total{channel="games"} 1`)
	assert.Contains(t, out, `livelink_commands_total{command="/userlock"} 1`)
	assert.Contains(t, out, `livelink_bot_replies_total{outcome="completed"} 1`)
	assert.Contains(t, out, `livelink_bot_replies_total{outcome="fallback"} 1`)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Joined("general")
		m.Left("general")
		m.MessageSent("general")
		m.CommandHandled("/profil")
		m.BotReplied(true)
	})
}
