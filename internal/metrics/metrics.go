// Package metrics exposes presence and chat activity as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of one process. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	joinsTotal      *prometheus.CounterVec
	leavesTotal     *prometheus.CounterVec
	messagesTotal   *prometheus.CounterVec
	commandsTotal   *prometheus.CounterVec
	botRepliesTotal *prometheus.CounterVec
}

// New creates the collectors on a registry of their own.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		joinsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livelink_presence_joins_total",
			Help: "Presence records written on channel entry.",
		}, []string{"channel"}),
		leavesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livelink_presence_leaves_total",
			Help: "Presence records removed on explicit leave.",
		}, []string{"channel"}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livelink_messages_sent_total",
			Help: "Chat messages appended to a channel.",
		}, []string{"channel"}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livelink_commands_total",
			Help: "Slash-commands handled, by command token.",
		}, []string{"command"}),
		botRepliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livelink_bot_replies_total",
			Help: "Bot replies sent, by outcome (completed or fallback).",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		m.joinsTotal,
		m.leavesTotal,
		m.messagesTotal,
		m.commandsTotal,
		m.botRepliesTotal,
	)
	return m
}

func (m *Metrics) Joined(channel string) {
	if m == nil {
		return
	}
	m.joinsTotal.WithLabelValues(channel).Inc()
}

func (m *Metrics) Left(channel string) {
	if m == nil {
		return
	}
	m.leavesTotal.WithLabelValues(channel).Inc()
}

func (m *Metrics) MessageSent(channel string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(channel).Inc()
}

// CommandHandled counts a command by its token; unknown tokens share one label.
func (m *Metrics) CommandHandled(command string) {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues(command).Inc()
}

func (m *Metrics) BotReplied(fallback bool) {
	if m == nil {
		return
	}
	outcome := "completed"
	if fallback {
		outcome = "fallback"
	}
	m.botRepliesTotal.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
