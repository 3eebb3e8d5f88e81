package collab

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coderoom_connections_active",
		Help: "Number of live websocket connections.",
	})

	roomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coderoom_rooms_active",
		Help: "Number of rooms currently holding state.",
	})

	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coderoom_events_total",
		Help: "Inbound client events handled, by event kind.",
	}, []string{"event"})

	messagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coderoom_messages_total",
		Help: "Chat messages accepted and relayed.",
	})

	broadcastDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coderoom_broadcast_drops_total",
		Help: "Envelopes dropped because a client send queue was full.",
	})
)
