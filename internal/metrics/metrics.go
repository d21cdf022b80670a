package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors follow the namespace_subsystem_name convention:
//   - namespace: chat (application-level grouping)
//   - subsystem: websocket, room (feature-level grouping)
//
// Gauges track current state, counters cumulative events, the histogram the
// dispatch latency distribution.

var (
	// ActiveSessions is the number of registered live sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chat",
		Subsystem: "websocket",
		Name:      "sessions_active",
		Help:      "Current number of registered sessions",
	})

	// ConnectionsTotal counts successful registrations over the process
	// lifetime.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chat",
		Subsystem: "websocket",
		Name:      "connections_total",
		Help:      "Total sessions registered",
	})

	// ActiveRooms is the number of live rooms, the immortal default
	// included.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chat",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of rooms",
	})

	// InboundMessages counts decoded client frames by message type.
	InboundMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Subsystem: "websocket",
		Name:      "inbound_messages_total",
		Help:      "Client frames dispatched, by message type",
	}, []string{"type"})

	// DispatchDuration is the time spent handling one client frame.
	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chat",
		Subsystem: "websocket",
		Name:      "dispatch_seconds",
		Help:      "Time spent dispatching client frames",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"type"})

	// DroppedFrames counts outbound frames dropped on full session queues.
	DroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chat",
		Subsystem: "websocket",
		Name:      "frames_dropped_total",
		Help:      "Outbound frames dropped because a session queue was full",
	})

	// SlowConsumerDisconnects counts sessions evicted for sustained queue
	// overflow.
	SlowConsumerDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chat",
		Subsystem: "websocket",
		Name:      "slow_consumer_disconnects_total",
		Help:      "Sessions disconnected after consecutive dropped frames",
	})
)

func IncConnection() {
	ActiveSessions.Inc()
	ConnectionsTotal.Inc()
}

func DecConnection() {
	ActiveSessions.Dec()
}

func IncRoom() {
	ActiveRooms.Inc()
}

func DecRoom() {
	ActiveRooms.Dec()
}
