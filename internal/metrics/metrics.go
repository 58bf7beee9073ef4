package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gauges
var (
	RoomMembers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parlor_relay_room_members",
		Help: "Number of members currently in the room",
	})
)

// Counters
var (
	JoinsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parlor_relay_joins_total",
		Help: "Total successful room joins",
	})
	JoinRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parlor_relay_join_rejected_total",
		Help: "Joins rejected due to room id mismatch",
	})
	MessagesRelayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parlor_relay_messages_relayed_total",
		Help: "Total unicast signaling messages relayed, by kind",
	}, []string{"kind"})
	BroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parlor_relay_broadcasts_total",
		Help: "Total room broadcasts, by kind",
	}, []string{"kind"})
	MalformedMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parlor_relay_malformed_messages_total",
		Help: "Inbound frames dropped because they failed to parse or validate",
	})
	UnicastMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parlor_relay_unicast_misses_total",
		Help: "Unicasts dropped because the target member already left",
	})
	SendBackpressureTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parlor_relay_send_backpressure_total",
		Help: "Outbound messages dropped because a member's send queue was full",
	})
	RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parlor_relay_rate_limited_total",
		Help: "Connections closed for exceeding the signaling message rate",
	})
)
