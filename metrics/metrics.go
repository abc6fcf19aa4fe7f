package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Channel metrics
	ChannelConnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zia_channel_connects_total",
			Help: "Channel connect attempts by transport and result",
		},
		[]string{"transport", "result"},
	)

	ChannelEventsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zia_channel_events_sent_total",
			Help: "Events written to the channel",
		},
		[]string{"event"},
	)

	ChannelEventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zia_channel_events_received_total",
			Help: "Events read from the channel",
		},
		[]string{"event"},
	)

	ChannelQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "zia_channel_queued_events",
			Help: "Events buffered while the channel is disconnected",
		},
	)

	// Local store metrics
	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zia_store_op_duration_seconds",
			Help:    "Local message store operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
		},
		[]string{"op"},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zia_store_errors_total",
			Help: "Failed local message store operations",
		},
		[]string{"op"},
	)

	// Reconciliation metrics
	ChatPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "zia_chat_pending_messages",
			Help: "Locally sent messages waiting for a delivery ack",
		},
	)

	ChatOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zia_chat_outcomes_total",
			Help: "Resolution of locally sent messages",
		},
		[]string{"outcome"}, // "delivered", "failed", "removed", "retried"
	)

	// Relay metrics
	RelaySessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zia_relay_sessions",
			Help: "Live relay sessions by transport",
		},
		[]string{"transport"},
	)

	RelayMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zia_relay_messages_total",
			Help: "Chat messages handled by the relay",
		},
		[]string{"result"}, // "delivered", "rejected", "failed"
	)
)

// ObserveStoreOp records the latency of a store operation and counts it as
// failed when err is not nil.
func ObserveStoreOp(op string, start time.Time, err error) {
	StoreOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		StoreErrors.WithLabelValues(op).Inc()
	}
}
