package adapter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MessageTypeTicker    = "ticker"
	MessageTypeSubscribe = "subscribe"
)

var (
	websocketMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feeder_websocket_messages_total",
			Help: "Number of websocket messages received, by adapter and message type.",
		},
		[]string{"adapter", "type"},
	)

	websocketMessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feeder_websocket_messages_dropped_total",
			Help: "Number of inbound messages dropped as malformed or empty.",
		},
		[]string{"adapter"},
	)

	websocketReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feeder_websocket_reconnects_total",
			Help: "Number of successful websocket (re)connects.",
		},
		[]string{"adapter"},
	)
)

func telemetryWebsocketMessage(name Name, msgType string) {
	websocketMessages.WithLabelValues(name.String(), msgType).Inc()
}

func telemetryWebsocketMessageDropped(name Name) {
	websocketMessagesDropped.WithLabelValues(name.String()).Inc()
}

func telemetryWebsocketReconnect(name Name) {
	websocketReconnects.WithLabelValues(name.String()).Inc()
}
