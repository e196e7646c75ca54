package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_connected_clients",
		Help: "Authenticated websocket connections on this gateway.",
	})

	droppedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_dropped_clients_total",
		Help: "Connections dropped because their send queue was full.",
	})

	eventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_events_received_total",
		Help: "Inbound websocket events by name.",
	}, []string{"event"})

	eventsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_events_sent_total",
		Help: "Outbound websocket frames written.",
	})

	publishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_publish_errors_total",
		Help: "Messages that could not be written to Kafka.",
	})
)
