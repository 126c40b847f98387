package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	eventsPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "incognito_events_published_total",
			Help: "Number of events broadcast to relays",
		},
	)
	relayAcks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incognito_relay_acks_total",
			Help: "Number of OK frames received, by result and reject class",
		},
		[]string{"result", "class"},
	)
	deliveryFinal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incognito_delivery_final_total",
			Help: "Number of outbound messages reaching a terminal status",
		},
		[]string{"status"},
	)
	relayConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "incognito_relay_connections",
			Help: "Number of open relay connections",
		},
	)
	relayReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "incognito_relay_reconnects_total",
			Help: "Number of scheduled relay reconnections",
		},
	)
	routerResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incognito_router_resolutions_total",
			Help: "Number of inbound events routed, by matching rule",
		},
		[]string{"via"},
	)
	pendingBufferSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "incognito_pending_buffer_size",
			Help: "Number of unresolved events held for later routing",
		},
	)
	decryptFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "incognito_decrypt_failures_total",
			Help: "Number of inbound events no candidate key could open",
		},
	)
	relayEventsStored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_events_stored_total",
			Help: "Number of events stored by the development relay",
		},
	)
	relaySubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_subscriptions",
			Help: "Number of live subscriptions on the development relay",
		},
	)
)

func init() {
	prometheus.MustRegister(
		eventsPublished,
		relayAcks,
		deliveryFinal,
		relayConnections,
		relayReconnects,
		routerResolutions,
		pendingBufferSize,
		decryptFailures,
		relayEventsStored,
		relaySubscriptions,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func EventPublished() {
	eventsPublished.Inc()
}

func RelayAck(accepted bool, class string) {
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	relayAcks.With(prometheus.Labels{"result": result, "class": class}).Inc()
}

func DeliveryFinal(status string) {
	deliveryFinal.With(prometheus.Labels{"status": status}).Inc()
}

func SetRelayConnections(n int) {
	relayConnections.Set(float64(n))
}

func RelayReconnect() {
	relayReconnects.Inc()
}

func RouterResolution(via string) {
	routerResolutions.With(prometheus.Labels{"via": via}).Inc()
}

func SetPendingBufferSize(n int) {
	pendingBufferSize.Set(float64(n))
}

func DecryptFailure() {
	decryptFailures.Inc()
}

func RelayEventStored() {
	relayEventsStored.Inc()
}

func RelaySubscriptionOpened() {
	relaySubscriptions.Inc()
}

func RelaySubscriptionClosed() {
	relaySubscriptions.Dec()
}
