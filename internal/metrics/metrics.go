// Package metrics exposes Prometheus instrumentation for the broker client
// and the protocol bridges.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Adapter holds the counters one adapter process reports.
type Adapter struct {
	MessagesPublished *prometheus.CounterVec
	MessagesDropped   *prometheus.CounterVec
	MessagesConsumed  *prometheus.CounterVec
	MessagesAcked     *prometheus.CounterVec
	MessagesRequeued  *prometheus.CounterVec
	Reconnects        *prometheus.CounterVec
	ExternalCalls     *prometheus.CounterVec
}

// New registers the adapter counters on the given registerer. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer, adapterID string) *Adapter {
	constLabels := prometheus.Labels{"adapter": adapterID}

	a := &Adapter{
		MessagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "orderlink",
			Name:        "messages_published_total",
			Help:        "Messages published to the broker.",
			ConstLabels: constLabels,
		}, []string{"routing_key"}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "orderlink",
			Name:        "messages_dropped_total",
			Help:        "Publishes dropped because the broker was disconnected, and consumed messages acked-and-dropped as unprocessable.",
			ConstLabels: constLabels,
		}, []string{"routing_key", "reason"}),
		MessagesConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "orderlink",
			Name:        "messages_consumed_total",
			Help:        "Messages delivered to a subscription handler.",
			ConstLabels: constLabels,
		}, []string{"queue"}),
		MessagesAcked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "orderlink",
			Name:        "messages_acked_total",
			Help:        "Messages acknowledged after handling.",
			ConstLabels: constLabels,
		}, []string{"queue"}),
		MessagesRequeued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "orderlink",
			Name:        "messages_requeued_total",
			Help:        "Messages negative-acknowledged with requeue. A hot counter here means a downstream system is staying down.",
			ConstLabels: constLabels,
		}, []string{"queue"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "orderlink",
			Name:        "reconnects_total",
			Help:        "Reconnect attempts per link (broker or bridge).",
			ConstLabels: constLabels,
		}, []string{"link"}),
		ExternalCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "orderlink",
			Name:        "external_calls_total",
			Help:        "Calls to external systems by outcome.",
			ConstLabels: constLabels,
		}, []string{"system", "outcome"}),
	}

	reg.MustRegister(
		a.MessagesPublished,
		a.MessagesDropped,
		a.MessagesConsumed,
		a.MessagesAcked,
		a.MessagesRequeued,
		a.Reconnects,
		a.ExternalCalls,
	)
	return a
}

// Serve exposes /metrics on the given port. It blocks, so callers run it in
// a goroutine.
func Serve(port int, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
