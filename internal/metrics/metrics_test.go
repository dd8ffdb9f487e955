package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersAllCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := New(reg, "wms-adapter-1")

	a.MessagesPublished.WithLabelValues("order.created").Inc()
	a.MessagesDropped.WithLabelValues("order.created", "disconnected").Inc()
	a.MessagesConsumed.WithLabelValues("wms.adapter.inbound").Add(3)
	a.MessagesAcked.WithLabelValues("wms.adapter.inbound").Add(2)
	a.MessagesRequeued.WithLabelValues("wms.adapter.inbound").Inc()
	a.Reconnects.WithLabelValues("broker").Inc()
	a.ExternalCalls.WithLabelValues("wms", "sent").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"orderlink_messages_published_total",
		"orderlink_messages_dropped_total",
		"orderlink_messages_consumed_total",
		"orderlink_messages_acked_total",
		"orderlink_messages_requeued_total",
		"orderlink_reconnects_total",
		"orderlink_external_calls_total",
	} {
		assert.True(t, names[want], "missing metric %s", want)
	}

	assert.Equal(t, float64(3), testutil.ToFloat64(a.MessagesConsumed.WithLabelValues("wms.adapter.inbound")))
}

func TestNew_SeparateRegistriesDoNotCollide(t *testing.T) {
	// Two adapters in one test binary must not fight over metric names.
	a := New(prometheus.NewRegistry(), "adapter-a")
	b := New(prometheus.NewRegistry(), "adapter-b")
	assert.NotSame(t, a.MessagesPublished, b.MessagesPublished)
}
