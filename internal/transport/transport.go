// Package transport defines the contract between the broker client and the
// backing message infrastructure. Each backend (rabbitmq, nats, channel)
// lives in its own sub-package and registers itself with the registry.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/orderlink/orderlink/internal/events"
)

// Transport combines the publisher and subscriber pair produced by a builder.
// The broker client treats the watermill "topic" argument as the routing key
// (when publishing) or the binding pattern (when subscribing); how that maps
// onto the backend's topology is each builder's business.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the values builders need without depending on the full
// config package.
type Config interface {
	// GetTransport returns the backend name ("rabbitmq", "nats", "channel").
	GetTransport() string

	// GetBrokerURL returns the connection string for rabbitmq and nats.
	GetBrokerURL() string

	// GetAdapterID identifies the adapter instance; used for queue-group and
	// consumer naming.
	GetAdapterID() string

	// GetTopology returns the topics and bindings the adapter asserts, so
	// builders can map binding patterns onto backend queues and exchanges.
	GetTopology() events.Topology
}

// Capabilities describes what a backend can honestly promise.
type Capabilities struct {
	// Name is the backend name.
	Name string

	// PatternBindings indicates routing-key patterns like "order.*" match
	// hierarchically. When false, bindings are exact-match only and callers
	// must bind concrete routing keys.
	PatternBindings bool

	// PersistentMessages indicates the persistent flag survives a broker
	// restart.
	PersistentMessages bool

	// CompetingConsumers indicates multiple subscribers of one queue split
	// the messages instead of each receiving a copy.
	CompetingConsumers bool

	// RedeliveryOnNack indicates a nacked message is requeued for another
	// delivery attempt.
	RedeliveryOnNack bool
}

// SupportsAtLeastOnce reports whether the backend can honour the at-least-once
// contract the line-protocol bridge relies on.
func (c Capabilities) SupportsAtLeastOnce() bool {
	return c.RedeliveryOnNack
}
