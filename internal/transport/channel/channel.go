// Package channel provides an in-memory transport for tests and local
// development. Bindings are exact-match only: subscribe with concrete routing
// keys, not patterns.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/orderlink/orderlink/internal/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// Caps: no persistence, no pattern matching, but ack/nack redelivery works,
// which is what the at-least-once tests need.
var Caps = transport.Capabilities{
	Name:               TransportName,
	PatternBindings:    false,
	PersistentMessages: false,
	CompetingConsumers: false,
	RedeliveryOnNack:   true,
}

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	transport.Register(TransportName, Build, Caps)
}

// Build creates the in-memory transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pub, sub := Factory(gochannel.Config{}, logger)
	return transport.Transport{
		Publisher:  pub,
		Subscriber: sub,
	}, nil
}
