// Package nats provides a NATS Core transport. Routing keys map directly
// onto subjects, binding patterns onto wildcard subscriptions, and queues
// onto queue groups.
package nats

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/orderlink/orderlink/internal/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// Caps reports NATS Core semantics: wildcard subjects match hierarchically
// but messages are not persisted and an unhandled message is redelivered only
// while a consumer is connected.
var Caps = transport.Capabilities{
	Name:               TransportName,
	PatternBindings:    true,
	PersistentMessages: false,
	CompetingConsumers: true,
	RedeliveryOnNack:   true,
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	transport.Register(TransportName, Build, Caps)
}

// Build creates the NATS transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetBrokerURL()
	marshaler := &nats.NATSMarshaler{}
	options := []natsgo.Option{
		natsgo.Name(cfg.GetAdapterID()),
		natsgo.RetryOnFailedConnect(true),
	}

	publisher, err := PublisherFactory(
		nats.PublisherConfig{
			URL:         url,
			Marshaler:   marshaler,
			NatsOptions: options,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		nats.SubscriberConfig{
			URL:              url,
			QueueGroupPrefix: cfg.GetAdapterID(),
			Unmarshaler:      marshaler,
			NatsOptions:      options,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}
