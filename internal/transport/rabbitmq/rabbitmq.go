// Package rabbitmq provides the AMQP transport. Topics map onto durable
// topic exchanges, bindings onto queue bindings with routing-key patterns.
package rabbitmq

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/orderlink/orderlink/internal/events"
	"github.com/orderlink/orderlink/internal/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// Capabilities of the AMQP backend.
var Caps = transport.Capabilities{
	Name:               TransportName,
	PatternBindings:    true,
	PersistentMessages: true,
	CompetingConsumers: true,
	RedeliveryOnNack:   true,
}

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

func init() {
	transport.Register(TransportName, Build, Caps)
}

// Build creates the AMQP transport. The watermill topic argument carries the
// routing key on publish and the binding pattern on subscribe; this builder
// maps both onto the owning topic exchange using the adapter's topology.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	topology := cfg.GetTopology()

	queueFor := make(map[string]string, len(topology.Bindings))
	exchangeFor := make(map[string]string, len(topology.Bindings))
	for _, b := range topology.Bindings {
		queueFor[b.RoutingKey] = b.Queue
		exchangeFor[b.RoutingKey] = b.Topic
	}

	amqpConfig := amqp.NewDurablePubSubConfig(cfg.GetBrokerURL(), func(topic string) string {
		if queue, ok := queueFor[topic]; ok {
			return queue
		}
		return cfg.GetAdapterID() + "." + topic
	})

	amqpConfig.Exchange.Type = "topic"
	amqpConfig.Exchange.GenerateName = func(topic string) string {
		if exchange, ok := exchangeFor[topic]; ok {
			return exchange
		}
		return events.TopicForRoutingKey(topic)
	}
	// The watermill topic is already the routing key (or binding pattern).
	amqpConfig.QueueBind.GenerateRoutingKey = func(topic string) string { return topic }
	amqpConfig.Publish.GenerateRoutingKey = func(topic string) string { return topic }

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   cfg.GetBrokerURL(),
		TLSConfig: nil,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	publisher, err := PublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(amqpConfig, logger, conn)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}
