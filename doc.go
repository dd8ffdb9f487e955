// Package orderlink is an event-driven integration layer between an order
// management domain and its external logistics systems. Each external system
// gets its own adapter binary under cmd/: the warehouse speaks a
// newline-delimited JSON protocol over TCP, the billing system SOAP/XML over
// HTTP, and the route optimizer a JSON REST API.
//
// Adapters talk to the domain through a topic-based broker (RabbitMQ by
// default, NATS or an in-memory channel transport for tests). Domain events
// carry hierarchical routing keys such as "order.created" or
// "wms.package.ack"; each adapter binds a durable queue to the keys it
// handles and republishes translated external events back onto the broker.
//
// Delivery is at least once. A handler acknowledges a message by returning
// nil, drops a structurally broken message via an UnprocessableEventError,
// and requeues a message via a DownstreamUnavailableError when the external
// system is down. Broken broker or warehouse links reconnect at a fixed
// interval.
//
// See internal/broker for the client, internal/bridge for the protocol
// bridges, and internal/events for the shared topology and payload schemas.
package orderlink
