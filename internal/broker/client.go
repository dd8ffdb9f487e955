// Package broker owns the connection to the topic-based broker: topology
// assertion, publishing, subscribing with ack/nack semantics, and the
// reconnect state machine.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/orderlink/orderlink/internal/events"
	"github.com/orderlink/orderlink/internal/ids"
	"github.com/orderlink/orderlink/internal/jsoncodec"
	"github.com/orderlink/orderlink/internal/logging"
	"github.com/orderlink/orderlink/internal/metrics"
	"github.com/orderlink/orderlink/internal/transport"
)

// State of the broker link.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Metadata keys stamped on every published message.
const (
	MetadataKeyRoutingKey    = "routing_key"
	MetadataKeyPublishedAt   = "published_at"
	MetadataKeyPersistent    = "persistent"
	MetadataKeyCorrelationID = "correlation_id"
)

// Config carries the broker settings plus the adapter's topology. It
// implements transport.Config so builders can see the bindings.
type Config struct {
	Transport         string
	URL               string
	AdapterID         string
	ReconnectInterval time.Duration
	Topology          events.Topology
}

func (c *Config) GetTransport() string         { return c.Transport }
func (c *Config) GetBrokerURL() string         { return c.URL }
func (c *Config) GetAdapterID() string         { return c.AdapterID }
func (c *Config) GetTopology() events.Topology { return c.Topology }

func (c *Config) reconnectInterval() time.Duration {
	if c.ReconnectInterval <= 0 {
		return 5 * time.Second
	}
	return c.ReconnectInterval
}

// Handler processes one delivered message. Return nil to acknowledge, an
// UnprocessableEventError to acknowledge-and-drop, or any other error
// (typically a DownstreamUnavailableError) to negative-acknowledge with
// requeue.
type Handler func(ctx context.Context, msg *message.Message) error

type subscription struct {
	queue    string
	bindings []string
	handler  Handler
}

// Option customises a Client.
type Option func(*Client)

// WithMetrics attaches Prometheus counters to the client.
func WithMetrics(m *metrics.Adapter) Option {
	return func(c *Client) { c.metrics = m }
}

// WithRegistry overrides the transport registry (tests use a private one).
func WithRegistry(r *transport.Registry) Option {
	return func(c *Client) { c.registry = r }
}

// Client is the durable, reconnecting broker connection shared by an adapter
// process.
type Client struct {
	cfg    *Config
	logger logging.ServiceLogger

	metrics  *metrics.Adapter
	registry *transport.Registry

	mu             sync.Mutex
	state          State
	tr             transport.Transport
	subscriptions  []subscription
	consumeCancel  context.CancelFunc
	reconnectTimer *time.Timer
	baseCtx        context.Context
	closed         bool
}

// New constructs a Client. Register subscriptions before calling Connect.
func New(cfg *Config, logger logging.ServiceLogger, opts ...Option) *Client {
	if cfg == nil {
		panic("orderlink: broker config cannot be nil")
	}
	if logger == nil {
		panic("orderlink: broker logger cannot be nil")
	}
	c := &Client{
		cfg:      cfg,
		logger:   logger.With(logging.LogFields{"adapter_id": cfg.AdapterID}),
		registry: transport.DefaultRegistry,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current link state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers a handler for a queue bound to the given routing-key
// patterns. Bindings are (re-)asserted on every connect. Calling Subscribe
// after Connect attaches the consumer to the live connection immediately.
func (c *Client) Subscribe(queue string, handler Handler, bindings ...string) error {
	if queue == "" {
		return ErrQueueRequired
	}
	if handler == nil {
		return ErrHandlerRequired
	}
	if len(bindings) == 0 {
		return ErrBindingRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	sub := subscription{queue: queue, bindings: bindings, handler: handler}
	c.subscriptions = append(c.subscriptions, sub)
	for _, b := range bindings {
		c.cfg.Topology.Bindings = append(c.cfg.Topology.Bindings, events.Binding{
			Queue:      queue,
			Topic:      events.TopicForRoutingKey(b),
			RoutingKey: b,
		})
	}

	if c.state == StateConnected {
		c.startConsumersLocked(sub)
	}
	return nil
}

// Connect establishes the transport, asserts the topology, and starts the
// consume loops. Idempotent: calling while connected is a no-op. On failure
// the next attempt is scheduled after the reconnect interval.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.baseCtx = ctx
	c.mu.Unlock()

	c.logger.Info("Connecting to broker", logging.LogFields{"transport": c.cfg.Transport})

	tr, err := c.registry.Build(ctx, c.cfg, logging.NewWatermillAdapter(c.logger))
	if err != nil {
		c.logger.Error("Broker connection failed", err, nil)
		c.mu.Lock()
		c.state = StateDisconnected
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return fmt.Errorf("build transport: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		closeTransport(tr)
		return ErrClosed
	}

	c.tr = tr
	c.assertTopologyLocked()

	consumeCtx, cancel := context.WithCancel(ctx)
	c.consumeCancel = cancel
	c.state = StateConnected

	for _, sub := range c.subscriptions {
		c.startConsumersWithContextLocked(consumeCtx, sub)
	}

	c.logger.Info("Broker connected", logging.LogFields{"transport": c.cfg.Transport})
	return nil
}

// assertTopologyLocked declares queues and bindings. Safe to call on every
// connect: declaring an existing entity is a no-op on the broker side.
func (c *Client) assertTopologyLocked() {
	initializer, ok := c.tr.Subscriber.(message.SubscribeInitializer)
	if !ok {
		return
	}
	for _, b := range c.cfg.Topology.Bindings {
		if err := initializer.SubscribeInitialize(b.RoutingKey); err != nil {
			c.logger.Error("Topology assertion failed", err, logging.LogFields{
				"queue":       b.Queue,
				"topic":       b.Topic,
				"routing_key": b.RoutingKey,
			})
		}
	}
}

func (c *Client) startConsumersLocked(sub subscription) {
	ctx := c.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if c.consumeCancel == nil {
		consumeCtx, cancel := context.WithCancel(ctx)
		c.consumeCancel = cancel
		ctx = consumeCtx
	}
	c.startConsumersWithContextLocked(ctx, sub)
}

func (c *Client) startConsumersWithContextLocked(ctx context.Context, sub subscription) {
	for _, binding := range sub.bindings {
		msgs, err := c.tr.Subscriber.Subscribe(ctx, binding)
		if err != nil {
			c.logger.Error("Subscribe failed", err, logging.LogFields{
				"queue":   sub.queue,
				"binding": binding,
			})
			continue
		}
		go c.consume(ctx, sub, binding, msgs)
	}
}

func (c *Client) consume(ctx context.Context, sub subscription, binding string, msgs <-chan *message.Message) {
	for msg := range msgs {
		c.dispatch(ctx, sub, msg)
	}
	// Channel closed: either we are shutting down or the transport dropped.
	if ctx.Err() == nil {
		c.onTransportLost(binding)
	}
}

func (c *Client) onTransportLost(binding string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state == StateDisconnected {
		return
	}
	c.logger.Warn("Broker link lost", logging.LogFields{"binding": binding})
	if c.consumeCancel != nil {
		c.consumeCancel()
		c.consumeCancel = nil
	}
	closeTransport(c.tr)
	c.tr = transport.Transport{}
	c.state = StateDisconnected
	c.scheduleReconnectLocked()
}

// scheduleReconnectLocked is the single scheduling point for reconnect
// attempts; a pending timer suppresses duplicates.
func (c *Client) scheduleReconnectLocked() {
	if c.closed || c.reconnectTimer != nil {
		return
	}
	interval := c.cfg.reconnectInterval()
	c.logger.Info("Scheduling broker reconnect", logging.LogFields{"interval": interval.String()})
	if c.metrics != nil {
		c.metrics.Reconnects.WithLabelValues("broker").Inc()
	}
	c.reconnectTimer = time.AfterFunc(interval, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		closed := c.closed
		ctx := c.baseCtx
		c.mu.Unlock()
		if closed {
			return
		}
		if ctx == nil {
			ctx = context.Background()
		}
		if err := c.Connect(ctx); err != nil {
			c.logger.Error("Broker reconnect failed", err, nil)
		}
	})
}

func (c *Client) dispatch(ctx context.Context, sub subscription, msg *message.Message) {
	if c.metrics != nil {
		c.metrics.MessagesConsumed.WithLabelValues(sub.queue).Inc()
	}
	if msg.Metadata.Get(MetadataKeyCorrelationID) == "" {
		msg.Metadata.Set(MetadataKeyCorrelationID, ids.NewULID())
	}

	tracer := otel.Tracer("orderlink/broker")
	spanCtx, span := tracer.Start(ctx, "DispatchMessage")
	span.SetAttributes(
		attribute.String("message.uuid", msg.UUID),
		attribute.String("message.routing_key", msg.Metadata.Get(MetadataKeyRoutingKey)),
		attribute.String("queue", sub.queue),
	)
	err := sub.handler(spanCtx, msg)
	span.End()

	switch Classify(err) {
	case ErrorCategoryNone:
		msg.Ack()
		if c.metrics != nil {
			c.metrics.MessagesAcked.WithLabelValues(sub.queue).Inc()
		}
	case ErrorCategoryValidation:
		// Retrying cannot fix a structurally invalid message.
		c.logger.Warn("Dropping unprocessable message", logging.LogFields{
			"queue":        sub.queue,
			"message_uuid": msg.UUID,
			"error":        err.Error(),
		})
		msg.Ack()
		if c.metrics != nil {
			c.metrics.MessagesDropped.WithLabelValues(msg.Metadata.Get(MetadataKeyRoutingKey), "unprocessable").Inc()
		}
	default:
		c.logger.Error("Requeueing message", err, logging.LogFields{
			"queue":        sub.queue,
			"message_uuid": msg.UUID,
		})
		msg.Nack()
		if c.metrics != nil {
			c.metrics.MessagesRequeued.WithLabelValues(sub.queue).Inc()
		}
	}
}

// PublishOption customises one publish.
type PublishOption func(*publishOptions)

type publishOptions struct {
	persistent    bool
	correlationID string
	metadata      map[string]string
}

// WithPersistent overrides the persistence flag (default true).
func WithPersistent(persistent bool) PublishOption {
	return func(o *publishOptions) { o.persistent = persistent }
}

// WithCorrelationID stamps the message with an existing correlation id.
func WithCorrelationID(id string) PublishOption {
	return func(o *publishOptions) { o.correlationID = id }
}

// WithMetadata merges extra metadata entries onto the message.
func WithMetadata(md map[string]string) PublishOption {
	return func(o *publishOptions) { o.metadata = md }
}

// Publish serialises the payload and sends it with the given routing key.
// Publishing is a best-effort side channel: when the link is down the message
// is dropped with a warning, not an error, and the caller must not treat the
// publish as transactional.
func (c *Client) Publish(ctx context.Context, routingKey string, payload any, opts ...PublishOption) error {
	options := publishOptions{persistent: true}
	for _, opt := range opts {
		opt(&options)
	}

	data, err := jsoncodec.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", routingKey, err)
	}

	c.mu.Lock()
	connected := c.state == StateConnected
	publisher := c.tr.Publisher
	c.mu.Unlock()

	if !connected || publisher == nil {
		c.logger.Warn("Dropping publish: broker not connected", logging.LogFields{
			"routing_key": routingKey,
		})
		if c.metrics != nil {
			c.metrics.MessagesDropped.WithLabelValues(routingKey, "disconnected").Inc()
		}
		return nil
	}

	msg := message.NewMessage(ids.NewULID(), data)
	msg.Metadata.Set(MetadataKeyRoutingKey, routingKey)
	msg.Metadata.Set(MetadataKeyPublishedAt, time.Now().UTC().Format(time.RFC3339Nano))
	msg.Metadata.Set(MetadataKeyPersistent, fmt.Sprintf("%t", options.persistent))
	if options.correlationID != "" {
		msg.Metadata.Set(MetadataKeyCorrelationID, options.correlationID)
	}
	for k, v := range options.metadata {
		msg.Metadata.Set(k, v)
	}
	if ctx != nil {
		msg.SetContext(ctx)
	}

	if err := publisher.Publish(routingKey, msg); err != nil {
		c.logger.Warn("Dropping publish: transport error", logging.LogFields{
			"routing_key": routingKey,
			"error":       err.Error(),
		})
		if c.metrics != nil {
			c.metrics.MessagesDropped.WithLabelValues(routingKey, "transport_error").Inc()
		}
		return nil
	}

	if c.metrics != nil {
		c.metrics.MessagesPublished.WithLabelValues(routingKey).Inc()
	}
	return nil
}

// Close tears the client down: pending reconnects are cancelled, consume
// loops stopped, and the transport closed. In-flight work is not drained.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.consumeCancel != nil {
		c.consumeCancel()
		c.consumeCancel = nil
	}
	closeTransport(c.tr)
	c.tr = transport.Transport{}
	c.state = StateDisconnected
	c.logger.Info("Broker client closed", nil)
	return nil
}

func closeTransport(tr transport.Transport) {
	if tr.Publisher != nil {
		_ = tr.Publisher.Close()
	}
	// gochannel returns the same object for both sides; closing twice is safe
	// but pointless.
	if tr.Subscriber != nil && any(tr.Subscriber) != any(tr.Publisher) {
		_ = tr.Subscriber.Close()
	}
}
