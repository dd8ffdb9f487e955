// Package wms bridges order-lifecycle domain events to the warehouse system
// over its newline-delimited JSON TCP protocol.
package wms

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/orderlink/orderlink/internal/bridge"
	"github.com/orderlink/orderlink/internal/broker"
	"github.com/orderlink/orderlink/internal/config"
	"github.com/orderlink/orderlink/internal/correlation"
	"github.com/orderlink/orderlink/internal/events"
	"github.com/orderlink/orderlink/internal/ids"
	"github.com/orderlink/orderlink/internal/jsoncodec"
	"github.com/orderlink/orderlink/internal/logging"
	"github.com/orderlink/orderlink/internal/metrics"
)

const (
	bridgeName  = "wms-line"
	dialTimeout = 10 * time.Second

	// maxLine bounds a single protocol line; the warehouse never sends more
	// than a package manifest per line.
	maxLine = 1024 * 1024
)

// Dialer opens the warehouse socket. Swappable so tests can use net.Pipe.
type Dialer func(addr string) (net.Conn, error)

// Option customises a Bridge.
type Option func(*Bridge)

// WithDialer overrides the TCP dialer.
func WithDialer(d Dialer) Option {
	return func(b *Bridge) { b.dial = d }
}

// WithMetrics attaches Prometheus counters.
func WithMetrics(m *metrics.Adapter) Option {
	return func(b *Bridge) { b.metrics = m }
}

// Bridge is the line-protocol adapter for the warehouse system.
type Bridge struct {
	cfg       config.WMS
	adapterID string
	publisher *broker.Client
	store     correlation.Store
	logger    logging.ServiceLogger
	metrics   *metrics.Adapter
	dial      Dialer

	state   bridge.StateRef
	reconn  *bridge.Reconnector
	pending *pendingTable

	mu      sync.Mutex
	conn    net.Conn
	writeMu sync.Mutex
	closed  bool
}

// New builds the warehouse bridge. The correlation store is injected so tests
// can substitute their own.
func New(cfg config.WMS, adapterID string, publisher *broker.Client, store correlation.Store, logger logging.ServiceLogger, opts ...Option) *Bridge {
	if publisher == nil {
		panic("orderlink: wms bridge requires a broker client")
	}
	if store == nil {
		panic("orderlink: wms bridge requires a correlation store")
	}
	if logger == nil {
		panic("orderlink: wms bridge logger cannot be nil")
	}

	b := &Bridge{
		cfg:       cfg,
		adapterID: adapterID,
		publisher: publisher,
		store:     store,
		logger:    logger.With(logging.LogFields{"bridge": bridgeName}),
		dial: func(addr string) (net.Conn, error) {
			return net.DialTimeout("tcp", addr, dialTimeout)
		},
	}
	for _, opt := range opts {
		opt(b)
	}

	b.pending = newPendingTable(cfg.RequestTimeout, b.onPendingTimeout)
	b.reconn = bridge.NewReconnector(cfg.ReconnectInterval, b.reconnect)
	return b
}

func (b *Bridge) Name() string { return bridgeName }

// Bindings: the warehouse bridge reacts to newly created orders.
func (b *Bridge) Bindings() []string {
	return []string{events.KeyOrderCreated}
}

// State reports the TCP link state.
func (b *Bridge) State() bridge.State { return b.state.Load() }

// PendingCount reports outstanding unacknowledged commands.
func (b *Bridge) PendingCount() int { return b.pending.size() }

// Start connects to the warehouse. On failure the reconnector takes over and
// the error is returned so the caller can log it.
func (b *Bridge) Start(ctx context.Context) error {
	return b.connect()
}

func (b *Bridge) connect() error {
	if !b.state.CompareAndSwap(bridge.StateDisconnected, bridge.StateConnecting) {
		return nil
	}

	addr := net.JoinHostPort(b.cfg.Host, fmt.Sprintf("%d", b.cfg.Port))
	b.logger.Info("Connecting to warehouse", logging.LogFields{"addr": addr})

	conn, err := b.dial(addr)
	if err != nil {
		b.state.Store(bridge.StateDisconnected)
		b.logger.Warn("Warehouse connection failed", logging.LogFields{
			"addr":  addr,
			"error": err.Error(),
		})
		b.countReconnect()
		b.reconn.Schedule()
		return broker.DownstreamUnavailable("wms", err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		return broker.ErrClosed
	}
	b.conn = conn
	b.mu.Unlock()

	// Registration handshake declares who we are and what we handle.
	handshake := registerAdapter{
		Type:         "register_adapter",
		AdapterID:    b.adapterID,
		Capabilities: []string{"receive_package"},
	}
	if err := b.writeLine(handshake); err != nil {
		b.dropConn(conn)
		return broker.DownstreamUnavailable("wms", err)
	}

	b.state.Store(bridge.StateConnected)
	b.logger.Info("Warehouse connected", logging.LogFields{"addr": addr})

	go b.readLoop(conn)
	return nil
}

func (b *Bridge) reconnect() {
	if err := b.connect(); err != nil {
		b.logger.Warn("Warehouse reconnect attempt failed", logging.LogFields{"error": err.Error()})
	}
}

func (b *Bridge) countReconnect() {
	if b.metrics != nil {
		b.metrics.Reconnects.WithLabelValues("wms").Inc()
	}
}

// readLoop consumes one JSON object per line until the connection drops.
// Lines are split strictly on newline boundaries, preserving the warehouse's
// emission order.
func (b *Bridge) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		b.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		b.logger.Warn("Warehouse read error", logging.LogFields{"error": err.Error()})
	}
	b.dropConn(conn)
}

// dropConn moves to disconnected and schedules a reconnect, unless the bridge
// is closing or the connection was already replaced.
func (b *Bridge) dropConn(conn net.Conn) {
	b.mu.Lock()
	if b.closed || b.conn != conn {
		b.mu.Unlock()
		conn.Close()
		return
	}
	b.conn = nil
	b.mu.Unlock()

	conn.Close()
	b.state.Store(bridge.StateDisconnected)
	b.logger.Warn("Warehouse link lost", nil)
	b.countReconnect()
	b.reconn.Schedule()
}

// handleLine translates one warehouse event and republishes it as a domain
// event. A malformed line is logged and discarded without tearing down the
// connection.
func (b *Bridge) handleLine(line []byte) {
	raw := make(map[string]any)
	if err := jsoncodec.Unmarshal(line, &raw); err != nil {
		b.logger.Warn("Discarding unparseable warehouse line", logging.LogFields{
			"error": err.Error(),
		})
		return
	}

	eventType := stringField(raw, fieldType)
	if eventType == "" {
		b.logger.Warn("Discarding warehouse event without type", nil)
		return
	}
	if eventType == "register_adapter" {
		// Echo of our own handshake on some warehouse builds.
		return
	}

	packageID := stringField(raw, fieldPackageID)
	orderID := stringField(raw, fieldOrderID)

	if eventType == eventAck {
		if orderID != "" && packageID != "" {
			b.store.RecordAck(orderID, packageID)
		}
		if orderID != "" && b.pending.resolve(orderID) {
			b.logger.Debug("Command acknowledged", logging.LogFields{
				"order_id":   orderID,
				"package_id": packageID,
			})
		}
	}

	orderID, packageID = correlation.Enrich(b.store, orderID, packageID)

	details := make(map[string]any, len(raw))
	for k, v := range raw {
		switch k {
		case fieldType, fieldPackageID, fieldOrderID:
		default:
			details[k] = v
		}
	}

	event := events.PackageEvent{
		Type:         eventType,
		PackageID:    nullable(packageID),
		OrderID:      nullable(orderID),
		Details:      details,
		TranslatedAt: time.Now().UTC(),
	}

	routingKey := routingKeyForEvent(eventType)
	if err := b.publisher.Publish(context.Background(), routingKey, event); err != nil {
		b.logger.Error("Failed to republish warehouse event", err, logging.LogFields{
			"routing_key": routingKey,
			"order_id":    orderID,
			"package_id":  packageID,
		})
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// HandleDomainEvent sends a receive_package command for each order.created
// message. When the socket is down the message is requeued via
// DownstreamUnavailableError so a later delivery attempt retries it.
func (b *Bridge) HandleDomainEvent(ctx context.Context, msg *message.Message) error {
	var order events.OrderCreated
	if err := jsoncodec.Unmarshal(msg.Payload, &order); err != nil {
		return broker.Unprocessable("malformed order.created payload", err)
	}
	if order.OrderID == "" {
		return broker.Unprocessable("order.created without orderId", nil)
	}

	if b.state.Load() != bridge.StateConnected {
		return broker.DownstreamUnavailable("wms", nil)
	}

	correlationID := msg.Metadata.Get(broker.MetadataKeyCorrelationID)
	if correlationID == "" {
		correlationID = ids.NewULID()
	}

	cmd := receivePackageCommand{
		Type:           "receive_package",
		OrderID:        order.OrderID,
		ClientOrderRef: order.ClientOrderRef,
		Items:          order.Items,
		Pickup:         order.Pickup,
		Delivery:       order.Delivery,
		Contact:        order.Contact,
		CallbackMeta:   callbackMeta{CorrelationID: correlationID},
	}

	if err := b.writeLine(cmd); err != nil {
		b.logger.Warn("Warehouse write failed", logging.LogFields{
			"order_id": order.OrderID,
			"error":    err.Error(),
		})
		if b.metrics != nil {
			b.metrics.ExternalCalls.WithLabelValues("wms", "write_error").Inc()
		}
		b.mu.Lock()
		conn := b.conn
		b.mu.Unlock()
		if conn != nil {
			b.dropConn(conn)
		}
		return broker.DownstreamUnavailable("wms", err)
	}

	b.pending.add(correlationID, "receive_package", order.OrderID)
	if b.metrics != nil {
		b.metrics.ExternalCalls.WithLabelValues("wms", "sent").Inc()
	}
	b.logger.Info("Sent receive_package", logging.LogFields{
		"order_id":       order.OrderID,
		"correlation_id": correlationID,
	})
	return nil
}

// writeLine serialises v as one newline-terminated JSON object. Writes are
// serialised so concurrent handlers cannot interleave lines.
func (b *Bridge) writeLine(v any) error {
	data, err := jsoncodec.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal line: %w", err)
	}

	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("warehouse connection is down")
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_, err = conn.Write(append(data, '\n'))
	return err
}

func (b *Bridge) onPendingTimeout(p Pending) {
	b.logger.Warn("Warehouse command timed out without ack", logging.LogFields{
		"order_id":       p.OrderID,
		"command":        p.Command,
		"correlation_id": p.RequestID,
		"issued_at":      p.IssuedAt.Format(time.RFC3339),
	})
	if b.metrics != nil {
		b.metrics.ExternalCalls.WithLabelValues("wms", "timeout").Inc()
	}
}

// Close tears down the socket and cancels pending timers.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()

	b.reconn.Stop()
	b.pending.stopAll()
	b.state.Store(bridge.StateDisconnected)
	if conn != nil {
		return conn.Close()
	}
	return nil
}
