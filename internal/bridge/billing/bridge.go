// Package billing bridges order-lifecycle domain events to the billing and
// customer system over SOAP/XML.
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/orderlink/orderlink/internal/bridge"
	"github.com/orderlink/orderlink/internal/broker"
	"github.com/orderlink/orderlink/internal/config"
	"github.com/orderlink/orderlink/internal/correlation"
	"github.com/orderlink/orderlink/internal/events"
	"github.com/orderlink/orderlink/internal/jsoncodec"
	"github.com/orderlink/orderlink/internal/logging"
	"github.com/orderlink/orderlink/internal/metrics"
)

const bridgeName = "billing-soap"

// Option customises a Bridge.
type Option func(*Bridge)

// WithMetrics attaches Prometheus counters.
func WithMetrics(m *metrics.Adapter) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithHTTPClient overrides the resty client (tests point it at httptest).
func WithHTTPClient(client *resty.Client) Option {
	return func(b *Bridge) { b.http = client }
}

// Bridge is the SOAP adapter for the billing system. There is no persistent
// connection: the state machine degrades to available/unavailable based on
// the last call's outcome.
type Bridge struct {
	cfg       config.Billing
	publisher *broker.Client
	store     correlation.Store
	logger    logging.ServiceLogger
	metrics   *metrics.Adapter
	http      *resty.Client

	state bridge.StateRef
}

// New builds the billing bridge.
func New(cfg config.Billing, publisher *broker.Client, store correlation.Store, logger logging.ServiceLogger, opts ...Option) *Bridge {
	if publisher == nil {
		panic("orderlink: billing bridge requires a broker client")
	}
	if store == nil {
		panic("orderlink: billing bridge requires a correlation store")
	}
	if logger == nil {
		panic("orderlink: billing bridge logger cannot be nil")
	}

	b := &Bridge{
		cfg:       cfg,
		publisher: publisher,
		store:     store,
		logger:    logger.With(logging.LogFields{"bridge": bridgeName}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.http == nil {
		b.http = resty.New().SetTimeout(cfg.RequestTimeout)
	}
	return b
}

func (b *Bridge) Name() string { return bridgeName }

// Bindings: billing reacts to newly created orders.
func (b *Bridge) Bindings() []string {
	return []string{events.KeyOrderCreated}
}

// State reports availability as observed by the last call.
func (b *Bridge) State() bridge.State { return b.state.Load() }

// Start is a no-op: SOAP calls are per-request HTTP.
func (b *Bridge) Start(ctx context.Context) error {
	b.state.Store(bridge.StateConnected)
	return nil
}

// CreateOrder performs the SOAP CreateOrder call and returns the structured
// result.
func (b *Bridge) CreateOrder(ctx context.Context, order events.OrderCreated) (CreateOrderResult, error) {
	body, err := renderCreateOrder(b.cfg.ClientID, order)
	if err != nil {
		return CreateOrderResult{}, err
	}

	resp, err := b.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "text/xml; charset=utf-8").
		SetHeader("SOAPAction", soapAction).
		SetBody(body).
		Post(b.cfg.Endpoint)
	if err != nil {
		b.state.Store(bridge.StateDisconnected)
		return CreateOrderResult{}, fmt.Errorf("billing POST: %w", err)
	}
	if resp.IsError() {
		b.state.Store(bridge.StateDisconnected)
		return CreateOrderResult{}, fmt.Errorf("billing returned HTTP %d", resp.StatusCode())
	}

	result, err := parseCreateOrderResponse(resp.Body())
	if err != nil {
		// The endpoint answered, so the system is up; the reply was garbage.
		b.state.Store(bridge.StateConnected)
		return CreateOrderResult{}, err
	}

	b.state.Store(bridge.StateConnected)
	return result, nil
}

// HandleDomainEvent creates a billing order for each order.created message.
// Billing failures are logged and acknowledged without republishing: the call
// is not retried automatically.
func (b *Bridge) HandleDomainEvent(ctx context.Context, msg *message.Message) error {
	var order events.OrderCreated
	if err := jsoncodec.Unmarshal(msg.Payload, &order); err != nil {
		return broker.Unprocessable("malformed order.created payload", err)
	}
	if order.OrderID == "" {
		return broker.Unprocessable("order.created without orderId", nil)
	}

	result, err := b.CreateOrder(ctx, order)
	if err != nil {
		b.logger.Error("Billing order creation failed", err, logging.LogFields{
			"order_id": order.OrderID,
		})
		if b.metrics != nil {
			b.metrics.ExternalCalls.WithLabelValues("billing", "error").Inc()
		}
		return nil
	}
	if !result.Success {
		b.logger.Error("Billing rejected order", nil, logging.LogFields{
			"order_id": order.OrderID,
			"message":  result.Message,
		})
		if b.metrics != nil {
			b.metrics.ExternalCalls.WithLabelValues("billing", "rejected").Inc()
		}
		return nil
	}

	if b.metrics != nil {
		b.metrics.ExternalCalls.WithLabelValues("billing", "success").Inc()
	}
	b.store.RecordAck(order.OrderID, result.ExternalOrderID)

	event := events.BillingOrderCreated{
		OrderID:          order.OrderID,
		ExternalOrderID:  result.ExternalOrderID,
		BillingReference: result.BillingReference,
		CorrelationToken: uuid.NewString(),
		CreatedAt:        time.Now().UTC(),
	}
	if err := b.publisher.Publish(ctx, events.KeyBillingOrderCreated, event,
		broker.WithCorrelationID(msg.Metadata.Get(broker.MetadataKeyCorrelationID))); err != nil {
		b.logger.Error("Failed to publish billing event", err, logging.LogFields{
			"order_id":          order.OrderID,
			"external_order_id": result.ExternalOrderID,
		})
	}

	b.logger.Info("Billing order created", logging.LogFields{
		"order_id":          order.OrderID,
		"external_order_id": result.ExternalOrderID,
		"billing_reference": result.BillingReference,
	})
	return nil
}

// Close releases nothing: the HTTP client holds no persistent connection
// worth draining.
func (b *Bridge) Close() error {
	b.state.Store(bridge.StateDisconnected)
	return nil
}
