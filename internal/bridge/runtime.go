package bridge

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/orderlink/orderlink/internal/broker"
	"github.com/orderlink/orderlink/internal/logging"
)

// Bridge is the adapter contract every protocol bridge implements against its
// own wire protocol.
type Bridge interface {
	// Name identifies the bridge in logs.
	Name() string

	// Bindings are the routing-key patterns whose messages the bridge handles.
	Bindings() []string

	// HandleDomainEvent translates one inbound domain event into an external
	// call. The returned error drives ack/nack at the broker: nil or
	// UnprocessableEventError acknowledge, DownstreamUnavailableError requeues.
	HandleDomainEvent(ctx context.Context, msg *message.Message) error

	// Start brings up the bridge's own transport (TCP connect + handshake for
	// the line bridge; a no-op for HTTP bridges).
	Start(ctx context.Context) error

	// Close releases the bridge's transport.
	Close() error
}

// Runtime wires one bridge to the broker client: it subscribes the adapter
// queue, dispatches inbound domain events to the bridge, and drives both
// connection lifecycles.
type Runtime struct {
	broker *broker.Client
	bridge Bridge
	queue  string
	logger logging.ServiceLogger
}

// NewRuntime builds a runtime for the given bridge and queue.
func NewRuntime(client *broker.Client, b Bridge, queue string, logger logging.ServiceLogger) *Runtime {
	if client == nil || b == nil {
		panic("orderlink: runtime requires a broker client and a bridge")
	}
	if logger == nil {
		panic("orderlink: runtime logger cannot be nil")
	}
	return &Runtime{
		broker: client,
		bridge: b,
		queue:  queue,
		logger: logger.With(logging.LogFields{"bridge": b.Name()}),
	}
}

// Start subscribes the bridge's bindings and connects both links. The broker
// subscription is registered before Connect so bindings are asserted as part
// of the first topology pass.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.bridge.Start(ctx); err != nil {
		// The bridge schedules its own reconnect; the runtime still comes up
		// so inbound messages are requeued rather than lost.
		r.logger.Warn("Bridge start failed, continuing with reconnect pending", logging.LogFields{
			"error": err.Error(),
		})
	}

	if err := r.broker.Subscribe(r.queue, r.bridge.HandleDomainEvent, r.bridge.Bindings()...); err != nil {
		return err
	}
	if err := r.broker.Connect(ctx); err != nil {
		// Connect schedules its own retry; surface the error for logging only.
		return err
	}
	return nil
}

// Close shuts the bridge first so no external replies race the closing
// broker, then the broker client.
func (r *Runtime) Close() error {
	return errors.Join(r.bridge.Close(), r.broker.Close())
}
