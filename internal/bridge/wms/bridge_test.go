package wms

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderlink/orderlink/internal/bridge"
	"github.com/orderlink/orderlink/internal/broker"
	"github.com/orderlink/orderlink/internal/config"
	"github.com/orderlink/orderlink/internal/correlation"
	"github.com/orderlink/orderlink/internal/events"
	"github.com/orderlink/orderlink/internal/jsoncodec"
	"github.com/orderlink/orderlink/internal/logging"
	"github.com/orderlink/orderlink/internal/transport"
	"github.com/orderlink/orderlink/internal/transport/channel"
)

func testBrokerClient(t *testing.T) *broker.Client {
	t.Helper()
	reg := transport.NewRegistry()
	reg.Register(channel.TransportName, channel.Build, channel.Caps)
	c := broker.New(&broker.Config{
		Transport: channel.TransportName,
		AdapterID: "wms-adapter",
	}, logging.Nop(), broker.WithRegistry(reg))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testWMSConfig() config.WMS {
	return config.WMS{
		Host:              "localhost",
		Port:              5050,
		ReconnectInterval: time.Hour, // tests drive reconnects explicitly
		RequestTimeout:    time.Minute,
		Queue:             "wms.adapter.inbound",
	}
}

// fakeWarehouse reads protocol lines from its end of a net.Pipe and lets the
// test inject replies.
type fakeWarehouse struct {
	conn  net.Conn
	lines chan map[string]any
}

func newFakeWarehouse(conn net.Conn) *fakeWarehouse {
	w := &fakeWarehouse{conn: conn, lines: make(chan map[string]any, 16)}
	go func() {
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			raw := make(map[string]any)
			if err := jsoncodec.Unmarshal(scanner.Bytes(), &raw); err == nil {
				w.lines <- raw
			}
		}
		close(w.lines)
	}()
	return w
}

func (w *fakeWarehouse) nextLine(t *testing.T) map[string]any {
	t.Helper()
	select {
	case line, ok := <-w.lines:
		require.True(t, ok, "warehouse connection closed early")
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("no line arrived at the warehouse")
		return nil
	}
}

func (w *fakeWarehouse) send(t *testing.T, v any) {
	t.Helper()
	data, err := jsoncodec.Marshal(v)
	require.NoError(t, err)
	_, err = w.conn.Write(append(data, '\n'))
	require.NoError(t, err)
}

func startedBridge(t *testing.T, client *broker.Client, store correlation.Store) (*Bridge, *fakeWarehouse) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	warehouse := newFakeWarehouse(serverConn)

	b := New(testWMSConfig(), "wms-adapter", client, store, logging.Nop(),
		WithDialer(func(addr string) (net.Conn, error) { return clientConn, nil }))
	t.Cleanup(func() { _ = b.Close() })

	require.NoError(t, b.Start(context.Background()))

	handshake := warehouse.nextLine(t)
	require.Equal(t, "register_adapter", handshake["type"])
	require.Equal(t, "wms-adapter", handshake["adapterId"])

	return b, warehouse
}

func orderMessage(t *testing.T, order events.OrderCreated, correlationID string) *message.Message {
	t.Helper()
	payload, err := jsoncodec.Marshal(order)
	require.NoError(t, err)
	msg := message.NewMessage("msg-1", payload)
	if correlationID != "" {
		msg.Metadata.Set(broker.MetadataKeyCorrelationID, correlationID)
	}
	return msg
}

func TestNew_Panics(t *testing.T) {
	client := testBrokerClient(t)
	store := correlation.NewMemory()
	assert.Panics(t, func() { New(testWMSConfig(), "a", nil, store, logging.Nop()) })
	assert.Panics(t, func() { New(testWMSConfig(), "a", client, nil, logging.Nop()) })
	assert.Panics(t, func() { New(testWMSConfig(), "a", client, store, nil) })
}

func TestBridge_Bindings(t *testing.T) {
	b := New(testWMSConfig(), "a", testBrokerClient(t), correlation.NewMemory(), logging.Nop())
	assert.Equal(t, []string{events.KeyOrderCreated}, b.Bindings())
	assert.Equal(t, "wms-line", b.Name())
}

func TestStart_DialFailureSchedulesReconnect(t *testing.T) {
	client := testBrokerClient(t)
	b := New(testWMSConfig(), "a", client, correlation.NewMemory(), logging.Nop(),
		WithDialer(func(addr string) (net.Conn, error) { return nil, errors.New("connection refused") }))
	t.Cleanup(func() { _ = b.Close() })

	err := b.Start(context.Background())
	require.Error(t, err)

	var downstream *broker.DownstreamUnavailableError
	assert.ErrorAs(t, err, &downstream)
	assert.Equal(t, bridge.StateDisconnected, b.State())
}

func TestHandleDomainEvent_SendsReceivePackage(t *testing.T) {
	client := testBrokerClient(t)
	require.NoError(t, client.Connect(context.Background()))
	b, warehouse := startedBridge(t, client, correlation.NewMemory())

	order := events.OrderCreated{
		OrderID:        "o123",
		ClientOrderRef: "ref-9",
		Items:          []events.Item{{Name: "box", Qty: 2}},
		Pickup:         "Warehouse St 1",
		Delivery:       "Main St 2",
		Contact:        "jo@example.com",
	}

	msg := orderMessage(t, order, "corr-1")
	done := make(chan error, 1)
	go func() { done <- b.HandleDomainEvent(context.Background(), msg) }()

	cmd := warehouse.nextLine(t)
	assert.Equal(t, "receive_package", cmd["type"])
	assert.Equal(t, "o123", cmd["orderId"])
	assert.Equal(t, "ref-9", cmd["clientOrderRef"])
	meta, ok := cmd["callbackMeta"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "corr-1", meta["correlationId"])

	require.NoError(t, <-done)
	assert.Equal(t, 1, b.PendingCount())
}

func TestHandleDomainEvent_Unprocessable(t *testing.T) {
	client := testBrokerClient(t)
	b := New(testWMSConfig(), "a", client, correlation.NewMemory(), logging.Nop())
	t.Cleanup(func() { _ = b.Close() })

	t.Run("malformed payload", func(t *testing.T) {
		msg := message.NewMessage("m", []byte("{not json"))
		err := b.HandleDomainEvent(context.Background(), msg)
		var unprocessable *broker.UnprocessableEventError
		assert.ErrorAs(t, err, &unprocessable)
	})

	t.Run("missing orderId", func(t *testing.T) {
		err := b.HandleDomainEvent(context.Background(), orderMessage(t, events.OrderCreated{}, ""))
		var unprocessable *broker.UnprocessableEventError
		assert.ErrorAs(t, err, &unprocessable)
	})
}

func TestHandleDomainEvent_RequeuesWhileDisconnected(t *testing.T) {
	client := testBrokerClient(t)
	b := New(testWMSConfig(), "a", client, correlation.NewMemory(), logging.Nop())
	t.Cleanup(func() { _ = b.Close() })

	err := b.HandleDomainEvent(context.Background(), orderMessage(t, events.OrderCreated{OrderID: "o1"}, ""))
	var downstream *broker.DownstreamUnavailableError
	assert.ErrorAs(t, err, &downstream)
}

func TestAck_ResolvesPendingAndRepublishes(t *testing.T) {
	client := testBrokerClient(t)

	republished := make(chan *message.Message, 1)
	require.NoError(t, client.Subscribe("t", func(ctx context.Context, msg *message.Message) error {
		republished <- msg
		return nil
	}, events.KeyPackageAck))
	require.NoError(t, client.Connect(context.Background()))

	store := correlation.NewMemory()
	b, warehouse := startedBridge(t, client, store)

	msg := orderMessage(t, events.OrderCreated{OrderID: "o123", Pickup: "A", Delivery: "B"}, "corr-1")
	done := make(chan error, 1)
	go func() { done <- b.HandleDomainEvent(context.Background(), msg) }()
	warehouse.nextLine(t) // the receive_package command
	require.NoError(t, <-done)
	require.Equal(t, 1, b.PendingCount())

	warehouse.send(t, map[string]any{
		"type":      "ack",
		"orderId":   "o123",
		"packageId": "pkg-ABCD",
		"messageId": "m-77",
	})

	select {
	case msg := <-republished:
		var event events.PackageEvent
		require.NoError(t, jsoncodec.Unmarshal(msg.Payload, &event))
		assert.Equal(t, "ack", event.Type)
		require.NotNil(t, event.OrderID)
		assert.Equal(t, "o123", *event.OrderID)
		require.NotNil(t, event.PackageID)
		assert.Equal(t, "pkg-ABCD", *event.PackageID)
		// Everything beyond the known fields travels as details.
		assert.Equal(t, "m-77", event.Details["messageId"])
		assert.False(t, event.TranslatedAt.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("ack was not republished")
	}

	assert.Equal(t, 0, b.PendingCount())
	external, ok := store.External("o123")
	assert.True(t, ok)
	assert.Equal(t, "pkg-ABCD", external)
}

func TestPackageEvent_EnrichedFromCorrelation(t *testing.T) {
	client := testBrokerClient(t)

	republished := make(chan *message.Message, 1)
	require.NoError(t, client.Subscribe("t", func(ctx context.Context, msg *message.Message) error {
		republished <- msg
		return nil
	}, events.KeyPackageReady))
	require.NoError(t, client.Connect(context.Background()))

	store := correlation.NewMemory()
	store.RecordAck("o123", "pkg-ABCD")
	_, warehouse := startedBridge(t, client, store)

	// The warehouse only knows its own id; the order id is filled in.
	warehouse.send(t, map[string]any{
		"type":      "package_ready",
		"packageId": "pkg-ABCD",
	})

	select {
	case msg := <-republished:
		var event events.PackageEvent
		require.NoError(t, jsoncodec.Unmarshal(msg.Payload, &event))
		require.NotNil(t, event.OrderID)
		assert.Equal(t, "o123", *event.OrderID)
	case <-time.After(2 * time.Second):
		t.Fatal("package_ready was not republished")
	}
}

func TestPackageEvent_UnknownIdsStayNull(t *testing.T) {
	client := testBrokerClient(t)

	republished := make(chan *message.Message, 1)
	require.NoError(t, client.Subscribe("t", func(ctx context.Context, msg *message.Message) error {
		republished <- msg
		return nil
	}, events.KeyPackageScanned))
	require.NoError(t, client.Connect(context.Background()))

	_, warehouse := startedBridge(t, client, correlation.NewMemory())

	warehouse.send(t, map[string]any{
		"type":      "package_scanned",
		"packageId": "pkg-UNSEEN",
	})

	select {
	case msg := <-republished:
		var event events.PackageEvent
		require.NoError(t, jsoncodec.Unmarshal(msg.Payload, &event))
		assert.Nil(t, event.OrderID)
		require.NotNil(t, event.PackageID)
		assert.Equal(t, "pkg-UNSEEN", *event.PackageID)
	case <-time.After(2 * time.Second):
		t.Fatal("package_scanned was not republished")
	}
}

func TestHandleLine_Discards(t *testing.T) {
	client := testBrokerClient(t)
	b := New(testWMSConfig(), "a", client, correlation.NewMemory(), logging.Nop())
	t.Cleanup(func() { _ = b.Close() })

	// None of these may panic or publish.
	b.handleLine([]byte("{broken"))
	b.handleLine([]byte(`{"orderId":"o1"}`))
	b.handleLine([]byte(`{"type":"register_adapter","adapterId":"wms-adapter"}`))
}

func TestOrderDeliveredOnceAfterReconnect(t *testing.T) {
	client := testBrokerClient(t)

	serverConn, clientConn := net.Pipe()
	warehouse := newFakeWarehouse(serverConn)

	// The first dial fails; the reconnector's next attempt succeeds.
	var dials atomic.Int32
	cfg := testWMSConfig()
	cfg.ReconnectInterval = 50 * time.Millisecond
	b := New(cfg, "wms-adapter", client, correlation.NewMemory(), logging.Nop(),
		WithDialer(func(addr string) (net.Conn, error) {
			if dials.Add(1) == 1 {
				return nil, errors.New("connection refused")
			}
			return clientConn, nil
		}))
	t.Cleanup(func() { _ = b.Close() })

	rt := bridge.NewRuntime(client, b, cfg.Queue, logging.Nop())
	require.NoError(t, rt.Start(context.Background()))

	// While the socket is down the message nacks and requeues; once the
	// reconnector brings the link up it is sent exactly once.
	require.NoError(t, client.Publish(context.Background(), events.KeyOrderCreated,
		events.OrderCreated{OrderID: "o123", Pickup: "A", Delivery: "B"}))

	handshake := warehouse.nextLine(t)
	assert.Equal(t, "register_adapter", handshake["type"])

	cmd := warehouse.nextLine(t)
	assert.Equal(t, "receive_package", cmd["type"])
	assert.Equal(t, "o123", cmd["orderId"])

	select {
	case extra := <-warehouse.lines:
		t.Fatalf("unexpected duplicate line after ack: %v", extra)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestClose_Idempotent(t *testing.T) {
	client := testBrokerClient(t)
	require.NoError(t, client.Connect(context.Background()))
	b, _ := startedBridge(t, client, correlation.NewMemory())

	require.NoError(t, b.Close())
	assert.Equal(t, bridge.StateDisconnected, b.State())
	assert.NoError(t, b.Close())
}
