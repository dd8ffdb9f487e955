// Package route bridges route-optimization requests to the REST optimizer,
// with a deterministic local fallback when no credential is configured.
package route

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-resty/resty/v2"

	"github.com/orderlink/orderlink/internal/bridge"
	"github.com/orderlink/orderlink/internal/broker"
	"github.com/orderlink/orderlink/internal/config"
	"github.com/orderlink/orderlink/internal/events"
	"github.com/orderlink/orderlink/internal/jsoncodec"
	"github.com/orderlink/orderlink/internal/logging"
	"github.com/orderlink/orderlink/internal/metrics"
)

const bridgeName = "route-rest"

// ErrNotConfigured is returned by the strict variant when no API credential
// is present.
var ErrNotConfigured = errors.New("orderlink: route optimizer credential is not configured")

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

// Bridge is the REST adapter for the route optimizer.
type Bridge struct {
	cfg       config.Route
	publisher *broker.Client
	logger    logging.ServiceLogger
	metrics   *metrics.Adapter
	http      *resty.Client

	state bridge.StateRef
}

// New builds the route bridge.
func New(cfg config.Route, publisher *broker.Client, logger logging.ServiceLogger, opts ...Option) *Bridge {
	if publisher == nil {
		panic("orderlink: route bridge requires a broker client")
	}
	if logger == nil {
		panic("orderlink: route bridge logger cannot be nil")
	}

	b := &Bridge{
		cfg:       cfg,
		publisher: publisher,
		logger:    logger.With(logging.LogFields{"bridge": bridgeName}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.http == nil {
		b.http = resty.New().SetBaseURL(cfg.BaseURL).SetTimeout(cfg.RequestTimeout)
	}
	return b
}

func (b *Bridge) Name() string { return bridgeName }

// Bindings: the route bridge serves explicit optimization and ETA requests.
func (b *Bridge) Bindings() []string {
	return []string{events.KeyRouteOptimizeRequested, events.KeyRouteETARequested}
}

// State reports availability as observed by the last call.
func (b *Bridge) State() bridge.State { return b.state.Load() }

// Start is a no-op: optimizer calls are per-request HTTP.
func (b *Bridge) Start(ctx context.Context) error {
	b.state.Store(bridge.StateConnected)
	return nil
}

func (b *Bridge) strict() bool {
	return b.cfg.NoCredentialMode == "strict"
}

type optimizeRequest struct {
	Locations []events.Location `json:"locations"`
	Vehicles  []string          `json:"vehicles"`
	Options   map[string]any    `json:"options,omitempty"`
}

type optimizeResponse struct {
	Status  string `json:"status"`
	Summary struct {
		TotalDistance float64 `json:"total_distance"`
		TotalTime     float64 `json:"total_time"`
		TotalCost     float64 `json:"total_cost"`
	} `json:"summary"`
	Routes     []any    `json:"routes"`
	Unassigned []string `json:"unassigned"`
}

type etaRequest struct {
	Origin      events.Location `json:"origin"`
	Destination events.Location `json:"destination"`
	Options     map[string]any  `json:"options,omitempty"`
}

type etaResponse struct {
	Status            string  `json:"status"`
	Distance          float64 `json:"distance"`
	Duration          float64 `json:"duration"`
	RouteGeometry     string  `json:"route_geometry"`
	TrafficConsidered bool    `json:"traffic_considered"`
}

// OptimizeRoute plans the given stops. Without a credential the tolerant
// variant answers locally and the strict variant fails with ErrNotConfigured.
// On remote failure the tolerant variant retries once via the fallback.
func (b *Bridge) OptimizeRoute(ctx context.Context, stops []events.Location, vehicles []string, options map[string]any) (events.RouteOptimized, error) {
	if b.cfg.APIKey == "" {
		if b.strict() {
			return events.RouteOptimized{}, ErrNotConfigured
		}
		return fallbackOptimize(stops, vehicles), nil
	}

	var remote optimizeResponse
	resp, err := b.http.R().
		SetContext(ctx).
		SetHeader("X-API-Key", b.cfg.APIKey).
		SetBody(optimizeRequest{Locations: stops, Vehicles: vehicles, Options: options}).
		SetResult(&remote).
		Post("/optimize")

	if remoteErr := callError(resp, err, remote.Status); remoteErr != nil {
		b.state.Store(bridge.StateDisconnected)
		b.countCall("error")
		if b.strict() {
			return events.RouteOptimized{}, remoteErr
		}
		b.logger.Warn("Optimizer unavailable, using local fallback", logging.LogFields{
			"error": remoteErr.Error(),
		})
		return fallbackOptimize(stops, vehicles), nil
	}

	b.state.Store(bridge.StateConnected)
	b.countCall("success")
	return events.RouteOptimized{
		TotalDistance: remote.Summary.TotalDistance,
		TotalTime:     remote.Summary.TotalTime,
		TotalCost:     remote.Summary.TotalCost,
		Routes:        remote.Routes,
		Unassigned:    remote.Unassigned,
	}, nil
}

// CalculateETA estimates travel between two points, with the same credential
// and failure semantics as OptimizeRoute.
func (b *Bridge) CalculateETA(ctx context.Context, origin, destination events.Location, options map[string]any) (events.RouteETACalculated, error) {
	if b.cfg.APIKey == "" {
		if b.strict() {
			return events.RouteETACalculated{}, ErrNotConfigured
		}
		return fallbackETA(origin, destination), nil
	}

	var remote etaResponse
	resp, err := b.http.R().
		SetContext(ctx).
		SetHeader("X-API-Key", b.cfg.APIKey).
		SetBody(etaRequest{Origin: origin, Destination: destination, Options: options}).
		SetResult(&remote).
		Post("/eta")

	if remoteErr := callError(resp, err, remote.Status); remoteErr != nil {
		b.state.Store(bridge.StateDisconnected)
		b.countCall("error")
		if b.strict() {
			return events.RouteETACalculated{}, remoteErr
		}
		b.logger.Warn("Optimizer unavailable, using local fallback", logging.LogFields{
			"error": remoteErr.Error(),
		})
		return fallbackETA(origin, destination), nil
	}

	b.state.Store(bridge.StateConnected)
	b.countCall("success")
	return events.RouteETACalculated{
		Distance:          remote.Distance,
		Duration:          remote.Duration,
		RouteGeometry:     remote.RouteGeometry,
		TrafficConsidered: remote.TrafficConsidered,
	}, nil
}

// callError folds transport errors, HTTP errors, and non-success status
// bodies into one remote failure.
func callError(resp *resty.Response, err error, status string) error {
	if err != nil {
		return fmt.Errorf("optimizer request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("optimizer returned HTTP %d", resp.StatusCode())
	}
	switch status {
	case "ok", "success":
		return nil
	default:
		return fmt.Errorf("optimizer status %q", status)
	}
}

func (b *Bridge) countCall(outcome string) {
	if b.metrics != nil {
		b.metrics.ExternalCalls.WithLabelValues("route", outcome).Inc()
	}
}

// HandleDomainEvent dispatches optimize and ETA requests by routing key.
func (b *Bridge) HandleDomainEvent(ctx context.Context, msg *message.Message) error {
	switch msg.Metadata.Get(broker.MetadataKeyRoutingKey) {
	case events.KeyRouteETARequested:
		return b.handleETARequest(ctx, msg)
	default:
		return b.handleOptimizeRequest(ctx, msg)
	}
}

func (b *Bridge) handleOptimizeRequest(ctx context.Context, msg *message.Message) error {
	var req events.RouteOptimizeRequested
	if err := jsoncodec.Unmarshal(msg.Payload, &req); err != nil {
		return broker.Unprocessable("malformed optimize request", err)
	}
	if len(req.Stops) == 0 {
		return broker.Unprocessable("optimize request without stops", nil)
	}

	correlationID := msg.Metadata.Get(broker.MetadataKeyCorrelationID)

	result, err := b.OptimizeRoute(ctx, req.Stops, req.Vehicles, req.Options)
	if err != nil {
		b.logger.Error("Route optimization failed", err, logging.LogFields{
			"order_id":   req.OrderID,
			"request_id": req.RequestID,
		})
		failure := events.RouteOptimizationFailed{
			OrderID:   req.OrderID,
			RequestID: req.RequestID,
			Error:     err.Error(),
		}
		return b.publishResult(ctx, events.KeyRouteOptimizeFailed, failure, correlationID)
	}

	result.OrderID = req.OrderID
	result.RequestID = req.RequestID
	return b.publishResult(ctx, events.KeyRouteOptimized, result, correlationID)
}

func (b *Bridge) handleETARequest(ctx context.Context, msg *message.Message) error {
	var req events.RouteETARequested
	if err := jsoncodec.Unmarshal(msg.Payload, &req); err != nil {
		return broker.Unprocessable("malformed eta request", err)
	}

	correlationID := msg.Metadata.Get(broker.MetadataKeyCorrelationID)

	result, err := b.CalculateETA(ctx, req.Origin, req.Destination, req.Options)
	if err != nil {
		b.logger.Error("ETA calculation failed", err, logging.LogFields{
			"order_id":   req.OrderID,
			"request_id": req.RequestID,
		})
		failure := events.RouteOptimizationFailed{
			OrderID:   req.OrderID,
			RequestID: req.RequestID,
			Error:     err.Error(),
		}
		return b.publishResult(ctx, events.KeyRouteOptimizeFailed, failure, correlationID)
	}

	result.OrderID = req.OrderID
	result.RequestID = req.RequestID
	return b.publishResult(ctx, events.KeyRouteETACalculated, result, correlationID)
}

func (b *Bridge) publishResult(ctx context.Context, routingKey string, payload any, correlationID string) error {
	var opts []broker.PublishOption
	if correlationID != "" {
		opts = append(opts, broker.WithCorrelationID(correlationID))
	}
	if err := b.publisher.Publish(ctx, routingKey, payload, opts...); err != nil {
		b.logger.Error("Failed to publish route result", err, logging.LogFields{
			"routing_key": routingKey,
		})
	}
	return nil
}

// Close releases nothing beyond flipping the availability flag.
func (b *Bridge) Close() error {
	b.state.Store(bridge.StateDisconnected)
	return nil
}
