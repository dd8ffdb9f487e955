// Package events defines the broker topology and the payload schemas shared
// by every adapter: topic names, routing keys, and the domain event records
// that cross the broker.
package events

import (
	"strings"
	"time"
)

// Topic names known to all adapters at startup. Topics are asserted
// idempotently on every connect.
const (
	TopicOrders        = "orders"
	TopicUsers         = "users"
	TopicLogistics     = "logistics"
	TopicNotifications = "notifications"
)

// Routing keys published or consumed by the adapters.
const (
	KeyOrderCreated       = "order.created"
	KeyOrderStatusUpdated = "order.status.updated"
	KeyDriverAssigned     = "driver.assigned"

	KeyPackageAck      = "wms.package.ack"
	KeyPackageReceived = "wms.package.received"
	KeyPackageReady    = "wms.package.ready"
	KeyPackageScanned  = "wms.package.scanned"
	KeyPackageLoaded   = "wms.package.loaded"
	KeyPackageError    = "wms.package.error"

	KeyBillingOrderCreated = "billing.order.created"

	KeyRouteOptimizeRequested = "route.optimize.requested"
	KeyRouteOptimized         = "route.optimized"
	KeyRouteOptimizeFailed    = "route.optimization.failed"
	KeyRouteETARequested      = "route.eta.requested"
	KeyRouteETACalculated     = "route.eta.calculated"
)

// TopicForRoutingKey maps a routing key to its owning topic by first segment.
// Unknown prefixes land on the notifications topic so nothing is unroutable.
func TopicForRoutingKey(key string) string {
	prefix, _, _ := strings.Cut(key, ".")
	switch prefix {
	case "order", "billing":
		return TopicOrders
	case "user":
		return TopicUsers
	case "wms", "driver", "route", "external":
		return TopicLogistics
	default:
		return TopicNotifications
	}
}

// Binding declares that a queue receives messages whose routing key matches
// the pattern on the given topic.
type Binding struct {
	Queue      string
	Topic      string
	RoutingKey string
}

// Topology is the set of topics and queue bindings one adapter asserts on
// connect. Assertion is idempotent; re-asserting existing entities is a no-op.
type Topology struct {
	Topics   []string
	Bindings []Binding
}

// DefaultTopics returns the topics every adapter asserts regardless of its
// own bindings.
func DefaultTopics() []string {
	return []string{TopicOrders, TopicUsers, TopicLogistics, TopicNotifications}
}

// Item is one order line.
type Item struct {
	Name string `json:"name"`
	Qty  int    `json:"qty"`
}

// OrderCreated is the inbound domain event that triggers the WMS and billing
// bridges.
type OrderCreated struct {
	OrderID        string `json:"orderId"`
	ClientOrderRef string `json:"clientOrderRef,omitempty"`
	Items          []Item `json:"items"`
	Pickup         string `json:"pickup"`
	Delivery       string `json:"delivery"`
	Contact        string `json:"contact"`
}

// PackageEvent is a warehouse event translated back into the domain. OrderID
// or PackageID may be null when correlation could not fill them in.
type PackageEvent struct {
	Type         string         `json:"type"`
	PackageID    *string        `json:"packageId"`
	OrderID      *string        `json:"orderId"`
	Details      map[string]any `json:"details,omitempty"`
	TranslatedAt time.Time      `json:"translatedAt"`
}

// BillingOrderCreated is published after a successful SOAP order creation.
type BillingOrderCreated struct {
	OrderID          string    `json:"orderId"`
	ExternalOrderID  string    `json:"externalOrderId"`
	BillingReference string    `json:"billingReference,omitempty"`
	CorrelationToken string    `json:"correlationToken"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Location is a named coordinate handed to the route optimizer.
type Location struct {
	ID  string  `json:"id,omitempty"`
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// RouteOptimizeRequested asks the route bridge to plan stops for vehicles.
type RouteOptimizeRequested struct {
	OrderID   string         `json:"orderId,omitempty"`
	Stops     []Location     `json:"stops"`
	Vehicles  []string       `json:"vehicles"`
	Options   map[string]any `json:"options,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
}

// RouteOptimized carries the optimizer's answer back into the domain.
type RouteOptimized struct {
	OrderID       string         `json:"orderId,omitempty"`
	RequestID     string         `json:"requestId,omitempty"`
	TotalDistance float64        `json:"totalDistance"`
	TotalTime     float64        `json:"totalTime"`
	TotalCost     float64        `json:"totalCost"`
	Routes        []any          `json:"routes,omitempty"`
	Unassigned    []string       `json:"unassigned,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	Fallback      bool           `json:"fallback"`
}

// RouteOptimizationFailed is published by the strict variant when the remote
// optimizer fails.
type RouteOptimizationFailed struct {
	OrderID   string `json:"orderId,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Error     string `json:"error"`
}

// RouteETARequested asks the route bridge for a point-to-point ETA.
type RouteETARequested struct {
	OrderID     string         `json:"orderId,omitempty"`
	RequestID   string         `json:"requestId,omitempty"`
	Origin      Location       `json:"origin"`
	Destination Location       `json:"destination"`
	Options     map[string]any `json:"options,omitempty"`
}

// RouteETACalculated is the ETA answer.
type RouteETACalculated struct {
	OrderID           string  `json:"orderId,omitempty"`
	RequestID         string  `json:"requestId,omitempty"`
	Distance          float64 `json:"distance"`
	Duration          float64 `json:"duration"`
	RouteGeometry     string  `json:"routeGeometry,omitempty"`
	TrafficConsidered bool    `json:"trafficConsidered"`
	Fallback          bool    `json:"fallback"`
}
