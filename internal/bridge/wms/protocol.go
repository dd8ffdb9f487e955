package wms

import "github.com/orderlink/orderlink/internal/events"

// Wire shapes for the newline-delimited JSON protocol. One JSON object per
// line in both directions.

// registerAdapter is the handshake sent immediately after connecting.
type registerAdapter struct {
	Type         string   `json:"type"`
	AdapterID    string   `json:"adapterId"`
	Capabilities []string `json:"capabilities"`
}

// callbackMeta carries our correlation id on outbound commands.
type callbackMeta struct {
	CorrelationID string `json:"correlationId"`
}

// receivePackageCommand asks the warehouse to take custody of an order.
type receivePackageCommand struct {
	Type           string        `json:"type"`
	OrderID        string        `json:"orderId"`
	ClientOrderRef string        `json:"clientOrderRef,omitempty"`
	Items          []events.Item `json:"items"`
	Pickup         string        `json:"pickup"`
	Delivery       string        `json:"delivery"`
	Contact        string        `json:"contact"`
	CallbackMeta   callbackMeta  `json:"callbackMeta"`
}

// Known warehouse event types. Anything else falls through to the default
// routing-key derivation so no event is ever dropped for being unknown.
const (
	eventAck             = "ack"
	eventPackageReceived = "package_received"
	eventPackageReady    = "package_ready"
	eventPackageScanned  = "package_scanned"
	eventPackageLoaded   = "package_loaded"
	eventError           = "error"
)

// routingKeyForEvent maps a warehouse event type to the domain routing key it
// is republished on.
func routingKeyForEvent(eventType string) string {
	switch eventType {
	case eventAck:
		return events.KeyPackageAck
	case eventPackageReceived:
		return events.KeyPackageReceived
	case eventPackageReady:
		return events.KeyPackageReady
	case eventPackageScanned:
		return events.KeyPackageScanned
	case eventPackageLoaded:
		return events.KeyPackageLoaded
	case eventError:
		return events.KeyPackageError
	default:
		return "external.package." + eventType
	}
}

// Fields every inbound event may carry; the rest travels as details.
const (
	fieldType      = "type"
	fieldMessageID = "messageId"
	fieldPackageID = "packageId"
	fieldOrderID   = "orderId"
)

func stringField(raw map[string]any, key string) string {
	if v, ok := raw[key].(string); ok {
		return v
	}
	return ""
}
