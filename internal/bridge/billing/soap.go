package billing

import (
	"encoding/xml"
	"fmt"

	"github.com/orderlink/orderlink/internal/events"
)

// SOAP 1.1 envelope shapes for the billing system's CreateOrder operation.

const (
	soapEnvelopeNS = "http://schemas.xmlsoap.org/soap/envelope/"
	billingNS      = "http://billing.orderlink.io/orders"

	soapAction = "http://billing.orderlink.io/orders/CreateOrder"
)

type requestEnvelope struct {
	XMLName xml.Name    `xml:"soapenv:Envelope"`
	EnvNS   string      `xml:"xmlns:soapenv,attr"`
	BilNS   string      `xml:"xmlns:bil,attr"`
	Body    requestBody `xml:"soapenv:Body"`
}

type requestBody struct {
	CreateOrder createOrderRequest `xml:"bil:CreateOrderRequest"`
}

type createOrderRequest struct {
	ClientID        string     `xml:"bil:ClientId"`
	OrderReference  string     `xml:"bil:OrderReference"`
	PickupAddress   string     `xml:"bil:PickupAddress"`
	DeliveryAddress string     `xml:"bil:DeliveryAddress"`
	Contact         string     `xml:"bil:Contact"`
	Items           orderItems `xml:"bil:Items"`
}

type orderItems struct {
	Items []orderItem `xml:"bil:Item"`
}

type orderItem struct {
	Name     string `xml:"bil:Name"`
	Quantity int    `xml:"bil:Quantity"`
}

// renderCreateOrder builds the request envelope for an order.
func renderCreateOrder(clientID string, order events.OrderCreated) ([]byte, error) {
	items := make([]orderItem, 0, len(order.Items))
	for _, it := range order.Items {
		items = append(items, orderItem{Name: it.Name, Quantity: it.Qty})
	}

	reference := order.ClientOrderRef
	if reference == "" {
		reference = order.OrderID
	}

	env := requestEnvelope{
		EnvNS: soapEnvelopeNS,
		BilNS: billingNS,
		Body: requestBody{
			CreateOrder: createOrderRequest{
				ClientID:        clientID,
				OrderReference:  reference,
				PickupAddress:   order.Pickup,
				DeliveryAddress: order.Delivery,
				Contact:         order.Contact,
				Items:           orderItems{Items: items},
			},
		},
	}

	data, err := xml.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal SOAP envelope: %w", err)
	}
	return append([]byte(xml.Header), data...), nil
}

type responseEnvelope struct {
	XMLName xml.Name     `xml:"Envelope"`
	Body    responseBody `xml:"Body"`
}

type responseBody struct {
	CreateOrderResponse createOrderResponse `xml:"CreateOrderResponse"`
}

type createOrderResponse struct {
	Success          bool   `xml:"Success"`
	ExternalOrderID  string `xml:"ExternalOrderId"`
	BillingReference string `xml:"BillingReference"`
	Message          string `xml:"Message"`
}

// CreateOrderResult is the structured outcome of one SOAP call.
type CreateOrderResult struct {
	Success          bool
	ExternalOrderID  string
	BillingReference string
	Message          string
}

// parseCreateOrderResponse decodes the response envelope. Element matching is
// by local name, so namespace prefixes on the billing side do not matter.
func parseCreateOrderResponse(data []byte) (CreateOrderResult, error) {
	var env responseEnvelope
	if err := xml.Unmarshal(data, &env); err != nil {
		return CreateOrderResult{}, fmt.Errorf("parse SOAP response: %w", err)
	}
	resp := env.Body.CreateOrderResponse
	return CreateOrderResult{
		Success:          resp.Success,
		ExternalOrderID:  resp.ExternalOrderID,
		BillingReference: resp.BillingReference,
		Message:          resp.Message,
	}, nil
}
