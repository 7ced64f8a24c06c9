package paypal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// EventCheckoutOrderApproved is sent once the buyer approves an order.
const EventCheckoutOrderApproved = "CHECKOUT.ORDER.APPROVED"

// WebhookEvent is the notification PayPal posts to the webhook URL.
type WebhookEvent struct {
	ID           string           `json:"id"`
	EventType    string           `json:"event_type"`
	ResourceType string           `json:"resource_type,omitempty"`
	Resource     *WebhookResource `json:"resource"`
}

// WebhookResource is the order snapshot embedded in a checkout event.
type WebhookResource struct {
	ID            string         `json:"id"`
	Status        string         `json:"status,omitempty"`
	PurchaseUnits []PurchaseUnit `json:"purchase_units,omitempty"`
}

// Order is the authoritative order as returned by GET /v2/checkout/orders/{id}.
type Order struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	PurchaseUnits []PurchaseUnit `json:"purchase_units"`
}

type PurchaseUnit struct {
	ReferenceID string    `json:"reference_id,omitempty"`
	CustomID    string    `json:"custom_id,omitempty"`
	Payments    *Payments `json:"payments,omitempty"`
}

type Payments struct {
	Captures []Capture `json:"captures"`
}

type Capture struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
}

// FirstCaptureID returns the id of the unit's first capture, or "".
func (u PurchaseUnit) FirstCaptureID() string {
	if u.Payments == nil || len(u.Payments.Captures) == 0 {
		return ""
	}
	return u.Payments.Captures[0].ID
}

// TransmissionHeaders are the PAYPAL-* headers PayPal signs each delivery with.
type TransmissionHeaders struct {
	AuthAlgo         string `json:"auth_algo"`
	CertURL          string `json:"cert_url"`
	TransmissionID   string `json:"transmission_id"`
	TransmissionSig  string `json:"transmission_sig"`
	TransmissionTime string `json:"transmission_time"`
}

// HeadersFromRequest reads the transmission headers of an inbound delivery.
func HeadersFromRequest(h http.Header) TransmissionHeaders {
	return TransmissionHeaders{
		AuthAlgo:         h.Get("PAYPAL-AUTH-ALGO"),
		CertURL:          h.Get("PAYPAL-CERT-URL"),
		TransmissionID:   h.Get("PAYPAL-TRANSMISSION-ID"),
		TransmissionSig:  h.Get("PAYPAL-TRANSMISSION-SIG"),
		TransmissionTime: h.Get("PAYPAL-TRANSMISSION-TIME"),
	}
}

// Complete reports whether every header needed for verification is present.
func (h TransmissionHeaders) Complete() bool {
	return h.AuthAlgo != "" && h.CertURL != "" && h.TransmissionID != "" &&
		h.TransmissionSig != "" && h.TransmissionTime != ""
}

type verifyRequest struct {
	TransmissionHeaders
	WebhookID string `json:"webhook_id"`
}

// encodeVerifyRequest appends the event to the request body byte for byte.
// PayPal checks the signature against the exact text it delivered, so the
// event must not be re-encoded.
func encodeVerifyRequest(headers TransmissionHeaders, webhookID string, event json.RawMessage) ([]byte, error) {
	if !json.Valid(event) {
		return nil, errors.New("webhook event is not valid JSON")
	}
	head, err := json.Marshal(verifyRequest{TransmissionHeaders: headers, WebhookID: webhookID})
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(head)+len(event)+len(`,"webhook_event":}`))
	buf = append(buf, head[:len(head)-1]...)
	buf = append(buf, `,"webhook_event":`...)
	buf = append(buf, event...)
	buf = append(buf, '}')
	return buf, nil
}

type verifyResponse struct {
	VerificationStatus string `json:"verification_status"`
}

// APIError is returned when PayPal answers with a non-2xx status.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("paypal %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}
