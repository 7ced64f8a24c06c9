package confirmation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/relay"
)

// IngressError carries the status and message of a failed invocation as
// reported by the Restate ingress.
type IngressError struct {
	StatusCode int
	Message    string
}

func (e *IngressError) Error() string {
	return fmt.Sprintf("restate ingress: status %d: %s", e.StatusCode, e.Message)
}

// IngressClient invokes the confirmation object through the Restate runtime.
type IngressClient struct {
	runtimeURL string
	http       *http.Client
}

func NewIngressClient(runtimeURL string, httpClient *http.Client) *IngressClient {
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   30 * time.Second,
		}
	}
	return &IngressClient{runtimeURL: runtimeURL, http: httpClient}
}

// Confirm calls Confirm on the object keyed by orderID and waits for the result.
func (c *IngressClient) Confirm(ctx context.Context, orderID string, d relay.Delivery) (*relay.Confirmation, error) {
	body, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode delivery: %w", err)
	}
	endpoint := fmt.Sprintf("%s/%s/%s/Confirm", c.runtimeURL, ServiceName, url.PathEscape(orderID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build ingress request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	// Redelivered webhooks for the same transmission attach to the same invocation.
	if d.Headers.TransmissionID != "" {
		req.Header.Set("idempotency-key", d.Headers.TransmissionID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: restate ingress: %w", relay.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		var detail struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &detail) != nil || detail.Message == "" {
			detail.Message = string(raw)
		}
		return nil, &IngressError{StatusCode: resp.StatusCode, Message: detail.Message}
	}

	var conf relay.Confirmation
	if err := json.NewDecoder(resp.Body).Decode(&conf); err != nil {
		return nil, fmt.Errorf("decode ingress response: %w", err)
	}
	return &conf, nil
}
