package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/metrics"
)

const (
	DefaultAPIBase = "https://api-m.sandbox.paypal.com"

	verificationSuccess = "SUCCESS"
	maxErrorBody        = 4 << 10
)

// Config holds the REST app credentials and endpoint.
type Config struct {
	ClientID  string
	Secret    string
	APIBase   string
	WebhookID string
	// CacheToken reuses an access token until shortly before it expires.
	// When false every call exchanges the credentials again.
	CacheToken bool
	Timeout    time.Duration
}

// Client talks to the PayPal REST API.
type Client struct {
	base      string
	webhookID string
	http      *http.Client
	oauth     clientcredentials.Config
	tokens    oauth2.TokenSource
	metrics   *metrics.Metrics
}

// NewClient builds a client. A nil httpClient gets an otelhttp-instrumented default.
func NewClient(cfg Config, httpClient *http.Client, m *metrics.Metrics) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   timeout,
		}
	}
	c := &Client{
		base:      cfg.APIBase,
		webhookID: cfg.WebhookID,
		http:      httpClient,
		metrics:   m,
		oauth: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.Secret,
			TokenURL:     cfg.APIBase + "/v1/oauth2/token",
			AuthStyle:    oauth2.AuthStyleInHeader,
		},
	}
	if cfg.CacheToken {
		c.tokens = c.oauth.TokenSource(context.WithValue(context.Background(), oauth2.HTTPClient, httpClient))
	}
	return c
}

// AccessToken exchanges the client credentials for a bearer token.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	started := time.Now()
	var (
		tok *oauth2.Token
		err error
	)
	if c.tokens != nil {
		tok, err = c.tokens.Token()
	} else {
		tok, err = c.oauth.Token(context.WithValue(ctx, oauth2.HTTPClient, c.http))
	}
	if err != nil {
		status := 0
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			status = re.Response.StatusCode
		}
		c.metrics.ObserveUpstream("paypal", "token", status, started)
		return "", fmt.Errorf("paypal token: %w", err)
	}
	c.metrics.ObserveUpstream("paypal", "token", http.StatusOK, started)
	return tok.AccessToken, nil
}

// GetOrder fetches the current state of an order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	body, err := c.do(ctx, "get_order", http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(orderID), nil)
	if err != nil {
		return nil, err
	}
	var order Order
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("decode paypal order %s: %w", orderID, err)
	}
	return &order, nil
}

// CaptureOrder captures an approved order and returns PayPal's response verbatim.
func (c *Client) CaptureOrder(ctx context.Context, orderID string) (json.RawMessage, error) {
	body, err := c.do(ctx, "capture_order", http.MethodPost, "/v2/checkout/orders/"+url.PathEscape(orderID)+"/capture", nil)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// VerifyWebhookSignature asks PayPal whether a delivery was signed for the
// configured webhook id.
func (c *Client) VerifyWebhookSignature(ctx context.Context, headers TransmissionHeaders, event json.RawMessage) (bool, error) {
	payload, err := encodeVerifyRequest(headers, c.webhookID, event)
	if err != nil {
		return false, fmt.Errorf("encode verification request: %w", err)
	}
	body, err := c.do(ctx, "verify_webhook", http.MethodPost, "/v1/notifications/verify-webhook-signature", payload)
	if err != nil {
		return false, err
	}
	var vr verifyResponse
	if err := json.Unmarshal(body, &vr); err != nil {
		return false, fmt.Errorf("decode verification response: %w", err)
	}
	return vr.VerificationStatus == verificationSuccess, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, payload []byte) ([]byte, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build paypal %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.ObserveUpstream("paypal", op, 0, started)
		return nil, fmt.Errorf("paypal %s: %w", op, err)
	}
	defer resp.Body.Close()
	c.metrics.ObserveUpstream("paypal", op, resp.StatusCode, started)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &APIError{Op: op, StatusCode: resp.StatusCode, Body: string(b)}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read paypal %s response: %w", op, err)
	}
	return body, nil
}
