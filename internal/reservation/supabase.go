package reservation

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

	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/metrics"
)

// SupabaseStore updates reservations through the project's PostgREST API
// using the service-role key.
type SupabaseStore struct {
	baseURL    string
	serviceKey string
	table      string
	http       *http.Client
	metrics    *metrics.Metrics
}

// NewSupabaseStore builds a store. A nil httpClient gets an instrumented default.
func NewSupabaseStore(baseURL, serviceKey, table string, httpClient *http.Client, m *metrics.Metrics) *SupabaseStore {
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   10 * time.Second,
		}
	}
	if table == "" {
		table = "reservations"
	}
	return &SupabaseStore{
		baseURL:    baseURL,
		serviceKey: serviceKey,
		table:      table,
		http:       httpClient,
		metrics:    m,
	}
}

func (s *SupabaseStore) ConfirmPayment(ctx context.Context, reservationID, transactionNumber string) (int64, error) {
	body, err := json.Marshal(NewConfirmation(transactionNumber))
	if err != nil {
		return 0, fmt.Errorf("encode reservation update: %w", err)
	}

	q := url.Values{}
	q.Set("id", "eq."+reservationID)
	endpoint := fmt.Sprintf("%s/rest/v1/%s?%s", s.baseURL, url.PathEscape(s.table), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build reservation update: %w", err)
	}
	s.authorize(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")

	started := time.Now()
	resp, err := s.http.Do(req)
	if err != nil {
		s.metrics.ObserveUpstream("supabase", "confirm_payment", 0, started)
		return 0, fmt.Errorf("update reservation %s: %w", reservationID, err)
	}
	defer resp.Body.Close()
	s.metrics.ObserveUpstream("supabase", "confirm_payment", resp.StatusCode, started)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return 0, &StoreError{StatusCode: resp.StatusCode, Body: string(b)}
	}

	// 204 means the server ignored return=representation; the row count is unknown.
	if resp.StatusCode == http.StatusNoContent {
		return -1, nil
	}
	var rows []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return 0, fmt.Errorf("decode reservation update response: %w", err)
	}
	return int64(len(rows)), nil
}

// LookupEmail returns the e-mail of a user row, or "" when there is none.
func (s *SupabaseStore) LookupEmail(ctx context.Context, userID string) (string, error) {
	q := url.Values{}
	q.Set("id", "eq."+userID)
	q.Set("select", "email")
	endpoint := fmt.Sprintf("%s/rest/v1/users?%s", s.baseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build user lookup: %w", err)
	}
	s.authorize(req)

	started := time.Now()
	resp, err := s.http.Do(req)
	if err != nil {
		s.metrics.ObserveUpstream("supabase", "lookup_user", 0, started)
		return "", fmt.Errorf("lookup user %s: %w", userID, err)
	}
	defer resp.Body.Close()
	s.metrics.ObserveUpstream("supabase", "lookup_user", resp.StatusCode, started)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", &StoreError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	var users []struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&users); err != nil {
		return "", fmt.Errorf("decode user lookup: %w", err)
	}
	if len(users) == 0 {
		return "", nil
	}
	return users[0].Email, nil
}

func (s *SupabaseStore) authorize(req *http.Request) {
	req.Header.Set("apikey", s.serviceKey)
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
}
