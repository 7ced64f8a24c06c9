package bdd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/cucumber/godog"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/api"
	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/paypal"
	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/relay"
	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/reservation"
)

// RelayWorld runs the webhook endpoint against in-process fakes of the
// PayPal REST API and the Supabase PostgREST API.
type RelayWorld struct {
	t      *testing.T
	logger *zap.Logger

	mu             sync.Mutex
	orders         map[string]paypal.Order
	orderStatus    map[string]int
	signatureValid bool
	storeStatus    int
	sent           string
	updates        map[string][]reservation.Confirmation

	verify   bool
	ledger   *memoryLedger
	paypal   *httptest.Server
	supabase *httptest.Server
	app      *httptest.Server

	httpStatus int
	httpJSON   map[string]any
}

func NewRelayWorld(t *testing.T) *RelayWorld {
	return &RelayWorld{t: t}
}

func (w *RelayWorld) Register(sc *godog.ScenarioContext) {
	sc.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		w.resetScenarioState()
		return ctx, nil
	})
	sc.After(func(ctx context.Context, _ *godog.Scenario, _ error) (context.Context, error) {
		w.closeServers()
		return ctx, nil
	})

	sc.Step(`^PayPal has order "([^"]+)" for reservation "([^"]+)" with capture "([^"]+)"$`, w.orderWithCapture)
	sc.Step(`^PayPal has order "([^"]+)" for reservation "([^"]+)" without captures$`, w.orderWithoutCaptures)
	sc.Step(`^PayPal has order "([^"]+)" with custom_id "([^"]*)"$`, w.orderWithCustomID)
	sc.Step(`^PayPal answers order lookups for "([^"]+)" with status (\d+)$`, w.orderLookupFails)
	sc.Step(`^the reservation store answers updates with status (\d+)$`, w.storeFails)
	sc.Step(`^webhook signature verification is enabled$`, w.enableVerification)
	sc.Step(`^PayPal rejects the delivery signature$`, w.rejectSignature)
	sc.Step(`^another delivery is still confirming transaction "([^"]+)"$`, w.holdClaim)
	sc.Step(`^PayPal delivers a "([^"]+)" notification for order "([^"]+)"$`, w.deliver)
	sc.Step(`^PayPal delivers a "([^"]+)" notification for order "([^"]+)" with summary "([^"]+)"$`, w.deliverWithSummary)
	sc.Step(`^the response status is (\d+)$`, w.assertStatus)
	sc.Step(`^the response message is "([^"]+)"$`, w.assertMessage)
	sc.Step(`^the response error is "([^"]+)"$`, w.assertError)
	sc.Step(`^reservation "([^"]+)" is marked paid with transaction number "([^"]+)"$`, w.assertMarkedPaid)
	sc.Step(`^reservation "([^"]+)" was updated (\d+) times?$`, w.assertUpdateCount)
	sc.Step(`^no reservation was updated$`, w.assertNoUpdates)
}

func (w *RelayWorld) resetScenarioState() {
	w.closeServers()
	w.logger = zap.NewNop()
	if os.Getenv("BDD_DEBUG") != "" {
		w.logger = zaptest.NewLogger(w.t)
	}
	w.orders = make(map[string]paypal.Order)
	w.orderStatus = make(map[string]int)
	w.updates = make(map[string][]reservation.Confirmation)
	w.signatureValid = true
	w.storeStatus = 0
	w.sent = ""
	w.verify = false
	w.ledger = newMemoryLedger()
	w.httpStatus = 0
	w.httpJSON = nil
}

func (w *RelayWorld) closeServers() {
	for _, srv := range []*httptest.Server{w.app, w.paypal, w.supabase} {
		if srv != nil {
			srv.Close()
		}
	}
	w.app, w.paypal, w.supabase = nil, nil, nil
}

func customID(reservationID string) string {
	return fmt.Sprintf(`{"reservation_id":%q,"user_id":"U1","check_in":"2024-01-01","check_out":"2024-01-02","room_id":"RM1"}`, reservationID)
}

func (w *RelayWorld) orderWithCapture(orderID, reservationID, captureID string) error {
	w.putOrder(paypal.Order{
		ID:     orderID,
		Status: "APPROVED",
		PurchaseUnits: []paypal.PurchaseUnit{{
			CustomID: customID(reservationID),
			Payments: &paypal.Payments{Captures: []paypal.Capture{{ID: captureID, Status: "COMPLETED"}}},
		}},
	})
	return nil
}

func (w *RelayWorld) orderWithoutCaptures(orderID, reservationID string) error {
	w.putOrder(paypal.Order{
		ID:            orderID,
		Status:        "APPROVED",
		PurchaseUnits: []paypal.PurchaseUnit{{CustomID: customID(reservationID)}},
	})
	return nil
}

func (w *RelayWorld) orderWithCustomID(orderID, raw string) error {
	w.putOrder(paypal.Order{
		ID:            orderID,
		Status:        "APPROVED",
		PurchaseUnits: []paypal.PurchaseUnit{{CustomID: raw}},
	})
	return nil
}

func (w *RelayWorld) putOrder(o paypal.Order) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.orders[o.ID] = o
}

func (w *RelayWorld) orderLookupFails(orderID string, status int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.orderStatus[orderID] = status
	return nil
}

func (w *RelayWorld) storeFails(status int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.storeStatus = status
	return nil
}

func (w *RelayWorld) enableVerification() error {
	w.verify = true
	return nil
}

func (w *RelayWorld) rejectSignature() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.signatureValid = false
	return nil
}

func (w *RelayWorld) holdClaim(txn string) error {
	w.ledger.mu.Lock()
	defer w.ledger.mu.Unlock()
	w.ledger.claimed[txn] = true
	return nil
}

// start brings up the fakes and the relay on first delivery so Given steps
// can still change how it is wired.
func (w *RelayWorld) start() {
	if w.app != nil {
		return
	}
	w.paypal = httptest.NewServer(http.HandlerFunc(w.servePayPal))
	w.supabase = httptest.NewServer(http.HandlerFunc(w.serveSupabase))

	pp := paypal.NewClient(paypal.Config{
		ClientID:   "client",
		Secret:     "secret",
		APIBase:    w.paypal.URL,
		WebhookID:  "WH-TEST",
		CacheToken: true,
	}, w.paypal.Client(), nil)

	cfg := relay.Config{
		Orders: pp,
		Ledger: w.ledger,
		Store:  reservation.NewSupabaseStore(w.supabase.URL, "service-key", "reservations", w.supabase.Client(), nil),
		Logger: w.logger,
	}
	if w.verify {
		cfg.Verifier = pp
	}
	r := relay.New(cfg)

	mux := http.NewServeMux()
	api.RegisterWebhookRoutes(mux, r, nil, w.logger)
	w.app = httptest.NewServer(api.WithCORS(mux))
}

func (w *RelayWorld) servePayPal(rw http.ResponseWriter, r *http.Request) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v1/oauth2/token":
		writeJSON(rw, http.StatusOK, map[string]any{"access_token": "test-token", "token_type": "Bearer", "expires_in": 3600})
	case r.Method == http.MethodPost && r.URL.Path == "/v1/notifications/verify-webhook-signature":
		// A real signature only matches the exact bytes PayPal sent.
		var req map[string]json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&req)
		status := "FAILURE"
		if w.signatureValid && string(req["webhook_event"]) == w.sent {
			status = "SUCCESS"
		}
		writeJSON(rw, http.StatusOK, map[string]any{"verification_status": status})
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v2/checkout/orders/"):
		if r.Header.Get("Authorization") != "Bearer test-token" {
			writeJSON(rw, http.StatusUnauthorized, map[string]any{"name": "AUTHENTICATION_FAILURE"})
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/v2/checkout/orders/")
		if status, ok := w.orderStatus[id]; ok {
			writeJSON(rw, status, map[string]any{"name": "SERVICE_UNAVAILABLE"})
			return
		}
		order, ok := w.orders[id]
		if !ok {
			writeJSON(rw, http.StatusNotFound, map[string]any{"name": "RESOURCE_NOT_FOUND"})
			return
		}
		writeJSON(rw, http.StatusOK, order)
	default:
		http.NotFound(rw, r)
	}
}

func (w *RelayWorld) serveSupabase(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPatch || r.URL.Path != "/rest/v1/reservations" {
		http.NotFound(rw, r)
		return
	}
	if r.Header.Get("apikey") != "service-key" {
		writeJSON(rw, http.StatusUnauthorized, map[string]any{"message": "invalid api key"})
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.storeStatus != 0 {
		writeJSON(rw, w.storeStatus, map[string]any{"message": "update failed"})
		return
	}

	body, _ := io.ReadAll(r.Body)
	var c reservation.Confirmation
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&c); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]any{"message": err.Error()})
		return
	}
	id := strings.TrimPrefix(r.URL.Query().Get("id"), "eq.")
	w.updates[id] = append(w.updates[id], c)
	writeJSON(rw, http.StatusOK, []map[string]any{{
		"id":                 id,
		"payment_status":     c.PaymentStatus,
		"status":             c.Status,
		"transaction_number": c.TransactionNumber,
	}})
}

func (w *RelayWorld) deliver(eventType, orderID string) error {
	return w.post(fmt.Sprintf(`{"id":"WH-EVT-1","event_type":%q,"resource_type":"checkout-order","resource":{"id":%q}}`, eventType, orderID))
}

// deliverWithSummary sends a pretty-printed body whose summary holds
// characters that encoding/json would escape.
func (w *RelayWorld) deliverWithSummary(eventType, orderID, summary string) error {
	return w.post(fmt.Sprintf("{\n  \"id\": \"WH-EVT-2\",\n  \"event_type\": %q,\n  \"summary\": \"%s\",\n  \"resource\": {\"id\": %q}\n}", eventType, summary, orderID))
}

func (w *RelayWorld) post(body string) error {
	w.start()
	w.mu.Lock()
	w.sent = body
	w.mu.Unlock()

	req, err := http.NewRequest(http.MethodPost, w.app.URL+"/webhook/paypal", strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("PAYPAL-AUTH-ALGO", "SHA256withRSA")
	req.Header.Set("PAYPAL-CERT-URL", "https://api.sandbox.paypal.com/v1/notifications/certs/CERT-1")
	req.Header.Set("PAYPAL-TRANSMISSION-ID", "TX-1")
	req.Header.Set("PAYPAL-TRANSMISSION-SIG", "c2lnbmF0dXJl")
	req.Header.Set("PAYPAL-TRANSMISSION-TIME", "2024-01-01T00:00:00Z")

	resp, err := w.app.Client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	w.httpStatus = resp.StatusCode
	w.httpJSON = nil
	if err := json.NewDecoder(resp.Body).Decode(&w.httpJSON); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (w *RelayWorld) assertStatus(want int) error {
	if w.httpStatus != want {
		return fmt.Errorf("expected status %d, got %d (body %v)", want, w.httpStatus, w.httpJSON)
	}
	return nil
}

func (w *RelayWorld) assertMessage(want string) error {
	return w.assertField("message", want)
}

func (w *RelayWorld) assertError(want string) error {
	return w.assertField("error", want)
}

func (w *RelayWorld) assertField(key, want string) error {
	if got, _ := w.httpJSON[key].(string); got != want {
		return fmt.Errorf("expected %s %q, got %v", key, want, w.httpJSON)
	}
	return nil
}

func (w *RelayWorld) assertMarkedPaid(reservationID, txn string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	ups := w.updates[reservationID]
	if len(ups) == 0 {
		return fmt.Errorf("reservation %s was not updated", reservationID)
	}
	want := reservation.NewConfirmation(txn)
	if got := ups[len(ups)-1]; got != want {
		return fmt.Errorf("reservation %s updated with %+v, want %+v", reservationID, got, want)
	}
	return nil
}

func (w *RelayWorld) assertUpdateCount(reservationID string, want int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if got := len(w.updates[reservationID]); got != want {
		return fmt.Errorf("reservation %s updated %d times, want %d", reservationID, got, want)
	}
	return nil
}

func (w *RelayWorld) assertNoUpdates() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.updates) != 0 {
		return fmt.Errorf("expected no updates, got %v", w.updates)
	}
	return nil
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

// memoryLedger is an in-process stand-in for the Postgres confirmation ledger.
type memoryLedger struct {
	mu        sync.Mutex
	claimed   map[string]bool
	completed map[string]bool
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{claimed: map[string]bool{}, completed: map[string]bool{}}
}

func (l *memoryLedger) Claim(_ context.Context, txn, _ string) (relay.ClaimState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.completed[txn] {
		return relay.ClaimCompleted, nil
	}
	if l.claimed[txn] {
		return relay.ClaimInFlight, nil
	}
	l.claimed[txn] = true
	return relay.ClaimAcquired, nil
}

func (l *memoryLedger) Complete(_ context.Context, txn string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.claimed, txn)
	l.completed[txn] = true
	return nil
}

func (l *memoryLedger) Release(_ context.Context, txn string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.claimed, txn)
	return nil
}
