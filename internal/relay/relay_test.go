package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/events"
	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/metrics"
	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/paypal"
	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/reservation"
)

const validCustomID = `{"reservation_id":"R1","user_id":"U1","check_in":"2024-01-01","check_out":"2024-01-02","room_id":"RM1"}`

type mockOrders struct{ mock.Mock }

func (m *mockOrders) GetOrder(ctx context.Context, orderID string) (*paypal.Order, error) {
	args := m.Called(ctx, orderID)
	order, _ := args.Get(0).(*paypal.Order)
	return order, args.Error(1)
}

func (m *mockOrders) CaptureOrder(ctx context.Context, orderID string) (json.RawMessage, error) {
	args := m.Called(ctx, orderID)
	raw, _ := args.Get(0).(json.RawMessage)
	return raw, args.Error(1)
}

type mockStore struct{ mock.Mock }

func (m *mockStore) ConfirmPayment(ctx context.Context, reservationID, txn string) (int64, error) {
	args := m.Called(ctx, reservationID, txn)
	return args.Get(0).(int64), args.Error(1)
}

type mockVerifier struct{ mock.Mock }

func (m *mockVerifier) VerifyWebhookSignature(ctx context.Context, h paypal.TransmissionHeaders, event json.RawMessage) (bool, error) {
	args := m.Called(ctx, h, event)
	return args.Bool(0), args.Error(1)
}

// memoryLedger mirrors the Postgres ledger's claim semantics without a lease.
type memoryLedger struct {
	claimed   map[string]bool
	completed map[string]bool
	claimErr  error
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{claimed: map[string]bool{}, completed: map[string]bool{}}
}

func (l *memoryLedger) Claim(_ context.Context, txn, _ string) (ClaimState, error) {
	if l.claimErr != nil {
		return ClaimInFlight, l.claimErr
	}
	if l.completed[txn] {
		return ClaimCompleted, nil
	}
	if l.claimed[txn] {
		return ClaimInFlight, nil
	}
	l.claimed[txn] = true
	return ClaimAcquired, nil
}

func (l *memoryLedger) Complete(_ context.Context, txn string) error {
	delete(l.claimed, txn)
	l.completed[txn] = true
	return nil
}

func (l *memoryLedger) Release(_ context.Context, txn string) error {
	delete(l.claimed, txn)
	return nil
}

type recordingPublisher struct {
	envelopes []events.Envelope
	err       error
}

func (p *recordingPublisher) Publish(_ context.Context, _, _ string, evt events.Envelope) error {
	p.envelopes = append(p.envelopes, evt)
	return p.err
}

type fixture struct {
	orders    *mockOrders
	store     *mockStore
	ledger    *memoryLedger
	publisher *recordingPublisher
	metrics   *metrics.Metrics
	relay     *Relay
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	f := &fixture{
		orders:    &mockOrders{},
		store:     &mockStore{},
		ledger:    newMemoryLedger(),
		publisher: &recordingPublisher{},
		metrics:   metrics.New(prometheus.NewRegistry()),
	}
	cfg := Config{
		Orders:      f.orders,
		Store:       f.store,
		Ledger:      f.ledger,
		Publisher:   f.publisher,
		EventsTopic: "reservations.v1",
		Metrics:     f.metrics,
		Logger:      zaptest.NewLogger(t),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.relay = New(cfg)
	t.Cleanup(func() {
		f.orders.AssertExpectations(t)
		f.store.AssertExpectations(t)
	})
	return f
}

func approvedDelivery(orderID string) Delivery {
	return Delivery{Body: json.RawMessage(`{"id":"WH-1","event_type":"CHECKOUT.ORDER.APPROVED","resource":{"id":"` + orderID + `"}}`)}
}

func orderWith(id, customID string, captures ...string) *paypal.Order {
	unit := paypal.PurchaseUnit{CustomID: customID}
	if len(captures) > 0 {
		unit.Payments = &paypal.Payments{}
		for _, c := range captures {
			unit.Payments.Captures = append(unit.Payments.Captures, paypal.Capture{ID: c})
		}
	}
	return &paypal.Order{ID: id, Status: "APPROVED", PurchaseUnits: []paypal.PurchaseUnit{unit}}
}

func TestHandleConfirmsWithCaptureID(t *testing.T) {
	f := newFixture(t, nil)
	f.orders.On("GetOrder", mock.Anything, "O1").Return(orderWith("O1", validCustomID, "C1"), nil).Once()
	f.store.On("ConfirmPayment", mock.Anything, "R1", "C1").Return(int64(1), nil).Once()

	conf, err := f.relay.Handle(context.Background(), approvedDelivery("O1"))
	require.NoError(t, err)
	assert.Equal(t, &Confirmation{ReservationID: "R1", TransactionNumber: "C1", OrderID: "O1"}, conf)
	assert.True(t, f.ledger.completed["C1"])
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.WebhookOutcomes.WithLabelValues("confirmed")))

	require.Len(t, f.publisher.envelopes, 1)
	evt := f.publisher.envelopes[0]
	assert.Equal(t, events.ReservationConfirmed, evt.EventType)
	var data events.ReservationConfirmedData
	require.NoError(t, json.Unmarshal(evt.Data, &data))
	assert.Equal(t, events.ReservationConfirmedData{
		ReservationID:     "R1",
		UserID:            "U1",
		RoomID:            "RM1",
		CheckIn:           "2024-01-01",
		CheckOut:          "2024-01-02",
		TransactionNumber: "C1",
		PayPalOrderID:     "O1",
	}, data)
}

func TestHandleFallsBackToOrderID(t *testing.T) {
	f := newFixture(t, nil)
	f.orders.On("GetOrder", mock.Anything, "O1").Return(orderWith("O1", validCustomID), nil).Once()
	f.store.On("ConfirmPayment", mock.Anything, "R1", "O1").Return(int64(1), nil).Once()

	conf, err := f.relay.Handle(context.Background(), approvedDelivery("O1"))
	require.NoError(t, err)
	assert.Equal(t, "O1", conf.TransactionNumber)
}

func TestTransactionNumberPrefersFirstCapture(t *testing.T) {
	unit := orderWith("O1", validCustomID, "C1", "C2").PurchaseUnits[0]
	assert.Equal(t, "C1", TransactionNumber("O1", unit))
	assert.Equal(t, "O1", TransactionNumber("O1", paypal.PurchaseUnit{Payments: &paypal.Payments{}}))
}

func TestHandleRejectsInvalidWebhooks(t *testing.T) {
	for name, body := range map[string]string{
		"not json":         `{"event_type":`,
		"wrong event":      `{"event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"O1"}}`,
		"missing resource": `{"event_type":"CHECKOUT.ORDER.APPROVED"}`,
		"empty order id":   `{"event_type":"CHECKOUT.ORDER.APPROVED","resource":{"id":""}}`,
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, nil)
			_, err := f.relay.Handle(context.Background(), Delivery{Body: json.RawMessage(body)})
			assert.ErrorIs(t, err, ErrInvalidWebhook)
			assert.Equal(t, http.StatusBadRequest, StatusCode(err))
			f.orders.AssertNotCalled(t, "GetOrder", mock.Anything, mock.Anything)
		})
	}
}

func TestHandleUpstreamFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.orders.On("GetOrder", mock.Anything, "O1").
		Return(nil, &paypal.APIError{Op: "get_order", StatusCode: http.StatusNotFound}).Once()

	_, err := f.relay.Handle(context.Background(), approvedDelivery("O1"))
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	var apiErr *paypal.APIError
	assert.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(err))
	f.store.AssertNotCalled(t, "ConfirmPayment", mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, f.ledger.claimed)
}

func TestHandleMetadataRejections(t *testing.T) {
	cases := map[string]struct {
		order *paypal.Order
		want  error
	}{
		"no purchase units": {&paypal.Order{ID: "O1"}, ErrMissingMetadata},
		"no custom_id":      {orderWith("O1", ""), ErrMissingMetadata},
		"not json":          {orderWith("O1", "reservation R1"), ErrInvalidMetadataFormat},
		"json array":        {orderWith("O1", `["R1"]`), ErrInvalidMetadataFormat},
		"missing room":      {orderWith("O1", `{"reservation_id":"R1","user_id":"U1","check_in":"2024-01-01","check_out":"2024-01-02"}`), ErrIncompleteMetadata},
		"empty user":        {orderWith("O1", `{"reservation_id":"R1","user_id":"","check_in":"2024-01-01","check_out":"2024-01-02","room_id":"RM1"}`), ErrIncompleteMetadata},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.orders.On("GetOrder", mock.Anything, "O1").Return(tc.order, nil).Once()

			_, err := f.relay.Handle(context.Background(), approvedDelivery("O1"))
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, http.StatusBadRequest, StatusCode(err))
			f.store.AssertNotCalled(t, "ConfirmPayment", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestHandlePersistenceFailureReleasesClaim(t *testing.T) {
	f := newFixture(t, nil)
	f.orders.On("GetOrder", mock.Anything, "O1").Return(orderWith("O1", validCustomID, "C1"), nil).Twice()
	f.store.On("ConfirmPayment", mock.Anything, "R1", "C1").
		Return(int64(0), &reservation.StoreError{StatusCode: http.StatusInternalServerError, Body: "boom"}).Once()

	_, err := f.relay.Handle(context.Background(), approvedDelivery("O1"))
	assert.ErrorIs(t, err, ErrPersistenceFailure)
	assert.Equal(t, http.StatusInternalServerError, StatusCode(err))
	assert.Equal(t, "Error updating reservation", PublicMessage(err))
	assert.False(t, f.ledger.claimed["C1"])
	assert.Empty(t, f.publisher.envelopes)

	f.store.On("ConfirmPayment", mock.Anything, "R1", "C1").Return(int64(1), nil).Once()
	conf, err := f.relay.Handle(context.Background(), approvedDelivery("O1"))
	require.NoError(t, err)
	assert.False(t, conf.Duplicate)
}

func TestHandleDuplicateDeliverySkipsStore(t *testing.T) {
	f := newFixture(t, nil)
	f.orders.On("GetOrder", mock.Anything, "O1").Return(orderWith("O1", validCustomID, "C1"), nil).Twice()
	f.store.On("ConfirmPayment", mock.Anything, "R1", "C1").Return(int64(1), nil).Once()

	_, err := f.relay.Handle(context.Background(), approvedDelivery("O1"))
	require.NoError(t, err)

	conf, err := f.relay.Handle(context.Background(), approvedDelivery("O1"))
	require.NoError(t, err)
	assert.True(t, conf.Duplicate)
	assert.Equal(t, "R1", conf.ReservationID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DuplicateConfirmations))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.WebhookOutcomes.WithLabelValues("duplicate")))
	assert.Len(t, f.publisher.envelopes, 1)
}

func TestHandleInFlightClaimAsksForRedelivery(t *testing.T) {
	f := newFixture(t, nil)
	f.ledger.claimed["C1"] = true
	f.orders.On("GetOrder", mock.Anything, "O1").Return(orderWith("O1", validCustomID, "C1"), nil).Twice()

	conf, err := f.relay.Handle(context.Background(), approvedDelivery("O1"))
	assert.Nil(t, conf)
	assert.ErrorIs(t, err, ErrConfirmationInFlight)
	assert.Equal(t, http.StatusConflict, StatusCode(err))
	assert.Equal(t, "in_flight", Outcome(err))
	f.store.AssertNotCalled(t, "ConfirmPayment", mock.Anything, mock.Anything, mock.Anything)
	assert.Zero(t, testutil.ToFloat64(f.metrics.DuplicateConfirmations))

	// The holder gave up; the redelivery applies the transaction.
	require.NoError(t, f.ledger.Release(context.Background(), "C1"))
	f.store.On("ConfirmPayment", mock.Anything, "R1", "C1").Return(int64(1), nil).Once()
	conf, err = f.relay.Handle(context.Background(), approvedDelivery("O1"))
	require.NoError(t, err)
	assert.False(t, conf.Duplicate)
}

func TestHandleLedgerFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.ledger.claimErr = errors.New("connection refused")
	f.orders.On("GetOrder", mock.Anything, "O1").Return(orderWith("O1", validCustomID, "C1"), nil).Once()

	_, err := f.relay.Handle(context.Background(), approvedDelivery("O1"))
	assert.ErrorIs(t, err, ErrPersistenceFailure)
	f.store.AssertNotCalled(t, "ConfirmPayment", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleZeroRowUpdate(t *testing.T) {
	t.Run("tolerated by default", func(t *testing.T) {
		f := newFixture(t, nil)
		f.orders.On("GetOrder", mock.Anything, "O1").Return(orderWith("O1", validCustomID, "C1"), nil).Once()
		f.store.On("ConfirmPayment", mock.Anything, "R1", "C1").Return(int64(0), nil).Once()

		_, err := f.relay.Handle(context.Background(), approvedDelivery("O1"))
		require.NoError(t, err)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.UnmatchedReservations))
	})

	t.Run("rejected when a match is required", func(t *testing.T) {
		f := newFixture(t, func(c *Config) { c.RequireMatch = true })
		f.orders.On("GetOrder", mock.Anything, "O1").Return(orderWith("O1", validCustomID, "C1"), nil).Once()
		f.store.On("ConfirmPayment", mock.Anything, "R1", "C1").Return(int64(0), nil).Once()

		_, err := f.relay.Handle(context.Background(), approvedDelivery("O1"))
		assert.ErrorIs(t, err, ErrPersistenceFailure)
		assert.ErrorIs(t, err, reservation.ErrReservationNotFound)
		assert.False(t, f.ledger.claimed["C1"])
	})
}

func TestHandlePublishFailureDoesNotFailConfirmation(t *testing.T) {
	f := newFixture(t, nil)
	f.publisher.err = errors.New("broker down")
	f.orders.On("GetOrder", mock.Anything, "O1").Return(orderWith("O1", validCustomID, "C1"), nil).Once()
	f.store.On("ConfirmPayment", mock.Anything, "R1", "C1").Return(int64(1), nil).Once()

	_, err := f.relay.Handle(context.Background(), approvedDelivery("O1"))
	assert.NoError(t, err)
}

func TestHandleSignatureVerification(t *testing.T) {
	headers := paypal.TransmissionHeaders{
		AuthAlgo:         "SHA256withRSA",
		CertURL:          "https://api.paypal.com/cert",
		TransmissionID:   "tx-1",
		TransmissionSig:  "sig",
		TransmissionTime: "2024-01-01T00:00:00Z",
	}

	t.Run("missing headers", func(t *testing.T) {
		v := &mockVerifier{}
		f := newFixture(t, func(c *Config) { c.Verifier = v })
		_, err := f.relay.Handle(context.Background(), approvedDelivery("O1"))
		assert.ErrorIs(t, err, ErrUnauthenticated)
		assert.Equal(t, http.StatusUnauthorized, StatusCode(err))
		v.AssertNotCalled(t, "VerifyWebhookSignature", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("invalid signature", func(t *testing.T) {
		v := &mockVerifier{}
		f := newFixture(t, func(c *Config) { c.Verifier = v })
		d := approvedDelivery("O1")
		d.Headers = headers
		v.On("VerifyWebhookSignature", mock.Anything, headers, json.RawMessage(d.Body)).Return(false, nil).Once()

		_, err := f.relay.Handle(context.Background(), d)
		assert.ErrorIs(t, err, ErrUnauthenticated)
		f.orders.AssertNotCalled(t, "GetOrder", mock.Anything, mock.Anything)
		v.AssertExpectations(t)
	})

	t.Run("verification unavailable", func(t *testing.T) {
		v := &mockVerifier{}
		f := newFixture(t, func(c *Config) { c.Verifier = v })
		d := approvedDelivery("O1")
		d.Headers = headers
		v.On("VerifyWebhookSignature", mock.Anything, headers, json.RawMessage(d.Body)).Return(false, errors.New("timeout")).Once()

		_, err := f.relay.Handle(context.Background(), d)
		assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	})

	t.Run("valid signature", func(t *testing.T) {
		v := &mockVerifier{}
		f := newFixture(t, func(c *Config) { c.Verifier = v })
		d := approvedDelivery("O1")
		d.Headers = headers
		v.On("VerifyWebhookSignature", mock.Anything, headers, json.RawMessage(d.Body)).Return(true, nil).Once()
		f.orders.On("GetOrder", mock.Anything, "O1").Return(orderWith("O1", validCustomID, "C1"), nil).Once()
		f.store.On("ConfirmPayment", mock.Anything, "R1", "C1").Return(int64(1), nil).Once()

		_, err := f.relay.Handle(context.Background(), d)
		assert.NoError(t, err)
	})
}

func TestCapture(t *testing.T) {
	f := newFixture(t, nil)
	f.orders.On("CaptureOrder", mock.Anything, "O1").Return(json.RawMessage(`{"id":"O1","status":"COMPLETED"}`), nil).Once()

	raw, err := f.relay.Capture(context.Background(), "O1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"O1","status":"COMPLETED"}`, string(raw))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CaptureRequests.WithLabelValues("captured")))
}

func TestCaptureErrors(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.relay.Capture(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, http.StatusBadRequest, StatusCode(err))

	f.orders.On("CaptureOrder", mock.Anything, "O2").Return(nil, errors.New("dial tcp: timeout")).Once()
	_, err = f.relay.Capture(context.Background(), "O2")
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Equal(t, "Internal server error", PublicMessage(err))
}

func TestOutcomeLabels(t *testing.T) {
	assert.Equal(t, "confirmed", Outcome(nil))
	assert.Equal(t, "error", Outcome(errors.New("unexpected")))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(errors.New("unexpected")))
	assert.Equal(t, "incomplete_metadata", Outcome(ErrIncompleteMetadata))
}
