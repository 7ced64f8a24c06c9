package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/events"
	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/logging"
	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/metrics"
	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/paypal"
	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/reservation"
)

// OrderProvider is the part of the PayPal API the relay depends on.
type OrderProvider interface {
	GetOrder(ctx context.Context, orderID string) (*paypal.Order, error)
	CaptureOrder(ctx context.Context, orderID string) (json.RawMessage, error)
}

// SignatureVerifier checks a delivery against PayPal's webhook signature API.
type SignatureVerifier interface {
	VerifyWebhookSignature(ctx context.Context, headers paypal.TransmissionHeaders, event json.RawMessage) (bool, error)
}

// EventPublisher receives ReservationConfirmed events.
type EventPublisher interface {
	Publish(ctx context.Context, topic, key string, evt events.Envelope) error
}

// Delivery is one inbound webhook call: the raw body as received plus the
// signature headers PayPal sent with it. Body is base64 on the wire so it
// reaches signature verification byte for byte after a JSON round trip.
type Delivery struct {
	Headers paypal.TransmissionHeaders `json:"headers"`
	Body    []byte                     `json:"body"`
}

// Confirmation is the result of a successful Handle.
type Confirmation struct {
	ReservationID     string `json:"reservation_id"`
	TransactionNumber string `json:"transaction_number"`
	OrderID           string `json:"order_id"`
	// Duplicate is set when the transaction had already been applied and
	// the store was not touched again.
	Duplicate bool `json:"duplicate,omitempty"`
}

type Config struct {
	Orders OrderProvider
	// Verifier is optional; nil accepts deliveries without signature checks.
	Verifier SignatureVerifier
	// Ledger is optional; nil disables redelivery detection.
	Ledger Ledger
	Store  reservation.Store
	// Publisher is optional; nil disables events.
	Publisher    EventPublisher
	EventsTopic  string
	RequireMatch bool
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
}

// Relay confirms reservations from PayPal checkout notifications.
type Relay struct {
	orders       OrderProvider
	verifier     SignatureVerifier
	ledger       Ledger
	store        reservation.Store
	publisher    EventPublisher
	topic        string
	requireMatch bool
	metrics      *metrics.Metrics
	logger       *zap.Logger
	tracer       trace.Tracer
}

func New(cfg Config) *Relay {
	r := &Relay{
		orders:       cfg.Orders,
		verifier:     cfg.Verifier,
		ledger:       cfg.Ledger,
		store:        cfg.Store,
		publisher:    cfg.Publisher,
		topic:        cfg.EventsTopic,
		requireMatch: cfg.RequireMatch,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		tracer:       otel.Tracer("hotel-booking-relay/relay"),
	}
	if r.ledger == nil {
		r.ledger = NoopLedger{}
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

// Handle processes one webhook delivery end to end.
func (r *Relay) Handle(ctx context.Context, d Delivery) (*Confirmation, error) {
	ctx, span := r.tracer.Start(ctx, "relay.Handle")
	defer span.End()

	conf, err := r.handle(ctx, d)
	outcome := Outcome(err)
	if err == nil && conf.Duplicate {
		outcome = "duplicate"
	}
	span.SetAttributes(attribute.String("relay.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	if r.metrics != nil {
		r.metrics.WebhookOutcomes.WithLabelValues(outcome).Inc()
	}
	return conf, err
}

func (r *Relay) handle(ctx context.Context, d Delivery) (*Confirmation, error) {
	log := logging.WithTrace(ctx, r.logger)

	var evt paypal.WebhookEvent
	if err := json.Unmarshal(d.Body, &evt); err != nil {
		log.Warn("webhook body is not JSON", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	if evt.EventType != paypal.EventCheckoutOrderApproved || evt.Resource == nil || evt.Resource.ID == "" {
		log.Warn("unsupported webhook event", zap.String("event_type", evt.EventType), zap.String("event_id", evt.ID))
		return nil, fmt.Errorf("%w: event_type %q", ErrInvalidWebhook, evt.EventType)
	}
	orderID := evt.Resource.ID
	log = log.With(zap.String("event_id", evt.ID), zap.String("paypal_order_id", orderID))
	log.Info("webhook received", zap.ByteString("body", d.Body))

	if err := r.verify(ctx, d); err != nil {
		log.Warn("webhook rejected", zap.Error(err))
		return nil, err
	}

	order, err := r.fetchOrder(ctx, orderID)
	if err != nil {
		log.Error("order fetch failed", zap.Error(err))
		return nil, err
	}

	if len(order.PurchaseUnits) == 0 || order.PurchaseUnits[0].CustomID == "" {
		log.Warn("custom_id not found on order")
		return nil, ErrMissingMetadata
	}
	unit := order.PurchaseUnits[0]

	md, err := reservation.ParseMetadata(unit.CustomID)
	switch {
	case errors.Is(err, reservation.ErrMetadataFormat):
		log.Warn("custom_id could not be parsed", zap.String("custom_id", unit.CustomID))
		return nil, fmt.Errorf("%w: %w", ErrInvalidMetadataFormat, err)
	case err != nil:
		log.Warn("reservation data incomplete", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrIncompleteMetadata, err)
	}

	txn := TransactionNumber(orderID, unit)
	log = log.With(zap.String("reservation_id", md.ReservationID), zap.String("transaction_number", txn))

	state, err := r.ledger.Claim(ctx, txn, md.ReservationID)
	if err != nil {
		log.Error("idempotency claim failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}
	switch state {
	case ClaimCompleted:
		log.Info("transaction already applied, skipping update")
		if r.metrics != nil {
			r.metrics.DuplicateConfirmations.Inc()
		}
		return &Confirmation{ReservationID: md.ReservationID, TransactionNumber: txn, OrderID: orderID, Duplicate: true}, nil
	case ClaimInFlight:
		log.Info("transaction is being applied by another delivery")
		return nil, fmt.Errorf("%w: transaction %s", ErrConfirmationInFlight, txn)
	}

	if err := r.persist(ctx, log, md.ReservationID, txn); err != nil {
		if relErr := r.ledger.Release(ctx, txn); relErr != nil {
			log.Warn("failed to release idempotency claim", zap.Error(relErr))
		}
		return nil, err
	}
	if err := r.ledger.Complete(ctx, txn); err != nil {
		log.Warn("failed to complete idempotency claim", zap.Error(err))
	}

	r.publish(ctx, log, md, txn, orderID)
	log.Info("reservation confirmed")
	return &Confirmation{ReservationID: md.ReservationID, TransactionNumber: txn, OrderID: orderID}, nil
}

// TransactionNumber is the first capture id of the unit, or the order id when
// nothing has been captured yet.
func TransactionNumber(orderID string, unit paypal.PurchaseUnit) string {
	if id := unit.FirstCaptureID(); id != "" {
		return id
	}
	return orderID
}

func (r *Relay) verify(ctx context.Context, d Delivery) error {
	if r.verifier == nil {
		return nil
	}
	ctx, span := r.tracer.Start(ctx, "relay.VerifySignature")
	defer span.End()

	if !d.Headers.Complete() {
		return fmt.Errorf("%w: transmission headers missing", ErrUnauthenticated)
	}
	ok, err := r.verifier.VerifyWebhookSignature(ctx, d.Headers, json.RawMessage(d.Body))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: verify signature: %w", ErrUpstreamUnavailable, err)
	}
	if !ok {
		return ErrUnauthenticated
	}
	return nil
}

func (r *Relay) fetchOrder(ctx context.Context, orderID string) (*paypal.Order, error) {
	ctx, span := r.tracer.Start(ctx, "relay.GetOrder", trace.WithAttributes(attribute.String("paypal.order_id", orderID)))
	defer span.End()

	order, err := r.orders.GetOrder(ctx, orderID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	return order, nil
}

func (r *Relay) persist(ctx context.Context, log *zap.Logger, reservationID, txn string) error {
	ctx, span := r.tracer.Start(ctx, "relay.ConfirmPayment", trace.WithAttributes(attribute.String("reservation.id", reservationID)))
	defer span.End()

	matched, err := r.store.ConfirmPayment(ctx, reservationID, txn)
	if err != nil {
		span.RecordError(err)
		log.Error("reservation update failed", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}
	if matched == 0 {
		if r.metrics != nil {
			r.metrics.UnmatchedReservations.Inc()
		}
		log.Warn("reservation update matched no rows")
		if r.requireMatch {
			return fmt.Errorf("%w: %w: %s", ErrPersistenceFailure, reservation.ErrReservationNotFound, reservationID)
		}
	}
	return nil
}

func (r *Relay) publish(ctx context.Context, log *zap.Logger, md reservation.Metadata, txn, orderID string) {
	if r.publisher == nil {
		return
	}
	evt, err := events.NewEnvelope(events.ReservationConfirmed, md.ReservationID, events.ReservationConfirmedData{
		ReservationID:     md.ReservationID,
		UserID:            md.UserID,
		RoomID:            md.RoomID,
		CheckIn:           md.CheckIn,
		CheckOut:          md.CheckOut,
		TransactionNumber: txn,
		PayPalOrderID:     orderID,
	})
	if err == nil {
		pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		err = r.publisher.Publish(pubCtx, r.topic, md.ReservationID, evt)
	}
	if err != nil {
		log.Warn("failed to publish ReservationConfirmed", zap.Error(err))
	}
}

// Capture finalises an approved order and returns PayPal's response verbatim.
func (r *Relay) Capture(ctx context.Context, orderID string) (json.RawMessage, error) {
	ctx, span := r.tracer.Start(ctx, "relay.Capture")
	defer span.End()

	raw, err := r.capture(ctx, strings.TrimSpace(orderID))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Outcome(err))
	}
	if r.metrics != nil {
		outcome := "captured"
		if err != nil {
			outcome = Outcome(err)
		}
		r.metrics.CaptureRequests.WithLabelValues(outcome).Inc()
	}
	return raw, err
}

func (r *Relay) capture(ctx context.Context, orderID string) (json.RawMessage, error) {
	if orderID == "" {
		return nil, ErrInvalidRequest
	}
	log := logging.WithTrace(ctx, r.logger).With(zap.String("paypal_order_id", orderID))
	raw, err := r.orders.CaptureOrder(ctx, orderID)
	if err != nil {
		log.Error("order capture failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	log.Info("order captured")
	return raw, nil
}

// OrderID returns the order id of an approved-checkout notification body, or
// "" when the body would be rejected by Handle.
func OrderID(body []byte) string {
	var evt paypal.WebhookEvent
	if json.Unmarshal(body, &evt) != nil || evt.EventType != paypal.EventCheckoutOrderApproved || evt.Resource == nil {
		return ""
	}
	return evt.Resource.ID
}
