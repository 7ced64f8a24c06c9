package confirmation

import (
	"context"
	"errors"
	"net/http"

	restate "github.com/restatedev/sdk-go"
	"go.uber.org/zap"

	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/relay"
)

// ServiceName is the Restate virtual object that serialises confirmations per
// PayPal order.
const ServiceName = "reservation.sv1.PaymentConfirmationService"

// Handler is the part of the relay the object drives.
type Handler interface {
	Handle(ctx context.Context, d relay.Delivery) (*relay.Confirmation, error)
}

// Object is keyed by PayPal order id. Only one delivery per order runs at a
// time and a confirmed result is replayed on later deliveries.
type Object struct {
	relay  Handler
	logger *zap.Logger
}

func NewObject(h Handler, logger *zap.Logger) *Object {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Object{relay: h, logger: logger}
}

// Definition binds the handlers for server.Restate.Bind.
func (o *Object) Definition() restate.ServiceDefinition {
	return restate.NewObject(ServiceName).
		Handler("Confirm", restate.NewObjectHandler(o.Confirm))
}

// Confirm processes one delivery for the keyed order.
func (o *Object) Confirm(ctx restate.ObjectContext, req relay.Delivery) (relay.Confirmation, error) {
	orderID := restate.Key(ctx)
	log := o.logger.With(zap.String("paypal_order_id", orderID))

	prev, err := restate.Get[*relay.Confirmation](ctx, "result")
	if err != nil {
		return relay.Confirmation{}, err
	}
	if prev != nil {
		log.Info("order already confirmed, replaying result", zap.String("reservation_id", prev.ReservationID))
		out := *prev
		out.Duplicate = true
		return out, nil
	}

	res, err := restate.Run(ctx, func(rc restate.RunContext) (relay.Confirmation, error) {
		conf, err := o.relay.Handle(rc, req)
		if err != nil {
			return relay.Confirmation{}, terminal(err)
		}
		return *conf, nil
	})
	if err != nil {
		log.Warn("confirmation failed", zap.Error(err))
		return relay.Confirmation{}, err
	}

	restate.Set(ctx, "result", &res)
	log.Info("confirmation stored", zap.String("reservation_id", res.ReservationID), zap.Bool("duplicate", res.Duplicate))
	return res, nil
}

// terminal stops Restate from retrying a failed delivery; PayPal redelivers on
// its own schedule. The code becomes the ingress response status.
func terminal(err error) error {
	msg := errors.New(relay.PublicMessage(err))
	switch relay.StatusCode(err) {
	case http.StatusBadRequest:
		return restate.TerminalError(msg, 400)
	case http.StatusUnauthorized:
		return restate.TerminalError(msg, 401)
	case http.StatusConflict:
		return restate.TerminalError(msg, 409)
	default:
		return restate.TerminalError(msg, 500)
	}
}
