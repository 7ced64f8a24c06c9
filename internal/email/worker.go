package email

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/events"
)

// RecipientLookup resolves a user id to an e-mail address. An empty result
// means the user has no address on file.
type RecipientLookup interface {
	LookupEmail(ctx context.Context, userID string) (string, error)
}

// Worker turns reservation events into guest e-mails.
type Worker struct {
	Sender        Sender
	Recipients    RecipientLookup
	DemoRecipient string
	Logger        *zap.Logger
}

// HandleEnvelope processes one event. Event types other than
// ReservationConfirmed are ignored.
func (w *Worker) HandleEnvelope(ctx context.Context, evt events.Envelope) error {
	switch evt.EventType {
	case events.ReservationConfirmed:
		return w.handleReservationConfirmed(ctx, evt)
	default:
		return nil
	}
}

func (w *Worker) handleReservationConfirmed(ctx context.Context, evt events.Envelope) error {
	var data events.ReservationConfirmedData
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		return fmt.Errorf("decode %s data: %w", evt.EventType, err)
	}

	to := w.recipient(ctx, data.UserID)
	body, err := RenderReservationConfirmedEmail(data)
	if err != nil {
		return fmt.Errorf("render reservation email: %w", err)
	}
	if err := w.Sender.Send(to, "Your reservation is confirmed", body); err != nil {
		return fmt.Errorf("send reservation email to %s: %w", to, err)
	}
	w.Logger.Info("sent ReservationConfirmed email",
		zap.String("to", to),
		zap.String("reservation_id", data.ReservationID),
		zap.String("event_id", evt.EventID),
	)
	return nil
}

func (w *Worker) recipient(ctx context.Context, userID string) string {
	if w.Recipients == nil || userID == "" {
		return w.DemoRecipient
	}
	addr, err := w.Recipients.LookupEmail(ctx, userID)
	if err != nil {
		w.Logger.Warn("recipient lookup failed, using demo address", zap.String("user_id", userID), zap.Error(err))
		return w.DemoRecipient
	}
	if addr == "" {
		return w.DemoRecipient
	}
	return addr
}
