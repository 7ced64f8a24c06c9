package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/confirmation"
	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/logging"
	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/paypal"
	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/relay"
)

const maxBodyBytes = 1 << 20

// WebhookHandler processes a delivery inline.
type WebhookHandler interface {
	Handle(ctx context.Context, d relay.Delivery) (*relay.Confirmation, error)
}

// DurableConfirmer hands a delivery to the Restate confirmation object.
type DurableConfirmer interface {
	Confirm(ctx context.Context, orderID string, d relay.Delivery) (*relay.Confirmation, error)
}

// RegisterWebhookRoutes mounts the PayPal webhook. When durable is non-nil,
// well-formed deliveries are routed through Restate keyed by order id.
func RegisterWebhookRoutes(mux *http.ServeMux, h WebhookHandler, durable DurableConfirmer, logger *zap.Logger) {
	mux.Handle("/webhook/paypal", otelhttp.NewHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		processPayPalWebhook(h, durable, logger, w, r)
	}), "paypal-webhook"))
}

func processPayPalWebhook(h WebhookHandler, durable DurableConfirmer, logger *zap.Logger, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	d := relay.Delivery{Headers: paypal.HeadersFromRequest(r.Header), Body: body}

	var conf *relay.Confirmation
	if orderID := relay.OrderID(body); durable != nil && orderID != "" {
		conf, err = durable.Confirm(r.Context(), orderID, d)
	} else {
		conf, err = h.Handle(r.Context(), d)
	}
	if err != nil {
		status, msg := errorResponse(err)
		logging.WithTrace(r.Context(), logger).Info("webhook rejected",
			zap.Int("status", status),
			zap.String("outcome", relay.Outcome(err)),
		)
		writeError(w, status, msg)
		return
	}

	msg := "Reservation confirmed successfully"
	if conf.Duplicate {
		msg = "Reservation already confirmed"
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": msg})
}

func errorResponse(err error) (int, string) {
	var ingErr *confirmation.IngressError
	if errors.As(err, &ingErr) {
		return ingErr.StatusCode, ingErr.Message
	}
	return relay.StatusCode(err), relay.PublicMessage(err)
}
