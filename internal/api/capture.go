package api

import (
	"context"
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/logging"
	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/relay"
)

// Capturer finalises an approved PayPal order.
type Capturer interface {
	Capture(ctx context.Context, orderID string) (json.RawMessage, error)
}

type captureRequest struct {
	OrderID string `json:"orderID"`
}

// RegisterCaptureRoutes mounts the checkout page's capture call.
func RegisterCaptureRoutes(mux *http.ServeMux, c Capturer, logger *zap.Logger) {
	mux.Handle("/api/paypal/order/capture", otelhttp.NewHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req captureRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, relay.PublicMessage(relay.ErrInvalidRequest))
			return
		}

		raw, err := c.Capture(r.Context(), req.OrderID)
		if err != nil {
			logging.WithTrace(r.Context(), logger).Warn("capture failed", zap.String("paypal_order_id", req.OrderID), zap.Error(err))
			writeError(w, relay.StatusCode(err), relay.PublicMessage(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(raw)
	}), "paypal-capture"))
}
