package relay

import (
	"errors"
	"net/http"
)

// Terminal outcomes of a relay invocation. Every error returned by Handle or
// Capture wraps exactly one of these.
var (
	ErrInvalidWebhook        = errors.New("invalid webhook or unsupported event")
	ErrUnauthenticated       = errors.New("webhook signature could not be verified")
	ErrMissingMetadata       = errors.New("custom_id missing from order")
	ErrInvalidMetadataFormat = errors.New("custom_id is not valid reservation data")
	ErrIncompleteMetadata    = errors.New("reservation data incomplete")
	ErrUpstreamUnavailable   = errors.New("payment provider unavailable")
	ErrPersistenceFailure    = errors.New("reservation update failed")
	ErrInvalidRequest        = errors.New("orderID is required")

	// ErrConfirmationInFlight means another delivery is still applying the
	// same transaction. The non-2xx answer makes PayPal redeliver later.
	ErrConfirmationInFlight = errors.New("confirmation already in progress")
)

type classification struct {
	err     error
	status  int
	outcome string
	message string
}

var classifications = []classification{
	{ErrInvalidWebhook, http.StatusBadRequest, "invalid_webhook", "Invalid webhook or unsupported event"},
	{ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated", "Webhook signature verification failed"},
	{ErrMissingMetadata, http.StatusBadRequest, "missing_metadata", "Missing custom data"},
	{ErrInvalidMetadataFormat, http.StatusBadRequest, "invalid_metadata_format", "Invalid data format"},
	{ErrIncompleteMetadata, http.StatusBadRequest, "incomplete_metadata", "Invalid reservation data"},
	{ErrInvalidRequest, http.StatusBadRequest, "invalid_request", "orderID is required"},
	{ErrUpstreamUnavailable, http.StatusInternalServerError, "upstream_unavailable", "Internal server error"},
	{ErrPersistenceFailure, http.StatusInternalServerError, "persistence_failure", "Error updating reservation"},
	{ErrConfirmationInFlight, http.StatusConflict, "in_flight", "Reservation confirmation in progress"},
}

func classify(err error) classification {
	for _, c := range classifications {
		if errors.Is(err, c.err) {
			return c
		}
	}
	return classification{err: err, status: http.StatusInternalServerError, outcome: "error", message: "Internal server error"}
}

// StatusCode maps a relay error to the HTTP status returned to the caller.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return classify(err).status
}

// PublicMessage is the short message safe to show to the caller. Upstream
// and store details stay in the logs.
func PublicMessage(err error) string {
	return classify(err).message
}

// Outcome labels err for metrics and logs.
func Outcome(err error) string {
	if err == nil {
		return "confirmed"
	}
	return classify(err).outcome
}
