package reservation

import (
	"context"
	"errors"
	"fmt"
)

// Values written to a reservation once its payment is confirmed.
const (
	PaymentStatusCompleted = "completed"
	StatusConfirmed        = "confirmada"
)

// ErrReservationNotFound marks an update that matched no reservation row.
var ErrReservationNotFound = errors.New("reservation not found")

// Store marks reservations as paid. Rows are created and expired by the
// booking front end; a Store only updates them.
type Store interface {
	// ConfirmPayment sets payment_status, status and transaction_number on the
	// reservation with the given id and reports how many rows matched.
	ConfirmPayment(ctx context.Context, reservationID, transactionNumber string) (int64, error)
}

// Confirmation is the field-level update applied to a reservation row.
type Confirmation struct {
	PaymentStatus     string `json:"payment_status"`
	Status            string `json:"status"`
	TransactionNumber string `json:"transaction_number"`
}

// NewConfirmation builds the update for a confirmed payment.
func NewConfirmation(transactionNumber string) Confirmation {
	return Confirmation{
		PaymentStatus:     PaymentStatusCompleted,
		Status:            StatusConfirmed,
		TransactionNumber: transactionNumber,
	}
}

// StoreError is returned when the store rejects an update.
type StoreError struct {
	StatusCode int
	Body       string
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("reservation store: status %d: %s", e.StatusCode, e.Body)
}
