package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/reservation"
)

// ReservationStore updates reservation rows directly, for deployments that
// reach the booking database without going through Supabase.
type ReservationStore struct {
	DB *sql.DB
}

func NewReservationStore(db *sql.DB) *ReservationStore {
	return &ReservationStore{DB: db}
}

func (s *ReservationStore) ConfirmPayment(ctx context.Context, reservationID, transactionNumber string) (int64, error) {
	if s.DB == nil {
		return 0, fmt.Errorf("database not initialized")
	}
	c := reservation.NewConfirmation(transactionNumber)
	query := `
        UPDATE reservations
        SET payment_status = $1, status = $2, transaction_number = $3
        WHERE id::text = $4
    `
	res, err := s.DB.ExecContext(ctx, query, c.PaymentStatus, c.Status, c.TransactionNumber, reservationID)
	if err != nil {
		return 0, fmt.Errorf("failed to update reservation %s: %w", reservationID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return rows, nil
}
