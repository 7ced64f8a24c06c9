package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/relay"
)

// ConfirmationLedger records which PayPal transactions have been applied to a
// reservation. A row is claimed before the reservation update and completed
// after it, so a redelivered webhook for the same capture is recognised.
type ConfirmationLedger struct {
	DB    *sql.DB
	Lease time.Duration
}

func NewConfirmationLedger(db *sql.DB, lease time.Duration) *ConfirmationLedger {
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	return &ConfirmationLedger{DB: db, Lease: lease}
}

// Claim reserves transactionNumber for processing. Stale claims left by a
// crashed worker are taken over. When the claim is not granted, the row is
// read back to tell an applied transaction from one still in progress.
func (l *ConfirmationLedger) Claim(ctx context.Context, transactionNumber, reservationID string) (relay.ClaimState, error) {
	if l.DB == nil {
		return relay.ClaimInFlight, fmt.Errorf("database not initialized")
	}
	query := `
        INSERT INTO payment_confirmations (transaction_number, reservation_id, claimed_at)
        VALUES ($1, $2, CURRENT_TIMESTAMP)
        ON CONFLICT (transaction_number) DO UPDATE SET
            reservation_id = EXCLUDED.reservation_id,
            claimed_at = CURRENT_TIMESTAMP
        WHERE payment_confirmations.completed_at IS NULL
          AND payment_confirmations.claimed_at < CURRENT_TIMESTAMP - make_interval(secs => $3)
        RETURNING transaction_number
    `
	var claimed string
	err := l.DB.QueryRowContext(ctx, query, transactionNumber, reservationID, l.Lease.Seconds()).Scan(&claimed)
	if err == nil {
		return relay.ClaimAcquired, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return relay.ClaimInFlight, fmt.Errorf("failed to claim transaction %s: %w", transactionNumber, err)
	}

	var completed bool
	err = l.DB.QueryRowContext(ctx, `
        SELECT completed_at IS NOT NULL
        FROM payment_confirmations
        WHERE transaction_number = $1
    `, transactionNumber).Scan(&completed)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Released between the two statements; the next delivery can claim it.
		return relay.ClaimInFlight, nil
	case err != nil:
		return relay.ClaimInFlight, fmt.Errorf("failed to read claim for transaction %s: %w", transactionNumber, err)
	case completed:
		return relay.ClaimCompleted, nil
	default:
		return relay.ClaimInFlight, nil
	}
}

// Complete marks a claimed transaction as applied.
func (l *ConfirmationLedger) Complete(ctx context.Context, transactionNumber string) error {
	if l.DB == nil {
		return fmt.Errorf("database not initialized")
	}
	query := `
        UPDATE payment_confirmations
        SET completed_at = CURRENT_TIMESTAMP
        WHERE transaction_number = $1
    `
	if _, err := l.DB.ExecContext(ctx, query, transactionNumber); err != nil {
		return fmt.Errorf("failed to complete transaction %s: %w", transactionNumber, err)
	}
	return nil
}

// Release drops an uncompleted claim so the next delivery can retry.
func (l *ConfirmationLedger) Release(ctx context.Context, transactionNumber string) error {
	if l.DB == nil {
		return fmt.Errorf("database not initialized")
	}
	query := `
        DELETE FROM payment_confirmations
        WHERE transaction_number = $1 AND completed_at IS NULL
    `
	if _, err := l.DB.ExecContext(ctx, query, transactionNumber); err != nil {
		return fmt.Errorf("failed to release transaction %s: %w", transactionNumber, err)
	}
	return nil
}
