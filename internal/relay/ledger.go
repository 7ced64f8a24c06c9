package relay

import "context"

// ClaimState is the result of claiming a transaction in the Ledger.
type ClaimState int

const (
	// ClaimAcquired means this delivery owns the transaction and must apply it.
	ClaimAcquired ClaimState = iota
	// ClaimCompleted means the transaction was already applied.
	ClaimCompleted
	// ClaimInFlight means another delivery holds an unexpired claim that has
	// not completed yet.
	ClaimInFlight
)

func (s ClaimState) String() string {
	switch s {
	case ClaimAcquired:
		return "acquired"
	case ClaimCompleted:
		return "completed"
	case ClaimInFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

// Ledger guards against applying the same PayPal transaction twice.
type Ledger interface {
	Claim(ctx context.Context, transactionNumber, reservationID string) (ClaimState, error)
	Complete(ctx context.Context, transactionNumber string) error
	Release(ctx context.Context, transactionNumber string) error
}

// NoopLedger always grants the claim. Used when no database is configured.
type NoopLedger struct{}

func (NoopLedger) Claim(context.Context, string, string) (ClaimState, error) {
	return ClaimAcquired, nil
}

func (NoopLedger) Complete(context.Context, string) error { return nil }
func (NoopLedger) Release(context.Context, string) error  { return nil }
