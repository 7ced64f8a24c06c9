package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnthonyGillesRudolfo/hotel-booking-relay/internal/relay"
)

func newMockLedger(t *testing.T) (*ConfirmationLedger, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewConfirmationLedger(db, time.Minute), mock
}

func TestClaimNewTransaction(t *testing.T) {
	ledger, mock := newMockLedger(t)
	mock.ExpectQuery("INSERT INTO payment_confirmations").
		WithArgs("C1", "R1", float64(60)).
		WillReturnRows(sqlmock.NewRows([]string{"transaction_number"}).AddRow("C1"))

	state, err := ledger.Claim(context.Background(), "C1", "R1")
	require.NoError(t, err)
	assert.Equal(t, relay.ClaimAcquired, state)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNotGranted(t *testing.T) {
	cases := map[string]struct {
		rows *sqlmock.Rows
		want relay.ClaimState
	}{
		"completed":      {sqlmock.NewRows([]string{"completed"}).AddRow(true), relay.ClaimCompleted},
		"held elsewhere": {sqlmock.NewRows([]string{"completed"}).AddRow(false), relay.ClaimInFlight},
		"released":       {sqlmock.NewRows([]string{"completed"}), relay.ClaimInFlight},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			ledger, mock := newMockLedger(t)
			mock.ExpectQuery("INSERT INTO payment_confirmations").
				WithArgs("C1", "R1", float64(60)).
				WillReturnRows(sqlmock.NewRows([]string{"transaction_number"}))
			mock.ExpectQuery("SELECT completed_at IS NOT NULL").
				WithArgs("C1").
				WillReturnRows(tc.rows)

			state, err := ledger.Claim(context.Background(), "C1", "R1")
			require.NoError(t, err)
			assert.Equal(t, tc.want, state)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestClaimReadBackError(t *testing.T) {
	ledger, mock := newMockLedger(t)
	mock.ExpectQuery("INSERT INTO payment_confirmations").
		WillReturnRows(sqlmock.NewRows([]string{"transaction_number"}))
	mock.ExpectQuery("SELECT completed_at IS NOT NULL").
		WillReturnError(errors.New("connection reset"))

	_, err := ledger.Claim(context.Background(), "C1", "R1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "C1")
}

func TestClaimDatabaseError(t *testing.T) {
	ledger, mock := newMockLedger(t)
	mock.ExpectQuery("INSERT INTO payment_confirmations").
		WillReturnError(errors.New("connection reset"))

	_, err := ledger.Claim(context.Background(), "C1", "R1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "C1")
}

func TestCompleteAndRelease(t *testing.T) {
	ledger, mock := newMockLedger(t)
	mock.ExpectExec("UPDATE payment_confirmations").
		WithArgs("C1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM payment_confirmations").
		WithArgs("C2").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, ledger.Complete(context.Background(), "C1"))
	require.NoError(t, ledger.Release(context.Background(), "C2"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerWithoutDatabase(t *testing.T) {
	ledger := NewConfirmationLedger(nil, 0)
	assert.Equal(t, 5*time.Minute, ledger.Lease)
	_, err := ledger.Claim(context.Background(), "C1", "R1")
	assert.Error(t, err)
}
