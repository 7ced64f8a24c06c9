package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (r *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	r.msgs = append(r.msgs, msgs...)
	return nil
}

func (r *recordingWriter) Close() error {
	r.closed = true
	return nil
}

func TestPublishReservationConfirmed(t *testing.T) {
	w := &recordingWriter{}
	p := &Producer{w: w}

	evt, err := NewEnvelope(ReservationConfirmed, "R1", ReservationConfirmedData{
		ReservationID:     "R1",
		UserID:            "U1",
		TransactionNumber: "C1",
		PayPalOrderID:     "O1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, evt.EventID)

	require.NoError(t, p.Publish(context.Background(), "reservations.v1", "R1", evt))
	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "reservations.v1", msg.Topic)
	assert.Equal(t, "R1", string(msg.Key))

	got, err := Decode(msg.Value)
	require.NoError(t, err)
	assert.Equal(t, ReservationConfirmed, got.EventType)
	assert.Equal(t, "v1", got.EventVersion)
	assert.False(t, got.OccurredAt.IsZero())

	var data ReservationConfirmedData
	require.NoError(t, json.Unmarshal(got.Data, &data))
	assert.Equal(t, "C1", data.TransactionNumber)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("not-json"))
	assert.Error(t, err)
}
