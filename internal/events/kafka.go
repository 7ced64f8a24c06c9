package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct{ w messageWriter }

func NewProducerWithBrokers(brokers []string) *Producer {
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	return &Producer{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{}, // partition by Kafka message key
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
			BatchTimeout:           50 * time.Millisecond,
		},
	}
}

func (p *Producer) Close() error { return p.w.Close() }

// Envelope is the event schema published on the reservations topic.
type Envelope struct {
	EventID      string          `json:"eventId"`
	EventType    string          `json:"eventType"`
	EventVersion string          `json:"eventVersion"`
	OccurredAt   time.Time       `json:"occurredAt"`
	AggregateID  string          `json:"aggregateId"` // reservation id
	Data         json.RawMessage `json:"data"`
}

// NewEnvelope wraps data in an envelope with a fresh event id.
func NewEnvelope(eventType, aggregateID string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s data: %w", eventType, err)
	}
	return Envelope{
		EventID:      uuid.NewString(),
		EventType:    eventType,
		EventVersion: "v1",
		AggregateID:  aggregateID,
		Data:         raw,
	}, nil
}

// Publish writes a single message to Kafka.
// 'key' is the partition key; reservation id keeps per-reservation ordering.
func (p *Producer) Publish(ctx context.Context, topic, key string, evt Envelope) error {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	val, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return p.w.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: val,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(evt.EventType)},
		},
	})
}

// Decode parses a message value into an envelope.
func Decode(value []byte) (Envelope, error) {
	var evt Envelope
	if err := json.Unmarshal(value, &evt); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return evt, nil
}
