package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	kafka "github.com/segmentio/kafka-go"
)

const (
	TypeSettled  = "payment.settled"
	TypeReversed = "payment.reversed"
)

// SettlementEvent notifies downstream consumers (commission and penalty
// computation) that a payment was settled or reversed. The payments table is
// the source of truth; consumers can backfill from it if an event is missed.
type SettlementEvent struct {
	Type          string     `json:"type"`
	TransactionID uuid.UUID  `json:"transaction_id"`
	PaymentID     uuid.UUID  `json:"payment_id"`
	LeaseID       *uuid.UUID `json:"lease_id,omitempty"`
	InvoiceID     *uuid.UUID `json:"invoice_id,omitempty"`
	AgencyID      uuid.UUID  `json:"agency_id"`
	Amount        int64      `json:"amount"`
	Currency      string     `json:"currency"`
	OccurredAt    time.Time  `json:"occurred_at"`
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Publisher struct {
	w writer
}

func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

func NewPublisherWithWriter(w writer) *Publisher {
	return &Publisher{w: w}
}

// Publish emits the event keyed by transaction id so per-transaction ordering
// is preserved within a partition.
func (p *Publisher) Publish(ctx context.Context, event SettlementEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("Publish: marshal: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.TransactionID.String()),
		Value: value,
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("Publish: write: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.w.Close()
}
