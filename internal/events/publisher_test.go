package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestPublish(t *testing.T) {
	fw := &fakeWriter{}
	p := NewPublisherWithWriter(fw)

	event := SettlementEvent{
		Type:          TypeSettled,
		TransactionID: uuid.New(),
		PaymentID:     uuid.New(),
		AgencyID:      uuid.New(),
		Amount:        50000,
		Currency:      "KES",
		OccurredAt:    time.Now().UTC(),
	}

	require.NoError(t, p.Publish(context.Background(), event))
	require.Len(t, fw.messages, 1)

	msg := fw.messages[0]
	assert.Equal(t, event.TransactionID.String(), string(msg.Key))

	var decoded SettlementEvent
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, event.Type, decoded.Type)
	assert.Equal(t, event.PaymentID, decoded.PaymentID)
	assert.Equal(t, event.Amount, decoded.Amount)
}

func TestPublish_WriteError(t *testing.T) {
	fw := &fakeWriter{err: errors.New("broker unavailable")}
	p := NewPublisherWithWriter(fw)

	err := p.Publish(context.Background(), SettlementEvent{TransactionID: uuid.New()})
	require.Error(t, err)
}
