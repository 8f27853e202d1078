package kafka

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaymentEvent_IsTerminal(t *testing.T) {
	assert.True(t, PaymentEvent{Type: EventPaymentCompleted}.IsTerminal())
	assert.True(t, PaymentEvent{Type: EventPaymentFailed}.IsTerminal())
	assert.False(t, PaymentEvent{Type: EventCheckoutPrepared}.IsTerminal())
}

func TestPaymentEventHandler(t *testing.T) {
	event := PaymentEvent{
		Type:          EventPaymentCompleted,
		SessionID:     "s1",
		TransactionID: "t1",
		OccurredAt:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	data, err := json.Marshal(event)
	require.NoError(t, err)

	var got PaymentEvent
	handler := PaymentEventHandler(func(ctx context.Context, e PaymentEvent) error {
		got = e
		return nil
	})

	require.NoError(t, handler(context.Background(), kafka.Message{Value: data}))
	assert.Equal(t, event, got)
}

func TestPaymentEventHandler_SkipsBadPayload(t *testing.T) {
	called := false
	handler := PaymentEventHandler(func(ctx context.Context, e PaymentEvent) error {
		called = true
		return nil
	})

	assert.NoError(t, handler(context.Background(), kafka.Message{Value: []byte("{")}))
	assert.False(t, called)
}

func TestNewProducerAndConsumer(t *testing.T) {
	p := NewProducer([]string{"localhost:9092"})
	require.NotNil(t, p)
	assert.NoError(t, p.Close())

	var nilConsumer *Consumer
	assert.NoError(t, nilConsumer.Close())
}

func TestProducer_PublishWithRetry_StopsOnCanceledContext(t *testing.T) {
	p := NewProducer([]string{"127.0.0.1:1"})
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.PublishWithRetry(ctx, "payments", "S", PaymentEvent{Type: EventPaymentCompleted}, 3)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProducer_CheckConnection_NoBrokers(t *testing.T) {
	p := NewProducer(nil)
	defer p.Close()

	assert.Error(t, p.CheckConnection(context.Background()))
}
