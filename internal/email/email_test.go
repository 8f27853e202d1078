package email

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/Domenick1991/paysession/internal/kafka"
	"github.com/stretchr/testify/assert"
)

func TestSender_Send(t *testing.T) {
	var buf bytes.Buffer
	sender := NewSender(slog.New(slog.NewJSONHandler(&buf, nil)))

	err := sender.Send(context.Background(), kafka.PaymentEvent{
		Type:          kafka.EventPaymentCompleted,
		SessionID:     "s1",
		UserEmail:     "a@b.com",
		TransactionID: "t1",
	})
	assert.NoError(t, err)
	assert.Contains(t, buf.String(), `"to":"a@b.com"`)
	assert.Contains(t, buf.String(), `"transaction_id":"t1"`)
}

func TestSender_SkipsNonTerminal(t *testing.T) {
	var buf bytes.Buffer
	sender := NewSender(slog.New(slog.NewJSONHandler(&buf, nil)))

	assert.NoError(t, sender.Send(context.Background(), kafka.PaymentEvent{Type: kafka.EventCheckoutPrepared, UserEmail: "a@b.com"}))
	assert.Empty(t, buf.String())
}
