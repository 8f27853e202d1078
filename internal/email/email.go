package email

import (
	"context"
	"log/slog"

	"github.com/Domenick1991/paysession/internal/kafka"
)

// Sender delivers payment notifications. Delivery is delegated to the email
// collaborator; this implementation records the notification it would send.
type Sender struct {
	logger *slog.Logger
}

func NewSender(logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{logger: logger}
}

// Send notifies the buyer about a finalized payment. Non-terminal events are ignored.
func (s *Sender) Send(ctx context.Context, event kafka.PaymentEvent) error {
	if !event.IsTerminal() || event.UserEmail == "" {
		return nil
	}
	s.logger.InfoContext(ctx, "payment notification",
		"to", event.UserEmail,
		"event", event.Type,
		"session_id", event.SessionID,
		"transaction_id", event.TransactionID,
		"amount", event.Amount,
	)
	return nil
}
