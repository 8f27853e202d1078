package domain

import (
	"encoding/json"
	"strconv"
	"time"
)

type SessionStatus string

const (
	SessionStatusPending          SessionStatus = "pending"
	SessionStatusCheckoutPrepared SessionStatus = "checkout_prepared"
	SessionStatusCompleted        SessionStatus = "completed"
	SessionStatusFailed           SessionStatus = "failed"
)

// ProviderStatusApproved is the only provider status that completes a payment.
const ProviderStatusApproved = "approved"

// DefaultPendingTTL bounds how long a session may stay pending.
const DefaultPendingTTL = time.Hour

func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed
}

func (s SessionStatus) rank() int {
	switch s {
	case SessionStatusPending:
		return 0
	case SessionStatusCheckoutPrepared:
		return 1
	case SessionStatusCompleted, SessionStatusFailed:
		return 2
	default:
		return -1
	}
}

type PaymentConfirmation struct {
	TransactionID string    `json:"transactionId"`
	Status        string    `json:"status"`
	Amount        string    `json:"amount"`
	OrderID       string    `json:"orderId"`
	Timestamp     time.Time `json:"timestamp"`
}

type Session struct {
	ID                  string               `json:"sessionId"`
	UserID              string               `json:"userId"`
	UserEmail           string               `json:"userEmail"`
	UserName            string               `json:"userName"`
	UserPhone           string               `json:"userPhone,omitempty"`
	Status              SessionStatus        `json:"status"`
	OrderData           json.RawMessage      `json:"orderData,omitempty"`
	ReturnURL           string               `json:"returnUrl,omitempty"`
	CancelURL           string               `json:"cancelUrl,omitempty"`
	PaymentConfirmation *PaymentConfirmation `json:"paymentConfirmation,omitempty"`
	CreatedAt           time.Time            `json:"createdAt"`
	UpdatedAt           time.Time            `json:"updatedAt"`
	CompletedAt         *time.Time           `json:"completedAt,omitempty"`
	// ExpiresAt is the pending deadline. Zero means the session never expires.
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
}

// IsExpired reports whether the session is still pending past its deadline.
// Sessions that left pending never expire.
func (s *Session) IsExpired(now time.Time) bool {
	if s.Status != SessionStatusPending || s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(s.ExpiresAt)
}

// CanTransition reports whether moving to next keeps the status sequence forward-only.
// Re-entering checkout_prepared is allowed; terminal statuses are final.
func (s *Session) CanTransition(next SessionStatus) bool {
	if s.Status.IsTerminal() || next.rank() < 0 {
		return false
	}
	if next == SessionStatusCheckoutPrepared {
		return s.Status.rank() <= next.rank()
	}
	return s.Status.rank() < next.rank()
}

// OrderID returns orderData.orderId (or order_id / id) when orderData is a JSON object.
func (s *Session) OrderID() string {
	if len(s.OrderData) == 0 {
		return ""
	}
	var fields map[string]any
	if err := json.Unmarshal(s.OrderData, &fields); err != nil {
		return ""
	}
	for _, key := range []string{"orderId", "order_id", "id"} {
		switch v := fields[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

// Clone returns a deep copy so stores never hand out shared state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.OrderData != nil {
		c.OrderData = append(json.RawMessage(nil), s.OrderData...)
	}
	if s.PaymentConfirmation != nil {
		pc := *s.PaymentConfirmation
		c.PaymentConfirmation = &pc
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
