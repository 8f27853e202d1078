package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Domenick1991/paysession/internal/domain"
	"github.com/Domenick1991/paysession/internal/kafka"
	"github.com/Domenick1991/paysession/internal/metrics"
	"github.com/Domenick1991/paysession/internal/repository"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	maxIDAttempts       = 3
	notificationRetries = 3
)

var tracer = otel.Tracer("github.com/Domenick1991/paysession/internal/service/payment")

type PaymentUseCase interface {
	EstablishSession(ctx context.Context, input EstablishSessionInput) (*domain.Session, error)
	PrepareCheckout(ctx context.Context, input PrepareCheckoutInput) (*domain.Session, error)
	HandleCallback(ctx context.Context, input CallbackInput) (*CallbackResult, error)
	VerifyPayment(ctx context.Context, sessionID string) (*domain.Session, error)
	ExpirePendingSessions(ctx context.Context) (int64, error)
}

type Producer interface {
	Publish(ctx context.Context, topic, key string, value interface{}) error
	PublishWithRetry(ctx context.Context, topic, key string, value interface{}, maxRetries int) error
}

type EstablishSessionInput struct {
	UserID    string
	UserEmail string
	UserName  string
	UserPhone string
}

type PrepareCheckoutInput struct {
	SessionID string
	OrderData json.RawMessage
	ReturnURL string
	CancelURL string
}

type CallbackInput struct {
	SessionID     string
	TransactionID string
	Status        string
	Amount        string
	OrderID       string
}

// CallbackResult carries the finalized session. Duplicate is set when the
// callback repeated an already applied notification and nothing was written.
type CallbackResult struct {
	Session   *domain.Session
	Duplicate bool
}

// Approved reports whether the provider approved the payment.
func (r *CallbackResult) Approved() bool {
	return r.Session.Status == domain.SessionStatusCompleted
}

type PaymentService struct {
	sessions           repository.SessionRepository
	producer           Producer
	paymentTopic       string
	notificationsTopic string
	pendingTTL         time.Duration
	metrics            *metrics.Metrics
	logger             *slog.Logger
	now                func() time.Time
	newID              func() string
}

type PaymentServiceOption func(*PaymentService)

func WithProducer(producer Producer, paymentTopic string) PaymentServiceOption {
	return func(s *PaymentService) {
		s.producer = producer
		s.paymentTopic = paymentTopic
	}
}

func WithNotificationsTopic(topic string) PaymentServiceOption {
	return func(s *PaymentService) {
		s.notificationsTopic = topic
	}
}

func WithMetrics(m *metrics.Metrics) PaymentServiceOption {
	return func(s *PaymentService) {
		s.metrics = m
	}
}

func WithLogger(l *slog.Logger) PaymentServiceOption {
	return func(s *PaymentService) {
		s.logger = l
	}
}

func WithClock(now func() time.Time) PaymentServiceOption {
	return func(s *PaymentService) {
		s.now = now
	}
}

func WithIDGenerator(newID func() string) PaymentServiceOption {
	return func(s *PaymentService) {
		s.newID = newID
	}
}

func NewPaymentService(sessions repository.SessionRepository, pendingTTL time.Duration, opts ...PaymentServiceOption) *PaymentService {
	if pendingTTL <= 0 {
		pendingTTL = domain.DefaultPendingTTL
	}
	service := &PaymentService{
		sessions:   sessions,
		pendingTTL: pendingTTL,
		logger:     slog.Default(),
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

func (s *PaymentService) EstablishSession(ctx context.Context, input EstablishSessionInput) (*domain.Session, error) {
	ctx, span := tracer.Start(ctx, "PaymentService.EstablishSession")
	defer span.End()

	var missing []string
	for _, f := range []struct{ name, value string }{
		{"userId", input.UserID},
		{"userEmail", input.UserEmail},
		{"userName", input.UserName},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return nil, domain.NewValidationError(missing...)
	}

	now := s.now()
	session := &domain.Session{
		UserID:    input.UserID,
		UserEmail: input.UserEmail,
		UserName:  input.UserName,
		UserPhone: input.UserPhone,
		Status:    domain.SessionStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var err error
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		session.ID = s.newID()
		if err = s.sessions.Create(ctx, session); !errors.Is(err, domain.ErrSessionExists) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	if err := s.sessions.ScheduleExpiry(ctx, session.ID, s.pendingTTL); err != nil {
		return nil, fmt.Errorf("schedule session expiry: %w", err)
	}
	session.ExpiresAt = now.Add(s.pendingTTL)

	span.SetAttributes(attribute.String("session.id", session.ID))
	s.metrics.SessionCreated()
	s.logger.InfoContext(ctx, "payment session established", "session_id", session.ID, "user_id", session.UserID)
	s.publish(ctx, kafka.EventSessionEstablished, session)
	return session, nil
}

// PrepareCheckout is accepted while the session is pending or already
// prepared; a repeat overwrites the order details. Terminal sessions reject it.
func (s *PaymentService) PrepareCheckout(ctx context.Context, input PrepareCheckoutInput) (*domain.Session, error) {
	ctx, span := tracer.Start(ctx, "PaymentService.PrepareCheckout", trace.WithAttributes(attribute.String("session.id", input.SessionID)))
	defer span.End()

	var missing []string
	if input.SessionID == "" {
		missing = append(missing, "sessionId")
	}
	if isEmptyJSON(input.OrderData) {
		missing = append(missing, "orderData")
	}
	if len(missing) > 0 {
		return nil, domain.NewValidationError(missing...)
	}

	now := s.now()
	updated, err := s.sessions.Update(ctx, input.SessionID,
		[]domain.SessionStatus{domain.SessionStatusPending, domain.SessionStatusCheckoutPrepared},
		func(session *domain.Session) error {
			session.OrderData = append(json.RawMessage(nil), input.OrderData...)
			session.ReturnURL = input.ReturnURL
			session.CancelURL = input.CancelURL
			session.Status = domain.SessionStatusCheckoutPrepared
			session.UpdatedAt = now
			return nil
		})
	if err != nil {
		return nil, err
	}

	s.metrics.Transition(string(updated.Status))
	s.logger.InfoContext(ctx, "checkout prepared", "session_id", updated.ID)
	s.publish(ctx, kafka.EventCheckoutPrepared, updated)
	return updated, nil
}

// HandleCallback finalizes a prepared session. Only a checkout_prepared
// session can be finalized; a repeat of the notification that finalized it is
// reported as a duplicate instead of being applied again.
func (s *PaymentService) HandleCallback(ctx context.Context, input CallbackInput) (*CallbackResult, error) {
	ctx, span := tracer.Start(ctx, "PaymentService.HandleCallback", trace.WithAttributes(
		attribute.String("session.id", input.SessionID),
		attribute.String("payment.status", input.Status),
	))
	defer span.End()

	if input.SessionID == "" {
		return nil, domain.NewValidationError("sessionId")
	}

	outcome := domain.SessionStatusFailed
	if strings.EqualFold(input.Status, domain.ProviderStatusApproved) {
		outcome = domain.SessionStatusCompleted
	}

	now := s.now()
	updated, err := s.sessions.Update(ctx, input.SessionID,
		[]domain.SessionStatus{domain.SessionStatusCheckoutPrepared},
		func(session *domain.Session) error {
			orderID := input.OrderID
			if orderID == "" {
				orderID = session.OrderID()
			}
			completedAt := now
			session.Status = outcome
			session.PaymentConfirmation = &domain.PaymentConfirmation{
				TransactionID: input.TransactionID,
				Status:        input.Status,
				Amount:        input.Amount,
				OrderID:       orderID,
				Timestamp:     now,
			}
			session.UpdatedAt = now
			session.CompletedAt = &completedAt
			return nil
		})
	if errors.Is(err, domain.ErrInvalidTransition) {
		current, getErr := s.sessions.Get(ctx, input.SessionID)
		if getErr != nil {
			return nil, getErr
		}
		if isDuplicate(current, input) {
			s.metrics.Callback("duplicate")
			s.logger.InfoContext(ctx, "duplicate payment callback ignored",
				"session_id", current.ID, "transaction_id", input.TransactionID)
			return &CallbackResult{Session: current, Duplicate: true}, nil
		}
		s.metrics.Callback("rejected")
		s.logger.WarnContext(ctx, "payment callback rejected",
			"session_id", current.ID, "current_status", current.Status, "transaction_id", input.TransactionID)
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	s.metrics.Transition(string(updated.Status))
	s.metrics.Callback(string(updated.Status))
	s.logger.InfoContext(ctx, "payment finalized",
		"session_id", updated.ID, "status", updated.Status, "transaction_id", input.TransactionID)

	eventType := kafka.EventPaymentFailed
	if updated.Status == domain.SessionStatusCompleted {
		eventType = kafka.EventPaymentCompleted
	}
	s.publish(ctx, eventType, updated)
	return &CallbackResult{Session: updated}, nil
}

func (s *PaymentService) VerifyPayment(ctx context.Context, sessionID string) (*domain.Session, error) {
	ctx, span := tracer.Start(ctx, "PaymentService.VerifyPayment", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	if sessionID == "" {
		return nil, domain.NewValidationError("sessionId")
	}
	return s.sessions.Get(ctx, sessionID)
}

func (s *PaymentService) ExpirePendingSessions(ctx context.Context) (int64, error) {
	n, err := s.sessions.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	s.metrics.Expired(n)
	return n, nil
}

func (s *PaymentService) publish(ctx context.Context, eventType string, session *domain.Session) {
	if s.producer == nil || s.paymentTopic == "" {
		return
	}
	event := kafka.PaymentEvent{
		Type:       eventType,
		SessionID:  session.ID,
		UserID:     session.UserID,
		UserEmail:  session.UserEmail,
		UserName:   session.UserName,
		Status:     string(session.Status),
		OccurredAt: s.now(),
	}
	if pc := session.PaymentConfirmation; pc != nil {
		event.TransactionID = pc.TransactionID
		event.Amount = pc.Amount
		event.OrderID = pc.OrderID
	}

	if err := s.producer.Publish(ctx, s.paymentTopic, session.ID, event); err != nil {
		s.logger.WarnContext(ctx, "failed to publish payment event", "event", eventType, "session_id", session.ID, "error", err)
		return
	}
	if s.notificationsTopic != "" && event.IsTerminal() {
		if err := s.producer.PublishWithRetry(ctx, s.notificationsTopic, session.ID, event, notificationRetries); err != nil {
			s.logger.WarnContext(ctx, "failed to publish payment notification", "session_id", session.ID, "error", err)
		}
	}
}

// isDuplicate reports whether input repeats the notification that finalized current.
func isDuplicate(current *domain.Session, input CallbackInput) bool {
	pc := current.PaymentConfirmation
	if !current.Status.IsTerminal() || pc == nil {
		return false
	}
	return pc.TransactionID == input.TransactionID && pc.Status == input.Status
}

func isEmptyJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

var _ PaymentUseCase = (*PaymentService)(nil)
