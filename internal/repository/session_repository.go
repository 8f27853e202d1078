package repository

import (
	"context"
	"time"

	"github.com/Domenick1991/paysession/internal/domain"
)

// MutateFunc edits a session in place. Returning an error aborts the update.
type MutateFunc func(s *domain.Session) error

// SessionRepository is the session store shared by all payment handlers.
//
// Get and Update report domain.ErrSessionNotFound both for unknown ids and for
// sessions still pending past their deadline. Update is a compare-and-set: the
// mutation is applied only if the stored status is one of from, otherwise
// domain.ErrInvalidTransition is returned and nothing is written.
type SessionRepository interface {
	Create(ctx context.Context, session *domain.Session) error
	Get(ctx context.Context, id string) (*domain.Session, error)
	Update(ctx context.Context, id string, from []domain.SessionStatus, mutate MutateFunc) (*domain.Session, error)
	ScheduleExpiry(ctx context.Context, id string, ttl time.Duration) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// StatusIn reports whether status is one of allowed.
func StatusIn(status domain.SessionStatus, allowed []domain.SessionStatus) bool {
	for _, s := range allowed {
		if s == status {
			return true
		}
	}
	return false
}

// ApplyMutation runs mutate on a copy and normalizes the pending deadline.
func ApplyMutation(current *domain.Session, mutate MutateFunc) (*domain.Session, error) {
	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.ID = current.ID
	if next.Status != current.Status && !current.CanTransition(next.Status) {
		return nil, domain.ErrInvalidTransition
	}
	if next.Status != domain.SessionStatusPending {
		next.ExpiresAt = time.Time{}
	}
	return next, nil
}
