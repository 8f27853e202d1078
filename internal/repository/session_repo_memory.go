package repository

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Domenick1991/paysession/internal/domain"
)

const DefaultCleanupInterval = time.Minute

// MemorySessionStore keeps sessions in process memory. It is only consistent
// within a single process; use the redis or postgres store when more than one
// instance serves traffic.
type MemorySessionStore struct {
	mu              sync.Mutex
	sessions        map[string]*domain.Session
	now             func() time.Time
	cleanupInterval time.Duration
	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
}

type MemoryOption func(*MemorySessionStore)

func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemorySessionStore) {
		s.now = now
	}
}

func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(s *MemorySessionStore) {
		s.cleanupInterval = d
	}
}

func NewMemorySessionStore(opts ...MemoryOption) *MemorySessionStore {
	s := &MemorySessionStore{
		sessions:        make(map[string]*domain.Session),
		now:             time.Now,
		cleanupInterval: DefaultCleanupInterval,
		stopChan:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartCleanup periodically deletes expired pending sessions until ctx is done or Stop is called.
func (s *MemorySessionStore) StartCleanup(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				if n, _ := s.DeleteExpired(ctx, s.now()); n > 0 {
					slog.Debug("evicted expired sessions", "count", n)
				}
			}
		}
	}()
}

// Stop halts the cleanup goroutine. Safe to call more than once.
func (s *MemorySessionStore) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

func (s *MemorySessionStore) Create(ctx context.Context, session *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.ID]; ok {
		return domain.ErrSessionExists
	}
	s.sessions[session.ID] = session.Clone()
	return nil
}

func (s *MemorySessionStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return current.Clone(), nil
}

func (s *MemorySessionStore) Update(ctx context.Context, id string, from []domain.SessionStatus, mutate MutateFunc) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	if !StatusIn(current.Status, from) {
		return nil, domain.ErrInvalidTransition
	}

	next, err := ApplyMutation(current, mutate)
	if err != nil {
		return nil, err
	}
	s.sessions[id] = next
	return next.Clone(), nil
}

func (s *MemorySessionStore) ScheduleExpiry(ctx context.Context, id string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.lookup(id)
	if err != nil {
		return err
	}
	if current.Status == domain.SessionStatusPending {
		current.ExpiresAt = current.CreatedAt.Add(ttl)
	}
	return nil
}

func (s *MemorySessionStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, sess := range s.sessions {
		if sess.IsExpired(now) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

// Size returns the number of stored sessions, expired ones included.
func (s *MemorySessionStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// lookup must be called with mu held. Expired sessions are dropped on sight.
func (s *MemorySessionStore) lookup(id string) (*domain.Session, error) {
	current, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	if current.IsExpired(s.now()) {
		delete(s.sessions, id)
		return nil, domain.ErrSessionNotFound
	}
	return current, nil
}

var _ SessionRepository = (*MemorySessionStore)(nil)
