package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Domenick1991/paysession/config"
	"github.com/Domenick1991/paysession/internal/domain"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredisStore(t *testing.T) (*RedisSessionStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := NewRedisSessionStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func pendingSession(id string, createdAt time.Time) *domain.Session {
	return &domain.Session{
		ID:        id,
		UserID:    "u1",
		UserEmail: "a@b.com",
		UserName:  "A",
		Status:    domain.SessionStatusPending,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func prepareCheckout(s *domain.Session) error {
	s.Status = domain.SessionStatusCheckoutPrepared
	s.OrderData = []byte(`{"orderId":"o-1"}`)
	return nil
}

func TestNewRedisSessionStore(t *testing.T) {
	store := NewRedisSessionStore(config.RedisConfig{Addr: "localhost:6379"})
	require.NotNil(t, store)
	assert.Equal(t, "paysession:abc", store.key("abc"))
	assert.NoError(t, store.Close())
}

func TestRedisSessionStore_ttlFor(t *testing.T) {
	now := time.Now()
	store := NewRedisSessionStore(config.RedisConfig{Addr: "localhost:6379"})
	defer store.Close()
	store.now = func() time.Time { return now }

	ttl, err := store.ttlFor(&domain.Session{Status: domain.SessionStatusPending, ExpiresAt: now.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, time.Hour, ttl)

	ttl, err = store.ttlFor(&domain.Session{Status: domain.SessionStatusPending})
	require.NoError(t, err)
	assert.Zero(t, ttl)

	ttl, err = store.ttlFor(&domain.Session{Status: domain.SessionStatusCheckoutPrepared, ExpiresAt: now.Add(time.Hour)})
	require.NoError(t, err)
	assert.Zero(t, ttl)

	_, err = store.ttlFor(&domain.Session{Status: domain.SessionStatusPending, ExpiresAt: now.Add(-time.Second)})
	assert.Error(t, err)
}

func TestDecodeSession(t *testing.T) {
	s, err := decodeSession([]byte(`{"sessionId":"s1","status":"completed","paymentConfirmation":{"transactionId":"t1"}}`))
	require.NoError(t, err)
	assert.Equal(t, "s1", s.ID)
	assert.Equal(t, domain.SessionStatusCompleted, s.Status)
	assert.Equal(t, "t1", s.PaymentConfirmation.TransactionID)

	_, err = decodeSession([]byte(`not json`))
	assert.Error(t, err)
}

func TestRedisSessionStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	store, mr := newMiniredisStore(t)

	require.NoError(t, store.Create(ctx, pendingSession("s1", time.Now())))
	assert.ErrorIs(t, store.Create(ctx, pendingSession("s1", time.Now())), domain.ErrSessionExists)
	assert.True(t, mr.Exists("paysession:s1"))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusPending, got.Status)
	assert.Equal(t, "a@b.com", got.UserEmail)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestRedisSessionStore_PendingKeyExpires(t *testing.T) {
	ctx := context.Background()
	store, mr := newMiniredisStore(t)

	require.NoError(t, store.Create(ctx, pendingSession("s1", time.Now())))
	require.NoError(t, store.ScheduleExpiry(ctx, "s1", time.Hour))
	assert.Greater(t, mr.TTL("paysession:s1"), 59*time.Minute)

	mr.FastForward(2 * time.Hour)

	_, err := store.Get(ctx, "s1")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	_, err = store.Update(ctx, "s1", []domain.SessionStatus{domain.SessionStatusPending}, prepareCheckout)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestRedisSessionStore_LeavingPendingDropsTTL(t *testing.T) {
	ctx := context.Background()
	store, mr := newMiniredisStore(t)

	require.NoError(t, store.Create(ctx, pendingSession("s1", time.Now())))
	require.NoError(t, store.ScheduleExpiry(ctx, "s1", time.Hour))

	updated, err := store.Update(ctx, "s1", []domain.SessionStatus{domain.SessionStatusPending}, prepareCheckout)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusCheckoutPrepared, updated.Status)
	assert.True(t, updated.ExpiresAt.IsZero())
	assert.Zero(t, mr.TTL("paysession:s1"))

	mr.FastForward(2 * time.Hour)

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusCheckoutPrepared, got.Status)
	assert.JSONEq(t, `{"orderId":"o-1"}`, string(got.OrderData))

	// ScheduleExpiry leaves sessions that moved on untouched.
	require.NoError(t, store.ScheduleExpiry(ctx, "s1", time.Hour))
	assert.Zero(t, mr.TTL("paysession:s1"))
}

func TestRedisSessionStore_ScheduleExpiryPastDeadline(t *testing.T) {
	ctx := context.Background()
	store, mr := newMiniredisStore(t)

	require.NoError(t, store.Create(ctx, pendingSession("s1", time.Now().Add(-2*time.Hour))))
	require.NoError(t, store.ScheduleExpiry(ctx, "s1", time.Hour))

	assert.False(t, mr.Exists("paysession:s1"))
	_, err := store.Get(ctx, "s1")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestRedisSessionStore_UpdateRejectsWrongStatus(t *testing.T) {
	ctx := context.Background()
	store, mr := newMiniredisStore(t)

	require.NoError(t, store.Create(ctx, pendingSession("s1", time.Now())))
	before, err := mr.Get("paysession:s1")
	require.NoError(t, err)

	_, err = store.Update(ctx, "s1", []domain.SessionStatus{domain.SessionStatusCheckoutPrepared}, func(s *domain.Session) error {
		s.Status = domain.SessionStatusCompleted
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	after, err := mr.Get("paysession:s1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRedisSessionStore_ConcurrentCompletionHasOneWinner(t *testing.T) {
	ctx := context.Background()
	store, _ := newMiniredisStore(t)

	require.NoError(t, store.Create(ctx, pendingSession("s1", time.Now())))
	_, err := store.Update(ctx, "s1", []domain.SessionStatus{domain.SessionStatusPending}, prepareCheckout)
	require.NoError(t, err)

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(txn string) {
			defer wg.Done()
			_, err := store.Update(ctx, "s1", []domain.SessionStatus{domain.SessionStatusCheckoutPrepared}, func(s *domain.Session) error {
				s.Status = domain.SessionStatusCompleted
				s.PaymentConfirmation = &domain.PaymentConfirmation{TransactionID: txn, Status: domain.ProviderStatusApproved}
				return nil
			})
			if err == nil {
				mu.Lock()
				winners = append(winners, txn)
				mu.Unlock()
			}
		}(fmt.Sprintf("t%d", i))
	}
	wg.Wait()

	require.Len(t, winners, 1)
	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusCompleted, got.Status)
	assert.Equal(t, winners[0], got.PaymentConfirmation.TransactionID)
}

func TestRedisSessionStore_DeleteExpiredIsNoop(t *testing.T) {
	store, _ := newMiniredisStore(t)

	n, err := store.DeleteExpired(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}
