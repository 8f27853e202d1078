package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Domenick1991/paysession/config"
	"github.com/Domenick1991/paysession/internal/domain"
	"github.com/Domenick1991/paysession/internal/repository"
	"github.com/redis/go-redis/v9"
)

const maxTxRetries = 5

// RedisSessionStore keeps each session as a JSON value. A pending session's key
// carries a native TTL, so redis evicts it without any sweeper; moving past
// pending rewrites the key without TTL.
type RedisSessionStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisSessionStore(cfg config.RedisConfig) *RedisSessionStore {
	return NewRedisSessionStoreWithClient(redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}))
}

func NewRedisSessionStoreWithClient(client *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{
		client: client,
		prefix: "paysession:",
		now:    time.Now,
	}
}

func (c *RedisSessionStore) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisSessionStore) Close() error {
	return c.client.Close()
}

func (c *RedisSessionStore) Create(ctx context.Context, s *domain.Session) error {
	ttl, err := c.ttlFor(s)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("session: failed to marshal: %w", err)
	}

	ok, err := c.client.SetNX(ctx, c.key(s.ID), payload, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrSessionExists
	}
	return nil
}

func (c *RedisSessionStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	data, err := c.client.Get(ctx, c.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, err
	}

	s, err := decodeSession(data)
	if err != nil {
		return nil, err
	}
	if s.IsExpired(c.now()) {
		return nil, domain.ErrSessionNotFound
	}
	return s, nil
}

// Update runs the compare-and-set inside WATCH/MULTI and retries when another
// client touched the key between the read and the write.
func (c *RedisSessionStore) Update(ctx context.Context, id string, from []domain.SessionStatus, mutate repository.MutateFunc) (*domain.Session, error) {
	var updated *domain.Session
	err := c.watch(ctx, id, func(tx *redis.Tx, current *domain.Session) error {
		if !repository.StatusIn(current.Status, from) {
			return domain.ErrInvalidTransition
		}

		next, err := repository.ApplyMutation(current, mutate)
		if err != nil {
			return err
		}

		if err := c.write(ctx, tx, next); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (c *RedisSessionStore) ScheduleExpiry(ctx context.Context, id string, ttl time.Duration) error {
	return c.watch(ctx, id, func(tx *redis.Tx, current *domain.Session) error {
		if current.Status != domain.SessionStatusPending {
			return nil
		}
		current.ExpiresAt = current.CreatedAt.Add(ttl)
		if current.IsExpired(c.now()) {
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, c.key(id))
				return nil
			})
			return err
		}
		return c.write(ctx, tx, current)
	})
}

// DeleteExpired is a no-op: pending keys expire through their redis TTL.
func (c *RedisSessionStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func (c *RedisSessionStore) watch(ctx context.Context, id string, fn func(tx *redis.Tx, current *domain.Session) error) error {
	key := c.key(id)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return domain.ErrSessionNotFound
			}
			return err
		}
		current, err := decodeSession(data)
		if err != nil {
			return err
		}
		if current.IsExpired(c.now()) {
			return domain.ErrSessionNotFound
		}
		return fn(tx, current)
	}

	for i := 0; i < maxTxRetries; i++ {
		err := c.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("session %s: too many concurrent updates: %w", id, redis.TxFailedErr)
}

func (c *RedisSessionStore) write(ctx context.Context, tx *redis.Tx, s *domain.Session) error {
	ttl, err := c.ttlFor(s)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("session: failed to marshal: %w", err)
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, c.key(s.ID), payload, ttl)
		return nil
	})
	return err
}

// ttlFor returns the key TTL for s; zero means the key never expires.
func (c *RedisSessionStore) ttlFor(s *domain.Session) (time.Duration, error) {
	if s.Status != domain.SessionStatusPending || s.ExpiresAt.IsZero() {
		return 0, nil
	}
	ttl := s.ExpiresAt.Sub(c.now())
	if ttl <= 0 {
		return 0, fmt.Errorf("session: expires_at must be in the future")
	}
	return ttl, nil
}

func (c *RedisSessionStore) key(id string) string {
	return c.prefix + id
}

func decodeSession(data []byte) (*domain.Session, error) {
	var s domain.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("session: failed to unmarshal: %w", err)
	}
	return &s, nil
}

var _ repository.SessionRepository = (*RedisSessionStore)(nil)
