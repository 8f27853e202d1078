package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Domenick1991/paysession/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const sessionSchema = `
CREATE TABLE IF NOT EXISTS payment_sessions (
	id                   TEXT PRIMARY KEY,
	user_id              TEXT NOT NULL,
	user_email           TEXT NOT NULL,
	user_name            TEXT NOT NULL,
	user_phone           TEXT NOT NULL DEFAULT '',
	status               TEXT NOT NULL,
	order_data           JSONB,
	return_url           TEXT NOT NULL DEFAULT '',
	cancel_url           TEXT NOT NULL DEFAULT '',
	payment_confirmation JSONB,
	created_at           TIMESTAMPTZ NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL,
	completed_at         TIMESTAMPTZ,
	expires_at           TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS payment_sessions_pending_expiry_idx
	ON payment_sessions (expires_at) WHERE status = 'pending';
`

const sessionColumns = `id, user_id, user_email, user_name, user_phone, status, order_data, return_url, cancel_url, payment_confirmation, created_at, updated_at, completed_at, expires_at`

// PgxPool is the part of *pgxpool.Pool the repository uses.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PGSessionRepository struct {
	db  PgxPool
	now func() time.Time
}

func NewSessionRepository(db PgxPool) *PGSessionRepository {
	return &PGSessionRepository{db: db, now: time.Now}
}

// EnsureSchema creates the sessions table if it does not exist yet.
func (r *PGSessionRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, sessionSchema); err != nil {
		return fmt.Errorf("create payment_sessions schema: %w", err)
	}
	return nil
}

func (r *PGSessionRepository) Create(ctx context.Context, s *domain.Session) error {
	confirmation, err := marshalConfirmation(s.PaymentConfirmation)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx, `INSERT INTO payment_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		s.ID, s.UserID, s.UserEmail, s.UserName, s.UserPhone, s.Status, nullableJSON(s.OrderData),
		s.ReturnURL, s.CancelURL, confirmation, s.CreatedAt, s.UpdatedAt, s.CompletedAt, nullableTime(s.ExpiresAt))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrSessionExists
		}
		return err
	}
	return nil
}

func (r *PGSessionRepository) Get(ctx context.Context, id string) (*domain.Session, error) {
	row := r.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM payment_sessions WHERE id=$1`, id)
	s, err := scanSession(row)
	if err != nil {
		return nil, err
	}
	if s.IsExpired(r.now()) {
		return nil, domain.ErrSessionNotFound
	}
	return s, nil
}

// Update locks the row for the duration of the read-modify-write so concurrent
// transitions on the same session serialize.
func (r *PGSessionRepository) Update(ctx context.Context, id string, from []domain.SessionStatus, mutate MutateFunc) (*domain.Session, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	current, err := scanSession(tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM payment_sessions WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if current.IsExpired(r.now()) {
		return nil, domain.ErrSessionNotFound
	}
	if !StatusIn(current.Status, from) {
		return nil, domain.ErrInvalidTransition
	}

	next, err := ApplyMutation(current, mutate)
	if err != nil {
		return nil, err
	}
	confirmation, err := marshalConfirmation(next.PaymentConfirmation)
	if err != nil {
		return nil, err
	}

	cmd, err := tx.Exec(ctx, `UPDATE payment_sessions
		SET status=$3, order_data=$4, return_url=$5, cancel_url=$6, payment_confirmation=$7,
			updated_at=$8, completed_at=$9, expires_at=$10
		WHERE id=$1 AND status=$2`,
		id, current.Status, next.Status, nullableJSON(next.OrderData), next.ReturnURL, next.CancelURL,
		confirmation, next.UpdatedAt, next.CompletedAt, nullableTime(next.ExpiresAt))
	if err != nil {
		return nil, err
	}
	if cmd.RowsAffected() == 0 {
		return nil, domain.ErrInvalidTransition
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return next, nil
}

func (r *PGSessionRepository) ScheduleExpiry(ctx context.Context, id string, ttl time.Duration) error {
	cmd, err := r.db.Exec(ctx, `UPDATE payment_sessions SET expires_at = created_at + make_interval(secs => $2)
		WHERE id=$1 AND status=$3`, id, ttl.Seconds(), domain.SessionStatusPending)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (r *PGSessionRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	cmd, err := r.db.Exec(ctx, `DELETE FROM payment_sessions WHERE status=$1 AND expires_at IS NOT NULL AND expires_at <= $2`,
		domain.SessionStatusPending, now)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	var (
		s            domain.Session
		orderData    []byte
		confirmation []byte
		expiresAt    *time.Time
	)
	err := row.Scan(&s.ID, &s.UserID, &s.UserEmail, &s.UserName, &s.UserPhone, &s.Status, &orderData,
		&s.ReturnURL, &s.CancelURL, &confirmation, &s.CreatedAt, &s.UpdatedAt, &s.CompletedAt, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, err
	}

	if len(orderData) > 0 {
		s.OrderData = json.RawMessage(orderData)
	}
	if len(confirmation) > 0 {
		var pc domain.PaymentConfirmation
		if err := json.Unmarshal(confirmation, &pc); err != nil {
			return nil, fmt.Errorf("decode payment_confirmation: %w", err)
		}
		s.PaymentConfirmation = &pc
	}
	if expiresAt != nil {
		s.ExpiresAt = *expiresAt
	}
	return &s, nil
}

func marshalConfirmation(pc *domain.PaymentConfirmation) (any, error) {
	if pc == nil {
		return nil, nil
	}
	data, err := json.Marshal(pc)
	if err != nil {
		return nil, fmt.Errorf("encode payment_confirmation: %w", err)
	}
	return string(data), nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

var (
	_ SessionRepository = (*PGSessionRepository)(nil)
	_ PgxPool           = (*pgxpool.Pool)(nil)
)
