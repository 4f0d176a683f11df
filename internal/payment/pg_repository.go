package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AntonyNeal/bloom-booking/internal/db"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const authorizationColumns = `
	id, payment_intent_id, amount, currency, status, saga_state, reason,
	slot_id, lock_token, holder_id, lease_expires_at, capture_attempts,
	next_capture_at, external_booking_id, version, created_at, updated_at`

func scanAuthorization(row pgx.Row) (*Authorization, error) {
	var a Authorization
	err := row.Scan(
		&a.ID,
		&a.PaymentIntentID,
		&a.Amount,
		&a.Currency,
		&a.Status,
		&a.SagaState,
		&a.Reason,
		&a.SlotID,
		&a.LockToken,
		&a.HolderID,
		&a.LeaseExpiresAt,
		&a.CaptureAttempts,
		&a.NextCaptureAt,
		&a.ExternalBookingID,
		&a.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAuthorizationNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (r *PgRepository) Create(ctx context.Context, a *Authorization) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO payment_authorizations (
			id, payment_intent_id, amount, currency, status, saga_state, reason,
			slot_id, lock_token, holder_id, lease_expires_at, capture_attempts,
			next_capture_at, external_booking_id, version
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 1)
		RETURNING version, created_at, updated_at
	`,
		a.ID, a.PaymentIntentID, a.Amount, a.Currency, a.Status, a.SagaState, a.Reason,
		a.SlotID, a.LockToken, a.HolderID, a.LeaseExpiresAt, a.CaptureAttempts,
		a.NextCaptureAt, a.ExternalBookingID,
	).Scan(&a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrDuplicateAuthorization
		}
		return fmt.Errorf("insert payment authorization: %w", err)
	}
	return nil
}

func (r *PgRepository) Get(ctx context.Context, paymentIntentID string) (*Authorization, error) {
	return scanAuthorization(r.pool.QueryRow(ctx,
		`SELECT `+authorizationColumns+` FROM payment_authorizations WHERE payment_intent_id = $1`,
		paymentIntentID))
}

func (r *PgRepository) Update(ctx context.Context, a *Authorization) error {
	err := r.pool.QueryRow(ctx, `
		UPDATE payment_authorizations
		SET status = $2,
		    saga_state = $3,
		    reason = $4,
		    capture_attempts = $5,
		    next_capture_at = $6,
		    external_booking_id = $7,
		    version = version + 1,
		    updated_at = now()
		WHERE payment_intent_id = $1
		  AND version = $8
		RETURNING version, updated_at
	`,
		a.PaymentIntentID, a.Status, a.SagaState, a.Reason, a.CaptureAttempts,
		a.NextCaptureAt, a.ExternalBookingID, a.Version,
	).Scan(&a.Version, &a.UpdatedAt)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("update payment authorization: %w", err)
	}

	var exists bool
	if err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM payment_authorizations WHERE payment_intent_id = $1)`,
		a.PaymentIntentID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check payment authorization: %w", err)
	}
	if !exists {
		return ErrAuthorizationNotFound
	}
	return ErrStaleAuthorization
}

func (r *PgRepository) ListDanglingAuthorized(ctx context.Context, now time.Time, limit int) ([]Authorization, error) {
	return r.list(ctx, `
		SELECT `+authorizationColumns+`
		FROM payment_authorizations
		WHERE status = 'authorized'
		  AND saga_state IN ('authorized', 'booking', 'failed_and_reversed')
		  AND lease_expires_at < $1
		ORDER BY created_at
		LIMIT $2
	`, now, limit)
}

func (r *PgRepository) ListDueCaptures(ctx context.Context, now time.Time, limit int) ([]Authorization, error) {
	return r.list(ctx, `
		SELECT `+authorizationColumns+`
		FROM payment_authorizations
		WHERE status = 'authorized'
		  AND saga_state = 'booked'
		  AND next_capture_at <= $1
		ORDER BY next_capture_at
		LIMIT $2
	`, now, limit)
}

func (r *PgRepository) list(ctx context.Context, query string, args ...any) ([]Authorization, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Authorization
	for rows.Next() {
		a, err := scanAuthorization(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}
