package offer

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

const applicationColumns = `
	id, email, full_name, status, offer_token_hash, offer_sent_at, offer_accepted_at,
	signed_contract_url, verified_with_provider, verified_at, linked_provider_id,
	version, created_at, updated_at`

func scanApplication(row pgx.Row) (*Application, error) {
	var a Application
	err := row.Scan(
		&a.ID,
		&a.Email,
		&a.FullName,
		&a.Status,
		&a.OfferTokenHash,
		&a.OfferSentAt,
		&a.OfferAcceptedAt,
		&a.SignedContractURL,
		&a.VerifiedWithProvider,
		&a.VerifiedAt,
		&a.LinkedProviderID,
		&a.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrApplicationNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (r *PgRepository) Create(ctx context.Context, a *Application) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO applications (id, email, full_name, status, version)
		VALUES ($1, $2, $3, $4, 1)
		RETURNING version, created_at, updated_at
	`, a.ID, a.Email, a.FullName, a.Status).Scan(&a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("insert application: %w", err)
	}
	return nil
}

func (r *PgRepository) Get(ctx context.Context, id uuid.UUID) (*Application, error) {
	return scanApplication(r.pool.QueryRow(ctx,
		`SELECT `+applicationColumns+` FROM applications WHERE id = $1`, id))
}

func (r *PgRepository) Update(ctx context.Context, a *Application) error {
	return saveApplication(ctx, r.pool, a)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func saveApplication(ctx context.Context, q querier, a *Application) error {
	err := q.QueryRow(ctx, `
		UPDATE applications
		SET status = $2,
		    offer_token_hash = $3,
		    offer_sent_at = $4,
		    offer_accepted_at = $5,
		    signed_contract_url = $6,
		    verified_with_provider = $7,
		    verified_at = $8,
		    linked_provider_id = $9,
		    full_name = $10,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1
		  AND version = $11
		RETURNING version, updated_at
	`,
		a.ID, a.Status, a.OfferTokenHash, a.OfferSentAt, a.OfferAcceptedAt,
		a.SignedContractURL, a.VerifiedWithProvider, a.VerifiedAt, a.LinkedProviderID,
		a.FullName, a.Version,
	).Scan(&a.Version, &a.UpdatedAt)
	if err == nil {
		return nil
	}
	if db.IsUniqueViolation(err) {
		return ErrDuplicateEmail
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("update application: %w", err)
	}

	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM applications WHERE id = $1)`, a.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check application: %w", err)
	}
	if !exists {
		return ErrApplicationNotFound
	}
	return ErrStaleApplication
}

func (r *PgRepository) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const revokeTokensSQL = `
	UPDATE offer_tokens
	SET revoked_at = $2
	WHERE application_id = $1
	  AND revoked_at IS NULL`

func (r *PgRepository) IssueToken(ctx context.Context, a *Application, tokenHash string, at time.Time) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, revokeTokensSQL, a.ID, at); err != nil {
			return fmt.Errorf("revoke offer tokens: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO offer_tokens (token_hash, application_id, issued_at)
			VALUES ($1, $2, $3)
		`, tokenHash, a.ID, at); err != nil {
			return fmt.Errorf("insert offer token: %w", err)
		}
		return saveApplication(ctx, tx, a)
	})
}

func (r *PgRepository) FindToken(ctx context.Context, tokenHash string) (*TokenRecord, error) {
	var rec TokenRecord
	err := r.pool.QueryRow(ctx, `
		SELECT token_hash, application_id, issued_at, consumed_at, revoked_at
		FROM offer_tokens
		WHERE token_hash = $1
	`, tokenHash).Scan(&rec.Hash, &rec.ApplicationID, &rec.IssuedAt, &rec.ConsumedAt, &rec.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTokenInvalid
		}
		return nil, err
	}
	return &rec, nil
}

func (r *PgRepository) ConsumeToken(ctx context.Context, a *Application, tokenHash string, at time.Time) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE offer_tokens
			SET consumed_at = $3
			WHERE token_hash = $1
			  AND application_id = $2
			  AND consumed_at IS NULL
			  AND revoked_at IS NULL
		`, tokenHash, a.ID, at)
		if err != nil {
			return fmt.Errorf("consume offer token: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrTokenConsumed
		}
		return saveApplication(ctx, tx, a)
	})
}

func (r *PgRepository) RevokeTokens(ctx context.Context, a *Application, at time.Time) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, revokeTokensSQL, a.ID, at); err != nil {
			return fmt.Errorf("revoke offer tokens: %w", err)
		}
		return saveApplication(ctx, tx, a)
	})
}
