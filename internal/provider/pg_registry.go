package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AntonyNeal/bloom-booking/internal/db"
)

type PgRegistry struct {
	pool *pgxpool.Pool
}

func NewPgRegistry(pool *pgxpool.Pool) *PgRegistry {
	return &PgRegistry{pool: pool}
}

func scanProvider(row pgx.Row) (*Provider, error) {
	var p Provider
	err := row.Scan(
		&p.ID,
		&p.ExternalID,
		&p.ApplicationID,
		&p.DisplayName,
		&p.Active,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *PgRegistry) ListActive(ctx context.Context) ([]Provider, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, external_id, application_id, display_name, active, created_at, updated_at
		FROM providers
		WHERE active
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

func (r *PgRegistry) Get(ctx context.Context, id string) (*Provider, error) {
	return scanProvider(r.pool.QueryRow(ctx, `
		SELECT id, external_id, application_id, display_name, active, created_at, updated_at
		FROM providers
		WHERE id = $1
	`, id))
}

func (r *PgRegistry) GetByApplication(ctx context.Context, applicationID uuid.UUID) (*Provider, error) {
	return scanProvider(r.pool.QueryRow(ctx, `
		SELECT id, external_id, application_id, display_name, active, created_at, updated_at
		FROM providers
		WHERE application_id = $1
		LIMIT 1
	`, applicationID))
}

func (r *PgRegistry) Create(ctx context.Context, p *Provider) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO providers (id, external_id, application_id, display_name, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		RETURNING created_at, updated_at
	`, p.ID, p.ExternalID, p.ApplicationID, p.DisplayName, p.Active).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrDuplicateProvider
		}
		return fmt.Errorf("insert provider: %w", err)
	}
	return nil
}

func (r *PgRegistry) DeleteByApplication(ctx context.Context, applicationID uuid.UUID) (int, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM providers WHERE application_id = $1`, applicationID)
	if err != nil {
		return 0, fmt.Errorf("delete providers: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
