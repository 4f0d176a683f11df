package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied in order; every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS providers (
		id            TEXT PRIMARY KEY,
		external_id   TEXT NOT NULL UNIQUE,
		application_id UUID NULL,
		display_name  TEXT NOT NULL DEFAULT '',
		active        BOOLEAN NOT NULL DEFAULT TRUE,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS providers_application_idx ON providers (application_id)`,

	`CREATE TABLE IF NOT EXISTS slots (
		id               UUID PRIMARY KEY,
		provider_id      TEXT NOT NULL,
		external_id      TEXT NOT NULL,
		start_unix       BIGINT NOT NULL,
		end_unix         BIGINT NOT NULL,
		start_at         TIMESTAMPTZ GENERATED ALWAYS AS (to_timestamp(start_unix)) STORED,
		end_at           TIMESTAMPTZ GENERATED ALWAYS AS (to_timestamp(end_unix)) STORED,
		status           TEXT NOT NULL CHECK (status IN ('free', 'held', 'booked', 'cancelled')),
		is_bookable      BOOLEAN NOT NULL DEFAULT TRUE,
		duration_minutes INTEGER NOT NULL,
		location_type    TEXT NOT NULL DEFAULT 'telehealth',
		lock_token       TEXT NULL,
		held_by          TEXT NULL,
		lock_expires_at  TIMESTAMPTZ NULL,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		CONSTRAINT slots_window_check CHECK (start_unix < end_unix),
		CONSTRAINT slots_provider_external_key UNIQUE (provider_id, external_id)
	)`,
	`CREATE INDEX IF NOT EXISTS slots_search_idx ON slots (provider_id, duration_minutes, start_unix)`,
	`CREATE INDEX IF NOT EXISTS slots_held_idx ON slots (lock_expires_at) WHERE status = 'held'`,

	`CREATE TABLE IF NOT EXISTS slot_audit (
		id          BIGSERIAL PRIMARY KEY,
		slot_id     UUID NOT NULL,
		from_status TEXT NOT NULL,
		to_status   TEXT NOT NULL,
		actor       TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS slot_audit_slot_idx ON slot_audit (slot_id, id)`,

	`CREATE TABLE IF NOT EXISTS payment_authorizations (
		id                  UUID PRIMARY KEY,
		payment_intent_id   TEXT NOT NULL UNIQUE,
		slot_id             UUID NOT NULL,
		lock_token          TEXT NOT NULL,
		holder_id           TEXT NOT NULL DEFAULT '',
		amount              BIGINT NOT NULL,
		currency            TEXT NOT NULL,
		status              TEXT NOT NULL CHECK (status IN ('authorized', 'captured', 'cancelled', 'failed')),
		saga_state          TEXT NOT NULL,
		reason              TEXT NOT NULL DEFAULT '',
		lease_expires_at    TIMESTAMPTZ NOT NULL,
		capture_attempts    INTEGER NOT NULL DEFAULT 0,
		next_capture_at     TIMESTAMPTZ NULL,
		external_booking_id TEXT NOT NULL DEFAULT '',
		version             INTEGER NOT NULL DEFAULT 1,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS payment_authorizations_open_idx
		ON payment_authorizations (saga_state, lease_expires_at) WHERE status = 'authorized'`,

	`CREATE TABLE IF NOT EXISTS applications (
		id                     UUID PRIMARY KEY,
		email                  TEXT NOT NULL,
		full_name              TEXT NOT NULL DEFAULT '',
		status                 TEXT NOT NULL,
		offer_token_hash       TEXT NULL,
		offer_sent_at          TIMESTAMPTZ NULL,
		offer_accepted_at      TIMESTAMPTZ NULL,
		signed_contract_url    TEXT NULL,
		verified_with_provider BOOLEAN NOT NULL DEFAULT FALSE,
		verified_at            TIMESTAMPTZ NULL,
		linked_provider_id     TEXT NULL,
		version                INTEGER NOT NULL DEFAULT 1,
		created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
		CONSTRAINT applications_accepted_contract_check
			CHECK (offer_accepted_at IS NULL OR signed_contract_url IS NOT NULL),
		CONSTRAINT applications_verified_check
			CHECK (NOT verified_with_provider OR (verified_at IS NOT NULL AND linked_provider_id IS NOT NULL))
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS applications_active_email_key
		ON applications (lower(email)) WHERE status <> 'withdrawn'`,

	`CREATE TABLE IF NOT EXISTS offer_tokens (
		token_hash     TEXT PRIMARY KEY,
		application_id UUID NOT NULL REFERENCES applications (id) ON DELETE CASCADE,
		issued_at      TIMESTAMPTZ NOT NULL,
		consumed_at    TIMESTAMPTZ NULL,
		revoked_at     TIMESTAMPTZ NULL
	)`,
}

// Migrate applies the schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i, err)
		}
	}
	return nil
}
