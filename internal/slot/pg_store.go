package slot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var dialect = goqu.Dialect("postgres")

var slotColumns = []interface{}{
	"id", "provider_id", "external_id", "start_unix", "end_unix", "status", "is_bookable",
	"duration_minutes", "location_type", "lock_token", "held_by", "lock_expires_at",
	"created_at", "updated_at",
}

const returningSlot = `RETURNING id, provider_id, external_id, start_unix, end_unix, status, is_bookable,
		duration_minutes, location_type, lock_token, held_by, lock_expires_at, created_at, updated_at`

type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Helpers

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot
	var status, location string
	var lockToken, heldBy *string

	err := row.Scan(
		&s.ID,
		&s.ProviderID,
		&s.ExternalID,
		&s.StartUnix,
		&s.EndUnix,
		&status,
		&s.IsBookable,
		&s.DurationMinutes,
		&location,
		&lockToken,
		&heldBy,
		&s.LockExpiresAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}

	s.Status = Status(status)
	s.LocationType = LocationType(location)
	if lockToken != nil {
		s.LockToken = *lockToken
	}
	if heldBy != nil {
		s.HeldBy = *heldBy
	}
	return &s, nil
}

func (p *PgStore) querySlots(ctx context.Context, ds *goqu.SelectDataset) ([]Slot, error) {
	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build slot query: %w", err)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// freeSlotsQuery selects bookable slots fully containing the window, free or
// with an expired hold, earliest first.
func freeSlotsQuery(q Query, now time.Time, limit int) *goqu.SelectDataset {
	ds := dialect.From("slots").Prepared(true).
		Select(slotColumns...).
		Where(
			goqu.C("provider_id").Eq(q.ProviderID),
			goqu.C("duration_minutes").Eq(q.DurationMinutes),
			goqu.C("is_bookable").IsTrue(),
			goqu.C("start_unix").Lte(q.StartUnix),
			goqu.C("end_unix").Gte(q.EndUnix),
			goqu.Or(
				goqu.C("status").Eq(string(StatusFree)),
				goqu.And(
					goqu.C("status").Eq(string(StatusHeld)),
					goqu.C("lock_expires_at").Lt(now),
				),
			),
		).
		Order(goqu.C("start_unix").Asc(), goqu.C("id").Asc())
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}
	return ds
}

func listSlotsQuery(f ListFilter) *goqu.SelectDataset {
	ds := dialect.From("slots").Prepared(true).Select(slotColumns...)
	if f.ProviderID != "" {
		ds = ds.Where(goqu.C("provider_id").Eq(f.ProviderID))
	}
	if f.FromUnix != 0 {
		ds = ds.Where(goqu.C("start_unix").Gte(f.FromUnix))
	}
	if f.ToUnix != 0 {
		ds = ds.Where(goqu.C("start_unix").Lt(f.ToUnix))
	}
	if f.Status != "" {
		ds = ds.Where(goqu.C("status").Eq(string(f.Status)))
	}
	ds = ds.Order(goqu.C("start_unix").Asc(), goqu.C("id").Asc())
	if f.Limit > 0 {
		ds = ds.Limit(uint(f.Limit))
	}
	if f.Offset > 0 {
		ds = ds.Offset(uint(f.Offset))
	}
	return ds
}

func expiredHoldsQuery(now time.Time, limit int) *goqu.SelectDataset {
	ds := dialect.From("slots").Prepared(true).
		Select(slotColumns...).
		Where(
			goqu.C("status").Eq(string(StatusHeld)),
			goqu.C("lock_expires_at").Lt(now),
		).
		Order(goqu.C("lock_expires_at").Asc())
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}
	return ds
}

// Interface methods

func (p *PgStore) FindFreeSlots(ctx context.Context, q Query, now time.Time, limit int) ([]Slot, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return p.querySlots(ctx, freeSlotsQuery(q, now, limit))
}

func (p *PgStore) ListSlots(ctx context.Context, f ListFilter) ([]Slot, error) {
	return p.querySlots(ctx, listSlotsQuery(f))
}

func (p *PgStore) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]Slot, error) {
	return p.querySlots(ctx, expiredHoldsQuery(now, limit))
}

func (p *PgStore) GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	query, args, err := dialect.From("slots").Prepared(true).
		Select(slotColumns...).
		Where(goqu.C("id").Eq(id.String())).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build slot query: %w", err)
	}
	return scanSlot(p.pool.QueryRow(ctx, query, args...))
}

// transitionSQL returns the conditional UPDATE for the request's edge. Every
// variant is a single statement so the check and the write are atomic.
func transitionSQL(req TransitionRequest) (string, []any) {
	switch {
	case req.To == StatusHeld:
		return `
			UPDATE slots
			SET status = 'held',
			    lock_token = $2,
			    held_by = $3,
			    lock_expires_at = $4,
			    updated_at = $5
			WHERE id = $1
			  AND is_bookable
			  AND (status = 'free' OR (status = 'held' AND lock_expires_at < $5))
			` + returningSlot,
			[]any{req.SlotID, req.NewLockToken, req.HeldBy, req.ExpiresAt, req.now()}

	case req.From == StatusHeld:
		lease := "TRUE"
		switch req.Lease {
		case LeaseActive:
			lease = "lock_expires_at >= $4"
		case LeaseExpired:
			lease = "lock_expires_at < $4"
		}
		heldBy, lockToken := "NULL", "NULL"
		if req.To == StatusBooked {
			heldBy, lockToken = "held_by", "lock_token"
		}
		return fmt.Sprintf(`
			UPDATE slots
			SET status = $2,
			    lock_token = %s,
			    lock_expires_at = NULL,
			    held_by = %s,
			    updated_at = $4
			WHERE id = $1
			  AND status = 'held'
			  AND lock_token = $3
			  AND %s
			`, lockToken, heldBy, lease) + returningSlot,
			[]any{req.SlotID, string(req.To), req.LockToken, req.now()}

	default: // booked -> free, administrative
		return `
			UPDATE slots
			SET status = 'free',
			    lock_token = NULL,
			    lock_expires_at = NULL,
			    held_by = NULL,
			    updated_at = $2
			WHERE id = $1
			  AND status = 'booked'
			` + returningSlot,
			[]any{req.SlotID, req.now()}
	}
}

func (p *PgStore) Transition(ctx context.Context, req TransitionRequest) (*Slot, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback(ctx)

	query, args := transitionSQL(req)
	updated, err := scanSlot(tx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, ErrSlotNotFound) {
			return nil, p.classifyMiss(ctx, req.SlotID)
		}
		return nil, fmt.Errorf("transition slot: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO slot_audit (slot_id, from_status, to_status, actor, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, req.SlotID, string(req.From), string(req.To), req.Actor, req.now())
	if err != nil {
		return nil, fmt.Errorf("insert slot audit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return updated, nil
}

// classifyMiss distinguishes a missing row from a lost compare-and-swap.
func (p *PgStore) classifyMiss(ctx context.Context, id uuid.UUID) error {
	var exists bool
	err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM slots WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check slot existence: %w", err)
	}
	if !exists {
		return ErrSlotNotFound
	}
	return ErrTransitionConflict
}

func (p *PgStore) UpsertSlots(ctx context.Context, providerID string, windows []Window, horizon Horizon, now time.Time) (UpsertResult, error) {
	var res UpsertResult

	externalIDs := make([]string, 0, len(windows))
	for _, w := range windows {
		if err := w.Validate(); err != nil {
			return res, err
		}
		externalIDs = append(externalIDs, w.ExternalID)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	// Reported again after being withdrawn: capacity is back.
	tag, err := tx.Exec(ctx, `
		WITH revived AS (
			UPDATE slots
			SET status = 'free', updated_at = $3
			WHERE provider_id = $1
			  AND status = 'cancelled'
			  AND external_id = ANY($2)
			RETURNING id
		)
		INSERT INTO slot_audit (slot_id, from_status, to_status, actor, created_at)
		SELECT id, 'cancelled', 'free', $4, $3 FROM revived
	`, providerID, externalIDs, now, ActorSync)
	if err != nil {
		return res, fmt.Errorf("revive slots: %w", err)
	}
	res.Revived = int(tag.RowsAffected())

	// Held and booked rows are never touched: the WHERE on the conflict
	// branch suppresses the update and the RETURNING row.
	batch := &pgx.Batch{}
	for _, w := range windows {
		batch.Queue(`
			INSERT INTO slots (id, provider_id, external_id, start_unix, end_unix, status, is_bookable,
			                   duration_minutes, location_type, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, 'free', TRUE, $6, $7, $8, $8)
			ON CONFLICT (provider_id, external_id) DO UPDATE
			SET start_unix = EXCLUDED.start_unix,
			    end_unix = EXCLUDED.end_unix,
			    duration_minutes = EXCLUDED.duration_minutes,
			    location_type = EXCLUDED.location_type,
			    updated_at = EXCLUDED.updated_at
			WHERE slots.status = 'free'
			RETURNING (xmax = 0) AS inserted
		`, uuid.New(), providerID, w.ExternalID, w.StartUnix, w.EndUnix,
			w.DurationMinutes(), string(w.LocationType), now)
	}

	br := tx.SendBatch(ctx, batch)
	updated := 0
	for range windows {
		var inserted bool
		err := br.QueryRow().Scan(&inserted)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			res.Preserved++
		case err != nil:
			_ = br.Close()
			return res, fmt.Errorf("upsert slot: %w", err)
		case inserted:
			res.Inserted++
		default:
			updated++
		}
	}
	if err := br.Close(); err != nil {
		return res, fmt.Errorf("close upsert batch: %w", err)
	}
	res.Updated = updated - res.Revived
	if res.Updated < 0 {
		res.Updated = 0
	}

	tag, err = tx.Exec(ctx, `
		WITH cancelled AS (
			UPDATE slots
			SET status = 'cancelled', updated_at = $5
			WHERE provider_id = $1
			  AND status = 'free'
			  AND start_unix >= $2
			  AND start_unix < $3
			  AND NOT (external_id = ANY($4))
			RETURNING id
		)
		INSERT INTO slot_audit (slot_id, from_status, to_status, actor, created_at)
		SELECT id, 'free', 'cancelled', $6, $5 FROM cancelled
	`, providerID, horizon.FromUnix, horizon.ToUnix, externalIDs, now, ActorSync)
	if err != nil {
		return res, fmt.Errorf("cancel withdrawn slots: %w", err)
	}
	res.Cancelled = int(tag.RowsAffected())

	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("commit upsert: %w", err)
	}
	return res, nil
}

func (p *PgStore) ListAudit(ctx context.Context, slotID uuid.UUID) ([]AuditEntry, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, slot_id, from_status, to_status, actor, created_at
		FROM slot_audit
		WHERE slot_id = $1
		ORDER BY id
	`, slotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var from, to string
		if err := rows.Scan(&e.ID, &e.SlotID, &from, &to, &e.Actor, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.From = Status(from)
		e.To = Status(to)
		result = append(result, e)
	}
	return result, rows.Err()
}
