package payment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemoryRepository struct {
	mu   sync.Mutex
	rows map[string]Authorization
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rows: make(map[string]Authorization)}
}

func (r *MemoryRepository) Create(_ context.Context, a *Authorization) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rows[a.PaymentIntentID]; ok {
		return ErrDuplicateAuthorization
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now()
	a.Version = 1
	a.CreatedAt = now
	a.UpdatedAt = now
	r.rows[a.PaymentIntentID] = *a
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, paymentIntentID string) (*Authorization, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.rows[paymentIntentID]
	if !ok {
		return nil, ErrAuthorizationNotFound
	}
	return &a, nil
}

func (r *MemoryRepository) Update(_ context.Context, a *Authorization) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.rows[a.PaymentIntentID]
	if !ok {
		return ErrAuthorizationNotFound
	}
	if cur.Version != a.Version {
		return ErrStaleAuthorization
	}
	a.Version++
	a.UpdatedAt = time.Now()
	r.rows[a.PaymentIntentID] = *a
	return nil
}

func (r *MemoryRepository) ListDanglingAuthorized(_ context.Context, now time.Time, limit int) ([]Authorization, error) {
	return r.list(limit, func(a Authorization) bool {
		return a.Status == StatusAuthorized && a.SagaState.unsettled() && now.After(a.LeaseExpiresAt)
	}), nil
}

func (r *MemoryRepository) ListDueCaptures(_ context.Context, now time.Time, limit int) ([]Authorization, error) {
	return r.list(limit, func(a Authorization) bool {
		return a.Status == StatusAuthorized && a.SagaState == SagaBooked &&
			a.NextCaptureAt != nil && !a.NextCaptureAt.After(now)
	}), nil
}

func (r *MemoryRepository) list(limit int, keep func(Authorization) bool) []Authorization {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Authorization
	for _, a := range r.rows {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
