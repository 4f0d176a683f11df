package offer

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemoryRepository struct {
	mu     sync.Mutex
	apps   map[uuid.UUID]Application
	tokens map[string]TokenRecord
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		apps:   make(map[uuid.UUID]Application),
		tokens: make(map[string]TokenRecord),
	}
}

func (r *MemoryRepository) Create(_ context.Context, a *Application) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.apps {
		if existing.Status != StatusWithdrawn && strings.EqualFold(existing.Email, a.Email) {
			return ErrDuplicateEmail
		}
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now()
	a.Version = 1
	a.CreatedAt = now
	a.UpdatedAt = now
	r.apps[a.ID] = *a
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*Application, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.apps[id]
	if !ok {
		return nil, ErrApplicationNotFound
	}
	return &a, nil
}

func (r *MemoryRepository) Update(_ context.Context, a *Application) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.save(a)
}

func (r *MemoryRepository) save(a *Application) error {
	cur, ok := r.apps[a.ID]
	if !ok {
		return ErrApplicationNotFound
	}
	if cur.Version != a.Version {
		return ErrStaleApplication
	}
	a.Version++
	a.UpdatedAt = time.Now()
	r.apps[a.ID] = *a
	return nil
}

func (r *MemoryRepository) IssueToken(_ context.Context, a *Application, tokenHash string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.apps[a.ID]; ok && cur.Version != a.Version {
		return ErrStaleApplication
	}
	r.revoke(a.ID, at)
	if err := r.save(a); err != nil {
		return err
	}
	r.tokens[tokenHash] = TokenRecord{Hash: tokenHash, ApplicationID: a.ID, IssuedAt: at}
	return nil
}

func (r *MemoryRepository) FindToken(_ context.Context, tokenHash string) (*TokenRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.tokens[tokenHash]
	if !ok {
		return nil, ErrTokenInvalid
	}
	return &rec, nil
}

func (r *MemoryRepository) ConsumeToken(_ context.Context, a *Application, tokenHash string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.tokens[tokenHash]
	if !ok || rec.ApplicationID != a.ID {
		return ErrTokenInvalid
	}
	if !rec.Active() {
		return ErrTokenConsumed
	}
	if err := r.save(a); err != nil {
		return err
	}
	rec.ConsumedAt = &at
	r.tokens[tokenHash] = rec
	return nil
}

func (r *MemoryRepository) RevokeTokens(_ context.Context, a *Application, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.apps[a.ID]; ok && cur.Version != a.Version {
		return ErrStaleApplication
	}
	r.revoke(a.ID, at)
	return r.save(a)
}

func (r *MemoryRepository) revoke(appID uuid.UUID, at time.Time) {
	for hash, rec := range r.tokens {
		if rec.ApplicationID == appID && rec.RevokedAt == nil {
			rec.RevokedAt = &at
			r.tokens[hash] = rec
		}
	}
}
