package provider

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemoryRegistry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{providers: make(map[string]Provider)}
}

func (m *MemoryRegistry) ListActive(_ context.Context) ([]Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Provider
	for _, p := range m.providers {
		if p.Active {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryRegistry) Get(_ context.Context, id string) (*Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.providers[id]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return &p, nil
}

func (m *MemoryRegistry) GetByApplication(_ context.Context, applicationID uuid.UUID) (*Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.providers {
		if p.ApplicationID != nil && *p.ApplicationID == applicationID {
			cp := p
			return &cp, nil
		}
	}
	return nil, ErrProviderNotFound
}

func (m *MemoryRegistry) Create(_ context.Context, p *Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	for _, existing := range m.providers {
		if existing.ExternalID == p.ExternalID || existing.ID == p.ID {
			return ErrDuplicateProvider
		}
	}
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	m.providers[p.ID] = *p
	return nil
}

func (m *MemoryRegistry) DeleteByApplication(_ context.Context, applicationID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, p := range m.providers {
		if p.ApplicationID != nil && *p.ApplicationID == applicationID {
			delete(m.providers, id)
			n++
		}
	}
	return n, nil
}
