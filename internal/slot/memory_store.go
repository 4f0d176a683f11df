package slot

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. The mutex plays the role of the row
// lock taken by the conditional UPDATE in PgStore.
type MemoryStore struct {
	mu         sync.Mutex
	slots      map[uuid.UUID]*Slot
	byExternal map[string]uuid.UUID
	audit      []AuditEntry
	nextAudit  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		slots:      make(map[uuid.UUID]*Slot),
		byExternal: make(map[string]uuid.UUID),
	}
}

func externalKey(providerID, externalID string) string {
	return providerID + "\x00" + externalID
}

// Put inserts or replaces a slot as-is. Intended for seeding and tests.
func (m *MemoryStore) Put(s Slot) Slot {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	s.UpdatedAt = s.CreatedAt
	cp := s
	m.slots[s.ID] = &cp
	m.byExternal[externalKey(s.ProviderID, s.ExternalID)] = s.ID
	return s
}

func (m *MemoryStore) appendAudit(slotID uuid.UUID, from, to Status, actor string, at time.Time) {
	m.nextAudit++
	m.audit = append(m.audit, AuditEntry{
		ID:        m.nextAudit,
		SlotID:    slotID,
		From:      from,
		To:        to,
		Actor:     actor,
		CreatedAt: at,
	})
}

func (m *MemoryStore) UpsertSlots(_ context.Context, providerID string, windows []Window, horizon Horizon, now time.Time) (UpsertResult, error) {
	for _, w := range windows {
		if err := w.Validate(); err != nil {
			return UpsertResult{}, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var res UpsertResult
	reported := make(map[string]struct{}, len(windows))

	for _, w := range windows {
		reported[w.ExternalID] = struct{}{}
		id, ok := m.byExternal[externalKey(providerID, w.ExternalID)]
		if !ok {
			s := &Slot{
				ID:              uuid.New(),
				ExternalID:      w.ExternalID,
				ProviderID:      providerID,
				StartUnix:       w.StartUnix,
				EndUnix:         w.EndUnix,
				Status:          StatusFree,
				IsBookable:      true,
				DurationMinutes: w.DurationMinutes(),
				LocationType:    w.LocationType,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			m.slots[s.ID] = s
			m.byExternal[externalKey(providerID, w.ExternalID)] = s.ID
			res.Inserted++
			continue
		}

		s := m.slots[id]
		switch s.Status {
		case StatusCancelled:
			s.Status = StatusFree
			m.appendAudit(s.ID, StatusCancelled, StatusFree, ActorSync, now)
			res.Revived++
		case StatusFree:
			res.Updated++
		default:
			res.Preserved++
			continue
		}
		s.StartUnix = w.StartUnix
		s.EndUnix = w.EndUnix
		s.DurationMinutes = w.DurationMinutes()
		s.LocationType = w.LocationType
		s.UpdatedAt = now
	}

	for _, s := range m.slots {
		if s.ProviderID != providerID || s.Status != StatusFree || !horizon.Covers(s.StartUnix) {
			continue
		}
		if _, ok := reported[s.ExternalID]; ok {
			continue
		}
		s.Status = StatusCancelled
		s.UpdatedAt = now
		m.appendAudit(s.ID, StatusFree, StatusCancelled, ActorSync, now)
		res.Cancelled++
	}

	return res, nil
}

func (m *MemoryStore) FindFreeSlots(_ context.Context, q Query, now time.Time, limit int) ([]Slot, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Slot
	for _, s := range m.slots {
		if q.Matches(*s, now) {
			out = append(out, *s)
		}
	}
	sortByStart(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GetSlot(_ context.Context, id uuid.UUID) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ListSlots(_ context.Context, f ListFilter) ([]Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Slot
	for _, s := range m.slots {
		if f.ProviderID != "" && s.ProviderID != f.ProviderID {
			continue
		}
		if f.FromUnix != 0 && s.StartUnix < f.FromUnix {
			continue
		}
		if f.ToUnix != 0 && s.StartUnix >= f.ToUnix {
			continue
		}
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		out = append(out, *s)
	}
	sortByStart(out)

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ListExpiredHolds(_ context.Context, now time.Time, limit int) ([]Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Slot
	for _, s := range m.slots {
		if s.LeaseExpired(now) {
			out = append(out, *s)
		}
	}
	sortByStart(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Transition(_ context.Context, req TransitionRequest) (*Slot, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := req.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[req.SlotID]
	if !ok {
		return nil, ErrSlotNotFound
	}
	if !casMatches(*s, req, now) {
		return nil, ErrTransitionConflict
	}

	applyTransition(s, req, now)
	m.appendAudit(s.ID, req.From, req.To, req.Actor, now)

	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ListAudit(_ context.Context, slotID uuid.UUID) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []AuditEntry
	for _, e := range m.audit {
		if e.SlotID == slotID {
			out = append(out, e)
		}
	}
	return out, nil
}

// casMatches mirrors the WHERE clauses in PgStore.Transition.
func casMatches(s Slot, req TransitionRequest, now time.Time) bool {
	switch {
	case req.From == StatusFree && req.To == StatusHeld:
		return s.Reservable(now)
	case req.From == StatusHeld:
		if s.Status != StatusHeld || s.LockToken != req.LockToken {
			return false
		}
		switch req.Lease {
		case LeaseActive:
			return !s.LeaseExpired(now)
		case LeaseExpired:
			return s.LeaseExpired(now)
		}
		return true
	case req.From == StatusBooked:
		return s.Status == StatusBooked
	}
	return false
}

func applyTransition(s *Slot, req TransitionRequest, now time.Time) {
	s.Status = req.To
	s.UpdatedAt = now
	switch req.To {
	case StatusHeld:
		exp := req.ExpiresAt
		s.LockToken = req.NewLockToken
		s.HeldBy = req.HeldBy
		s.LockExpiresAt = &exp
	case StatusBooked:
		// the token stays so the booking can be traced to its payment
		s.LockExpiresAt = nil
	default:
		s.LockToken = ""
		s.HeldBy = ""
		s.LockExpiresAt = nil
	}
}

func sortByStart(slots []Slot) {
	sort.Slice(slots, func(i, j int) bool {
		if slots[i].StartUnix != slots[j].StartUnix {
			return slots[i].StartUnix < slots[j].StartUnix
		}
		return slots[i].ID.String() < slots[j].ID.String()
	})
}
