package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dealshield/dealshield/internal/pagination"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	deals   map[string]string // (buyer,seller,listing) key -> record ID
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		deals:   make(map[string]string),
	}
}

func dealKey(buyer, seller, listingID string) string {
	return buyer + "\x00" + seller + "\x00" + listingID
}

func (m *MemoryStore) Create(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := dealKey(rec.Buyer, rec.Seller, rec.ListingID)
	if _, ok := m.deals[key]; ok {
		return ErrExists
	}
	cp := *rec
	m.records[rec.ID] = &cp
	m.deals[key] = rec.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) Transition(ctx context.Context, rec *Record, from State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.records[rec.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.State != from {
		return ErrInvalidState
	}
	cp := *rec
	m.records[rec.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, addr string, limit int, before *pagination.Cursor) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []*Record
	for _, rec := range m.records {
		if rec.Buyer != addr && rec.Seller != addr {
			continue
		}
		if before != nil && !olderThan(rec, before) {
			continue
		}
		cp := *rec
		matches = append(matches, &cp)
	}

	// Newest first, ID as tiebreak for stable cursor order
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.After(matches[j].CreatedAt)
		}
		return matches[i].ID > matches[j].ID
	})

	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// olderThan reports whether rec sorts strictly after the cursor position in
// (created_at DESC, id DESC) order.
func olderThan(rec *Record, c *pagination.Cursor) bool {
	if !rec.CreatedAt.Equal(c.CreatedAt) {
		return rec.CreatedAt.Before(c.CreatedAt)
	}
	return rec.ID < c.ID
}

func (m *MemoryStore) ListExpired(ctx context.Context, createdBefore time.Time, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, rec := range m.records {
		if rec.State == StateInitialized && rec.CreatedAt.Before(createdBefore) {
			cp := *rec
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
