package custody

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dealshield/dealshield/internal/idgen"
)

// MemoryStore is an in-memory custody store for demo/development mode.
// A single mutex covers balances, vault registrations, and entries so a
// batch is applied atomically with respect to every reader.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[string]uint64
	vaults   map[string][]byte
	entries  map[string][]*Entry
}

// NewMemoryStore creates a new in-memory custody store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]uint64),
		vaults:   make(map[string][]byte),
		entries:  make(map[string][]*Entry),
	}
}

func (m *MemoryStore) Balance(ctx context.Context, addr string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[addr]
	if !ok {
		return 0, ErrAccountNotFound
	}
	return bal, nil
}

func (m *MemoryStore) CreateVault(ctx context.Context, addr string, authority []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.vaults[addr]; ok {
		return ErrVaultExists
	}
	m.vaults[addr] = append([]byte(nil), authority...)
	m.balances[addr] = 0
	return nil
}

func (m *MemoryStore) VaultAuthority(ctx context.Context, addr string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	auth, ok := m.vaults[addr]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return append([]byte(nil), auth...), nil
}

func (m *MemoryStore) ApplyBatch(ctx context.Context, transfers []Transfer, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate every debit against a staged view before touching the real
	// balances, so a failing leg leaves nothing applied.
	staged := make(map[string]uint64, len(transfers)*2)
	for _, t := range transfers {
		if _, ok := staged[t.From]; !ok {
			staged[t.From] = m.balances[t.From]
		}
		if _, ok := staged[t.To]; !ok {
			staged[t.To] = m.balances[t.To]
		}
		if staged[t.From] < t.Amount {
			return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientFunds, t.From, staged[t.From], t.Amount)
		}
		credited, ok := addChecked(staged[t.To], t.Amount)
		if !ok {
			return fmt.Errorf("%w: credit to %s overflows balance", ErrInvalidAmount, t.To)
		}
		staged[t.From] -= t.Amount
		staged[t.To] = credited
	}

	now := time.Now()
	for addr, bal := range staged {
		m.balances[addr] = bal
	}
	for _, t := range transfers {
		m.record(t.From, "debit", t.Amount, reference, now)
		m.record(t.To, "credit", t.Amount, reference, now)
	}
	return nil
}

func (m *MemoryStore) Deposit(ctx context.Context, addr string, amount uint64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	credited, ok := addChecked(m.balances[addr], amount)
	if !ok {
		return fmt.Errorf("%w: credit to %s overflows balance", ErrInvalidAmount, addr)
	}
	m.balances[addr] = credited
	m.record(addr, "deposit", amount, reference, time.Now())
	return nil
}

func (m *MemoryStore) History(ctx context.Context, addr string, limit int) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.entries[addr]
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]*Entry, len(entries))
	for i, e := range entries {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) record(addr, typ string, amount uint64, reference string, now time.Time) {
	m.entries[addr] = append(m.entries[addr], &Entry{
		ID:        idgen.WithPrefix("ent_"),
		Address:   addr,
		Type:      typ,
		Amount:    amount,
		Reference: reference,
		CreatedAt: now,
	})
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
