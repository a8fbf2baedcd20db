// Package custody tracks account balances and moves value between custody
// locations under explicit authority.
//
// Two kinds of locations exist:
//   - plain accounts, debited only by their own address acting as a direct
//     signer
//   - vaults, created with a registered authority token; debits require the
//     caller to present a token that reproduces the registered one
//
// A batch of transfers is applied all-or-nothing: authority and balance are
// verified for every leg before any balance changes, and a failure leaves
// every account untouched.
package custody

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrBadAuthority      = errors.New("authority does not match custody location")
	ErrAccountNotFound   = errors.New("account not found")
	ErrVaultExists       = errors.New("vault already exists")
	ErrInvalidAmount     = errors.New("invalid amount")
)

// Transfer moves an exact amount from one custody location to another.
type Transfer struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

// Authority authorizes the debit side of a transfer. Exactly one of the two
// fields is set: Signer for a plain account debit, Token for a vault debit.
type Authority struct {
	Signer string
	Token  []byte
}

// Entry is one side of an applied transfer, recorded for audit.
type Entry struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	Type      string    `json:"type"` // debit, credit, deposit
	Amount    uint64    `json:"amount"`
	Reference string    `json:"reference,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists balances and vault registrations.
type Store interface {
	Balance(ctx context.Context, addr string) (uint64, error)
	CreateVault(ctx context.Context, addr string, authority []byte) error
	VaultAuthority(ctx context.Context, addr string) ([]byte, error)
	// ApplyBatch debits and credits every transfer atomically, recording
	// entries tagged with reference. No partial application is observable.
	ApplyBatch(ctx context.Context, transfers []Transfer, reference string) error
	Deposit(ctx context.Context, addr string, amount uint64, reference string) error
	History(ctx context.Context, addr string, limit int) ([]*Entry, error)
}

// Ledger enforces the authority rules on top of a Store.
type Ledger struct {
	store Store
}

// New creates a custody ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Balance returns the current balance of a custody location. Unknown
// addresses report zero, matching the behavior of an account that has never
// been funded.
func (l *Ledger) Balance(ctx context.Context, addr string) (uint64, error) {
	bal, err := l.store.Balance(ctx, normalize(addr))
	if errors.Is(err, ErrAccountNotFound) {
		return 0, nil
	}
	return bal, err
}

// Deposit credits a plain account. Used to fund buyers in demo mode and from
// the deposit endpoint.
func (l *Ledger) Deposit(ctx context.Context, addr string, amount uint64, reference string) error {
	defer observeOp("deposit")()
	if amount == 0 {
		return ErrInvalidAmount
	}
	return l.store.Deposit(ctx, normalize(addr), amount, reference)
}

// CreateVault registers a vault addressed by the given authority token.
// Returns the vault address.
func (l *Ledger) CreateVault(ctx context.Context, authority []byte) (string, error) {
	defer observeOp("create_vault")()
	addr := VaultAddress(authority)
	if err := l.store.CreateVault(ctx, addr, authority); err != nil {
		return "", err
	}
	return addr, nil
}

// Transfer moves a single amount under the given authority.
func (l *Ledger) Transfer(ctx context.Context, t Transfer, auth Authority, reference string) error {
	return l.TransferBatch(ctx, []Transfer{t}, auth, reference)
}

// TransferBatch applies transfers as a single atomic unit. Authority is
// verified for every debited location before any balance moves; if any leg
// fails validation or funding, nothing is applied.
func (l *Ledger) TransferBatch(ctx context.Context, legs []Transfer, auth Authority, reference string) error {
	defer observeOp("transfer_batch")()

	// Normalize into a copy; the caller's slice stays untouched.
	transfers := make([]Transfer, len(legs))
	for i, t := range legs {
		t.From = normalize(t.From)
		t.To = normalize(t.To)
		transfers[i] = t
	}

	for _, t := range transfers {
		if t.Amount == 0 {
			return ErrInvalidAmount
		}
		if t.From == t.To {
			return fmt.Errorf("%w: transfer to self", ErrInvalidAmount)
		}
		if err := l.authorize(ctx, t.From, auth); err != nil {
			return err
		}
	}

	if err := l.store.ApplyBatch(ctx, transfers, reference); err != nil {
		TransfersTotal.WithLabelValues("failed").Inc()
		return err
	}
	TransfersTotal.WithLabelValues("applied").Inc()
	return nil
}

// History returns audit entries for a custody location.
func (l *Ledger) History(ctx context.Context, addr string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.History(ctx, normalize(addr), limit)
}

// authorize verifies that auth may debit from.
func (l *Ledger) authorize(ctx context.Context, from string, auth Authority) error {
	registered, err := l.store.VaultAuthority(ctx, from)
	if err != nil && !errors.Is(err, ErrAccountNotFound) {
		return err
	}

	if registered != nil {
		// Vault debit: the presented token must reproduce the
		// registered authority.
		if len(auth.Token) == 0 || subtle.ConstantTimeCompare(auth.Token, registered) != 1 {
			return fmt.Errorf("%w: vault %s", ErrBadAuthority, from)
		}
		return nil
	}

	// Plain account debit: only the owner signs for it.
	if auth.Signer == "" || normalize(auth.Signer) != from {
		return fmt.Errorf("%w: account %s", ErrBadAuthority, from)
	}
	return nil
}

func normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// addChecked returns a+b and whether the sum fits in uint64. Every balance
// mutation goes through this: a wrapped credit silently destroys value.
func addChecked(a, b uint64) (uint64, bool) {
	sum := a + b
	return sum, sum >= a
}
