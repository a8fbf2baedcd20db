// Package escrow implements the deal lifecycle for buyer-protected trades.
//
// Flow:
//  1. Buyer initializes a deal → amount+fee moved: buyer → custody vault
//  2. Buyer confirms delivery → amount → seller, fee → treasury
//  3. 14 days pass without confirmation → amount → buyer, fee → treasury
//
// Each record owns a custody vault whose authority is derived from the
// record's immutable identity (buyer, seller, listing) plus a stored salt.
// Transitions are one-way; a settled record never moves again.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/dealshield/dealshield/internal/custody"
	"github.com/dealshield/dealshield/internal/idgen"
	"github.com/dealshield/dealshield/internal/logging"
	"github.com/dealshield/dealshield/internal/pagination"
	"github.com/dealshield/dealshield/internal/syncutil"
	"github.com/dealshield/dealshield/internal/traces"
)

var (
	ErrNotFound          = errors.New("escrow not found")
	ErrExists            = errors.New("escrow already exists for this deal")
	ErrOverflow          = errors.New("amount plus fee overflows")
	ErrInvalidState      = errors.New("invalid escrow state for this operation")
	ErrUnauthorized      = errors.New("not authorized for this escrow operation")
	ErrTimeoutNotReached = errors.New("refund timeout not reached")
	ErrInvalidRequest    = errors.New("invalid escrow request")
)

// Timeout is how long the buyer has to confirm delivery before anyone may
// trigger a refund.
const Timeout = 14 * 24 * time.Hour

// MaxListingIDLength bounds the listing identifier.
const MaxListingIDLength = 128

// State represents the lifecycle state of an escrow record.
type State string

const (
	StateInitialized State = "initialized"
	StateDelivered   State = "delivered" // interim marker inside ConfirmDelivery, never committed alone
	StateCompleted   State = "completed"
	StateRefunded    State = "refunded" // interim marker inside RefundTimeout, never committed alone
	StateCancelled   State = "cancelled"

	// StateDisputed is declared for forward compatibility. No transition
	// into or out of it exists here; a dispute-resolution collaborator
	// would own those.
	StateDisputed State = "disputed"
)

// Record is the durable state of one escrow instance. Buyer, Seller,
// ListingID, Amount, Fee, Bump, and CreatedAt are immutable after creation.
type Record struct {
	ID        string     `json:"id"`
	Buyer     string     `json:"buyer"`
	Seller    string     `json:"seller"`
	ListingID string     `json:"listingId"`
	Amount    uint64     `json:"amount"`
	Fee       uint64     `json:"fee"`
	State     State      `json:"state"`
	VaultAddr string     `json:"vaultAddr"`
	Bump      byte       `json:"-"` // authority derivation salt
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	SettledAt *time.Time `json:"settledAt,omitempty"`
}

// Total returns amount+fee. Overflow is rejected at creation, so the sum is
// always valid on a live record.
func (r *Record) Total() uint64 {
	return r.Amount + r.Fee
}

// IsTerminal returns true if the record is in a final state.
func (r *Record) IsTerminal() bool {
	switch r.State {
	case StateCompleted, StateRefunded, StateCancelled:
		return true
	}
	return false
}

// NewRecord validates and builds a record in StateInitialized. It is the
// only constructor; rejects an amount+fee sum that would overflow.
func NewRecord(buyer, seller, listingID string, amount, fee uint64, now time.Time) (*Record, error) {
	buyer = strings.ToLower(strings.TrimSpace(buyer))
	seller = strings.ToLower(strings.TrimSpace(seller))
	listingID = strings.TrimSpace(listingID)

	if buyer == "" || seller == "" {
		return nil, fmt.Errorf("%w: buyer and seller are required", ErrInvalidRequest)
	}
	if buyer == seller {
		return nil, fmt.Errorf("%w: buyer and seller cannot be the same party", ErrInvalidRequest)
	}
	if listingID == "" || len(listingID) > MaxListingIDLength {
		return nil, fmt.Errorf("%w: listing id is required and at most %d bytes", ErrInvalidRequest, MaxListingIDLength)
	}
	if amount+fee < amount {
		return nil, ErrOverflow
	}

	return &Record{
		ID:        idgen.WithPrefix("esc_"),
		Buyer:     buyer,
		Seller:    seller,
		ListingID: listingID,
		Amount:    amount,
		Fee:       fee,
		State:     StateInitialized,
		Bump:      custody.NewBump(),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Store persists escrow records.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	// Transition persists rec only if the stored state still equals from,
	// returning ErrInvalidState otherwise. This is the commit point of
	// every state machine operation.
	Transition(ctx context.Context, rec *Record, from State) error
	// ListByParty returns records involving addr as buyer or seller, newest
	// first. A non-nil cursor restricts results to records strictly older
	// than the cursor position.
	ListByParty(ctx context.Context, addr string, limit int, before *pagination.Cursor) ([]*Record, error)
	// ListExpired returns initialized records created before the cutoff.
	ListExpired(ctx context.Context, createdBefore time.Time, limit int) ([]*Record, error)
}

// Notifier publishes escrow lifecycle events to interested subscribers.
type Notifier interface {
	EscrowEvent(eventType string, rec *Record)
}

// InitializeRequest contains the parameters for creating an escrow.
type InitializeRequest struct {
	Buyer     string `json:"buyer" binding:"required"`
	Seller    string `json:"seller" binding:"required"`
	ListingID string `json:"listingId" binding:"required"`
	Amount    uint64 `json:"amount"`
	Fee       uint64 `json:"fee"`
}

// Service implements the escrow state machine on top of a custody ledger.
type Service struct {
	store    Store
	ledger   *custody.Ledger
	treasury string
	notifier Notifier
	locks    syncutil.ShardedMutex
	now      func() time.Time
}

// NewService creates a new escrow service. Treasury is the fee-receiving
// custody account.
func NewService(store Store, ledger *custody.Ledger, treasury string) *Service {
	return &Service{
		store:    store,
		ledger:   ledger,
		treasury: strings.ToLower(strings.TrimSpace(treasury)),
		now:      time.Now,
	}
}

// WithNotifier adds a lifecycle event notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Initialize creates the record, its custody vault, and funds the vault with
// amount+fee from the buyer. The buyer authorizes the funding transfer
// directly; the vault's derived authority takes over from there.
func (s *Service) Initialize(ctx context.Context, req InitializeRequest) (_ *Record, retErr error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Initialize",
		attribute.String("buyer", req.Buyer),
		attribute.String("seller", req.Seller),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	rec, err := NewRecord(req.Buyer, req.Seller, req.ListingID, req.Amount, req.Fee, s.now())
	if err != nil {
		return nil, err
	}

	token := custody.DeriveAuthority(rec.Buyer, rec.Seller, rec.ListingID, rec.Bump)
	vaultAddr, err := s.ledger.CreateVault(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to create custody vault: %w", err)
	}
	rec.VaultAddr = vaultAddr

	if total := rec.Total(); total > 0 {
		err := s.ledger.Transfer(ctx, custody.Transfer{
			From:   rec.Buyer,
			To:     rec.VaultAddr,
			Amount: total,
		}, custody.Authority{Signer: rec.Buyer}, rec.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to fund escrow vault: %w", err)
		}
	}

	if err := s.store.Create(ctx, rec); err != nil {
		// Best-effort return of the deposit if the record cannot be kept.
		if total := rec.Total(); total > 0 {
			_ = s.ledger.Transfer(ctx, custody.Transfer{
				From:   rec.VaultAddr,
				To:     rec.Buyer,
				Amount: total,
			}, custody.Authority{Token: token}, rec.ID)
		}
		if errors.Is(err, ErrExists) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}

	EscrowsTotal.WithLabelValues("initialized").Inc()
	s.notify("escrow_initialized", rec)
	return rec, nil
}

// ConfirmDelivery settles the deal: amount to the seller, fee to the
// treasury, record to StateCompleted. Only the buyer may confirm.
func (s *Service) ConfirmDelivery(ctx context.Context, id, caller string) (_ *Record, retErr error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ConfirmDelivery",
		attribute.String("escrow_id", id),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	unlock := s.locks.Lock(id)
	defer unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State != StateInitialized {
		return nil, ErrInvalidState
	}
	if strings.ToLower(strings.TrimSpace(caller)) != rec.Buyer {
		return nil, ErrUnauthorized
	}

	// Interim marker only: StateDelivered is never committed on its own.
	rec.State = StateDelivered

	token := custody.DeriveAuthority(rec.Buyer, rec.Seller, rec.ListingID, rec.Bump)
	batch := settlementBatch(rec.VaultAddr, rec.Seller, rec.Amount, s.treasury, rec.Fee)
	if len(batch) > 0 {
		if err := s.ledger.TransferBatch(ctx, batch, custody.Authority{Token: token}, rec.ID); err != nil {
			return nil, fmt.Errorf("failed to settle escrow: %w", err)
		}
	}

	now := s.now()
	rec.State = StateCompleted
	rec.SettledAt = &now
	rec.UpdatedAt = now

	if err := s.commit(ctx, rec, StateInitialized, "confirm"); err != nil {
		return nil, err
	}

	EscrowsTotal.WithLabelValues("completed").Inc()
	s.notify("escrow_completed", rec)
	return rec, nil
}

// RefundTimeout returns the principal to the buyer once the confirmation
// deadline has passed; the fee stays with the treasury. Caller identity is
// deliberately unconstrained: triggering a refund benefits the buyer and
// penalizes inaction, not trust.
func (s *Service) RefundTimeout(ctx context.Context, id string) (_ *Record, retErr error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RefundTimeout",
		attribute.String("escrow_id", id),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	unlock := s.locks.Lock(id)
	defer unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State != StateInitialized {
		return nil, ErrInvalidState
	}
	// Strictly after the deadline: a refund at exactly createdAt+Timeout
	// is rejected.
	if !s.now().After(rec.CreatedAt.Add(Timeout)) {
		return nil, ErrTimeoutNotReached
	}

	// Interim marker only: StateRefunded is never committed on its own.
	rec.State = StateRefunded

	token := custody.DeriveAuthority(rec.Buyer, rec.Seller, rec.ListingID, rec.Bump)
	batch := settlementBatch(rec.VaultAddr, rec.Buyer, rec.Amount, s.treasury, rec.Fee)
	if len(batch) > 0 {
		if err := s.ledger.TransferBatch(ctx, batch, custody.Authority{Token: token}, rec.ID); err != nil {
			return nil, fmt.Errorf("failed to refund escrow: %w", err)
		}
	}

	now := s.now()
	rec.State = StateCancelled
	rec.SettledAt = &now
	rec.UpdatedAt = now

	if err := s.commit(ctx, rec, StateInitialized, "refund"); err != nil {
		return nil, err
	}

	EscrowsTotal.WithLabelValues("cancelled").Inc()
	s.notify("escrow_cancelled", rec)
	return rec, nil
}

// Get returns an escrow record by ID.
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	return s.store.Get(ctx, id)
}

// ListByParty returns escrows involving an address as buyer or seller,
// newest first. It fetches one extra record past the requested page to
// decide whether a next cursor exists.
func (s *Service) ListByParty(ctx context.Context, addr string, limit int, before *pagination.Cursor) ([]*Record, string, error) {
	if limit <= 0 {
		limit = 50
	}
	records, err := s.store.ListByParty(ctx, strings.ToLower(strings.TrimSpace(addr)), limit+1, before)
	if err != nil {
		return nil, "", err
	}
	records, next, _ := pagination.ComputePage(records, limit, func(r *Record) (time.Time, string) {
		return r.CreatedAt, r.ID
	})
	return records, next, nil
}

// commit persists the settled record. The funds have already moved, so a
// store failure is retried once and then escalated for manual resolution
// rather than compensated with a wrong transfer.
func (s *Service) commit(ctx context.Context, rec *Record, from State, op string) error {
	if err := s.store.Transition(ctx, rec, from); err != nil {
		if retryErr := s.store.Transition(ctx, rec, from); retryErr != nil {
			logging.L(ctx).Error("CRITICAL: escrow funds moved but state commit failed",
				"escrowId", rec.ID, "op", op, "error", retryErr)
			return fmt.Errorf("failed to commit escrow state after %s (requires manual resolution): %w", op, retryErr)
		}
	}
	return nil
}

func (s *Service) notify(eventType string, rec *Record) {
	if s.notifier != nil {
		s.notifier.EscrowEvent(eventType, rec)
	}
}

// settlementBatch builds the vault outflow legs, skipping zero-value legs so
// a fee-less or amount-less record still settles.
func settlementBatch(vault, principalTo string, amount uint64, treasury string, fee uint64) []custody.Transfer {
	var batch []custody.Transfer
	if amount > 0 {
		batch = append(batch, custody.Transfer{From: vault, To: principalTo, Amount: amount})
	}
	if fee > 0 {
		batch = append(batch, custody.Transfer{From: vault, To: treasury, Amount: fee})
	}
	return batch
}
