package custody

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/lib/pq"

	"github.com/dealshield/dealshield/internal/idgen"
	"github.com/dealshield/dealshield/internal/retry"
)

// PostgresStore persists custody data in PostgreSQL.
//
// Balances are NUMERIC(20,0) so the full uint64 range survives the trip;
// values are passed as decimal strings because the driver cannot carry
// uint64 with the high bit set.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed custody store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Balance(ctx context.Context, addr string) (uint64, error) {
	var raw string
	err := p.db.QueryRowContext(ctx, `
		SELECT balance::TEXT FROM custody_accounts WHERE address = $1
	`, addr).Scan(&raw)
	if err == sql.ErrNoRows {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(raw, 10, 64)
}

func (p *PostgresStore) CreateVault(ctx context.Context, addr string, authority []byte) error {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO custody_accounts (address, balance, authority, created_at, updated_at)
		VALUES ($1, 0, $2, NOW(), NOW())
		ON CONFLICT (address) DO NOTHING
	`, addr, authority)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrVaultExists
	}
	return nil
}

func (p *PostgresStore) VaultAuthority(ctx context.Context, addr string) ([]byte, error) {
	var authority []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT authority FROM custody_accounts WHERE address = $1
	`, addr).Scan(&authority)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return authority, nil
}

// txMaxAttempts bounds retries of serializable transactions that abort with
// a serialization or deadlock failure.
const txMaxAttempts = 3

// classifyTxErr marks errors that a fresh transaction attempt cannot fix as
// permanent. Serialization failures (40001) and deadlocks (40P01) pass
// through so retry.Do tries again.
func classifyTxErr(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && (pqErr.Code == "40001" || pqErr.Code == "40P01") {
		return err
	}
	return retry.Permanent(err)
}

// ApplyBatch applies every transfer in one serializable transaction. Debited
// rows are locked in address order to avoid deadlocks between concurrent
// batches, balances are verified before any update, and the CHECK constraint
// on custody_accounts backs the verification up. Aborted transactions are
// retried with backoff.
func (p *PostgresStore) ApplyBatch(ctx context.Context, transfers []Transfer, reference string) error {
	return retry.Do(ctx, txMaxAttempts, 50*time.Millisecond, func() error {
		return classifyTxErr(p.applyBatchTx(ctx, transfers, reference))
	})
}

func (p *PostgresStore) applyBatchTx(ctx context.Context, transfers []Transfer, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	debits := make(map[string]uint64)
	for _, t := range transfers {
		next, ok := addChecked(debits[t.From], t.Amount)
		if !ok {
			return ErrInvalidAmount
		}
		debits[t.From] = next
	}
	addrs := make([]string, 0, len(debits))
	for addr := range debits {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	for _, addr := range addrs {
		var raw string
		err := tx.QueryRowContext(ctx, `
			SELECT balance::TEXT FROM custody_accounts WHERE address = $1 FOR UPDATE
		`, addr).Scan(&raw)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s", ErrInsufficientFunds, addr)
		}
		if err != nil {
			return err
		}
		bal, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("corrupt balance for %s: %w", addr, err)
		}
		if bal < debits[addr] {
			return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientFunds, addr, bal, debits[addr])
		}
	}

	now := time.Now()
	for _, t := range transfers {
		amount := strconv.FormatUint(t.Amount, 10)

		_, err = tx.ExecContext(ctx, `
			UPDATE custody_accounts SET
				balance    = balance - $2::NUMERIC(20,0),
				updated_at = NOW()
			WHERE address = $1
		`, t.From, amount)
		if err != nil {
			return fmt.Errorf("failed to debit %s: %w", t.From, err)
		}

		// A credit pushing the balance past 2^64-1 trips the range CHECK
		// on custody_accounts and aborts the whole batch.
		_, err = tx.ExecContext(ctx, `
			INSERT INTO custody_accounts (address, balance, created_at, updated_at)
			VALUES ($1, $2::NUMERIC(20,0), NOW(), NOW())
			ON CONFLICT (address) DO UPDATE SET
				balance    = custody_accounts.balance + $2::NUMERIC(20,0),
				updated_at = NOW()
		`, t.To, amount)
		if err != nil {
			return fmt.Errorf("failed to credit %s: %w", t.To, err)
		}

		for _, leg := range []struct {
			addr string
			typ  string
		}{{t.From, "debit"}, {t.To, "credit"}} {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO custody_entries (id, address, type, amount, reference, created_at)
				VALUES ($1, $2, $3, $4::NUMERIC(20,0), $5, $6)
			`, idgen.WithPrefix("ent_"), leg.addr, leg.typ, amount, reference, now)
			if err != nil {
				return fmt.Errorf("failed to record entry: %w", err)
			}
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) Deposit(ctx context.Context, addr string, amount uint64, reference string) error {
	return retry.Do(ctx, txMaxAttempts, 50*time.Millisecond, func() error {
		return classifyTxErr(p.depositTx(ctx, addr, amount, reference))
	})
}

func (p *PostgresStore) depositTx(ctx context.Context, addr string, amount uint64, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	raw := strconv.FormatUint(amount, 10)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO custody_accounts (address, balance, created_at, updated_at)
		VALUES ($1, $2::NUMERIC(20,0), NOW(), NOW())
		ON CONFLICT (address) DO UPDATE SET
			balance    = custody_accounts.balance + $2::NUMERIC(20,0),
			updated_at = NOW()
	`, addr, raw)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO custody_entries (id, address, type, amount, reference, created_at)
		VALUES ($1, $2, 'deposit', $3::NUMERIC(20,0), $4, NOW())
	`, idgen.WithPrefix("ent_"), addr, raw, reference)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) History(ctx context.Context, addr string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, address, type, amount::TEXT, COALESCE(reference, ''), created_at
		FROM custody_entries
		WHERE address = $1
		ORDER BY created_at DESC
		LIMIT $2`, addr, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e := &Entry{}
		var raw string
		if err := rows.Scan(&e.ID, &e.Address, &e.Type, &raw, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.Amount, err = strconv.ParseUint(raw, 10, 64); err != nil {
			return nil, fmt.Errorf("corrupt entry amount: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
