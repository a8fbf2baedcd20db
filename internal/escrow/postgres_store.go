package escrow

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"

	"github.com/dealshield/dealshield/internal/pagination"
)

// PostgresStore persists escrow records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const uniqueViolation = "23505"

func (p *PostgresStore) Create(ctx context.Context, rec *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, buyer, seller, listing_id, amount, fee,
			state, vault_addr, bump, created_at, updated_at, settled_at
		) VALUES (
			$1, $2, $3, $4, $5::NUMERIC(20,0), $6::NUMERIC(20,0),
			$7, $8, $9, $10, $11, $12
		)`,
		rec.ID, rec.Buyer, rec.Seller, rec.ListingID,
		strconv.FormatUint(rec.Amount, 10), strconv.FormatUint(rec.Fee, 10),
		string(rec.State), rec.VaultAddr, int16(rec.Bump),
		rec.CreatedAt, rec.UpdatedAt, nullTime(rec.SettledAt),
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == uniqueViolation {
		return ErrExists
	}
	return err
}

const recordColumns = `id, buyer, seller, listing_id, amount::TEXT, fee::TEXT,
	       state, vault_addr, bump, created_at, updated_at, settled_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM escrows WHERE id = $1`, id)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

// Transition commits a state change only if the stored state still matches,
// so a concurrent settle of the same record loses with ErrInvalidState
// instead of overwriting.
func (p *PostgresStore) Transition(ctx context.Context, rec *Record, from State) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			state = $1, updated_at = $2, settled_at = $3
		WHERE id = $4 AND state = $5`,
		string(rec.State), rec.UpdatedAt, nullTime(rec.SettledAt),
		rec.ID, string(from),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a missing record from a lost race.
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM escrows WHERE id = $1)`, rec.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrInvalidState
	}
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, addr string, limit int, before *pagination.Cursor) ([]*Record, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before != nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+recordColumns+`
			FROM escrows
			WHERE (buyer = $1 OR seller = $1)
			  AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, addr, before.CreatedAt, before.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+recordColumns+`
			FROM escrows
			WHERE buyer = $1 OR seller = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, addr, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, createdBefore time.Time, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM escrows
		WHERE state = 'initialized'
		  AND created_at < $1
		ORDER BY created_at
		LIMIT $2`, createdBefore, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*Record, error) {
	rec := &Record{}
	var (
		amount    string
		fee       string
		state     string
		bump      int16
		settledAt sql.NullTime
	)

	err := s.Scan(
		&rec.ID, &rec.Buyer, &rec.Seller, &rec.ListingID, &amount, &fee,
		&state, &rec.VaultAddr, &bump, &rec.CreatedAt, &rec.UpdatedAt, &settledAt,
	)
	if err != nil {
		return nil, err
	}

	rec.State = State(state)
	rec.Bump = byte(bump)
	if rec.Amount, err = strconv.ParseUint(amount, 10, 64); err != nil {
		return nil, fmt.Errorf("corrupt amount: %w", err)
	}
	if rec.Fee, err = strconv.ParseUint(fee, 10, 64); err != nil {
		return nil, fmt.Errorf("corrupt fee: %w", err)
	}
	if settledAt.Valid {
		rec.SettledAt = &settledAt.Time
	}

	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var result []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
