package balance

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Schema creates the balance journal tables. Amounts are NUMERIC; binary
// floating-point never touches the amount path.
const Schema = `
CREATE TABLE IF NOT EXISTS balance_heads (
	account_id TEXT PRIMARY KEY,
	version    BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS balance_deltas (
	id           BIGSERIAL PRIMARY KEY,
	account_id   TEXT NOT NULL REFERENCES balance_heads(account_id),
	asset_type   TEXT NOT NULL,
	denomination TEXT NOT NULL,
	address      TEXT NOT NULL,
	phase        TEXT NOT NULL,
	amount       NUMERIC(38, 18) NOT NULL,
	value_time   TIMESTAMPTZ NOT NULL,
	ref          TEXT NOT NULL,
	applied_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_balance_deltas_account_value_time
	ON balance_deltas (account_id, value_time);
`

// EnsureSchema creates the balance tables if they do not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create balance schema: %w", err)
	}
	return nil
}

// PostgresStore is the durable Store over a Postgres delta journal.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Store backed by the given database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateAccount(ctx context.Context, accountID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO balance_heads (account_id, version) VALUES ($1, 0)
		 ON CONFLICT (account_id) DO NOTHING`,
		accountID,
	)
	if err != nil {
		return fmt.Errorf("failed to create balance head: %w", err)
	}
	return nil
}

func (s *PostgresStore) Snapshot(ctx context.Context, accountID string) (Snapshot, error) {
	return s.snapshot(ctx, accountID, time.Time{})
}

func (s *PostgresStore) SnapshotAsOf(ctx context.Context, accountID string, asOf time.Time) (Snapshot, error) {
	return s.snapshot(ctx, accountID, asOf)
}

func (s *PostgresStore) snapshot(ctx context.Context, accountID string, asOf time.Time) (Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var version int64
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM balance_heads WHERE account_id = $1`, accountID,
	).Scan(&version)
	if err == sql.ErrNoRows {
		return Snapshot{}, ErrAccountNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read balance head: %w", err)
	}

	query := `SELECT asset_type, denomination, address, phase, SUM(amount)
		FROM balance_deltas WHERE account_id = $1`
	args := []any{accountID}
	if !asOf.IsZero() {
		query += ` AND value_time <= $2`
		args = append(args, asOf)
	}
	query += ` GROUP BY asset_type, denomination, address, phase`

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to query balances: %w", err)
	}
	defer rows.Close()

	balances := make(map[Key]decimal.Decimal)
	for rows.Next() {
		var k Key
		var amount decimal.Decimal
		if err := rows.Scan(&k.AssetType, &k.Denomination, &k.Address, &k.Phase, &amount); err != nil {
			return Snapshot{}, fmt.Errorf("failed to scan balance row: %w", err)
		}
		balances[k] = amount
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("failed to iterate balance rows: %w", err)
	}

	snapAt := asOf
	if snapAt.IsZero() {
		snapAt = time.Now().UTC()
	}
	return Snapshot{
		AccountID: accountID,
		Version:   version,
		AsOf:      snapAt,
		Balances:  balances,
	}, nil
}

func (s *PostgresStore) ApplyDeltas(ctx context.Context, accountID string, version int64, deltas []Delta, ref string) (Snapshot, error) {
	snaps, err := s.ApplyBatch(ctx, []AccountDeltas{{AccountID: accountID, Version: version, Deltas: deltas}}, ref)
	if err != nil {
		return Snapshot{}, err
	}
	return snaps[accountID], nil
}

// ApplyBatch runs one transaction across every account. Heads are locked in
// the caller's order; the commit engine passes account ids sorted, which
// keeps the row-lock order consistent with its own lock table.
func (s *PostgresStore) ApplyBatch(ctx context.Context, ops []AccountDeltas, ref string) (map[string]Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, op := range ops {
		var current int64
		err = tx.QueryRowContext(ctx,
			`SELECT version FROM balance_heads WHERE account_id = $1 FOR UPDATE`, op.AccountID,
		).Scan(&current)
		if err == sql.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to lock balance head: %w", err)
		}
		if current != op.Version {
			return nil, ErrStaleSnapshot
		}
	}

	now := time.Now().UTC()
	for _, op := range ops {
		for _, d := range op.Deltas {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO balance_deltas
				 (account_id, asset_type, denomination, address, phase, amount, value_time, ref, applied_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				op.AccountID, d.Key.AssetType, d.Key.Denomination, d.Key.Address,
				string(d.Key.Phase), d.Amount, d.ValueTime, ref, now,
			)
			if err != nil {
				return nil, fmt.Errorf("failed to append delta: %w", err)
			}
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE balance_heads SET version = version + 1 WHERE account_id = $1`, op.AccountID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to advance balance head: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	snaps := make(map[string]Snapshot, len(ops))
	for _, op := range ops {
		snap, err := s.Snapshot(ctx, op.AccountID)
		if err != nil {
			return nil, err
		}
		snaps[op.AccountID] = snap
	}
	return snaps, nil
}
