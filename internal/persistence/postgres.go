package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bidvault/internal/ledger"

	"github.com/google/uuid"
)

// ledgerLockKey is the advisory-lock key serializing all writing
// transactions. The vault's operations are short single-row updates, so
// one writer at a time keeps the concurrency contract simple without
// becoming the bottleneck; readers are never blocked.
const ledgerLockKey = 0x42_1D_7A_01

// PostgresStore is the durable ledger.Store backed by Postgres.
// Update wraps fn in one SQL transaction guarded by a transaction-scoped
// advisory lock, so concurrent mutations linearize and a returned error
// rolls every write back.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Update(ctx context.Context, fn func(tx ledger.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, ledgerLockKey); err != nil {
		tx.Rollback()
		return fmt.Errorf("acquire ledger lock: %w", err)
	}

	if err := fn(&pgTx{ctx: ctx, tx: tx}); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) View(ctx context.Context, fn func(tx ledger.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	return fn(&pgTx{ctx: ctx, tx: tx})
}

type pgTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *pgTx) Balance(user uuid.UUID) (ledger.Balance, error) {
	b := ledger.Balance{User: user}
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT free, locked FROM vault.accounts WHERE user_id = $1`, user,
	).Scan(&b.Free, &b.Locked)
	if errors.Is(err, sql.ErrNoRows) {
		return b, nil
	}
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("read balance %s: %w", user, err)
	}
	return b, nil
}

func (t *pgTx) PutBalance(b ledger.Balance) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO vault.accounts (user_id, free, locked, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET free = EXCLUDED.free, locked = EXCLUDED.locked, updated_at = NOW()`,
		b.User, b.Free, b.Locked,
	)
	if err != nil {
		return fmt.Errorf("write balance %s: %w", b.User, err)
	}
	return nil
}

func (t *pgTx) Totals() (ledger.Totals, error) {
	var tot ledger.Totals
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT total_deposited, total_withdrawn, total_paid_out, total_obligations
		FROM vault.totals WHERE id = 1`,
	).Scan(&tot.TotalDeposited, &tot.TotalWithdrawn, &tot.TotalPaidOut, &tot.TotalObligations)
	if err != nil {
		return ledger.Totals{}, fmt.Errorf("read totals: %w", err)
	}
	return tot, nil
}

func (t *pgTx) PutTotals(tot ledger.Totals) error {
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE vault.totals
		SET total_deposited = $1, total_withdrawn = $2, total_paid_out = $3, total_obligations = $4
		WHERE id = 1`,
		tot.TotalDeposited, tot.TotalWithdrawn, tot.TotalPaidOut, tot.TotalObligations,
	)
	if err != nil {
		return fmt.Errorf("write totals: %w", err)
	}
	return nil
}

func (t *pgTx) Lock(id int64) (ledger.Lock, error) {
	var l ledger.Lock
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT id, user_id, bid_amount, fee, created_at, settled
		FROM vault.locks WHERE id = $1`, id,
	).Scan(&l.ID, &l.User, &l.BidAmount, &l.Fee, &l.CreatedAt, &l.Settled)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Lock{}, ledger.ErrLockNotFound
	}
	if err != nil {
		return ledger.Lock{}, fmt.Errorf("read lock %d: %w", id, err)
	}
	return l, nil
}

func (t *pgTx) InsertLock(l ledger.Lock) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(t.ctx, `
		INSERT INTO vault.locks (user_id, bid_amount, fee, created_at, settled)
		VALUES ($1, $2, $3, $4, FALSE)
		RETURNING id`,
		l.User, l.BidAmount, l.Fee, l.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert lock: %w", err)
	}
	return id, nil
}

func (t *pgTx) MarkSettled(id int64) error {
	res, err := t.tx.ExecContext(t.ctx,
		`UPDATE vault.locks SET settled = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark lock %d settled: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrLockNotFound
	}
	return nil
}

func (t *pgTx) OpenLocks() ([]ledger.Lock, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT id, user_id, bid_amount, fee, created_at, settled
		FROM vault.locks
		WHERE NOT settled
		ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("scan open locks: %w", err)
	}
	return scanLocks(rows)
}

func (t *pgTx) OpenLocksBefore(cutoff time.Time) ([]ledger.Lock, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT id, user_id, bid_amount, fee, created_at, settled
		FROM vault.locks
		WHERE NOT settled AND created_at < $1
		ORDER BY created_at`, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("scan open locks: %w", err)
	}
	return scanLocks(rows)
}

func scanLocks(rows *sql.Rows) ([]ledger.Lock, error) {
	defer rows.Close()

	var out []ledger.Lock
	for rows.Next() {
		var l ledger.Lock
		if err := rows.Scan(&l.ID, &l.User, &l.BidAmount, &l.Fee, &l.CreatedAt, &l.Settled); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (t *pgTx) ReserveCheck() (ledger.ReserveCheck, error) {
	var rc ledger.ReserveCheck
	var checkedAt sql.NullTime
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT last_checked_at, last_solvent FROM vault.reserve_checks WHERE id = 1`,
	).Scan(&checkedAt, &rc.LastSolvent)
	if err != nil {
		return ledger.ReserveCheck{}, fmt.Errorf("read reserve check: %w", err)
	}
	if checkedAt.Valid {
		rc.LastCheckedAt = checkedAt.Time
	}
	return rc, nil
}

func (t *pgTx) PutReserveCheck(rc ledger.ReserveCheck) error {
	_, err := t.tx.ExecContext(t.ctx,
		`UPDATE vault.reserve_checks SET last_checked_at = $1, last_solvent = $2 WHERE id = 1`,
		rc.LastCheckedAt, rc.LastSolvent,
	)
	if err != nil {
		return fmt.Errorf("write reserve check: %w", err)
	}
	return nil
}
