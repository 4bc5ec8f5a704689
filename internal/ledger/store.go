package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrLockNotFound is returned by Tx.Lock for unknown lock ids.
var ErrLockNotFound = errors.New("ledger: lock not found")

// Balance holds one user's split balance.
// Invariant: Free >= 0 and Locked >= 0 at every commit.
type Balance struct {
	User   uuid.UUID
	Free   int64 // Fixed-point: amount * 1e8
	Locked int64 // Fixed-point: amount * 1e8
}

// Lock is one in-flight bid's reservation. Locks are append-only:
// settle/refund flip Settled exactly once, rows are never deleted.
type Lock struct {
	ID        int64
	User      uuid.UUID
	BidAmount int64
	Fee       int64
	CreatedAt time.Time
	Settled   bool
}

// Total returns the amount held against the lock (bid + fee).
func (l Lock) Total() int64 {
	return l.BidAmount + l.Fee
}

// Totals are the vault-wide counters. TotalDeposited, TotalWithdrawn and
// TotalPaidOut are monotonic inflow/outflow counters for auditing;
// TotalObligations is the live sum of all free+locked balances and the
// figure the reserve verifier compares against custodial holdings.
type Totals struct {
	TotalDeposited   int64
	TotalWithdrawn   int64
	TotalPaidOut     int64
	TotalObligations int64
}

// ReserveCheck is the result record of the last reserve verification.
type ReserveCheck struct {
	LastCheckedAt time.Time
	LastSolvent   bool
}

// Tx is the single-transaction view of the ledger. All reads observe
// writes made earlier in the same transaction.
type Tx interface {
	// Balance returns the user's balance, zero-valued if never seen.
	Balance(user uuid.UUID) (Balance, error)
	PutBalance(b Balance) error

	Totals() (Totals, error)
	PutTotals(t Totals) error

	// Lock returns ErrLockNotFound for unknown ids.
	Lock(id int64) (Lock, error)
	// InsertLock assigns and returns the next monotonic lock id.
	InsertLock(l Lock) (int64, error)
	// MarkSettled flips the lock's terminal flag.
	MarkSettled(id int64) error
	// OpenLocks returns every unsettled lock, oldest first.
	OpenLocks() ([]Lock, error)
	// OpenLocksBefore returns unsettled locks created strictly before cutoff,
	// oldest first.
	OpenLocksBefore(cutoff time.Time) ([]Lock, error)

	ReserveCheck() (ReserveCheck, error)
	PutReserveCheck(rc ReserveCheck) error
}

// Store is the durable ledger. Update runs fn inside one atomic
// transaction: either every write commits or none do, and concurrent
// Update calls touching the same rows are serialized by the backend.
// View runs fn against a read-only snapshot.
type Store interface {
	Update(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx Tx) error) error
}
