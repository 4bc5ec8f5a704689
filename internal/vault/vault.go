package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"bidvault/internal/event"
	"bidvault/internal/ledger"
	"bidvault/internal/money"
	"bidvault/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Operation names for metrics and logs.
const (
	opDeposit  = "deposit"
	opWithdraw = "withdraw"
	opLock     = "lock"
	opSettle   = "settle"
	opRefund   = "refund"
	opSweep    = "sweep"
)

// Config carries the vault's fee and expiry parameters.
type Config struct {
	// FixedFee is the per-bid convenience fee (fixed-point 1e8),
	// charged regardless of auction outcome.
	FixedFee int64

	// PlatformCutBps is the platform's settlement cut in basis points
	// of the bid amount (500 = 5%). The fixed fee is not subject to it.
	PlatformCutBps int64

	// MaxLockAge is how long a lock may stay open before the sweeper
	// force-refunds it.
	MaxLockAge time.Duration

	// Clock overrides time.Now, used by tests to age locks.
	Clock func() time.Time
}

// Settlement describes the payout of one settled lock.
type Settlement struct {
	LockID      int64
	User        uuid.UUID
	Payee       uuid.UUID
	PayeeAmount int64
	PlatformCut int64
	Fee         int64
}

// Vault is the custodial bid vault. Every balance mutation runs inside
// a single store transaction, so concurrent calls against the same user
// linearize at the store and a rejected call leaves no partial state.
type Vault struct {
	store   ledger.Store
	auth    Authorizer
	sink    event.Sink
	log     zerolog.Logger
	metrics *observability.Metrics

	paused atomic.Bool

	mu         sync.RWMutex
	fixedFee   int64
	cutBps     int64
	maxLockAge time.Duration

	now func() time.Time
}

func New(store ledger.Store, auth Authorizer, sink event.Sink, log zerolog.Logger, metrics *observability.Metrics, cfg Config) *Vault {
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Vault{
		store:      store,
		auth:       auth,
		sink:       sink,
		log:        log,
		metrics:    metrics,
		fixedFee:   cfg.FixedFee,
		cutBps:     cfg.PlatformCutBps,
		maxLockAge: cfg.MaxLockAge,
		now:        now,
	}
}

// ============================================================================
// User operations
// ============================================================================

// Deposit credits amount to the user's free balance and grows the
// global deposit and obligation counters. Returns the new free balance.
func (v *Vault) Deposit(ctx context.Context, user uuid.UUID, amount int64) (int64, error) {
	start := v.now()
	if amount <= 0 {
		v.metrics.IncRejected(opDeposit, rejectReason(ErrInvalidAmount))
		return 0, fmt.Errorf("deposit %d: %w", amount, ErrInvalidAmount)
	}
	if v.paused.Load() {
		v.metrics.IncRejected(opDeposit, rejectReason(ErrPaused))
		return 0, ErrPaused
	}

	var newFree int64
	var obligations, deposited int64
	err := v.store.Update(ctx, func(tx ledger.Tx) error {
		b, err := tx.Balance(user)
		if err != nil {
			return err
		}
		free, ok := money.AddChecked(b.Free, amount)
		if !ok {
			return fmt.Errorf("deposit %d overflows balance: %w", amount, ErrInvalidAmount)
		}
		b.Free = free
		if err := tx.PutBalance(b); err != nil {
			return err
		}

		t, err := tx.Totals()
		if err != nil {
			return err
		}
		if t.TotalDeposited, ok = money.AddChecked(t.TotalDeposited, amount); !ok {
			return fmt.Errorf("deposit %d overflows total deposits: %w", amount, ErrInvalidAmount)
		}
		if t.TotalObligations, ok = money.AddChecked(t.TotalObligations, amount); !ok {
			return fmt.Errorf("deposit %d overflows obligations: %w", amount, ErrInvalidAmount)
		}
		if err := tx.PutTotals(t); err != nil {
			return err
		}

		newFree = b.Free
		obligations, deposited = t.TotalObligations, t.TotalDeposited
		return nil
	})
	if err != nil {
		v.metrics.IncRejected(opDeposit, rejectReason(err))
		return 0, err
	}

	v.metrics.SetTotals(obligations, deposited)
	v.metrics.IncApplied(opDeposit)
	v.metrics.ObserveOp(opDeposit, v.now().Sub(start).Seconds())
	v.log.Info().Str("user", user.String()).Int64("amount", amount).Int64("free", newFree).Msg("deposit applied")
	v.publish(ctx, event.Deposited{User: user, Amount: amount, NewFreeBalance: newFree})
	return newFree, nil
}

// Withdraw debits the user's free balance. amount == 0 means withdraw
// the entire free balance. Locked funds are never touched: a user with
// open bids can still pull out the unlocked remainder.
func (v *Vault) Withdraw(ctx context.Context, user uuid.UUID, amount int64) (int64, error) {
	start := v.now()
	if amount < 0 {
		v.metrics.IncRejected(opWithdraw, rejectReason(ErrInvalidAmount))
		return 0, fmt.Errorf("withdraw %d: %w", amount, ErrInvalidAmount)
	}
	if v.paused.Load() {
		v.metrics.IncRejected(opWithdraw, rejectReason(ErrPaused))
		return 0, ErrPaused
	}

	var withdrawn, newFree int64
	var obligations, deposited int64
	err := v.store.Update(ctx, func(tx ledger.Tx) error {
		b, err := tx.Balance(user)
		if err != nil {
			return err
		}

		take := amount
		if take == 0 {
			take = b.Free
		}
		if take == 0 {
			return fmt.Errorf("withdraw all of empty balance: %w", ErrInvalidAmount)
		}
		if b.Free < take {
			return fmt.Errorf("withdraw %d with free %d: %w", take, b.Free, ErrInsufficientBalance)
		}

		b.Free -= take
		if err := tx.PutBalance(b); err != nil {
			return err
		}

		t, err := tx.Totals()
		if err != nil {
			return err
		}
		t.TotalWithdrawn += take
		t.TotalObligations -= take
		if err := tx.PutTotals(t); err != nil {
			return err
		}

		withdrawn = take
		newFree = b.Free
		obligations, deposited = t.TotalObligations, t.TotalDeposited
		return nil
	})
	if err != nil {
		v.metrics.IncRejected(opWithdraw, rejectReason(err))
		return 0, err
	}

	v.metrics.SetTotals(obligations, deposited)
	v.metrics.IncApplied(opWithdraw)
	v.metrics.ObserveOp(opWithdraw, v.now().Sub(start).Seconds())
	v.log.Info().Str("user", user.String()).Int64("amount", withdrawn).Int64("free", newFree).Msg("withdraw applied")
	v.publish(ctx, event.Withdrawn{User: user, Amount: withdrawn, NewFreeBalance: newFree})
	return withdrawn, nil
}

// ============================================================================
// Resolver operations
// ============================================================================

// LockForBid reserves bidAmount plus the fixed fee out of the user's
// free balance and opens a lock. Only authorized callers may invoke it.
// A zero bid amount is valid as long as the fee is covered.
func (v *Vault) LockForBid(ctx context.Context, caller string, user uuid.UUID, bidAmount int64) (int64, error) {
	start := v.now()
	if !v.auth.Authorized(caller) {
		v.metrics.IncRejected(opLock, rejectReason(ErrUnauthorized))
		return 0, ErrUnauthorized
	}
	if bidAmount < 0 {
		v.metrics.IncRejected(opLock, rejectReason(ErrInvalidAmount))
		return 0, fmt.Errorf("lock bid %d: %w", bidAmount, ErrInvalidAmount)
	}
	if v.paused.Load() {
		v.metrics.IncRejected(opLock, rejectReason(ErrPaused))
		return 0, ErrPaused
	}

	fee := v.FixedFee()
	required, ok := money.AddChecked(bidAmount, fee)
	if !ok {
		v.metrics.IncRejected(opLock, rejectReason(ErrInvalidAmount))
		return 0, fmt.Errorf("lock bid %d plus fee %d overflows: %w", bidAmount, fee, ErrInvalidAmount)
	}

	var lockID int64
	err := v.store.Update(ctx, func(tx ledger.Tx) error {
		b, err := tx.Balance(user)
		if err != nil {
			return err
		}
		if b.Free < required {
			return fmt.Errorf("lock requires %d with free %d: %w", required, b.Free, ErrInsufficientVaultBalance)
		}

		b.Free -= required
		b.Locked += required
		if err := tx.PutBalance(b); err != nil {
			return err
		}

		lockID, err = tx.InsertLock(ledger.Lock{
			User:      user,
			BidAmount: bidAmount,
			Fee:       fee,
			CreatedAt: v.now(),
		})
		return err
	})
	if err != nil {
		v.metrics.IncRejected(opLock, rejectReason(err))
		return 0, err
	}

	v.metrics.IncApplied(opLock)
	v.metrics.ObserveOp(opLock, v.now().Sub(start).Seconds())
	v.log.Info().Int64("lock_id", lockID).Str("user", user.String()).
		Int64("bid_amount", bidAmount).Int64("fee", fee).Msg("bid locked")
	v.publish(ctx, event.BidLocked{LockID: lockID, User: user, BidAmount: bidAmount, Fee: fee})
	return lockID, nil
}

// SettleBid resolves a lock in the seller's favor: the payee receives
// the bid amount minus the platform cut, the platform keeps the cut
// plus the fee, and the funds leave the vault. The lock is terminal
// afterwards; a second settle or refund fails without touching balances.
func (v *Vault) SettleBid(ctx context.Context, caller string, lockID int64, payee uuid.UUID) (Settlement, error) {
	start := v.now()
	if !v.auth.Authorized(caller) {
		v.metrics.IncRejected(opSettle, rejectReason(ErrUnauthorized))
		return Settlement{}, ErrUnauthorized
	}

	cutBps := v.PlatformCutBps()

	var out Settlement
	var obligations, deposited int64
	err := v.store.Update(ctx, func(tx ledger.Tx) error {
		l, err := v.openLock(tx, lockID)
		if err != nil {
			return err
		}

		cut := money.Bps(l.BidAmount, cutBps)
		total := l.Total()

		b, err := tx.Balance(l.User)
		if err != nil {
			return err
		}
		b.Locked -= total
		if err := tx.PutBalance(b); err != nil {
			return err
		}

		t, err := tx.Totals()
		if err != nil {
			return err
		}
		t.TotalObligations -= total
		t.TotalPaidOut += total
		if err := tx.PutTotals(t); err != nil {
			return err
		}

		if err := tx.MarkSettled(lockID); err != nil {
			return err
		}

		out = Settlement{
			LockID:      lockID,
			User:        l.User,
			Payee:       payee,
			PayeeAmount: l.BidAmount - cut,
			PlatformCut: cut,
			Fee:         l.Fee,
		}
		obligations, deposited = t.TotalObligations, t.TotalDeposited
		return nil
	})
	if err != nil {
		v.metrics.IncRejected(opSettle, rejectReason(err))
		return Settlement{}, err
	}

	v.metrics.SetTotals(obligations, deposited)
	v.metrics.IncApplied(opSettle)
	v.metrics.ObserveOp(opSettle, v.now().Sub(start).Seconds())
	v.log.Info().Int64("lock_id", lockID).Str("user", out.User.String()).
		Str("payee", payee.String()).Int64("payee_amount", out.PayeeAmount).
		Int64("platform_cut", out.PlatformCut).Int64("fee", out.Fee).Msg("bid settled")
	v.publish(ctx, event.BidSettled{
		LockID: lockID, User: out.User, Payee: payee,
		PayeeAmount: out.PayeeAmount, PlatformCut: out.PlatformCut, Fee: out.Fee,
	})
	return out, nil
}

// RefundBid resolves a lock in the bidder's favor, returning bid amount
// plus fee from locked to free. Obligations are unchanged: the funds
// never left the vault.
func (v *Vault) RefundBid(ctx context.Context, caller string, lockID int64) (int64, error) {
	if !v.auth.Authorized(caller) {
		v.metrics.IncRejected(opRefund, rejectReason(ErrUnauthorized))
		return 0, ErrUnauthorized
	}
	return v.refund(ctx, lockID, false)
}

func (v *Vault) refund(ctx context.Context, lockID int64, swept bool) (int64, error) {
	start := v.now()

	var user uuid.UUID
	var returned int64
	err := v.store.Update(ctx, func(tx ledger.Tx) error {
		l, err := v.openLock(tx, lockID)
		if err != nil {
			return err
		}

		total := l.Total()
		b, err := tx.Balance(l.User)
		if err != nil {
			return err
		}
		b.Locked -= total
		b.Free += total
		if err := tx.PutBalance(b); err != nil {
			return err
		}

		if err := tx.MarkSettled(lockID); err != nil {
			return err
		}

		user = l.User
		returned = total
		return nil
	})
	if err != nil {
		v.metrics.IncRejected(opRefund, rejectReason(err))
		return 0, err
	}

	v.metrics.IncApplied(opRefund)
	v.metrics.ObserveOp(opRefund, v.now().Sub(start).Seconds())
	v.log.Info().Int64("lock_id", lockID).Str("user", user.String()).
		Int64("returned", returned).Bool("swept", swept).Msg("bid refunded")
	v.publish(ctx, event.BidRefunded{LockID: lockID, User: user, TotalReturned: returned, Swept: swept})
	return returned, nil
}

// openLock loads a lock and rejects unknown or terminal ones.
func (v *Vault) openLock(tx ledger.Tx, lockID int64) (ledger.Lock, error) {
	l, err := tx.Lock(lockID)
	if err != nil {
		return ledger.Lock{}, fmt.Errorf("lock %d: %w", lockID, ErrInvalidLock)
	}
	if l.Settled {
		return ledger.Lock{}, fmt.Errorf("lock %d: %w", lockID, ErrAlreadySettled)
	}
	return l, nil
}

// ============================================================================
// Sweep
// ============================================================================

// SweepExpired force-refunds every open lock older than MaxLockAge.
// One bad lock does not abort the batch; failures are logged and
// counted. Re-running when nothing qualifies is a no-op. Safe to run
// concurrently with live traffic: a lock settled between the scan and
// the refund is skipped, not double-released.
func (v *Vault) SweepExpired(ctx context.Context) (refunded, failed int, err error) {
	cutoff := v.now().Add(-v.MaxLockAge())

	var expired []int64
	err = v.store.View(ctx, func(tx ledger.Tx) error {
		locks, err := tx.OpenLocksBefore(cutoff)
		if err != nil {
			return err
		}
		for _, l := range locks {
			expired = append(expired, l.ID)
		}
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("scan expired locks: %w", err)
	}

	for _, id := range expired {
		if _, err := v.refund(ctx, id, true); err != nil {
			if errors.Is(err, ErrAlreadySettled) {
				// Resolver got there first; nothing stuck.
				continue
			}
			failed++
			v.log.Warn().Int64("lock_id", id).Err(err).Msg("sweep refund failed")
			continue
		}
		refunded++
	}

	if refunded > 0 || failed > 0 {
		v.log.Info().Int("refunded", refunded).Int("failed", failed).Msg("expired lock sweep complete")
	}
	v.metrics.IncSweep(refunded, failed)
	return refunded, failed, nil
}

// HasExpiredLocks reports whether any open lock is past MaxLockAge.
func (v *Vault) HasExpiredLocks(ctx context.Context) (bool, error) {
	cutoff := v.now().Add(-v.MaxLockAge())
	var found bool
	err := v.store.View(ctx, func(tx ledger.Tx) error {
		locks, err := tx.OpenLocksBefore(cutoff)
		if err != nil {
			return err
		}
		found = len(locks) > 0
		return nil
	})
	return found, err
}

// ============================================================================
// Reads
// ============================================================================

// CanBid reports whether the user's free balance covers bid amount plus
// the fixed fee. Pure read used by callers to pre-validate locks.
func (v *Vault) CanBid(ctx context.Context, user uuid.UUID, bidAmount int64) (bool, error) {
	if bidAmount < 0 {
		return false, nil
	}
	required := bidAmount + v.FixedFee()
	var ok bool
	err := v.store.View(ctx, func(tx ledger.Tx) error {
		b, err := tx.Balance(user)
		if err != nil {
			return err
		}
		ok = b.Free >= required
		return nil
	})
	return ok, err
}

// Balance returns the user's free and locked balances.
func (v *Vault) Balance(ctx context.Context, user uuid.UUID) (ledger.Balance, error) {
	var b ledger.Balance
	err := v.store.View(ctx, func(tx ledger.Tx) error {
		var err error
		b, err = tx.Balance(user)
		return err
	})
	return b, err
}

// BalanceOf returns the user's withdrawable balance.
func (v *Vault) BalanceOf(ctx context.Context, user uuid.UUID) (int64, error) {
	b, err := v.Balance(ctx, user)
	return b.Free, err
}

// LockedBalanceOf returns the user's bid-committed balance.
func (v *Vault) LockedBalanceOf(ctx context.Context, user uuid.UUID) (int64, error) {
	b, err := v.Balance(ctx, user)
	return b.Locked, err
}

// LockByID returns one lock from the audit trail.
func (v *Vault) LockByID(ctx context.Context, lockID int64) (ledger.Lock, error) {
	var l ledger.Lock
	err := v.store.View(ctx, func(tx ledger.Tx) error {
		var err error
		l, err = tx.Lock(lockID)
		return err
	})
	if err != nil {
		return ledger.Lock{}, fmt.Errorf("lock %d: %w", lockID, ErrInvalidLock)
	}
	return l, nil
}

// OpenLocks returns every unsettled lock, oldest first.
func (v *Vault) OpenLocks(ctx context.Context) ([]ledger.Lock, error) {
	var locks []ledger.Lock
	err := v.store.View(ctx, func(tx ledger.Tx) error {
		var err error
		locks, err = tx.OpenLocks()
		return err
	})
	return locks, err
}

// Totals returns the vault-wide counters.
func (v *Vault) Totals(ctx context.Context) (ledger.Totals, error) {
	var t ledger.Totals
	err := v.store.View(ctx, func(tx ledger.Tx) error {
		var err error
		t, err = tx.Totals()
		return err
	})
	return t, err
}

// ============================================================================
// Admin controls
// ============================================================================

// Pause rejects new deposits, withdrawals and locks until Unpause.
// Open locks remain settlable and refundable throughout.
func (v *Vault) Pause()         { v.paused.Store(true) }
func (v *Vault) Unpause()       { v.paused.Store(false) }
func (v *Vault) IsPaused() bool { return v.paused.Load() }

func (v *Vault) FixedFee() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.fixedFee
}

// SetFixedFee updates the per-bid convenience fee. Locks already open
// keep the fee recorded at creation.
func (v *Vault) SetFixedFee(fee int64) error {
	if fee < 0 {
		return fmt.Errorf("fixed fee %d: %w", fee, ErrInvalidAmount)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fixedFee = fee
	return nil
}

func (v *Vault) PlatformCutBps() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cutBps
}

// SetPlatformCutBps updates the settlement cut, bounded to [0, 10000].
func (v *Vault) SetPlatformCutBps(bps int64) error {
	if bps < 0 || bps > money.BpsDenominator {
		return fmt.Errorf("platform cut %d bps: %w", bps, ErrInvalidAmount)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cutBps = bps
	return nil
}

func (v *Vault) MaxLockAge() time.Duration {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.maxLockAge
}

func (v *Vault) publish(ctx context.Context, evt event.Event) {
	if v.sink == nil {
		return
	}
	if err := v.sink.Publish(ctx, evt); err != nil {
		v.metrics.IncEventDrop()
		v.log.Warn().Str("event_type", string(evt.EventType())).Err(err).Msg("outbound publish failed")
		return
	}
	v.metrics.IncEventPublished(string(evt.EventType()))
}
