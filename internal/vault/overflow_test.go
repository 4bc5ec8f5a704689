package vault_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"bidvault/internal/vault"

	"github.com/google/uuid"
)

// ============================================================================
// Arithmetic safety: amounts near MaxInt64 must reject, never wrap.
// ============================================================================

func TestLockForBid_HugeBidRejectedNotWrapped(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.deposit(t, user, 100*unit)

	// bidAmount + fee would wrap negative and sneak past the funds check.
	_, err := f.vault.LockForBid(context.Background(), resolverKey, user, math.MaxInt64)
	if !errors.Is(err, vault.ErrInvalidAmount) {
		t.Fatalf("got %v, want ErrInvalidAmount", err)
	}

	b := f.balance(t, user)
	if b.Free != 100*unit || b.Locked != 0 {
		t.Errorf("balance touched by rejected lock: free=%d locked=%d", b.Free, b.Locked)
	}
	locks, err := f.vault.OpenLocks(context.Background())
	if err != nil {
		t.Fatalf("open locks: %v", err)
	}
	if len(locks) != 0 {
		t.Errorf("lock created despite rejection: %+v", locks)
	}
}

func TestLockForBid_RequiredAtMaxIsInsufficientNotWrapped(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.deposit(t, user, 100*unit)

	// required lands exactly on MaxInt64: no overflow, just not enough funds.
	_, err := f.vault.LockForBid(context.Background(), resolverKey, user, math.MaxInt64-1*unit)
	if !errors.Is(err, vault.ErrInsufficientVaultBalance) {
		t.Fatalf("got %v, want ErrInsufficientVaultBalance", err)
	}

	b := f.balance(t, user)
	if b.Free != 100*unit || b.Locked != 0 {
		t.Errorf("balance touched by rejected lock: free=%d locked=%d", b.Free, b.Locked)
	}
}

func TestDeposit_BalanceOverflowRejected(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.deposit(t, user, math.MaxInt64)

	_, err := f.vault.Deposit(context.Background(), user, 1)
	if !errors.Is(err, vault.ErrInvalidAmount) {
		t.Fatalf("got %v, want ErrInvalidAmount", err)
	}

	b := f.balance(t, user)
	if b.Free != math.MaxInt64 {
		t.Errorf("free: got %d, want MaxInt64", b.Free)
	}
	tot := f.totals(t)
	if tot.TotalDeposited != math.MaxInt64 || tot.TotalObligations != math.MaxInt64 {
		t.Errorf("totals moved on rejected deposit: %+v", tot)
	}
}

func TestDeposit_TotalsOverflowRejectedAcrossUsers(t *testing.T) {
	f := newFixture(t)
	first := uuid.New()
	second := uuid.New()
	f.deposit(t, first, math.MaxInt64)

	// The second user's balance has room, the global counters do not.
	_, err := f.vault.Deposit(context.Background(), second, 1)
	if !errors.Is(err, vault.ErrInvalidAmount) {
		t.Fatalf("got %v, want ErrInvalidAmount", err)
	}

	if b := f.balance(t, second); b.Free != 0 {
		t.Errorf("second user credited by rejected deposit: %d", b.Free)
	}
}

func TestSettleBid_HugeBidCutExact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := uuid.New()
	payee := uuid.New()
	f.deposit(t, user, math.MaxInt64)

	bid := int64(math.MaxInt64) - 1*unit
	lockID, err := f.vault.LockForBid(ctx, resolverKey, user, bid)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	// bid * 500 overflows int64; the cut must still be exactly 5%.
	res, err := f.vault.SettleBid(ctx, resolverKey, lockID, payee)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	wantCut := bid / 20
	if res.PlatformCut != wantCut {
		t.Errorf("platform cut: got %d, want %d", res.PlatformCut, wantCut)
	}
	if res.PayeeAmount != bid-wantCut {
		t.Errorf("payee amount: got %d, want %d", res.PayeeAmount, bid-wantCut)
	}
	if res.PayeeAmount < 0 || res.PlatformCut < 0 {
		t.Errorf("settlement wrapped negative: %+v", res)
	}

	tot := f.totals(t)
	if tot.TotalObligations != 0 || tot.TotalPaidOut != math.MaxInt64 {
		t.Errorf("totals after settle: %+v", tot)
	}
}
