package persistence_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bidvault/internal/ledger"
	"bidvault/internal/persistence"
	"bidvault/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// setupStore migrates the test database and returns a PostgresStore.
// Skipped unless INTEGRATION_TEST is set and the test database is up.
func setupStore(t *testing.T) *persistence.PostgresStore {
	t.Helper()
	testutil.RequireIntegration(t)

	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	m := persistence.NewMigrator(db, "../../migrations", zerolog.Nop())
	if err := m.Up(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	return persistence.NewPostgresStore(db)
}

func TestPostgresStore_BalanceRoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	user := uuid.New()

	err := s.Update(ctx, func(tx ledger.Tx) error {
		return tx.PutBalance(ledger.Balance{User: user, Free: 500, Locked: 20})
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	s.View(ctx, func(tx ledger.Tx) error {
		b, err := tx.Balance(user)
		if err != nil {
			t.Fatalf("balance: %v", err)
		}
		if b.Free != 500 || b.Locked != 20 {
			t.Errorf("balance: free=%d locked=%d", b.Free, b.Locked)
		}

		// Unknown users read as zero, not as an error.
		other, err := tx.Balance(uuid.New())
		if err != nil {
			t.Fatalf("unknown balance: %v", err)
		}
		if other.Free != 0 || other.Locked != 0 {
			t.Errorf("unknown balance not zero: %+v", other)
		}
		return nil
	})
}

func TestPostgresStore_ErrorRollsBack(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	user := uuid.New()
	boom := errors.New("boom")

	err := s.Update(ctx, func(tx ledger.Tx) error {
		if err := tx.PutBalance(ledger.Balance{User: user, Free: 999}); err != nil {
			return err
		}
		if _, err := tx.InsertLock(ledger.Lock{User: user, BidAmount: 10, CreatedAt: time.Now()}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}

	s.View(ctx, func(tx ledger.Tx) error {
		b, _ := tx.Balance(user)
		if b.Free != 0 {
			t.Errorf("balance survived rollback: %d", b.Free)
		}
		if _, err := tx.Lock(1); !errors.Is(err, ledger.ErrLockNotFound) {
			t.Errorf("lock survived rollback: %v", err)
		}
		return nil
	})
}

func TestPostgresStore_LockLifecycle(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	user := uuid.New()
	created := time.Now().UTC().Truncate(time.Microsecond)

	var id int64
	err := s.Update(ctx, func(tx ledger.Tx) error {
		var err error
		id, err = tx.InsertLock(ledger.Lock{User: user, BidAmount: 250, Fee: 10, CreatedAt: created})
		return err
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	s.View(ctx, func(tx ledger.Tx) error {
		l, err := tx.Lock(id)
		if err != nil {
			t.Fatalf("lock: %v", err)
		}
		if l.User != user || l.BidAmount != 250 || l.Fee != 10 || l.Settled {
			t.Errorf("lock round trip: %+v", l)
		}

		open, err := tx.OpenLocksBefore(created.Add(time.Second))
		if err != nil {
			t.Fatalf("open locks: %v", err)
		}
		if len(open) != 1 || open[0].ID != id {
			t.Errorf("open locks: %+v", open)
		}
		return nil
	})

	if err := s.Update(ctx, func(tx ledger.Tx) error { return tx.MarkSettled(id) }); err != nil {
		t.Fatalf("settle: %v", err)
	}

	s.View(ctx, func(tx ledger.Tx) error {
		open, _ := tx.OpenLocksBefore(created.Add(time.Second))
		if len(open) != 0 {
			t.Errorf("settled lock still open: %+v", open)
		}
		return nil
	})

	err = s.Update(ctx, func(tx ledger.Tx) error { return tx.MarkSettled(id + 1000) })
	if !errors.Is(err, ledger.ErrLockNotFound) {
		t.Errorf("settle unknown lock: got %v, want ErrLockNotFound", err)
	}
}

func TestPostgresStore_ConcurrentUpdatesSerialize(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	user := uuid.New()

	const workers = 8
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			s.Update(ctx, func(tx ledger.Tx) error {
				b, err := tx.Balance(user)
				if err != nil {
					return err
				}
				b.User = user
				b.Free += 10
				return tx.PutBalance(b)
			})
		}()
	}
	wg.Wait()

	s.View(ctx, func(tx ledger.Tx) error {
		b, _ := tx.Balance(user)
		if b.Free != workers*10 {
			t.Errorf("lost update: free=%d, want %d", b.Free, workers*10)
		}
		return nil
	})
}

func TestPostgresStore_ReserveCheckRoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	s.View(ctx, func(tx ledger.Tx) error {
		rc, err := tx.ReserveCheck()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if !rc.LastCheckedAt.IsZero() || rc.LastSolvent {
			t.Errorf("fresh record: %+v", rc)
		}
		return nil
	})

	at := time.Now().UTC().Truncate(time.Microsecond)
	err := s.Update(ctx, func(tx ledger.Tx) error {
		return tx.PutReserveCheck(ledger.ReserveCheck{LastCheckedAt: at, LastSolvent: true})
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	s.View(ctx, func(tx ledger.Tx) error {
		rc, _ := tx.ReserveCheck()
		if !rc.LastSolvent || !rc.LastCheckedAt.Equal(at) {
			t.Errorf("round trip: %+v", rc)
		}
		return nil
	})
}
