package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the in-process Store used by tests and single-node dev
// deployments. A single mutex serializes transactions; writes are staged
// per-transaction and applied only if fn returns nil, so a failed
// operation leaves no partial state behind.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[uuid.UUID]Balance
	locks    []Lock // index == ID-1, append-only
	totals   Totals
	reserve  ReserveCheck
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[uuid.UUID]Balance),
	}
}

func (s *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		store:    s,
		balances: make(map[uuid.UUID]Balance),
	}

	if err := fn(tx); err != nil {
		return err
	}

	tx.commit()
	return nil
}

func (s *MemoryStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		store:    s,
		balances: make(map[uuid.UUID]Balance),
		readOnly: true,
	}

	return fn(tx)
}

// memTx stages writes against the parent store. Reads see staged writes
// first, then the committed state.
type memTx struct {
	store    *MemoryStore
	readOnly bool

	balances map[uuid.UUID]Balance
	inserted []Lock
	settled  map[int64]bool
	totals   *Totals
	reserve  *ReserveCheck
}

func (tx *memTx) Balance(user uuid.UUID) (Balance, error) {
	if b, ok := tx.balances[user]; ok {
		return b, nil
	}
	if b, ok := tx.store.balances[user]; ok {
		return b, nil
	}
	return Balance{User: user}, nil
}

func (tx *memTx) PutBalance(b Balance) error {
	tx.balances[b.User] = b
	return nil
}

func (tx *memTx) Totals() (Totals, error) {
	if tx.totals != nil {
		return *tx.totals, nil
	}
	return tx.store.totals, nil
}

func (tx *memTx) PutTotals(t Totals) error {
	tx.totals = &t
	return nil
}

func (tx *memTx) Lock(id int64) (Lock, error) {
	if id >= 1 && int(id) <= len(tx.store.locks) {
		l := tx.store.locks[id-1]
		if tx.settled[id] {
			l.Settled = true
		}
		return l, nil
	}
	// Locks inserted earlier in this transaction are visible too.
	base := int64(len(tx.store.locks))
	if id > base && int(id-base) <= len(tx.inserted) {
		l := tx.inserted[id-base-1]
		if tx.settled[id] {
			l.Settled = true
		}
		return l, nil
	}
	return Lock{}, ErrLockNotFound
}

func (tx *memTx) InsertLock(l Lock) (int64, error) {
	l.ID = int64(len(tx.store.locks)+len(tx.inserted)) + 1
	tx.inserted = append(tx.inserted, l)
	return l.ID, nil
}

func (tx *memTx) MarkSettled(id int64) error {
	if _, err := tx.Lock(id); err != nil {
		return err
	}
	if tx.settled == nil {
		tx.settled = make(map[int64]bool)
	}
	tx.settled[id] = true
	return nil
}

func (tx *memTx) OpenLocks() ([]Lock, error) {
	return tx.openLocks(func(Lock) bool { return true }), nil
}

func (tx *memTx) OpenLocksBefore(cutoff time.Time) ([]Lock, error) {
	return tx.openLocks(func(l Lock) bool { return l.CreatedAt.Before(cutoff) }), nil
}

func (tx *memTx) openLocks(match func(Lock) bool) []Lock {
	var out []Lock
	for _, l := range tx.store.locks {
		if l.Settled || tx.settled[l.ID] {
			continue
		}
		if match(l) {
			out = append(out, l)
		}
	}
	for _, l := range tx.inserted {
		if tx.settled[l.ID] {
			continue
		}
		if match(l) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (tx *memTx) ReserveCheck() (ReserveCheck, error) {
	if tx.reserve != nil {
		return *tx.reserve, nil
	}
	return tx.store.reserve, nil
}

func (tx *memTx) PutReserveCheck(rc ReserveCheck) error {
	tx.reserve = &rc
	return nil
}

func (tx *memTx) commit() {
	if tx.readOnly {
		return
	}
	for user, b := range tx.balances {
		tx.store.balances[user] = b
	}
	tx.store.locks = append(tx.store.locks, tx.inserted...)
	for id := range tx.settled {
		tx.store.locks[id-1].Settled = true
	}
	if tx.totals != nil {
		tx.store.totals = *tx.totals
	}
	if tx.reserve != nil {
		tx.store.reserve = *tx.reserve
	}
}
