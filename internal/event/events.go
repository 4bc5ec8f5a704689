package event

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type discriminator for outbound event payloads
type Type string

const (
	TypeDeposited        Type = "Deposited"
	TypeWithdrawn        Type = "Withdrawn"
	TypeBidLocked        Type = "BidLocked"
	TypeBidSettled       Type = "BidSettled"
	TypeBidRefunded      Type = "BidRefunded"
	TypeReservesVerified Type = "ReservesVerified"
)

// Event is the interface all outbound payloads implement
type Event interface {
	// EventType returns the discriminator used as the subject suffix
	EventType() Type
}

// Sink receives events after the originating transaction has committed.
// Publish failures are non-fatal to the vault: balances are already
// durable and downstream consumers can reconcile from the ledger.
type Sink interface {
	Publish(ctx context.Context, evt Event) error
}

// Deposited is emitted after a user deposit lands in free balance.
type Deposited struct {
	User           uuid.UUID `json:"user"`
	Amount         int64     `json:"amount"` // Fixed-point: amount * 1e8
	NewFreeBalance int64     `json:"new_free_balance"`
}

func (e Deposited) EventType() Type { return TypeDeposited }

// Withdrawn is emitted after free balance leaves the vault.
type Withdrawn struct {
	User           uuid.UUID `json:"user"`
	Amount         int64     `json:"amount"`
	NewFreeBalance int64     `json:"new_free_balance"`
}

func (e Withdrawn) EventType() Type { return TypeWithdrawn }

// BidLocked is emitted when a bid reservation moves funds free -> locked.
type BidLocked struct {
	LockID    int64     `json:"lock_id"`
	User      uuid.UUID `json:"user"`
	BidAmount int64     `json:"bid_amount"`
	Fee       int64     `json:"fee"`
}

func (e BidLocked) EventType() Type { return TypeBidLocked }

// BidSettled is emitted when a lock pays out to the seller and platform.
type BidSettled struct {
	LockID      int64     `json:"lock_id"`
	User        uuid.UUID `json:"user"`
	Payee       uuid.UUID `json:"payee"`
	PayeeAmount int64     `json:"payee_amount"`
	PlatformCut int64     `json:"platform_cut"`
	Fee         int64     `json:"fee"`
}

func (e BidSettled) EventType() Type { return TypeBidSettled }

// BidRefunded is emitted when a lock returns locked -> free, including
// force-refunds performed by the expired-lock sweep.
type BidRefunded struct {
	LockID        int64     `json:"lock_id"`
	User          uuid.UUID `json:"user"`
	TotalReturned int64     `json:"total_returned"`
	Swept         bool      `json:"swept"`
}

func (e BidRefunded) EventType() Type { return TypeBidRefunded }

// ReservesVerified is emitted by every successful reserve check.
type ReservesVerified struct {
	Holdings    int64     `json:"holdings"`
	Obligations int64     `json:"obligations"`
	Solvent     bool      `json:"solvent"`
	CheckedAt   time.Time `json:"checked_at"`
}

func (e ReservesVerified) EventType() Type { return TypeReservesVerified }
