package upkeep

import (
	"context"
	"fmt"
	"time"

	"bidvault/internal/ledger"
	"bidvault/internal/reserve"
	"bidvault/internal/vault"

	"github.com/rs/zerolog"
)

// Action discriminates what Perform should do. Check returns at most
// one action per call; callers loop until ActionNone.
type Action int

const (
	ActionNone Action = iota
	ActionReserveCheck
	ActionSweepExpired
)

func (a Action) String() string {
	switch a {
	case ActionReserveCheck:
		return "ReserveCheck"
	case ActionSweepExpired:
		return "SweepExpired"
	default:
		return "None"
	}
}

// Upkeep is the two-phase maintenance interface: a cheap Check
// predicate any external scheduler can poll, and a Perform executor.
// It assumes nothing about the scheduling technology driving it.
type Upkeep struct {
	store    ledger.Store
	vault    *vault.Vault
	verifier *reserve.Verifier

	checkInterval time.Duration
	log           zerolog.Logger
	now           func() time.Time
}

func New(store ledger.Store, v *vault.Vault, verifier *reserve.Verifier, checkInterval time.Duration, log zerolog.Logger) *Upkeep {
	return &Upkeep{
		store:         store,
		vault:         v,
		verifier:      verifier,
		checkInterval: checkInterval,
		log:           log,
		now:           time.Now,
	}
}

// SetClock overrides the upkeep clock. Test hook.
func (u *Upkeep) SetClock(now func() time.Time) { u.now = now }

// Check reports whether maintenance is due. Expired locks outrank the
// reserve-check cadence: stuck user funds are the more urgent defect,
// and the reserve check runs on the next poll.
func (u *Upkeep) Check(ctx context.Context) (Action, error) {
	expired, err := u.vault.HasExpiredLocks(ctx)
	if err != nil {
		return ActionNone, fmt.Errorf("check expired locks: %w", err)
	}
	if expired {
		return ActionSweepExpired, nil
	}

	var rc ledger.ReserveCheck
	err = u.store.View(ctx, func(tx ledger.Tx) error {
		var err error
		rc, err = tx.ReserveCheck()
		return err
	})
	if err != nil {
		return ActionNone, fmt.Errorf("read reserve check record: %w", err)
	}

	if u.now().Sub(rc.LastCheckedAt) > u.checkInterval {
		return ActionReserveCheck, nil
	}

	return ActionNone, nil
}

// Perform executes one maintenance action. Performing an action that
// turned stale between Check and Perform is harmless: a sweep with no
// qualifying locks is a no-op and a reserve check is always safe.
func (u *Upkeep) Perform(ctx context.Context, action Action) error {
	switch action {
	case ActionReserveCheck:
		if _, err := u.verifier.Verify(ctx); err != nil {
			return fmt.Errorf("reserve check upkeep: %w", err)
		}
		return nil

	case ActionSweepExpired:
		refunded, failed, err := u.vault.SweepExpired(ctx)
		if err != nil {
			return fmt.Errorf("sweep upkeep: %w", err)
		}
		if failed > 0 {
			u.log.Warn().Int("refunded", refunded).Int("failed", failed).Msg("sweep finished with failures")
		}
		return nil

	case ActionNone:
		return nil

	default:
		return fmt.Errorf("unknown upkeep action %d", action)
	}
}

// Runner polls Check on a fixed interval and executes due actions.
// It is one possible scheduler over the Check/Perform pair; cron or a
// message trigger would serve equally.
type Runner struct {
	upkeep *Upkeep
	poll   time.Duration
	log    zerolog.Logger
}

func NewRunner(u *Upkeep, poll time.Duration, log zerolog.Logger) *Runner {
	return &Runner{upkeep: u, poll: poll, log: log}
}

// Run blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	r.log.Info().Dur("poll", r.poll).Msg("upkeep runner started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			action, err := r.upkeep.Check(ctx)
			if err != nil {
				r.log.Error().Err(err).Msg("upkeep check failed")
				continue
			}
			if action == ActionNone {
				continue
			}

			r.log.Info().Str("action", action.String()).Msg("performing upkeep")
			if err := r.upkeep.Perform(ctx, action); err != nil {
				r.log.Error().Str("action", action.String()).Err(err).Msg("upkeep failed")
			}
		}
	}
}
