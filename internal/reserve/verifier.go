package reserve

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bidvault/internal/event"
	"bidvault/internal/ledger"
	"bidvault/internal/observability"

	"github.com/rs/zerolog"
)

// ErrFetchFailed wraps any failure to read custodial holdings from the
// oracle. The verifier never marks the system solvent on a failed
// fetch; the previous check record stays in place.
var ErrFetchFailed = errors.New("reserve: holdings fetch failed")

// Result is the outcome of one completed verification.
type Result struct {
	Holdings    int64
	Obligations int64
	Solvent     bool
	CheckedAt   time.Time
}

// Verifier compares custodial holdings against recorded obligations and
// maintains the ledger's reserve-check record. It audits only: user
// balances are never touched.
type Verifier struct {
	store   ledger.Store
	oracle  Oracle
	sink    event.Sink
	log     zerolog.Logger
	metrics *observability.Metrics
	timeout time.Duration
	now     func() time.Time
}

func NewVerifier(store ledger.Store, oracle Oracle, sink event.Sink, log zerolog.Logger, metrics *observability.Metrics, timeout time.Duration) *Verifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Verifier{
		store:   store,
		oracle:  oracle,
		sink:    sink,
		log:     log,
		metrics: metrics,
		timeout: timeout,
		now:     time.Now,
	}
}

// SetClock overrides the verifier's clock. Test hook.
func (v *Verifier) SetClock(now func() time.Time) { v.now = now }

// Verify fetches custodial holdings, compares them against
// totalObligations, and overwrites the reserve-check record. On oracle
// failure the record is left untouched and the error surfaces wrapped
// in ErrFetchFailed.
func (v *Verifier) Verify(ctx context.Context) (Result, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	holdings, err := v.oracle.CurrentHoldings(fetchCtx)
	if err != nil {
		v.metrics.IncReserveCheck("fetch_failed", false)
		v.log.Error().Err(err).Msg("holdings fetch failed, keeping previous solvency record")
		return Result{}, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	var res Result
	err = v.store.Update(ctx, func(tx ledger.Tx) error {
		t, err := tx.Totals()
		if err != nil {
			return err
		}

		res = Result{
			Holdings:    holdings,
			Obligations: t.TotalObligations,
			Solvent:     holdings >= t.TotalObligations,
			CheckedAt:   v.now(),
		}

		return tx.PutReserveCheck(ledger.ReserveCheck{
			LastCheckedAt: res.CheckedAt,
			LastSolvent:   res.Solvent,
		})
	})
	if err != nil {
		return Result{}, fmt.Errorf("record reserve check: %w", err)
	}

	outcome := "solvent"
	if !res.Solvent {
		outcome = "insolvent"
		v.log.Error().Int64("holdings", res.Holdings).Int64("obligations", res.Obligations).
			Msg("reserves do not cover obligations")
	} else {
		v.log.Info().Int64("holdings", res.Holdings).Int64("obligations", res.Obligations).
			Msg("reserves verified")
	}
	v.metrics.IncReserveCheck(outcome, res.Solvent)

	if v.sink != nil {
		if err := v.sink.Publish(ctx, event.ReservesVerified{
			Holdings:    res.Holdings,
			Obligations: res.Obligations,
			Solvent:     res.Solvent,
			CheckedAt:   res.CheckedAt,
		}); err != nil {
			v.metrics.IncEventDrop()
			v.log.Warn().Err(err).Msg("publish ReservesVerified failed")
		} else {
			v.metrics.IncEventPublished(string(event.TypeReservesVerified))
		}
	}

	return res, nil
}

// LastCheck returns the recorded result of the latest verification.
func (v *Verifier) LastCheck(ctx context.Context) (ledger.ReserveCheck, error) {
	var rc ledger.ReserveCheck
	err := v.store.View(ctx, func(tx ledger.Tx) error {
		var err error
		rc, err = tx.ReserveCheck()
		return err
	})
	return rc, err
}
