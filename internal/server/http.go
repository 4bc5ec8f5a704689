package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"bidvault/internal/observability"
	"bidvault/internal/reserve"
	"bidvault/internal/upkeep"
	"bidvault/internal/vault"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Caller identity headers. Resolver keys are checked against the
// vault's allow-list inside each operation; the admin key guards the
// administrative surface at the router.
const (
	headerResolverKey = "X-Resolver-Key"
	headerAdminKey    = "X-Admin-Key"
)

// Server is the HTTP/JSON API over the vault: a user surface
// (deposit/withdraw/queries), a resolver surface (lock/settle/refund)
// and an admin surface (pause, allow-list, fees, reserves, upkeep).
type Server struct {
	vault     *vault.Vault
	callers   *vault.CallerSet
	verifier  *reserve.Verifier
	upkeep    *upkeep.Upkeep
	adminKey  string
	health    *observability.HealthChecker
	log       zerolog.Logger
	metrics   *observability.Metrics
	httpServe *http.Server
}

func New(v *vault.Vault, callers *vault.CallerSet, verifier *reserve.Verifier, uk *upkeep.Upkeep, adminKey string, health *observability.HealthChecker, log zerolog.Logger, metrics *observability.Metrics) *Server {
	return &Server{
		vault:    v,
		callers:  callers,
		verifier: verifier,
		upkeep:   uk,
		adminKey: adminKey,
		health:   health,
		log:      log,
		metrics:  metrics,
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.health.LivenessHandler)
	r.Get("/readyz", s.health.ReadinessHandler)

	r.Route("/v1", func(r chi.Router) {
		// User surface
		r.Post("/users/{user}/deposit", s.handleDeposit)
		r.Post("/users/{user}/withdraw", s.handleWithdraw)
		r.Get("/users/{user}/balance", s.handleBalance)
		r.Get("/users/{user}/can-bid", s.handleCanBid)

		// Resolver surface; each vault call re-checks the key against
		// the allow-list.
		r.Post("/locks", s.handleLock)
		r.Post("/locks/{id}/settle", s.handleSettle)
		r.Post("/locks/{id}/refund", s.handleRefund)
		r.Get("/locks/{id}", s.handleLockByID)
		r.Get("/locks", s.handleOpenLocks)

		r.Get("/reserves", s.handleReserves)

		// Admin surface
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/pause", s.handlePause)
			r.Post("/unpause", s.handleUnpause)
			r.Post("/callers", s.handleAddCaller)
			r.Delete("/callers", s.handleRemoveCaller)
			r.Post("/fees", s.handleSetFees)
			r.Post("/verify-reserves", s.handleVerifyReserves)
			r.Post("/upkeep", s.handleUpkeep)
		})
	})

	return r
}

// Run serves the API until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.httpServe = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServe.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", addr).Msg("http server listening")
	if err := s.httpServe.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ============================================================================
// User surface
// ============================================================================

type amountRequest struct {
	Amount int64 `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	user, ok := s.userParam(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if !s.decode(w, r, &req) {
		return
	}

	newFree, err := s.vault.Deposit(r.Context(), user, req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":             user,
		"amount":           req.Amount,
		"new_free_balance": newFree,
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	user, ok := s.userParam(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if !s.decode(w, r, &req) {
		return
	}

	withdrawn, err := s.vault.Withdraw(r.Context(), user, req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	free, err := s.vault.BalanceOf(r.Context(), user)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":             user,
		"withdrawn":        withdrawn,
		"new_free_balance": free,
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	user, ok := s.userParam(w, r)
	if !ok {
		return
	}
	b, err := s.vault.Balance(r.Context(), user)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":   user,
		"free":   b.Free,
		"locked": b.Locked,
	})
}

func (s *Server) handleCanBid(w http.ResponseWriter, r *http.Request) {
	user, ok := s.userParam(w, r)
	if !ok {
		return
	}
	bidAmount, err := strconv.ParseInt(r.URL.Query().Get("bid_amount"), 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bid_amount must be an integer"})
		return
	}

	can, err := s.vault.CanBid(r.Context(), user, bidAmount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":       user,
		"bid_amount": bidAmount,
		"can_bid":    can,
	})
}

// ============================================================================
// Resolver surface
// ============================================================================

type lockRequest struct {
	User      uuid.UUID `json:"user"`
	BidAmount int64     `json:"bid_amount"`
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if !s.decode(w, r, &req) {
		return
	}

	lockID, err := s.vault.LockForBid(r.Context(), r.Header.Get(headerResolverKey), req.User, req.BidAmount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"lock_id":    lockID,
		"user":       req.User,
		"bid_amount": req.BidAmount,
	})
}

type settleRequest struct {
	Payee uuid.UUID `json:"payee"`
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	lockID, ok := s.lockParam(w, r)
	if !ok {
		return
	}
	var req settleRequest
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.vault.SettleBid(r.Context(), r.Header.Get(headerResolverKey), lockID, req.Payee)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"lock_id":      res.LockID,
		"user":         res.User,
		"payee":        res.Payee,
		"payee_amount": res.PayeeAmount,
		"platform_cut": res.PlatformCut,
		"fee":          res.Fee,
	})
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	lockID, ok := s.lockParam(w, r)
	if !ok {
		return
	}

	returned, err := s.vault.RefundBid(r.Context(), r.Header.Get(headerResolverKey), lockID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"lock_id":        lockID,
		"total_returned": returned,
	})
}

func (s *Server) handleLockByID(w http.ResponseWriter, r *http.Request) {
	lockID, ok := s.lockParam(w, r)
	if !ok {
		return
	}
	l, err := s.vault.LockByID(r.Context(), lockID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleOpenLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := s.vault.OpenLocks(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"locks": locks})
}

func (s *Server) handleReserves(w http.ResponseWriter, r *http.Request) {
	rc, err := s.verifier.LastCheck(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	t, err := s.vault.Totals(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"last_checked_at":   rc.LastCheckedAt,
		"last_solvent":      rc.LastSolvent,
		"total_obligations": t.TotalObligations,
		"total_deposited":   t.TotalDeposited,
	})
}

// ============================================================================
// Admin surface
// ============================================================================

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(headerAdminKey)
		if s.adminKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.adminKey)) != 1 {
			s.writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin key required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.vault.Pause()
	s.log.Warn().Msg("vault paused by admin")
	s.writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	s.vault.Unpause()
	s.log.Info().Msg("vault unpaused by admin")
	s.writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

type callerRequest struct {
	Key string `json:"key"`
}

func (s *Server) handleAddCaller(w http.ResponseWriter, r *http.Request) {
	var req callerRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Key == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "key is required"})
		return
	}
	s.callers.Add(req.Key)
	s.writeJSON(w, http.StatusOK, map[string]int{"callers": s.callers.Len()})
}

func (s *Server) handleRemoveCaller(w http.ResponseWriter, r *http.Request) {
	var req callerRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.callers.Remove(req.Key)
	s.writeJSON(w, http.StatusOK, map[string]int{"callers": s.callers.Len()})
}

type feesRequest struct {
	FixedFee       *int64 `json:"fixed_fee,omitempty"`
	PlatformCutBps *int64 `json:"platform_cut_bps,omitempty"`
}

func (s *Server) handleSetFees(w http.ResponseWriter, r *http.Request) {
	var req feesRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.FixedFee != nil {
		if err := s.vault.SetFixedFee(*req.FixedFee); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if req.PlatformCutBps != nil {
		if err := s.vault.SetPlatformCutBps(*req.PlatformCutBps); err != nil {
			s.writeError(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{
		"fixed_fee":        s.vault.FixedFee(),
		"platform_cut_bps": s.vault.PlatformCutBps(),
	})
}

func (s *Server) handleVerifyReserves(w http.ResponseWriter, r *http.Request) {
	res, err := s.verifier.Verify(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"holdings":    res.Holdings,
		"obligations": res.Obligations,
		"solvent":     res.Solvent,
		"checked_at":  res.CheckedAt,
	})
}

func (s *Server) handleUpkeep(w http.ResponseWriter, r *http.Request) {
	action, err := s.upkeep.Check(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if action != upkeep.ActionNone {
		if err := s.upkeep.Perform(r.Context(), action); err != nil {
			s.writeError(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"action": action.String()})
}

// ============================================================================
// Helpers
// ============================================================================

func (s *Server) userParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	user, err := uuid.Parse(chi.URLParam(r, "user"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid user id"})
		return uuid.UUID{}, false
	}
	return user, true
}

func (s *Server) lockParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid lock id"})
		return 0, false
	}
	return id, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps vault and reserve errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, vault.ErrInvalidAmount):
		status = http.StatusBadRequest
	case errors.Is(err, vault.ErrInsufficientBalance),
		errors.Is(err, vault.ErrInsufficientVaultBalance):
		status = http.StatusConflict
	case errors.Is(err, vault.ErrInvalidLock):
		status = http.StatusNotFound
	case errors.Is(err, vault.ErrAlreadySettled):
		status = http.StatusConflict
	case errors.Is(err, vault.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, vault.ErrPaused):
		status = http.StatusServiceUnavailable
	case errors.Is(err, reserve.ErrFetchFailed):
		status = http.StatusBadGateway
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// observe records request metrics per route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		if s.metrics != nil {
			s.metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
			s.metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}
