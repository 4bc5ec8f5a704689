package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bidvault/internal/ledger"
	"bidvault/internal/observability"
	"bidvault/internal/reserve"
	"bidvault/internal/server"
	"bidvault/internal/upkeep"
	"bidvault/internal/vault"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const unit = int64(100_000_000)

const (
	resolverKey = "resolver-test-key"
	adminKey    = "admin-test-key"
)

type fakeOracle struct{ holdings int64 }

func (o *fakeOracle) CurrentHoldings(ctx context.Context) (int64, error) {
	return o.holdings, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *vault.Vault) {
	t.Helper()

	store := ledger.NewMemoryStore()
	callers := vault.NewCallerSet(resolverKey)
	v := vault.New(store, callers, nil, zerolog.Nop(), nil, vault.Config{
		FixedFee:       1 * unit,
		PlatformCutBps: 500,
		MaxLockAge:     7 * 24 * time.Hour,
	})

	verifier := reserve.NewVerifier(store, &fakeOracle{holdings: 1 << 40}, nil, zerolog.Nop(), nil, time.Second)
	uk := upkeep.New(store, v, verifier, 24*time.Hour, zerolog.Nop())

	health := observability.NewHealthChecker()
	health.SetReady(true)

	srv := server.New(v, callers, verifier, uk, adminKey, health, zerolog.Nop(), nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, v
}

func doJSON(t *testing.T, method, url string, body interface{}, headers map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	var decoded map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestDepositWithdrawBalanceFlow(t *testing.T) {
	ts, _ := newTestServer(t)
	user := uuid.New()

	resp, body := doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/v1/users/%s/deposit", ts.URL, user),
		map[string]int64{"amount": 100 * unit}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deposit status: got %d, body %v", resp.StatusCode, body)
	}
	if got := int64(body["new_free_balance"].(float64)); got != 100*unit {
		t.Errorf("new free balance: got %d, want %d", got, 100*unit)
	}

	resp, body = doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/v1/users/%s/withdraw", ts.URL, user),
		map[string]int64{"amount": 40 * unit}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("withdraw status: got %d, body %v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodGet,
		fmt.Sprintf("%s/v1/users/%s/balance", ts.URL, user), nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("balance status: got %d", resp.StatusCode)
	}
	if got := int64(body["free"].(float64)); got != 60*unit {
		t.Errorf("free: got %d, want %d", got, 60*unit)
	}
}

func TestDeposit_InvalidAmountIs400(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/v1/users/%s/deposit", ts.URL, uuid.New()),
		map[string]int64{"amount": 0}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", resp.StatusCode)
	}
}

func TestLockSettleFlow(t *testing.T) {
	ts, _ := newTestServer(t)
	user := uuid.New()
	payee := uuid.New()

	doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/v1/users/%s/deposit", ts.URL, user),
		map[string]int64{"amount": 100 * unit}, nil)

	resolver := map[string]string{"X-Resolver-Key": resolverKey}

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/locks",
		map[string]interface{}{"user": user, "bid_amount": 25 * unit}, resolver)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("lock status: got %d, body %v", resp.StatusCode, body)
	}
	lockID := int64(body["lock_id"].(float64))

	resp, body = doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/v1/locks/%d/settle", ts.URL, lockID),
		map[string]interface{}{"payee": payee}, resolver)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("settle status: got %d, body %v", resp.StatusCode, body)
	}
	if got := int64(body["payee_amount"].(float64)); got != 2375*unit/100 {
		t.Errorf("payee amount: got %d, want %d", got, 2375*unit/100)
	}

	// Second settle is a conflict, not a double payout.
	resp, _ = doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/v1/locks/%d/settle", ts.URL, lockID),
		map[string]interface{}{"payee": payee}, resolver)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second settle status: got %d, want 409", resp.StatusCode)
	}
}

func TestLock_WithoutResolverKeyIs403(t *testing.T) {
	ts, _ := newTestServer(t)
	user := uuid.New()

	doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/v1/users/%s/deposit", ts.URL, user),
		map[string]int64{"amount": 100 * unit}, nil)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/locks",
		map[string]interface{}{"user": user, "bid_amount": 25 * unit}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status: got %d, want 403", resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodGet,
		fmt.Sprintf("%s/v1/users/%s/balance", ts.URL, user), nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("balance status: got %d", resp.StatusCode)
	}
	if got := int64(body["free"].(float64)); got != 100*unit {
		t.Errorf("balance touched by rejected lock: got %d", got)
	}
}

func TestAdmin_RequiresKey(t *testing.T) {
	ts, v := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/admin/pause", nil, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("pause without key: got %d, want 403", resp.StatusCode)
	}
	if v.IsPaused() {
		t.Error("vault paused by unauthenticated request")
	}

	admin := map[string]string{"X-Admin-Key": adminKey}
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/admin/pause", nil, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pause with key: got %d", resp.StatusCode)
	}
	if !v.IsPaused() {
		t.Error("vault not paused")
	}

	// Deposits now bounce with 503.
	resp, _ = doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/v1/users/%s/deposit", ts.URL, uuid.New()),
		map[string]int64{"amount": unit}, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("deposit while paused: got %d, want 503", resp.StatusCode)
	}

	doJSON(t, http.MethodPost, ts.URL+"/v1/admin/unpause", nil, admin)
	if v.IsPaused() {
		t.Error("vault still paused")
	}
}

func TestAdmin_ManageCallersAndFees(t *testing.T) {
	ts, v := newTestServer(t)
	admin := map[string]string{"X-Admin-Key": adminKey}

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/admin/callers",
		map[string]string{"key": "resolver-b"}, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("add caller: got %d", resp.StatusCode)
	}

	// The new resolver key works immediately.
	user := uuid.New()
	doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/v1/users/%s/deposit", ts.URL, user),
		map[string]int64{"amount": 100 * unit}, nil)
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/locks",
		map[string]interface{}{"user": user, "bid_amount": 10 * unit},
		map[string]string{"X-Resolver-Key": "resolver-b"})
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("lock with new key: got %d", resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/admin/fees",
		map[string]int64{"fixed_fee": 2 * unit, "platform_cut_bps": 250}, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set fees: got %d, body %v", resp.StatusCode, body)
	}
	if v.FixedFee() != 2*unit || v.PlatformCutBps() != 250 {
		t.Errorf("fees not applied: fee=%d cut=%d", v.FixedFee(), v.PlatformCutBps())
	}
}

func TestReservesEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	admin := map[string]string{"X-Admin-Key": adminKey}

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/admin/verify-reserves", nil, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify: got %d, body %v", resp.StatusCode, body)
	}
	if solvent, _ := body["solvent"].(bool); !solvent {
		t.Error("empty vault should verify solvent")
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/v1/reserves", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reserves: got %d", resp.StatusCode)
	}
	if solvent, _ := body["last_solvent"].(bool); !solvent {
		t.Error("reserve record not solvent after verification")
	}
}
