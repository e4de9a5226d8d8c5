package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"GaslessRelayer/internal/config"
	"GaslessRelayer/internal/ledger"
	"GaslessRelayer/internal/model"
	"GaslessRelayer/internal/oracle"
	"GaslessRelayer/internal/recorder"
	"GaslessRelayer/internal/relay"
	"GaslessRelayer/internal/swapper"
)

type fakeRelayer struct {
	res *model.RelayResult
	err error
	got *model.RelayRequest
}

func (f *fakeRelayer) Relay(_ context.Context, req *model.RelayRequest) (*model.RelayResult, error) {
	f.got = req
	return f.res, f.err
}

type fakeLedger struct{}

func (fakeLedger) Snapshot() model.LedgerState {
	return model.LedgerState{
		Totals:  model.Usage{Native: 620000, Stable: 74400},
		PerUser: map[string]model.Usage{"alice": {Native: 620000, Stable: 74400}},
	}
}

func (fakeLedger) UserTotals(id string) model.Usage {
	if id == "alice" {
		return model.Usage{Native: 620000, Stable: 74400}
	}
	return model.Usage{}
}

func (fakeLedger) Limits() config.Limits {
	return config.Limits{DailyNative: 10_000_000_000, DailyStable: 10_000_000_000, PerUserStable: 1_000_000_000}
}

type fakeComps struct {
	pending  []model.Compensation
	resolved map[string]string
}

func (f *fakeComps) PendingCompensations() ([]model.Compensation, error) { return f.pending, nil }

func (f *fakeComps) ResolveCompensation(id, note string, _ time.Time) error {
	if id != "c1" {
		return recorder.ErrCompensationNotFound
	}
	if f.resolved == nil {
		f.resolved = map[string]string{}
	}
	f.resolved[id] = note
	return nil
}

func newTestServer(rel *fakeRelayer, comps *fakeComps) *Server {
	return New(Config{
		Relayer:        rel,
		Ledger:         fakeLedger{},
		Compensations:  comps,
		RateLimitRPS:   100,
		RateLimitBurst: 100,
	})
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

const relayBody = `{"signed_transaction":{"txID":"abc","raw_data_hex":"0a02","signature":["00"]},"user_id":"alice","kyc_payload":{"level":1}}`

func TestRelay_Success(t *testing.T) {
	rel := &fakeRelayer{res: &model.RelayResult{RequestID: "r1", TxID: "abc", StableCharged: 74400, SwapExecuted: true}}
	rec, out := do(t, newTestServer(rel, &fakeComps{}).Handler(), http.MethodPost, "/v1/relay", relayBody)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "abc", out["txid"])
	require.Equal(t, float64(74400), out["stable_charged"])
	require.Equal(t, "alice", rel.got.UserID)
	require.Equal(t, "0a02", rel.got.SignedTransaction.RawDataHex)
	require.JSONEq(t, `{"level":1}`, string(rel.got.KYCPayload))
}

func TestRelay_ErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"invalid", relay.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
		{"kyc", relay.ErrKycRejected, http.StatusForbidden, "kyc_rejected"},
		{"limit", &ledger.LimitExceededError{Scope: ledger.ScopePerUserStable, Limit: 10, Projected: 11}, http.StatusTooManyRequests, "limit_exceeded"},
		{"oracle", &oracle.Error{Op: "request", Err: errors.New("timeout")}, http.StatusBadGateway, "oracle_unavailable"},
		{"swap", &swapper.ExhaustedError{Attempts: 3, Err: errors.New("reverted")}, http.StatusServiceUnavailable, "swap_exhausted"},
		{"broadcast", &relay.BroadcastError{Code: "SIGERROR"}, http.StatusUnprocessableEntity, "broadcast_failed"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, out := do(t, newTestServer(&fakeRelayer{err: tc.err}, &fakeComps{}).Handler(), http.MethodPost, "/v1/relay", relayBody)
			require.Equal(t, tc.status, rec.Code)
			require.Equal(t, tc.kind, out["error"])
			switch tc.name {
			case "limit":
				require.Equal(t, string(ledger.ScopePerUserStable), out["scope"])
			case "broadcast":
				require.Equal(t, "SIGERROR", out["code"])
			case "other":
				require.Equal(t, "internal error", out["message"])
			}
		})
	}
}

func TestRelay_MalformedBody(t *testing.T) {
	rel := &fakeRelayer{}
	rec, out := do(t, newTestServer(rel, &fakeComps{}).Handler(), http.MethodPost, "/v1/relay", "{nope")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_request", out["error"])
	require.Nil(t, rel.got)
}

func TestRelay_RateLimited(t *testing.T) {
	s := New(Config{
		Relayer:        &fakeRelayer{res: &model.RelayResult{}},
		Ledger:         fakeLedger{},
		Compensations:  &fakeComps{},
		RateLimitRPS:   0.001,
		RateLimitBurst: 2,
	})
	h := s.Handler()
	for i := 0; i < 2; i++ {
		rec, _ := do(t, h, http.MethodPost, "/v1/relay", relayBody)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec, out := do(t, h, http.MethodPost, "/v1/relay", relayBody)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "rate_limited", out["error"])

	// Reads are not limited.
	rec, _ = do(t, h, http.MethodGet, "/v1/ledger", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestLedgerEndpoints(t *testing.T) {
	h := newTestServer(&fakeRelayer{}, &fakeComps{}).Handler()

	rec, out := do(t, h, http.MethodGet, "/v1/ledger", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, float64(620000), out["totals"].(map[string]any)["native"])
	require.Equal(t, float64(1), out["active_users"])
	require.Equal(t, float64(1_000_000_000), out["limits"].(map[string]any)["per_user_stable"])

	rec, out = do(t, h, http.MethodGet, "/v1/ledger/users/alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "alice", out["user_id"])
	require.Equal(t, float64(1_000_000_000-74400), out["stable_remaining"])
}

func TestCompensationEndpoints(t *testing.T) {
	comps := &fakeComps{pending: []model.Compensation{{ID: "c1", RequestID: "r1", UserID: "alice", StableIn: 74400}}}
	h := newTestServer(&fakeRelayer{}, comps).Handler()

	rec, out := do(t, h, http.MethodGet, "/v1/compensations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, out["pending"], 1)

	rec, _ = do(t, h, http.MethodPost, "/v1/compensations/c1/resolve", `{"note":"refunded 0.0744 USDT"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "refunded 0.0744 USDT", comps.resolved["c1"])

	rec, out = do(t, h, http.MethodPost, "/v1/compensations/zz/resolve", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "not_found", out["error"])
}

func TestCompensationList_EmptyIsArray(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestServer(&fakeRelayer{}, &fakeComps{}).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/compensations", nil))
	require.JSONEq(t, `{"pending":[]}`, rec.Body.String())
}

func TestHealthz(t *testing.T) {
	rec, out := do(t, newTestServer(&fakeRelayer{}, &fakeComps{}).Handler(), http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", out["status"])
}

func TestRateLimiter_PerClientAndExpiry(t *testing.T) {
	l := NewRateLimiter(0.001, 1)
	now := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	require.True(t, l.allow("a"))
	require.False(t, l.allow("a"))
	require.True(t, l.allow("b"))

	now = now.Add(visitorTTL + time.Second)
	require.True(t, l.allow("a"))
}

func TestRelay_ForwardingHeadersIgnoredUnlessTrusted(t *testing.T) {
	send := func(h http.Handler, realIP string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/relay", strings.NewReader(relayBody))
		req.Header.Set("X-Real-IP", realIP)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	cfg := Config{
		Relayer:        &fakeRelayer{res: &model.RelayResult{}},
		Ledger:         fakeLedger{},
		Compensations:  &fakeComps{},
		RateLimitRPS:   0.001,
		RateLimitBurst: 1,
	}

	h := New(cfg).Handler()
	require.Equal(t, http.StatusOK, send(h, "10.0.0.1"))
	require.Equal(t, http.StatusTooManyRequests, send(h, "10.0.0.2"))

	cfg.TrustProxyHeaders = true
	h = New(cfg).Handler()
	require.Equal(t, http.StatusOK, send(h, "10.0.0.1"))
	require.Equal(t, http.StatusOK, send(h, "10.0.0.2"))
	require.Equal(t, http.StatusTooManyRequests, send(h, "10.0.0.1"))
}
