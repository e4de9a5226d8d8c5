package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"GaslessRelayer/internal/config"
	"GaslessRelayer/internal/ledger"
	"GaslessRelayer/internal/model"
	"GaslessRelayer/internal/oracle"
	"GaslessRelayer/internal/recorder"
	"GaslessRelayer/internal/swapper"
	"GaslessRelayer/internal/tron"
)

var (
	testLimits = config.Limits{DailyNative: 100_000_000, DailyStable: 100_000_000, PerUserStable: 1_000_000}
	testCost   = model.CostEstimate{EnergyUsage: 1000, EnergyCost: 420000, BandwidthBytes: 200, BandwidthCost: 200000, TotalSun: 620000}
)

type fakeEstimator struct {
	cost model.CostEstimate
	err  error
}

func (f *fakeEstimator) Estimate(ctx context.Context, _ *model.Transaction) (model.CostEstimate, error) {
	if ctx.Err() != nil {
		return model.CostEstimate{}, ctx.Err()
	}
	return f.cost, f.err
}

type fakePrices struct {
	price float64
	err   error
}

func (f *fakePrices) Price(context.Context) (float64, error) { return f.price, f.err }

type fakeSwapper struct {
	mu       sync.Mutex
	executed bool
	err      error
	orders   []swapper.Order
}

func (f *fakeSwapper) Swap(_ context.Context, o swapper.Order) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, o)
	return f.executed, f.err
}

func (f *fakeSwapper) Orders() []swapper.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]swapper.Order(nil), f.orders...)
}

type fakeBroadcaster struct {
	result tron.BroadcastResult
	err    error
	calls  int32
	gate   chan struct{}
}

func (f *fakeBroadcaster) Broadcast(ctx context.Context, tx *model.Transaction) (tron.BroadcastResult, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.gate != nil {
		<-f.gate
	}
	if ctx.Err() != nil {
		return tron.BroadcastResult{}, ctx.Err()
	}
	return f.result, f.err
}

type fakeKYC struct {
	approved bool
	calls    int
}

func (f *fakeKYC) Verify(context.Context, string, json.RawMessage) (bool, error) {
	f.calls++
	return f.approved, nil
}

type fakeHistory struct {
	mu            sync.Mutex
	events        []model.RelayEvent
	compensations []model.Compensation
	compErr       error
}

func (f *fakeHistory) RecordRelay(evt *model.RelayEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *evt)
	return nil
}

func (f *fakeHistory) RecordCompensation(c *model.Compensation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.compErr != nil {
		return f.compErr
	}
	f.compensations = append(f.compensations, *c)
	return nil
}

type fakeAlerts struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeAlerts) Alert(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeAlerts) Texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

// failingStore fails every Save once armed.
type failingStore struct {
	armed atomic.Bool
}

func (s *failingStore) Load() (*model.LedgerState, error) {
	return model.NewLedgerState(time.Now()), nil
}

func (s *failingStore) Save(*model.LedgerState) error {
	if s.armed.Load() {
		return errors.New("disk full")
	}
	return nil
}

type harness struct {
	ledger      *ledger.Ledger
	estimator   *fakeEstimator
	prices      *fakePrices
	swapper     *fakeSwapper
	broadcaster *fakeBroadcaster
	kyc         *fakeKYC
	history     *fakeHistory
	alerts      *fakeAlerts
	settings    Settings
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	l := ledger.New(ledger.NewFileStore(filepath.Join(t.TempDir(), "state.json")), testLimits)
	require.NoError(t, l.Load())
	return &harness{
		ledger:      l,
		estimator:   &fakeEstimator{cost: testCost},
		prices:      &fakePrices{price: 0.12},
		swapper:     &fakeSwapper{executed: true},
		broadcaster: &fakeBroadcaster{result: tron.BroadcastResult{Result: true, TxID: "abc123"}},
		kyc:         &fakeKYC{approved: true},
		history:     &fakeHistory{},
		alerts:      &fakeAlerts{},
		settings:    Settings{Recipient: "TRelayer", CallTimeout: time.Second},
	}
}

func (h *harness) relayer() *Relayer {
	var n int32
	return New(Deps{
		Estimator:   h.estimator,
		Prices:      h.prices,
		Ledger:      h.ledger,
		Swapper:     h.swapper,
		Broadcaster: h.broadcaster,
		KYC:         h.kyc,
		History:     h.history,
		Alerts:      h.alerts,
	}, h.settings, WithIDs(func() string {
		return fmt.Sprintf("id-%d", atomic.AddInt32(&n, 1))
	}))
}

func request(user string) *model.RelayRequest {
	return &model.RelayRequest{
		SignedTransaction: &model.Transaction{TxID: "abc123", RawDataHex: "0a02", Signature: []string{"00"}},
		UserID:            user,
	}
}

func TestRelay_SuccessRecordsExactAmounts(t *testing.T) {
	h := newHarness(t)
	r := h.relayer()

	res, err := r.Relay(context.Background(), request("alice"))
	require.NoError(t, err)
	r.Wait()

	require.Equal(t, "id-1", res.RequestID)
	require.Equal(t, "abc123", res.TxID)
	require.Equal(t, int64(620000), res.NativeCharged)
	require.Equal(t, int64(74400), res.StableCharged)
	require.Equal(t, "0.0744", res.StableDisplay.String())
	require.True(t, res.SwapExecuted)
	require.Equal(t, 0.12, res.Price)

	orders := h.swapper.Orders()
	require.Len(t, orders, 1)
	require.Equal(t, int64(74400), orders[0].StableIn.Int64())
	require.Equal(t, int64(607600), orders[0].MinNativeOut.Int64())
	require.Equal(t, int64(620000), orders[0].NativeNeeded.Int64())
	require.Equal(t, "TRelayer", orders[0].Recipient)

	require.Equal(t, model.Usage{Native: 620000, Stable: 74400}, h.ledger.Snapshot().Totals)
	require.Equal(t, model.Usage{Native: 620000, Stable: 74400}, h.ledger.UserTotals("alice"))
	require.Equal(t, model.Usage{Native: 620000, Stable: 74400}, h.ledger.UserTotals("alice"))

	require.Len(t, h.history.events, 1)
	require.Equal(t, model.OutcomeSuccess, h.history.events[0].Outcome)
	require.Empty(t, h.alerts.Texts())
}

func TestRelay_InvalidRequest(t *testing.T) {
	h := newHarness(t)
	r := h.relayer()

	for name, req := range map[string]*model.RelayRequest{
		"nil request":    nil,
		"nil tx":         {UserID: "alice"},
		"empty tx":       {SignedTransaction: &model.Transaction{}, UserID: "alice"},
		"missing userID": {SignedTransaction: request("x").SignedTransaction, UserID: "  "},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := r.Relay(context.Background(), req)
			require.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	require.Empty(t, h.swapper.Orders())
	require.Zero(t, atomic.LoadInt32(&h.broadcaster.calls))
}

func TestRelay_KYC(t *testing.T) {
	h := newHarness(t)
	_, err := h.relayer().Relay(context.Background(), request("alice"))
	require.NoError(t, err)
	require.Zero(t, h.kyc.calls)

	h.settings.KYCRequired = true
	h.kyc.approved = false
	_, err = h.relayer().Relay(context.Background(), request("bob"))
	require.ErrorIs(t, err, ErrKycRejected)
	require.Equal(t, 1, h.kyc.calls)
	require.Equal(t, model.Usage{}, h.ledger.UserTotals("bob"))
}

func TestRelay_OracleFailureLeavesLedgerUntouched(t *testing.T) {
	h := newHarness(t)
	h.prices.err = &oracle.Error{Op: "request", Err: errors.New("timeout")}

	_, err := h.relayer().Relay(context.Background(), request("alice"))
	require.ErrorIs(t, err, oracle.ErrOracle)
	require.Equal(t, model.Usage{}, h.ledger.Snapshot().Totals)
	require.Empty(t, h.swapper.Orders())
}

func TestRelay_LimitExceededNoSideEffects(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ledger.Record("alice", 0, 950_000))

	_, err := h.relayer().Relay(context.Background(), request("alice"))
	var le *ledger.LimitExceededError
	require.ErrorAs(t, err, &le)
	require.Equal(t, ledger.ScopePerUserStable, le.Scope)
	require.Empty(t, h.swapper.Orders())
	require.Zero(t, atomic.LoadInt32(&h.broadcaster.calls))
	require.Equal(t, model.Usage{Stable: 950_000}, h.ledger.UserTotals("alice"))

	require.Len(t, h.history.events, 1)
	require.Equal(t, model.OutcomeFailed, h.history.events[0].Outcome)
	require.Equal(t, string(StageRisk), h.history.events[0].Stage)
}

func TestRelay_SwapExhaustedReleasesHold(t *testing.T) {
	h := newHarness(t)
	h.swapper.err = &swapper.ExhaustedError{Attempts: 3, Err: errors.New("reverted")}
	r := h.relayer()

	_, err := r.Relay(context.Background(), request("alice"))
	r.Wait()
	var ex *swapper.ExhaustedError
	require.ErrorAs(t, err, &ex)
	require.Zero(t, atomic.LoadInt32(&h.broadcaster.calls))
	require.Equal(t, model.Usage{}, h.ledger.Snapshot().Totals)
	require.NoError(t, h.ledger.CheckLimits("alice", 0, testLimits.PerUserStable))
	require.Len(t, h.alerts.Texts(), 1)
	require.Contains(t, h.alerts.Texts()[0], "Swap exhausted")
}

func TestRelay_FallbackReserveStillRelays(t *testing.T) {
	h := newHarness(t)
	h.swapper.executed = false
	r := h.relayer()

	res, err := r.Relay(context.Background(), request("alice"))
	r.Wait()
	require.NoError(t, err)
	require.False(t, res.SwapExecuted)
	require.Equal(t, model.Usage{Native: 620000, Stable: 74400}, h.ledger.UserTotals("alice"))
	require.Len(t, h.alerts.Texts(), 1)
	require.Contains(t, h.alerts.Texts()[0], "Fallback reserve used")
}

func TestRelay_BroadcastRejectedAfterSwapPersistsCompensation(t *testing.T) {
	h := newHarness(t)
	h.broadcaster.result = tron.BroadcastResult{Result: false, Code: "CONTRACT_VALIDATE_ERROR", Message: "balance is not sufficient"}
	r := h.relayer()

	_, err := r.Relay(context.Background(), request("alice"))
	r.Wait()
	var be *BroadcastError
	require.ErrorAs(t, err, &be)
	require.Equal(t, "CONTRACT_VALIDATE_ERROR", be.Code)
	require.ErrorIs(t, err, ErrBroadcastFailed)

	require.Equal(t, model.Usage{}, h.ledger.Snapshot().Totals)
	require.Len(t, h.history.compensations, 1)
	c := h.history.compensations[0]
	require.Equal(t, "id-1", c.RequestID)
	require.Equal(t, "alice", c.UserID)
	require.Equal(t, int64(74400), c.StableIn)
	require.Equal(t, int64(620000), c.NativeNeeded)
	require.Equal(t, "CONTRACT_VALIDATE_ERROR", c.BroadcastCode)
	require.Contains(t, h.alerts.Texts()[0], "Compensation pending")
}

func TestRelay_UnstoredCompensationIsAlerted(t *testing.T) {
	h := newHarness(t)
	h.broadcaster.result = tron.BroadcastResult{Result: false, Code: "CONTRACT_VALIDATE_ERROR"}
	h.history.compErr = recorder.ErrNoCompensationStore
	r := h.relayer()

	_, err := r.Relay(context.Background(), request("alice"))
	r.Wait()
	require.ErrorIs(t, err, ErrBroadcastFailed)
	require.Empty(t, h.history.compensations)

	texts := h.alerts.Texts()
	require.Len(t, texts, 1)
	require.Contains(t, texts[0], "Compensation pending")
	require.Contains(t, texts[0], "not persisted")
	require.Contains(t, texts[0], "0.0744 USDT")
}

func TestRelay_BroadcastRejectedAfterFallbackHasNoCompensation(t *testing.T) {
	h := newHarness(t)
	h.swapper.executed = false
	h.broadcaster.result = tron.BroadcastResult{Result: false, Code: "SIGERROR"}
	r := h.relayer()

	_, err := r.Relay(context.Background(), request("alice"))
	r.Wait()
	require.ErrorIs(t, err, ErrBroadcastFailed)
	require.Empty(t, h.history.compensations)
}

func TestRelay_PersistenceFailureAfterBroadcastStillReturnsResult(t *testing.T) {
	h := newHarness(t)
	store := &failingStore{}
	h.ledger = ledger.New(store, testLimits)
	require.NoError(t, h.ledger.Load())
	store.armed.Store(true)
	r := h.relayer()

	res, err := r.Relay(context.Background(), request("alice"))
	r.Wait()
	require.NoError(t, err)
	require.Equal(t, "abc123", res.TxID)
	require.Equal(t, model.Usage{Native: 620000, Stable: 74400}, h.ledger.UserTotals("alice"))
	require.Len(t, h.alerts.Texts(), 1)
	require.Contains(t, h.alerts.Texts()[0], "Ledger save failed")
}

func TestRelay_CallerCancellationDoesNotAbort(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.relayer().Relay(ctx, request("alice"))
	require.NoError(t, err)
	require.Equal(t, "abc123", res.TxID)
}

func TestRelay_ConcurrentRelaysCannotOverrunUserLimit(t *testing.T) {
	h := newHarness(t)
	// Each relay charges 74400; two of them do not fit under the per-user limit.
	require.NoError(t, h.ledger.Record("alice", 0, 900_000))
	h.broadcaster.gate = make(chan struct{})
	r := h.relayer()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Relay(context.Background(), request("alice"))
		}(i)
	}
	// Let whichever relay got the hold finish broadcasting.
	close(h.broadcaster.gate)
	wg.Wait()

	var ok, limited int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ledger.ErrLimitExceeded):
			limited++
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, limited)
	require.Equal(t, int64(974_400), h.ledger.UserTotals("alice").Stable)
}

func TestStableChargeRoundsUp(t *testing.T) {
	require.Equal(t, int64(74400), StableCharge(620000, 0.12))
	require.Equal(t, int64(76261), StableCharge(620001, 0.123))
	require.Equal(t, int64(1), StableCharge(1, 0.0000001))
	require.Equal(t, int64(0), StableCharge(0, 0.12))
}

func TestMinNativeOut(t *testing.T) {
	require.Equal(t, int64(607600), MinNativeOut(620000))
	require.Equal(t, int64(98), MinNativeOut(101))
}
