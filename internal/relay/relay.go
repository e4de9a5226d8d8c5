package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"GaslessRelayer/internal/kyc"
	"GaslessRelayer/internal/ledger"
	"GaslessRelayer/internal/metrics"
	"GaslessRelayer/internal/model"
	"GaslessRelayer/internal/notifier"
	"GaslessRelayer/internal/recorder"
	"GaslessRelayer/internal/swapper"
	"GaslessRelayer/internal/tron"
)

// Stage names the pipeline step a relay failed in.
type Stage string

const (
	StageValidate  Stage = "validate"
	StageKYC       Stage = "kyc"
	StageCost      Stage = "cost"
	StageRisk      Stage = "risk"
	StageFund      Stage = "fund"
	StageBroadcast Stage = "broadcast"
)

// minOutPercent is the share of the required native amount the swap must return.
const minOutPercent = 98

var (
	ErrInvalidRequest  = errors.New("invalid relay request")
	ErrKycRejected     = errors.New("kyc verification failed")
	ErrBroadcastFailed = errors.New("broadcast rejected")
)

// BroadcastError is returned when the network rejects the user's transaction.
type BroadcastError struct {
	Code    string
	Message string
}

func (e *BroadcastError) Error() string {
	code := e.Code
	if code == "" {
		code = "unknown error"
	}
	if e.Message != "" {
		return fmt.Sprintf("broadcast failed: %s: %s", code, e.Message)
	}
	return "broadcast failed: " + code
}

func (e *BroadcastError) Is(target error) bool { return target == ErrBroadcastFailed }

// CostEstimator prices a signed transaction.
type CostEstimator interface {
	Estimate(ctx context.Context, tx *model.Transaction) (model.CostEstimate, error)
}

// PriceSource quotes the native token in the stable token.
type PriceSource interface {
	Price(ctx context.Context) (float64, error)
}

// Limiter holds a slice of the spend limits for the duration of a relay.
type Limiter interface {
	Reserve(userID string, native, stable int64) (*ledger.Reservation, error)
}

// Funder converts stable token into the native token a relay spends.
type Funder interface {
	Swap(ctx context.Context, order swapper.Order) (bool, error)
}

// Broadcaster submits signed transactions to the network.
type Broadcaster interface {
	Broadcast(ctx context.Context, tx *model.Transaction) (tron.BroadcastResult, error)
}

// History keeps relay events and compensation records.
type History interface {
	RecordRelay(evt *model.RelayEvent) error
	RecordCompensation(c *model.Compensation) error
}

// Deps are the collaborators of a Relayer. KYC, History and Alerts are optional.
type Deps struct {
	Estimator   CostEstimator
	Prices      PriceSource
	Ledger      Limiter
	Swapper     Funder
	Broadcaster Broadcaster
	KYC         kyc.Verifier
	History     History
	Alerts      notifier.Alerter
}

// Settings are the relayer's slice of the configuration.
type Settings struct {
	KYCRequired bool
	// Recipient receives swap proceeds; it is the relayer's own address.
	Recipient string
	// CallTimeout bounds each KYC, cost, price and broadcast call.
	CallTimeout time.Duration
}

// Relayer sponsors signed transactions and recovers their cost in stable token.
type Relayer struct {
	deps     Deps
	settings Settings
	log      *zap.Logger
	metrics  *metrics.RelayerMetrics
	now      func() time.Time
	newID    func() string
	alerts   sync.WaitGroup
}

// Option configures a Relayer.
type Option func(*Relayer)

func WithLogger(l *zap.Logger) Option {
	return func(r *Relayer) { r.log = l.Named("relay") }
}

func WithMetrics(m *metrics.RelayerMetrics) Option {
	return func(r *Relayer) { r.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(r *Relayer) { r.now = now }
}

// WithIDs replaces the request and compensation id generator.
func WithIDs(newID func() string) Option {
	return func(r *Relayer) { r.newID = newID }
}

// New creates a Relayer.
func New(deps Deps, settings Settings, opts ...Option) *Relayer {
	r := &Relayer{
		deps:     deps,
		settings: settings,
		log:      zap.NewNop(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.deps.KYC == nil {
		r.deps.KYC = kyc.AllowAll{}
	}
	if r.deps.History == nil {
		r.deps.History = recorder.NewNoopRecorder()
	}
	if r.deps.Alerts == nil {
		r.deps.Alerts = notifier.NewLogAlerter(r.log)
	}
	return r
}

// relayRun carries one relay through the pipeline.
type relayRun struct {
	id     string
	req    *model.RelayRequest
	cost   model.CostEstimate
	price  float64
	native int64
	stable int64
	swap   bool
}

// Relay sponsors req.SignedTransaction. Cancelling ctx does not abort a relay
// in flight: once accepted it runs to completion or failure.
func (r *Relayer) Relay(ctx context.Context, req *model.RelayRequest) (*model.RelayResult, error) {
	ctx = context.WithoutCancel(ctx)
	run := &relayRun{id: r.newID(), req: req}

	res, stage, err := r.relay(ctx, run)
	if err != nil {
		r.fail(run, stage, err)
		return nil, err
	}
	r.metrics.RecordRelay(model.OutcomeSuccess, "")
	r.record(run, &model.RelayEvent{
		RequestID:    run.id,
		UserID:       req.UserID,
		TxID:         res.TxID,
		Outcome:      model.OutcomeSuccess,
		NativeSun:    run.native,
		StableAmount: run.stable,
		Price:        run.price,
		SwapExecuted: run.swap,
		Timestamp:    r.now(),
	})
	return res, nil
}

func (r *Relayer) relay(ctx context.Context, run *relayRun) (*model.RelayResult, Stage, error) {
	req := run.req
	if req == nil || req.SignedTransaction.IsEmpty() {
		return nil, StageValidate, fmt.Errorf("%w: signed transaction is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.UserID) == "" {
		return nil, StageValidate, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	log := r.log.With(zap.String("request_id", run.id), zap.String("user", req.UserID))

	if r.settings.KYCRequired {
		var ok bool
		err := r.call(ctx, func(ctx context.Context) (err error) {
			ok, err = r.deps.KYC.Verify(ctx, req.UserID, req.KYCPayload)
			return err
		})
		if err != nil {
			return nil, StageKYC, fmt.Errorf("kyc verify: %w", err)
		}
		if !ok {
			return nil, StageKYC, ErrKycRejected
		}
	}

	err := r.call(ctx, func(ctx context.Context) (err error) {
		run.cost, err = r.deps.Estimator.Estimate(ctx, req.SignedTransaction)
		return err
	})
	if err != nil {
		return nil, StageCost, fmt.Errorf("estimate cost: %w", err)
	}
	err = r.call(ctx, func(ctx context.Context) (err error) {
		run.price, err = r.deps.Prices.Price(ctx)
		return err
	})
	if err != nil {
		return nil, StageCost, err
	}
	run.native = run.cost.TotalSun
	run.stable = StableCharge(run.native, run.price)

	hold, err := r.deps.Ledger.Reserve(req.UserID, run.native, run.stable)
	if err != nil {
		return nil, StageRisk, err
	}
	defer hold.Release()

	if err := r.fund(ctx, run, log); err != nil {
		return nil, StageFund, err
	}

	var br tron.BroadcastResult
	err = r.call(ctx, func(ctx context.Context) (err error) {
		br, err = r.deps.Broadcaster.Broadcast(ctx, req.SignedTransaction)
		return err
	})
	if err != nil {
		r.compensate(run, "UNKNOWN", log)
		return nil, StageBroadcast, fmt.Errorf("broadcast: %w", err)
	}
	if !br.Result {
		r.compensate(run, br.Code, log)
		return nil, StageBroadcast, &BroadcastError{Code: br.Code, Message: br.Message}
	}
	txid := br.TxID
	if txid == "" {
		txid = req.SignedTransaction.TxID
	}
	r.metrics.RecordSponsored(run.native)

	if err := hold.Commit(); err != nil {
		log.Error("failed to persist usage after broadcast", zap.String("txid", txid), zap.Error(err))
		r.alert(notifier.FormatPersistenceFailure(run.id, txid, err))
	}

	log.Info("relay complete",
		zap.String("txid", txid),
		zap.Int64("native_sun", run.native),
		zap.Int64("stable", run.stable),
		zap.Float64("price", run.price),
		zap.Bool("swap_executed", run.swap))

	return &model.RelayResult{
		RequestID:     run.id,
		TxID:          txid,
		Cost:          run.cost,
		Price:         run.price,
		StableCharged: run.stable,
		StableDisplay: decimal.New(run.stable, -model.UnitDecimals),
		NativeCharged: run.native,
		SwapExecuted:  run.swap,
	}, "", nil
}

func (r *Relayer) fund(ctx context.Context, run *relayRun, log *zap.Logger) error {
	order := swapper.Order{
		StableIn:     big.NewInt(run.stable),
		MinNativeOut: big.NewInt(MinNativeOut(run.native)),
		NativeNeeded: big.NewInt(run.native),
		Recipient:    r.settings.Recipient,
	}
	executed, err := r.deps.Swapper.Swap(ctx, order)
	if err != nil {
		var ex *swapper.ExhaustedError
		if errors.As(err, &ex) {
			r.alert(notifier.FormatSwapExhausted(run.id, run.req.UserID, ex.Attempts, run.native, ex.Err))
		}
		return err
	}
	run.swap = executed
	if !executed {
		log.Warn("relay funded from fallback reserve", zap.Int64("native_sun", run.native))
		r.alert(notifier.FormatFallbackUsed(run.id, run.req.UserID, run.native))
	}
	return nil
}

// compensate records a swap whose proceeds were meant for a transaction that
// did not make it on chain. Nothing is recorded when the reserve paid.
func (r *Relayer) compensate(run *relayRun, code string, log *zap.Logger) {
	if !run.swap {
		return
	}
	c := &model.Compensation{
		ID:            r.newID(),
		RequestID:     run.id,
		UserID:        run.req.UserID,
		StableIn:      run.stable,
		NativeNeeded:  run.native,
		BroadcastCode: code,
		CreatedAt:     r.now(),
	}
	r.metrics.RecordCompensation()
	if err := r.deps.History.RecordCompensation(c); err != nil {
		log.Error("failed to persist compensation",
			zap.String("compensation_id", c.ID),
			zap.String("user_id", c.UserID),
			zap.Int64("stable_in", c.StableIn),
			zap.Int64("native_needed", c.NativeNeeded),
			zap.String("code", code),
			zap.Error(err))
		r.alert(notifier.FormatUnsavedCompensation(c, err))
		return
	}
	log.Warn("swap executed but broadcast failed, compensation pending",
		zap.String("compensation_id", c.ID), zap.String("code", code))
	r.alert(notifier.FormatCompensation(c))
}

func (r *Relayer) fail(run *relayRun, stage Stage, err error) {
	r.metrics.RecordRelay(model.OutcomeFailed, string(stage))
	evt := &model.RelayEvent{
		RequestID:    run.id,
		Outcome:      model.OutcomeFailed,
		Stage:        string(stage),
		Reason:       err.Error(),
		NativeSun:    run.native,
		StableAmount: run.stable,
		Price:        run.price,
		SwapExecuted: run.swap,
		Timestamp:    r.now(),
	}
	if run.req != nil {
		evt.UserID = run.req.UserID
	}
	r.log.Warn("relay failed",
		zap.String("request_id", run.id),
		zap.String("stage", string(stage)),
		zap.Error(err))
	r.record(run, evt)
}

func (r *Relayer) record(run *relayRun, evt *model.RelayEvent) {
	if err := r.deps.History.RecordRelay(evt); err != nil {
		r.log.Error("failed to record relay event", zap.String("request_id", run.id), zap.Error(err))
	}
}

func (r *Relayer) call(ctx context.Context, fn func(context.Context) error) error {
	if r.settings.CallTimeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, r.settings.CallTimeout)
	defer cancel()
	return fn(ctx)
}

// alert delivers text in the background so a slow chat never delays a relay.
func (r *Relayer) alert(text string) {
	r.alerts.Add(1)
	go func() {
		defer r.alerts.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := r.deps.Alerts.Alert(ctx, text); err != nil {
			r.log.Error("failed to deliver alert", zap.Error(err))
		}
	}()
}

// Wait blocks until every alert started so far has been delivered or given up.
func (r *Relayer) Wait() {
	r.alerts.Wait()
}

// StableCharge converts a native cost in sun into stable smallest units at
// price, rounding up.
func StableCharge(nativeSun int64, price float64) int64 {
	return decimal.NewFromInt(nativeSun).Mul(decimal.NewFromFloat(price)).Ceil().IntPart()
}

// MinNativeOut is the least native output a funding swap may return.
func MinNativeOut(nativeSun int64) int64 {
	return nativeSun * minOutPercent / 100
}
