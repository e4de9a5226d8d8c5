package swapper

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"GaslessRelayer/internal/config"
	"GaslessRelayer/internal/metrics"
)

// ErrInternalStrategy is returned by every attempt of the internal liquidity
// strategy, which has no implementation yet.
var ErrInternalStrategy = errors.New("internal liquidity strategy not implemented")

// ExhaustedError is returned when every swap attempt failed and the fallback
// reserve cannot cover the shortfall.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("swap failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Venue is the swap router plus the stable token's allowance interface.
type Venue interface {
	Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error)
	Approve(ctx context.Context, token, spender string, amount *big.Int) (string, error)
	SwapExactTokensForNative(ctx context.Context, amountIn, minOut *big.Int, path []string, recipient string, deadline time.Time) (string, error)
}

// Order describes one conversion of stable token into native token.
type Order struct {
	StableIn     *big.Int
	MinNativeOut *big.Int
	NativeNeeded *big.Int
	Recipient    string
}

// Settings are the swapper's slice of the configuration.
type Settings struct {
	Strategy        string
	StableToken     string
	WrappedNative   string
	Router          string
	Attempts        int
	RetryDelay      time.Duration
	FallbackReserve *big.Int
	Deadline        time.Duration
}

// Swapper converts stable token to native token through a Venue.
type Swapper struct {
	venue    Venue
	settings Settings
	log      *zap.Logger
	metrics  *metrics.RelayerMetrics
	now      func() time.Time
	newTimer func() backoff.Timer
}

// Option configures a Swapper.
type Option func(*Swapper)

// WithLogger installs a logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Swapper) { s.log = l.Named("swapper") }
}

// WithMetrics counts attempts and fallback usage.
func WithMetrics(m *metrics.RelayerMetrics) Option {
	return func(s *Swapper) { s.metrics = m }
}

// WithTimer replaces the timer used between attempts.
func WithTimer(newTimer func() backoff.Timer) Option {
	return func(s *Swapper) { s.newTimer = newTimer }
}

// New creates a Swapper.
func New(venue Venue, settings Settings, opts ...Option) *Swapper {
	if settings.Attempts < 1 {
		settings.Attempts = 1
	}
	if settings.FallbackReserve == nil {
		settings.FallbackReserve = new(big.Int)
	}
	if settings.Deadline <= 0 {
		settings.Deadline = time.Minute
	}
	s := &Swapper{
		venue:    venue,
		settings: settings,
		log:      zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Swap funds order.NativeNeeded by selling order.StableIn. It returns true
// when the swap executed, false when it failed but the fallback reserve
// covers the need, and an *ExhaustedError otherwise. Attempts are spaced by
// a fixed delay that is not applied after the last one.
func (s *Swapper) Swap(ctx context.Context, order Order) (bool, error) {
	attempt := 0
	op := func() error {
		attempt++
		err := s.attempt(ctx, order)
		s.metrics.RecordSwapAttempt(err == nil)
		if err != nil {
			s.log.Warn("swap attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.settings.RetryDelay), uint64(s.settings.Attempts-1)),
		ctx,
	)
	var timer backoff.Timer
	if s.newTimer != nil {
		timer = s.newTimer()
	}
	lastErr := backoff.RetryNotifyWithTimer(op, policy, nil, timer)
	if lastErr == nil {
		return true, nil
	}

	need := order.NativeNeeded
	if need == nil {
		need = new(big.Int)
	}
	if s.settings.FallbackReserve.Cmp(need) >= 0 {
		s.metrics.RecordFallback()
		s.log.Warn("using fallback reserve due to swap failure",
			zap.String("native_needed", need.String()),
			zap.String("reserve", s.settings.FallbackReserve.String()),
			zap.Error(lastErr))
		return false, nil
	}
	return false, &ExhaustedError{Attempts: attempt, Err: lastErr}
}

func (s *Swapper) attempt(ctx context.Context, order Order) error {
	if s.settings.Strategy == config.StrategyInternal {
		return ErrInternalStrategy
	}
	if err := s.ensureAllowance(ctx, order.Recipient, order.StableIn); err != nil {
		return err
	}
	path := []string{s.settings.StableToken, s.settings.WrappedNative}
	txid, err := s.venue.SwapExactTokensForNative(ctx, order.StableIn, order.MinNativeOut, path, order.Recipient, s.now().Add(s.settings.Deadline))
	if err != nil {
		return fmt.Errorf("swap: %w", err)
	}
	s.log.Info("swap submitted",
		zap.String("txid", txid),
		zap.String("stable_in", order.StableIn.String()),
		zap.String("min_native_out", order.MinNativeOut.String()))
	return nil
}

// ensureAllowance approves the router for amount when the current allowance
// is short. Check and approve are separate transactions; a concurrent spender
// of the same allowance can still race this.
func (s *Swapper) ensureAllowance(ctx context.Context, owner string, amount *big.Int) error {
	current, err := s.venue.Allowance(ctx, s.settings.StableToken, owner, s.settings.Router)
	if err != nil {
		return fmt.Errorf("allowance: %w", err)
	}
	if current.Cmp(amount) >= 0 {
		return nil
	}
	txid, err := s.venue.Approve(ctx, s.settings.StableToken, s.settings.Router, amount)
	if err != nil {
		return fmt.Errorf("approve: %w", err)
	}
	s.log.Info("router allowance raised", zap.String("txid", txid), zap.String("amount", amount.String()))
	return nil
}
