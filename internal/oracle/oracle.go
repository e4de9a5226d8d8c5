package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"GaslessRelayer/internal/metrics"
	"GaslessRelayer/internal/model"
)

// ErrOracle matches every price feed failure.
var ErrOracle = errors.New("price oracle error")

// Error wraps a price feed failure with the step that failed.
type Error struct {
	Op  string
	Err error
}

func newError(op string, err error) *Error { return &Error{Op: op, Err: err} }

func (e *Error) Error() string { return fmt.Sprintf("price oracle %s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrOracle }

// Oracle caches a single asset/quote price for PollInterval.
type Oracle struct {
	fetcher  Fetcher
	asset    string
	quote    string
	interval time.Duration
	now      func() time.Time
	log      *zap.Logger
	metrics  *metrics.RelayerMetrics

	// fetching holds one token while an upstream fetch is in flight.
	fetching chan struct{}

	mu     sync.Mutex
	cached *model.PriceQuote
}

// Option configures an Oracle.
type Option func(*Oracle)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Oracle) { o.now = now }
}

// WithLogger installs a logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Oracle) { o.log = l.Named("oracle") }
}

// WithMetrics reports fetch outcomes.
func WithMetrics(m *metrics.RelayerMetrics) Option {
	return func(o *Oracle) { o.metrics = m }
}

// New creates an Oracle tracking asset priced in quote.
func New(fetcher Fetcher, asset, quote string, interval time.Duration, opts ...Option) *Oracle {
	o := &Oracle{
		fetcher:  fetcher,
		asset:    asset,
		quote:    quote,
		interval: interval,
		now:      time.Now,
		log:      zap.NewNop(),
		fetching: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Price returns the cached price while it is younger than the poll interval,
// otherwise fetches a fresh one. A failed fetch leaves the cache untouched.
// Concurrent callers wait for a single in-flight fetch, but no longer than
// their own ctx allows.
func (o *Oracle) Price(ctx context.Context) (float64, error) {
	if price, ok := o.fresh(); ok {
		return price, nil
	}

	select {
	case o.fetching <- struct{}{}:
	case <-ctx.Done():
		return 0, newError("wait", ctx.Err())
	}
	defer func() { <-o.fetching }()

	// Another caller may have refreshed while we waited.
	if price, ok := o.fresh(); ok {
		return price, nil
	}

	now := o.now()
	price, err := o.fetcher.FetchPrice(ctx, o.asset, o.quote)
	o.metrics.RecordOracleFetch(err == nil)
	if err != nil {
		o.log.Warn("price fetch failed", zap.String("source", o.fetcher.Name()), zap.Error(err))
		var oe *Error
		if !errors.As(err, &oe) {
			err = newError("fetch", err)
		}
		return 0, err
	}

	o.mu.Lock()
	o.cached = &model.PriceQuote{Price: price, FetchedAt: now}
	o.mu.Unlock()
	o.log.Debug("price refreshed", zap.Float64("price", price), zap.String("pair", o.asset+"/"+o.quote))
	return price, nil
}

func (o *Oracle) fresh() (float64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cached != nil && o.now().Sub(o.cached.FetchedAt) < o.interval {
		return o.cached.Price, true
	}
	return 0, false
}

// Quote returns the current cache entry, if any.
func (o *Oracle) Quote() (model.PriceQuote, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cached == nil {
		return model.PriceQuote{}, false
	}
	return *o.cached, true
}
