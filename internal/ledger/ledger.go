package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"GaslessRelayer/internal/config"
	"GaslessRelayer/internal/metrics"
	"GaslessRelayer/internal/model"
)

// Scope names the limit a request would break.
type Scope string

const (
	ScopeDailyNative   Scope = "daily-native"
	ScopeDailyStable   Scope = "daily-stable"
	ScopePerUserStable Scope = "per-user-stable"
)

var (
	// ErrLimitExceeded matches every LimitExceededError.
	ErrLimitExceeded = errors.New("limit exceeded")
	// ErrNegativeAmount is returned for amounts below zero.
	ErrNegativeAmount = errors.New("amounts must not be negative")
)

// LimitExceededError reports which threshold a projected total would cross.
type LimitExceededError struct {
	Scope     Scope
	Limit     int64
	Projected int64
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("%s limit exceeded: projected %d > limit %d", e.Scope, e.Projected, e.Limit)
}

func (e *LimitExceededError) Is(target error) bool { return target == ErrLimitExceeded }

// Ledger tracks native and stable consumption per day, globally and per user.
// Every mutation happens under one lock and is saved before the lock is
// released, so the store only ever sees whole, ordered states.
type Ledger struct {
	mu      sync.Mutex
	store   Store
	limits  config.Limits
	loc     *time.Location
	now     func() time.Time
	log     *zap.Logger
	metrics *metrics.RelayerMetrics

	state       *model.LedgerState
	held        model.Usage
	heldPerUser map[string]model.Usage
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLocation sets the time zone of the daily boundary.
func WithLocation(loc *time.Location) Option {
	return func(l *Ledger) {
		if loc != nil {
			l.loc = loc
		}
	}
}

// WithLogger installs a logger.
func WithLogger(log *zap.Logger) Option {
	return func(l *Ledger) { l.log = log.Named("ledger") }
}

// WithMetrics publishes daily totals after each save.
func WithMetrics(m *metrics.RelayerMetrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// New creates a Ledger with an empty in-memory state. Call Load to read the store.
func New(store Store, limits config.Limits, opts ...Option) *Ledger {
	l := &Ledger{
		store:       store,
		limits:      limits,
		loc:         time.Local,
		now:         time.Now,
		log:         zap.NewNop(),
		heldPerUser: make(map[string]model.Usage),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	l.state = model.NewLedgerState(l.now())
	return l
}

// Load reads the persisted state. A missing document starts a fresh ledger
// and persists it immediately. An unreadable document also starts fresh in
// memory, but is left in place until the next successful Save.
func (l *Ledger) Load() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, err := l.store.Load()
	switch {
	case err == nil:
		if state.LastReset.IsZero() {
			state.LastReset = l.now()
		}
		l.state = state
		l.log.Info("ledger state loaded",
			zap.Int64("native", state.Totals.Native),
			zap.Int64("stable", state.Totals.Stable),
			zap.Int("users", len(state.PerUser)),
			zap.Time("last_reset", state.LastReset))
		return nil
	case errors.Is(err, ErrStateNotFound):
		l.state = model.NewLedgerState(l.now())
		l.log.Info("no ledger state found, starting fresh")
		return l.saveLocked()
	default:
		l.state = model.NewLedgerState(l.now())
		l.log.Warn("failed to load ledger state, starting fresh without overwriting", zap.Error(err))
		return nil
	}
}

// Save persists the full state.
func (l *Ledger) Save() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.saveLocked()
}

// CheckLimits reports whether adding the amounts would push any total strictly
// above its limit. In-flight reservations count toward the totals.
func (l *Ledger) CheckLimits(userID string, native, stable int64) error {
	if native < 0 || stable < 0 {
		return ErrNegativeAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()
	return l.checkLocked(userID, model.Usage{Native: native, Stable: stable})
}

// Record adds the amounts to the global and per-user totals and persists.
func (l *Ledger) Record(userID string, native, stable int64) error {
	if native < 0 || stable < 0 {
		return ErrNegativeAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()
	l.applyLocked(userID, model.Usage{Native: native, Stable: stable})
	return l.saveLocked()
}

// Reserve atomically checks the limits and holds the amounts until the
// reservation is committed or released, so concurrent callers cannot both
// pass a check that only one of them fits under.
func (l *Ledger) Reserve(userID string, native, stable int64) (*Reservation, error) {
	if native < 0 || stable < 0 {
		return nil, ErrNegativeAmount
	}
	amount := model.Usage{Native: native, Stable: stable}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()
	if err := l.checkLocked(userID, amount); err != nil {
		return nil, err
	}
	l.held = l.held.Add(amount)
	l.heldPerUser[userID] = l.heldPerUser[userID].Add(amount)
	return &Reservation{ledger: l, userID: userID, amount: amount}, nil
}

// Snapshot returns a copy of the current state.
func (l *Ledger) Snapshot() model.LedgerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()
	return l.state.Clone()
}

// UserTotals returns the user's consumption for the current day.
func (l *Ledger) UserTotals(userID string) model.Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()
	return l.state.PerUser[userID]
}

// Rollover runs the day boundary check on its own and reports whether it reset.
func (l *Ledger) Rollover() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rolloverLocked()
}

// Limits returns the configured thresholds.
func (l *Ledger) Limits() config.Limits { return l.limits }

func (l *Ledger) checkLocked(userID string, amount model.Usage) error {
	totals := l.state.Totals.Add(l.held)
	user := l.state.PerUser[userID].Add(l.heldPerUser[userID])

	if p := totals.Native + amount.Native; p > l.limits.DailyNative {
		return &LimitExceededError{Scope: ScopeDailyNative, Limit: l.limits.DailyNative, Projected: p}
	}
	if p := totals.Stable + amount.Stable; p > l.limits.DailyStable {
		return &LimitExceededError{Scope: ScopeDailyStable, Limit: l.limits.DailyStable, Projected: p}
	}
	if p := user.Stable + amount.Stable; p > l.limits.PerUserStable {
		return &LimitExceededError{Scope: ScopePerUserStable, Limit: l.limits.PerUserStable, Projected: p}
	}
	return nil
}

func (l *Ledger) applyLocked(userID string, amount model.Usage) {
	l.state.Totals = l.state.Totals.Add(amount)
	l.state.PerUser[userID] = l.state.PerUser[userID].Add(amount)
}

// rolloverLocked clears all totals when the stored day is not today.
// Holds are left alone: they belong to relays still in flight.
func (l *Ledger) rolloverLocked() bool {
	now := l.now()
	if sameDay(l.state.LastReset, now, l.loc) {
		return false
	}
	l.log.Info("daily limits reset",
		zap.Time("previous", l.state.LastReset),
		zap.Int64("native", l.state.Totals.Native),
		zap.Int64("stable", l.state.Totals.Stable))
	l.state.Totals = model.Usage{}
	l.state.PerUser = make(map[string]model.Usage)
	l.state.LastReset = now
	if err := l.saveLocked(); err != nil {
		l.log.Error("failed to save ledger after daily reset", zap.Error(err))
	}
	return true
}

func (l *Ledger) saveLocked() error {
	l.state.UpdatedAt = l.now()
	if err := l.store.Save(l.state); err != nil {
		return fmt.Errorf("save ledger state: %w", err)
	}
	l.metrics.SetDailyTotals(l.state.Totals.Native, l.state.Totals.Stable)
	return nil
}

func sameDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

// Reservation is a held slice of the limits belonging to one in-flight relay.
type Reservation struct {
	ledger *Ledger
	userID string
	amount model.Usage
	done   bool
}

// Commit turns the hold into recorded usage and persists. Calling it again,
// or after Release, does nothing.
func (r *Reservation) Commit() error {
	l := r.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	if r.done {
		return nil
	}
	r.done = true
	l.releaseLocked(r.userID, r.amount)
	l.rolloverLocked()
	l.applyLocked(r.userID, r.amount)
	return l.saveLocked()
}

// Release drops the hold without recording anything.
func (r *Reservation) Release() {
	l := r.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	l.releaseLocked(r.userID, r.amount)
}

func (l *Ledger) releaseLocked(userID string, amount model.Usage) {
	l.held = l.held.Sub(amount)
	left := l.heldPerUser[userID].Sub(amount)
	if left == (model.Usage{}) {
		delete(l.heldPerUser, userID)
		return
	}
	l.heldPerUser[userID] = left
}
