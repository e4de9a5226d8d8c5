package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"GaslessRelayer/internal/config"
	"GaslessRelayer/internal/model"
	"GaslessRelayer/internal/notifier"
)

// LedgerView is the part of the risk ledger the jobs read and roll over.
type LedgerView interface {
	Rollover() bool
	Snapshot() model.LedgerState
	UserTotals(userID string) model.Usage
	Limits() config.Limits
}

// CompensationLister lists unresolved compensations.
type CompensationLister interface {
	PendingCompensations() ([]model.Compensation, error)
}

// Scheduler manages all cron tasks.
type Scheduler struct {
	Cron          *cron.Cron
	Ledger        LedgerView
	Compensations CompensationLister
	Alerts        notifier.Alerter
	Ctx           context.Context
	log           *zap.Logger
	now           func() time.Time
}

// NewScheduler creates a new Scheduler running in loc.
func NewScheduler(ctx context.Context, l LedgerView, comps CompensationLister, alerts notifier.Alerter, loc *time.Location, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		Cron:          cron.New(cron.WithSeconds(), cron.WithLocation(loc)),
		Ledger:        l,
		Compensations: comps,
		Alerts:        alerts,
		Ctx:           ctx,
		log:           log.Named("scheduler"),
		now:           time.Now,
	}
}

// RegisterAll registers the rollover, reconciliation and summary jobs.
func (s *Scheduler) RegisterAll(rolloverCron, reconcileCron, summaryCron string) error {
	if _, err := s.Cron.AddFunc(rolloverCron, s.rolloverTask); err != nil {
		return fmt.Errorf("register rollover task: %w", err)
	}
	if _, err := s.Cron.AddFunc(reconcileCron, s.reconcileTask); err != nil {
		return fmt.Errorf("register reconcile task: %w", err)
	}
	if _, err := s.Cron.AddFunc(summaryCron, s.summaryTask); err != nil {
		return fmt.Errorf("register summary task: %w", err)
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.Cron.Start()
	s.log.Info("scheduler started", zap.Int("jobs", len(s.Cron.Entries())))
}

// Stop stops the cron scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) rolloverTask() {
	if s.Ledger.Rollover() {
		s.log.Info("ledger rolled over to a new day")
	}
}

// reconcileTask alerts while compensations are waiting to be settled.
func (s *Scheduler) reconcileTask() {
	pending, err := s.Compensations.PendingCompensations()
	if err != nil {
		s.log.Error("list pending compensations", zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}
	s.log.Warn("pending compensations", zap.Int("count", len(pending)))
	s.trySend(notifier.FormatPendingCompensations(pending, s.now()))
}

func (s *Scheduler) summaryTask() {
	s.trySend(notifier.FormatDailySummary(s.Ledger.Snapshot(), s.Ledger.Limits(), s.now()))
}

// HandleCommand processes an operator command and returns a reply.
func (s *Scheduler) HandleCommand(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	switch fields[0] {
	case "/ledger":
		return notifier.FormatDailySummary(s.Ledger.Snapshot(), s.Ledger.Limits(), s.now())
	case "/user":
		if len(fields) < 2 {
			return "usage: /user &lt;id&gt;"
		}
		return notifier.FormatUserUsage(fields[1], s.Ledger.UserTotals(fields[1]), s.Ledger.Limits())
	case "/pending":
		pending, err := s.Compensations.PendingCompensations()
		if err != nil {
			return fmt.Sprintf("❌ list pending compensations: %v", err)
		}
		return notifier.FormatPendingCompensations(pending, s.now())
	default:
		return "Available commands:\n• /ledger\n• /user &lt;id&gt;\n• /pending"
	}
}

func (s *Scheduler) trySend(text string) {
	if err := s.Alerts.Alert(s.Ctx, text); err != nil {
		s.log.Error("send notification", zap.Error(err))
	}
}
