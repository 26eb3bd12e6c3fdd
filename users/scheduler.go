/*
scheduler.go - Monthly allowance reset scheduler

PURPOSE:
  Privileged senders have a monthly points allowance. When the calendar
  month (UTC) rolls over, their spent counter goes back to zero.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - The last reset month lives in the job store, not in memory: a process
    that was down at the rollover resets on its first check, and a restart
    mid-month never wipes this month's spending
  - The month check and the reset share a transaction, so several
    instances reset once

USAGE:
  scheduler := users.NewAllowanceScheduler(svc, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - users.go: ResetMonthlyAllowances (also exposed as the
    reset-allowances CLI command)
*/
package users

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const monthLayout = "2006-01"

// AllowanceScheduler resets monthly allowances at month boundaries.
type AllowanceScheduler struct {
	Users         *Service
	Logger        *zap.Logger
	CheckInterval time.Duration
	Enabled       bool

	// Now is the clock; tests replace it.
	Now func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewAllowanceScheduler(svc *Service, logger *zap.Logger) *AllowanceScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AllowanceScheduler{
		Users:         svc,
		Logger:        logger,
		CheckInterval: time.Hour,
		Enabled:       true,
		Now:           time.Now,
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (as *AllowanceScheduler) Start() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if !as.Enabled {
		as.Logger.Info("allowance scheduler disabled")
		return
	}

	as.ticker = time.NewTicker(as.CheckInterval)
	as.wg.Add(1)
	go as.run()

	as.Logger.Info("allowance scheduler started", zap.Duration("interval", as.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight check.
func (as *AllowanceScheduler) Stop() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.ticker != nil {
		as.ticker.Stop()
		close(as.stop)
		as.wg.Wait()
		as.ticker = nil
		as.Logger.Info("allowance scheduler stopped")
	}
}

func (as *AllowanceScheduler) run() {
	defer as.wg.Done()

	as.Check(context.Background())
	for {
		select {
		case <-as.ticker.C:
			as.Check(context.Background())
		case <-as.stop:
			return
		}
	}
}

// Check resets allowances if the current month is later than the last
// recorded reset. It reports whether a reset ran.
func (as *AllowanceScheduler) Check(ctx context.Context) bool {
	month := as.Now().UTC().Format(monthLayout)
	ran, _, err := as.Users.RolloverAllowances(ctx, month)
	if err != nil {
		as.Logger.Error("monthly allowance reset failed", zap.String("month", month), zap.Error(err))
		return false
	}
	return ran
}
