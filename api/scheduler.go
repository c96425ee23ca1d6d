/*
scheduler.go - Automated settlement scheduler

PURPOSE:
  Periodically settles revenue reports whose period has closed. Revenue
  reports arrive through POST /api/agreements/{id}/revenue; the scheduler
  picks up every one that is closed and not yet settled.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - A period is due once its end date is strictly before today
  - Already-settled periods are never loaded (PendingRevenueReports) and
    are rejected by the Settler even if they were
  - Settlement runs through waterfall.Runner: agreements in parallel,
    each agreement's periods in order

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewSettlementScheduler(handler)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunSettlements endpoint (manual trigger)
  - waterfall/batch.go: Runner
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/waterfall-engine/waterfall"
)

// SettlementScheduler handles automated settlement of closed periods.
type SettlementScheduler struct {
	Handler       *Handler
	CheckInterval time.Duration
	Enabled       bool
	Logger        *slog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSettlementScheduler creates a new scheduler.
func NewSettlementScheduler(handler *Handler) *SettlementScheduler {
	return &SettlementScheduler{
		Handler:       handler,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Logger:        slog.Default().With("component", "scheduler"),
	}
}

// Start begins the scheduler.
func (ss *SettlementScheduler) Start() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if !ss.Enabled {
		ss.Logger.Info("scheduler disabled, not starting")
		return
	}
	if ss.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	ss.cancel = cancel
	ss.stop = make(chan struct{})
	ss.ticker = time.NewTicker(ss.CheckInterval)
	ss.wg.Add(1)

	go ss.run(ctx)

	ss.Logger.Info("scheduler started", "interval", ss.CheckInterval)
}

// Stop stops the scheduler. A batch in flight is cancelled between
// settlements; the settlement it is working on commits or rolls back.
func (ss *SettlementScheduler) Stop() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.ticker == nil {
		return
	}
	ss.ticker.Stop()
	ss.cancel()
	close(ss.stop)
	ss.wg.Wait()
	ss.ticker = nil
	ss.Logger.Info("scheduler stopped")
}

func (ss *SettlementScheduler) run(ctx context.Context) {
	defer ss.wg.Done()

	// Run immediately on start
	ss.checkAndProcess(ctx)

	for {
		select {
		case <-ss.ticker.C:
			ss.checkAndProcess(ctx)
		case <-ss.stop:
			return
		}
	}
}

func (ss *SettlementScheduler) checkAndProcess(ctx context.Context) waterfall.BatchResult {
	asOf := waterfall.DateOf(ss.Handler.now())
	ss.Logger.Debug("checking for closed periods", "as_of", asOf)

	res, err := ss.Handler.RunPending(ctx, asOf)
	if err != nil {
		ss.Logger.Error("scheduled settlement failed", "error", err)
		return res
	}
	if len(res.Outcomes) > 0 {
		ss.Logger.Info("scheduled settlement completed",
			"settled", res.Settled,
			"already_settled", res.AlreadySettled,
			"failed", res.Failed)
	}
	return res
}

// RunNow triggers an immediate check (for testing/admin).
func (ss *SettlementScheduler) RunNow(ctx context.Context) waterfall.BatchResult {
	return ss.checkAndProcess(ctx)
}

// NextRunTime returns when the next scheduled check will occur.
func (ss *SettlementScheduler) NextRunTime() time.Time {
	return time.Now().Add(ss.CheckInterval)
}
