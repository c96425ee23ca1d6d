package waterfall

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// =============================================================================
// BATCH RUNNER - Many agreements in parallel, each one serially
// =============================================================================

// DefaultWorkers bounds how many agreements settle at once.
const DefaultWorkers = 4

// Runner settles a batch of revenue reports. Reports of one agreement run
// in period order on a single goroutine; different agreements run
// concurrently up to Workers at a time.
type Runner struct {
	Settler *Settler
	Workers int
	Logger  *slog.Logger
}

func NewRunner(settler *Settler, workers int) *Runner {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Runner{Settler: settler, Workers: workers, Logger: slog.Default()}
}

// Outcome is the result of one report in a batch.
type Outcome struct {
	AgreementID  AgreementID
	Period       Period
	SettlementID SettlementID
	Reason       string // empty on success, otherwise a Reject* constant
	Err          error
}

// BatchResult summarizes a batch run.
type BatchResult struct {
	Settled        int
	AlreadySettled int
	InProgress     int
	Failed         int
	Cancelled      int
	Skipped        int
	Outcomes       []Outcome
}

func (r *BatchResult) add(o Outcome) {
	switch o.Reason {
	case "":
		r.Settled++
	case RejectExists:
		r.AlreadySettled++
	case RejectInProgress:
		r.InProgress++
	case rejectCancelled:
		r.Cancelled++
	case RejectSkipped:
		r.Skipped++
	default:
		r.Failed++
	}
	r.Outcomes = append(r.Outcomes, o)
}

const rejectCancelled = "cancelled"

// RejectSkipped marks reports left unsettled because an earlier period of
// the same agreement failed.
const RejectSkipped = "skipped"

// haltsQueue reports whether a failed report stops the later periods of
// its agreement. Only conflicts and cancellation let the queue continue.
func haltsQueue(reason string) bool {
	switch reason {
	case "", RejectExists, RejectInProgress, rejectCancelled:
		return false
	}
	return true
}

// Run settles reports. The first failure of an agreement other than a
// conflict stops its queue; the remaining reports are recorded as skipped.
// Context cancellation is observed between settlements only; a settlement
// that has started runs to commit or rollback. Run never returns an error;
// per-report failures are in the result.
func (r *Runner) Run(ctx context.Context, reports []RevenueReport) BatchResult {
	byAgreement := make(map[AgreementID][]RevenueReport)
	var order []AgreementID
	for _, rep := range reports {
		if _, seen := byAgreement[rep.AgreementID]; !seen {
			order = append(order, rep.AgreementID)
		}
		byAgreement[rep.AgreementID] = append(byAgreement[rep.AgreementID], rep)
	}

	workers := r.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	var (
		mu     sync.Mutex
		result BatchResult
	)
	record := func(o Outcome) {
		mu.Lock()
		defer mu.Unlock()
		result.add(o)
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for _, id := range order {
		queue := byAgreement[id]
		sort.SliceStable(queue, func(i, j int) bool {
			return queue[i].Period.Start.Before(queue[j].Period.Start)
		})
		g.Go(func() error {
			var failed *Period
			for _, rep := range queue {
				o := Outcome{AgreementID: rep.AgreementID, Period: rep.Period}
				if failed != nil {
					o.Reason = RejectSkipped
					o.Err = fmt.Errorf("earlier period %s did not settle", failed.Key())
					record(o)
					continue
				}
				if err := ctx.Err(); err != nil {
					o.Reason, o.Err = rejectCancelled, err
					record(o)
					continue
				}
				s, err := r.Settler.Settle(ctx, rep)
				if err != nil {
					o.Reason, o.Err = RejectReason(err), err
				} else {
					o.SettlementID = s.ID
				}
				if haltsQueue(o.Reason) {
					p := rep.Period
					failed = &p
				}
				record(o)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(result.Outcomes, func(i, j int) bool {
		a, b := result.Outcomes[i], result.Outcomes[j]
		if a.AgreementID != b.AgreementID {
			return a.AgreementID < b.AgreementID
		}
		return a.Period.Start.Before(b.Period.Start)
	})

	log := r.Logger
	if log == nil {
		log = slog.Default()
	}
	log.Info("settlement batch finished",
		"reports", len(reports),
		"agreements", len(order),
		"settled", result.Settled,
		"already_settled", result.AlreadySettled,
		"in_progress", result.InProgress,
		"failed", result.Failed,
		"cancelled", result.Cancelled,
		"skipped", result.Skipped)
	return result
}
