package waterfall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// RECORDER - Settlement outcome sink (metrics)
// =============================================================================

// Recorder receives settlement outcomes. metrics.Prometheus implements it.
type Recorder interface {
	SettlementCompleted(s *Settlement, elapsed time.Duration)
	SettlementRejected(agreementID AgreementID, reason string)
	StatusChanged(from, to SettlementStatus)
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) SettlementCompleted(*Settlement, time.Duration)   {}
func (NopRecorder) SettlementRejected(AgreementID, string)           {}
func (NopRecorder) StatusChanged(SettlementStatus, SettlementStatus) {}

// Rejection reasons passed to Recorder.SettlementRejected.
const (
	RejectInvalid    = "invalid"
	RejectExists     = "already_settled"
	RejectInProgress = "in_progress"
	RejectInvariant  = "invariant"
	RejectError      = "error"
)

// RejectReason classifies a Settle error for metrics and batch results.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, ErrSettlementExists), errors.Is(err, ErrAlreadyApplied):
		return RejectExists
	case errors.Is(err, ErrSettlementInProgress):
		return RejectInProgress
	case errors.Is(err, ErrInvariantViolation):
		return RejectInvariant
	case IsClientError(err), IsNotFound(err):
		return RejectInvalid
	}
	return RejectError
}

// =============================================================================
// SETTLER - Per-agreement serialized, transactional settlement
// =============================================================================

// Settler runs Engine -> Builder -> Tracker as one logical operation and
// persists the result in a single transaction.
//
// CONCURRENCY:
//   - Different agreements settle in parallel.
//   - One agreement is strictly serialized by an in-process lock acquired
//     with TryLock. A busy agreement fails fast with ErrSettlementInProgress;
//     the caller must not retry and merge.
//   - The store's unique (agreement_id, period_start) constraint backs the
//     lock across processes.
type Settler struct {
	Store    TxStore
	Engine   Engine
	Tracker  Tracker
	Recorder Recorder
	Logger   *slog.Logger
	Now      func() time.Time

	mu    sync.Mutex
	locks map[AgreementID]*sync.Mutex
}

func NewSettler(store TxStore) *Settler {
	return &Settler{
		Store:    store,
		Recorder: NopRecorder{},
		Logger:   slog.Default(),
		Now:      time.Now,
		locks:    make(map[AgreementID]*sync.Mutex),
	}
}

func (s *Settler) lockFor(id AgreementID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks == nil {
		s.locks = make(map[AgreementID]*sync.Mutex)
	}
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *Settler) recorder() Recorder {
	if s.Recorder == nil {
		return NopRecorder{}
	}
	return s.Recorder
}

func (s *Settler) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Settler) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// =============================================================================
// REGISTER AGREEMENT
// =============================================================================

// RegisterAgreement validates cfg and saves it. Warnings are logged and
// returned. Editing an agreement while it settles is rejected.
func (s *Settler) RegisterAgreement(ctx context.Context, cfg AgreementConfig) ([]string, error) {
	warnings, err := ValidateConfig(cfg)
	if err != nil {
		return warnings, err
	}
	log := s.logger().With("agreement_id", cfg.Agreement.ID)
	for _, w := range warnings {
		log.Warn("agreement configuration warning", "warning", w)
	}

	lock := s.lockFor(cfg.Agreement.ID)
	if !lock.TryLock() {
		return warnings, fmt.Errorf("%w: %s", ErrSettlementInProgress, cfg.Agreement.ID)
	}
	defer lock.Unlock()

	now := s.now()
	if cfg.Agreement.CreatedAt.IsZero() {
		cfg.Agreement.CreatedAt = now
	}
	cfg.Agreement.UpdatedAt = now
	for i := range cfg.Parties {
		cfg.Parties[i].AgreementID = cfg.Agreement.ID
	}
	for i := range cfg.Terms {
		cfg.Terms[i].AgreementID = cfg.Agreement.ID
	}

	// Contributions may have changed, so cached totals are recomputed.
	err = s.Store.WithTx(ctx, func(tx Store) error {
		if err := tx.SaveAgreement(ctx, cfg); err != nil {
			return err
		}
		totals, err := NewLedger(tx).AgreementTotals(ctx, cfg.Agreement.ID)
		if err != nil {
			return err
		}
		return tx.SaveAgreementTotals(ctx, cfg.Agreement.ID, totals)
	})
	if err != nil {
		return warnings, fmt.Errorf("save agreement %s: %w", cfg.Agreement.ID, err)
	}
	log.Info("agreement saved", "parties", len(cfg.Parties), "terms", len(cfg.Terms))
	return warnings, nil
}

// =============================================================================
// SETTLE - The critical transactional operation
// =============================================================================

// Settle computes and persists the settlement for one revenue report.
// This is TRANSACTIONAL:
//   - Rejects a period that is already settled (ErrSettlementExists)
//   - Runs the engine on a snapshot read inside the transaction
//   - Writes the settlement, its items, term state and party credits
//   - Recomputes the agreement's cached totals from the ledger
//
// If ANY step fails, ALL changes are rolled back.
func (s *Settler) Settle(ctx context.Context, report RevenueReport) (*Settlement, error) {
	log := s.logger().With("agreement_id", report.AgreementID, "period", report.Period.Key())

	if err := report.Validate(); err != nil {
		s.recorder().SettlementRejected(report.AgreementID, RejectInvalid)
		log.Warn("revenue report rejected", "error", err)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lock := s.lockFor(report.AgreementID)
	if !lock.TryLock() {
		s.recorder().SettlementRejected(report.AgreementID, RejectInProgress)
		log.Info("settlement already running for agreement")
		return nil, &ConflictError{AgreementID: report.AgreementID, Period: report.Period, Err: ErrSettlementInProgress}
	}
	defer lock.Unlock()

	start := time.Now()
	var settlement *Settlement

	err := s.Store.WithTx(ctx, func(tx Store) error {
		exists, err := tx.SettlementExists(ctx, report.AgreementID, report.Period.Start)
		if err != nil {
			return fmt.Errorf("conflict check: %w", err)
		}
		if exists {
			return &ConflictError{AgreementID: report.AgreementID, Period: report.Period, Err: ErrSettlementExists}
		}

		snap, err := LoadSnapshot(ctx, tx, report.AgreementID)
		if err != nil {
			return err
		}
		net, err := report.NetDistributable()
		if err != nil {
			return err
		}
		dist, err := s.Engine.Distribute(snap, net)
		if err != nil {
			return fmt.Errorf("distribute: %w", err)
		}
		built, err := BuildSettlement(report, snap, dist, s.now())
		if err != nil {
			return fmt.Errorf("build settlement: %w", err)
		}
		terms, err := s.Tracker.Apply(snap, built.ID, dist)
		if err != nil {
			return fmt.Errorf("apply recoupment: %w", err)
		}

		if err := tx.SaveRevenueReport(ctx, report); err != nil {
			return fmt.Errorf("save revenue report: %w", err)
		}
		if err := tx.SaveSettlement(ctx, *built); err != nil {
			if errors.Is(err, ErrSettlementExists) {
				return &ConflictError{AgreementID: report.AgreementID, Period: report.Period, Err: err}
			}
			return fmt.Errorf("save settlement: %w", err)
		}
		if err := tx.SaveTermStates(ctx, terms); err != nil {
			return fmt.Errorf("save term states: %w", err)
		}
		if err := tx.CreditParties(ctx, report.AgreementID, dist.ByParty()); err != nil {
			return fmt.Errorf("credit parties: %w", err)
		}
		totals, err := NewLedger(tx).AgreementTotals(ctx, report.AgreementID)
		if err != nil {
			return fmt.Errorf("recompute totals: %w", err)
		}
		if err := tx.SaveAgreementTotals(ctx, report.AgreementID, totals); err != nil {
			return fmt.Errorf("save totals: %w", err)
		}

		settlement = built
		return nil
	})
	if err != nil {
		reason := RejectReason(err)
		s.recorder().SettlementRejected(report.AgreementID, reason)
		switch reason {
		case RejectExists:
			log.Info("period already settled")
		case RejectInvariant:
			log.Error("settlement aborted on invariant violation", "error", err)
		default:
			log.Warn("settlement failed", "reason", reason, "error", err)
		}
		return nil, err
	}

	elapsed := time.Since(start)
	s.recorder().SettlementCompleted(settlement, elapsed)
	log.Info("settlement calculated",
		"settlement_id", settlement.ID,
		"net_cents", int64(settlement.NetDistributableCents),
		"distributed_cents", int64(settlement.DistributedCents),
		"unallocated_cents", int64(settlement.UnallocatedCents),
		"items", len(settlement.Items),
		"elapsed", elapsed)
	return settlement, nil
}

// =============================================================================
// TRANSITION - Payout lifecycle driven by the disbursement subsystem
// =============================================================================

// Transition moves a settlement to the next status. Only status changes;
// amounts, items and term state are never touched.
func (s *Settler) Transition(ctx context.Context, id SettlementID, to SettlementStatus, reason string) (*Settlement, error) {
	var out *Settlement
	var from SettlementStatus

	err := s.Store.WithTx(ctx, func(tx Store) error {
		st, err := tx.GetSettlement(ctx, id)
		if err != nil {
			return err
		}
		from = st.Status
		if err := st.Transition(to, reason, s.now()); err != nil {
			return err
		}
		if err := tx.UpdateSettlementStatus(ctx, id, from, to, reason, st.UpdatedAt); err != nil {
			return err
		}
		out = st
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recorder().StatusChanged(from, to)
	s.logger().Info("settlement status changed",
		"settlement_id", id, "agreement_id", out.AgreementID, "from", from, "to", to, "reason", reason)
	return out, nil
}
