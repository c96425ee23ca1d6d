// Package store provides Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/waterfall-engine/waterfall"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu   sync.RWMutex
	data *memoryData
}

type periodKey struct {
	AgreementID waterfall.AgreementID
	Start       string
}

type memoryData struct {
	agreements  map[waterfall.AgreementID]waterfall.Agreement
	parties     map[waterfall.AgreementID][]waterfall.Party
	terms       map[waterfall.AgreementID][]waterfall.Term
	settlements map[waterfall.SettlementID]waterfall.Settlement
	periods     map[periodKey]waterfall.SettlementID
	reports     map[periodKey]waterfall.RevenueReport
}

func newMemoryData() *memoryData {
	return &memoryData{
		agreements:  make(map[waterfall.AgreementID]waterfall.Agreement),
		parties:     make(map[waterfall.AgreementID][]waterfall.Party),
		terms:       make(map[waterfall.AgreementID][]waterfall.Term),
		settlements: make(map[waterfall.SettlementID]waterfall.Settlement),
		periods:     make(map[periodKey]waterfall.SettlementID),
		reports:     make(map[periodKey]waterfall.RevenueReport),
	}
}

func NewMemory() *Memory {
	return &Memory{data: newMemoryData()}
}

// Reset drops all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = newMemoryData()
	return nil
}

func (m *Memory) SaveAgreement(ctx context.Context, cfg waterfall.AgreementConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.SaveAgreement(ctx, cfg)
}

func (m *Memory) GetAgreement(ctx context.Context, id waterfall.AgreementID) (*waterfall.Agreement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.GetAgreement(ctx, id)
}

func (m *Memory) ListAgreements(ctx context.Context) ([]waterfall.Agreement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.ListAgreements(ctx)
}

func (m *Memory) LoadConfig(ctx context.Context, id waterfall.AgreementID) (*waterfall.AgreementConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.LoadConfig(ctx, id)
}

func (m *Memory) SettlementExists(ctx context.Context, id waterfall.AgreementID, start waterfall.TimePoint) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.SettlementExists(ctx, id, start)
}

func (m *Memory) SaveSettlement(ctx context.Context, s waterfall.Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.SaveSettlement(ctx, s)
}

func (m *Memory) GetSettlement(ctx context.Context, id waterfall.SettlementID) (*waterfall.Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.GetSettlement(ctx, id)
}

func (m *Memory) ListSettlements(ctx context.Context, id waterfall.AgreementID) ([]waterfall.Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.ListSettlements(ctx, id)
}

func (m *Memory) UpdateSettlementStatus(ctx context.Context, id waterfall.SettlementID, from, to waterfall.SettlementStatus, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.UpdateSettlementStatus(ctx, id, from, to, reason, at)
}

func (m *Memory) SaveTermStates(ctx context.Context, terms []waterfall.Term) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.SaveTermStates(ctx, terms)
}

func (m *Memory) CreditParties(ctx context.Context, id waterfall.AgreementID, credits map[waterfall.PartyID]waterfall.Cents) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.CreditParties(ctx, id, credits)
}

func (m *Memory) SaveAgreementTotals(ctx context.Context, id waterfall.AgreementID, totals waterfall.AgreementTotals) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.SaveAgreementTotals(ctx, id, totals)
}

func (m *Memory) SaveRevenueReport(ctx context.Context, r waterfall.RevenueReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.SaveRevenueReport(ctx, r)
}

func (m *Memory) PendingRevenueReports(ctx context.Context, asOf waterfall.TimePoint) ([]waterfall.RevenueReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.PendingRevenueReports(ctx, asOf)
}

// =============================================================================
// UNLOCKED OPERATIONS - Shared by Memory and the transactional view
// =============================================================================

func (d *memoryData) SaveAgreement(_ context.Context, cfg waterfall.AgreementConfig) error {
	id := cfg.Agreement.ID
	a := cfg.Agreement
	if prev, ok := d.agreements[id]; ok {
		a.CreatedAt = prev.CreatedAt
		a.Totals = prev.Totals
	}
	d.agreements[id] = a

	prevParties := make(map[waterfall.PartyID]waterfall.Party)
	for _, p := range d.parties[id] {
		prevParties[p.ID] = p
	}
	parties := make([]waterfall.Party, len(cfg.Parties))
	for i, p := range cfg.Parties {
		p.AgreementID = id
		if prev, ok := prevParties[p.ID]; ok {
			p.TotalReceivedCents = prev.TotalReceivedCents
		}
		parties[i] = p
	}
	d.parties[id] = parties

	prevTerms := make(map[waterfall.TermID]waterfall.Term)
	for _, t := range d.terms[id] {
		prevTerms[t.ID] = t
	}
	terms := make([]waterfall.Term, len(cfg.Terms))
	for i, t := range cfg.Terms {
		t.AgreementID = id
		if prev, ok := prevTerms[t.ID]; ok {
			t.RecoupedCents = prev.RecoupedCents
			t.RecoupmentComplete = prev.RecoupmentComplete
			t.CapReached = prev.CapReached
			t.LastSettlementID = prev.LastSettlementID
		}
		terms[i] = t
	}
	sort.SliceStable(terms, func(i, j int) bool { return terms[i].Order < terms[j].Order })
	d.terms[id] = terms
	return nil
}

func (d *memoryData) GetAgreement(_ context.Context, id waterfall.AgreementID) (*waterfall.Agreement, error) {
	a, ok := d.agreements[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", waterfall.ErrAgreementNotFound, id)
	}
	return &a, nil
}

func (d *memoryData) ListAgreements(_ context.Context) ([]waterfall.Agreement, error) {
	out := make([]waterfall.Agreement, 0, len(d.agreements))
	for _, a := range d.agreements {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *memoryData) LoadConfig(ctx context.Context, id waterfall.AgreementID) (*waterfall.AgreementConfig, error) {
	a, err := d.GetAgreement(ctx, id)
	if err != nil {
		return nil, err
	}
	return &waterfall.AgreementConfig{
		Agreement: *a,
		Parties:   append([]waterfall.Party(nil), d.parties[id]...),
		Terms:     append([]waterfall.Term(nil), d.terms[id]...),
	}, nil
}

func (d *memoryData) SettlementExists(_ context.Context, id waterfall.AgreementID, start waterfall.TimePoint) (bool, error) {
	_, ok := d.periods[periodKey{AgreementID: id, Start: start.String()}]
	return ok, nil
}

func (d *memoryData) SaveSettlement(_ context.Context, s waterfall.Settlement) error {
	k := periodKey{AgreementID: s.AgreementID, Start: s.Period.Start.String()}
	if _, ok := d.periods[k]; ok {
		return waterfall.ErrSettlementExists
	}
	if _, ok := d.agreements[s.AgreementID]; !ok {
		return fmt.Errorf("%w: %s", waterfall.ErrAgreementNotFound, s.AgreementID)
	}
	s.Items = append([]waterfall.SettlementItem(nil), s.Items...)
	d.settlements[s.ID] = s
	d.periods[k] = s.ID
	return nil
}

func (d *memoryData) GetSettlement(_ context.Context, id waterfall.SettlementID) (*waterfall.Settlement, error) {
	s, ok := d.settlements[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", waterfall.ErrSettlementNotFound, id)
	}
	s.Items = append([]waterfall.SettlementItem(nil), s.Items...)
	return &s, nil
}

func (d *memoryData) ListSettlements(_ context.Context, id waterfall.AgreementID) ([]waterfall.Settlement, error) {
	var out []waterfall.Settlement
	for _, s := range d.settlements {
		if s.AgreementID == id {
			s.Items = append([]waterfall.SettlementItem(nil), s.Items...)
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period.Start.Before(out[j].Period.Start) })
	return out, nil
}

func (d *memoryData) UpdateSettlementStatus(_ context.Context, id waterfall.SettlementID, from, to waterfall.SettlementStatus, reason string, at time.Time) error {
	s, ok := d.settlements[id]
	if !ok {
		return fmt.Errorf("%w: %s", waterfall.ErrSettlementNotFound, id)
	}
	if s.Status != from {
		return fmt.Errorf("%w: settlement %s is %s, not %s", waterfall.ErrInvalidTransition, id, s.Status, from)
	}
	s.Status = to
	s.StatusReason = reason
	s.UpdatedAt = at
	d.settlements[id] = s
	return nil
}

func (d *memoryData) SaveTermStates(_ context.Context, terms []waterfall.Term) error {
	for _, next := range terms {
		list := d.terms[next.AgreementID]
		i := indexOfTerm(list, next.ID)
		if i < 0 {
			return fmt.Errorf("%w: unknown term %s", waterfall.ErrInvalidTerm, next.ID)
		}
		if err := waterfall.CheckMonotonic(list[i], next); err != nil {
			return err
		}
		list[i].RecoupedCents = next.RecoupedCents
		list[i].RecoupmentComplete = next.RecoupmentComplete
		list[i].CapReached = next.CapReached
		list[i].LastSettlementID = next.LastSettlementID
	}
	return nil
}

func indexOfTerm(terms []waterfall.Term, id waterfall.TermID) int {
	for i, t := range terms {
		if t.ID == id {
			return i
		}
	}
	return -1
}

func (d *memoryData) CreditParties(_ context.Context, id waterfall.AgreementID, credits map[waterfall.PartyID]waterfall.Cents) error {
	list := d.parties[id]
	for pid, amount := range credits {
		found := false
		for i := range list {
			if list[i].ID == pid {
				list[i].TotalReceivedCents += amount
				found = true
			}
		}
		if !found {
			return fmt.Errorf("%w: unknown party %s", waterfall.ErrInvalidTerm, pid)
		}
	}
	return nil
}

func (d *memoryData) SaveAgreementTotals(_ context.Context, id waterfall.AgreementID, totals waterfall.AgreementTotals) error {
	a, ok := d.agreements[id]
	if !ok {
		return fmt.Errorf("%w: %s", waterfall.ErrAgreementNotFound, id)
	}
	a.Totals = totals
	d.agreements[id] = a
	return nil
}

func (d *memoryData) SaveRevenueReport(_ context.Context, r waterfall.RevenueReport) error {
	k := periodKey{AgreementID: r.AgreementID, Start: r.Period.Start.String()}
	if _, settled := d.periods[k]; settled {
		return waterfall.ErrSettlementExists
	}
	d.reports[k] = r
	return nil
}

func (d *memoryData) PendingRevenueReports(_ context.Context, asOf waterfall.TimePoint) ([]waterfall.RevenueReport, error) {
	var out []waterfall.RevenueReport
	for k, r := range d.reports {
		if _, settled := d.periods[k]; settled {
			continue
		}
		if r.Period.ClosedAsOf(asOf) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Period.Start.Equal(out[j].Period.Start) {
			return out[i].Period.Start.Before(out[j].Period.Start)
		}
		return out[i].AgreementID < out[j].AgreementID
	})
	return out, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(waterfall.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	saved := tm.data.clone()
	if err := fn(tm.data); err != nil {
		tm.data = saved
		return err
	}
	return nil
}

func (d *memoryData) clone() *memoryData {
	c := newMemoryData()
	for k, v := range d.agreements {
		c.agreements[k] = v
	}
	for k, v := range d.parties {
		c.parties[k] = append([]waterfall.Party(nil), v...)
	}
	for k, v := range d.terms {
		c.terms[k] = append([]waterfall.Term(nil), v...)
	}
	for k, v := range d.settlements {
		c.settlements[k] = v
	}
	for k, v := range d.periods {
		c.periods[k] = v
	}
	for k, v := range d.reports {
		c.reports[k] = v
	}
	return c
}
