package waterfall

import "time"

// =============================================================================
// PERIOD - The revenue-recognition window a settlement covers
// =============================================================================

// Period is an inclusive date range [Start, End].
// One settlement exists per (agreement, Period.Start).
//
// Examples:
//   - Monthly: Mar 1 - Mar 31
//   - Quarterly: Apr 1 - Jun 30
//   - Calendar year: Jan 1 - Dec 31
type Period struct {
	Start TimePoint
	End   TimePoint
}

// Validate returns ErrInvalidPeriod when End is before Start or either bound is unset.
func (p Period) Validate() error {
	if p.Start.IsZero() || p.End.IsZero() || p.End.Before(p.Start) {
		return ErrInvalidPeriod
	}
	return nil
}

// Contains returns true if the time point is within the period [Start, End]
func (p Period) Contains(t TimePoint) bool {
	return t.AfterOrEqual(p.Start) && t.BeforeOrEqual(p.End)
}

// ClosedAsOf reports whether the period ended strictly before asOf.
// Only closed periods are settled.
func (p Period) ClosedAsOf(asOf TimePoint) bool {
	return p.End.Before(asOf)
}

// Key is the idempotency key component for this period.
func (p Period) Key() string {
	return p.Start.String()
}

func (p Period) String() string {
	return "[" + p.Start.String() + ", " + p.End.String() + "]"
}

// PeriodType defines how settlement periods are calculated
type PeriodType string

const (
	PeriodMonthly      PeriodType = "monthly"
	PeriodQuarterly    PeriodType = "quarterly"
	PeriodCalendarYear PeriodType = "calendar_year"
)

// PeriodConfig defines the settlement frequency of an agreement.
type PeriodConfig struct {
	Type PeriodType
}

// =============================================================================
// PERIOD CALCULATOR - Determines which period a date falls into
// =============================================================================

// PeriodFor returns the period that contains the given date
func (pc PeriodConfig) PeriodFor(date TimePoint) Period {
	switch pc.Type {
	case PeriodQuarterly:
		firstMonth := time.Month((int(date.Month())-1)/3*3 + 1)
		start := StartOfMonth(date.Year(), firstMonth)
		return Period{Start: start, End: start.AddMonths(3).AddDays(-1)}

	case PeriodCalendarYear:
		return Period{Start: StartOfYear(date.Year()), End: EndOfYear(date.Year())}

	default:
		return Period{
			Start: StartOfMonth(date.Year(), date.Month()),
			End:   EndOfMonth(date.Year(), date.Month()),
		}
	}
}

// NextPeriod returns the period following p under this configuration.
func (pc PeriodConfig) NextPeriod(p Period) Period {
	return pc.PeriodFor(p.End.AddDays(1))
}
