/**
 * @description
 * Settlement cycles and the half-open periods they cut a month into.
 */
package domain

import "time"

// SettlementCycle is how often a seller's items are batched.
type SettlementCycle string

const (
	CycleWeekly    SettlementCycle = "WEEKLY"
	CycleBimonthly SettlementCycle = "BIMONTHLY"
	CycleMonthly   SettlementCycle = "MONTHLY"
)

// CycleFor maps a content type to its settlement cycle.
func CycleFor(ct ContentType) SettlementCycle {
	switch ct {
	case ContentTypeDocument:
		return CycleWeekly
	case ContentTypeCoaching:
		return CycleBimonthly
	default:
		return CycleMonthly
	}
}

// ParseSettlementCycle validates a raw cycle value.
func ParseSettlementCycle(raw string) (SettlementCycle, bool) {
	switch c := SettlementCycle(raw); c {
	case CycleWeekly, CycleBimonthly, CycleMonthly:
		return c, true
	}
	return "", false
}

func (c SettlementCycle) startDays() []int {
	switch c {
	case CycleWeekly:
		return []int{1, 8, 15, 22}
	case CycleBimonthly:
		return []int{1, 16}
	default:
		return []int{1}
	}
}

// Period is the half-open interval [Start, End) at local midnight boundaries.
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Closed reports whether the period has ended as of now.
func (p Period) Closed(now time.Time) bool {
	return !now.Before(p.End)
}

// PeriodFor returns the period of the cycle containing t, evaluated in loc. An
// instant exactly on a boundary belongs to the period starting there.
func PeriodFor(c SettlementCycle, t time.Time, loc *time.Location) Period {
	local := t.In(loc)
	year, month, day := local.Date()
	days := c.startDays()

	idx := 0
	for i, d := range days {
		if day >= d {
			idx = i
		}
	}

	start := time.Date(year, month, days[idx], 0, 0, 0, 0, loc)
	var end time.Time
	if idx+1 < len(days) {
		end = time.Date(year, month, days[idx+1], 0, 0, 0, 0, loc)
	} else {
		end = time.Date(year, month+1, 1, 0, 0, 0, 0, loc)
	}
	return Period{Start: start, End: end}
}

// ScheduledSettlementDate is the planned payout date of a period.
func ScheduledSettlementDate(p Period, lagDays int) time.Time {
	return p.End.AddDate(0, 0, lagDays)
}
