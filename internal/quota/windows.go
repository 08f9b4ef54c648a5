package quota

import (
	"time"

	"github.com/eugener/switchyard/internal/counter"
)

// rollingWindow is the span of the 5h rolling spend window.
const rollingWindow = 5 * time.Hour

// windowStart returns the inclusive start of a natural period at `now`.
// Weekly periods start Monday 00:00 local time; monthly on the first of the
// month; daily at local midnight. The total period has no start.
func windowStart(period string, now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	switch period {
	case counter.Period5h:
		return now.Add(-rollingWindow)
	case counter.PeriodDaily:
		return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	case counter.PeriodWeekly:
		daysBack := (int(local.Weekday()) + 6) % 7 // Monday = 0
		monday := local.AddDate(0, 0, -daysBack)
		return time.Date(monday.Year(), monday.Month(), monday.Day(), 0, 0, 0, 0, loc)
	case counter.PeriodMonthly:
		return time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
	}
	return time.Time{} // total
}

// windowEnd returns when the natural period at `now` rolls over, which is
// the expiry instant for its scalar counter. Zero means no expiry.
func windowEnd(period string, now time.Time, loc *time.Location) time.Time {
	switch period {
	case counter.Period5h:
		return now.Add(rollingWindow)
	case counter.PeriodDaily:
		return windowStart(period, now, loc).AddDate(0, 0, 1)
	case counter.PeriodWeekly:
		return windowStart(period, now, loc).AddDate(0, 0, 7)
	case counter.PeriodMonthly:
		return windowStart(period, now, loc).AddDate(0, 1, 0)
	}
	return time.Time{} // total never expires
}

// anchoredStart returns the start of the billing-cycle window covering
// `now`: the latest anchor + k*span that is not after now. Before the
// anchor the window has accrued nothing, so the anchor itself is returned.
func anchoredStart(anchor, now time.Time, span time.Duration) time.Time {
	if !now.After(anchor) {
		return anchor
	}
	k := now.Sub(anchor) / span
	return anchor.Add(k * span)
}

// anchoredSpan maps a period to its billing-cycle window length.
func anchoredSpan(period string) time.Duration {
	if period == counter.PeriodWeekly {
		return 7 * 24 * time.Hour
	}
	return 30 * 24 * time.Hour // monthly
}

// anchoredPeriod reports whether a billing-cycle anchor changes how the
// period is computed. Only weekly and monthly windows re-anchor.
func anchoredPeriod(period string) bool {
	return period == counter.PeriodWeekly || period == counter.PeriodMonthly
}
