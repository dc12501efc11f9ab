// Package lease implements the time-boxed advertisement grant: plan-based
// expiration arithmetic and the draft → published → expired state machine.
package lease

import (
	"time"

	"github.com/tourvista/adboard/internal/db"
)

// Plan duration fallbacks. Monthly and yearly plans ignore any stored
// duration; unrecognized plans get one day.
const (
	defaultHours  = 1
	defaultDays   = 1
	monthlyDays   = 30
	yearlyDays    = 365
	fallbackHours = 24
)

// ExpiryFrom computes the expiration instant for a publish at publishedAt.
// This table is the single source of truth for lease duration and applies
// identically to every advertisement category:
//
//	hourly  -> plan_hours hours (default 1)
//	daily   -> plan_days days   (default 1)
//	monthly -> 30 days
//	yearly  -> 365 days
//	other   -> 1 day
func ExpiryFrom(plan string, hours, days *int, publishedAt time.Time) time.Time {
	switch plan {
	case db.PlanHourly:
		h := defaultHours
		if hours != nil && *hours > 0 {
			h = *hours
		}
		return publishedAt.Add(time.Duration(h) * time.Hour)
	case db.PlanDaily:
		d := defaultDays
		if days != nil && *days > 0 {
			d = *days
		}
		return publishedAt.Add(time.Duration(d) * 24 * time.Hour)
	case db.PlanMonthly:
		return publishedAt.Add(monthlyDays * 24 * time.Hour)
	case db.PlanYearly:
		return publishedAt.Add(yearlyDays * 24 * time.Hour)
	default:
		return publishedAt.Add(fallbackHours * time.Hour)
	}
}

// ValidPlan reports whether plan is one of the billable granularities.
func ValidPlan(plan string) bool {
	switch plan {
	case db.PlanHourly, db.PlanDaily, db.PlanMonthly, db.PlanYearly:
		return true
	}
	return false
}
