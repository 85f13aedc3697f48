package filter

import (
	"time"

	"github.com/sentrystack/siemcore/internal/model"
)

// isBusinessHours reports whether t falls within bh's declared working
// hours, evaluated in bh's own timezone. An unparsable or empty
// Timezone falls back to UTC rather than rejecting the tenant's
// configuration outright.
func isBusinessHours(bh model.BusinessHours, t time.Time) bool {
	loc := time.UTC
	if bh.Timezone != "" {
		if l, err := time.LoadLocation(bh.Timezone); err == nil {
			loc = l
		}
	}
	local := t.In(loc)

	for _, h := range bh.Holidays {
		if sameDate(h, local) {
			return false
		}
	}

	tr := bh.Weekday
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		tr = bh.Weekend
	}
	return withinTimeRange(tr, local)
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func withinTimeRange(tr model.TimeRange, t time.Time) bool {
	minutesOfDay := t.Hour()*60 + t.Minute()
	start := tr.StartHour*60 + tr.StartMinute
	end := tr.EndHour*60 + tr.EndMinute
	if start == end {
		// A zero-value TimeRange (no hours configured) never counts as
		// business hours.
		return false
	}
	return minutesOfDay >= start && minutesOfDay < end
}

// inMaintenanceWindow reports whether now falls within any of tenant's
// active maintenance windows AND sourceIP is in that window's
// authorized source list.
func inMaintenanceWindow(windows []model.MaintenanceWindow, sourceIP string, now time.Time) bool {
	for _, w := range windows {
		if now.Before(w.Start) || now.After(w.End) {
			continue
		}
		if cidrListContains(w.AuthorizedCIDRs, sourceIP) {
			return true
		}
	}
	return false
}
