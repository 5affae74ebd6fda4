// Package market implements the Market-State Validator (spec §4.6.4): a
// pure function with no bus access, callable from both the Feed Orchestrator
// (to decide whether to launch a worker) and the Synthetic Spot Worker (to
// decide whether to compute this cycle).
package market

import (
	"fmt"
	"time"
)

// weeklyOptionsSymbols expire every Friday rather than monthly; after close
// on a Friday they are considered expired for the week, not merely closed.
var weeklyOptionsSymbols = map[string]bool{
	"SPX": true, "SPY": true, "ES": true, "NDX": true, "QQQ": true, "NQ": true,
}

var eastern *time.Location

func init() {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	eastern = loc
}

// Validate reports whether the market is open for symbol at now, and if not,
// why. now is converted to US/Eastern internally.
func Validate(now time.Time, symbol string) (valid bool, reason string) {
	et := now.In(eastern)

	switch et.Weekday() {
	case time.Saturday, time.Sunday:
		return false, fmt.Sprintf("weekend, next open %s", nextWeekdayOpen(et))
	}

	open := time.Date(et.Year(), et.Month(), et.Day(), 9, 30, 0, 0, eastern)
	close := time.Date(et.Year(), et.Month(), et.Day(), 16, 0, 0, 0, eastern)

	if et.Before(open) {
		return false, "pre-market"
	}
	if et.After(close) || et.Equal(close) {
		if et.Weekday() == time.Friday && weeklyOptionsSymbols[symbol] {
			return false, "weekly expired"
		}
		return false, "post-market"
	}
	return true, ""
}

// nextWeekdayOpen returns a human-readable description of the next trading
// session's open, used only in the weekend reason string.
func nextWeekdayOpen(et time.Time) string {
	next := et
	for {
		next = next.AddDate(0, 0, 1)
		if next.Weekday() != time.Saturday && next.Weekday() != time.Sunday {
			break
		}
	}
	return next.Format("2006-01-02") + " 09:30 ET"
}
