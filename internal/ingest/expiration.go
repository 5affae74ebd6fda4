package ingest

import "time"

// ExpiringContracts returns the contracts of feed whose expiry falls within
// withinDays of feed.FrameTS, inclusive, sorted is not required — callers
// that need a stable order should sort the result themselves.
func ExpiringContracts(feed ChainFeed, withinDays int) []OptionContract {
	floor := feed.FrameTS.Truncate(24 * time.Hour)
	cutoff := floor.AddDate(0, 0, withinDays)

	var out []OptionContract
	for _, c := range feed.Contracts {
		expiry, err := time.Parse("2006-01-02", c.Expiry)
		if err != nil {
			continue
		}
		if !expiry.Before(floor) && !expiry.After(cutoff) {
			out = append(out, c)
		}
	}
	return out
}
