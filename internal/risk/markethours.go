package risk

import (
	"time"

	"github.com/ajitpratap0/quorumtrade/internal/instrument"
)

// nyse is loaded once; equities sessions are defined in New York time.
var nyse = mustLoadLocation("America/New_York")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		// Fall back to a fixed offset; session checks stay approximate
		// rather than failing startup on a missing tzdata.
		return time.FixedZone("EST", -5*3600)
	}
	return loc
}

// sessionOpen reports whether the market session for class is open at ts.
// Crypto trades around the clock.
func sessionOpen(class instrument.AssetClass, ts time.Time) bool {
	switch class {
	case instrument.ClassEquity:
		return equitySessionOpen(ts)
	case instrument.ClassForex:
		return forexSessionOpen(ts)
	default:
		return true
	}
}

// equitySessionOpen checks the regular NYSE session: Monday-Friday,
// 09:30-16:00 Eastern. Exchange holidays are not modeled.
func equitySessionOpen(ts time.Time) bool {
	local := ts.In(nyse)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	minutes := local.Hour()*60 + local.Minute()
	return minutes >= 9*60+30 && minutes < 16*60
}

// forexSessionOpen checks the global FX week: Sunday 22:00 UTC through
// Friday 22:00 UTC.
func forexSessionOpen(ts time.Time) bool {
	utc := ts.UTC()
	switch utc.Weekday() {
	case time.Saturday:
		return false
	case time.Sunday:
		return utc.Hour() >= 22
	case time.Friday:
		return utc.Hour() < 22
	default:
		return true
	}
}
