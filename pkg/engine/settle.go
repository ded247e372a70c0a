package engine

import (
	"time"

	"github.com/homespace/homespace/pkg/clock"
	"github.com/homespace/homespace/pkg/types"
)

// ComputeSegments splits the interval [start, end] at midnight boundaries in
// start's zone and returns one segment per calendar day touched. Each
// segment carries the closed session record for its day (the record keeps
// the session's original start string, as recorded data always has) and the
// energy delta hours * powerKW.
//
// A zero-duration interval yields exactly one zero-energy segment. An end
// before start is clamped to zero duration; the caller decides whether that
// deserves a warning. Segment IDs are left empty; the caller stamps them
// with its settlement ID.
func ComputeSegments(start, end time.Time, powerKW float64) []types.Segment {
	if end.Before(start) {
		end = start
	}
	startStr := clock.FormatTimestamp(start)

	var segs []types.Segment
	cur := start
	for {
		dayStart := time.Date(cur.Year(), cur.Month(), cur.Day(), 0, 0, 0, 0, cur.Location())
		nextMidnight := dayStart.AddDate(0, 0, 1)

		periodEnd := end
		clipped := end.After(nextMidnight)
		if clipped {
			periodEnd = nextMidnight
		}

		hours := periodEnd.Sub(cur).Hours()
		energy := hours * powerKW

		// a clipped segment's record ends at the day's last second; the
		// split instant itself belongs to the next day's segment
		recordEnd := periodEnd
		if clipped {
			recordEnd = periodEnd.Add(-time.Second)
		}

		segs = append(segs, types.Segment{
			DayKey:    types.DayKey(cur),
			MonthKey:  types.MonthKey(cur),
			YearKey:   types.YearKey(cur),
			Record:    types.Session{Start: startStr, End: clock.FormatTimestamp(recordEnd), Energy: energy},
			Hours:     hours,
			EnergyKWH: energy,
		})

		if !clipped {
			return segs
		}
		cur = nextMidnight
	}
}
