package timeutil

import "time"

// ReferenceLocation anchors all calendar-date arithmetic so elapsed weekday
// counts are identical regardless of the server timezone.
var ReferenceLocation = time.UTC

// WeekdaysElapsed counts the Monday-Friday date boundaries crossed between
// from and until. A weekend start rolls forward to the following Monday
// before counting, so a request lodged on Saturday does not accrue its first
// weekday until the Tuesday after.
func WeekdaysElapsed(from, until time.Time) int {
	day := truncateToDate(from.In(ReferenceLocation))
	end := truncateToDate(until.In(ReferenceLocation))

	switch day.Weekday() {
	case time.Saturday:
		day = day.AddDate(0, 0, 2)
	case time.Sunday:
		day = day.AddDate(0, 0, 1)
	}

	elapsed := 0
	for day.Before(end) {
		day = day.AddDate(0, 0, 1)
		if wd := day.Weekday(); wd != time.Saturday && wd != time.Sunday {
			elapsed++
		}
	}
	return elapsed
}

// SecondsElapsed returns whole seconds between two instants, never negative.
func SecondsElapsed(from, until time.Time) int64 {
	if until.Before(from) {
		return 0
	}
	return int64(until.Sub(from) / time.Second)
}

func truncateToDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, ReferenceLocation)
}
