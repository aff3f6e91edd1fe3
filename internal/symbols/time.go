package symbols

import "time"

// WeekStart returns the Monday 00:00 UTC at or before t. A timestamp that
// falls mid-week walks backwards to the preceding Monday.
func WeekStart(t time.Time) time.Time {
	t = t.UTC()
	day := t.Truncate(24 * time.Hour)
	// Weekday() is Sunday=0; Monday-based offset.
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

// PeriodInstants enumerates [start, end) stepped by the granularity.
func PeriodInstants(start, end time.Time, granularity time.Duration) []time.Time {
	var instants []time.Time
	for t := start; t.Before(end); t = t.Add(granularity) {
		instants = append(instants, t)
	}
	return instants
}
