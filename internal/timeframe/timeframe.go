// Package timeframe parses dashboard time ranges and builds daily series.
package timeframe

import (
	"sort"
	"time"
)

// DayFormat is the bucket key for daily series, matching SQLite's date().
const DayFormat = "2006-01-02"

// DateStat is one point of a daily series.
type DateStat struct {
	Date  string `json:"date"`
	Count int    `json:"value"`
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// Window is a resolved rolling window ending at To.
type Window struct {
	Range TimeRange
	From  time.Time
	To    time.Time
}

// NewWindow resolves r against now.
func NewWindow(r TimeRange, now time.Time) Window {
	now = now.UTC()
	return Window{Range: r, From: r.Since(now), To: now}
}

// DayKey returns the UTC day bucket for t.
func DayKey(t time.Time) string {
	return t.UTC().Format(DayFormat)
}

// Days lists every UTC day touched by the window, oldest first.
func (w Window) Days() []string {
	start := truncateToDay(w.From)
	end := truncateToDay(w.To)

	var days []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		days = append(days, DayKey(d))
	}
	return days
}

// BuildDailySeries returns one point per day of the window, zero-filled and
// ascending. Grouped rows for dates outside the window are kept so the series
// always sums to the grouped total.
func (w Window) BuildDailySeries(grouped []DateStat) []DateStat {
	counts := make(map[string]int, len(grouped))
	for _, stat := range grouped {
		counts[normalizeDate(stat.Date)] += stat.Count
	}

	series := make([]DateStat, 0, len(counts))
	for _, day := range w.Days() {
		series = append(series, DateStat{Date: day, Count: counts[day]})
		delete(counts, day)
	}
	for day, count := range counts {
		series = append(series, DateStat{Date: day, Count: count})
	}

	sort.SliceStable(series, func(i, j int) bool {
		return series[i].Date < series[j].Date
	})
	return series
}

// Sum adds up the series.
func Sum(series []DateStat) int {
	total := 0
	for _, stat := range series {
		total += stat.Count
	}
	return total
}

func truncateToDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// normalizeDate accepts the shapes SQLite hands back for a date column.
func normalizeDate(s string) string {
	if len(s) >= len(DayFormat) {
		if _, err := time.Parse(DayFormat, s[:len(DayFormat)]); err == nil {
			return s[:len(DayFormat)]
		}
	}
	return s
}
