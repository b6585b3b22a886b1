package timeframe

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TimeRange is a rolling dashboard window.
type TimeRange string

// Supported ranges
const (
	Range24h TimeRange = "24h"
	Range7d  TimeRange = "7d"
	Range30d TimeRange = "30d"
	Range90d TimeRange = "90d"
)

// DefaultRange is used when no range is requested.
const DefaultRange = Range7d

// ErrInvalidTimeRange is returned for unsupported range labels.
var ErrInvalidTimeRange = errors.New("invalid time range")

var durations = map[TimeRange]time.Duration{
	Range24h: 24 * time.Hour,
	Range7d:  7 * 24 * time.Hour,
	Range30d: 30 * 24 * time.Hour,
	Range90d: 90 * 24 * time.Hour,
}

// Ranges lists the supported ranges, shortest first.
func Ranges() []TimeRange {
	return []TimeRange{Range24h, Range7d, Range30d, Range90d}
}

func rangeList() string {
	labels := make([]string, 0, len(durations))
	for _, r := range Ranges() {
		labels = append(labels, string(r))
	}
	return strings.Join(labels, ", ")
}

// ParseTimeRange validates a range label. An empty label selects DefaultRange.
func ParseTimeRange(s string) (TimeRange, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return DefaultRange, nil
	}
	r := TimeRange(s)
	if _, ok := durations[r]; !ok {
		return "", fmt.Errorf("%w: %q (expected one of %s)", ErrInvalidTimeRange, s, rangeList())
	}
	return r, nil
}

// Valid reports whether r is supported.
func (r TimeRange) Valid() bool {
	_, ok := durations[r]
	return ok
}

// Duration returns the window length, zero for an unsupported range.
func (r TimeRange) Duration() time.Duration {
	return durations[r]
}

// Since returns the start of the window ending at now.
func (r TimeRange) Since(now time.Time) time.Time {
	return now.Add(-r.Duration())
}

func (r TimeRange) String() string {
	return string(r)
}
