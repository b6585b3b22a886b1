// Package analytics answers dashboard queries over rolling time windows.
// It only reads; the tracking write path never depends on it.
package analytics

import (
	"time"

	"visitrack/internal/timeframe"
)

// UnknownLabel names visitors whose facet was never resolved.
const UnknownLabel = "Unknown"

// Result sources reported to the dashboard.
const (
	SourceDatabase      = "database"
	SourceDatabaseError = "database_error"
)

// Series is a window total with its daily trend.
type Series struct {
	Total int                  `json:"total"`
	Trend []timeframe.DateStat `json:"trend"`
}

// SessionStats summarises sessions started in the window.
type SessionStats struct {
	Total int `json:"total"`
	// AvgDuration is in milliseconds, over closed sessions only.
	AvgDuration int64 `json:"avgDuration"`
	// BounceRate is a whole percentage.
	BounceRate int `json:"bounceRate"`
}

type PageStat struct {
	Path  string `json:"path"`
	Title string `json:"title"`
	Views int    `json:"views"`
}

type CountryStat struct {
	Country     string `json:"country"`
	CountryCode string `json:"countryCode"`
	Visitors    int    `json:"visitors"`
}

// ShareStat is a breakdown bucket with its share of the returned buckets.
type ShareStat struct {
	Name       string  `json:"name"`
	Visitors   int     `json:"visitors"`
	Percentage float64 `json:"percentage"`
}

type ReferrerStat struct {
	Source   string `json:"source"`
	Medium   string `json:"medium"`
	Sessions int    `json:"sessions"`
}

// WebAnalytics is the dashboard payload for one time range.
type WebAnalytics struct {
	TimeRange      timeframe.TimeRange `json:"timeRange"`
	From           time.Time           `json:"from"`
	To             time.Time           `json:"to"`
	PageViews      Series              `json:"pageViews"`
	UniqueVisitors Series              `json:"uniqueVisitors"`
	Sessions       SessionStats        `json:"sessions"`
	TopPages       []PageStat          `json:"topPages"`
	Countries      []CountryStat       `json:"countries"`
	Devices        []ShareStat         `json:"devices"`
	Browsers       []ShareStat         `json:"browsers"`
	Referrers      []ReferrerStat      `json:"referrers"`
}

// Empty returns an all-zero payload for the window, with zero-filled trends
// and empty (non-nil) breakdowns.
func Empty(w timeframe.Window) *WebAnalytics {
	return &WebAnalytics{
		TimeRange:      w.Range,
		From:           w.From,
		To:             w.To,
		PageViews:      Series{Trend: w.BuildDailySeries(nil)},
		UniqueVisitors: Series{Trend: w.BuildDailySeries(nil)},
		TopPages:       []PageStat{},
		Countries:      []CountryStat{},
		Devices:        []ShareStat{},
		Browsers:       []ShareStat{},
		Referrers:      []ReferrerStat{},
	}
}
