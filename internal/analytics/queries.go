package analytics

import (
	"fmt"
	"math"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"visitrack/internal/pkg/geoip"
	"visitrack/internal/pkg/referrers"
	"visitrack/internal/timeframe"
)

const (
	pageViewsTable = "page_views"
	visitorsTable  = "visitors"
	sessionsTable  = "visitor_sessions"
)

type countRow struct {
	Name  string
	Count int
}

func scanSQL(db *gorm.DB, qb sq.SelectBuilder, dest interface{}) error {
	query, args, err := qb.ToSql()
	if err != nil {
		return fmt.Errorf("building query: %w", err)
	}
	return db.Raw(query, args...).Scan(dest).Error
}

func countSince(db *gorm.DB, table, column string, since time.Time) (int, error) {
	var total int64
	qb := sq.Select("COUNT(*)").From(table).Where(sq.GtOrEq{column: since.UTC()})
	if err := scanSQL(db, qb, &total); err != nil {
		return 0, fmt.Errorf("error counting %s: %w", table, err)
	}
	return int(total), nil
}

// dailyCounts groups rows by UTC day of column.
func dailyCounts(db *gorm.DB, table, column string, since time.Time) ([]timeframe.DateStat, error) {
	var results []timeframe.DateStat
	day := fmt.Sprintf("date(%s)", column)
	qb := sq.Select(day+" AS date", "COUNT(*) AS count").
		From(table).
		Where(sq.GtOrEq{column: since.UTC()}).
		GroupBy(day).
		OrderBy("date ASC")
	if err := scanSQL(db, qb, &results); err != nil {
		return nil, fmt.Errorf("error fetching daily %s: %w", table, err)
	}
	return results, nil
}

func sessionStats(db *gorm.DB, since time.Time) (SessionStats, error) {
	var row struct {
		Total       int
		AvgDuration float64
		Bounced     int
	}
	qb := sq.Select(
		"COUNT(*) AS total",
		"COALESCE(AVG(duration_ms), 0) AS avg_duration",
		"COALESCE(SUM(CASE WHEN bounced = 1 THEN 1 ELSE 0 END), 0) AS bounced",
	).
		From(sessionsTable).
		Where(sq.GtOrEq{"started_at": since.UTC()})
	if err := scanSQL(db, qb, &row); err != nil {
		return SessionStats{}, fmt.Errorf("error fetching session stats: %w", err)
	}

	stats := SessionStats{
		Total:       row.Total,
		AvgDuration: int64(math.Round(row.AvgDuration)),
	}
	if row.Total > 0 {
		stats.BounceRate = int(math.Round(float64(row.Bounced) * 100 / float64(row.Total)))
	}
	return stats, nil
}

// topPages ranks path and title pairs by views; ties keep first-seen order.
func topPages(db *gorm.DB, since time.Time, limit int) ([]PageStat, error) {
	var results []PageStat
	qb := sq.Select("path", "COALESCE(title, '') AS title", "COUNT(*) AS views").
		From(pageViewsTable).
		Where(sq.GtOrEq{"viewed_at": since.UTC()}).
		GroupBy("path", "title").
		OrderBy("views DESC", "MIN(id) ASC").
		Limit(uint64(limit))
	if err := scanSQL(db, qb, &results); err != nil {
		return nil, fmt.Errorf("error fetching top pages: %w", err)
	}
	if results == nil {
		results = []PageStat{}
	}
	return results, nil
}

func topCountries(db *gorm.DB, since time.Time, limit int) ([]CountryStat, error) {
	var rows []CountryStat
	qb := sq.Select("country", "country_code", "COUNT(*) AS visitors").
		From(visitorsTable).
		Where(sq.GtOrEq{"last_visit_at": since.UTC()}).
		GroupBy("country_code", "country").
		OrderBy("visitors DESC", "country_code ASC").
		Limit(uint64(limit))
	if err := scanSQL(db, qb, &rows); err != nil {
		return nil, fmt.Errorf("error fetching countries: %w", err)
	}

	results := make([]CountryStat, 0, len(rows))
	for _, row := range rows {
		if row.Country == "" {
			row.Country = geoip.CountryName(row.CountryCode)
		}
		if row.Country == "" {
			row.Country = UnknownLabel
		}
		results = append(results, row)
	}
	return results, nil
}

// visitorShares breaks visitors down by column. Percentages are relative to
// every visitor in the window, so buckets beyond limit still count toward the
// denominator and the returned shares may sum to less than 100.
func visitorShares(db *gorm.DB, column string, since time.Time, limit int, label func(string) string) ([]ShareStat, error) {
	total, err := countSince(db, visitorsTable, "last_visit_at", since)
	if err != nil {
		return nil, fmt.Errorf("error fetching %s breakdown: %w", column, err)
	}

	var rows []countRow
	qb := sq.Select(column+" AS name", "COUNT(*) AS count").
		From(visitorsTable).
		Where(sq.GtOrEq{"last_visit_at": since.UTC()}).
		GroupBy(column).
		OrderBy("count DESC", column+" ASC").
		Limit(uint64(limit))
	if err := scanSQL(db, qb, &rows); err != nil {
		return nil, fmt.Errorf("error fetching %s breakdown: %w", column, err)
	}

	results := make([]ShareStat, 0, len(rows))
	for _, row := range rows {
		name := UnknownLabel
		if row.Name != "" {
			name = label(row.Name)
		}
		results = append(results, ShareStat{
			Name:       name,
			Visitors:   row.Count,
			Percentage: percentage(row.Count, total),
		})
	}
	return results, nil
}

func deviceLabel(deviceType string) string {
	return cases.Title(language.AmericanEnglish).String(deviceType)
}

func browserLabel(browser string) string {
	return browser
}

// topReferrers groups session referrers by traffic source.
func topReferrers(db *gorm.DB, since time.Time, limit int) ([]ReferrerStat, error) {
	var rows []countRow
	qb := sq.Select("COALESCE(referrer, '') AS name", "COUNT(*) AS count").
		From(sessionsTable).
		Where(sq.GtOrEq{"started_at": since.UTC()}).
		GroupBy("COALESCE(referrer, '')")
	if err := scanSQL(db, qb, &rows); err != nil {
		return nil, fmt.Errorf("error fetching referrers: %w", err)
	}

	bySource := make(map[referrers.Classification]int)
	for _, row := range rows {
		bySource[referrers.Classify(row.Name)] += row.Count
	}

	results := make([]ReferrerStat, 0, len(bySource))
	for c, count := range bySource {
		results = append(results, ReferrerStat{Source: c.Source, Medium: c.Medium, Sessions: count})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Sessions != results[j].Sessions {
			return results[i].Sessions > results[j].Sessions
		}
		return results[i].Source < results[j].Source
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// percentage returns part/total*100 rounded to two decimals, 0 when total is 0.
func percentage(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(part)*10000/float64(total)) / 100
}
