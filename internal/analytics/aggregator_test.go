package analytics_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"visitrack/internal/analytics"
	"visitrack/internal/metrics"
	"visitrack/internal/pageviews"
	"visitrack/internal/sessions"
	"visitrack/internal/testsupport"
	"visitrack/internal/timeframe"
	"visitrack/internal/visitors"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type view struct {
	fingerprint string
	facets      visitors.Facets
	path        string
	title       string
	referrer    string
	at          time.Time
}

// seed writes page views through the same visitor, session and page view
// steps the tracker uses.
func seed(t *testing.T, db *gorm.DB, views ...view) {
	t.Helper()
	r := sessions.NewReconstructor(30*time.Minute, testsupport.GetLogger())
	for _, v := range views {
		err := db.Transaction(func(tx *gorm.DB) error {
			visitor, isNew, err := visitors.FindOrCreate(tx, v.fingerprint, v.facets, v.at)
			if err != nil {
				return err
			}
			out, err := r.Resolve(tx, visitor, isNew, sessions.Event{Path: v.path, Referrer: v.referrer, At: v.at})
			if err != nil {
				return err
			}
			_, err = pageviews.Record(tx, pageviews.Entry{
				Path:        v.path,
				Title:       v.title,
				Referrer:    v.referrer,
				VisitorID:   visitor.ID,
				SessionID:   out.Session.ID,
				Browser:     v.facets.Browser,
				DeviceType:  v.facets.DeviceType,
				OS:          v.facets.OS,
				Country:     v.facets.Country,
				CountryCode: v.facets.CountryCode,
				ViewedAt:    v.at,
			})
			return err
		})
		require.NoError(t, err)
	}
}

// closeIdle runs the timeout sweep as of at.
func closeIdle(t *testing.T, db *gorm.DB, at time.Time) {
	t.Helper()
	_, err := sessions.CloseExpired(testsupport.GetLogger(), db, 30*time.Minute, at, 0)
	require.NoError(t, err)
}

func newAggregator(db *gorm.DB, m *metrics.Metrics) *analytics.Aggregator {
	return analytics.NewAggregator(testsupport.NewTestDBManager(db), testsupport.GetLogger(), analytics.Options{
		Clock:   testsupport.NewClock(now),
		Metrics: m,
	})
}

var (
	desktopUS = visitors.Facets{Browser: "Chrome", DeviceType: "desktop", OS: "Windows", Country: "United States", CountryCode: "US"}
	mobileDE  = visitors.Facets{Browser: "Safari", DeviceType: "mobile", OS: "iOS", Country: "Germany", CountryCode: "DE"}
)

func TestGetWebAnalytics(t *testing.T) {
	t.Run("seven day window totals", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		testsupport.CleanAllTables(db)

		seed(t, db,
			view{fingerprint: "fp-old", facets: desktopUS, path: "/old", at: now.AddDate(0, 0, -10)},
			view{fingerprint: "fp-a", facets: desktopUS, path: "/", title: "Home", referrer: "https://www.google.com/", at: now.Add(-2 * time.Hour)},
			view{fingerprint: "fp-a", facets: desktopUS, path: "/pricing", title: "Pricing", at: now.Add(-110 * time.Minute)},
			view{fingerprint: "fp-b", facets: mobileDE, path: "/", title: "Home", at: now.Add(-24 * time.Hour)},
		)

		open, err := newAggregator(db, nil).GetWebAnalytics(context.Background(), timeframe.Range7d)
		require.NoError(t, err)
		assert.Zero(t, open.Sessions.BounceRate, "open single-view sessions are not bounces yet")

		// The cutoff falls after fp-b's view and before fp-a's.
		closeIdle(t, db, now.Add(-20*time.Hour))

		var bounced int64
		require.NoError(t, db.Model(&sessions.VisitorSession{}).
			Where("bounced = ? AND started_at >= ?", true, now.AddDate(0, 0, -7)).
			Count(&bounced).Error)
		assert.Equal(t, int64(1), bounced)

		m := metrics.New()
		result, err := newAggregator(db, m).GetWebAnalytics(context.Background(), timeframe.Range7d)
		require.NoError(t, err)

		assert.Equal(t, 3, result.PageViews.Total)
		assert.Equal(t, 2, result.UniqueVisitors.Total)
		assert.Equal(t, 2, result.Sessions.Total)
		assert.Equal(t, 50, result.Sessions.BounceRate)
		assert.Equal(t, int64(0), result.Sessions.AvgDuration, "single-view sessions last zero milliseconds")

		assert.Equal(t, result.PageViews.Total, timeframe.Sum(result.PageViews.Trend))
		assert.Equal(t, result.UniqueVisitors.Total, timeframe.Sum(result.UniqueVisitors.Trend))
		require.Len(t, result.PageViews.Trend, 8)
		assert.Equal(t, "2026-03-03", result.PageViews.Trend[0].Date)
		assert.Equal(t, timeframe.DateStat{Date: "2026-03-09", Count: 1}, result.PageViews.Trend[6])
		assert.Equal(t, timeframe.DateStat{Date: "2026-03-10", Count: 2}, result.PageViews.Trend[7])

		require.Len(t, result.TopPages, 2)
		assert.Equal(t, analytics.PageStat{Path: "/", Title: "Home", Views: 2}, result.TopPages[0])
		assert.Equal(t, analytics.PageStat{Path: "/pricing", Title: "Pricing", Views: 1}, result.TopPages[1])

		assert.Equal(t, []analytics.CountryStat{
			{Country: "Germany", CountryCode: "DE", Visitors: 1},
			{Country: "United States", CountryCode: "US", Visitors: 1},
		}, result.Countries)

		assert.ElementsMatch(t, []analytics.ShareStat{
			{Name: "Desktop", Visitors: 1, Percentage: 50},
			{Name: "Mobile", Visitors: 1, Percentage: 50},
		}, result.Devices)
		assert.ElementsMatch(t, []analytics.ShareStat{
			{Name: "Chrome", Visitors: 1, Percentage: 50},
			{Name: "Safari", Visitors: 1, Percentage: 50},
		}, result.Browsers)

		assert.ElementsMatch(t, []analytics.ReferrerStat{
			{Source: "Direct", Medium: "direct", Sessions: 1},
			{Source: "Google", Medium: "search", Sessions: 1},
		}, result.Referrers)

		assert.Equal(t, 1, testutil.CollectAndCount(m.AnalyticsDuration))
	})

	t.Run("24h window excludes older traffic", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		testsupport.CleanAllTables(db)

		seed(t, db,
			view{fingerprint: "fp-a", facets: desktopUS, path: "/", at: now.Add(-2 * time.Hour)},
			view{fingerprint: "fp-b", facets: mobileDE, path: "/", at: now.Add(-48 * time.Hour)},
		)

		result, err := newAggregator(db, nil).GetWebAnalytics(context.Background(), timeframe.Range24h)
		require.NoError(t, err)

		assert.Equal(t, 1, result.PageViews.Total)
		assert.Equal(t, 1, result.UniqueVisitors.Total)
		assert.Equal(t, 1, result.Sessions.Total)
		assert.Len(t, result.PageViews.Trend, 2)
	})

	t.Run("average duration uses closed sessions", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		testsupport.CleanAllTables(db)

		seed(t, db,
			view{fingerprint: "fp-d", facets: desktopUS, path: "/", at: now.Add(-3 * time.Hour)},
			view{fingerprint: "fp-d", facets: desktopUS, path: "/docs", at: now.Add(-3*time.Hour + 4*time.Minute)},
			view{fingerprint: "fp-d", facets: desktopUS, path: "/", at: now.Add(-time.Hour)},
		)

		result, err := newAggregator(db, nil).GetWebAnalytics(context.Background(), timeframe.Range24h)
		require.NoError(t, err)

		assert.Equal(t, 2, result.Sessions.Total)
		assert.Equal(t, int64(4*time.Minute/time.Millisecond), result.Sessions.AvgDuration)
		assert.Zero(t, result.Sessions.BounceRate, "the open single-view session is not a bounce")
		assert.Equal(t, 1, result.UniqueVisitors.Total)
	})

	t.Run("percentages and unknown buckets", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		testsupport.CleanAllTables(db)

		seed(t, db,
			view{fingerprint: "fp-1", facets: desktopUS, path: "/", at: now.Add(-time.Hour)},
			view{fingerprint: "fp-2", facets: desktopUS, path: "/", at: now.Add(-time.Hour)},
			view{fingerprint: "fp-3", facets: desktopUS, path: "/", at: now.Add(-time.Hour)},
			view{fingerprint: "fp-4", facets: visitors.Facets{}, path: "/", at: now.Add(-time.Hour)},
		)

		result, err := newAggregator(db, nil).GetWebAnalytics(context.Background(), timeframe.Range7d)
		require.NoError(t, err)

		require.Len(t, result.Devices, 2)
		assert.Equal(t, analytics.ShareStat{Name: "Desktop", Visitors: 3, Percentage: 75}, result.Devices[0])
		assert.Equal(t, analytics.ShareStat{Name: analytics.UnknownLabel, Visitors: 1, Percentage: 25}, result.Devices[1])

		sum := 0.0
		for _, d := range result.Browsers {
			sum += d.Percentage
		}
		assert.InDelta(t, 100, sum, 0.01)

		require.Len(t, result.Countries, 2)
		assert.Equal(t, analytics.UnknownLabel, result.Countries[1].Country)
	})

	t.Run("shares divide by every visitor beyond the top limit", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		testsupport.CleanAllTables(db)

		var views []view
		for i := 0; i < 12; i++ {
			facets := desktopUS
			facets.Browser = fmt.Sprintf("Browser%02d", i)
			views = append(views, view{fingerprint: fmt.Sprintf("fp-%02d", i), facets: facets, path: "/", at: now.Add(-time.Hour)})
		}
		views = append(views, view{fingerprint: "fp-extra", facets: desktopUS, path: "/", at: now.Add(-time.Hour)})
		seed(t, db, views...)

		result, err := newAggregator(db, nil).GetWebAnalytics(context.Background(), timeframe.Range7d)
		require.NoError(t, err)
		require.Equal(t, 13, result.UniqueVisitors.Total)

		require.Len(t, result.Browsers, 10)
		assert.Equal(t, analytics.ShareStat{Name: "Browser00", Visitors: 1, Percentage: 7.69}, result.Browsers[0])

		sum := 0.0
		for _, b := range result.Browsers {
			sum += b.Percentage
		}
		assert.InDelta(t, 76.9, sum, 0.01, "the three browsers past the limit keep their share of the total")

		require.Len(t, result.Devices, 1)
		assert.Equal(t, analytics.ShareStat{Name: "Desktop", Visitors: 13, Percentage: 100}, result.Devices[0])
	})

	t.Run("empty database yields zeros", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		testsupport.CleanAllTables(db)

		result, err := newAggregator(db, nil).GetWebAnalytics(context.Background(), timeframe.Range30d)
		require.NoError(t, err)

		assert.Zero(t, result.PageViews.Total)
		assert.Zero(t, result.Sessions.BounceRate)
		assert.Len(t, result.PageViews.Trend, 31)
		assert.Empty(t, result.TopPages)
		assert.NotNil(t, result.Devices)
	})

	t.Run("rejects unknown range", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)

		_, err := newAggregator(db, nil).GetWebAnalytics(context.Background(), timeframe.TimeRange("1y"))
		assert.ErrorIs(t, err, timeframe.ErrInvalidTimeRange)
	})

	t.Run("cancelled context fails", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := newAggregator(db, nil).GetWebAnalytics(ctx, timeframe.Range7d)
		assert.Error(t, err)
	})
}

func TestGetWebAnalyticsStoreFailure(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	testsupport.BreakDB(t, db)

	m := metrics.New()
	result, err := newAggregator(db, m).GetWebAnalytics(context.Background(), timeframe.Range7d)
	assert.Error(t, err)
	assert.Nil(t, result)
	assert.Equal(t, 1, testutil.CollectAndCount(m.AnalyticsDuration))
}

func TestTopLimitIsClamped(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	dbManager := testsupport.NewTestDBManager(db)

	assert.Equal(t, 10, analytics.NewAggregator(dbManager, testsupport.GetLogger(), analytics.Options{TopLimit: 3}).Limit())
	assert.Equal(t, 20, analytics.NewAggregator(dbManager, testsupport.GetLogger(), analytics.Options{TopLimit: 50}).Limit())
	assert.Equal(t, 15, analytics.NewAggregator(dbManager, testsupport.GetLogger(), analytics.Options{TopLimit: 15}).Limit())
}

func TestEmpty(t *testing.T) {
	w := timeframe.NewWindow(timeframe.Range24h, now)
	empty := analytics.Empty(w)

	assert.Equal(t, timeframe.Range24h, empty.TimeRange)
	assert.Len(t, empty.UniqueVisitors.Trend, 2)
	assert.Zero(t, timeframe.Sum(empty.UniqueVisitors.Trend))
	assert.Empty(t, empty.Countries)
}
