package tracking_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"visitrack/internal/metrics"
	"visitrack/internal/pageviews"
	"visitrack/internal/pkg/geoip"
	"visitrack/internal/sessions"
	"visitrack/internal/testsupport"
	"visitrack/internal/tracking"
	"visitrack/internal/visitors"
)

const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

var start = time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)

type failingResolver struct{}

func (failingResolver) Resolve(ctx context.Context, ip string) (geoip.Location, error) {
	return geoip.Location{}, errors.New("lookup failed")
}

func newTracker(db *gorm.DB, clock *testsupport.Clock, m *metrics.Metrics, mutate ...func(*tracking.Options)) *tracking.Tracker {
	opts := tracking.Options{
		Fingerprinter:  visitors.NewFingerprinter("test-secret", false),
		Resolver:       geoip.NewStubResolver("US", "Austin"),
		SessionTimeout: 30 * time.Minute,
		IgnoreBots:     true,
		Clock:          clock,
		Metrics:        m,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	return tracking.NewTracker(testsupport.NewTestDBManager(db), testsupport.GetLogger(), opts)
}

func input(path string) tracking.TrackInput {
	return tracking.TrackInput{
		Path:      path,
		Title:     "Title of " + path,
		UserAgent: chromeUA,
		IPAddress: "203.0.113.10",
	}
}

func countRows(t *testing.T, db *gorm.DB, model interface{}, where string, args ...interface{}) int {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(model).Where(where, args...).Count(&n).Error)
	return int(n)
}

func TestTrackPageView(t *testing.T) {
	ctx := context.Background()

	t.Run("first view creates visitor and session", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		testsupport.CleanAllTables(db)
		m := metrics.New()
		tracker := newTracker(db, testsupport.NewClock(start), m)

		result := tracker.TrackPageView(ctx, input("/"))

		require.True(t, result.Success, result.Error)
		assert.NotZero(t, result.VisitorID)
		assert.NotZero(t, result.SessionID)
		assert.False(t, result.Skipped)

		var pv pageviews.PageView
		require.NoError(t, db.Where("session_id = ?", result.SessionID).First(&pv).Error)
		assert.Equal(t, "Chrome", pv.Browser)
		assert.Equal(t, "desktop", pv.DeviceType)
		assert.Equal(t, "Windows", pv.OS)
		assert.Equal(t, "United States", pv.Country)
		assert.Equal(t, "Austin", pv.City)
		assert.Equal(t, "203.0.113.10", pv.IPAddress)
		require.NotNil(t, pv.Title)
		assert.Equal(t, "Title of /", *pv.Title)

		assert.Equal(t, float64(1), testutil.ToFloat64(m.PageViewsTotal))
		assert.Equal(t, float64(1), testutil.ToFloat64(m.SessionsOpenedTotal))
	})

	t.Run("view five minutes later continues the session", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		testsupport.CleanAllTables(db)
		clock := testsupport.NewClock(start)
		tracker := newTracker(db, clock, nil)

		first := tracker.TrackPageView(ctx, input("/"))
		clock.Advance(5 * time.Minute)
		second := tracker.TrackPageView(ctx, input("/pricing"))

		require.True(t, second.Success)
		assert.Equal(t, first.VisitorID, second.VisitorID)
		assert.Equal(t, first.SessionID, second.SessionID)

		var s sessions.VisitorSession
		require.NoError(t, db.First(&s, second.SessionID).Error)
		assert.Equal(t, 2, s.PageViewCount)
		assert.Nil(t, s.EndedAt)
	})

	t.Run("view forty minutes later starts a new session", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		testsupport.CleanAllTables(db)
		clock := testsupport.NewClock(start)
		m := metrics.New()
		tracker := newTracker(db, clock, m)

		first := tracker.TrackPageView(ctx, input("/"))
		clock.Advance(40 * time.Minute)
		second := tracker.TrackPageView(ctx, input("/again"))

		require.True(t, second.Success)
		assert.Equal(t, first.VisitorID, second.VisitorID)
		assert.NotEqual(t, first.SessionID, second.SessionID)

		var closed sessions.VisitorSession
		require.NoError(t, db.First(&closed, first.SessionID).Error)
		require.NotNil(t, closed.EndedAt)
		assert.True(t, closed.Bounced)
		assert.Equal(t, "/", *closed.ExitPage)

		var v visitors.Visitor
		require.NoError(t, db.First(&v, second.VisitorID).Error)
		assert.Equal(t, 2, v.TotalVisits)
		assert.Equal(t, 2, v.TotalPageViews)

		assert.Equal(t, float64(2), testutil.ToFloat64(m.SessionsOpenedTotal))
		assert.Equal(t, float64(1), testutil.ToFloat64(m.SessionsClosedTotal.WithLabelValues("next_event")))
	})

	t.Run("empty path records the root", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		testsupport.CleanAllTables(db)
		tracker := newTracker(db, testsupport.NewClock(start), nil)

		result := tracker.TrackPageView(ctx, tracking.TrackInput{UserAgent: chromeUA, IPAddress: "203.0.113.11"})
		require.True(t, result.Success)

		var s sessions.VisitorSession
		require.NoError(t, db.First(&s, result.SessionID).Error)
		assert.Equal(t, "/", s.EntryPage)
	})

	t.Run("bots are skipped", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		testsupport.CleanAllTables(db)
		m := metrics.New()
		tracker := newTracker(db, testsupport.NewClock(start), m)

		in := input("/")
		in.UserAgent = "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"
		result := tracker.TrackPageView(ctx, in)

		assert.True(t, result.Success)
		assert.True(t, result.Skipped)
		assert.Zero(t, result.VisitorID)
		assert.Zero(t, countRows(t, db, &visitors.Visitor{}, "1 = 1"))
		assert.Equal(t, float64(1), testutil.ToFloat64(m.SkippedTotal.WithLabelValues("bot")))
	})

	t.Run("bots are recorded when not ignored", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		testsupport.CleanAllTables(db)
		tracker := newTracker(db, testsupport.NewClock(start), nil, func(o *tracking.Options) {
			o.IgnoreBots = false
		})

		in := input("/")
		in.UserAgent = "curl/8.4.0"
		result := tracker.TrackPageView(ctx, in)

		require.True(t, result.Success)
		assert.False(t, result.Skipped)

		var v visitors.Visitor
		require.NoError(t, db.First(&v, result.VisitorID).Error)
		assert.Equal(t, "bot", v.DeviceType)
	})

	t.Run("location failure still records", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		testsupport.CleanAllTables(db)
		tracker := newTracker(db, testsupport.NewClock(start), nil, func(o *tracking.Options) {
			o.Resolver = failingResolver{}
		})

		result := tracker.TrackPageView(ctx, input("/"))
		require.True(t, result.Success)

		var v visitors.Visitor
		require.NoError(t, db.First(&v, result.VisitorID).Error)
		assert.Empty(t, v.Country)
		assert.Equal(t, "Chrome", v.Browser)
	})

	t.Run("different addresses are different visitors", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		testsupport.CleanAllTables(db)
		tracker := newTracker(db, testsupport.NewClock(start), nil)

		a := tracker.TrackPageView(ctx, input("/"))
		other := input("/")
		other.IPAddress = "198.51.100.20"
		b := tracker.TrackPageView(ctx, other)

		require.True(t, a.Success)
		require.True(t, b.Success)
		assert.NotEqual(t, a.VisitorID, b.VisitorID)
	})

	t.Run("counters match stored rows", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		testsupport.CleanAllTables(db)
		clock := testsupport.NewClock(start)
		tracker := newTracker(db, clock, nil)

		gaps := []time.Duration{0, 2 * time.Minute, 45 * time.Minute, time.Minute, 3 * time.Hour, 10 * time.Minute}
		var visitorID uint
		for i, gap := range gaps {
			clock.Advance(gap)
			result := tracker.TrackPageView(ctx, input("/page"))
			require.True(t, result.Success, "event %d", i)
			visitorID = result.VisitorID
		}

		var v visitors.Visitor
		require.NoError(t, db.First(&v, visitorID).Error)
		assert.Equal(t, countRows(t, db, &pageviews.PageView{}, "visitor_id = ?", visitorID), v.TotalPageViews)
		assert.Equal(t, countRows(t, db, &sessions.VisitorSession{}, "visitor_id = ?", visitorID), v.TotalVisits)
		assert.Equal(t, 3, v.TotalVisits)
		assert.Equal(t, 1, countRows(t, db, &sessions.VisitorSession{}, "visitor_id = ? AND ended_at IS NULL", visitorID))
	})
}

func TestTrackPageViewConcurrent(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	tracker := newTracker(db, testsupport.NewClock(start), nil)

	const n = 20
	var wg sync.WaitGroup
	results := make([]tracking.TrackResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = tracker.TrackPageView(context.Background(), input("/concurrent"))
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		require.True(t, r.Success, r.Error)
		assert.Equal(t, results[0].SessionID, r.SessionID)
	}

	assert.Equal(t, 1, countRows(t, db, &visitors.Visitor{}, "1 = 1"))
	assert.Equal(t, 1, countRows(t, db, &sessions.VisitorSession{}, "1 = 1"))
	assert.Equal(t, n, countRows(t, db, &pageviews.PageView{}, "1 = 1"))

	var v visitors.Visitor
	require.NoError(t, db.First(&v, results[0].VisitorID).Error)
	assert.Equal(t, n, v.TotalPageViews)
	assert.Equal(t, 1, v.TotalVisits)
}

func TestTrackPageViewStoreFailure(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	testsupport.BreakDB(t, db)
	m := metrics.New()
	tracker := newTracker(db, testsupport.NewClock(start), m)

	result := tracker.TrackPageView(context.Background(), input("/"))

	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
	assert.Zero(t, result.SessionID)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FailuresTotal))
}

func TestTrackPageViewRollsBackPartialEvent(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	clock := testsupport.NewClock(start)
	m := metrics.New()
	tracker := newTracker(db, clock, m)
	ctx := context.Background()

	first := tracker.TrackPageView(ctx, input("/"))
	require.True(t, first.Success, first.Error)

	// The visitor and session writes succeed; the page view insert aborts.
	require.NoError(t, db.Exec(`CREATE TRIGGER fail_page_views BEFORE INSERT ON page_views
BEGIN
	SELECT RAISE(ABORT, 'page view insert rejected');
END`).Error)

	clock.Advance(40 * time.Minute)
	result := tracker.TrackPageView(ctx, input("/pricing"))

	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FailuresTotal))

	var all []sessions.VisitorSession
	require.NoError(t, db.Find(&all).Error)
	require.Len(t, all, 1, "no replacement session is left behind")
	assert.Equal(t, first.SessionID, all[0].ID)
	assert.Nil(t, all[0].EndedAt, "the expired session is not closed")
	assert.Nil(t, all[0].CloseReason)
	assert.Equal(t, 1, all[0].PageViewCount)
	assert.Equal(t, 1, countRows(t, db, &pageviews.PageView{}, "1 = 1"))

	var v visitors.Visitor
	require.NoError(t, db.First(&v, first.VisitorID).Error)
	assert.Equal(t, 1, v.TotalVisits)
	assert.Equal(t, 1, v.TotalPageViews)
	assert.True(t, v.LastVisitAt.Equal(start), "last visit is not advanced")

	require.NoError(t, db.Exec("DROP TRIGGER fail_page_views").Error)
	retried := tracker.TrackPageView(ctx, input("/pricing"))
	require.True(t, retried.Success, retried.Error)
	assert.NotEqual(t, first.SessionID, retried.SessionID)
}

func TestTrackPageViewRecoversFromPanic(t *testing.T) {
	m := metrics.New()
	tracker := tracking.NewTracker(nil, testsupport.GetLogger(), tracking.Options{Metrics: m})

	var result tracking.TrackResult
	assert.NotPanics(t, func() {
		result = tracker.TrackPageView(context.Background(), input("/"))
	})
	assert.False(t, result.Success)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FailuresTotal))
}

func TestLookup(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	tracker := newTracker(db, testsupport.NewClock(start), nil)
	ctx := context.Background()

	_, err := tracker.Lookup(ctx, input("/"), 5)
	assert.ErrorIs(t, err, tracking.ErrUnknownVisitor)

	tracked := tracker.TrackPageView(ctx, input("/"))
	require.True(t, tracked.Success)

	info, err := tracker.Lookup(ctx, input("/"), 5)
	require.NoError(t, err)
	assert.Equal(t, tracked.VisitorID, info.Visitor.ID)
	assert.Equal(t, visitors.Alias(info.Visitor.Fingerprint), info.Visitor.Alias)
	require.NotNil(t, info.OpenSession)
	assert.Equal(t, tracked.SessionID, info.OpenSession.ID)
	assert.Len(t, info.RecentPageViews, 1)
}

func TestSweepExpired(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	clock := testsupport.NewClock(start)
	m := metrics.New()
	tracker := newTracker(db, clock, m)
	ctx := context.Background()

	tracked := tracker.TrackPageView(ctx, input("/"))
	require.True(t, tracked.Success)

	clock.Advance(10 * time.Minute)
	result, err := tracker.SweepExpired(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, result.Closed)

	clock.Advance(25 * time.Minute)
	result, err = tracker.SweepExpired(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Closed)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SessionsClosedTotal.WithLabelValues("timeout")))

	var s sessions.VisitorSession
	require.NoError(t, db.First(&s, tracked.SessionID).Error)
	require.NotNil(t, s.CloseReason)
	assert.Equal(t, sessions.CloseReasonTimeout, *s.CloseReason)

	clock.Advance(time.Minute)
	next := tracker.TrackPageView(ctx, input("/back"))
	require.True(t, next.Success)
	assert.NotEqual(t, tracked.SessionID, next.SessionID)
}
