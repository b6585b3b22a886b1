package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/karloscodes/cartridge"

	"visitrack/internal/config"
	"visitrack/internal/metrics"
	"visitrack/internal/pkg/async"
	"visitrack/internal/timeframe"
)

// Options tunes an Aggregator. Zero values select the defaults.
type Options struct {
	TopLimit int
	Workers  int
	Clock    timeframe.Clock
	Metrics  *metrics.Metrics
}

// Aggregator computes WebAnalytics from the tracking tables.
type Aggregator struct {
	dbManager cartridge.DBManager
	logger    *slog.Logger
	pool      *async.Pool
	limit     int
	clock     timeframe.Clock
	metrics   *metrics.Metrics
}

func NewAggregator(dbManager cartridge.DBManager, logger *slog.Logger, opts Options) *Aggregator {
	limit := opts.TopLimit
	if limit < config.MinTopLimit {
		limit = config.MinTopLimit
	}
	if limit > config.MaxTopLimit {
		limit = config.MaxTopLimit
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	clock := opts.Clock
	if clock == nil {
		clock = timeframe.SystemClock{}
	}

	return &Aggregator{
		dbManager: dbManager,
		logger:    logger,
		pool:      async.NewPool(workers),
		limit:     limit,
		clock:     clock,
		metrics:   opts.Metrics,
	}
}

// Limit returns the number of rows per breakdown.
func (a *Aggregator) Limit() int {
	return a.limit
}

// Window resolves r against the aggregator's clock.
func (a *Aggregator) Window(r timeframe.TimeRange) timeframe.Window {
	return timeframe.NewWindow(r, a.clock.Now())
}

// GetWebAnalytics computes the dashboard payload for r. Independent queries
// run concurrently; the first failure fails the whole call.
func (a *Aggregator) GetWebAnalytics(ctx context.Context, r timeframe.TimeRange) (*WebAnalytics, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: %q", timeframe.ErrInvalidTimeRange, r)
	}

	start := time.Now()
	window := a.Window(r)
	result, err := a.collect(ctx, window)
	if err != nil {
		a.metrics.ObserveAnalytics(SourceDatabaseError, time.Since(start))
		a.logger.Error("Failed to compute web analytics",
			slog.String("time_range", r.String()),
			slog.Any("error", err))
		return nil, err
	}

	a.metrics.ObserveAnalytics(SourceDatabase, time.Since(start))
	return result, nil
}

func (a *Aggregator) collect(ctx context.Context, w timeframe.Window) (*WebAnalytics, error) {
	db := a.dbManager.GetConnection()
	if db == nil {
		return nil, errors.New("database connection unavailable")
	}
	db = db.WithContext(ctx)
	since := w.From

	tasks := []async.Task{
		{Name: "page_views_total", Execute: func() (interface{}, error) {
			return countSince(db, pageViewsTable, "viewed_at", since)
		}},
		{Name: "page_views_trend", Execute: func() (interface{}, error) {
			return dailyCounts(db, pageViewsTable, "viewed_at", since)
		}},
		{Name: "visitors_total", Execute: func() (interface{}, error) {
			return countSince(db, visitorsTable, "last_visit_at", since)
		}},
		{Name: "visitors_trend", Execute: func() (interface{}, error) {
			return dailyCounts(db, visitorsTable, "last_visit_at", since)
		}},
		{Name: "sessions", Execute: func() (interface{}, error) {
			return sessionStats(db, since)
		}},
		{Name: "top_pages", Execute: func() (interface{}, error) {
			return topPages(db, since, a.limit)
		}},
		{Name: "countries", Execute: func() (interface{}, error) {
			return topCountries(db, since, a.limit)
		}},
		{Name: "devices", Execute: func() (interface{}, error) {
			return visitorShares(db, "device_type", since, a.limit, deviceLabel)
		}},
		{Name: "browsers", Execute: func() (interface{}, error) {
			return visitorShares(db, "browser", since, a.limit, browserLabel)
		}},
		{Name: "referrers", Execute: func() (interface{}, error) {
			return topReferrers(db, since, a.limit)
		}},
	}

	results := a.pool.Execute(ctx, tasks)
	for _, task := range tasks {
		res, ok := results[task.Name]
		if !ok {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("analytics %s: %w", task.Name, err)
			}
			return nil, fmt.Errorf("analytics %s: no result", task.Name)
		}
		if res.Err != nil {
			return nil, fmt.Errorf("analytics %s: %w", task.Name, res.Err)
		}
	}

	out := Empty(w)
	out.PageViews = Series{
		Total: results["page_views_total"].Data.(int),
		Trend: w.BuildDailySeries(results["page_views_trend"].Data.([]timeframe.DateStat)),
	}
	out.UniqueVisitors = Series{
		Total: results["visitors_total"].Data.(int),
		Trend: w.BuildDailySeries(results["visitors_trend"].Data.([]timeframe.DateStat)),
	}
	out.Sessions = results["sessions"].Data.(SessionStats)
	out.TopPages = results["top_pages"].Data.([]PageStat)
	out.Countries = results["countries"].Data.([]CountryStat)
	out.Devices = results["devices"].Data.([]ShareStat)
	out.Browsers = results["browsers"].Data.([]ShareStat)
	out.Referrers = results["referrers"].Data.([]ReferrerStat)
	return out, nil
}
