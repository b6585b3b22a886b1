package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"

	"visitrack/internal/analytics"
	"visitrack/internal/timeframe"
)

// AnalyticsMeta describes where the data came from.
type AnalyticsMeta struct {
	Source      string    `json:"source"`
	TimeRange   string    `json:"timeRange"`
	GeneratedAt time.Time `json:"generatedAt"`
	Error       string    `json:"error,omitempty"`
}

// AnalyticsResponse is the dashboard analytics payload.
type AnalyticsResponse struct {
	Data *analytics.WebAnalytics `json:"data"`
	Meta AnalyticsMeta           `json:"meta"`
}

// WebAnalyticsAction serves GET /admin/api/analytics?range=. Store failures
// return real zeros tagged database_error instead of an error status.
func WebAnalyticsAction(aggregator *analytics.Aggregator, timeout time.Duration) func(*cartridge.Context) error {
	return func(ctx *cartridge.Context) error {
		r, err := timeframe.ParseTimeRange(ctx.Query("range"))
		if err != nil {
			return ctx.Status(http.StatusBadRequest).JSON(fiber.Map{
				"error":     err.Error(),
				"code":      "INVALID_TIME_RANGE",
				"supported": timeframe.Ranges(),
			})
		}

		reqCtx := ctx.Ctx.UserContext()
		if timeout > 0 {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(reqCtx, timeout)
			defer cancel()
		}

		meta := AnalyticsMeta{
			Source:      analytics.SourceDatabase,
			TimeRange:   r.String(),
			GeneratedAt: time.Now().UTC(),
		}

		data, err := aggregator.GetWebAnalytics(reqCtx, r)
		if err != nil {
			ctx.Logger.Error("Serving zeroed analytics",
				slog.String("time_range", r.String()),
				slog.Any("error", err))
			meta.Source = analytics.SourceDatabaseError
			meta.Error = "Failed to load analytics"
			if errors.Is(err, context.DeadlineExceeded) {
				meta.Error = "Analytics query timed out"
			}
			data = analytics.Empty(aggregator.Window(r))
		}

		return ctx.JSON(AnalyticsResponse{Data: data, Meta: meta})
	}
}
