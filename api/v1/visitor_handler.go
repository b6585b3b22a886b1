package v1

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"

	"visitrack/internal/tracking"
)

const recentPageViewLimit = 25

type visitorPageView struct {
	Path     string    `json:"path"`
	Title    string    `json:"title,omitempty"`
	ViewedAt time.Time `json:"viewedAt"`
}

type visitorSession struct {
	ID             uint      `json:"id"`
	StartedAt      time.Time `json:"startedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	EntryPage      string    `json:"entryPage"`
	PageViewCount  int       `json:"pageViewCount"`
}

type visitorInfoResponse struct {
	Alias           string            `json:"alias"`
	FirstVisitAt    time.Time         `json:"firstVisitAt"`
	LastVisitAt     time.Time         `json:"lastVisitAt"`
	TotalVisits     int               `json:"totalVisits"`
	TotalPageViews  int               `json:"totalPageViews"`
	Browser         string            `json:"browser,omitempty"`
	DeviceType      string            `json:"deviceType,omitempty"`
	OS              string            `json:"os,omitempty"`
	Country         string            `json:"country,omitempty"`
	CurrentSession  *visitorSession   `json:"currentSession"`
	RecentPageViews []visitorPageView `json:"recentPageViews"`
}

// GetVisitorInfoHandler describes the calling browser as the tracker sees it.
// Client hints may be passed as query parameters to match the fingerprint
// used when tracking.
func GetVisitorInfoHandler(tracker *tracking.Tracker) func(*cartridge.Context) error {
	return func(ctx *cartridge.Context) error {
		params := TrackPageViewParams{
			ScreenResolution: ctx.Query("screenResolution"),
			Timezone:         ctx.Query("timezone"),
			Language:         ctx.Query("language"),
		}

		info, err := tracker.Lookup(ctx.Ctx.UserContext(), requestInput(ctx, params), recentPageViewLimit)
		if err != nil {
			if errors.Is(err, tracking.ErrUnknownVisitor) {
				return ctx.Status(http.StatusNotFound).JSON(fiber.Map{
					"error": "Visitor not found",
					"code":  "VISITOR_NOT_FOUND",
				})
			}
			ctx.Logger.Error("Failed to load visitor info", slog.Any("error", err))
			return ctx.Status(http.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to load visitor",
				"code":  "VISITOR_LOOKUP_ERROR",
			})
		}

		v := info.Visitor
		resp := visitorInfoResponse{
			Alias:           v.Alias,
			FirstVisitAt:    v.FirstVisitAt,
			LastVisitAt:     v.LastVisitAt,
			TotalVisits:     v.TotalVisits,
			TotalPageViews:  v.TotalPageViews,
			Browser:         v.Browser,
			DeviceType:      v.DeviceType,
			OS:              v.OS,
			Country:         v.Country,
			RecentPageViews: make([]visitorPageView, 0, len(info.RecentPageViews)),
		}
		if s := info.OpenSession; s != nil {
			resp.CurrentSession = &visitorSession{
				ID:             s.ID,
				StartedAt:      s.StartedAt,
				LastActivityAt: s.LastActivityAt,
				EntryPage:      s.EntryPage,
				PageViewCount:  s.PageViewCount,
			}
		}
		for _, pv := range info.RecentPageViews {
			item := visitorPageView{Path: pv.Path, ViewedAt: pv.ViewedAt}
			if pv.Title != nil {
				item.Title = *pv.Title
			}
			resp.RecentPageViews = append(resp.RecentPageViews, item)
		}

		return ctx.JSON(resp)
	}
}
