package v1

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"

	"visitrack/internal/tracking"
)

const errInvalidRequest = "Invalid request"

// TrackPageViewParams is the public tracking payload.
type TrackPageViewParams struct {
	Path      string                 `json:"path"`
	Title     string                 `json:"title"`
	Referrer  string                 `json:"referrer"`
	UserID    string                 `json:"userId"`
	ExtraData map[string]interface{} `json:"extraData"`

	ScreenResolution string `json:"screenResolution"`
	Timezone         string `json:"timezone"`
	Language         string `json:"language"`
}

// TrackPageViewHandler records a page view. The body is read as JSON
// whatever the content type, so navigator.sendBeacon payloads work too.
// Tracking failures answer 200 with success=false so pages never break.
func TrackPageViewHandler(tracker *tracking.Tracker) func(*cartridge.Context) error {
	return func(ctx *cartridge.Context) error {
		var params TrackPageViewParams
		if err := json.Unmarshal(ctx.Ctx.Body(), &params); err != nil {
			ctx.Logger.Debug("Failed to decode tracking payload", slog.Any("error", err))
			return ctx.Status(http.StatusBadRequest).JSON(fiber.Map{
				"error": errInvalidRequest,
				"code":  "INVALID_REQUEST",
			})
		}

		result := tracker.TrackPageView(ctx.Ctx.UserContext(), requestInput(ctx, params))
		if !result.Success {
			return ctx.Status(http.StatusOK).JSON(result)
		}
		return ctx.Status(http.StatusAccepted).JSON(result)
	}
}

func requestInput(ctx *cartridge.Context, params TrackPageViewParams) tracking.TrackInput {
	language := params.Language
	if language == "" {
		language = ctx.Get("Accept-Language")
	}

	return tracking.TrackInput{
		Path:             params.Path,
		Title:            params.Title,
		Referrer:         params.Referrer,
		UserAgent:        userAgent(ctx.Ctx),
		IPAddress:        clientIP(ctx.Ctx, ctx.Logger),
		UserID:           params.UserID,
		ExtraData:        params.ExtraData,
		ScreenResolution: params.ScreenResolution,
		Timezone:         params.Timezone,
		Language:         language,
	}
}
