package internal

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/karloscodes/cartridge"
	cartridgemiddleware "github.com/karloscodes/cartridge/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	v1 "visitrack/api/v1"
	"visitrack/internal/config"
	"visitrack/internal/http"
)

// publicCORSConfig returns the standard CORS configuration for public endpoints.
var publicCORSConfig = &cors.Config{
	AllowOrigins: "*",
	AllowMethods: "POST,GET,OPTIONS",
	AllowHeaders: "Origin, Content-Type, Accept, Authorization, Referrer, User-Agent",
}

// MountAppRoutes builds the services for srv and mounts all application routes.
func MountAppRoutes(srv *cartridge.Server) {
	cfg := config.GetConfig()
	svc := NewServices(cfg, srv.GetDBManager(), srv.GetLogger())
	MountRoutes(srv, svc)
}

// MountRoutes mounts all application routes on srv using svc.
func MountRoutes(srv *cartridge.Server, svc *Services) {
	cfg := config.GetConfig()

	// Rate limiting only runs in production; it would get in the way of tests.
	conditionalRateLimiter := func(limiter fiber.Handler) fiber.Handler {
		return func(c *fiber.Ctx) error {
			if cfg.IsProduction() {
				return limiter(c)
			}
			return c.Next()
		}
	}

	// 70 requests per minute per IP
	publicRateLimiter := conditionalRateLimiter(cartridgemiddleware.RateLimiter(
		cartridgemiddleware.WithMax(70),
		cartridgemiddleware.WithDuration(time.Minute),
	))

	// CORS runs first so 403 responses from the global Sec-Fetch-Site check
	// still carry CORS headers.
	publicAPIConfig := &cartridge.RouteConfig{
		EnableCORS:       true,
		WriteConcurrency: false,
		CustomMiddleware: []fiber.Handler{publicRateLimiter},
		CORSConfig:       publicCORSConfig,
	}

	// Scrapers and probes send no browser headers.
	systemConfig := &cartridge.RouteConfig{
		EnableSecFetchSite: cartridge.Bool(false),
	}

	noContent := func(ctx *cartridge.Context) error {
		return ctx.SendStatus(fiber.StatusNoContent)
	}

	// === SYSTEM ROUTES ===
	srv.Get("/_health", http.HealthIndexAction, systemConfig)
	srv.Head("/_health", http.HealthIndexAction, systemConfig)

	metricsHandler := adaptor.HTTPHandler(promhttp.Handler())
	srv.Get("/metrics", func(ctx *cartridge.Context) error {
		return metricsHandler(ctx.Ctx)
	}, systemConfig)

	// === PUBLIC API ROUTES ===
	srv.Post("/x/api/v1/track", v1.TrackPageViewHandler(svc.Tracker), publicAPIConfig)
	srv.Options("/x/api/v1/track", noContent, publicAPIConfig)
	srv.Get("/x/api/v1/me", v1.GetVisitorInfoHandler(svc.Tracker), publicAPIConfig)
	srv.Options("/x/api/v1/me", noContent, publicAPIConfig)

	// === ANALYTICS ROUTES ===
	srv.Get("/admin/api/analytics", http.WebAnalyticsAction(svc.Aggregator, svc.AnalyticsTimeout))
}
