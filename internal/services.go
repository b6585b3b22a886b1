package internal

import (
	"log/slog"
	"time"

	"github.com/karloscodes/cartridge"

	"visitrack/internal/analytics"
	"visitrack/internal/config"
	"visitrack/internal/metrics"
	"visitrack/internal/pkg/geoip"
	"visitrack/internal/pkg/user_agent"
	"visitrack/internal/tracking"
	"visitrack/internal/visitors"
)

// Services groups the components shared by the HTTP handlers and the jobs.
type Services struct {
	Tracker          *tracking.Tracker
	Aggregator       *analytics.Aggregator
	Metrics          *metrics.Metrics
	Resolver         geoip.Resolver
	AnalyticsTimeout time.Duration
}

// NewServices builds the tracking and analytics components from cfg.
func NewServices(cfg *config.Config, dbManager cartridge.DBManager, logger *slog.Logger) *Services {
	m := metrics.Default()

	resolver := geoip.NewResolver(geoip.Settings{
		DBPath:          cfg.GeoDBPath,
		StubCountryCode: cfg.StubCountryCode,
		StubCity:        cfg.StubCity,
		CacheTTL:        cfg.GeoCacheTTL(),
	}, logger)

	tracker := tracking.NewTracker(dbManager, logger, tracking.Options{
		Fingerprinter:  visitors.NewFingerprinter(cfg.PrivateKey, cfg.FingerprintRotation == config.RotationDaily),
		Classifier:     user_agent.New(logger),
		Resolver:       resolver,
		SessionTimeout: cfg.SessionTimeout(),
		IgnoreBots:     cfg.IgnoreBots,
		Metrics:        m,
	})

	aggregator := analytics.NewAggregator(dbManager, logger, analytics.Options{
		TopLimit: cfg.TopLimit(),
		Metrics:  m,
	})

	return &Services{
		Tracker:          tracker,
		Aggregator:       aggregator,
		Metrics:          m,
		Resolver:         resolver,
		AnalyticsTimeout: cfg.AnalyticsTimeout(),
	}
}

// Close releases the resources held by the services.
func (s *Services) Close() error {
	return geoip.Close(s.Resolver)
}
