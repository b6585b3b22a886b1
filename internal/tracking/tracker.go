// Package tracking turns one page view request into visitor, session and
// page view rows.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/karloscodes/cartridge"
	"gorm.io/gorm"

	"visitrack/internal/metrics"
	"visitrack/internal/models"
	"visitrack/internal/pageviews"
	"visitrack/internal/pkg/async"
	"visitrack/internal/pkg/geoip"
	"visitrack/internal/pkg/keylock"
	"visitrack/internal/pkg/user_agent"
	"visitrack/internal/sessions"
	"visitrack/internal/timeframe"
	"visitrack/internal/visitors"
)

const (
	errRecordFailed   = "failed to record page view"
	skipReasonBot     = "bot"
	defaultGeoTimeout = 2 * time.Second
)

// ErrUnknownVisitor is returned by Lookup when no visitor matches the request.
var ErrUnknownVisitor = errors.New("tracking: unknown visitor")

// TrackInput is one page view as received from a client.
type TrackInput struct {
	Path      string
	Title     string
	Referrer  string
	UserAgent string
	IPAddress string
	UserID    string
	ExtraData map[string]any

	// Optional client hints that sharpen the fingerprint.
	ScreenResolution string
	Timezone         string
	Language         string
}

// TrackResult reports the outcome of TrackPageView. It is always returned,
// never an error.
type TrackResult struct {
	Success   bool   `json:"success"`
	SessionID uint   `json:"sessionId,omitempty"`
	VisitorID uint   `json:"visitorId,omitempty"`
	Skipped   bool   `json:"skipped,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Options configures a Tracker. Nil fields get working defaults.
type Options struct {
	Fingerprinter  *visitors.Fingerprinter
	Classifier     *user_agent.Classifier
	Resolver       geoip.Resolver
	SessionTimeout time.Duration
	GeoTimeout     time.Duration
	IgnoreBots     bool
	Clock          timeframe.Clock
	Metrics        *metrics.Metrics
}

// Tracker records page views. It is safe for concurrent use; events for the
// same fingerprint are applied one at a time.
type Tracker struct {
	dbManager     cartridge.DBManager
	logger        *slog.Logger
	fingerprinter *visitors.Fingerprinter
	classifier    *user_agent.Classifier
	resolver      geoip.Resolver
	reconstructor *sessions.Reconstructor
	geoTimeout    time.Duration
	ignoreBots    bool
	clock         timeframe.Clock
	metrics       *metrics.Metrics
	locks         *keylock.KeyLock
	pool          *async.Pool
}

func NewTracker(dbManager cartridge.DBManager, logger *slog.Logger, opts Options) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		dbManager:     dbManager,
		logger:        logger,
		fingerprinter: opts.Fingerprinter,
		classifier:    opts.Classifier,
		resolver:      opts.Resolver,
		reconstructor: sessions.NewReconstructor(opts.SessionTimeout, logger),
		geoTimeout:    opts.GeoTimeout,
		ignoreBots:    opts.IgnoreBots,
		clock:         opts.Clock,
		metrics:       opts.Metrics,
		locks:         keylock.New(),
		pool:          async.NewPool(2),
	}
	if t.fingerprinter == nil {
		t.fingerprinter = visitors.NewFingerprinter("", false)
	}
	if t.classifier == nil {
		t.classifier = user_agent.New(logger)
	}
	if t.resolver == nil {
		t.resolver = geoip.NewStubResolver("", "")
	}
	if t.geoTimeout <= 0 {
		t.geoTimeout = defaultGeoTimeout
	}
	if t.clock == nil {
		t.clock = timeframe.SystemClock{}
	}
	return t
}

// SessionTimeout returns the inactivity gap that ends a session.
func (t *Tracker) SessionTimeout() time.Duration {
	return t.reconstructor.Timeout()
}

// Fingerprint returns the visitor key for in at the current time.
func (t *Tracker) Fingerprint(in TrackInput) string {
	return t.fingerprinter.Generate(visitors.FingerprintInput{
		UserAgent:        in.UserAgent,
		IPAddress:        in.IPAddress,
		ScreenResolution: in.ScreenResolution,
		Timezone:         in.Timezone,
		Language:         in.Language,
	}, t.clock.Now())
}

// TrackPageView records one page view. Failures are reported in the result
// and logged; the caller's page never breaks because of tracking.
func (t *Tracker) TrackPageView(ctx context.Context, in TrackInput) (result TrackResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Panic recovered while tracking page view",
				slog.String("path", in.Path),
				slog.Any("panic", r))
			t.metrics.RecordFailure()
			result = TrackResult{Success: false, Error: errRecordFailed}
		}
	}()

	now := t.clock.Now().UTC()
	path := strings.TrimSpace(in.Path)
	if path == "" {
		path = "/"
	}
	fingerprint := t.Fingerprint(in)

	ua, location := t.classify(ctx, in)
	if ua.Bot && t.ignoreBots {
		t.logger.Debug("Skipping bot page view",
			slog.String("bot", ua.Browser),
			slog.String("path", path))
		t.metrics.RecordSkipped(skipReasonBot)
		return TrackResult{Success: true, Skipped: true}
	}

	unlock := t.locks.Lock(fingerprint)
	defer unlock()

	var outcome *sessions.Outcome
	var visitor *visitors.Visitor
	err := models.PerformWrite(t.logger, t.dbManager.GetConnection(), func(tx *gorm.DB) error {
		var isNew bool
		var err error
		visitor, isNew, err = visitors.FindOrCreate(tx, fingerprint, visitors.Facets{
			Browser:     ua.Browser,
			DeviceType:  ua.DeviceType,
			OS:          ua.OS,
			Country:     location.Country,
			CountryCode: location.CountryCode,
			City:        location.City,
		}, now)
		if err != nil {
			return err
		}

		outcome, err = t.reconstructor.Resolve(tx, visitor, isNew, sessions.Event{
			Path:     path,
			Referrer: in.Referrer,
			At:       now,
		})
		if err != nil {
			return err
		}

		_, err = pageviews.Record(tx, pageviews.Entry{
			Path:           path,
			Title:          strings.TrimSpace(in.Title),
			Referrer:       in.Referrer,
			VisitorID:      visitor.ID,
			SessionID:      outcome.Session.ID,
			UserID:         in.UserID,
			Browser:        ua.Browser,
			BrowserVersion: ua.BrowserVersion,
			Device:         ua.Device,
			DeviceType:     ua.DeviceType,
			OS:             ua.OS,
			OSVersion:      ua.OSVersion,
			IPAddress:      in.IPAddress,
			Country:        location.Country,
			CountryCode:    location.CountryCode,
			City:           location.City,
			ExtraData:      in.ExtraData,
			ViewedAt:       now,
		})
		return err
	})
	if err != nil {
		t.logger.Error("Failed to record page view",
			slog.String("path", path),
			slog.Any("error", err))
		t.metrics.RecordFailure()
		return TrackResult{Success: false, Error: errRecordFailed}
	}

	if outcome.Started {
		t.metrics.RecordSessionOpened()
	}
	if outcome.Closed != nil {
		t.metrics.RecordSessionsClosed(string(sessions.CloseReasonNextEvent), 1)
	}
	t.metrics.RecordPageView(time.Since(start))

	return TrackResult{
		Success:   true,
		VisitorID: visitor.ID,
		SessionID: outcome.Session.ID,
	}
}

// classify runs the user agent parse and the location lookup side by side.
// A failed or slow lookup leaves the location empty.
func (t *Tracker) classify(ctx context.Context, in TrackInput) (user_agent.Facets, geoip.Location) {
	geoCtx, cancel := context.WithTimeout(ctx, t.geoTimeout)
	defer cancel()

	results := t.pool.Execute(geoCtx, []async.Task{
		{Name: "user_agent", Execute: func() (interface{}, error) {
			return t.classifier.Parse(in.UserAgent), nil
		}},
		{Name: "location", Execute: func() (interface{}, error) {
			return t.resolver.Resolve(geoCtx, in.IPAddress)
		}},
	})

	var ua user_agent.Facets
	if res, ok := results["user_agent"]; ok && res.Err == nil {
		ua = res.Data.(user_agent.Facets)
	} else {
		ua = t.classifier.Parse(in.UserAgent)
	}

	var location geoip.Location
	res, ok := results["location"]
	switch {
	case !ok:
		t.logger.Warn("Location lookup timed out", slog.String("ip", in.IPAddress))
	case res.Err != nil:
		t.logger.Warn("Location lookup failed",
			slog.String("ip", in.IPAddress),
			slog.Any("error", res.Err))
	default:
		location = res.Data.(geoip.Location)
	}
	return ua, location
}

// VisitorInfo is what the tracker knows about the caller.
type VisitorInfo struct {
	Visitor         *visitors.Visitor        `json:"visitor"`
	OpenSession     *sessions.VisitorSession `json:"openSession"`
	RecentPageViews []pageviews.PageView     `json:"recentPageViews"`
}

// Lookup returns the visitor matching in's fingerprint with its open session
// and latest page views.
func (t *Tracker) Lookup(ctx context.Context, in TrackInput, recent int) (*VisitorInfo, error) {
	db := t.dbManager.GetConnection().WithContext(ctx)

	visitor, err := visitors.FindByFingerprint(db, t.Fingerprint(in))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnknownVisitor
		}
		return nil, err
	}

	open, err := sessions.FindOpen(db, visitor.ID)
	if err != nil {
		return nil, err
	}

	views, err := pageviews.RecentForVisitor(db, visitor.ID, recent)
	if err != nil {
		return nil, err
	}

	return &VisitorInfo{Visitor: visitor, OpenSession: open, RecentPageViews: views}, nil
}

// SweepExpired closes sessions idle for longer than the session timeout.
func (t *Tracker) SweepExpired(ctx context.Context, batchSize int) (sessions.SweepResult, error) {
	db := t.dbManager.GetConnection().WithContext(ctx)
	result, err := sessions.CloseExpired(t.logger, db, t.SessionTimeout(), t.clock.Now(), batchSize)
	t.metrics.RecordSessionsClosed(string(sessions.CloseReasonTimeout), result.Closed)
	if err != nil {
		return result, fmt.Errorf("sweep expired sessions: %w", err)
	}
	return result, nil
}
