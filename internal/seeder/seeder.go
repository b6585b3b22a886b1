// Package seeder fills a database with demo traffic by replaying generated
// visitor journeys through the tracker.
package seeder

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/karloscodes/cartridge"

	"visitrack/internal/pkg/geoip"
	"visitrack/internal/tracking"
	"visitrack/internal/visitors"
)

const (
	defaultDays   = 30
	ipPoolSize    = 100
	avgJourneyLen = 4
)

// Seeder handles the data seeding process
type Seeder struct {
	DBManager     cartridge.DBManager
	Logger        *slog.Logger
	EventCount    int
	Days          int
	Fingerprinter *visitors.Fingerprinter

	rng *rand.Rand
}

// Summary counts what a seeding run produced.
type Summary struct {
	Generated int
	Tracked   int
	Skipped   int
	Failed    int
}

// NewSeeder creates a new seeder instance. The same seed produces the same traffic.
func NewSeeder(dbManager cartridge.DBManager, logger *slog.Logger, eventCount int, seed uint64) *Seeder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Seeder{
		DBManager:  dbManager,
		Logger:     logger,
		EventCount: eventCount,
		Days:       defaultDays,
		rng:        rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

type visit struct {
	at        time.Time
	ip        string
	userAgent string
	path      string
	title     string
	referrer  string
}

// Run generates journeys ending before now and tracks them in time order.
func (s *Seeder) Run(ctx context.Context, now time.Time) (Summary, error) {
	start := time.Now()
	s.Logger.Info("Starting database seeding...", slog.Int("eventCount", s.EventCount), slog.Int("days", s.Days))

	ips := s.generateIPPool(ipPoolSize)
	visits := s.generateVisits(ips, now.UTC())

	clock := &replayClock{}
	tracker := tracking.NewTracker(s.DBManager, s.Logger, tracking.Options{
		Fingerprinter: s.Fingerprinter,
		Resolver:      newPoolResolver(ips),
		Clock:         clock,
		IgnoreBots:    true,
	})

	summary := Summary{Generated: len(visits)}
	for _, v := range visits {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		clock.set(v.at)
		result := tracker.TrackPageView(ctx, tracking.TrackInput{
			Path:      v.path,
			Title:     v.title,
			Referrer:  v.referrer,
			UserAgent: v.userAgent,
			IPAddress: v.ip,
		})
		switch {
		case !result.Success:
			summary.Failed++
		case result.Skipped:
			summary.Skipped++
		default:
			summary.Tracked++
		}
	}

	// Close whatever went idle during the replay.
	if _, err := tracker.SweepExpired(ctx, 0); err != nil {
		return summary, fmt.Errorf("failed to close seeded sessions: %w", err)
	}

	s.Logger.Info("Seeding completed successfully",
		slog.Int("generated", summary.Generated),
		slog.Int("tracked", summary.Tracked),
		slog.Int("skipped", summary.Skipped),
		slog.Int("failed", summary.Failed),
		slog.Duration("elapsed", time.Since(start)))
	return summary, nil
}

var journeyTemplates = [][]string{
	{"/", "/about", "/contact"},
	{"/", "/features", "/pricing", "/signup"},
	{"/", "/blog", "/blog/article-1", "/signup"},
	{"/pricing", "/features", "/signup"},
	{"/", "/products", "/products/widget-a", "/products/gadget-b", "/pricing"},
	{"/", "/docs", "/docs/getting-started", "/docs/api-reference"},
	{"/", "/blog", "/blog/article-1", "/blog/article-2"},
	{"/", "/signup"},
	{"/blog/article-1"},
	{"/"},
}

var pageTitles = map[string]string{
	"/":                     "Home",
	"/about":                "About us",
	"/contact":              "Contact",
	"/features":             "Features",
	"/pricing":              "Pricing",
	"/signup":               "Sign up",
	"/blog":                 "Blog",
	"/blog/article-1":       "Shipping faster with small teams",
	"/blog/article-2":       "What we learned from our first year",
	"/products":             "Products",
	"/products/widget-a":    "Widget A",
	"/products/gadget-b":    "Gadget B",
	"/docs":                 "Documentation",
	"/docs/getting-started": "Getting started",
	"/docs/api-reference":   "API reference",
}

func (s *Seeder) generateVisits(ips []string, now time.Time) []visit {
	userAgents := getUserAgents()
	referrers := getReferrers()

	numJourneys := s.EventCount / avgJourneyLen
	if numJourneys < 1 {
		numJourneys = 1
	}
	days := s.Days
	if days <= 0 {
		days = defaultDays
	}
	span := time.Duration(days) * 24 * time.Hour

	var visits []visit
	for i := 0; i < numJourneys; i++ {
		journey := journeyTemplates[s.rng.IntN(len(journeyTemplates))]
		ip := ips[s.rng.IntN(len(ips))]
		userAgent := userAgents[s.rng.IntN(len(userAgents))]
		referrer := referrers[s.rng.IntN(len(referrers))]

		at := now.Add(-time.Duration(s.rng.Int64N(int64(span))))
		for pageIndex, path := range journey {
			if pageIndex > 0 {
				at = at.Add(time.Duration(s.rng.IntN(110)+10) * time.Second)
				referrer = ""
			} else {
				path = s.addUTMParams(path)
			}
			if at.After(now) {
				break
			}
			visits = append(visits, visit{
				at:        at,
				ip:        ip,
				userAgent: userAgent,
				path:      path,
				title:     pageTitles[journey[pageIndex]],
				referrer:  referrer,
			})
		}
	}

	sort.SliceStable(visits, func(i, j int) bool {
		return visits[i].at.Before(visits[j].at)
	})
	return visits
}

// generateIPPool creates a pool of unique public IPv4 addresses
func (s *Seeder) generateIPPool(count int) []string {
	seen := make(map[string]bool)
	var ips []string
	for len(ips) < count {
		// 11-99 in the first octet stays clear of the private and loopback ranges
		ip := fmt.Sprintf("%d.%d.%d.%d", s.rng.IntN(89)+11, s.rng.IntN(256), s.rng.IntN(256), s.rng.IntN(254)+1)
		if !seen[ip] {
			seen[ip] = true
			ips = append(ips, ip)
		}
	}
	return ips
}

// addUTMParams tags about one landing page in five with a campaign.
func (s *Seeder) addUTMParams(path string) string {
	if s.rng.IntN(10) < 8 {
		return path
	}

	u, err := url.Parse(path)
	if err != nil {
		return path
	}
	params := u.Query()
	sources := []string{"google", "facebook", "newsletter", "twitter", "linkedin"}
	mediums := []string{"cpc", "social", "email", "organic", "referral"}
	campaigns := []string{"spring_sale", "product_launch", "dev_outreach", "q4_promo"}
	params.Set("utm_source", sources[s.rng.IntN(len(sources))])
	params.Set("utm_medium", mediums[s.rng.IntN(len(mediums))])
	params.Set("utm_campaign", campaigns[s.rng.IntN(len(campaigns))])
	u.RawQuery = params.Encode()
	return u.String()
}

// getUserAgents returns a list of common user agent strings
func getUserAgents() []string {
	return []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
		"Mozilla/5.0 (iPhone; CPU iPhone OS 17_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Mobile/15E148 Safari/604.1",
		"Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36",
		"Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0",
		"Mozilla/5.0 (iPad; CPU OS 16_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.6 Mobile/15E148 Safari/604.1",
		"Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)",
		"curl/8.4.0",
	}
}

// getReferrers returns a list of common referrer URLs
func getReferrers() []string {
	return []string{
		"", // Direct visit
		"",
		"https://www.google.com/",
		"https://www.bing.com/",
		"https://duckduckgo.com/",
		"https://www.facebook.com/",
		"https://twitter.com/",
		"https://www.linkedin.com/",
		"https://github.com/",
		"https://some-other-website.com/blog/post",
	}
}

// replayClock reports the time of the visit being replayed.
type replayClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *replayClock) set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *replayClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

var seedLocations = []geoip.Location{
	{CountryCode: "US", City: "New York"},
	{CountryCode: "US", City: "San Francisco"},
	{CountryCode: "GB", City: "London"},
	{CountryCode: "DE", City: "Berlin"},
	{CountryCode: "FR", City: "Paris"},
	{CountryCode: "ES", City: "Madrid"},
	{CountryCode: "BR", City: "São Paulo"},
	{CountryCode: "IN", City: "Bengaluru"},
	{CountryCode: "JP", City: "Tokyo"},
	{CountryCode: "CA", City: "Toronto"},
}

// poolResolver pins every generated address to one of seedLocations.
type poolResolver struct {
	byIP map[string]geoip.Location
}

func newPoolResolver(ips []string) *poolResolver {
	byIP := make(map[string]geoip.Location, len(ips))
	for i, ip := range ips {
		loc := seedLocations[i%len(seedLocations)]
		loc.Country = geoip.CountryName(loc.CountryCode)
		byIP[ip] = loc
	}
	return &poolResolver{byIP: byIP}
}

func (r *poolResolver) Resolve(ctx context.Context, ip string) (geoip.Location, error) {
	return r.byIP[ip], nil
}
