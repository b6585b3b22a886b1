// Package geoip resolves network addresses to a coarse country and city.
package geoip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/karloscodes/cartridge/cache"
	"github.com/oschwald/geoip2-golang"
	"github.com/pariz/gountries"
)

// ErrInvalidIP is returned for addresses that do not parse.
var ErrInvalidIP = errors.New("geoip: invalid ip address")

// Location is a best-effort coarse location. Empty fields mean unknown.
type Location struct {
	Country     string `json:"country"`
	CountryCode string `json:"countryCode"`
	City        string `json:"city"`
}

// IsEmpty reports whether nothing is known about the location.
func (l Location) IsEmpty() bool {
	return l == Location{}
}

// Resolver maps an IP address to a Location. Callers treat errors as an
// unknown location; they never block recording.
type Resolver interface {
	Resolve(ctx context.Context, ip string) (Location, error)
}

var countries = gountries.New()

// CountryName returns the common English name for an ISO alpha-2 code, or
// the upper-cased code when it is not recognised.
func CountryName(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return ""
	}
	country, err := countries.FindCountryByAlpha(code)
	if err != nil {
		return code
	}
	return country.Name.Common
}

// StubResolver returns the same configured location for every address.
type StubResolver struct {
	location Location
}

// NewStubResolver builds a stub for the given country code and city.
func NewStubResolver(countryCode, city string) *StubResolver {
	code := strings.ToUpper(strings.TrimSpace(countryCode))
	return &StubResolver{location: Location{
		Country:     CountryName(code),
		CountryCode: code,
		City:        strings.TrimSpace(city),
	}}
}

// Resolve implements Resolver.
func (s *StubResolver) Resolve(ctx context.Context, ip string) (Location, error) {
	return s.location, nil
}

// MaxMindResolver looks addresses up in a GeoLite2/GeoIP2 City database.
type MaxMindResolver struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	db      *geoip2.Reader
	modTime time.Time
}

// OpenMaxMind opens the database at path.
func OpenMaxMind(path string, logger *slog.Logger) (*MaxMindResolver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &MaxMindResolver{path: path, logger: logger}
	db, modTime, err := r.open()
	if err != nil {
		return nil, err
	}
	r.db = db
	r.modTime = modTime
	return r, nil
}

func (r *MaxMindResolver) open() (*geoip2.Reader, time.Time, error) {
	fileInfo, err := os.Stat(r.path)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("geoip: stat %s: %w", r.path, err)
	}

	db, err := geoip2.Open(r.path)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("geoip: open %s: %w", r.path, err)
	}

	r.logger.Info("GeoIP database opened",
		slog.String("path", r.path),
		slog.Int64("size_bytes", fileInfo.Size()),
		slog.Time("mod_time", fileInfo.ModTime()))
	return db, fileInfo.ModTime(), nil
}

// Resolve implements Resolver. Private and loopback addresses resolve to an
// empty location without error.
func (r *MaxMindResolver) Resolve(ctx context.Context, ip string) (Location, error) {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return Location{}, ErrInvalidIP
	}
	if parsed.IsPrivate() || parsed.IsLoopback() || parsed.IsUnspecified() {
		return Location{}, nil
	}
	if err := ctx.Err(); err != nil {
		return Location{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.db == nil {
		return Location{}, errors.New("geoip: database closed")
	}

	record, err := r.db.City(parsed)
	if err != nil {
		return Location{}, fmt.Errorf("geoip: lookup %s: %w", ip, err)
	}

	loc := Location{
		CountryCode: record.Country.IsoCode,
		Country:     record.Country.Names["en"],
		City:        record.City.Names["en"],
	}
	if loc.Country == "" {
		loc.Country = CountryName(loc.CountryCode)
	}
	return loc, nil
}

// Reload reopens the database file, for use after it was replaced on disk.
// The old reader stays in place when the new one cannot be opened.
func (r *MaxMindResolver) Reload() error {
	db, modTime, err := r.open()
	if err != nil {
		return err
	}

	r.mu.Lock()
	old := r.db
	r.db = db
	r.modTime = modTime
	r.mu.Unlock()

	if old != nil {
		old.Close()
	}
	r.logger.Info("GeoIP database reloaded", slog.String("path", r.path))
	return nil
}

// ReloadIfChanged reloads when the file on disk is newer than the open one.
func (r *MaxMindResolver) ReloadIfChanged() (bool, error) {
	fileInfo, err := os.Stat(r.path)
	if err != nil {
		return false, fmt.Errorf("geoip: stat %s: %w", r.path, err)
	}

	r.mu.RLock()
	current := r.modTime
	r.mu.RUnlock()

	if !fileInfo.ModTime().After(current) {
		return false, nil
	}
	if err := r.Reload(); err != nil {
		return false, err
	}
	return true, nil
}

// Close releases the database.
func (r *MaxMindResolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}

// CachedResolver memoises lookups per address for a fixed TTL.
type CachedResolver struct {
	next  Resolver
	cache *cache.Cache[string, Location]
}

// NewCachedResolver wraps next with a TTL cache.
func NewCachedResolver(next Resolver, ttl time.Duration, logger *slog.Logger) *CachedResolver {
	fetchFunc := func(ip string) (Location, error) {
		return next.Resolve(context.Background(), ip)
	}
	return &CachedResolver{
		next:  next,
		cache: cache.NewCache[string, Location](logger, ttl, fetchFunc),
	}
}

// Resolve implements Resolver.
func (c *CachedResolver) Resolve(ctx context.Context, ip string) (Location, error) {
	if err := ctx.Err(); err != nil {
		return Location{}, err
	}
	return c.cache.Get(strings.TrimSpace(ip))
}

// Purge drops every cached entry.
func (c *CachedResolver) Purge() {
	c.cache.Clear()
}

// ReloadIfChanged reloads the wrapped resolver when it supports it and drops
// cached lookups after a reload.
func (c *CachedResolver) ReloadIfChanged() (bool, error) {
	reloaded, err := ReloadIfChanged(c.next)
	if reloaded {
		c.Purge()
	}
	return reloaded, err
}

// Close closes the wrapped resolver when it holds resources.
func (c *CachedResolver) Close() error {
	return Close(c.next)
}

// Settings selects and tunes the resolver built by NewResolver.
type Settings struct {
	DBPath          string
	StubCountryCode string
	StubCity        string
	CacheTTL        time.Duration
}

// NewResolver returns a MaxMind resolver when DBPath points at a readable
// database and the stub otherwise. A positive CacheTTL adds a cache in front.
func NewResolver(settings Settings, logger *slog.Logger) Resolver {
	if logger == nil {
		logger = slog.Default()
	}

	var resolver Resolver = NewStubResolver(settings.StubCountryCode, settings.StubCity)
	if settings.DBPath != "" {
		maxmind, err := OpenMaxMind(settings.DBPath, logger)
		if err != nil {
			logger.Warn("GeoIP database unavailable, using stub location",
				slog.String("path", settings.DBPath),
				slog.Any("error", err))
		} else {
			resolver = maxmind
		}
	} else {
		logger.Debug("GeoIP database path not configured, using stub location",
			slog.String("country_code", settings.StubCountryCode))
	}

	if settings.CacheTTL > 0 {
		resolver = NewCachedResolver(resolver, settings.CacheTTL, logger)
	}
	return resolver
}

type reloader interface {
	ReloadIfChanged() (bool, error)
}

// Reloadable reports whether r is backed by a database file that can change.
func Reloadable(r Resolver) bool {
	switch v := r.(type) {
	case *MaxMindResolver:
		return true
	case *CachedResolver:
		return Reloadable(v.next)
	default:
		return false
	}
}

// ReloadIfChanged reloads r's database if r supports it and the file changed.
func ReloadIfChanged(r Resolver) (bool, error) {
	if rl, ok := r.(reloader); ok {
		return rl.ReloadIfChanged()
	}
	return false, nil
}

// Close closes r if it holds resources.
func Close(r Resolver) error {
	if closer, ok := r.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
