package jobs

import (
	"log/slog"
	"time"

	"visitrack/internal/pkg/geoip"
)

// GeoReloadInterval is how often the GeoIP database file is checked for changes.
const GeoReloadInterval = time.Hour

// GeoReloadJob swaps in a GeoIP database that was replaced on disk, e.g. by
// an external geoipupdate run.
type GeoReloadJob struct {
	resolver geoip.Resolver
	logger   *slog.Logger
}

func NewGeoReloadJob(resolver geoip.Resolver, logger *slog.Logger) *GeoReloadJob {
	return &GeoReloadJob{resolver: resolver, logger: logger}
}

// Run reloads the database if the file changed since it was opened.
func (j *GeoReloadJob) Run() error {
	reloaded, err := geoip.ReloadIfChanged(j.resolver)
	if err != nil {
		return err
	}
	if reloaded {
		j.logger.Info("GeoIP database updated on disk, lookups now use the new file")
	}
	return nil
}
