package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"visitrack/internal/config"
	"visitrack/internal/pkg/geoip"
)

const sweepRunTimeout = time.Minute

// Scheduler is responsible for running background jobs
type Scheduler struct {
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	enabled   bool
	isRunning bool
	cfg       *config.Config

	// Mutex to prevent concurrent job executions
	processingMutex sync.Mutex
	isProcessing    bool

	// Job instances; nil when the job does not apply
	sessionSweep *SessionSweepJob
	geoReload    *GeoReloadJob

	tickersMu sync.Mutex
	tickers   []*time.Ticker
	wg        sync.WaitGroup
}

// NewScheduler wires the session sweep and, when resolver reads a database
// file, the GeoIP reload job.
func NewScheduler(cfg *config.Config, logger *slog.Logger, sweeper Sweeper, resolver geoip.Resolver) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		enabled: true,
		cfg:     cfg,
	}

	if cfg.SessionSweepEnabled && sweeper != nil {
		s.sessionSweep = NewSessionSweepJob(sweeper, logger, sweepRunTimeout)
	}
	if resolver != nil && geoip.Reloadable(resolver) {
		s.geoReload = NewGeoReloadJob(resolver, logger)
	}

	return s
}

// executeJobSafely runs a job only if no other job is currently executing
func (s *Scheduler) executeJobSafely(jobName string, jobFunc func() error) {
	s.processingMutex.Lock()
	if s.isProcessing {
		s.logger.Debug("Skipping job execution - previous job still running", slog.String("job", jobName))
		s.processingMutex.Unlock()
		return
	}
	s.isProcessing = true
	s.processingMutex.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic recovered in background job",
				slog.String("job", jobName),
				slog.Any("panic", r))
		}

		s.processingMutex.Lock()
		s.isProcessing = false
		s.processingMutex.Unlock()
	}()

	if err := jobFunc(); err != nil {
		s.logger.Error("Error executing job", slog.String("job", jobName), slog.Any("error", err))
	}
}

// Start begins all background jobs.
// Implements cartridge.BackgroundWorker interface.
func (s *Scheduler) Start() error {
	if !s.enabled {
		s.logger.Info("Background jobs are disabled.")
		return nil
	}

	if s.isRunning {
		s.logger.Info("Background jobs already running.")
		return nil
	}

	s.logger.Info("Starting background jobs...")
	s.isRunning = true

	if s.sessionSweep != nil {
		s.startJob("session_sweep", s.sweepInterval(), s.RunSessionSweep)
	}
	if s.geoReload != nil {
		s.startJob("geo_reload", GeoReloadInterval, s.geoReload.Run)
	}

	s.logger.Info("Background jobs started",
		slog.Bool("session_sweep", s.sessionSweep != nil),
		slog.Bool("geo_reload", s.geoReload != nil))

	return nil
}

func (s *Scheduler) sweepInterval() time.Duration {
	if s.cfg.JobIntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(s.cfg.JobIntervalSeconds) * time.Second
}

func (s *Scheduler) startJob(name string, interval time.Duration, run func() error) {
	s.logger.Info("Starting job", slog.String("job", name), slog.Duration("interval", interval))
	ticker := time.NewTicker(interval)

	s.tickersMu.Lock()
	s.tickers = append(s.tickers, ticker)
	s.tickersMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		// Run initial execution
		s.executeJobSafely(name, run)

		for {
			select {
			case <-ticker.C:
				s.executeJobSafely(name, run)
			case <-s.ctx.Done():
				s.logger.Info("Job stopped", slog.String("job", name))
				return
			}
		}
	}()
}

// Stop halts all background jobs and waits for running ones to return.
// Implements cartridge.BackgroundWorker interface.
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping background jobs...")
	s.enabled = false

	s.tickersMu.Lock()
	for _, ticker := range s.tickers {
		ticker.Stop()
	}
	s.tickers = nil
	s.tickersMu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.isRunning = false
	s.logger.Info("Background jobs stopped")
}

// IsRunning returns whether jobs are currently running
func (s *Scheduler) IsRunning() bool {
	return s.isRunning
}

// RunSessionSweep triggers one session sweep outside the ticker.
func (s *Scheduler) RunSessionSweep() error {
	if !s.enabled || s.sessionSweep == nil {
		return nil
	}
	return s.sessionSweep.RunWithContext(s.ctx)
}
