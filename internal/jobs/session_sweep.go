package jobs

import (
	"context"
	"log/slog"
	"time"

	"visitrack/internal/sessions"
)

const sweepBatchSize = 500

// Sweeper closes sessions that have been idle past the session timeout.
type Sweeper interface {
	SweepExpired(ctx context.Context, batchSize int) (sessions.SweepResult, error)
}

// SessionSweepJob closes abandoned sessions so their duration and bounce
// flags are filled in without waiting for the visitor to come back.
type SessionSweepJob struct {
	sweeper Sweeper
	logger  *slog.Logger
	timeout time.Duration
}

func NewSessionSweepJob(sweeper Sweeper, logger *slog.Logger, timeout time.Duration) *SessionSweepJob {
	return &SessionSweepJob{sweeper: sweeper, logger: logger, timeout: timeout}
}

// RunWithContext performs one sweep bounded by ctx.
func (j *SessionSweepJob) RunWithContext(ctx context.Context) error {
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := j.sweeper.SweepExpired(ctx, sweepBatchSize)
	if err != nil {
		return err
	}

	if result.Closed > 0 {
		j.logger.Info("Closed expired sessions",
			slog.Int("examined", result.Examined),
			slog.Int("closed", result.Closed),
			slog.Duration("duration", time.Since(start)))
	} else {
		j.logger.Debug("No expired sessions to close")
	}
	return nil
}
