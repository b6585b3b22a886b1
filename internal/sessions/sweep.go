package sessions

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"visitrack/internal/models"
)

const defaultSweepBatchSize = 500

// SweepResult summarises one sweep run.
type SweepResult struct {
	Examined int
	Closed   int
}

// CloseExpired closes open sessions whose last activity is older than timeout
// at now, tagging them CloseReasonTimeout. Sessions closed concurrently by a
// next event are skipped, so running it repeatedly is safe.
func CloseExpired(logger *slog.Logger, db *gorm.DB, timeout time.Duration, now time.Time, batchSize int) (SweepResult, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if batchSize <= 0 {
		batchSize = defaultSweepBatchSize
	}
	cutoff := now.UTC().Add(-timeout)

	var total SweepResult
	for {
		var stale []VisitorSession
		err := db.Where("ended_at IS NULL AND last_activity_at < ?", cutoff).
			Order("id ASC").
			Limit(batchSize).
			Find(&stale).Error
		if err != nil {
			return total, fmt.Errorf("find expired sessions: %w", err)
		}
		if len(stale) == 0 {
			return total, nil
		}

		closed := 0
		err = models.PerformWrite(logger, db, func(tx *gorm.DB) error {
			closed = 0
			for i := range stale {
				if _, err := Close(tx, &stale[i], CloseReasonTimeout); err != nil {
					if errors.Is(err, ErrSessionClosed) {
						continue
					}
					return err
				}
				closed++
			}
			return nil
		})
		if err != nil {
			return total, err
		}

		total.Examined += len(stale)
		total.Closed += closed

		if len(stale) < batchSize {
			return total, nil
		}
	}
}
