package sessions

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"visitrack/internal/visitors"
)

// ErrSessionClosed is returned when a conditional update finds the session
// already closed by another writer.
var ErrSessionClosed = errors.New("sessions: session already closed")

// Event is the part of a page view the reconstructor cares about.
type Event struct {
	Path     string
	Referrer string
	At       time.Time
}

// Outcome describes what Resolve did for one event.
type Outcome struct {
	Session *VisitorSession
	Started bool
	Closed  *VisitorSession
}

// Reconstructor decides whether an event continues the visitor's open session
// or starts a new one, closing the stale session first.
type Reconstructor struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewReconstructor returns a Reconstructor using timeout as the inactivity gap.
// A non-positive timeout selects DefaultTimeout.
func NewReconstructor(timeout time.Duration, logger *slog.Logger) *Reconstructor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconstructor{timeout: timeout, logger: logger}
}

// Timeout returns the configured inactivity gap.
func (r *Reconstructor) Timeout() time.Duration {
	return r.timeout
}

// Resolve applies ev to the visitor's session state inside tx. isNew must be
// true when the visitor row was created by this same event; the visitor then
// already counts its first visit.
func (r *Reconstructor) Resolve(tx *gorm.DB, visitor *visitors.Visitor, isNew bool, ev Event) (*Outcome, error) {
	if visitor == nil || visitor.ID == 0 {
		return nil, errors.New("sessions: visitor is required")
	}
	at := ev.At.UTC()
	outcome := &Outcome{}

	open, err := FindOpen(tx, visitor.ID)
	if err != nil {
		return nil, err
	}

	if open != nil && !open.Expired(at, r.timeout) {
		err := continueSession(tx, open, ev.Path, at)
		if err == nil {
			outcome.Session = open
			return outcome, nil
		}
		if !errors.Is(err, ErrSessionClosed) {
			return nil, err
		}
		r.logger.Debug("Open session closed concurrently, starting a new one",
			slog.Uint64("session_id", uint64(open.ID)))
		open = nil
	}

	if open != nil {
		closed, err := Close(tx, open, CloseReasonNextEvent)
		if err != nil && !errors.Is(err, ErrSessionClosed) {
			return nil, err
		}
		if err == nil {
			outcome.Closed = closed
		}
	}

	session := &VisitorSession{
		VisitorID:      visitor.ID,
		StartedAt:      at,
		LastActivityAt: at,
		EntryPage:      ev.Path,
		LastPath:       ev.Path,
		Referrer:       optional(ev.Referrer),
		PageViewCount:  1,
	}
	if err := tx.Create(session).Error; err != nil {
		return nil, fmt.Errorf("open session for visitor %d: %w", visitor.ID, err)
	}

	if !isNew {
		if err := visitors.IncrementVisits(tx, visitor.ID); err != nil {
			return nil, err
		}
		visitor.TotalVisits++
	}

	outcome.Session = session
	outcome.Started = true
	return outcome, nil
}

// FindOpen returns the visitor's open session, or nil when there is none.
func FindOpen(db *gorm.DB, visitorID uint) (*VisitorSession, error) {
	var sessions []VisitorSession
	err := db.Where("visitor_id = ? AND ended_at IS NULL", visitorID).
		Order("last_activity_at DESC").
		Limit(1).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("find open session for visitor %d: %w", visitorID, err)
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	return &sessions[0], nil
}

func continueSession(tx *gorm.DB, s *VisitorSession, path string, at time.Time) error {
	lastActivity := s.LastActivityAt
	if at.After(lastActivity) {
		lastActivity = at
	}

	result := tx.Model(&VisitorSession{}).
		Where("id = ? AND ended_at IS NULL", s.ID).
		Updates(map[string]any{
			"last_activity_at": lastActivity,
			"last_path":        path,
			"page_view_count":  gorm.Expr("page_view_count + 1"),
			"updated_at":       at,
		})
	if result.Error != nil {
		return fmt.Errorf("continue session %d: %w", s.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrSessionClosed
	}

	s.LastActivityAt = lastActivity
	s.LastPath = path
	s.PageViewCount++
	return nil
}

// Close finalises an open session: it ends at its last activity, exits on the
// last path seen, and bounces when it holds a single page view. The update is
// conditional on the session still being open, so closing twice is harmless
// and reports ErrSessionClosed.
func Close(tx *gorm.DB, s *VisitorSession, reason CloseReason) (*VisitorSession, error) {
	if !s.IsOpen() {
		return nil, ErrSessionClosed
	}
	endedAt := s.LastActivityAt
	duration := s.LastActivityAt.Sub(s.StartedAt).Milliseconds()
	exitPage := s.LastPath
	bounced := s.PageViewCount <= 1

	result := tx.Model(&VisitorSession{}).
		Where("id = ? AND ended_at IS NULL", s.ID).
		Updates(map[string]any{
			"ended_at":     endedAt,
			"exit_page":    exitPage,
			"duration_ms":  duration,
			"bounced":      bounced,
			"close_reason": reason,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("close session %d: %w", s.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrSessionClosed
	}

	closed := *s
	closed.EndedAt = &endedAt
	closed.ExitPage = &exitPage
	closed.DurationMs = &duration
	closed.Bounced = bounced
	closed.CloseReason = &reason
	return &closed, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
