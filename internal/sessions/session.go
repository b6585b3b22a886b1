// Package sessions rebuilds browsing sessions from independent page view events.
package sessions

import (
	"time"

	"gorm.io/gorm"
)

// CloseReason records what closed a session.
type CloseReason string

const (
	// CloseReasonNextEvent marks a session closed lazily by a later event from the same visitor.
	CloseReasonNextEvent CloseReason = "next_event"
	// CloseReasonTimeout marks a session closed by the background sweep.
	CloseReasonTimeout CloseReason = "timeout"
)

// DefaultTimeout is the inactivity gap after which a session is over.
const DefaultTimeout = 30 * time.Minute

// VisitorSession is one visit: consecutive page views from a visitor with no
// gap longer than the timeout. At most one session per visitor is open
// (EndedAt nil); closed sessions are never modified again.
type VisitorSession struct {
	ID             uint         `gorm:"primaryKey" json:"id"`
	VisitorID      uint         `gorm:"not null;index:idx_visitor_sessions_visitor_activity,priority:1" json:"visitorId"`
	StartedAt      time.Time    `gorm:"not null;index" json:"startedAt"`
	LastActivityAt time.Time    `gorm:"not null;index:idx_visitor_sessions_visitor_activity,priority:2" json:"lastActivityAt"`
	EndedAt        *time.Time   `gorm:"index" json:"endedAt,omitempty"`
	EntryPage      string       `gorm:"not null" json:"entryPage"`
	ExitPage       *string      `json:"exitPage,omitempty"`
	LastPath       string       `gorm:"not null" json:"-"`
	Referrer       *string      `json:"referrer,omitempty"`
	PageViewCount  int          `gorm:"not null;default:1" json:"pageViewCount"`
	DurationMs     *int64       `json:"durationMs,omitempty"`
	Bounced        bool         `gorm:"not null;default:false" json:"bounced"`
	CloseReason    *CloseReason `gorm:"size:16" json:"closeReason,omitempty"`
	CreatedAt      time.Time    `json:"-"`
	UpdatedAt      time.Time    `json:"-"`
}

// IsOpen reports whether the session can still receive page views.
func (s *VisitorSession) IsOpen() bool {
	return s.EndedAt == nil
}

// Expired reports whether an event at now falls beyond the inactivity gap.
// A gap of exactly timeout still continues the session.
func (s *VisitorSession) Expired(now time.Time, timeout time.Duration) bool {
	return s.LastActivityAt.Before(now.Add(-timeout))
}

// OpenSessionIndexSQL enforces a single open session per visitor.
const OpenSessionIndexSQL = "CREATE UNIQUE INDEX IF NOT EXISTS idx_visitor_sessions_open ON visitor_sessions(visitor_id) WHERE ended_at IS NULL"

// CountOpen returns the number of sessions still open.
func CountOpen(db *gorm.DB) (int64, error) {
	var n int64
	err := db.Model(&VisitorSession{}).Where("ended_at IS NULL").Count(&n).Error
	return n, err
}
