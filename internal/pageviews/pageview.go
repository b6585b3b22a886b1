// Package pageviews appends the immutable record of each tracked page view.
package pageviews

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"visitrack/internal/models"
)

// PageView is never updated after it is written.
type PageView struct {
	ID             uint        `gorm:"primaryKey" json:"id"`
	Path           string      `gorm:"not null;index" json:"path"`
	Title          *string     `json:"title,omitempty"`
	Referrer       *string     `json:"referrer,omitempty"`
	VisitorID      uint        `gorm:"not null;index" json:"visitorId"`
	SessionID      uint        `gorm:"not null;index" json:"sessionId"`
	UserID         *string     `gorm:"size:128" json:"userId,omitempty"`
	Browser        string      `gorm:"size:64" json:"browser"`
	BrowserVersion string      `gorm:"size:32" json:"browserVersion"`
	Device         string      `gorm:"size:64" json:"device"`
	DeviceType     string      `gorm:"size:32" json:"deviceType"`
	OS             string      `gorm:"size:64" json:"os"`
	OSVersion      string      `gorm:"size:32" json:"osVersion"`
	IPAddress      string      `gorm:"size:64" json:"-"`
	Country        string      `gorm:"size:128" json:"country"`
	CountryCode    string      `gorm:"size:2" json:"countryCode"`
	City           string      `gorm:"size:128" json:"city"`
	ExtraData      models.JSON `json:"extraData,omitempty"`
	ViewedAt       time.Time   `gorm:"not null;index" json:"viewedAt"`
	CreatedAt      time.Time   `json:"-"`
}

// Entry is everything needed to record one page view.
type Entry struct {
	Path      string
	Title     string
	Referrer  string
	VisitorID uint
	SessionID uint
	UserID    string

	Browser        string
	BrowserVersion string
	Device         string
	DeviceType     string
	OS             string
	OSVersion      string

	IPAddress   string
	Country     string
	CountryCode string
	City        string

	ExtraData map[string]any
	ViewedAt  time.Time
}

// Record appends a page view. The visitor and session must already reflect it.
func Record(tx *gorm.DB, e Entry) (*PageView, error) {
	if e.VisitorID == 0 || e.SessionID == 0 {
		return nil, errors.New("pageviews: visitor and session are required")
	}

	extra, err := models.NewJSON(e.ExtraData)
	if err != nil {
		return nil, err
	}

	pv := &PageView{
		Path:           e.Path,
		Title:          optional(e.Title),
		Referrer:       optional(e.Referrer),
		VisitorID:      e.VisitorID,
		SessionID:      e.SessionID,
		UserID:         optional(e.UserID),
		Browser:        e.Browser,
		BrowserVersion: e.BrowserVersion,
		Device:         e.Device,
		DeviceType:     e.DeviceType,
		OS:             e.OS,
		OSVersion:      e.OSVersion,
		IPAddress:      e.IPAddress,
		Country:        e.Country,
		CountryCode:    e.CountryCode,
		City:           e.City,
		ExtraData:      extra,
		ViewedAt:       e.ViewedAt.UTC(),
	}
	if err := tx.Create(pv).Error; err != nil {
		return nil, fmt.Errorf("record page view for session %d: %w", e.SessionID, err)
	}
	return pv, nil
}

// RecentForVisitor returns the visitor's latest page views, newest first.
func RecentForVisitor(db *gorm.DB, visitorID uint, limit int) ([]PageView, error) {
	views := make([]PageView, 0, limit)
	err := db.Where("visitor_id = ?", visitorID).
		Order("viewed_at DESC, id DESC").
		Limit(limit).
		Find(&views).Error
	if err != nil {
		return nil, fmt.Errorf("load page views for visitor %d: %w", visitorID, err)
	}
	return views, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
