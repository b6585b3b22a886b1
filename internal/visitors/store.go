// Package visitors identifies browsers across requests and keeps their running totals.
package visitors

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrFingerprintRequired is returned when a store operation gets an empty key.
var ErrFingerprintRequired = errors.New("visitors: fingerprint is required")

// Visitor is a browser recognised by its fingerprint.
type Visitor struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Fingerprint    string    `gorm:"size:64;not null;uniqueIndex" json:"-"`
	Alias          string    `gorm:"size:64" json:"alias"`
	Browser        string    `gorm:"size:64;index" json:"browser"`
	DeviceType     string    `gorm:"size:32;index" json:"deviceType"`
	OS             string    `gorm:"size:64" json:"os"`
	Country        string    `gorm:"size:128" json:"country"`
	CountryCode    string    `gorm:"size:2;index" json:"countryCode"`
	City           string    `gorm:"size:128" json:"city"`
	FirstVisitAt   time.Time `gorm:"not null" json:"firstVisitAt"`
	LastVisitAt    time.Time `gorm:"not null;index" json:"lastVisitAt"`
	TotalVisits    int       `gorm:"not null;default:0" json:"totalVisits"`
	TotalPageViews int       `gorm:"not null;default:0" json:"totalPageViews"`
	CreatedAt      time.Time `json:"-"`
	UpdatedAt      time.Time `json:"-"`
}

// Facets are the last known attributes of a visitor.
type Facets struct {
	Browser     string
	DeviceType  string
	OS          string
	Country     string
	CountryCode string
	City        string
}

// FindOrCreate records one page view against the visitor owning fingerprint.
// A new visitor starts with one visit and one page view. An existing one has
// its facets refreshed, LastVisitAt moved forward and TotalPageViews bumped;
// TotalVisits is left to IncrementVisits. Empty facets never overwrite known
// values.
func FindOrCreate(tx *gorm.DB, fingerprint string, facets Facets, now time.Time) (*Visitor, bool, error) {
	if fingerprint == "" {
		return nil, false, ErrFingerprintRequired
	}
	now = now.UTC()

	visitor := Visitor{
		Fingerprint:    fingerprint,
		Alias:          Alias(fingerprint),
		Browser:        facets.Browser,
		DeviceType:     facets.DeviceType,
		OS:             facets.OS,
		Country:        facets.Country,
		CountryCode:    facets.CountryCode,
		City:           facets.City,
		FirstVisitAt:   now,
		LastVisitAt:    now,
		TotalVisits:    1,
		TotalPageViews: 1,
	}
	result := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "fingerprint"}},
		DoNothing: true,
	}).Create(&visitor)
	if result.Error != nil {
		return nil, false, fmt.Errorf("create visitor: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		return &visitor, true, nil
	}

	// Another writer owns the row; fall through to the update path.
	var existing Visitor
	if err := tx.Where("fingerprint = ?", fingerprint).Take(&existing).Error; err != nil {
		return nil, false, fmt.Errorf("load visitor: %w", err)
	}

	existing.applyFacets(facets)
	if now.After(existing.LastVisitAt) {
		existing.LastVisitAt = now
	}
	existing.TotalPageViews++

	err := tx.Model(&Visitor{}).Where("id = ?", existing.ID).Updates(map[string]any{
		"browser":          existing.Browser,
		"device_type":      existing.DeviceType,
		"os":               existing.OS,
		"country":          existing.Country,
		"country_code":     existing.CountryCode,
		"city":             existing.City,
		"last_visit_at":    existing.LastVisitAt,
		"total_page_views": gorm.Expr("total_page_views + 1"),
		"updated_at":       now,
	}).Error
	if err != nil {
		return nil, false, fmt.Errorf("update visitor %d: %w", existing.ID, err)
	}
	return &existing, false, nil
}

func (v *Visitor) applyFacets(f Facets) {
	set := func(dst *string, src string) {
		if src != "" {
			*dst = src
		}
	}
	set(&v.Browser, f.Browser)
	set(&v.DeviceType, f.DeviceType)
	set(&v.OS, f.OS)
	set(&v.Country, f.Country)
	set(&v.CountryCode, f.CountryCode)
	set(&v.City, f.City)
}

// IncrementVisits counts one more session for the visitor.
func IncrementVisits(tx *gorm.DB, visitorID uint) error {
	result := tx.Model(&Visitor{}).Where("id = ?", visitorID).
		UpdateColumn("total_visits", gorm.Expr("total_visits + 1"))
	if result.Error != nil {
		return fmt.Errorf("increment visits for visitor %d: %w", visitorID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("increment visits: %w", gorm.ErrRecordNotFound)
	}
	return nil
}

// FindByFingerprint loads a visitor, returning gorm.ErrRecordNotFound when absent.
func FindByFingerprint(db *gorm.DB, fingerprint string) (*Visitor, error) {
	if fingerprint == "" {
		return nil, ErrFingerprintRequired
	}
	var v Visitor
	if err := db.Where("fingerprint = ?", fingerprint).Take(&v).Error; err != nil {
		return nil, err
	}
	return &v, nil
}
