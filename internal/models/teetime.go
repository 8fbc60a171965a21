package models

import (
	"fmt"
	"time"
)

// DateLayout is the canonical wire format for tee-time dates.
const DateLayout = "2006-01-02"

// ClockLayout is the canonical wire format for tee-time clocks.
const ClockLayout = "15:04"

// DefaultTeeCapacity is the number of seats on a tee-time unless the
// booking grid says otherwise. Override with the TEE_CAPACITY env var.
const DefaultTeeCapacity = 4

// NotificationKind distinguishes the two outgoing email cadences.
type NotificationKind string

const (
	// KindDaily is the once-per-morning digest of everything that qualifies.
	KindDaily NotificationKind = "daily"
	// KindIncremental is the prompt alert for newly detected slots.
	KindIncremental NotificationKind = "incremental"
)

// IsValid checks if the notification kind is valid
func (k NotificationKind) IsValid() bool {
	switch k {
	case KindDaily, KindIncremental:
		return true
	default:
		return false
	}
}

// String returns the string representation of the kind
func (k NotificationKind) String() string {
	return string(k)
}

// Observation is one scraped data point: how many seats were free on a
// course at a given tee-time when we looked.
type Observation struct {
	ID             string    `json:"id"`
	CourseKey      string    `json:"course_key"`
	Date           string    `json:"date"` // DateLayout
	HHMM           string    `json:"hhmm"` // ClockLayout
	SeatsAvailable int       `json:"seats_available"`
	ObservedAt     time.Time `json:"observed_at"`
	Metadata       string    `json:"metadata,omitempty"`
}

// Validate checks the observation against the persistence invariants.
func (o *Observation) Validate(teeCapacity int) error {
	if o.CourseKey == "" {
		return fmt.Errorf("course key is required")
	}
	if _, err := time.Parse(DateLayout, o.Date); err != nil {
		return fmt.Errorf("invalid date %q: %w", o.Date, err)
	}
	if _, err := time.Parse(ClockLayout, o.HHMM); err != nil {
		return fmt.Errorf("invalid tee-time %q: %w", o.HHMM, err)
	}
	if o.SeatsAvailable < 0 || o.SeatsAvailable > teeCapacity {
		return fmt.Errorf("seats_available %d outside [0, %d]", o.SeatsAvailable, teeCapacity)
	}
	return nil
}

// TeeDateTime combines the observation date and clock in the given location.
func (o *Observation) TeeDateTime(loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(DateLayout+" "+ClockLayout, o.Date+" "+o.HHMM, loc)
}

// IsWeekend reports whether the observation date falls on Saturday or Sunday.
func (o *Observation) IsWeekend() (bool, error) {
	d, err := time.Parse(DateLayout, o.Date)
	if err != nil {
		return false, fmt.Errorf("invalid date %q: %w", o.Date, err)
	}
	wd := d.Weekday()
	return wd == time.Saturday || wd == time.Sunday, nil
}

// SentNotification records one (user, course, date, hhmm, kind) tuple that
// has already gone out, so the same slot is never emailed twice.
type SentNotification struct {
	ID        string           `json:"id"`
	UserEmail string           `json:"user_email"`
	CourseKey string           `json:"course_key"`
	Date      string           `json:"date"`
	HHMM      string           `json:"hhmm"`
	Kind      NotificationKind `json:"kind"`
	SentAt    time.Time        `json:"sent_at"`
}
