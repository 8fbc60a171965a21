package models

import (
	"time"
)

// CheckKind distinguishes how a cycle was triggered.
type CheckKind string

const (
	// CheckKindMonitor is a cycle driven by the periodic monitor loop.
	CheckKindMonitor CheckKind = "monitor"
	// CheckKindManual is a single cycle triggered by hand (checkonce).
	CheckKindManual CheckKind = "manual"
	// CheckKindDigest is a read-only pass made by the digest worker.
	CheckKindDigest CheckKind = "digest"
)

// String returns the string representation of the check kind
func (k CheckKind) String() string {
	return string(k)
}

// CycleResult summarizes one full pass over all monitored (course, date)
// pairs. One row is persisted per cycle for the status API and debugging.
type CycleResult struct {
	ID              string    `json:"id"`
	CheckKind       CheckKind `json:"check_kind"`
	UserEmail       string    `json:"user_email,omitempty"`
	Availability    string    `json:"availability_json"`
	CoursesChecked  []string  `json:"courses_checked"`
	DateStart       string    `json:"date_start"`
	DateEnd         string    `json:"date_end"`
	TotalSlots      int       `json:"total_slots"`
	NewSlots        int       `json:"new_slots"`
	DurationSeconds float64   `json:"duration_seconds"`
	Success         bool      `json:"success"`
	Error           string    `json:"error,omitempty"`
	CheckTimestamp  time.Time `json:"check_timestamp"`
}
