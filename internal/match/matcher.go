// Package match filters scraped observations against a single user's
// preferences. The matcher is stateless; the clock is injected so the
// today-buffer rule is testable.
package match

import (
	"sort"
	"time"

	"github.com/jrzesz33/teewatch/internal/models"
)

// BookingBufferMinutes is how close to now a tee-time today may start and
// still be worth emailing about.
const BookingBufferMinutes = 15

// Matcher applies preference filtering in a fixed local time zone.
type Matcher struct {
	loc *time.Location
	now func() time.Time
}

// New builds a matcher using the given location and the real clock.
func New(loc *time.Location) *Matcher {
	return NewWithClock(loc, time.Now)
}

// NewWithClock builds a matcher with an injected clock. Tests use this.
func NewWithClock(loc *time.Location, now func() time.Time) *Matcher {
	if loc == nil {
		loc = time.Local
	}
	return &Matcher{loc: loc, now: now}
}

// Matches reports whether one observation qualifies for the user:
// selected course, enough seats, inside the half-open planning horizon
// [today, today+days_ahead), inside the weekday/weekend time windows, and
// not already elapsed today (with the booking buffer).
func (m *Matcher) Matches(pref *models.UserPreferences, obs *models.Observation) bool {
	if !pref.WantsCourse(obs.CourseKey) {
		return false
	}
	if obs.SeatsAvailable < pref.MinSeats {
		return false
	}

	obsDate, err := time.ParseInLocation(models.DateLayout, obs.Date, m.loc)
	if err != nil {
		return false
	}

	now := m.now().In(m.loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, m.loc)
	horizon := today.AddDate(0, 0, pref.DaysAhead)
	if obsDate.Before(today) || !obsDate.Before(horizon) {
		return false
	}

	tee, err := obs.TeeDateTime(m.loc)
	if err != nil {
		return false
	}
	minute := tee.Hour()*60 + tee.Minute()

	weekend := obsDate.Weekday() == time.Saturday || obsDate.Weekday() == time.Sunday
	windows := pref.TimePreferences.WindowsFor(weekend)
	if !anyContains(windows, minute) {
		return false
	}

	// Tee-times about to start (or past) today are no longer bookable.
	if obsDate.Equal(today) && !tee.After(now.Add(BookingBufferMinutes*time.Minute)) {
		return false
	}

	return true
}

// Filter returns the qualifying observations, stable-sorted by
// (date, hhmm, course_key).
func (m *Matcher) Filter(pref *models.UserPreferences, observations []*models.Observation) []*models.Observation {
	out := make([]*models.Observation, 0)
	for _, obs := range observations {
		if m.Matches(pref, obs) {
			out = append(out, obs)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		if out[i].HHMM != out[j].HHMM {
			return out[i].HHMM < out[j].HHMM
		}
		return out[i].CourseKey < out[j].CourseKey
	})
	return out
}

func anyContains(windows []models.TimeWindow, minute int) bool {
	for _, w := range windows {
		if w.Contains(minute) {
			return true
		}
	}
	return false
}
