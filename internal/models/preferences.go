package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// TimeWindow is a half-open [Start, End) interval in minutes since local
// midnight. A 17:00 tee-time is excluded by an 08:00-17:00 window.
type TimeWindow struct {
	Start int // minutes since midnight, inclusive
	End   int // minutes since midnight, exclusive
}

// Validate checks the window bounds.
func (w TimeWindow) Validate() error {
	if w.Start < 0 || w.Start >= 24*60 {
		return fmt.Errorf("window start %d outside [0, 1440)", w.Start)
	}
	if w.End < 0 || w.End >= 24*60 {
		return fmt.Errorf("window end %d outside [0, 1440)", w.End)
	}
	if w.Start >= w.End {
		return fmt.Errorf("window start %s must be before end %s", minutesToClock(w.Start), minutesToClock(w.End))
	}
	return nil
}

// Contains reports whether the minute-of-day falls inside the window.
func (w TimeWindow) Contains(minute int) bool {
	return minute >= w.Start && minute < w.End
}

// String renders the window as HH:MM-HH:MM.
func (w TimeWindow) String() string {
	return minutesToClock(w.Start) + "-" + minutesToClock(w.End)
}

// MarshalJSON renders the bounds as "HH:MM" clock strings, the form the
// preferences API and the file store use.
func (w TimeWindow) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Start string `json:"start"`
		End   string `json:"end"`
	}{minutesToClock(w.Start), minutesToClock(w.End)})
}

// UnmarshalJSON accepts either "HH:MM" clock strings or raw
// minutes-since-midnight numbers for each bound.
func (w *TimeWindow) UnmarshalJSON(data []byte) error {
	var raw struct {
		Start json.RawMessage `json:"start"`
		End   json.RawMessage `json:"end"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	start, err := minutesFromJSON(raw.Start)
	if err != nil {
		return fmt.Errorf("window start: %w", err)
	}
	end, err := minutesFromJSON(raw.End)
	if err != nil {
		return fmt.Errorf("window end: %w", err)
	}
	w.Start, w.End = start, end
	return nil
}

func minutesFromJSON(raw json.RawMessage) (int, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("missing bound")
	}
	if raw[0] == '"' {
		var clock string
		if err := json.Unmarshal(raw, &clock); err != nil {
			return 0, err
		}
		return clockToMinutes(clock)
	}
	var minutes int
	if err := json.Unmarshal(raw, &minutes); err != nil {
		return 0, err
	}
	return minutes, nil
}

// ParseTimeWindow parses "HH:MM-HH:MM" into a TimeWindow.
func ParseTimeWindow(s string) (TimeWindow, error) {
	parts := strings.SplitN(strings.TrimSpace(s), "-", 2)
	if len(parts) != 2 {
		return TimeWindow{}, fmt.Errorf("invalid time window %q: want HH:MM-HH:MM", s)
	}
	start, err := clockToMinutes(parts[0])
	if err != nil {
		return TimeWindow{}, fmt.Errorf("invalid time window %q: %w", s, err)
	}
	end, err := clockToMinutes(parts[1])
	if err != nil {
		return TimeWindow{}, fmt.Errorf("invalid time window %q: %w", s, err)
	}
	w := TimeWindow{Start: start, End: end}
	if err := w.Validate(); err != nil {
		return TimeWindow{}, err
	}
	return w, nil
}

func clockToMinutes(s string) (int, error) {
	t, err := time.Parse(ClockLayout, strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func minutesToClock(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}

// TimePreferences holds the canonical two-bucket form of a user's
// acceptable tee-time windows. "Same all days" input normalizes into both
// buckets at API put time.
type TimePreferences struct {
	Weekdays []TimeWindow `json:"weekdays"`
	Weekends []TimeWindow `json:"weekends"`
}

// WindowsFor selects the bucket that applies to the given date.
func (p TimePreferences) WindowsFor(weekend bool) []TimeWindow {
	if weekend {
		return p.Weekends
	}
	return p.Weekdays
}

// Validate checks every window in both buckets.
func (p TimePreferences) Validate() error {
	for _, w := range p.Weekdays {
		if err := w.Validate(); err != nil {
			return fmt.Errorf("weekday window: %w", err)
		}
	}
	for _, w := range p.Weekends {
		if err := w.Validate(); err != nil {
			return fmt.Errorf("weekend window: %w", err)
		}
	}
	return nil
}

// UserPreferences is one subscriber's monitoring profile, keyed by email.
type UserPreferences struct {
	Name            string          `json:"name"`
	Email           string          `json:"email"`
	SelectedCourses []string        `json:"selected_courses"`
	MinSeats        int             `json:"min_seats"`
	DaysAhead       int             `json:"days_ahead"`
	TimePreferences TimePreferences `json:"time_preferences"`
	CreatedAt       time.Time       `json:"created_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at,omitempty"`
}

// Validate checks the profile against the catalog key set. knownCourses
// may be nil to skip the catalog check.
func (u *UserPreferences) Validate(knownCourses map[string]bool) error {
	if strings.TrimSpace(u.Email) == "" {
		return fmt.Errorf("email is required")
	}
	if !strings.Contains(u.Email, "@") {
		return fmt.Errorf("invalid email %q", u.Email)
	}
	if len(u.SelectedCourses) == 0 {
		return fmt.Errorf("at least one course must be selected")
	}
	if knownCourses != nil {
		for _, key := range u.SelectedCourses {
			if !knownCourses[key] {
				return fmt.Errorf("unknown course key %q", key)
			}
		}
	}
	if u.MinSeats < 1 {
		return fmt.Errorf("min_seats must be >= 1, got %d", u.MinSeats)
	}
	if u.DaysAhead < 1 || u.DaysAhead > 14 {
		return fmt.Errorf("days_ahead must be in [1, 14], got %d", u.DaysAhead)
	}
	return u.TimePreferences.Validate()
}

// Normalize sorts and deduplicates the selected courses and lowercases the
// email so it can serve as a stable primary key.
func (u *UserPreferences) Normalize() {
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	seen := make(map[string]bool, len(u.SelectedCourses))
	courses := make([]string, 0, len(u.SelectedCourses))
	for _, key := range u.SelectedCourses {
		key = strings.TrimSpace(key)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		courses = append(courses, key)
	}
	sort.Strings(courses)
	u.SelectedCourses = courses
}

// WantsCourse reports whether the user monitors the given course key.
func (u *UserPreferences) WantsCourse(key string) bool {
	for _, k := range u.SelectedCourses {
		if k == key {
			return true
		}
	}
	return false
}

// MarshalPreferencesJSON serializes the profile for the preferences_json
// column and the file-backed store.
func MarshalPreferencesJSON(u *UserPreferences) (string, error) {
	b, err := json.Marshal(u)
	if err != nil {
		return "", fmt.Errorf("failed to marshal preferences: %w", err)
	}
	return string(b), nil
}

// UnmarshalPreferencesJSON is the inverse of MarshalPreferencesJSON.
func UnmarshalPreferencesJSON(data string) (*UserPreferences, error) {
	var u UserPreferences
	if err := json.Unmarshal([]byte(data), &u); err != nil {
		return nil, fmt.Errorf("failed to parse preferences JSON: %w", err)
	}
	return &u, nil
}
