// Package store persists user preferences, scraped observations, sent
// notifications, and cycle summaries. The primary backend is Postgres;
// a file-backed store exists as a degraded-mode fallback when no
// DATABASE_URL is configured.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jrzesz33/teewatch/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence boundary shared by the monitor loop, the
// digest worker, and the preferences API. Implementations are safe for
// concurrent use.
type Store interface {
	// Preferences.
	GetAllPreferences(ctx context.Context) (map[string]*models.UserPreferences, error)
	GetPreferences(ctx context.Context, email string) (*models.UserPreferences, error)
	PutPreferences(ctx context.Context, prefs *models.UserPreferences) error
	DeletePreferences(ctx context.Context, email string) error

	// Observations. SaveObservations is transactional; rows duplicating
	// the (course_key, date, hhmm, observed_at) composite key are
	// silently skipped.
	SaveObservations(ctx context.Context, batch []*models.Observation) error

	// LatestObservationsFor returns, for each (course, date, hhmm) the
	// user monitors, the most recent observation dated inside
	// [today, today+daysAhead).
	LatestObservationsFor(ctx context.Context, prefs *models.UserPreferences, daysAhead int, now time.Time) ([]*models.Observation, error)

	// NewObservationsFor is LatestObservationsFor restricted to rows
	// observed within hoursBack and not already recorded in
	// sent_notifications with kind=incremental for this user.
	NewObservationsFor(ctx context.Context, prefs *models.UserPreferences, hoursBack int, now time.Time) ([]*models.Observation, error)

	// RecordSent marks one observation as emailed to the user. At most
	// one (user, course, date, hhmm, kind) row ever exists; duplicate
	// records are ignored.
	RecordSent(ctx context.Context, userEmail string, obs *models.Observation, kind models.NotificationKind, subject, bodyPreview string) error

	// FilterUnsent drops observations whose (user, course, date, hhmm,
	// kind) tuple is already in sent_notifications. Used by the daily
	// digest post-filter.
	FilterUnsent(ctx context.Context, userEmail string, kind models.NotificationKind, observations []*models.Observation) ([]*models.Observation, error)

	// Cycle summaries.
	SaveCycleResult(ctx context.Context, result *models.CycleResult) error

	// Reap deletes scraped_times and cached_cycle rows older than the
	// retention window.
	Reap(ctx context.Context, olderThanDays int) error

	// Kind names the backend for the status API ("postgres" or "file").
	Kind() string

	Close()
}
