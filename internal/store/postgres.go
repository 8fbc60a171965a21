package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jrzesz33/teewatch/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS user_preferences (
    email            TEXT PRIMARY KEY,
    name             TEXT NOT NULL DEFAULT '',
    preferences_json JSONB NOT NULL,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS scraped_times (
    id              UUID PRIMARY KEY,
    course_key      TEXT NOT NULL,
    date            DATE NOT NULL,
    hhmm            TEXT NOT NULL,
    seats_available INT NOT NULL,
    observed_at     TIMESTAMPTZ NOT NULL,
    metadata        TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_scraped_times_lookup
    ON scraped_times (course_key, date, hhmm, observed_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_scraped_times_dedup
    ON scraped_times (course_key, date, hhmm, observed_at);

CREATE TABLE IF NOT EXISTS sent_notifications (
    id           UUID PRIMARY KEY,
    user_email   TEXT NOT NULL,
    course_key   TEXT NOT NULL,
    date         DATE NOT NULL,
    hhmm         TEXT NOT NULL,
    kind         TEXT NOT NULL,
    subject      TEXT NOT NULL DEFAULT '',
    body_preview TEXT NOT NULL DEFAULT '',
    sent_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (user_email, course_key, date, hhmm, kind)
);

CREATE TABLE IF NOT EXISTS cached_cycle (
    id               UUID PRIMARY KEY,
    check_kind       TEXT NOT NULL,
    user_email       TEXT,
    availability_json JSONB NOT NULL DEFAULT '{}',
    courses_checked  TEXT[] NOT NULL DEFAULT '{}',
    date_start       DATE,
    date_end         DATE,
    total_slots      INT NOT NULL DEFAULT 0,
    new_slots        INT NOT NULL DEFAULT 0,
    duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
    success          BOOLEAN NOT NULL,
    error            TEXT,
    check_timestamp  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres connects to databaseURL, bounds the pool, and ensures the
// schema exists. Unreachable database is a fatal startup error for the
// caller.
func NewPostgres(ctx context.Context, databaseURL string, logger *slog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	if cfg.MaxConns == 0 || cfg.MaxConns > 10 {
		cfg.MaxConns = 10
	}
	cfg.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	logger.Info("postgres store ready",
		slog.Int("max_conns", int(cfg.MaxConns)),
	)
	return &Postgres{pool: pool, logger: logger}, nil
}

// Kind names the backend.
func (p *Postgres) Kind() string { return "postgres" }

// Close returns all pooled connections.
func (p *Postgres) Close() { p.pool.Close() }

// GetAllPreferences returns every stored profile keyed by email.
func (p *Postgres) GetAllPreferences(ctx context.Context) (map[string]*models.UserPreferences, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT preferences_json, created_at, updated_at FROM user_preferences ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("failed to query preferences: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*models.UserPreferences)
	for rows.Next() {
		var raw string
		var createdAt, updatedAt time.Time
		if err := rows.Scan(&raw, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan preferences row: %w", err)
		}
		prefs, err := models.UnmarshalPreferencesJSON(raw)
		if err != nil {
			return nil, err
		}
		prefs.CreatedAt = createdAt
		prefs.UpdatedAt = updatedAt
		out[prefs.Email] = prefs
	}
	return out, rows.Err()
}

// GetPreferences returns one profile or ErrNotFound.
func (p *Postgres) GetPreferences(ctx context.Context, email string) (*models.UserPreferences, error) {
	var raw string
	var createdAt, updatedAt time.Time
	err := p.pool.QueryRow(ctx,
		`SELECT preferences_json, created_at, updated_at FROM user_preferences WHERE email = $1`,
		email).Scan(&raw, &createdAt, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, email)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query preferences for %s: %w", email, err)
	}

	prefs, err := models.UnmarshalPreferencesJSON(raw)
	if err != nil {
		return nil, err
	}
	prefs.CreatedAt = createdAt
	prefs.UpdatedAt = updatedAt
	return prefs, nil
}

// PutPreferences upserts a profile. updated_at always advances.
func (p *Postgres) PutPreferences(ctx context.Context, prefs *models.UserPreferences) error {
	raw, err := models.MarshalPreferencesJSON(prefs)
	if err != nil {
		return err
	}

	_, err = p.pool.Exec(ctx, `
INSERT INTO user_preferences (email, name, preferences_json, created_at, updated_at)
VALUES ($1, $2, $3, now(), now())
ON CONFLICT (email) DO UPDATE
SET name = EXCLUDED.name,
    preferences_json = EXCLUDED.preferences_json,
    updated_at = now()`,
		prefs.Email, prefs.Name, raw)
	if err != nil {
		return fmt.Errorf("failed to upsert preferences for %s: %w", prefs.Email, err)
	}
	return nil
}

// DeletePreferences removes a profile or returns ErrNotFound.
func (p *Postgres) DeletePreferences(ctx context.Context, email string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM user_preferences WHERE email = $1`, email)
	if err != nil {
		return fmt.Errorf("failed to delete preferences for %s: %w", email, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, email)
	}
	return nil
}

// SaveObservations bulk-inserts one cycle's rows in a single transaction.
// Inserts only; a failed scrape never overwrites earlier data.
func (p *Postgres) SaveObservations(ctx context.Context, batch []*models.Observation) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	b := &pgx.Batch{}
	for _, obs := range batch {
		id := obs.ID
		if id == "" {
			id = uuid.New().String()
		}
		b.Queue(`
INSERT INTO scraped_times (id, course_key, date, hhmm, seats_available, observed_at, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (course_key, date, hhmm, observed_at) DO NOTHING`,
			id, obs.CourseKey, obs.Date, obs.HHMM, obs.SeatsAvailable, obs.ObservedAt, obs.Metadata)
	}

	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("failed to insert observations: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit observations: %w", err)
	}
	return nil
}

const latestObservationsSQL = `
SELECT DISTINCT ON (course_key, date, hhmm)
       id, course_key, to_char(date, 'YYYY-MM-DD'), hhmm, seats_available, observed_at, metadata
FROM scraped_times
WHERE course_key = ANY($1) AND date >= $2 AND date < $3
ORDER BY course_key, date, hhmm, observed_at DESC`

// LatestObservationsFor returns the most recent row per monitored slot
// inside the half-open horizon.
func (p *Postgres) LatestObservationsFor(ctx context.Context, prefs *models.UserPreferences, daysAhead int, now time.Time) ([]*models.Observation, error) {
	today := now.Format(models.DateLayout)
	horizon := now.AddDate(0, 0, daysAhead).Format(models.DateLayout)

	rows, err := p.pool.Query(ctx, latestObservationsSQL, prefs.SelectedCourses, today, horizon)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest observations: %w", err)
	}
	defer rows.Close()
	return scanObservations(rows)
}

const newObservationsSQL = `
SELECT id, course_key, date, hhmm, seats_available, observed_at, metadata FROM (
    SELECT DISTINCT ON (course_key, date, hhmm)
           id, course_key, to_char(date, 'YYYY-MM-DD') AS date, hhmm,
           seats_available, observed_at, metadata,
           scraped_times.date AS raw_date
    FROM scraped_times
    WHERE course_key = ANY($1) AND date >= $2 AND date < $3 AND observed_at >= $4
    ORDER BY course_key, date, hhmm, observed_at DESC
) latest
WHERE NOT EXISTS (
    SELECT 1 FROM sent_notifications sn
    WHERE sn.user_email = $5
      AND sn.course_key = latest.course_key
      AND sn.date = latest.raw_date
      AND sn.hhmm = latest.hhmm
      AND sn.kind = $6
)`

// NewObservationsFor returns recent rows the user has not yet been
// emailed about incrementally.
func (p *Postgres) NewObservationsFor(ctx context.Context, prefs *models.UserPreferences, hoursBack int, now time.Time) ([]*models.Observation, error) {
	today := now.Format(models.DateLayout)
	horizon := now.AddDate(0, 0, prefs.DaysAhead).Format(models.DateLayout)
	since := now.Add(-time.Duration(hoursBack) * time.Hour)

	rows, err := p.pool.Query(ctx, newObservationsSQL,
		prefs.SelectedCourses, today, horizon, since, prefs.Email, models.KindIncremental.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query new observations: %w", err)
	}
	defer rows.Close()
	return scanObservations(rows)
}

// RecordSent inserts one dedup row; conflicts on the unique tuple are
// silently ignored.
func (p *Postgres) RecordSent(ctx context.Context, userEmail string, obs *models.Observation, kind models.NotificationKind, subject, bodyPreview string) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO sent_notifications (id, user_email, course_key, date, hhmm, kind, subject, body_preview, sent_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
ON CONFLICT (user_email, course_key, date, hhmm, kind) DO NOTHING`,
		uuid.New().String(), userEmail, obs.CourseKey, obs.Date, obs.HHMM, kind.String(), subject, bodyPreview)
	if err != nil {
		return fmt.Errorf("failed to record sent notification: %w", err)
	}
	return nil
}

// FilterUnsent drops observations already covered by a sent row.
func (p *Postgres) FilterUnsent(ctx context.Context, userEmail string, kind models.NotificationKind, observations []*models.Observation) ([]*models.Observation, error) {
	if len(observations) == 0 {
		return nil, nil
	}

	rows, err := p.pool.Query(ctx, `
SELECT course_key, to_char(date, 'YYYY-MM-DD'), hhmm
FROM sent_notifications
WHERE user_email = $1 AND kind = $2`,
		userEmail, kind.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query sent notifications: %w", err)
	}
	defer rows.Close()

	sent := make(map[string]bool)
	for rows.Next() {
		var course, date, hhmm string
		if err := rows.Scan(&course, &date, &hhmm); err != nil {
			return nil, fmt.Errorf("failed to scan sent row: %w", err)
		}
		sent[course+"|"+date+"|"+hhmm] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*models.Observation, 0, len(observations))
	for _, obs := range observations {
		if !sent[obs.CourseKey+"|"+obs.Date+"|"+obs.HHMM] {
			out = append(out, obs)
		}
	}
	return out, nil
}

// SaveCycleResult persists one cycle summary row.
func (p *Postgres) SaveCycleResult(ctx context.Context, result *models.CycleResult) error {
	id := result.ID
	if id == "" {
		id = uuid.New().String()
	}
	availability := result.Availability
	if availability == "" {
		availability = "{}"
	}

	var userEmail, errMsg *string
	if result.UserEmail != "" {
		userEmail = &result.UserEmail
	}
	if result.Error != "" {
		errMsg = &result.Error
	}

	_, err := p.pool.Exec(ctx, `
INSERT INTO cached_cycle (id, check_kind, user_email, availability_json, courses_checked,
                          date_start, date_end, total_slots, new_slots, duration_seconds,
                          success, error, check_timestamp)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		id, result.CheckKind.String(), userEmail, availability, result.CoursesChecked,
		result.DateStart, result.DateEnd, result.TotalSlots, result.NewSlots,
		result.DurationSeconds, result.Success, errMsg, result.CheckTimestamp)
	if err != nil {
		return fmt.Errorf("failed to save cycle result: %w", err)
	}
	return nil
}

// Reap deletes rows past the retention window in one transaction.
func (p *Postgres) Reap(ctx context.Context, olderThanDays int) error {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin reap transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	scraped, err := tx.Exec(ctx, `DELETE FROM scraped_times WHERE observed_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to reap scraped_times: %w", err)
	}
	cycles, err := tx.Exec(ctx, `DELETE FROM cached_cycle WHERE check_timestamp < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to reap cached_cycle: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit reap: %w", err)
	}

	p.logger.Info("reaped old rows",
		slog.Int64("scraped_times", scraped.RowsAffected()),
		slog.Int64("cached_cycle", cycles.RowsAffected()),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

func scanObservations(rows pgx.Rows) ([]*models.Observation, error) {
	var out []*models.Observation
	for rows.Next() {
		var obs models.Observation
		if err := rows.Scan(&obs.ID, &obs.CourseKey, &obs.Date, &obs.HHMM,
			&obs.SeatsAvailable, &obs.ObservedAt, &obs.Metadata); err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		out = append(out, &obs)
	}
	return out, rows.Err()
}
