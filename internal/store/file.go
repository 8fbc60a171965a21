package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jrzesz33/teewatch/internal/models"
)

const maxPrefsBackups = 5

// prefsFile is the on-disk shape of the preferences fallback file.
type prefsFile struct {
	Metadata map[string]any                     `json:"_metadata"`
	Users    map[string]*models.UserPreferences `json:"users"`
}

// FileStore is the degraded-mode backend used when no DATABASE_URL is
// configured. Preferences persist to a JSON file (atomic temp+rename
// with rolling backups); observations, sent notifications, and cycle
// summaries live in memory only and vanish on restart. Good enough to
// keep monitoring alive while the database is down, no more.
type FileStore struct {
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	users  map[string]*models.UserPreferences
	obs    []*models.Observation
	sent   map[string]*models.SentNotification // keyed user|course|date|hhmm|kind
	cycles []*models.CycleResult
}

// NewFileStore loads (or initializes) the preferences file at path.
func NewFileStore(path string, logger *slog.Logger) (*FileStore, error) {
	fs := &FileStore{
		path:   path,
		logger: logger,
		users:  make(map[string]*models.UserPreferences),
		sent:   make(map[string]*models.SentNotification),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logger.Info("preferences file absent, starting empty", slog.String("path", path))
		return fs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read preferences file: %w", err)
	}

	var pf prefsFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse preferences file %s: %w", path, err)
	}
	if pf.Users != nil {
		fs.users = pf.Users
	}

	logger.Info("file store loaded",
		slog.String("path", path),
		slog.Int("users", len(fs.users)),
	)
	return fs, nil
}

// Kind names the backend.
func (f *FileStore) Kind() string { return "file" }

// Close is a no-op for the file store.
func (f *FileStore) Close() {}

// GetAllPreferences returns a copy of every stored profile.
func (f *FileStore) GetAllPreferences(ctx context.Context) (map[string]*models.UserPreferences, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[string]*models.UserPreferences, len(f.users))
	for email, prefs := range f.users {
		cp := *prefs
		out[email] = &cp
	}
	return out, nil
}

// GetPreferences returns one profile or ErrNotFound.
func (f *FileStore) GetPreferences(ctx context.Context, email string) (*models.UserPreferences, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefs, ok := f.users[strings.ToLower(email)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, email)
	}
	cp := *prefs
	return &cp, nil
}

// PutPreferences upserts a profile and rewrites the file atomically.
func (f *FileStore) PutPreferences(ctx context.Context, prefs *models.UserPreferences) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	cp := *prefs
	cp.Email = strings.ToLower(cp.Email)
	if existing, ok := f.users[cp.Email]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	f.users[cp.Email] = &cp

	return f.persistLocked()
}

// DeletePreferences removes a profile or returns ErrNotFound.
func (f *FileStore) DeletePreferences(ctx context.Context, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	email = strings.ToLower(email)
	if _, ok := f.users[email]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, email)
	}
	delete(f.users, email)
	return f.persistLocked()
}

// persistLocked writes the preferences file via temp+rename, rotating up
// to maxPrefsBackups numbered backups. Caller holds the mutex.
func (f *FileStore) persistLocked() error {
	pf := prefsFile{
		Metadata: map[string]any{
			"version":    1,
			"updated_at": time.Now().Format(time.RFC3339),
		},
		Users: f.users,
	}
	data, err := json.MarshalIndent(&pf, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal preferences file: %w", err)
	}

	if _, err := os.Stat(f.path); err == nil {
		f.rotateBackupsLocked()
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace preferences file: %w", err)
	}
	return nil
}

func (f *FileStore) rotateBackupsLocked() {
	oldest := fmt.Sprintf("%s.bak.%d", f.path, maxPrefsBackups)
	os.Remove(oldest)
	for i := maxPrefsBackups - 1; i >= 1; i-- {
		os.Rename(fmt.Sprintf("%s.bak.%d", f.path, i), fmt.Sprintf("%s.bak.%d", f.path, i+1))
	}
	if data, err := os.ReadFile(f.path); err == nil {
		if err := os.WriteFile(f.path+".bak.1", data, 0o644); err != nil {
			f.logger.Warn("failed to write preferences backup", slog.String("error", err.Error()))
		}
	}
}

// SaveObservations appends the batch, skipping composite-key duplicates.
func (f *FileStore) SaveObservations(ctx context.Context, batch []*models.Observation) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	seen := make(map[string]bool, len(f.obs))
	for _, o := range f.obs {
		seen[obsKey(o)] = true
	}
	for _, o := range batch {
		if seen[obsKey(o)] {
			continue
		}
		cp := *o
		if cp.ID == "" {
			cp.ID = uuid.New().String()
		}
		f.obs = append(f.obs, &cp)
		seen[obsKey(&cp)] = true
	}
	return nil
}

func obsKey(o *models.Observation) string {
	return o.CourseKey + "|" + o.Date + "|" + o.HHMM + "|" + o.ObservedAt.UTC().Format(time.RFC3339Nano)
}

// LatestObservationsFor scans the in-memory rows for the most recent one
// per (course, date, hhmm) in the half-open horizon.
func (f *FileStore) LatestObservationsFor(ctx context.Context, prefs *models.UserPreferences, daysAhead int, now time.Time) ([]*models.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latestLocked(prefs, daysAhead, now, time.Time{}), nil
}

// NewObservationsFor is LatestObservationsFor minus already-notified rows.
func (f *FileStore) NewObservationsFor(ctx context.Context, prefs *models.UserPreferences, hoursBack int, now time.Time) ([]*models.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	since := now.Add(-time.Duration(hoursBack) * time.Hour)
	latest := f.latestLocked(prefs, prefs.DaysAhead, now, since)

	out := make([]*models.Observation, 0, len(latest))
	for _, o := range latest {
		key := sentKey(prefs.Email, o.CourseKey, o.Date, o.HHMM, models.KindIncremental)
		if _, ok := f.sent[key]; !ok {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *FileStore) latestLocked(prefs *models.UserPreferences, daysAhead int, now time.Time, since time.Time) []*models.Observation {
	today := now.Format(models.DateLayout)
	horizon := now.AddDate(0, 0, daysAhead).Format(models.DateLayout)

	wanted := make(map[string]bool, len(prefs.SelectedCourses))
	for _, c := range prefs.SelectedCourses {
		wanted[c] = true
	}

	latest := make(map[string]*models.Observation)
	for _, o := range f.obs {
		if !wanted[o.CourseKey] {
			continue
		}
		if o.Date < today || o.Date >= horizon {
			continue
		}
		if !since.IsZero() && o.ObservedAt.Before(since) {
			continue
		}
		key := o.CourseKey + "|" + o.Date + "|" + o.HHMM
		if cur, ok := latest[key]; !ok || o.ObservedAt.After(cur.ObservedAt) {
			latest[key] = o
		}
	}

	out := make([]*models.Observation, 0, len(latest))
	for _, o := range latest {
		cp := *o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CourseKey != out[j].CourseKey {
			return out[i].CourseKey < out[j].CourseKey
		}
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].HHMM < out[j].HHMM
	})
	return out
}

func sentKey(email, course, date, hhmm string, kind models.NotificationKind) string {
	return strings.ToLower(email) + "|" + course + "|" + date + "|" + hhmm + "|" + kind.String()
}

// RecordSent stores the dedup tuple; duplicates are ignored.
func (f *FileStore) RecordSent(ctx context.Context, userEmail string, obs *models.Observation, kind models.NotificationKind, subject, bodyPreview string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := sentKey(userEmail, obs.CourseKey, obs.Date, obs.HHMM, kind)
	if _, ok := f.sent[key]; ok {
		return nil
	}
	f.sent[key] = &models.SentNotification{
		ID:        uuid.New().String(),
		UserEmail: strings.ToLower(userEmail),
		CourseKey: obs.CourseKey,
		Date:      obs.Date,
		HHMM:      obs.HHMM,
		Kind:      kind,
		SentAt:    time.Now(),
	}
	return nil
}

// FilterUnsent drops observations already recorded for the user+kind.
func (f *FileStore) FilterUnsent(ctx context.Context, userEmail string, kind models.NotificationKind, observations []*models.Observation) ([]*models.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]*models.Observation, 0, len(observations))
	for _, o := range observations {
		if _, ok := f.sent[sentKey(userEmail, o.CourseKey, o.Date, o.HHMM, kind)]; !ok {
			out = append(out, o)
		}
	}
	return out, nil
}

// SaveCycleResult appends the summary.
func (f *FileStore) SaveCycleResult(ctx context.Context, result *models.CycleResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cp := *result
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	f.cycles = append(f.cycles, &cp)
	return nil
}

// Reap drops in-memory rows past the retention window.
func (f *FileStore) Reap(ctx context.Context, olderThanDays int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -olderThanDays)

	kept := f.obs[:0]
	for _, o := range f.obs {
		if o.ObservedAt.After(cutoff) {
			kept = append(kept, o)
		}
	}
	f.obs = kept

	keptCycles := f.cycles[:0]
	for _, c := range f.cycles {
		if c.CheckTimestamp.After(cutoff) {
			keptCycles = append(keptCycles, c)
		}
	}
	f.cycles = keptCycles
	return nil
}
