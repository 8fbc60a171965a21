// Package monitor drives the scrape cycle: enumerate monitored
// (course, date) grids, fetch and parse each one, persist observations,
// diff against the previous cycle, and notify users whose preferences
// match the newly opened slots.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/jrzesz33/teewatch/internal/detect"
	"github.com/jrzesz33/teewatch/internal/grid"
	"github.com/jrzesz33/teewatch/internal/match"
	"github.com/jrzesz33/teewatch/internal/models"
	"github.com/jrzesz33/teewatch/internal/notify"
	"github.com/jrzesz33/teewatch/internal/store"
	"github.com/jrzesz33/teewatch/pkg/catalog"
)

const (
	// DefaultConcurrency bounds parallel grid fetches within one cycle.
	DefaultConcurrency = 4

	// backoffTrigger is how many consecutive failed cycles arm the
	// interval backoff; backoffCap limits the multiplier.
	backoffTrigger = 3
	backoffCap     = 4
)

// Fetcher is the slice of the browser session the monitor needs.
// *session.Session satisfies it.
type Fetcher interface {
	EnsureLoggedIn(ctx context.Context) error
	Fetch(ctx context.Context, url string, timeout time.Duration) (string, error)
	Close()
}

// Monitor owns one scrape loop. The change detector inside is touched
// only from Run's goroutine.
type Monitor struct {
	catalog  *catalog.Catalog
	fetcher  Fetcher
	parser   *grid.Parser
	store    store.Store
	detector *detect.Detector
	matcher  *match.Matcher
	notifier *notify.Notifier

	interval     time.Duration
	jitter       time.Duration
	daysAhead    int
	fetchTimeout time.Duration
	concurrency  int
	loc          *time.Location
	logger       *slog.Logger
	now          func() time.Time
	rng          *rand.Rand

	consecutiveFailures int
	backoffFactor       int
}

// Options configures a Monitor.
type Options struct {
	Catalog      *catalog.Catalog
	Fetcher      Fetcher
	Parser       *grid.Parser
	Store        store.Store
	Matcher      *match.Matcher
	Notifier     *notify.Notifier
	Interval     time.Duration
	Jitter       time.Duration
	DaysAhead    int
	FetchTimeout time.Duration
	Concurrency  int
	Location     *time.Location
	Logger       *slog.Logger
	Now          func() time.Time // tests override this
}

// New builds a Monitor.
func New(opts Options) *Monitor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 15 * time.Second
	}
	return &Monitor{
		catalog:       opts.Catalog,
		fetcher:       opts.Fetcher,
		parser:        opts.Parser,
		store:         opts.Store,
		detector:      detect.New(),
		matcher:       opts.Matcher,
		notifier:      opts.Notifier,
		interval:      opts.Interval,
		jitter:        opts.Jitter,
		daysAhead:     opts.DaysAhead,
		fetchTimeout:  opts.FetchTimeout,
		concurrency:   opts.Concurrency,
		loc:           opts.Location,
		logger:        opts.Logger,
		now:           opts.Now,
		rng:           rand.New(rand.NewSource(opts.Now().UnixNano())),
		backoffFactor: 1,
	}
}

// Run loops until ctx is cancelled, sleeping a jittered interval between
// cycles. Repeated total-cycle failures stretch the interval.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("monitor loop started",
		slog.Duration("interval", m.interval),
		slog.Int("days_ahead", m.daysAhead),
	)
	defer m.fetcher.Close()

	for {
		result := m.RunCycle(ctx, models.CheckKindMonitor)
		if ctx.Err() != nil {
			m.logger.Info("monitor loop stopped")
			return
		}
		m.adjustBackoff(result.Success)

		sleep := m.nextSleep()
		m.logger.Debug("cycle complete, sleeping",
			slog.Duration("sleep", sleep),
			slog.Bool("success", result.Success),
		)
		select {
		case <-ctx.Done():
			m.logger.Info("monitor loop stopped")
			return
		case <-time.After(sleep):
		}
	}
}

// RunCycle performs one full scrape pass and returns its summary. The
// summary is also persisted as a cached_cycle row.
func (m *Monitor) RunCycle(ctx context.Context, kind models.CheckKind) *models.CycleResult {
	start := m.now().In(m.loc)
	result := &models.CycleResult{
		CheckKind:      kind,
		DateStart:      start.Format(models.DateLayout),
		DateEnd:        start.AddDate(0, 0, m.daysAhead-1).Format(models.DateLayout),
		CheckTimestamp: start,
	}

	defer func() {
		result.DurationSeconds = m.now().Sub(start).Seconds()
		if err := m.store.SaveCycleResult(ctx, result); err != nil {
			m.logger.Error("failed to persist cycle summary",
				slog.String("error", err.Error()),
			)
		}
	}()

	users, err := m.store.GetAllPreferences(ctx)
	if err != nil {
		result.Error = fmt.Sprintf("failed to load preferences: %v", err)
		m.logger.Error("cycle aborted", slog.String("error", result.Error))
		return result
	}

	courses := m.monitoredCourses(users)
	result.CoursesChecked = courses

	if err := m.fetcher.EnsureLoggedIn(ctx); err != nil {
		result.Error = fmt.Sprintf("login failed: %v", err)
		m.logger.Error("cycle aborted", slog.String("error", result.Error))
		return result
	}

	grids, attempted, failed := m.scrapeAll(ctx, courses, start)
	if attempted > 0 && failed == attempted {
		result.Error = "all grid fetches failed"
		m.logger.Error("cycle failed", slog.Int("fetches", attempted))
		return result
	}

	batch := make([]*models.Observation, 0)
	for _, g := range grids {
		m.detector.Ingest(g.courseKey, g.date, g.times)
		for hhmm, seats := range g.times {
			batch = append(batch, &models.Observation{
				CourseKey:      g.courseKey,
				Date:           g.date,
				HHMM:           hhmm,
				SeatsAvailable: seats,
				ObservedAt:     start,
			})
		}
	}
	result.TotalSlots = len(batch)

	if err := m.store.SaveObservations(ctx, batch); err != nil {
		// A failed store write risks losing data; treat as cycle failure.
		result.Error = fmt.Sprintf("failed to persist observations: %v", err)
		m.logger.Error("cycle failed", slog.String("error", result.Error))
		return result
	}

	fresh := m.freshObservations(batch)
	result.NewSlots = len(fresh)
	result.Availability = marshalAvailability(grids)

	if len(fresh) > 0 {
		m.notifyUsers(ctx, users, fresh)
	}

	m.detector.Commit()
	result.Success = true

	m.logger.Info("cycle completed",
		slog.Int("courses", len(courses)),
		slog.Int("grids", len(grids)),
		slog.Int("fetch_failures", failed),
		slog.Int("total_slots", result.TotalSlots),
		slog.Int("new_slots", result.NewSlots),
	)
	return result
}

type gridResult struct {
	courseKey string
	date      string
	times     map[string]int
}

// scrapeAll fetches every (course, date) grid with bounded parallelism.
// A failed fetch skips that grid for this cycle; nothing is recorded
// for it, so the last successful observation stays authoritative.
func (m *Monitor) scrapeAll(ctx context.Context, courses []string, start time.Time) (results []gridResult, attempted, failed int) {
	dates := make([]string, 0, m.daysAhead)
	for i := 0; i < m.daysAhead; i++ {
		dates = append(dates, start.AddDate(0, 0, i).Format(models.DateLayout))
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, m.concurrency)
	)

	for _, courseKey := range courses {
		club, err := m.catalog.Lookup(courseKey)
		if err != nil {
			m.logger.Warn("skipping unknown course",
				slog.String("course", courseKey),
			)
			continue
		}
		for _, date := range dates {
			if ctx.Err() != nil {
				break
			}
			attempted++
			wg.Add(1)
			go func(club *catalog.Club, courseKey, date string) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()

				times, err := m.scrapeOne(ctx, club, date)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					failed++
					m.logger.Warn("grid fetch failed, skipping for this cycle",
						slog.String("course", courseKey),
						slog.String("date", date),
						slog.String("error", err.Error()),
					)
					return
				}
				results = append(results, gridResult{courseKey: courseKey, date: date, times: times})
			}(club, courseKey, date)
		}
	}
	wg.Wait()
	return results, attempted, failed
}

func (m *Monitor) scrapeOne(ctx context.Context, club *catalog.Club, date string) (map[string]int, error) {
	gridURL, err := m.catalog.MaterializeURL(club, date, club.DefaultOpenTime)
	if err != nil {
		return nil, fmt.Errorf("failed to build grid URL: %w", err)
	}
	html, err := m.fetcher.Fetch(ctx, gridURL, m.fetchTimeout)
	if err != nil {
		return nil, err
	}
	times, err := m.parser.Parse(html)
	if err != nil {
		return nil, fmt.Errorf("failed to parse grid: %w", err)
	}
	if len(times) == 0 {
		// Indistinguishable from a fully booked day; not an error.
		m.logger.Debug("grid parsed to zero tee-times",
			slog.String("course", club.Key),
			slog.String("date", date),
		)
	}
	return times, nil
}

// freshObservations maps the detector diff (added slots and seat
// increases) back onto this cycle's observation rows.
func (m *Monitor) freshObservations(batch []*models.Observation) []*models.Observation {
	deltas := m.detector.Diff()
	if len(deltas) == 0 {
		return nil
	}

	byKey := make(map[string]*models.Observation, len(batch))
	for _, o := range batch {
		byKey[o.CourseKey+"|"+o.Date+"|"+o.HHMM] = o
	}

	fresh := make([]*models.Observation, 0)
	for key, delta := range deltas {
		for _, added := range delta.Added {
			if o, ok := byKey[key.CourseKey+"|"+key.Date+"|"+added.HHMM]; ok {
				fresh = append(fresh, o)
			}
		}
		for _, inc := range delta.Increased {
			if o, ok := byKey[key.CourseKey+"|"+key.Date+"|"+inc.HHMM]; ok {
				fresh = append(fresh, o)
			}
		}
	}
	return fresh
}

func (m *Monitor) notifyUsers(ctx context.Context, users map[string]*models.UserPreferences, fresh []*models.Observation) {
	for _, user := range users {
		matches := m.matcher.Filter(user, fresh)
		if len(matches) == 0 {
			continue
		}
		if err := m.notifier.Dispatch(ctx, user, matches, models.KindIncremental); err != nil {
			m.logger.Error("notification dispatch failed",
				slog.String("user", user.Email),
				slog.String("error", err.Error()),
			)
		}
	}
}

// monitoredCourses is the union of every user's selected courses; with
// no users the full catalog is scanned.
func (m *Monitor) monitoredCourses(users map[string]*models.UserPreferences) []string {
	seen := make(map[string]bool)
	for _, user := range users {
		for _, key := range user.SelectedCourses {
			seen[key] = true
		}
	}
	if len(seen) == 0 {
		return m.catalog.Keys()
	}

	out := make([]string, 0, len(seen))
	for _, key := range m.catalog.Keys() {
		if seen[key] {
			out = append(out, key)
		}
	}
	return out
}

func (m *Monitor) adjustBackoff(success bool) {
	if success {
		m.consecutiveFailures = 0
		m.backoffFactor = 1
		return
	}
	m.consecutiveFailures++
	if m.consecutiveFailures >= backoffTrigger {
		m.backoffFactor *= 2
		if m.backoffFactor > backoffCap {
			m.backoffFactor = backoffCap
		}
		m.logger.Warn("repeated cycle failures, stretching interval",
			slog.Int("consecutive_failures", m.consecutiveFailures),
			slog.Int("backoff_factor", m.backoffFactor),
		)
	}
}

// nextSleep is interval*backoff plus uniform jitter in [-j/2, +j).
func (m *Monitor) nextSleep() time.Duration {
	sleep := m.interval * time.Duration(m.backoffFactor)
	if m.jitter > 0 {
		span := m.jitter + m.jitter/2
		sleep += time.Duration(m.rng.Int63n(int64(span))) - m.jitter/2
	}
	if sleep < time.Second {
		sleep = time.Second
	}
	return sleep
}

func marshalAvailability(grids []gridResult) string {
	avail := make(map[string]map[string]int, len(grids))
	for _, g := range grids {
		if len(g.times) == 0 {
			continue
		}
		avail[g.courseKey+"/"+g.date] = g.times
	}
	data, err := json.Marshal(avail)
	if err != nil {
		return "{}"
	}
	return string(data)
}
