// Package digest runs the user-facing notification cadences alongside
// the monitor loop: a daily availability digest in the 07:00 window and
// an incremental scan every ten minutes. Both read the shared store;
// neither talks to the booking site.
package digest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jrzesz33/teewatch/internal/match"
	"github.com/jrzesz33/teewatch/internal/models"
	"github.com/jrzesz33/teewatch/internal/notify"
	"github.com/jrzesz33/teewatch/internal/store"
)

// errorPause is how long the worker stays quiet after a failed run.
const errorPause = 5 * time.Minute

// incrementalHoursBack bounds how far back the incremental scan looks
// for unnotified observations.
const incrementalHoursBack = 24

// Worker owns the two digest cadences plus the nightly retention reap.
type Worker struct {
	store      store.Store
	matcher    *match.Matcher
	notifier   *notify.Notifier
	retainDays int
	loc        *time.Location
	logger     *slog.Logger
	now        func() time.Time

	cron *cron.Cron

	mu          sync.Mutex
	lastDaily   string // YYYY-MM-DD of the last daily digest
	pausedUntil time.Time
}

// Options configures a Worker.
type Options struct {
	Store      store.Store
	Matcher    *match.Matcher
	Notifier   *notify.Notifier
	RetainDays int
	Location   *time.Location
	Logger     *slog.Logger
	Now        func() time.Time // tests override this
}

// New builds the worker and registers its cron entries. Call Run to
// start them.
func New(opts Options) *Worker {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	w := &Worker{
		store:      opts.Store,
		matcher:    opts.Matcher,
		notifier:   opts.Notifier,
		retainDays: opts.RetainDays,
		loc:        opts.Location,
		logger:     opts.Logger,
		now:        opts.Now,
	}

	w.cron = cron.New(
		cron.WithLocation(w.loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	// The daily window is minutes 00-09 of hour 07; the once-per-day
	// guard in runDaily collapses the extra firings.
	w.cron.AddFunc("0-9 7 * * *", func() { w.runDaily(context.Background()) })
	w.cron.AddFunc("*/10 * * * *", func() { w.runIncremental(context.Background()) })
	w.cron.AddFunc("30 3 * * *", func() { w.runReap(context.Background()) })

	return w
}

// Run starts the cron entries and blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("digest worker started",
		slog.String("timezone", w.loc.String()),
	)
	w.cron.Start()

	<-ctx.Done()

	stopCtx := w.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		w.logger.Warn("digest worker stop timed out, abandoning in-flight jobs")
	}
	w.logger.Info("digest worker stopped")
}

// runDaily sends each user the full matching availability picture, once
// per calendar day.
func (w *Worker) runDaily(ctx context.Context) {
	now := w.now().In(w.loc)
	today := now.Format(models.DateLayout)
	w.mu.Lock()
	skip := w.lastDaily == today || now.Before(w.pausedUntil)
	w.mu.Unlock()
	if skip {
		return
	}

	users, err := w.store.GetAllPreferences(ctx)
	if err != nil {
		w.fail(now, "failed to load preferences for daily digest", err)
		return
	}

	sentAny := false
	for _, user := range users {
		matches, err := w.matchLatest(ctx, user, now)
		if err != nil {
			w.fail(now, "daily digest query failed", err,
				slog.String("user", user.Email))
			return
		}
		if len(matches) == 0 {
			continue
		}
		if err := w.notifier.Dispatch(ctx, user, matches, models.KindDaily); err != nil {
			w.fail(now, "daily digest dispatch failed", err,
				slog.String("user", user.Email))
			return
		}
		sentAny = true
	}

	w.mu.Lock()
	w.lastDaily = today
	w.mu.Unlock()
	w.logger.Info("daily digest completed",
		slog.Int("users", len(users)),
		slog.Bool("sent_any", sentAny),
	)
}

// runIncremental notifies users about slots scraped since the last scan
// that nobody has been told about yet.
func (w *Worker) runIncremental(ctx context.Context) {
	now := w.now().In(w.loc)
	if w.paused(now) {
		return
	}

	users, err := w.store.GetAllPreferences(ctx)
	if err != nil {
		w.fail(now, "failed to load preferences for incremental scan", err)
		return
	}

	for _, user := range users {
		fresh, err := w.store.NewObservationsFor(ctx, user, incrementalHoursBack, now)
		if err != nil {
			w.fail(now, "incremental scan query failed", err,
				slog.String("user", user.Email))
			return
		}
		matches := w.matcher.Filter(user, fresh)
		if len(matches) == 0 {
			continue
		}
		if err := w.notifier.Dispatch(ctx, user, matches, models.KindIncremental); err != nil {
			w.fail(now, "incremental dispatch failed", err,
				slog.String("user", user.Email))
			return
		}
	}
}

func (w *Worker) runReap(ctx context.Context) {
	if w.retainDays <= 0 {
		return
	}
	if err := w.store.Reap(ctx, w.retainDays); err != nil {
		w.logger.Error("retention reap failed",
			slog.Int("retain_days", w.retainDays),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Worker) matchLatest(ctx context.Context, user *models.UserPreferences, now time.Time) ([]*models.Observation, error) {
	latest, err := w.store.LatestObservationsFor(ctx, user, user.DaysAhead, now)
	if err != nil {
		return nil, err
	}
	return w.matcher.Filter(user, latest), nil
}

func (w *Worker) paused(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return now.Before(w.pausedUntil)
}

// fail logs the error and pauses both cadences so a broken store or
// mail server is not hammered every ten minutes.
func (w *Worker) fail(now time.Time, msg string, err error, extra ...any) {
	attrs := append([]any{slog.String("error", err.Error())}, extra...)
	w.logger.Error(msg, attrs...)
	w.mu.Lock()
	w.pausedUntil = now.Add(errorPause)
	w.mu.Unlock()
}
