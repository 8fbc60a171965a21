package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jrzesz33/teewatch/internal/grid"
	"github.com/jrzesz33/teewatch/internal/match"
	"github.com/jrzesz33/teewatch/internal/models"
	"github.com/jrzesz33/teewatch/internal/notify"
	"github.com/jrzesz33/teewatch/internal/store"
	"github.com/jrzesz33/teewatch/pkg/catalog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeClock lets tests advance time between cycles.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var bookingStartRe = regexp.MustCompile(`Booking_Start=(\d{8})T`)

// fakeFetcher serves one course's grids keyed by date.
type fakeFetcher struct {
	mu        sync.Mutex
	pages     map[string]string // YYYYMMDD -> html
	failAll   bool
	failDates map[string]bool // YYYYMMDD -> fetch error
	fetches   int
	closed    bool
}

func (f *fakeFetcher) EnsureLoggedIn(ctx context.Context) error { return nil }

func (f *fakeFetcher) Fetch(ctx context.Context, url string, timeout time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.failAll {
		return "", fmt.Errorf("connection refused")
	}
	m := bookingStartRe.FindStringSubmatch(url)
	if m == nil {
		return "", fmt.Errorf("unexpected url %s", url)
	}
	if f.failDates[m[1]] {
		return "", fmt.Errorf("connection reset")
	}
	html, ok := f.pages[m[1]]
	if !ok {
		return "<html><body><table></table></body></html>", nil
	}
	return html, nil
}

func (f *fakeFetcher) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeFetcher) setFailDate(date string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDates == nil {
		f.failDates = make(map[string]bool)
	}
	f.failDates[date] = fail
}

func (f *fakeFetcher) setPage(date string, slots map[string]int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pages == nil {
		f.pages = make(map[string]string)
	}
	f.pages[date] = tableHTML(slots)
}

// tableHTML renders a table grid where the free-cell count per row is
// the seat count.
func tableHTML(slots map[string]int) string {
	times := make([]string, 0, len(slots))
	for hhmm := range slots {
		times = append(times, hhmm)
	}
	sort.Strings(times)

	var b strings.Builder
	b.WriteString("<html><body><table>")
	for _, hhmm := range times {
		fmt.Fprintf(&b, "<tr><th>%s</th>", hhmm)
		for i := 0; i < slots[hhmm]; i++ {
			b.WriteString(`<td class="free"></td>`)
		}
		for i := slots[hhmm]; i < 4; i++ {
			b.WriteString(`<td class="full"></td>`)
		}
		b.WriteString("</tr>")
	}
	b.WriteString("</table></body></html>")
	return b.String()
}

type countingSender struct {
	mu   sync.Mutex
	sent []string // bodies
}

func (c *countingSender) Send(ctx context.Context, to []string, subject, body string) error {
	c.mu.Lock()
	c.sent = append(c.sent, body)
	c.mu.Unlock()
	return nil
}

func (c *countingSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// 2025-07-14 is a Monday.
var cycleStart = time.Date(2025, 7, 14, 7, 0, 0, 0, time.UTC)

type fixture struct {
	monitor *Monitor
	fetcher *fakeFetcher
	sender  *countingSender
	store   store.Store
	clock   *fakeClock
}

func newFixture(t *testing.T, daysAhead int) *fixture {
	t.Helper()

	cat, err := catalog.Load()
	if err != nil {
		t.Fatal(err)
	}
	fs, err := store.NewFileStore(filepath.Join(t.TempDir(), "prefs.json"), testLogger())
	if err != nil {
		t.Fatal(err)
	}

	prefs := &models.UserPreferences{
		Name:            "Kari",
		Email:           "kari@example.com",
		SelectedCourses: []string{"oslo_golfklubb"},
		MinSeats:        1,
		DaysAhead:       daysAhead,
		TimePreferences: models.TimePreferences{
			Weekdays: []models.TimeWindow{{Start: 8 * 60, End: 17 * 60}},
			Weekends: []models.TimeWindow{{Start: 8 * 60, End: 17 * 60}},
		},
	}
	if err := fs.PutPreferences(context.Background(), prefs); err != nil {
		t.Fatal(err)
	}

	clock := &fakeClock{t: cycleStart}
	fetcher := &fakeFetcher{}
	sender := &countingSender{}
	notifier := notify.New(notify.Options{
		Sender:  sender,
		Store:   fs,
		Catalog: cat,
		Logger:  testLogger(),
	})

	mon := New(Options{
		Catalog:      cat,
		Fetcher:      fetcher,
		Parser:       grid.NewParser(4),
		Store:        fs,
		Matcher:      match.NewWithClock(time.UTC, clock.Now),
		Notifier:     notifier,
		Interval:     5 * time.Minute,
		Jitter:       20 * time.Second,
		DaysAhead:    daysAhead,
		Concurrency:  2,
		Location:     time.UTC,
		Logger:       testLogger(),
		Now:          clock.Now,
	})

	return &fixture{monitor: mon, fetcher: fetcher, sender: sender, store: fs, clock: clock}
}

func TestRunCycle_FirstCycleIsQuiet(t *testing.T) {
	f := newFixture(t, 1)
	f.fetcher.setPage("20250714", map[string]int{"09:00": 2, "10:00": 4})

	result := f.monitor.RunCycle(context.Background(), models.CheckKindMonitor)
	if !result.Success {
		t.Fatalf("cycle failed: %s", result.Error)
	}
	if result.TotalSlots != 2 {
		t.Errorf("TotalSlots = %d, want 2", result.TotalSlots)
	}
	if result.NewSlots != 0 {
		t.Errorf("NewSlots = %d, want 0 on the first cycle", result.NewSlots)
	}
	if f.sender.count() != 0 {
		t.Error("first cycle must not notify")
	}
}

func TestRunCycle_NewSlotTriggersNotification(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	f.fetcher.setPage("20250714", map[string]int{"09:00": 2})
	if r := f.monitor.RunCycle(ctx, models.CheckKindMonitor); !r.Success {
		t.Fatalf("first cycle failed: %s", r.Error)
	}

	// A new 10:00 slot opens and 09:00 gains seats.
	f.clock.Advance(5 * time.Minute)
	f.fetcher.setPage("20250714", map[string]int{"09:00": 4, "10:00": 3})
	r := f.monitor.RunCycle(ctx, models.CheckKindMonitor)
	if !r.Success {
		t.Fatalf("second cycle failed: %s", r.Error)
	}
	if r.NewSlots != 2 {
		t.Errorf("NewSlots = %d, want 2 (added + increased)", r.NewSlots)
	}
	if f.sender.count() != 1 {
		t.Fatalf("sent %d mails, want 1", f.sender.count())
	}
	body := f.sender.sent[0]
	if !strings.Contains(body, "10:00") || !strings.Contains(body, "09:00") {
		t.Errorf("notification body missing slots: %s", body)
	}
}

func TestRunCycle_UnchangedCycleIsQuiet(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	f.fetcher.setPage("20250714", map[string]int{"09:00": 2})
	f.monitor.RunCycle(ctx, models.CheckKindMonitor)

	f.clock.Advance(5 * time.Minute)
	r := f.monitor.RunCycle(ctx, models.CheckKindMonitor)
	if !r.Success {
		t.Fatalf("cycle failed: %s", r.Error)
	}
	if r.NewSlots != 0 {
		t.Errorf("NewSlots = %d, want 0 for an unchanged grid", r.NewSlots)
	}
	if f.sender.count() != 0 {
		t.Error("unchanged cycles must not notify")
	}
}

func TestRunCycle_NoRepeatNotificationForSameSlot(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	f.fetcher.setPage("20250714", map[string]int{"09:00": 2})
	f.monitor.RunCycle(ctx, models.CheckKindMonitor)

	f.clock.Advance(5 * time.Minute)
	f.fetcher.setPage("20250714", map[string]int{"09:00": 2, "10:00": 3})
	f.monitor.RunCycle(ctx, models.CheckKindMonitor)
	if f.sender.count() != 1 {
		t.Fatalf("sent %d mails, want 1", f.sender.count())
	}

	// The slot disappears and reappears; sent_notifications still holds
	// the tuple, so no second mail goes out.
	f.clock.Advance(5 * time.Minute)
	f.fetcher.setPage("20250714", map[string]int{"09:00": 2})
	f.monitor.RunCycle(ctx, models.CheckKindMonitor)

	f.clock.Advance(5 * time.Minute)
	f.fetcher.setPage("20250714", map[string]int{"09:00": 2, "10:00": 3})
	f.monitor.RunCycle(ctx, models.CheckKindMonitor)

	if f.sender.count() != 1 {
		t.Errorf("sent %d mails total, want 1 (dedup across cycles)", f.sender.count())
	}
}

func TestRunCycle_EmptyGridIsNoAvailability(t *testing.T) {
	f := newFixture(t, 1)
	// No page configured: the fetcher serves an empty table, which
	// parses to zero tee-times. Indistinguishable from fully booked.

	r := f.monitor.RunCycle(context.Background(), models.CheckKindMonitor)
	if !r.Success {
		t.Fatalf("cycle failed: %s", r.Error)
	}
	if r.TotalSlots != 0 {
		t.Errorf("TotalSlots = %d, want 0", r.TotalSlots)
	}
	if f.sender.count() != 0 {
		t.Error("an empty grid must not notify")
	}
}

func TestRunCycle_FetchGapDoesNotRenotify(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	f.fetcher.setPage("20250714", map[string]int{"09:00": 2})
	f.fetcher.setPage("20250715", map[string]int{"11:00": 3})
	if r := f.monitor.RunCycle(ctx, models.CheckKindMonitor); !r.Success {
		t.Fatalf("first cycle failed: %s", r.Error)
	}

	// One day's fetch fails; the cycle still succeeds on the other day.
	f.clock.Advance(5 * time.Minute)
	f.fetcher.setFailDate("20250715", true)
	if r := f.monitor.RunCycle(ctx, models.CheckKindMonitor); !r.Success {
		t.Fatalf("partial-failure cycle failed: %s", r.Error)
	}

	// The fetch recovers with unchanged availability. The failed day's
	// baseline survived the gap, so nothing counts as new and no mail
	// goes out.
	f.clock.Advance(5 * time.Minute)
	f.fetcher.setFailDate("20250715", false)
	r := f.monitor.RunCycle(ctx, models.CheckKindMonitor)
	if !r.Success {
		t.Fatalf("recovery cycle failed: %s", r.Error)
	}
	if r.NewSlots != 0 {
		t.Errorf("NewSlots = %d, want 0 after a fetch gap with unchanged availability", r.NewSlots)
	}
	if f.sender.count() != 0 {
		t.Errorf("sent %d mails, want 0", f.sender.count())
	}
}

func TestRunCycle_AllFetchesFailing(t *testing.T) {
	f := newFixture(t, 2)
	f.fetcher.failAll = true

	r := f.monitor.RunCycle(context.Background(), models.CheckKindMonitor)
	if r.Success {
		t.Fatal("cycle should fail when every fetch fails")
	}
	if f.sender.count() != 0 {
		t.Error("failed cycle must not notify")
	}
}

func TestRunCycle_EnumeratesHorizonDates(t *testing.T) {
	f := newFixture(t, 3)
	f.fetcher.setPage("20250714", map[string]int{"09:00": 2})

	r := f.monitor.RunCycle(context.Background(), models.CheckKindMonitor)
	if !r.Success {
		t.Fatalf("cycle failed: %s", r.Error)
	}
	// One monitored course over three days.
	if f.fetcher.fetches != 3 {
		t.Errorf("fetched %d grids, want 3", f.fetcher.fetches)
	}
	if r.DateStart != "2025-07-14" || r.DateEnd != "2025-07-16" {
		t.Errorf("date range = %s..%s", r.DateStart, r.DateEnd)
	}
}

func TestMonitoredCourses_FallbackToCatalog(t *testing.T) {
	cat, err := catalog.Load()
	if err != nil {
		t.Fatal(err)
	}
	m := &Monitor{catalog: cat}

	got := m.monitoredCourses(map[string]*models.UserPreferences{})
	if len(got) != len(cat.Keys()) {
		t.Errorf("with no users, monitored = %d courses, want the full catalog (%d)", len(got), len(cat.Keys()))
	}

	users := map[string]*models.UserPreferences{
		"a": {SelectedCourses: []string{"losby_gk"}},
		"b": {SelectedCourses: []string{"oslo_golfklubb", "losby_gk"}},
	}
	got = m.monitoredCourses(users)
	want := []string{"losby_gk", "oslo_golfklubb"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("monitored = %v, want %v", got, want)
	}
}

func TestAdjustBackoff(t *testing.T) {
	f := newFixture(t, 1)
	m := f.monitor

	m.adjustBackoff(false)
	m.adjustBackoff(false)
	if m.backoffFactor != 1 {
		t.Errorf("backoff armed after %d failures, want trigger at 3", m.consecutiveFailures)
	}

	m.adjustBackoff(false)
	if m.backoffFactor != 2 {
		t.Errorf("backoffFactor = %d after 3 failures, want 2", m.backoffFactor)
	}
	m.adjustBackoff(false)
	m.adjustBackoff(false)
	if m.backoffFactor != 4 {
		t.Errorf("backoffFactor = %d, want cap 4", m.backoffFactor)
	}
	m.adjustBackoff(false)
	if m.backoffFactor != 4 {
		t.Errorf("backoffFactor = %d, must not exceed cap", m.backoffFactor)
	}

	m.adjustBackoff(true)
	if m.backoffFactor != 1 || m.consecutiveFailures != 0 {
		t.Error("a normal cycle must reset the backoff")
	}
}

func TestNextSleep_JitterStaysInBounds(t *testing.T) {
	f := newFixture(t, 1)
	m := f.monitor

	lo := m.interval - m.jitter/2
	hi := m.interval + m.jitter
	for i := 0; i < 100; i++ {
		s := m.nextSleep()
		if s < lo || s > hi {
			t.Fatalf("sleep %v outside [%v, %v]", s, lo, hi)
		}
	}
}
