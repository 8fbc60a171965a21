// Package notify formats and delivers availability emails, with
// optional push channels (ntfy, SNS) for short alerts. Delivery is
// deduplicated through the sent_notifications table: a (user, course,
// date, hhmm, kind) tuple is emailed at most once.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jrzesz33/teewatch/internal/models"
	"github.com/jrzesz33/teewatch/pkg/catalog"
)

// Sender delivers one email to the given recipients.
type Sender interface {
	Send(ctx context.Context, to []string, subject, body string) error
}

// Pusher delivers a short push alert. Push failures are logged, never
// propagated; email is the channel of record.
type Pusher interface {
	Push(ctx context.Context, title, message string) error
}

// SentRecorder is the slice of the store the notifier needs.
type SentRecorder interface {
	RecordSent(ctx context.Context, userEmail string, obs *models.Observation, kind models.NotificationKind, subject, bodyPreview string) error
	FilterUnsent(ctx context.Context, userEmail string, kind models.NotificationKind, observations []*models.Observation) ([]*models.Observation, error)
}

// Notifier groups, formats, and dispatches availability notifications.
type Notifier struct {
	sender     Sender
	pushers    []Pusher
	store      SentRecorder
	catalog    *catalog.Catalog
	recipients []string
	logger     *slog.Logger
}

// Options configures a Notifier. Recipients is the fallback list used
// when a user profile carries no address of its own.
type Options struct {
	Sender     Sender
	Pushers    []Pusher
	Store      SentRecorder
	Catalog    *catalog.Catalog
	Recipients []string
	Logger     *slog.Logger
}

// New builds a Notifier.
func New(opts Options) *Notifier {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Notifier{
		sender:     opts.Sender,
		pushers:    opts.Pushers,
		store:      opts.Store,
		catalog:    opts.Catalog,
		recipients: opts.Recipients,
		logger:     opts.Logger,
	}
}

// Dispatch emails the user's matches. Matches are always post-filtered
// against sent_notifications, so no (user, course, date, hhmm, kind)
// tuple is ever emailed twice. Sent rows are recorded only after a
// successful send, so a failed delivery retries on the next cycle.
func (n *Notifier) Dispatch(ctx context.Context, user *models.UserPreferences, matches []*models.Observation, kind models.NotificationKind) error {
	if len(matches) == 0 {
		return nil
	}

	filtered, err := n.store.FilterUnsent(ctx, user.Email, kind, matches)
	if err != nil {
		return fmt.Errorf("failed to filter sent notifications: %w", err)
	}
	matches = filtered
	if len(matches) == 0 {
		n.logger.Debug("all matches already notified",
			slog.String("user", user.Email),
			slog.String("kind", kind.String()),
		)
		return nil
	}

	subject := n.subject(user, matches, kind)
	body := n.body(user, matches)

	recipients := n.recipientsFor(user)
	if len(recipients) == 0 {
		return fmt.Errorf("no recipients for user %s", user.Email)
	}

	if err := n.sender.Send(ctx, recipients, subject, body); err != nil {
		n.logger.Error("email delivery failed",
			slog.String("user", user.Email),
			slog.String("kind", kind.String()),
			slog.Int("matches", len(matches)),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to send %s notification: %w", kind, err)
	}

	n.logger.Info("notification sent",
		slog.String("user", user.Email),
		slog.String("kind", kind.String()),
		slog.Int("matches", len(matches)),
	)

	preview := bodyPreview(body)
	for _, obs := range matches {
		if err := n.store.RecordSent(ctx, user.Email, obs, kind, subject, preview); err != nil {
			n.logger.Error("failed to record sent notification",
				slog.String("user", user.Email),
				slog.String("course", obs.CourseKey),
				slog.String("date", obs.Date),
				slog.String("hhmm", obs.HHMM),
				slog.String("error", err.Error()),
			)
		}
	}

	n.push(ctx, subject, matches)
	return nil
}

func (n *Notifier) push(ctx context.Context, title string, matches []*models.Observation) {
	if len(n.pushers) == 0 {
		return
	}
	message := fmt.Sprintf("%d ledige starttider funnet", len(matches))
	if len(matches) == 1 {
		message = "1 ledig starttid funnet"
	}
	for _, p := range n.pushers {
		if err := p.Push(ctx, title, message); err != nil {
			n.logger.Warn("push alert failed",
				slog.String("error", err.Error()),
			)
		}
	}
}

var kindLabels = map[models.NotificationKind]string{
	models.KindDaily:       "Dagens starttider",
	models.KindIncremental: "Nye starttider",
}

func (n *Notifier) subject(user *models.UserPreferences, matches []*models.Observation, kind models.NotificationKind) string {
	label, ok := kindLabels[kind]
	if !ok {
		label = "Starttider"
	}
	return fmt.Sprintf("⛳ %s for %s — %d slots", label, user.Name, len(matches))
}

// body renders the plain-text email: matches grouped by (course, date),
// groups and times sorted.
func (n *Notifier) body(user *models.UserPreferences, matches []*models.Observation) string {
	type groupKey struct {
		course string
		date   string
	}
	groups := make(map[groupKey][]*models.Observation)
	for _, obs := range matches {
		k := groupKey{course: obs.CourseKey, date: obs.Date}
		groups[k] = append(groups[k], obs)
	}

	keys := make([]groupKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].course != keys[j].course {
			return keys[i].course < keys[j].course
		}
		return keys[i].date < keys[j].date
	})

	var b strings.Builder
	fmt.Fprintf(&b, "Hei %s,\n\n", user.Name)
	b.WriteString("Her er ledige starttider som matcher preferansene dine:\n")

	for _, k := range keys {
		obs := groups[k]
		sort.Slice(obs, func(i, j int) bool { return obs[i].HHMM < obs[j].HHMM })

		fmt.Fprintf(&b, "\n%s, %s\n", n.courseName(k.course), k.date)
		for _, o := range obs {
			fmt.Fprintf(&b, "  %s  %s\n", o.HHMM, seatsLabel(o.SeatsAvailable))
		}
	}

	b.WriteString("\nLykke til på banen!\n")
	return b.String()
}

func (n *Notifier) courseName(key string) string {
	if n.catalog != nil {
		if club, err := n.catalog.Lookup(key); err == nil {
			return club.DisplayName
		}
	}
	return key
}

func (n *Notifier) recipientsFor(user *models.UserPreferences) []string {
	if user.Email != "" {
		return []string{user.Email}
	}
	return n.recipients
}

func seatsLabel(seats int) string {
	if seats == 1 {
		return "1 ledig plass"
	}
	return fmt.Sprintf("%d ledige plasser", seats)
}

const previewLen = 200

func bodyPreview(body string) string {
	if len(body) <= previewLen {
		return body
	}
	return body[:previewLen]
}
