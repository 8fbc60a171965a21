package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jrzesz33/teewatch/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSender struct {
	sent []sentMail
	err  error
}

type sentMail struct {
	to      []string
	subject string
	body    string
}

func (f *fakeSender) Send(ctx context.Context, to []string, subject, body string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMail{to: to, subject: subject, body: body})
	return nil
}

type fakeRecorder struct {
	recorded []string
	already  map[string]bool
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{already: make(map[string]bool)}
}

func recKey(email, course, date, hhmm string, kind models.NotificationKind) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", email, course, date, hhmm, kind)
}

func (f *fakeRecorder) RecordSent(ctx context.Context, userEmail string, obs *models.Observation, kind models.NotificationKind, subject, bodyPreview string) error {
	key := recKey(userEmail, obs.CourseKey, obs.Date, obs.HHMM, kind)
	f.recorded = append(f.recorded, key)
	f.already[key] = true
	return nil
}

func (f *fakeRecorder) FilterUnsent(ctx context.Context, userEmail string, kind models.NotificationKind, observations []*models.Observation) ([]*models.Observation, error) {
	out := make([]*models.Observation, 0, len(observations))
	for _, o := range observations {
		if !f.already[recKey(userEmail, o.CourseKey, o.Date, o.HHMM, kind)] {
			out = append(out, o)
		}
	}
	return out, nil
}

func testUser() *models.UserPreferences {
	return &models.UserPreferences{
		Name:  "Kari",
		Email: "kari@example.com",
	}
}

func obs(course, date, hhmm string, seats int) *models.Observation {
	return &models.Observation{
		CourseKey:      course,
		Date:           date,
		HHMM:           hhmm,
		SeatsAvailable: seats,
	}
}

func TestDispatch_SubjectAndBody(t *testing.T) {
	sender := &fakeSender{}
	rec := newFakeRecorder()
	n := New(Options{Sender: sender, Store: rec, Logger: testLogger()})

	matches := []*models.Observation{
		obs("oslo_golfklubb", "2025-07-14", "10:00", 4),
		obs("oslo_golfklubb", "2025-07-14", "09:00", 1),
		obs("losby_gk", "2025-07-15", "12:00", 2),
	}

	if err := n.Dispatch(context.Background(), testUser(), matches, models.KindIncremental); err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d mails, want 1", len(sender.sent))
	}

	mail := sender.sent[0]
	if mail.subject != "⛳ Nye starttider for Kari — 3 slots" {
		t.Errorf("subject = %q", mail.subject)
	}
	if mail.to[0] != "kari@example.com" {
		t.Errorf("recipient = %q", mail.to[0])
	}
	if !strings.Contains(mail.body, "1 ledig plass") {
		t.Error("body should use the singular seats label")
	}
	if !strings.Contains(mail.body, "4 ledige plasser") {
		t.Error("body should use the plural seats label")
	}
	// Groups sorted, times within a group sorted.
	if strings.Index(mail.body, "09:00") > strings.Index(mail.body, "10:00") {
		t.Error("times within a group should be sorted")
	}
	if strings.Index(mail.body, "losby_gk") > strings.Index(mail.body, "oslo_golfklubb") {
		t.Error("groups should be sorted by course")
	}
}

func TestDispatch_RecordsSentOnSuccess(t *testing.T) {
	sender := &fakeSender{}
	rec := newFakeRecorder()
	n := New(Options{Sender: sender, Store: rec, Logger: testLogger()})

	matches := []*models.Observation{
		obs("oslo_golfklubb", "2025-07-14", "09:00", 2),
		obs("oslo_golfklubb", "2025-07-14", "10:00", 2),
	}
	if err := n.Dispatch(context.Background(), testUser(), matches, models.KindIncremental); err != nil {
		t.Fatal(err)
	}
	if len(rec.recorded) != 2 {
		t.Errorf("recorded %d sent rows, want 2", len(rec.recorded))
	}
}

func TestDispatch_NoRecordOnSendFailure(t *testing.T) {
	sender := &fakeSender{err: errors.New("535 authentication failed")}
	rec := newFakeRecorder()
	n := New(Options{Sender: sender, Store: rec, Logger: testLogger()})

	matches := []*models.Observation{obs("oslo_golfklubb", "2025-07-14", "09:00", 2)}
	if err := n.Dispatch(context.Background(), testUser(), matches, models.KindIncremental); err == nil {
		t.Fatal("Dispatch() should surface the send failure")
	}
	if len(rec.recorded) != 0 {
		t.Errorf("recorded %d rows after failed send, want 0", len(rec.recorded))
	}
}

func TestDispatch_DailyPostFilter(t *testing.T) {
	sender := &fakeSender{}
	rec := newFakeRecorder()
	n := New(Options{Sender: sender, Store: rec, Logger: testLogger()})
	user := testUser()

	o1 := obs("oslo_golfklubb", "2025-07-14", "09:00", 2)
	o2 := obs("oslo_golfklubb", "2025-07-14", "10:00", 2)
	rec.already[recKey(user.Email, o1.CourseKey, o1.Date, o1.HHMM, models.KindDaily)] = true

	if err := n.Dispatch(context.Background(), user, []*models.Observation{o1, o2}, models.KindDaily); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d mails, want 1", len(sender.sent))
	}
	if strings.Contains(sender.sent[0].body, "09:00") {
		t.Error("already-notified slot should not appear in the daily digest")
	}
	if !strings.Contains(sender.sent[0].body, "10:00") {
		t.Error("fresh slot missing from the daily digest")
	}
}

func TestDispatch_AllAlreadySentSkipsEmail(t *testing.T) {
	sender := &fakeSender{}
	rec := newFakeRecorder()
	n := New(Options{Sender: sender, Store: rec, Logger: testLogger()})
	user := testUser()

	o := obs("oslo_golfklubb", "2025-07-14", "09:00", 2)
	rec.already[recKey(user.Email, o.CourseKey, o.Date, o.HHMM, models.KindDaily)] = true

	if err := n.Dispatch(context.Background(), user, []*models.Observation{o}, models.KindDaily); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 0 {
		t.Errorf("sent %d mails, want 0 when everything is deduplicated", len(sender.sent))
	}
}

func TestDispatch_EmptyMatchesIsNoop(t *testing.T) {
	sender := &fakeSender{}
	n := New(Options{Sender: sender, Store: newFakeRecorder(), Logger: testLogger()})

	if err := n.Dispatch(context.Background(), testUser(), nil, models.KindIncremental); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 0 {
		t.Error("no mail expected for empty matches")
	}
}

type fakePusher struct {
	pushed []string
	err    error
}

func (f *fakePusher) Push(ctx context.Context, title, message string) error {
	if f.err != nil {
		return f.err
	}
	f.pushed = append(f.pushed, title+": "+message)
	return nil
}

func TestDispatch_PushFailureDoesNotFailDispatch(t *testing.T) {
	sender := &fakeSender{}
	pusher := &fakePusher{err: errors.New("topic unreachable")}
	n := New(Options{
		Sender:  sender,
		Pushers: []Pusher{pusher},
		Store:   newFakeRecorder(),
		Logger:  testLogger(),
	})

	matches := []*models.Observation{obs("oslo_golfklubb", "2025-07-14", "09:00", 2)}
	if err := n.Dispatch(context.Background(), testUser(), matches, models.KindIncremental); err != nil {
		t.Errorf("push failure should not fail dispatch: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Error("email should still be sent when push fails")
	}
}

func TestNtfyPusher_Push(t *testing.T) {
	var gotTitle, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTitle = r.Header.Get("Title")
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)
	}))
	defer srv.Close()

	p := NewNtfyPusher(NtfyConfig{TopicURL: srv.URL, Logger: testLogger()})
	if err := p.Push(context.Background(), "alert", "2 ledige starttider funnet"); err != nil {
		t.Fatalf("Push() error: %v", err)
	}
	if gotTitle != "alert" {
		t.Errorf("title header = %q", gotTitle)
	}
	if gotBody != "2 ledige starttider funnet" {
		t.Errorf("body = %q", gotBody)
	}
}

func TestNtfyPusher_RetriesOnServerError(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
	}))
	defer srv.Close()

	p := NewNtfyPusher(NtfyConfig{
		TopicURL:   srv.URL,
		MaxRetries: 3,
		Timeout:    2 * time.Second,
		Logger:     testLogger(),
	})
	if err := p.Push(context.Background(), "", "hello"); err != nil {
		t.Fatalf("Push() should succeed on the second attempt: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}
