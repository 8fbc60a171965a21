package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

const loginPage = `<html><body>
<form action="/auth" method="post">
  <input type="hidden" name="csrf" value="tok-123">
  <input type="text" name="brukernavn" placeholder="Brukernavn">
  <input type="password" name="passord">
  <input type="submit" name="do" value="Logg inn">
</form>
</body></html>`

const memberPage = `<html><body><a href="/logout">Logg ut</a><h1>Min side</h1></body></html>`

const gridPage = `<html><body><table><tr><th>09:00</th><td class="free"></td></tr></table></body></html>`

// bookingSite is a fake booking origin: a session cookie is issued on a
// correct form post and every other page requires it. expireSessions
// rotates the accepted cookie value, invalidating outstanding sessions.
type bookingSite struct {
	mu         chan struct{} // buffered-1 semaphore, keeps handlers race-free
	loginPosts int
	session    string
}

func newBookingSite() *bookingSite {
	b := &bookingSite{mu: make(chan struct{}, 1), session: "session-1"}
	b.mu <- struct{}{}
	return b
}

func (b *bookingSite) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		if b.authed(r) {
			http.Redirect(w, r, "/home", http.StatusFound)
			return
		}
		fmt.Fprint(w, loginPage)
	})
	mux.HandleFunc("/home", func(w http.ResponseWriter, r *http.Request) {
		if !b.authed(r) {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		fmt.Fprint(w, memberPage)
	})
	mux.HandleFunc("/auth", func(w http.ResponseWriter, r *http.Request) {
		<-b.mu
		b.loginPosts++
		sid := b.session
		b.mu <- struct{}{}

		if r.FormValue("csrf") != "tok-123" {
			http.Error(w, "missing csrf", http.StatusForbidden)
			return
		}
		if r.FormValue("brukernavn") != "kari" || r.FormValue("passord") != "hemmelig" {
			fmt.Fprint(w, loginPage)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: sid, Path: "/"})
		fmt.Fprint(w, memberPage)
	})
	mux.HandleFunc("/grid", func(w http.ResponseWriter, r *http.Request) {
		if !b.authed(r) {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		fmt.Fprint(w, gridPage)
	})
	return mux
}

func (b *bookingSite) authed(r *http.Request) bool {
	<-b.mu
	sid := b.session
	b.mu <- struct{}{}
	c, err := r.Cookie("sid")
	return err == nil && c.Value == sid
}

func (b *bookingSite) expireSessions() {
	<-b.mu
	b.session = "session-2"
	b.mu <- struct{}{}
}

func (b *bookingSite) posts() int {
	<-b.mu
	n := b.loginPosts
	b.mu <- struct{}{}
	return n
}

func newTestSession(t *testing.T, srv *httptest.Server, jarPath string) *Session {
	t.Helper()
	s, err := New(Options{
		LoginURL: srv.URL + "/login",
		Creds:    Credentials{Username: "kari", Password: "hemmelig"},
		JarPath:  jarPath,
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return s
}

func TestEnsureLoggedIn_HeuristicFlow(t *testing.T) {
	site := newBookingSite()
	srv := httptest.NewServer(site.handler())
	defer srv.Close()

	s := newTestSession(t, srv, "")
	if err := s.EnsureLoggedIn(context.Background()); err != nil {
		t.Fatalf("EnsureLoggedIn() error: %v", err)
	}

	html, err := s.Fetch(context.Background(), srv.URL+"/grid", 5*time.Second)
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if !strings.Contains(html, "09:00") {
		t.Errorf("grid page not returned, got: %s", html)
	}
}

func TestEnsureLoggedIn_Idempotent(t *testing.T) {
	site := newBookingSite()
	srv := httptest.NewServer(site.handler())
	defer srv.Close()

	s := newTestSession(t, srv, "")
	for i := 0; i < 3; i++ {
		if err := s.EnsureLoggedIn(context.Background()); err != nil {
			t.Fatalf("EnsureLoggedIn() call %d error: %v", i+1, err)
		}
	}
	if got := site.posts(); got != 1 {
		t.Errorf("form posted %d times, want 1", got)
	}
}

func TestEnsureLoggedIn_BadCredentials(t *testing.T) {
	site := newBookingSite()
	srv := httptest.NewServer(site.handler())
	defer srv.Close()

	s, err := New(Options{
		LoginURL: srv.URL + "/login",
		Creds:    Credentials{Username: "kari", Password: "wrong"},
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.EnsureLoggedIn(context.Background()); !errors.Is(err, ErrAuth) {
		t.Errorf("EnsureLoggedIn() = %v, want ErrAuth", err)
	}
}

func TestFetch_ReloginAfterExpiry(t *testing.T) {
	site := newBookingSite()
	srv := httptest.NewServer(site.handler())
	defer srv.Close()

	s := newTestSession(t, srv, "")
	if err := s.EnsureLoggedIn(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Server rotates the accepted session; the next fetch lands on the
	// login page and the session recovers by logging in again.
	site.expireSessions()

	html, err := s.Fetch(context.Background(), srv.URL+"/grid", 5*time.Second)
	if err != nil {
		t.Fatalf("Fetch() after expiry error: %v", err)
	}
	if !strings.Contains(html, "09:00") {
		t.Error("expected grid content after re-login")
	}
}

func TestFetch_ConcurrentExpiryLogsInOnce(t *testing.T) {
	site := newBookingSite()
	srv := httptest.NewServer(site.handler())
	defer srv.Close()

	s := newTestSession(t, srv, "")
	if err := s.EnsureLoggedIn(context.Background()); err != nil {
		t.Fatal(err)
	}
	site.expireSessions()

	// Several fetches hit the expired session at once; exactly one of
	// them re-submits the form and the rest reuse the fresh cookies.
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			html, err := s.Fetch(context.Background(), srv.URL+"/grid", 5*time.Second)
			if err != nil {
				errs <- err
				return
			}
			if !strings.Contains(html, "09:00") {
				errs <- fmt.Errorf("grid content missing after re-login")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent Fetch() error: %v", err)
	}

	if got := site.posts(); got != 2 {
		t.Errorf("form posted %d times, want 2 (initial login plus one re-login)", got)
	}
}

func TestCookiePersistence(t *testing.T) {
	site := newBookingSite()
	srv := httptest.NewServer(site.handler())
	defer srv.Close()

	jarPath := filepath.Join(t.TempDir(), "cookies.json")

	first := newTestSession(t, srv, jarPath)
	if err := first.EnsureLoggedIn(context.Background()); err != nil {
		t.Fatal(err)
	}
	first.Close()

	if _, err := os.Stat(jarPath); err != nil {
		t.Fatalf("cookie jar not written: %v", err)
	}

	// A fresh process reuses the persisted cookies without posting the
	// form again.
	second := newTestSession(t, srv, jarPath)
	if err := second.EnsureLoggedIn(context.Background()); err != nil {
		t.Fatalf("EnsureLoggedIn() with persisted jar: %v", err)
	}
	if got := site.posts(); got != 1 {
		t.Errorf("form posted %d times across restarts, want 1", got)
	}
}

func TestHeuristicStrategy_DiscoverForm(t *testing.T) {
	h := NewHeuristicStrategy()
	base, _ := url.Parse("https://example.com/login")

	form, err := h.DiscoverForm(context.Background(), loginPage, base)
	if err != nil {
		t.Fatalf("DiscoverForm() error: %v", err)
	}
	if form.UsernameField != "brukernavn" {
		t.Errorf("UsernameField = %q, want brukernavn", form.UsernameField)
	}
	if form.PasswordField != "passord" {
		t.Errorf("PasswordField = %q, want passord", form.PasswordField)
	}
	if form.Action != "/auth" {
		t.Errorf("Action = %q, want /auth", form.Action)
	}
	if got := form.Hidden.Get("csrf"); got != "tok-123" {
		t.Errorf("hidden csrf = %q, want tok-123", got)
	}
}

func TestHeuristicStrategy_NoForm(t *testing.T) {
	h := NewHeuristicStrategy()
	base, _ := url.Parse("https://example.com/")

	if _, err := h.DiscoverForm(context.Background(), "<html><body>nothing here</body></html>", base); err == nil {
		t.Error("expected an error for a page without a login form")
	}
}

type fakeInvoker struct {
	response string
	err      error
}

func (f *fakeInvoker) InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body := fmt.Sprintf(`{"content":[{"text":%q}]}`, f.response)
	return &bedrockruntime.InvokeModelOutput{Body: []byte(body)}, nil
}

func TestLLMStrategy_ResolvesSelectors(t *testing.T) {
	invoker := &fakeInvoker{
		response: `{"username_selector":"input[name=brukernavn]","password_selector":"input[name=passord]","submit_selector":"input[type=submit]"}`,
	}
	l := NewLLMStrategy(invoker, "test-model")
	base, _ := url.Parse("https://example.com/login")

	form, err := l.DiscoverForm(context.Background(), loginPage, base)
	if err != nil {
		t.Fatalf("DiscoverForm() error: %v", err)
	}
	if form.UsernameField != "brukernavn" || form.PasswordField != "passord" {
		t.Errorf("resolved fields = %q/%q", form.UsernameField, form.PasswordField)
	}
	if got := form.Hidden.Get("csrf"); got != "tok-123" {
		t.Errorf("hidden csrf = %q, want tok-123", got)
	}
}

func TestLLMStrategy_RejectsHallucinatedSelector(t *testing.T) {
	invoker := &fakeInvoker{
		response: `{"username_selector":"#does-not-exist","password_selector":"input[name=passord]"}`,
	}
	l := NewLLMStrategy(invoker, "test-model")
	base, _ := url.Parse("https://example.com/login")

	if _, err := l.DiscoverForm(context.Background(), loginPage, base); err == nil {
		t.Error("expected an error for a selector that matches nothing")
	}
}
