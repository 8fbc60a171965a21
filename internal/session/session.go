// Package session maintains an authenticated HTTP session against a
// booking site: cookie jar persisted to disk, idempotent login, and
// fetches that recover from session expiry by logging in again.
package session

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// ErrAuth is returned when login fails or a fetch keeps landing on the
// login page after re-authentication.
var ErrAuth = errors.New("authentication failed")

// DefaultFetchTimeout bounds a single page fetch.
const DefaultFetchTimeout = 15 * time.Second

// Credentials holds the booking-site login pair.
type Credentials struct {
	Username string
	Password string
}

// Session is an authenticated HTTP client for one booking origin. It is
// the only writer of the cookie jar file. Safe for concurrent Fetch
// calls: login state is guarded by a mutex, and when several fetches
// hit an expired session only one of them re-submits the form.
type Session struct {
	httpClient *http.Client
	jar        *cookiejar.Jar
	jarPath    string
	loginURL   string
	creds      Credentials
	strategies []LoginStrategy
	logger     *slog.Logger

	mu       sync.Mutex
	loggedIn bool
	loginGen uint64 // bumped on every successful login
}

// Options configures a Session.
type Options struct {
	LoginURL   string
	Creds      Credentials
	JarPath    string // empty disables cookie persistence
	Strategies []LoginStrategy
	Logger     *slog.Logger
}

// New builds a session. Persisted cookies from a previous run are loaded
// so EnsureLoggedIn can often skip the form entirely.
func New(opts Options) (*Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	// SECURITY: TLS 1.2+ only.
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			MaxVersion: tls.VersionTLS13,
		},
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	s := &Session{
		httpClient: &http.Client{
			Transport: transport,
			Jar:       jar,
			Timeout:   DefaultFetchTimeout,
		},
		jar:        jar,
		jarPath:    opts.JarPath,
		loginURL:   opts.LoginURL,
		creds:      opts.Creds,
		strategies: opts.Strategies,
		logger:     opts.Logger,
	}

	if len(s.strategies) == 0 {
		s.strategies = []LoginStrategy{NewHeuristicStrategy()}
	}

	if s.jarPath != "" {
		if err := s.loadCookies(); err != nil {
			s.logger.Warn("failed to load cookie jar, starting fresh",
				slog.String("path", s.jarPath),
				slog.String("error", err.Error()),
			)
		}
	}

	return s, nil
}

// EnsureLoggedIn makes sure the session is authenticated. It is
// idempotent: if persisted cookies still work, no form is submitted.
// Concurrent callers serialize; whoever enters first logs in and the
// rest see the refreshed state.
func (s *Session) EnsureLoggedIn(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureLoggedInLocked(ctx)
}

func (s *Session) ensureLoggedInLocked(ctx context.Context) error {
	if s.loggedIn {
		return nil
	}
	if s.creds.Username == "" || s.creds.Password == "" {
		return fmt.Errorf("%w: no credentials configured", ErrAuth)
	}

	pageURL, html, err := s.get(ctx, s.loginURL)
	if err != nil {
		return fmt.Errorf("failed to load login page: %w", err)
	}

	// Persisted cookies may have carried us straight past the form.
	if loginSucceeded(pageURL, html) {
		s.logger.Debug("session already authenticated")
		s.loggedIn = true
		s.loginGen++
		return nil
	}

	var lastErr error
	for _, strategy := range s.strategies {
		form, err := strategy.DiscoverForm(ctx, html, pageURL)
		if err != nil {
			s.logger.Warn("login strategy failed to discover form",
				slog.String("strategy", strategy.Name()),
				slog.String("error", err.Error()),
			)
			lastErr = err
			continue
		}

		if err := s.submitLogin(ctx, pageURL, form); err != nil {
			s.logger.Warn("login attempt failed",
				slog.String("strategy", strategy.Name()),
				slog.String("error", err.Error()),
			)
			lastErr = err
			continue
		}

		s.logger.Info("login succeeded",
			slog.String("strategy", strategy.Name()),
		)
		s.loggedIn = true
		s.loginGen++
		if s.jarPath != "" {
			if err := s.saveCookies(); err != nil {
				s.logger.Warn("failed to persist cookie jar",
					slog.String("error", err.Error()),
				)
			}
		}
		return nil
	}

	if lastErr == nil {
		lastErr = errors.New("no login strategy available")
	}
	return fmt.Errorf("%w: %v", ErrAuth, lastErr)
}

// submitLogin posts the discovered form and verifies the landing page.
func (s *Session) submitLogin(ctx context.Context, pageURL *url.URL, form *LoginForm) error {
	values := url.Values{}
	for k, vs := range form.Hidden {
		for _, v := range vs {
			values.Add(k, v)
		}
	}
	values.Set(form.UsernameField, s.creds.Username)
	values.Set(form.PasswordField, s.creds.Password)
	if form.SubmitName != "" {
		values.Set(form.SubmitName, form.SubmitValue)
	}

	action := form.Action
	if action == "" {
		action = pageURL.String()
	} else if ref, err := url.Parse(action); err == nil {
		action = pageURL.ResolveReference(ref).String()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, action, strings.NewReader(values.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)

	// SECURITY: never log the form values, they contain the password.
	s.logger.Debug("submitting login form",
		slog.String("action", action),
		slog.String("username_field", form.UsernameField),
	)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("login POST failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read login response: %w", err)
	}

	finalURL := resp.Request.URL
	if !loginSucceeded(finalURL, string(body)) {
		return fmt.Errorf("landed on %s without a success marker", finalURL.Path)
	}
	return nil
}

// Fetch retrieves one page, retrying transport errors up to 3 times
// with exponential backoff. If the response looks like a login page the
// session re-authenticates once and retries the fetch.
func (s *Session) Fetch(ctx context.Context, pageURL string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	maxRetries := 3
	var lastErr error
	relogged := false

	s.mu.Lock()
	gen := s.loginGen
	s.mu.Unlock()

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			s.logger.Info("retrying fetch",
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		finalURL, html, err := s.get(ctx, pageURL)
		if err != nil {
			lastErr = err
			continue
		}

		if looksLikeLoginPage(finalURL, html) {
			if relogged {
				return "", fmt.Errorf("%w: still on login page after re-login", ErrAuth)
			}
			s.logger.Warn("session expired, logging in again",
				slog.String("url", pageURL),
			)
			// Single-flight: only invalidate if no other goroutine has
			// logged in since this fetch started; otherwise just pick up
			// the fresh session.
			s.mu.Lock()
			if gen == s.loginGen {
				s.loggedIn = false
			}
			err := s.ensureLoggedInLocked(ctx)
			gen = s.loginGen
			s.mu.Unlock()
			if err != nil {
				return "", err
			}
			relogged = true
			attempt-- // the re-login does not consume a retry
			continue
		}

		return html, nil
	}

	return "", fmt.Errorf("fetch failed after %d attempts: %w", maxRetries, lastErr)
}

// Close persists cookies one last time.
func (s *Session) Close() {
	if s.jarPath != "" {
		if err := s.saveCookies(); err != nil {
			s.logger.Warn("failed to persist cookie jar on close",
				slog.String("error", err.Error()),
			)
		}
	}
}

const userAgent = "teewatch/1.0"

func (s *Session) get(ctx context.Context, pageURL string) (*url.URL, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Error("fetch failed",
			slog.String("url", pageURL),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()),
		)
		return nil, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read response body: %w", err)
	}

	s.logger.Debug("fetch completed",
		slog.String("url", pageURL),
		slog.Int("status_code", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
		slog.Int("response_size", len(body)),
	)

	if resp.StatusCode >= 400 {
		return nil, "", fmt.Errorf("HTTP error %d fetching %s", resp.StatusCode, pageURL)
	}

	return resp.Request.URL, string(body), nil
}

var successMarkers = []string{"logout", "logg ut", "min side", "dashboard", "velkommen"}

// loginSucceeded checks the landing page: the URL must not look like a
// login page and the body must carry one of the known signed-in markers.
func loginSucceeded(pageURL *url.URL, html string) bool {
	if urlHasLoginIndicator(pageURL) {
		return false
	}
	lower := strings.ToLower(html)
	for _, marker := range successMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// looksLikeLoginPage detects session expiry on an arbitrary fetch: the
// final URL mentions login, or the page carries a password input.
func looksLikeLoginPage(pageURL *url.URL, html string) bool {
	if urlHasLoginIndicator(pageURL) {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return false
	}
	return doc.Find(`input[type="password"]`).Length() > 0
}

func urlHasLoginIndicator(pageURL *url.URL) bool {
	if pageURL == nil {
		return false
	}
	lower := strings.ToLower(pageURL.Path + "?" + pageURL.RawQuery)
	return strings.Contains(lower, "login") || strings.Contains(lower, "logon") || strings.Contains(lower, "signin")
}

// persistedCookie is the on-disk cookie shape. Session cookies carry no
// expiry over the wire, so name/value/domain/path is all we keep.
type persistedCookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
	Path   string `json:"path,omitempty"`
}

type cookieFile struct {
	Origin  string            `json:"origin"`
	SavedAt time.Time         `json:"saved_at"`
	Cookies []persistedCookie `json:"cookies"`
}

func (s *Session) saveCookies() error {
	origin, err := url.Parse(s.loginURL)
	if err != nil {
		return fmt.Errorf("invalid login URL: %w", err)
	}
	origin.Path = "/"
	origin.RawQuery = ""

	cf := cookieFile{
		Origin:  origin.String(),
		SavedAt: time.Now(),
	}
	for _, c := range s.jar.Cookies(origin) {
		cf.Cookies = append(cf.Cookies, persistedCookie{
			Name:  c.Name,
			Value: c.Value,
		})
	}

	data, err := json.MarshalIndent(&cf, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cookies: %w", err)
	}

	dir := filepath.Dir(s.jarPath)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.jarPath)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write cookie jar: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close cookie jar: %w", err)
	}
	if err := os.Rename(tmpName, s.jarPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace cookie jar: %w", err)
	}
	return nil
}

func (s *Session) loadCookies() error {
	data, err := os.ReadFile(s.jarPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var cf cookieFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("failed to parse cookie jar: %w", err)
	}
	origin, err := url.Parse(cf.Origin)
	if err != nil {
		return fmt.Errorf("invalid cookie origin: %w", err)
	}

	cookies := make([]*http.Cookie, 0, len(cf.Cookies))
	for _, pc := range cf.Cookies {
		cookies = append(cookies, &http.Cookie{Name: pc.Name, Value: pc.Value})
	}
	s.jar.SetCookies(origin, cookies)

	s.logger.Debug("cookie jar loaded",
		slog.String("path", s.jarPath),
		slog.Int("cookies", len(cookies)),
	)
	return nil
}
