// Package portal implements the client half of the BWT MonService
// vendor portal: one authenticated forms-login session shared across
// polling cycles, the two request shapes the portal requires, and the
// parser that merges both payloads into a typed Snapshot.
//
// The portal has no public API and no stability guarantees. Live
// metrics come from an AJAX endpoint; configuration values only exist
// in rendered HTML. Sessions expire silently, so every request path
// funnels through Session.Do, which detects expiry and recovers with
// exactly one re-login.
package portal

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nugget/softwatch/internal/events"
	"github.com/nugget/softwatch/internal/httpkit"
)

const (
	loginPath = "/login"

	// maxBodyBytes bounds how much of any portal response we read.
	// Dashboard pages run ~200KB; 4MB leaves ample headroom.
	maxBodyBytes = 4 << 20
)

// Session owns the single authenticated portal session. Credentials
// are fixed at construction and the cookie jar is never exposed; the
// only way session state changes is through Login, Invalidate, or the
// expiry detection inside Do.
type Session struct {
	baseURL  string
	email    string
	password string
	client   *http.Client
	logger   *slog.Logger

	mu            sync.Mutex
	authenticated bool
	bus           *events.Bus
}

// NewSession creates a portal session for the given account.
// The baseURL carries scheme and host with no trailing slash
// (e.g. "https://www.bwt-monservice.com").
func NewSession(baseURL, email, password string, timeout time.Duration, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	jar, _ := cookiejar.New(nil)
	return &Session{
		baseURL:  strings.TrimRight(baseURL, "/"),
		email:    email,
		password: password,
		client: httpkit.NewClient(
			httpkit.WithTimeout(timeout),
			httpkit.WithCookieJar(jar),
		),
		logger: logger,
	}
}

// BaseURL returns the portal base URL the session was built with.
func (s *Session) BaseURL() string { return s.baseURL }

// SetEventBus attaches an event bus so logins surface as operational
// events. Call before the session is shared across goroutines.
func (s *Session) SetEventBus(bus *events.Bus) { s.bus = bus }

// Login authenticates against the portal's forms endpoint and marks
// the session live. Safe to call repeatedly; each call performs a
// fresh login round-trip.
func (s *Session) Login(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loginLocked(ctx)
}

func (s *Session) loginLocked(ctx context.Context) error {
	s.authenticated = false

	// Prime the jar with whatever cookies the login page sets.
	// Failure here is tolerated; the POST below is authoritative.
	if req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+loginPath, nil); err == nil {
		if resp, err := s.client.Do(req); err == nil {
			httpkit.DrainAndClose(resp.Body, maxBodyBytes)
		} else {
			s.logger.Debug("login page prime failed", "error", err)
		}
	}

	form := url.Values{
		"_username": {s.email},
		"_password": {s.password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+loginPath, strings.NewReader(form.Encode()))
	if err != nil {
		return &TransportError{Op: "build login request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return &TransportError{Op: "login", Err: err}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	httpkit.DrainAndClose(resp.Body, 1024)
	if err != nil {
		return &TransportError{Op: "read login response", Err: err}
	}

	finalURL := resp.Request.URL
	s.logger.Debug("login response",
		"status", resp.StatusCode,
		"final_url", finalURL.String(),
		"body_bytes", len(body))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Reason: fmt.Sprintf("login rejected with status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return &TransportError{Op: "login", Status: resp.StatusCode}
	}

	// A redirect landing on the dashboard is the portal's success signal.
	if strings.Contains(finalURL.Path, "dashboard") {
		s.authenticated = true
		s.logger.Info("portal login successful", "account", s.email)
		s.publishLogin()
		return nil
	}

	lower := strings.ToLower(string(body))
	if strings.Contains(lower, "identifiants invalides") || strings.Contains(lower, "invalid credentials") {
		return &AuthError{Reason: "invalid credentials"}
	}
	if hasLoginForm(body) {
		return &AuthError{Reason: "login form returned, credentials not accepted"}
	}

	// Logged in but not redirected. The portal does this occasionally;
	// treat it as success and let the next data fetch arbitrate.
	s.logger.Warn("login completed without dashboard redirect, assuming success",
		"final_url", finalURL.String())
	s.authenticated = true
	s.publishLogin()
	return nil
}

func (s *Session) publishLogin() {
	s.bus.Publish(events.Event{
		Timestamp: time.Now().UTC(),
		Source:    events.SourcePortal,
		Kind:      events.KindSessionLogin,
		Data:      map[string]any{"account": s.email},
	})
}

// EnsureAuthenticated logs in only when the session is missing or has
// been marked stale. When already authenticated it performs zero
// round-trips.
func (s *Session) EnsureAuthenticated(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authenticated {
		return nil
	}
	s.logger.Debug("session not authenticated, logging in")
	return s.loginLocked(ctx)
}

// Invalidate marks the session stale so the next request triggers a
// fresh login.
func (s *Session) Invalidate() {
	s.mu.Lock()
	s.authenticated = false
	s.mu.Unlock()
}

// RequestBuilder produces a fresh request for each attempt. Do may
// call it twice (original attempt plus the post-re-login retry), so
// the builder must not reuse a consumed body.
type RequestBuilder func(ctx context.Context) (*http.Request, error)

// Do issues a request through the live session, transparently
// recovering from silent session expiry: on an expiry signal it marks
// the session stale, re-logs-in exactly once, and retries the request
// once. A second expiry is surfaced as an AuthError. The returned
// content type is the response's Content-Type header, so callers can
// reject payloads the portal served in the wrong shape.
func (s *Session) Do(ctx context.Context, build RequestBuilder) (body []byte, contentType string, err error) {
	if err := s.EnsureAuthenticated(ctx); err != nil {
		return nil, "", err
	}

	body, contentType, expired, err := s.attempt(ctx, build)
	if err != nil {
		return nil, "", err
	}
	if !expired {
		return body, contentType, nil
	}

	s.logger.Warn("portal session expired, re-authenticating")
	s.Invalidate()
	if err := s.EnsureAuthenticated(ctx); err != nil {
		return nil, "", err
	}

	body, contentType, expired, err = s.attempt(ctx, build)
	if err != nil {
		return nil, "", err
	}
	if expired {
		s.Invalidate()
		return nil, "", &AuthError{Reason: "session expired again immediately after re-login"}
	}
	return body, contentType, nil
}

// attempt runs one request and classifies the outcome. expired=true
// means the response carried the portal's session-expiry signal and
// the caller may retry after re-login.
func (s *Session) attempt(ctx context.Context, build RequestBuilder) (body []byte, contentType string, expired bool, err error) {
	req, err := build(ctx)
	if err != nil {
		return nil, "", false, &TransportError{Op: "build request", Err: err}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", false, &TransportError{Op: req.Method + " " + req.URL.Path, Err: err}
	}
	body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	httpkit.DrainAndClose(resp.Body, 1024)
	if err != nil {
		return nil, "", false, &TransportError{Op: "read " + req.URL.Path, Err: err}
	}

	if sessionExpired(resp.StatusCode, resp.Request.URL, body) {
		return nil, "", true, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", false, &TransportError{Op: req.Method + " " + req.URL.Path, Status: resp.StatusCode}
	}
	return body, resp.Header.Get("Content-Type"), false, nil
}

// sessionExpired is the single decision point for "the portal dropped
// our session". The portal's signal is undocumented and has shifted
// before, so all three observed shapes live here: an auth status, a
// redirect landing back on the login page, or a 200 that serves the
// login form where data should be.
func sessionExpired(status int, finalURL *url.URL, body []byte) bool {
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return true
	}
	if finalURL != nil && strings.Contains(finalURL.Path, loginPath) {
		return true
	}
	if status == http.StatusOK && hasLoginForm(body) {
		return true
	}
	return false
}

// hasLoginForm reports whether the body contains the portal's login
// form field names.
func hasLoginForm(body []byte) bool {
	return bytes.Contains(body, []byte(`name="_username"`)) ||
		bytes.Contains(body, []byte(`name="_password"`))
}
