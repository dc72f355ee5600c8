package session

import (
	"errors"
	"net/url"
	"testing"
	"time"
)

func testManager(now time.Time) (*Manager, *time.Time) {
	clock := now
	m := NewManager("test-secret", 10*time.Minute, "/verify", []string{"/verify", "/health", "/about", "/static"})
	m.Now = func() time.Time { return clock }
	return m, &clock
}

func TestSessionExpiresExactlyAtTTL(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	m, clock := testManager(start)
	token, err := m.Issue("+254700000001", "Jane")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	*clock = start.Add(10*time.Minute - time.Second)
	if _, err := m.Parse(token); err != nil {
		t.Fatalf("one second before TTL should be valid: %v", err)
	}

	*clock = start.Add(10 * time.Minute)
	if _, err := m.Parse(token); !errors.Is(err, ErrExpired) {
		t.Fatalf("at TTL want ErrExpired, got %v", err)
	}
}

func TestRefreshExtendsFromNow(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	m, clock := testManager(start)
	token, _ := m.Issue("+254700000001", "")

	*clock = start.Add(9 * time.Minute)
	refreshed, err := m.Refresh(token)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	// the refreshed token lives TTL from the refresh instant, not from issue
	*clock = start.Add(18 * time.Minute)
	if _, err := m.Parse(refreshed); err != nil {
		t.Fatalf("refreshed token should still be valid: %v", err)
	}
	if _, err := m.Parse(token); !errors.Is(err, ErrExpired) {
		t.Fatalf("original token should have expired, got %v", err)
	}

	*clock = start.Add(19 * time.Minute)
	if _, err := m.Parse(refreshed); !errors.Is(err, ErrExpired) {
		t.Fatalf("refreshed token past its own TTL, got %v", err)
	}
}

func TestTamperedTokenRejected(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	m, _ := testManager(start)
	other := NewManager("other-secret", 10*time.Minute, "/verify", nil)
	other.Now = m.Now
	token, _ := other.Issue("+254700000001", "")
	if _, err := m.Parse(token); !errors.Is(err, ErrInvalid) {
		t.Fatalf("foreign signature want ErrInvalid, got %v", err)
	}
	if m.PhoneFromToken(token) != "" {
		t.Fatalf("phone must not be extracted from a bad signature")
	}
}

func TestGuardAllowsPublicPrefixes(t *testing.T) {
	m, _ := testManager(time.Now())
	for _, p := range []string{"/verify/request", "/health", "/about", "/static/app.css"} {
		u, _ := url.Parse(p)
		if d := m.Guard(u, "", ""); !d.Allow {
			t.Fatalf("%s should pass without a session", p)
		}
	}
}

func TestGuardPublicPrefixMatchesSegments(t *testing.T) {
	m, _ := testManager(time.Now())
	// prefixes only cover whole path segments
	for _, p := range []string{"/verifyanything", "/healthz", "/statics/app.css"} {
		u, _ := url.Parse(p)
		if d := m.Guard(u, "", ""); d.Allow {
			t.Fatalf("%s must not ride the public prefix", p)
		}
	}
	for _, p := range []string{"/verify", "/verify/confirm", "/static/app.css"} {
		u, _ := url.Parse(p)
		if d := m.Guard(u, "", ""); !d.Allow {
			t.Fatalf("%s should be public", p)
		}
	}
}

func TestGuardRedirectsWithCarriedURIAndPhone(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	m, clock := testManager(start)
	token, _ := m.Issue("+254700000001", "")
	*clock = start.Add(11 * time.Minute) // expired

	target, _ := url.Parse("/filing/runs?flow=rental&foo=bar")
	d := m.Guard(target, token, "")
	if d.Allow {
		t.Fatalf("expired session must not pass")
	}
	redirect, err := url.Parse(d.RedirectTarget)
	if err != nil {
		t.Fatalf("redirect target: %v", err)
	}
	if redirect.Path != "/verify" {
		t.Fatalf("redirect path = %q", redirect.Path)
	}
	q := redirect.Query()
	if q.Get("phone") != "+254700000001" {
		t.Fatalf("phone should carry over from the expired token, got %q", q.Get("phone"))
	}
	if q.Get("redirect") != "/filing/runs?flow=rental&foo=bar" {
		t.Fatalf("redirect = %q, original URI with query must survive", q.Get("redirect"))
	}

	// round-trip: after verification the user lands back with phone added
	// and the foreign query params intact
	dest := VerifiedRedirect(q.Get("redirect"), q.Get("phone"))
	du, _ := url.Parse(dest)
	if du.Path != "/filing/runs" {
		t.Fatalf("dest path = %q", du.Path)
	}
	dq := du.Query()
	if dq.Get("flow") != "rental" || dq.Get("foo") != "bar" || dq.Get("phone") != "+254700000001" {
		t.Fatalf("dest query = %v", dq)
	}
}

func TestGuardRefreshesValidSession(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	m, clock := testManager(start)
	token, _ := m.Issue("+254700000001", "Jane")
	*clock = start.Add(5 * time.Minute)

	target, _ := url.Parse("/filing/runs")
	d := m.Guard(target, token, "")
	if !d.Allow {
		t.Fatalf("valid session must pass")
	}
	if d.Session.Phone != "+254700000001" {
		t.Fatalf("session phone = %q", d.Session.Phone)
	}
	// the refreshed token survives past the original expiry
	*clock = start.Add(14 * time.Minute)
	if _, err := m.Parse(d.RefreshedToken); err != nil {
		t.Fatalf("refreshed token should be valid: %v", err)
	}
}

func TestVerifiedRedirectRejectsOffSite(t *testing.T) {
	for _, bad := range []string{"https://evil.example/x", "//evil.example/x", "javascript:alert(1)"} {
		if got := VerifiedRedirect(bad, "+254700000001"); got != "/" {
			t.Fatalf("VerifiedRedirect(%q) = %q, want /", bad, got)
		}
	}
	if got := VerifiedRedirect("", "+254700000001"); got != "/" {
		t.Fatalf("empty redirect should land at /, got %q", got)
	}
}

func TestVerificationCodeWindows(t *testing.T) {
	m, _ := testManager(time.Now())
	at := time.Date(2026, 3, 2, 9, 3, 0, 0, time.UTC)
	code := m.VerificationCode("+254700000001", at)
	if len(code) != 6 {
		t.Fatalf("code %q should be six digits", code)
	}
	if !m.CheckVerificationCode("+254700000001", code, at) {
		t.Fatalf("code should verify in its own window")
	}
	if !m.CheckVerificationCode("+254700000001", code, at.Add(4*time.Minute)) {
		t.Fatalf("code should verify in the following window")
	}
	if m.CheckVerificationCode("+254700000001", code, at.Add(15*time.Minute)) {
		t.Fatalf("stale code should be rejected")
	}
	if m.CheckVerificationCode("+254700000002", code, at) {
		t.Fatalf("code is bound to its phone")
	}
}

func TestMonitorStopsBothTimers(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	m, _ := testManager(start)
	token, _ := m.Issue("+254700000001", "")
	mon := NewMonitor(m, token, 5*time.Millisecond, 5*time.Millisecond, nil, nil)
	mon.Start()
	time.Sleep(30 * time.Millisecond)
	mon.Stop()
	// Stop is idempotent and safe after teardown
	mon.Stop()
}

func TestMonitorExpiryFiresOnce(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	m, clock := testManager(start)
	token, _ := m.Issue("+254700000001", "")
	expired := make(chan struct{}, 4)
	mon := NewMonitor(m, token, time.Hour, 5*time.Millisecond, nil, func() { expired <- struct{}{} })
	mon.Start()

	*clock = start.Add(11 * time.Minute)
	select {
	case <-expired:
	case <-time.After(time.Second):
		t.Fatalf("expiry callback never fired")
	}
	// the monitor shut itself down; no second callback arrives
	time.Sleep(30 * time.Millisecond)
	select {
	case <-expired:
		t.Fatalf("expiry fired more than once")
	default:
	}
	mon.Stop()
}

func TestMonitorVisibilityRegainChecksImmediately(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	m, clock := testManager(start)
	token, _ := m.Issue("+254700000001", "")
	expired := make(chan struct{}, 1)
	// timers far in the future: only the visibility transition can notice
	mon := NewMonitor(m, token, time.Hour, time.Hour, nil, func() { expired <- struct{}{} })
	mon.Start()
	defer mon.Stop()

	mon.SetVisible(false)
	*clock = start.Add(11 * time.Minute) // session lapses while backgrounded
	mon.SetVisible(true)

	select {
	case <-expired:
	case <-time.After(time.Second):
		t.Fatalf("regaining visibility should re-check the session synchronously")
	}
}

func TestMonitorRefreshOnlyWhileVisible(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	m, _ := testManager(start)
	token, _ := m.Issue("+254700000001", "")
	refreshed := make(chan string, 16)
	mon := NewMonitor(m, token, 5*time.Millisecond, time.Hour, func(t string) { refreshed <- t }, nil)
	mon.SetVisible(false)
	mon.Start()
	defer mon.Stop()

	time.Sleep(30 * time.Millisecond)
	select {
	case <-refreshed:
		t.Fatalf("hidden page must not refresh the session")
	default:
	}

	mon.SetVisible(true)
	select {
	case tok := <-refreshed:
		if tok == "" {
			t.Fatalf("empty refreshed token")
		}
	case <-time.After(time.Second):
		t.Fatalf("visible page should refresh on the timer")
	}
}
