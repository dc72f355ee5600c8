package session

import (
	"errors"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session is the short-lived phone identity carried by the client as a
// signed token. Valid iff now - RefreshedAt < TTL.
type Session struct {
	Phone       string
	DisplayName string
	RefreshedAt time.Time
}

var (
	ErrNoToken = errors.New("no session token")
	ErrExpired = errors.New("session expired")
	ErrInvalid = errors.New("invalid session token")
)

// Manager issues, parses and refreshes identity sessions. The token itself
// is the only session state; there is no server-side session store.
type Manager struct {
	Secret         string
	TTL            time.Duration
	VerifyPath     string
	PublicPrefixes []string
	Now            func() time.Time
	Logger         *log.Logger
}

func NewManager(secret string, ttl time.Duration, verifyPath string, publicPrefixes []string) *Manager {
	return &Manager{
		Secret:         secret,
		TTL:            ttl,
		VerifyPath:     verifyPath,
		PublicPrefixes: publicPrefixes,
		Now:            time.Now,
	}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Manager) logger() *log.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return log.Default()
}

type sessionClaims struct {
	jwt.RegisteredClaims
	DisplayName string `json:"name,omitempty"`
}

// Issue mints a token for the phone, valid for exactly TTL from now.
func (m *Manager) Issue(phone, displayName string) (string, error) {
	if strings.TrimSpace(m.Secret) == "" {
		return "", errors.New("session secret not configured")
	}
	now := m.now()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   phone,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.TTL)),
		},
		DisplayName: displayName,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(m.Secret))
}

// Parse validates the token and returns the session. Expiry is checked
// against Manager.Now so tests can pin the clock.
func (m *Manager) Parse(token string) (Session, error) {
	if token == "" {
		return Session{}, ErrNoToken
	}
	claims, err := m.parseClaims(token)
	if err != nil {
		return Session{}, ErrInvalid
	}
	s := sessionFromClaims(claims)
	if m.now().Sub(s.RefreshedAt) >= m.TTL {
		return s, ErrExpired
	}
	return s, nil
}

// Refresh re-issues the token with a bumped refresh instant. The new token
// is valid for exactly TTL from now, never longer.
func (m *Manager) Refresh(token string) (string, error) {
	s, err := m.Parse(token)
	if err != nil {
		return "", err
	}
	return m.Issue(s.Phone, s.DisplayName)
}

// PhoneFromToken extracts the phone from a token whose signature checks
// out, even when the session has expired. Used for identity carry-over.
func (m *Manager) PhoneFromToken(token string) string {
	if token == "" {
		return ""
	}
	claims, err := m.parseClaims(token)
	if err != nil {
		return ""
	}
	return claims.Subject
}

func (m *Manager) parseClaims(token string) (*sessionClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	claims := &sessionClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(m.Secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("subject claim required")
	}
	return claims, nil
}

func sessionFromClaims(claims *sessionClaims) Session {
	s := Session{Phone: claims.Subject, DisplayName: claims.DisplayName}
	if claims.IssuedAt != nil {
		s.RefreshedAt = claims.IssuedAt.Time
	}
	return s
}

// Decision is the guard outcome. Failures are never errors; an absent or
// expired session resolves to a redirect decision.
type Decision struct {
	Allow bool
	// Session and RefreshedToken are set when Allow is true.
	Session        Session
	RefreshedToken string
	// RedirectTarget is the verify route carrying the original URI and the
	// best-known phone, set when Allow is false.
	RedirectTarget string
}

// Guard decides whether a request for target may proceed. Public path
// prefixes always pass. For protected paths an absent or expired session
// redirects to the verify route with `redirect` (the full original URI,
// query included) and, when known, `phone` preserved as query parameters.
func (m *Manager) Guard(target *url.URL, token, fallbackPhone string) Decision {
	for _, prefix := range m.PublicPrefixes {
		if pathHasPrefix(target.Path, prefix) {
			return Decision{Allow: true}
		}
	}
	s, err := m.Parse(token)
	if err == nil {
		refreshed, issueErr := m.Issue(s.Phone, s.DisplayName)
		if issueErr != nil {
			// Token was parseable with this secret, so re-issue cannot
			// fail in practice; fall back to the presented token.
			refreshed = token
		}
		return Decision{Allow: true, Session: s, RefreshedToken: refreshed}
	}
	phone := m.PhoneFromToken(token)
	if phone == "" {
		phone = fallbackPhone
	}
	return Decision{RedirectTarget: m.redirectTarget(target, phone)}
}

// pathHasPrefix matches on segment boundaries: "/verify" covers "/verify"
// and "/verify/request" but not "/verifyanything".
func pathHasPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) ||
		strings.HasSuffix(prefix, "/") ||
		path[len(prefix)] == '/'
}

func (m *Manager) redirectTarget(target *url.URL, phone string) string {
	q := url.Values{}
	q.Set("redirect", target.RequestURI())
	if phone != "" {
		q.Set("phone", phone)
	}
	return m.VerifyPath + "?" + q.Encode()
}

// VerifiedRedirect builds the post-verification destination: the carried
// redirect URI with the phone appended, other query parameters intact.
func VerifiedRedirect(redirect, phone string) string {
	if redirect == "" {
		return "/"
	}
	u, err := url.Parse(redirect)
	if err != nil || u.IsAbs() || u.Host != "" || !strings.HasPrefix(u.Path, "/") {
		// Off-site redirects, including scheme-relative ones, are dropped
		// rather than followed.
		return "/"
	}
	q := u.Query()
	if phone != "" {
		q.Set("phone", phone)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
