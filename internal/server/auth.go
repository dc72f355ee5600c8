package server

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"taxbridge/internal/session"
)

// sessionCookie carries the identity token between requests. Clients that
// prefer headers can send Authorization: Bearer instead; responses always
// echo the refreshed token in both places. knownPhoneCookie is the
// long-lived record of this client's last verified phone; it survives
// session expiry and logout so re-verification can pre-fill the number,
// and it is scoped to the presenting client only.
const (
	sessionCookie      = "taxbridge_session"
	sessionTokenHeader = "X-Session-Token"
	knownPhoneCookie   = "taxbridge_known_phone"

	knownPhoneMaxAge = int(365 * 24 * time.Hour / time.Second)
)

type sessionKey struct{}

func withSession(ctx context.Context, s session.Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

func sessionFromContext(ctx context.Context) (session.Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(session.Session)
	return s, ok && s.Phone != ""
}

func requestToken(r *http.Request) string {
	if authz := strings.TrimSpace(r.Header.Get("Authorization")); authz != "" {
		parts := strings.Fields(authz)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
	}
	if c, err := r.Cookie(sessionCookie); err == nil {
		return c.Value
	}
	return ""
}

func setSessionToken(w http.ResponseWriter, token string) {
	w.Header().Set(sessionTokenHeader, token)
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSessionToken(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func knownPhone(r *http.Request) string {
	if c, err := r.Cookie(knownPhoneCookie); err == nil {
		if phone, err := url.QueryUnescape(c.Value); err == nil {
			return phone
		}
	}
	return ""
}

func setKnownPhone(w http.ResponseWriter, phone string) {
	http.SetCookie(w, knownPhoneCookieFor(phone))
}

func knownPhoneCookieFor(phone string) *http.Cookie {
	return &http.Cookie{
		Name:     knownPhoneCookie,
		Value:    url.QueryEscape(phone),
		Path:     "/",
		MaxAge:   knownPhoneMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

// newGuardMiddleware redirects unauthenticated requests for protected
// paths to the verify route, carrying the original URI and, when the
// client itself has presented one before, its phone number. The carried
// phone only ever comes from this client's own token or its known-phone
// cookie; a visitor with no identity gets no phone pre-fill. Valid
// sessions pass with a refreshed token; the guard never errors, it only
// allows or redirects.
func newGuardMiddleware(mgr *session.Manager, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			token := requestToken(req)
			decision := mgr.Guard(req.URL, token, knownPhone(req))
			if !decision.Allow {
				if logger != nil {
					logger.Printf("guard: redirecting %s to verification", req.URL.Path)
				}
				// The expired session is gone; only the known-phone cookie
				// survives for pre-fill.
				clearSessionToken(w)
				http.Redirect(w, req, decision.RedirectTarget, http.StatusFound)
				return
			}
			ctx := req.Context()
			if decision.Session.Phone != "" {
				setSessionToken(w, decision.RefreshedToken)
				setKnownPhone(w, decision.Session.Phone)
				ctx = withSession(ctx, decision.Session)
			}
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}
