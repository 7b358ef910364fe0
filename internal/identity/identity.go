// Package identity resolves who is calling: an anonymous per-device user
// carried in a cookie, and the browser tab that user is working from.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/catalaist/internal/domain"
)

const (
	AnonCookieName = "catalaist_anon_id"
	TabHeaderName  = "X-Catalaist-Tab-ID"
	TabQueryParam  = "tab_id"
	DefaultTabID   = "default"

	anonPrefix         = "anon_"
	anonCookieMaxAge   = 30 * 24 * time.Hour
	lastSeenResolution = time.Minute
)

type ctxKey struct{ name string }

var (
	userKey = ctxKey{"user"}
	tabKey  = ctxKey{"tab"}
)

var (
	anonIDPattern = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	tabIDPattern  = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// UserIDFromContext returns the caller's user ID, or "" for an anonymous
// request that never passed through Middleware.
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userKey).(string)
	return id
}

// TabIDFromContext returns the caller's tab ID.
func TabIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(tabKey).(string); ok {
		return id
	}
	return DefaultTabID
}

// WithIdentity returns a context carrying the given user and tab.
// Non-HTTP entry points such as the MCP server use it in place of Middleware.
func WithIdentity(ctx context.Context, userID, tabID string) context.Context {
	ctx = context.WithValue(ctx, userKey, userID)
	return context.WithValue(ctx, tabKey, normalizeTabID(tabID))
}

// DisplayName is the short label shown for an anonymous user.
func DisplayName(userID string) string {
	if strings.HasPrefix(userID, anonPrefix) && len(userID) > len(anonPrefix)+8 {
		return "anon-" + userID[len(userID)-8:]
	}
	if userID == "" {
		return "anon-user"
	}
	return userID
}

func newAnonID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return anonPrefix + hex.EncodeToString(buf[:]), nil
}

func normalizeTabID(id string) string {
	id = strings.TrimSpace(id)
	if !tabIDPattern.MatchString(id) {
		return DefaultTabID
	}
	return id
}

// UserStore is the part of the repository the middleware needs.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	UpsertUser(ctx context.Context, user *domain.User) error
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error
}

// EnsureUser creates the user on first sight and otherwise refreshes its
// last-seen time at most once per minute.
func EnsureUser(ctx context.Context, repo UserStore, userID string) error {
	user, err := repo.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user %s: %w", userID, err)
	}
	now := time.Now()
	switch {
	case user == nil:
		return repo.UpsertUser(ctx, &domain.User{
			UserID:     userID,
			Username:   DisplayName(userID),
			LastSeenAt: now,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	case user.IdleFor(now) < lastSeenResolution:
		return nil
	default:
		return repo.UpdateLastSeen(ctx, userID, now)
	}
}

// resolveUser returns the anonymous ID from the request cookie, minting a
// new one when it is missing or malformed. The cookie is refreshed either
// way so an active device never expires.
func resolveUser(w http.ResponseWriter, r *http.Request, secure bool) (string, error) {
	id := ""
	if c, err := r.Cookie(AnonCookieName); err == nil && anonIDPattern.MatchString(c.Value) {
		id = c.Value
	} else {
		if id, err = newAnonID(); err != nil {
			return "", err
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	})
	return id, nil
}

func tabFromRequest(r *http.Request) string {
	if tab := r.Header.Get(TabHeaderName); tab != "" {
		return normalizeTabID(tab)
	}
	// Browsers cannot set headers on a websocket upgrade.
	return normalizeTabID(r.URL.Query().Get(TabQueryParam))
}

// Middleware attaches the caller's user and tab to the request context and
// records the user in repo. Cookies are marked Secure unless isDev is set.
func Middleware(repo UserStore, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := resolveUser(w, r, !isDev)
			if err != nil {
				writeFailure(w, "failed to establish anonymous identity")
				return
			}
			if err := EnsureUser(r.Context(), repo, userID); err != nil {
				writeFailure(w, "failed to initialize anonymous user")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), userID, tabFromRequest(r))))
		})
	}
}

func writeFailure(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = fmt.Fprintf(w, `{"error":%q,"code":"internal","retryable":true}`, msg)
}
