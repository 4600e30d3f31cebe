package gateway

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/agentgate/agentgate/runtime/auth"
	"github.com/agentgate/agentgate/runtime/gwerrors"
)

type contextKey int

const (
	claimsKey contextKey = iota
	tokenKey
)

// authenticate verifies the caller's credential: the Authorization bearer
// header when present, the session cookie otherwise. Verified claims and the
// raw token land on the request context for handlers and the tool pipeline.
func (g *Gateway) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			if cookie, err := r.Cookie(g.cfg.Auth.CookieName); err == nil {
				raw = cookie.Value
			}
		}
		if raw == "" {
			respondError(w, r, gwerrors.New(gwerrors.KindUnauthorized, "missing credentials"))
			return
		}
		claims, err := g.verifier.Verify(r.Context(), raw)
		if err != nil {
			respondError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		ctx = context.WithValue(ctx, tokenKey, raw)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header {
		return ""
	}
	return token
}

func requestClaims(r *http.Request) auth.Claims {
	claims, _ := r.Context().Value(claimsKey).(auth.Claims)
	return claims
}

func requestToken(r *http.Request) string {
	token, _ := r.Context().Value(tokenKey).(string)
	return token
}

// requireRole gates admin endpoints on a claim role.
func (g *Gateway) requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, have := range requestClaims(r).Roles() {
				if have == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			respondError(w, r, gwerrors.Newf(gwerrors.KindForbidden, "role %s required", role))
		})
	}
}

// userLimiter holds one token bucket per subject.
type userLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perMin   int
}

func newUserLimiter(requestsPerMinute int) *userLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	return &userLimiter{
		limiters: make(map[string]*rate.Limiter),
		perMin:   requestsPerMinute,
	}
}

func (l *userLimiter) allow(subject string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[subject]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(l.perMin)/60.0), l.perMin)
		l.limiters[subject] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// rateLimit rejects callers that exceed their per-minute budget.
func (g *Gateway) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := requestClaims(r).Subject()
		if subject == "" {
			respondError(w, r, gwerrors.New(gwerrors.KindUnauthorized, "token has no subject"))
			return
		}
		if !g.limiter.allow(subject) {
			respondError(w, r, gwerrors.New(gwerrors.KindRateLimited, "request budget exhausted").WithRetryable())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// streamGuard bounds concurrent streaming connections per subject.
type streamGuard struct {
	mu     sync.Mutex
	active map[string]int
	limit  int
}

func newStreamGuard(limit int) *streamGuard {
	if limit <= 0 {
		limit = 4
	}
	return &streamGuard{active: make(map[string]int), limit: limit}
}

func (s *streamGuard) acquire(subject string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[subject] >= s.limit {
		return false
	}
	s.active[subject]++
	return true
}

func (s *streamGuard) release(subject string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[subject] > 0 {
		s.active[subject]--
	}
	if s.active[subject] == 0 {
		delete(s.active, subject)
	}
}
