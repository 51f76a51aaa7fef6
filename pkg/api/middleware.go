package api

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/a719584032-creator/testtrack/pkg/store"
)

type contextKey string

const userContextKey contextKey = "user"

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote", r.RemoteAddr).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// requireAuth validates HTTP basic credentials against the seeded
// users and injects the account into the request context.
func (s *server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="testtrack"`)
			writeEnvelope(w, http.StatusUnauthorized,
				"authentication required", nil)

			return
		}

		user, err := s.store.GetUserByUsername(r.Context(), username)
		if err != nil {
			writeEnvelope(w, http.StatusUnauthorized,
				"invalid credentials", nil)

			return
		}

		if bcrypt.CompareHashAndPassword(
			[]byte(user.PasswordHash), []byte(password),
		) != nil {
			writeEnvelope(w, http.StatusUnauthorized,
				"invalid credentials", nil)

			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole restricts a handler to users with the given role.
func (s *server) requireRole(
	role string, next http.HandlerFunc,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := userFromContext(r.Context())
		if user == nil || user.Role != role {
			writeEnvelope(w, http.StatusForbidden,
				"insufficient permissions", nil)

			return
		}

		next(w, r)
	}
}

// userFromContext extracts the authenticated user from the request context.
func userFromContext(ctx context.Context) *store.User {
	user, _ := ctx.Value(userContextKey).(*store.User)

	return user
}

// userIDFromContext returns the authenticated user's ID, or nil.
func userIDFromContext(ctx context.Context) *uint {
	user := userFromContext(ctx)
	if user == nil {
		return nil
	}

	id := user.ID

	return &id
}
