// Package auth is the boundary to the external credential service: every
// inbound connection and matchmaking request must present a session token
// that resolves to a stable user identity. Account storage and credential
// verification live outside this server; only token resolution happens here.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tetris-versus/match-server/internal/config"
	"github.com/tetris-versus/match-server/internal/domain"
	redisstore "github.com/tetris-versus/match-server/internal/redis"
)

type contextKey struct{}

var userIDKey contextKey

// Service resolves session tokens backed by the shared Redis session
// keyspace.
type Service struct {
	sessions *redisstore.SessionStore
	ttl      time.Duration
	logger   *slog.Logger
}

// NewService creates a new auth service
func NewService(sessions *redisstore.SessionStore, cfg *config.AuthConfig, logger *slog.Logger) *Service {
	return &Service{
		sessions: sessions,
		ttl:      cfg.SessionTTL,
		logger:   logger,
	}
}

// Issue mints a fresh opaque token for a user. The external auth service
// mints through the same store at login; this entry point exists for tooling
// and tests that need a valid session.
func (s *Service) Issue(ctx context.Context, userID string) (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	token := hex.EncodeToString(raw)
	if err := s.sessions.Put(ctx, token, userID, s.ttl); err != nil {
		return "", err
	}
	return token, nil
}

// Resolve maps a token to its user identity, or domain.ErrInvalidToken.
func (s *Service) Resolve(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", domain.ErrInvalidToken
	}
	return s.sessions.Get(ctx, token)
}

// Revoke deletes a session token so it can no longer resolve.
func (s *Service) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return domain.ErrInvalidToken
	}
	return s.sessions.Delete(ctx, token)
}

// FromRequest extracts the bearer token of an HTTP request, falling back to
// the token query parameter used by WebSocket upgrades.
func FromRequest(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// Middleware rejects unauthenticated requests with 401 and stores the
// resolved user id in the request context.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.Resolve(r.Context(), FromRequest(r))
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprintf(w, `{"success":false,"error":%q}`, domain.ErrInvalidToken.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

// WithUserID stores an authenticated user id in a context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserID returns the authenticated user id stored in a context.
func UserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok
}
