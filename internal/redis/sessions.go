package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tetris-versus/match-server/internal/domain"
)

// SessionStore maps opaque session tokens to user identities. The auth
// collaborator writes sessions through the same keyspace, so a token minted
// at login resolves here for both HTTP requests and WebSocket upgrades.
type SessionStore struct {
	client *redis.Client
	logger *slog.Logger
}

// NewSessionStore creates a new session store
func NewSessionStore(client *redis.Client, logger *slog.Logger) *SessionStore {
	return &SessionStore{
		client: client,
		logger: logger,
	}
}

// sessionKey returns the Redis key for a session token
func (s *SessionStore) sessionKey(token string) string {
	return fmt.Sprintf("session:%s", token)
}

// Put stores a token for a user with the given TTL.
func (s *SessionStore) Put(ctx context.Context, token, userID string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.sessionKey(token), userID, ttl).Err(); err != nil {
		return fmt.Errorf("storing session: %w", err)
	}
	return nil
}

// Get resolves a token to its user identity. Unknown and expired tokens are
// indistinguishable; both return domain.ErrInvalidToken.
func (s *SessionStore) Get(ctx context.Context, token string) (string, error) {
	userID, err := s.client.Get(ctx, s.sessionKey(token)).Result()
	if err != nil {
		if err == redis.Nil {
			return "", domain.ErrInvalidToken
		}
		return "", fmt.Errorf("resolving session: %w", err)
	}
	return userID, nil
}

// Delete revokes a token.
func (s *SessionStore) Delete(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.sessionKey(token)).Err(); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}
